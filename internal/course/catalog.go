package course

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/felixgeelhaar/escape/internal/domain"
)

//go:embed content/*.yaml
var content embed.FS

// Catalog is the immutable, validated course content. It is safe for
// concurrent use.
type Catalog struct {
	title string
	code  string
	days  []domain.CourseDay
}

// New builds a catalog from already validated days.
func New(title, code string, days []domain.CourseDay) *Catalog {
	return &Catalog{title: title, code: code, days: days}
}

// Default loads the course bundled with the binary.
func Default() (*Catalog, error) {
	sub, err := fs.Sub(content, "content")
	if err != nil {
		return nil, fmt.Errorf("open bundled course: %w", err)
	}
	return NewLoader(sub).Load()
}

// Load loads the course from path, or the bundled course when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	return NewDirLoader(path).Load()
}

// Title returns the course title
func (c *Catalog) Title() string { return c.title }

// Code returns the full liberation code
func (c *Catalog) Code() string { return c.code }

// Len returns the number of days
func (c *Catalog) Len() int { return len(c.days) }

// Days returns all days in order. Callers must not modify the result.
func (c *Catalog) Days() []domain.CourseDay { return c.days }

// GetDay returns day n.
func (c *Catalog) GetDay(n int) (*domain.CourseDay, error) {
	if n < 1 || n > len(c.days) {
		return nil, fmt.Errorf("day %d: %w", n, domain.ErrDayNotFound)
	}
	return &c.days[n-1], nil
}

// GetTask returns task number within day.
func (c *Catalog) GetTask(day, number int) (*domain.TaskDefinition, error) {
	d, err := c.GetDay(day)
	if err != nil {
		return nil, err
	}
	task, ok := d.Task(number)
	if !ok {
		return nil, fmt.Errorf("day %d task %d: %w", day, number, domain.ErrTaskNotFound)
	}
	return task, nil
}

// FirstTask returns the first task of a day.
func (c *Catalog) FirstTask(day int) (*domain.TaskDefinition, error) {
	d, err := c.GetDay(day)
	if err != nil {
		return nil, err
	}
	task, ok := d.FirstTask()
	if !ok {
		return nil, fmt.Errorf("day %d first task: %w", day, domain.ErrTaskNotFound)
	}
	return task, nil
}

// NextTask returns the task after number, or false when number is the last
// task of the day.
func (c *Catalog) NextTask(day, number int) (*domain.TaskDefinition, bool, error) {
	d, err := c.GetDay(day)
	if err != nil {
		return nil, false, err
	}
	task, ok := d.NextTask(number)
	return task, ok, nil
}

// IsLastDay reports whether n is the final day of the course.
func (c *Catalog) IsLastDay(n int) bool {
	return n == len(c.days)
}

// TaskCount returns the number of tasks across all days.
func (c *Catalog) TaskCount() int {
	total := 0
	for _, d := range c.days {
		total += len(d.Tasks)
	}
	return total
}
