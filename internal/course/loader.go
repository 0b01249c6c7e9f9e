package course

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ManifestName is the course manifest file inside a course directory.
const ManifestName = "course.yaml"

// ErrInvalidCourse is returned when course content fails validation.
var ErrInvalidCourse = errors.New("invalid course definition")

// ManifestFile represents the YAML structure of course.yaml
type ManifestFile struct {
	Title string `yaml:"title" validate:"required"`
	Code  string `yaml:"code" validate:"required"`
	Days  int    `yaml:"days" validate:"required,min=1"`
}

// DayFile represents the YAML structure of a day_NN.yaml file
type DayFile struct {
	Day         int        `yaml:"day" validate:"required,min=1"`
	Title       string     `yaml:"title" validate:"required"`
	Description string     `yaml:"description" validate:"required"`
	Video       string     `yaml:"video"`
	Brief       string     `yaml:"brief"`
	CodeLetter  string     `yaml:"code_letter" validate:"required,len=1"`
	Tasks       []TaskFile `yaml:"tasks" validate:"required,min=1,dive"`
}

// TaskFile represents a single task entry of a day file
type TaskFile struct {
	Number      int          `yaml:"number" validate:"required,min=1"`
	Kind        string       `yaml:"kind" validate:"required,oneof=choice voice dialog"`
	Title       string       `yaml:"title" validate:"required"`
	Prompt      string       `yaml:"prompt"`
	Block       string       `yaml:"block"`
	Options     []OptionFile `yaml:"options" validate:"dive"`
	Correct     string       `yaml:"correct"`
	Phrase      string       `yaml:"phrase"`
	Variants    []string     `yaml:"variants" validate:"dive,required"`
	CaptureName *bool        `yaml:"capture_name"`
	Steps       []StepFile   `yaml:"steps" validate:"dive"`
	Hints       []string     `yaml:"hints"`
}

// OptionFile is a selectable answer
type OptionFile struct {
	ID    string `yaml:"id" validate:"required"`
	Label string `yaml:"label" validate:"required"`
}

// StepFile is one step of a dialog task
type StepFile struct {
	Prompt  string       `yaml:"prompt" validate:"required"`
	Options []OptionFile `yaml:"options" validate:"required,min=2,dive"`
	Correct string       `yaml:"correct" validate:"required"`
}

// Loader reads and validates course content
type Loader struct {
	fsys     fs.FS
	validate *validator.Validate
}

// NewLoader creates a loader reading from fsys
func NewLoader(fsys fs.FS) *Loader {
	return &Loader{
		fsys:     fsys,
		validate: validator.New(),
	}
}

// NewDirLoader creates a loader reading from a directory on disk
func NewDirLoader(path string) *Loader {
	return NewLoader(os.DirFS(path))
}

// Load reads the manifest and every day file. Any malformed definition
// fails the whole load.
func (l *Loader) Load() (*Catalog, error) {
	var manifest ManifestFile
	if err := l.readYAML(ManifestName, &manifest); err != nil {
		return nil, err
	}

	code := []rune(manifest.Code)
	if len(code) != manifest.Days {
		return nil, fmt.Errorf("%w: code %q has %d letters for %d days",
			ErrInvalidCourse, manifest.Code, len(code), manifest.Days)
	}

	days := make([]domain.CourseDay, 0, manifest.Days)
	for n := 1; n <= manifest.Days; n++ {
		day, err := l.LoadDay(n)
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(day.CodeLetter, string(code[n-1])) {
			return nil, fmt.Errorf("%w: day %d code letter %q does not match course code %q",
				ErrInvalidCourse, n, day.CodeLetter, manifest.Code)
		}
		days = append(days, *day)
	}

	return New(manifest.Title, manifest.Code, days), nil
}

// LoadDay loads and validates a single day file.
func (l *Loader) LoadDay(n int) (*domain.CourseDay, error) {
	name := DayFileName(n)

	var df DayFile
	if err := l.readYAML(name, &df); err != nil {
		return nil, err
	}
	if df.Day != n {
		return nil, fmt.Errorf("%w: %s declares day %d", ErrInvalidCourse, name, df.Day)
	}

	day := &domain.CourseDay{
		Number:      df.Day,
		Title:       df.Title,
		Description: df.Description,
		VideoRef:    df.Video,
		BriefRef:    df.Brief,
		CodeLetter:  strings.ToUpper(df.CodeLetter),
		Tasks:       make([]domain.TaskDefinition, 0, len(df.Tasks)),
	}

	prev := 0
	for _, tf := range df.Tasks {
		if tf.Number <= prev {
			return nil, fmt.Errorf("%w: %s task %d is not after task %d",
				ErrInvalidCourse, name, tf.Number, prev)
		}
		prev = tf.Number

		payload, err := convertPayload(tf)
		if err != nil {
			return nil, fmt.Errorf("%w: %s task %d: %v", ErrInvalidCourse, name, tf.Number, err)
		}

		day.Tasks = append(day.Tasks, domain.TaskDefinition{
			Day:     n,
			Number:  tf.Number,
			Title:   tf.Title,
			Prompt:  tf.Prompt,
			BlockID: tf.Block,
			Payload: payload,
		})
	}

	return day, nil
}

// DayFileName returns the file name holding day n.
func DayFileName(n int) string {
	return fmt.Sprintf("day_%02d.yaml", n)
}

func (l *Loader) readYAML(name string, out any) error {
	data, err := fs.ReadFile(l.fsys, name)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if err := l.validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidCourse, name, err)
	}
	return nil
}

func convertPayload(tf TaskFile) (domain.TaskPayload, error) {
	switch domain.TaskKind(tf.Kind) {
	case domain.TaskChoice:
		if len(tf.Options) < 2 {
			return nil, errors.New("choice task needs at least two options")
		}
		options := convertOptions(tf.Options)
		p := domain.ChoicePayload{Options: options, CorrectOption: tf.Correct, Hints: tf.Hints}
		if !p.HasOption(tf.Correct) {
			return nil, fmt.Errorf("correct option %q is not offered", tf.Correct)
		}
		return p, nil

	case domain.TaskVoice:
		if strings.TrimSpace(tf.Phrase) == "" {
			return nil, errors.New("voice task needs a phrase")
		}
		variants := tf.Variants
		if len(variants) == 0 {
			variants = []string{tf.Phrase}
		}
		capture := true
		if tf.CaptureName != nil {
			capture = *tf.CaptureName
		}
		return domain.VoicePayload{
			Phrase:      tf.Phrase,
			Variants:    variants,
			CaptureName: capture,
			Hints:       tf.Hints,
		}, nil

	case domain.TaskDialog:
		if len(tf.Steps) == 0 {
			return nil, errors.New("dialog task needs at least one step")
		}
		steps := make([]domain.DialogStep, 0, len(tf.Steps))
		for i, sf := range tf.Steps {
			step := domain.DialogStep{
				Prompt:        sf.Prompt,
				Options:       convertOptions(sf.Options),
				CorrectOption: sf.Correct,
			}
			if !step.HasOption(sf.Correct) {
				return nil, fmt.Errorf("step %d correct option %q is not offered", i+1, sf.Correct)
			}
			steps = append(steps, step)
		}
		return domain.DialogPayload{Steps: steps}, nil
	}

	return nil, fmt.Errorf("unknown task kind %q", tf.Kind)
}

func convertOptions(in []OptionFile) []domain.Option {
	out := make([]domain.Option, len(in))
	for i, o := range in {
		out[i] = domain.Option{ID: o.ID, Label: o.Label}
	}
	return out
}
