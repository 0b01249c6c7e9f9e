package domain

import "strings"

// NamePlaceholder is replaced with the learner's name in day descriptions.
const NamePlaceholder = "{name}"

// TaskKind identifies how a task is answered and evaluated
type TaskKind string

const (
	TaskChoice TaskKind = "choice"
	TaskVoice  TaskKind = "voice"
	TaskDialog TaskKind = "dialog"
)

// Valid checks if the kind is one of the supported task kinds
func (k TaskKind) Valid() bool {
	switch k {
	case TaskChoice, TaskVoice, TaskDialog:
		return true
	}
	return false
}

// CourseDay is one of the ten stages of the course. Days are immutable
// once loaded.
type CourseDay struct {
	Number      int
	Title       string
	Description string
	VideoRef    string
	BriefRef    string
	CodeLetter  string
	Tasks       []TaskDefinition
}

// RenderDescription substitutes the learner's name into the description.
func (d *CourseDay) RenderDescription(name string) string {
	return strings.ReplaceAll(d.Description, NamePlaceholder, name)
}

// Task returns the task with the given number.
func (d *CourseDay) Task(number int) (*TaskDefinition, bool) {
	for i := range d.Tasks {
		if d.Tasks[i].Number == number {
			return &d.Tasks[i], true
		}
	}
	return nil, false
}

// FirstTask returns the first task of the day.
func (d *CourseDay) FirstTask() (*TaskDefinition, bool) {
	if len(d.Tasks) == 0 {
		return nil, false
	}
	return &d.Tasks[0], true
}

// NextTask returns the task defined immediately after the given task number.
// Task numbers may have gaps; the next defined task is returned.
func (d *CourseDay) NextTask(after int) (*TaskDefinition, bool) {
	for i := range d.Tasks {
		if d.Tasks[i].Number > after {
			return &d.Tasks[i], true
		}
	}
	return nil, false
}

// TaskDefinition describes a single interactive task within a day
type TaskDefinition struct {
	Day     int
	Number  int
	Title   string
	Prompt  string
	BlockID string
	Payload TaskPayload
}

// Kind returns the kind implied by the task payload.
func (t *TaskDefinition) Kind() TaskKind {
	if t.Payload == nil {
		return ""
	}
	return t.Payload.Kind()
}

// HasBlock reports whether the task belongs to a presentation block.
func (t *TaskDefinition) HasBlock() bool {
	return t.BlockID != ""
}

// TaskPayload is the kind-specific content of a task. It is implemented only
// by ChoicePayload, VoicePayload and DialogPayload.
type TaskPayload interface {
	Kind() TaskKind
	taskPayload()
}

// Option is a selectable answer
type Option struct {
	ID    string
	Label string
}

// ChoicePayload is a single-answer multiple choice question
type ChoicePayload struct {
	Options       []Option
	CorrectOption string
	Hints         []string
}

func (ChoicePayload) Kind() TaskKind { return TaskChoice }
func (ChoicePayload) taskPayload()   {}

// HasOption reports whether id is one of the offered options.
func (p ChoicePayload) HasOption(id string) bool {
	return hasOption(p.Options, id)
}

// VoicePayload asks the learner to say a carrier phrase, optionally
// followed by their name.
type VoicePayload struct {
	Phrase      string
	Variants    []string
	CaptureName bool
	Hints       []string
}

func (VoicePayload) Kind() TaskKind { return TaskVoice }
func (VoicePayload) taskPayload()   {}

// DialogStep is one exchange of a dialog task
type DialogStep struct {
	Prompt        string
	Options       []Option
	CorrectOption string
}

// HasOption reports whether id is one of the step's options.
func (s DialogStep) HasOption(id string) bool {
	return hasOption(s.Options, id)
}

// DialogPayload is an ordered series of choice steps answered in sequence
type DialogPayload struct {
	Steps []DialogStep
}

func (DialogPayload) Kind() TaskKind { return TaskDialog }
func (DialogPayload) taskPayload()   {}

func hasOption(options []Option, id string) bool {
	for _, o := range options {
		if o.ID == id {
			return true
		}
	}
	return false
}
