// Package evaluator decides whether a learner's submission answers a task.
// Evaluation is pure: it reads the task definition and the submission and
// never touches storage.
package evaluator

import (
	"strings"
	"unicode"

	"github.com/felixgeelhaar/escape/internal/domain"
)

// Submission is the learner's raw input for one task
type Submission struct {
	// OptionID is the chosen option for choice and dialog tasks.
	OptionID string
	// Step is the dialog step the option was offered for.
	Step int
	// Transcript is the recognized speech for voice tasks. Transcribed is
	// false when recognition failed.
	Transcript  string
	Transcribed bool
}

// Choice builds a submission for a choice task
func Choice(option string) Submission {
	return Submission{OptionID: option}
}

// DialogAnswer builds a submission for a dialog step
func DialogAnswer(step int, option string) Submission {
	return Submission{OptionID: option, Step: step}
}

// Voice builds a submission from a speech transcript
func Voice(transcript string) Submission {
	return Submission{Transcript: transcript, Transcribed: true}
}

// VoiceFailed builds a submission for audio that could not be transcribed
func VoiceFailed() Submission {
	return Submission{}
}

// Evaluate checks a submission against a task. currentStep is the dialog step
// pointer stored in the learner's progress and is ignored for other kinds.
func Evaluate(task *domain.TaskDefinition, sub Submission, currentStep int) domain.Verdict {
	if task == nil || task.Payload == nil {
		return domain.Unparseable(domain.ReasonTaskNotFound)
	}

	switch p := task.Payload.(type) {
	case domain.ChoicePayload:
		return evaluateChoice(p, sub)
	case domain.VoicePayload:
		return evaluateVoice(p, sub)
	case domain.DialogPayload:
		return evaluateDialog(p, sub, currentStep)
	}

	return domain.Unparseable(domain.ReasonTaskNotFound)
}

func evaluateChoice(p domain.ChoicePayload, sub Submission) domain.Verdict {
	if !p.HasOption(sub.OptionID) {
		return domain.Unparseable(domain.ReasonUnknownOption)
	}
	if sub.OptionID == p.CorrectOption {
		return domain.Correct()
	}
	return domain.Incorrect(domain.ReasonWrongOption)
}

func evaluateDialog(p domain.DialogPayload, sub Submission, current int) domain.Verdict {
	if current < 0 || current >= len(p.Steps) {
		return domain.Unparseable(domain.ReasonStaleStep)
	}
	if sub.Step != current {
		v := domain.Unparseable(domain.ReasonStaleStep)
		v.NextStep = current
		return v
	}

	step := p.Steps[current]
	if !step.HasOption(sub.OptionID) {
		v := domain.Unparseable(domain.ReasonUnknownOption)
		v.NextStep = current
		return v
	}
	if sub.OptionID != step.CorrectOption {
		v := domain.Incorrect(domain.ReasonWrongOption)
		v.NextStep = current
		return v
	}

	if current == len(p.Steps)-1 {
		v := domain.Correct()
		v.NextStep = len(p.Steps)
		return v
	}
	return domain.Verdict{Kind: domain.VerdictStepPassed, NextStep: current + 1}
}

func evaluateVoice(p domain.VoicePayload, sub Submission) domain.Verdict {
	text := Normalize(sub.Transcript)
	if !sub.Transcribed || text == "" {
		return domain.Unparseable(domain.ReasonTranscriptionFailed)
	}

	words := strings.Fields(text)
	phraseFound := false

	for _, variant := range p.Variants {
		phrase := strings.Fields(Normalize(variant))
		if len(phrase) == 0 {
			continue
		}
		for _, at := range indexAll(words, phrase) {
			phraseFound = true
			if !p.CaptureName {
				return domain.Correct()
			}
			end := at + len(phrase)
			if end < len(words) && isName(words[end]) {
				v := domain.Correct()
				v.ExtractedName = domain.CapitalizeName(words[end])
				return v
			}
		}
	}

	if phraseFound {
		return domain.Incorrect(domain.ReasonNameNotExtracted)
	}
	return domain.Incorrect(domain.ReasonPhraseNotFound)
}

// Normalize lowercases text, drops apostrophes so "name's" matches
// "names", and collapses punctuation and whitespace to single spaces.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '\'' || r == '’':
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func indexAll(words, phrase []string) []int {
	var out []int
	for i := 0; i+len(phrase) <= len(words); i++ {
		match := true
		for j := range phrase {
			if words[i+j] != phrase[j] {
				match = false
				break
			}
		}
		if match {
			out = append(out, i)
		}
	}
	return out
}

func isName(word string) bool {
	for _, r := range word {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return word != ""
}
