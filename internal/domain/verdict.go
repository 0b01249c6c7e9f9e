package domain

// VerdictKind is the outcome class of an evaluated submission
type VerdictKind int

const (
	// VerdictUnparseable means the submission could not be evaluated at all
	// and does not count as an attempt.
	VerdictUnparseable VerdictKind = iota
	VerdictIncorrect
	VerdictCorrect
	// VerdictStepPassed means a non-final dialog step was answered correctly.
	VerdictStepPassed
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictCorrect:
		return "correct"
	case VerdictIncorrect:
		return "incorrect"
	case VerdictStepPassed:
		return "step_passed"
	default:
		return "unparseable"
	}
}

// FailureReason explains a non-correct verdict so the bot can pick the right text
type FailureReason string

const (
	ReasonNone                FailureReason = ""
	ReasonWrongOption         FailureReason = "wrong_option"
	ReasonUnknownOption       FailureReason = "unknown_option"
	ReasonPhraseNotFound      FailureReason = "phrase_not_found"
	ReasonNameNotExtracted    FailureReason = "name_not_extracted"
	ReasonTranscriptionFailed FailureReason = "transcription_failed"
	ReasonStaleStep           FailureReason = "stale_step"
	ReasonTaskNotFound        FailureReason = "task_not_found"
)

// Verdict is the result of evaluating one submission
type Verdict struct {
	Kind          VerdictKind
	RetryAllowed  bool
	Reason        FailureReason
	ExtractedName string
	// NextStep is the dialog step pointer after this submission.
	NextStep int
}

// Counts reports whether the verdict is recorded as an attempt.
func (v Verdict) Counts() bool {
	return v.Kind != VerdictUnparseable
}

// IsCorrect reports whether the task is now complete.
func (v Verdict) IsCorrect() bool {
	return v.Kind == VerdictCorrect
}

// Correct builds a Correct verdict
func Correct() Verdict {
	return Verdict{Kind: VerdictCorrect}
}

// Incorrect builds an Incorrect verdict; retries are always allowed.
func Incorrect(reason FailureReason) Verdict {
	return Verdict{Kind: VerdictIncorrect, RetryAllowed: true, Reason: reason}
}

// Unparseable builds an Unparseable verdict
func Unparseable(reason FailureReason) Verdict {
	return Verdict{Kind: VerdictUnparseable, RetryAllowed: true, Reason: reason}
}
