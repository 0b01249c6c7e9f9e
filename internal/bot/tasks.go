package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/felixgeelhaar/escape/internal/evaluator"
	"github.com/felixgeelhaar/escape/internal/progress"
	"github.com/felixgeelhaar/escape/internal/speech"
	"github.com/felixgeelhaar/escape/internal/transport"
)

// handleCallback routes a button press. The returned text is shown as the
// button's toast.
func (h *Handler) handleCallback(ctx context.Context, user *domain.User, upd transport.Update) (string, error) {
	cb, err := parseCallback(upd.CallbackData)
	if err != nil {
		h.logger.Debug("ignoring callback", "user_id", user.ID, "error", err)
		return textStaleButton, nil
	}

	if cb.action == actionPay {
		return "", h.cmdPay(ctx, user)
	}
	if !user.HasAccess {
		_, err := h.messenger.Send(ctx, user.ID, transport.Text(textNoAccess).WithButtons(transport.Row(h.payButton(user.ID))))
		return "", err
	}

	switch cb.action {
	case actionProgress:
		return "", h.cmdProgress(ctx, user)
	case actionVoiceHelp:
		return textVoiceHelp, nil
	case actionAnswer:
		return h.handleAnswer(ctx, user, cb)
	}

	switch cb.sub {
	case dayOpen:
		return "", h.openCurrentDay(ctx, user)
	case dayIntro:
		return "", h.showIntro(ctx, user, cb.day)
	case dayVideo:
		return h.sendMaterial(ctx, user, cb.day, progress.MaterialVideo)
	case dayBrief:
		return h.sendMaterial(ctx, user, cb.day, progress.MaterialBrief)
	case dayStart:
		return h.startDay(ctx, user, cb.day)
	}
	return textStaleButton, nil
}

func (h *Handler) sendMaterial(ctx context.Context, user *domain.User, day int, m progress.Material) (string, error) {
	def, err := h.tracker.Catalog().GetDay(day)
	if err != nil {
		return textStaleButton, nil
	}

	ref, kind := def.VideoRef, transport.AttachVideo
	if m == progress.MaterialBrief {
		ref, kind = def.BriefRef, transport.AttachDocument
	}
	if ref == "" {
		return "Not available for this day", nil
	}

	if _, err := h.tracker.Store().GetProgress(ctx, user.ID, day); errors.Is(err, domain.ErrProgressNotFound) {
		return textDayLocked, nil
	} else if err != nil {
		return "", err
	}

	if _, err := h.messenger.Send(ctx, user.ID, materialMessage(def, kind, ref)); err != nil {
		return "", err
	}
	if err := h.tracker.MarkMaterial(ctx, user.ID, day, m); err != nil {
		h.logger.Warn("failed to mark material", "user_id", user.ID, "day", day, "material", m, "error", err)
	}
	return "✅ Sent", nil
}

func (h *Handler) startDay(ctx context.Context, user *domain.User, day int) (string, error) {
	p, err := h.tracker.StartDay(ctx, user.ID, day)
	switch {
	case errors.Is(err, domain.ErrDayLocked):
		return textDayLocked, nil
	case errors.Is(err, domain.ErrDayNotFound):
		return textStaleButton, nil
	case err != nil:
		return "", err
	}

	if p.IsComplete() {
		return "", h.sendDaySummary(ctx, user, day)
	}
	return "", h.resumeTask(ctx, user, day)
}

// resumeTask shows the current task of a started day again.
func (h *Handler) resumeTask(ctx context.Context, user *domain.User, day int) error {
	task, p, err := h.tracker.CurrentTask(ctx, user.ID, day)
	if err != nil {
		return err
	}
	if task == nil {
		return h.sendDaySummary(ctx, user, day)
	}
	// Re-showing a task keeps its block; a blockless task replaces its
	// earlier copy.
	return h.presentTask(ctx, user, task, task, p.CurrentStep)
}

// presentTask ends prev's block when next does not share it, then shows next.
func (h *Handler) presentTask(ctx context.Context, user *domain.User, prev, next *domain.TaskDefinition, step int) error {
	h.blocks.Begin(ctx, user.ID, prev, next)

	id, err := h.messenger.Send(ctx, user.ID, taskMessage(next, h.dayTaskCount(next.Day), step))
	if err != nil {
		return err
	}
	h.blocks.Track(user.ID, next, id)
	return nil
}

func (h *Handler) dayTaskCount(day int) int {
	def, err := h.tracker.Catalog().GetDay(day)
	if err != nil {
		return 0
	}
	return len(def.Tasks)
}

// handleAnswer evaluates a choice or dialog button press.
func (h *Handler) handleAnswer(ctx context.Context, user *domain.User, cb callback) (string, error) {
	task, err := h.tracker.Catalog().GetTask(cb.day, cb.task)
	if err != nil || task.Kind() == domain.TaskVoice {
		return textStaleButton, nil
	}

	p, err := h.tracker.Store().GetProgress(ctx, user.ID, cb.day)
	if errors.Is(err, domain.ErrProgressNotFound) {
		return textDayLocked, nil
	}
	if err != nil {
		return "", err
	}

	var sub evaluator.Submission
	if task.Kind() == domain.TaskDialog {
		sub = evaluator.DialogAnswer(cb.step, cb.option)
	} else {
		sub = evaluator.Choice(cb.option)
	}
	currentStep := 0
	if p.CurrentTask == cb.task {
		currentStep = p.CurrentStep
	}

	verdict := evaluator.Evaluate(task, sub, currentStep)
	if !verdict.Counts() {
		if p.TaskCompleted(cb.task) {
			return textAlreadyDone, nil
		}
		return textStaleButton, nil
	}

	out, err := h.tracker.RecordAttempt(ctx, user.ID, cb.day, cb.task, progress.Attempt{
		Verdict: verdict,
		Answer:  cb.option,
	})
	switch {
	case errors.Is(err, domain.ErrTaskOutOfOrder), errors.Is(err, domain.ErrDayNotStarted):
		return textFinishCurrent, nil
	case errors.Is(err, domain.ErrDayLocked):
		return textDayLocked, nil
	case err != nil:
		return "", err
	}
	if out.Duplicate {
		return textAlreadyDone, nil
	}

	toast := "❌"
	if verdict.Kind == domain.VerdictCorrect || verdict.Kind == domain.VerdictStepPassed {
		toast = "✅"
	}
	return toast, h.applyOutcome(ctx, user, out)
}

// handleVoice evaluates a voice message against the current voice task.
func (h *Handler) handleVoice(ctx context.Context, user *domain.User, v *transport.Voice) error {
	if v == nil {
		return nil
	}
	if !user.HasAccess {
		_, err := h.messenger.Send(ctx, user.ID, transport.Text(textNoAccess).WithButtons(transport.Row(h.payButton(user.ID))))
		return err
	}

	task, err := h.currentVoiceTask(ctx, user.ID)
	if err != nil {
		return err
	}
	if task == nil {
		_, err := h.messenger.Send(ctx, user.ID, transport.Text(textNoVoiceTask))
		return err
	}

	switch {
	case v.Duration < h.cfg.MinVoiceSeconds:
		_, err := h.messenger.Send(ctx, user.ID, transport.Text(textVoiceTooShort))
		return err
	case v.Duration > h.cfg.MaxVoiceSeconds:
		_, err := h.messenger.Send(ctx, user.ID, transport.Text(fmt.Sprintf(textVoiceTooLong, h.cfg.MaxVoiceSeconds)))
		return err
	}

	data, err := h.downloader.Download(ctx, v.FileID)
	if err != nil {
		return err
	}

	transcript, err := h.transcriber.Transcribe(ctx, speech.Audio{
		Data:     data,
		MimeType: v.MimeType,
		Duration: time.Duration(v.Duration) * time.Second,
	})
	sub := evaluator.Voice(transcript)
	switch {
	case err == nil:
	case errors.Is(err, speech.ErrUnrecognized):
		sub = evaluator.VoiceFailed()
	default:
		h.logger.Warn("transcription unavailable", "user_id", user.ID, "error", err)
		_, err := h.messenger.Send(ctx, user.ID, transport.Text(textVoiceDown))
		return err
	}

	verdict := evaluator.Evaluate(task, sub, 0)
	h.logger.Debug("voice evaluated",
		"user_id", user.ID,
		"day", task.Day,
		"task", task.Number,
		"verdict", verdict.Kind.String(),
		"reason", verdict.Reason,
	)

	if !verdict.Counts() {
		id, err := h.messenger.Send(ctx, user.ID, incorrectMessage(task, verdict, 0))
		if err != nil {
			return err
		}
		h.blocks.Track(user.ID, task, id)
		return nil
	}

	out, err := h.tracker.RecordAttempt(ctx, user.ID, task.Day, task.Number, progress.Attempt{
		Verdict:    verdict,
		Transcript: transcript,
	})
	if err != nil {
		return err
	}
	if out.Duplicate {
		return nil
	}
	return h.applyOutcome(ctx, user, out)
}

// currentVoiceTask returns the voice task the user is on, or nil.
func (h *Handler) currentVoiceTask(ctx context.Context, id domain.UserID) (*domain.TaskDefinition, error) {
	p, err := h.tracker.CurrentDay(ctx, id)
	if errors.Is(err, domain.ErrDayLocked) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.State() != domain.DayInProgress {
		return nil, nil
	}

	task, _, err := h.tracker.CurrentTask(ctx, id, p.Day)
	if err != nil {
		return nil, err
	}
	if task == nil || task.Kind() != domain.TaskVoice {
		return nil, nil
	}
	return task, nil
}

// applyOutcome sends feedback for a recorded attempt and moves the
// presentation forward.
func (h *Handler) applyOutcome(ctx context.Context, user *domain.User, out *progress.Outcome) error {
	task := out.Task
	attempts := out.Progress.Attempts(task.Number)

	switch out.Verdict.Kind {
	case domain.VerdictIncorrect:
		id, err := h.messenger.Send(ctx, user.ID, incorrectMessage(task, out.Verdict, attempts))
		if err != nil {
			return err
		}
		h.blocks.Track(user.ID, task, id)
		return nil

	case domain.VerdictStepPassed:
		id, err := h.messenger.Send(ctx, user.ID, taskMessage(task, h.dayTaskCount(task.Day), out.Verdict.NextStep))
		if err != nil {
			return err
		}
		h.blocks.Track(user.ID, task, id)
		return nil
	}

	id, err := h.messenger.Send(ctx, user.ID, correctMessage(attempts, out.Verdict.ExtractedName))
	if err != nil {
		return err
	}
	h.blocks.Track(user.ID, task, id)

	if out.NextTask != nil {
		return h.presentTask(ctx, user, task, out.NextTask, 0)
	}
	if !out.DayCompleted {
		return nil
	}

	h.blocks.Close(ctx, user.ID)

	catalog := h.tracker.Catalog()
	def, err := catalog.GetDay(task.Day)
	if err != nil {
		return err
	}
	code, err := h.tracker.CollectedCode(ctx, user.ID)
	if err != nil {
		return err
	}
	msg := dayCompleteMessage(def, domain.FormatCode(code, catalog.Len()), catalog.IsLastDay(def.Number))
	if _, err := h.messenger.Send(ctx, user.ID, msg); err != nil {
		return err
	}

	if out.CourseCompleted && out.Certificate != nil {
		if _, err := h.messenger.Send(ctx, user.ID, courseCompleteMessage(out.Certificate)); err != nil {
			return err
		}
	}
	return nil
}
