package bot

import (
	"context"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/felixgeelhaar/escape/internal/transport"
)

func (h *Handler) handleCommand(ctx context.Context, user *domain.User, command string) error {
	switch command {
	case "start":
		return h.cmdStart(ctx, user)
	case "pay":
		return h.cmdPay(ctx, user)
	case "help":
		return h.cmdHelp(ctx, user)
	}

	if !user.HasAccess {
		_, err := h.messenger.Send(ctx, user.ID, transport.Text(textNoAccess).WithButtons(transport.Row(h.payButton(user.ID))))
		return err
	}

	switch command {
	case "day":
		return h.openCurrentDay(ctx, user)
	case "progress":
		return h.cmdProgress(ctx, user)
	case "code":
		return h.cmdCode(ctx, user)
	default:
		_, err := h.messenger.Send(ctx, user.ID, transport.Text(textUseButtons))
		return err
	}
}

func (h *Handler) cmdStart(ctx context.Context, user *domain.User) error {
	catalog := h.tracker.Catalog()
	if !user.HasAccess {
		msg := welcomeMessage(user.Name(), catalog.Len(), catalog.Code(), h.payButton(user.ID))
		_, err := h.messenger.Send(ctx, user.ID, msg)
		return err
	}

	o, err := h.tracker.Overview(ctx, user.ID)
	if err != nil {
		return err
	}
	_, err = h.messenger.Send(ctx, user.ID, welcomeBackMessage(user.Name(), o))
	return err
}

func (h *Handler) cmdPay(ctx context.Context, user *domain.User) error {
	var msg transport.OutgoingMessage
	switch {
	case user.HasAccess:
		msg = transport.Text(textAlreadyPaid)
	case h.cfg.PaymentURL == "":
		msg = transport.Text(textPayNoProvider)
	default:
		msg = transport.Text(fmt.Sprintf(textPay, h.tracker.Catalog().Len())).WithButtons(
			transport.Row(h.payButton(user.ID)),
		)
	}
	_, err := h.messenger.Send(ctx, user.ID, msg)
	return err
}

func (h *Handler) cmdHelp(ctx context.Context, user *domain.User) error {
	text := textHelp
	if !user.HasAccess {
		text = fmt.Sprintf(textHelpLocked, h.tracker.Catalog().Len())
	}
	_, err := h.messenger.Send(ctx, user.ID, transport.Text(text))
	return err
}

func (h *Handler) cmdProgress(ctx context.Context, user *domain.User) error {
	o, err := h.tracker.Overview(ctx, user.ID)
	if err != nil {
		return err
	}
	_, err = h.messenger.Send(ctx, user.ID, progressMessage(o))
	return err
}

func (h *Handler) cmdCode(ctx context.Context, user *domain.User) error {
	code, err := h.tracker.CollectedCode(ctx, user.ID)
	if err != nil {
		return err
	}
	total := h.tracker.Catalog().Len()
	msg := codeMessage(domain.FormatCode(code, total), len([]rune(code)), total)
	_, err = h.messenger.Send(ctx, user.ID, msg)
	return err
}

// openCurrentDay shows the user's latest unlocked day: its intro when not
// started, the current task when in progress, or the day summary when done.
func (h *Handler) openCurrentDay(ctx context.Context, user *domain.User) error {
	p, err := h.tracker.CurrentDay(ctx, user.ID)
	if errors.Is(err, domain.ErrDayLocked) {
		// Access without any unlocked day happens only if the grant was
		// interrupted; repeat it.
		if _, err := h.tracker.GrantAccess(ctx, user.ID, user.Username, user.FirstName); err != nil {
			return err
		}
		p, err = h.tracker.CurrentDay(ctx, user.ID)
	}
	if err != nil {
		return err
	}

	switch p.State() {
	case domain.DayInProgress:
		return h.resumeTask(ctx, user, p.Day)
	case domain.DayComplete:
		return h.sendDaySummary(ctx, user, p.Day)
	default:
		return h.showIntro(ctx, user, p.Day)
	}
}

func (h *Handler) sendDaySummary(ctx context.Context, user *domain.User, day int) error {
	code, err := h.tracker.CollectedCode(ctx, user.ID)
	if err != nil {
		return err
	}
	display := domain.FormatCode(code, h.tracker.Catalog().Len())

	text := fmt.Sprintf(textDayDone, day, display)
	if user.CourseCompleted() {
		text = fmt.Sprintf(textCourseDone, code)
	}
	_, err = h.messenger.Send(ctx, user.ID, transport.Text(text))
	return err
}

func (h *Handler) showIntro(ctx context.Context, user *domain.User, day int) error {
	def, err := h.tracker.Catalog().GetDay(day)
	if err != nil {
		return err
	}
	p, err := h.tracker.Store().GetProgress(ctx, user.ID, day)
	if errors.Is(err, domain.ErrProgressNotFound) {
		_, err := h.messenger.Send(ctx, user.ID, transport.Text(textDayLocked))
		return err
	}
	if err != nil {
		return err
	}

	msg := dayIntroMessage(user.Name(), def, h.tracker.Catalog().Len(), p)
	_, err = h.messenger.Send(ctx, user.ID, msg)
	return err
}
