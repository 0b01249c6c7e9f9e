package telegram

import (
	"context"
	"fmt"
	"net/http"

	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/felixgeelhaar/escape/internal/transport"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Updates starts receiving updates. With a webhook URL configured the
// webhook is registered and updates arrive through ServeHTTP; otherwise the
// client long-polls getUpdates.
func (c *Client) Updates(ctx context.Context) (<-chan transport.Update, error) {
	if c.cfg.WebhookURL != "" {
		return c.webhookUpdates(ctx)
	}
	return c.pollUpdates(ctx)
}

func (c *Client) pollUpdates(ctx context.Context) (<-chan transport.Update, error) {
	// A leftover webhook makes getUpdates fail.
	if _, err := c.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return nil, fmt.Errorf("delete webhook: %w", mapError(err))
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.cfg.PollTimeout
	in := c.bot.GetUpdatesChan(u)

	out := make(chan transport.Update)
	go func() {
		defer close(out)
		defer c.bot.StopReceivingUpdates()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				upd, ok := convert(raw)
				if !ok {
					continue
				}
				select {
				case out <- upd:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	c.logger.Info("receiving updates", "mode", "polling", "timeout", c.cfg.PollTimeout)
	return out, nil
}

func (c *Client) webhookUpdates(ctx context.Context) (<-chan transport.Update, error) {
	wh, err := tgbotapi.NewWebhook(c.cfg.WebhookURL)
	if err != nil {
		return nil, fmt.Errorf("webhook config: %w", err)
	}
	if _, err := c.bot.Request(wh); err != nil {
		return nil, fmt.Errorf("set webhook: %w", mapError(err))
	}

	out := make(chan transport.Update)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case upd := <-c.webhook:
				select {
				case out <- upd:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	c.logger.Info("receiving updates", "mode", "webhook", "url", c.cfg.WebhookURL)
	return out, nil
}

// ServeHTTP accepts webhook deliveries. It answers 200 for updates the bot
// does not handle so Telegram does not redeliver them.
func (c *Client) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	raw, err := c.bot.HandleUpdate(r)
	if err != nil {
		c.logger.Warn("invalid webhook payload", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if upd, ok := convert(*raw); ok {
		select {
		case c.webhook <- upd:
		case <-r.Context().Done():
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// convert maps a Bot API update to a transport.Update. Only private chats
// are served.
func convert(raw tgbotapi.Update) (transport.Update, bool) {
	if cq := raw.CallbackQuery; cq != nil {
		if cq.From == nil {
			return transport.Update{}, false
		}
		upd := transport.Update{
			ID:           raw.UpdateID,
			Kind:         transport.UpdateCallback,
			UserID:       domain.UserID(cq.From.ID),
			Username:     cq.From.UserName,
			FirstName:    cq.From.FirstName,
			LanguageCode: cq.From.LanguageCode,
			CallbackID:   cq.ID,
			CallbackData: cq.Data,
		}
		if cq.Message != nil {
			upd.MessageID = domain.MessageID(cq.Message.MessageID)
		}
		return upd, true
	}

	msg := raw.Message
	if msg == nil || msg.From == nil || (msg.Chat != nil && !msg.Chat.IsPrivate()) {
		return transport.Update{}, false
	}

	upd := transport.Update{
		ID:           raw.UpdateID,
		UserID:       domain.UserID(msg.From.ID),
		Username:     msg.From.UserName,
		FirstName:    msg.From.FirstName,
		LanguageCode: msg.From.LanguageCode,
		MessageID:    domain.MessageID(msg.MessageID),
	}
	switch {
	case msg.Voice != nil:
		upd.Kind = transport.UpdateVoice
		upd.Voice = &transport.Voice{
			FileID:   msg.Voice.FileID,
			Duration: msg.Voice.Duration,
			MimeType: msg.Voice.MimeType,
		}
	case msg.IsCommand():
		upd.Kind = transport.UpdateCommand
		upd.Command = msg.Command()
		upd.CommandArgs = msg.CommandArguments()
	case msg.Text != "":
		upd.Kind = transport.UpdateText
		upd.Text = msg.Text
	default:
		return transport.Update{}, false
	}
	return upd, true
}
