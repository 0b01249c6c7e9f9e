package telegram

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/felixgeelhaar/escape/internal/transport"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var errNotModified = errors.New("message is not modified")

// goneMarkers are Bot API descriptions meaning the message cannot be
// touched anymore.
var goneMarkers = []string{
	"message to delete not found",
	"message can't be deleted",
	"message to edit not found",
	"message identifier is not specified",
}

// mapError converts Bot API failures into domain and transport sentinels
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		// Network failures and malformed responses.
		return fmt.Errorf("%w: %w", transport.ErrTransport, err)
	}

	desc := strings.ToLower(apiErr.Message)
	switch {
	case apiErr.Code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrRecipientBlocked, apiErr.Message)
	case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= 500:
		return fmt.Errorf("%w: %d %s", transport.ErrTransport, apiErr.Code, apiErr.Message)
	case strings.Contains(desc, "message is not modified"):
		return errNotModified
	}
	for _, marker := range goneMarkers {
		if strings.Contains(desc, marker) {
			return fmt.Errorf("%w: %s", domain.ErrMessageGone, apiErr.Message)
		}
	}
	return fmt.Errorf("telegram %d: %s", apiErr.Code, apiErr.Message)
}

func isNotModified(err error) bool {
	return errors.Is(err, errNotModified)
}
