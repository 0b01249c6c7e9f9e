// Package transport defines the messaging surface the bot talks through.
// Platform adapters live in subpackages.
package transport

import (
	"context"
	"errors"

	"github.com/felixgeelhaar/escape/internal/domain"
)

// ErrTransport wraps delivery failures that may succeed on retry.
var ErrTransport = errors.New("transport failure")

// Button is an inline keyboard button. Exactly one of Data or URL is set.
type Button struct {
	Text string
	Data string
	URL  string
}

// AttachmentKind selects how an attachment is delivered
type AttachmentKind string

const (
	AttachVideo    AttachmentKind = "video"
	AttachDocument AttachmentKind = "document"
)

// Attachment references a media file by platform file id, URL or local path
type Attachment struct {
	Kind AttachmentKind
	Ref  string
}

// OutgoingMessage is a message to deliver to a user
type OutgoingMessage struct {
	Text       string
	Markdown   bool
	Buttons    [][]Button
	Attachment *Attachment
}

// Text builds a plain text message
func Text(s string) OutgoingMessage {
	return OutgoingMessage{Text: s}
}

// WithButtons returns m with an inline keyboard
func (m OutgoingMessage) WithButtons(rows ...[]Button) OutgoingMessage {
	m.Buttons = rows
	return m
}

// Row is a convenience for one keyboard row
func Row(buttons ...Button) []Button {
	return buttons
}

// Messenger delivers and retracts messages. Delete returns
// domain.ErrMessageGone for messages that no longer exist; Send returns
// domain.ErrRecipientBlocked when the user blocked the bot.
type Messenger interface {
	Send(ctx context.Context, user domain.UserID, msg OutgoingMessage) (domain.MessageID, error)
	Edit(ctx context.Context, user domain.UserID, id domain.MessageID, msg OutgoingMessage) error
	DeleteMessage(ctx context.Context, user domain.UserID, id domain.MessageID) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// Downloader fetches files users sent to the bot
type Downloader interface {
	Download(ctx context.Context, fileID string) ([]byte, error)
}

// UpdateKind classifies inbound updates
type UpdateKind string

const (
	UpdateCommand  UpdateKind = "command"
	UpdateText     UpdateKind = "text"
	UpdateCallback UpdateKind = "callback"
	UpdateVoice    UpdateKind = "voice"
)

// Voice describes an inbound voice message
type Voice struct {
	FileID   string
	Duration int
	MimeType string
}

// Update is a platform-neutral inbound event
type Update struct {
	ID           int
	Kind         UpdateKind
	UserID       domain.UserID
	Username     string
	FirstName    string
	LanguageCode string
	MessageID    domain.MessageID

	Command     string
	CommandArgs string
	Text        string

	CallbackID   string
	CallbackData string

	Voice *Voice
}

// Source produces inbound updates until ctx is cancelled
type Source interface {
	Updates(ctx context.Context) (<-chan Update, error)
}
