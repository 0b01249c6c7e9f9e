// Package speech turns voice messages into text.
package speech

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// ErrUnrecognized means the audio was processed but no words came out.
	ErrUnrecognized = errors.New("speech not recognized")

	// ErrUnavailable means no recognizer is configured or reachable.
	ErrUnavailable = errors.New("speech recognition unavailable")
)

// Audio is a downloaded voice message
type Audio struct {
	Data     []byte
	MimeType string
	Duration time.Duration
}

// Transcriber converts audio to text. Implementations return ErrUnrecognized
// for empty transcripts.
type Transcriber interface {
	Transcribe(ctx context.Context, audio Audio) (string, error)
}

// Disabled is the transcriber used when no backend is configured
type Disabled struct{}

// Transcribe always fails with ErrUnavailable
func (Disabled) Transcribe(context.Context, Audio) (string, error) {
	return "", ErrUnavailable
}

// clean trims a backend transcript and rejects empty or invalid output.
func clean(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" || !utf8.ValidString(text) {
		return "", ErrUnrecognized
	}
	return text, nil
}

// fileName picks an upload name whose extension matches the container format.
func fileName(mime string) string {
	switch mime {
	case "audio/mpeg":
		return "voice.mp3"
	case "audio/wav", "audio/x-wav":
		return "voice.wav"
	case "audio/mp4", "audio/m4a":
		return "voice.m4a"
	default:
		// Telegram voice notes are OGG/Opus.
		return "voice.ogg"
	}
}
