package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// WhisperConfig configures the OpenAI transcription backend
type WhisperConfig struct {
	APIKey string
	// BaseURL targets OpenAI-compatible servers such as a local whisper.cpp.
	BaseURL  string
	Model    string
	Language string
	// Prompt biases recognition towards the course vocabulary.
	Prompt string
}

// Whisper transcribes audio through the OpenAI audio API
type Whisper struct {
	client *openai.Client
	cfg    WhisperConfig
}

// NewWhisper creates a Whisper transcriber
func NewWhisper(cfg WhisperConfig) (*Whisper, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("whisper: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return &Whisper{client: openai.NewClientWithConfig(config), cfg: cfg}, nil
}

// Transcribe uploads the audio and returns the recognized text
func (w *Whisper) Transcribe(ctx context.Context, audio Audio) (string, error) {
	if len(audio.Data) == 0 {
		return "", ErrUnrecognized
	}

	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.cfg.Model,
		FilePath: fileName(audio.MimeType),
		Reader:   bytes.NewReader(audio.Data),
		Language: w.cfg.Language,
		Prompt:   w.cfg.Prompt,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", mapOpenAIError(err)
	}
	return clean(resp.Text)
}

// mapOpenAIError separates unusable audio from service outages.
func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusBadRequest:
			// Corrupt or unsupported audio.
			return fmt.Errorf("%w: %s", ErrUnrecognized, apiErr.Message)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrUnavailable, apiErr.Message)
		}
	}
	return fmt.Errorf("whisper: %w", err)
}
