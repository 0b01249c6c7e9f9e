// Package telegram adapts the Telegram Bot API to the transport interfaces.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/felixgeelhaar/escape/internal/transport"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// MaxDownloadBytes caps voice downloads; the Bot API refuses larger files.
const MaxDownloadBytes = 20 << 20

// Config configures the Telegram client
type Config struct {
	Token string
	// APIEndpoint overrides tgbotapi.APIEndpoint, e.g. for a local Bot API server.
	APIEndpoint string
	// WebhookURL switches Updates from long polling to webhook delivery.
	WebhookURL  string
	PollTimeout int
	Debug       bool
}

// Client implements transport.Messenger, transport.Downloader and
// transport.Source on top of tgbotapi.
type Client struct {
	bot    *tgbotapi.BotAPI
	http   *http.Client
	cfg    Config
	logger *slog.Logger

	webhook chan transport.Update
}

var (
	_ transport.Messenger  = (*Client)(nil)
	_ transport.Downloader = (*Client)(nil)
	_ transport.Source     = (*Client)(nil)
)

// newHTTPClient creates an HTTP client sized for long polling
func newHTTPClient(pollTimeout int) *http.Client {
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		ForceAttemptHTTP2:   true,
	}
	return &http.Client{
		// Long polls hold the request open for PollTimeout seconds.
		Timeout:   time.Duration(pollTimeout+30) * time.Second,
		Transport: t,
	}
}

// New connects to the Bot API and verifies the token
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: token is required")
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := newHTTPClient(cfg.PollTimeout)
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", mapError(err))
	}
	bot.Debug = cfg.Debug

	logger.Info("telegram bot authorized", "username", bot.Self.UserName)
	return &Client{
		bot:     bot,
		http:    httpClient,
		cfg:     cfg,
		logger:  logger,
		webhook: make(chan transport.Update, 64),
	}, nil
}

// Username returns the bot's own username
func (c *Client) Username() string {
	return c.bot.Self.UserName
}

// Send delivers msg to the user's private chat
func (c *Client) Send(ctx context.Context, user domain.UserID, msg transport.OutgoingMessage) (domain.MessageID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	chattable := c.buildMessage(int64(user), msg)
	sent, err := c.bot.Send(chattable)
	if err != nil {
		return 0, mapError(err)
	}
	return domain.MessageID(sent.MessageID), nil
}

func (c *Client) buildMessage(chatID int64, msg transport.OutgoingMessage) tgbotapi.Chattable {
	parseMode := ""
	if msg.Markdown {
		parseMode = tgbotapi.ModeMarkdown
	}
	markup := keyboard(msg.Buttons)

	if msg.Attachment != nil {
		file := requestFile(msg.Attachment.Ref)
		switch msg.Attachment.Kind {
		case transport.AttachVideo:
			v := tgbotapi.NewVideo(chatID, file)
			v.Caption, v.ParseMode = msg.Text, parseMode
			if markup != nil {
				v.ReplyMarkup = *markup
			}
			return v
		default:
			d := tgbotapi.NewDocument(chatID, file)
			d.Caption, d.ParseMode = msg.Text, parseMode
			if markup != nil {
				d.ReplyMarkup = *markup
			}
			return d
		}
	}

	m := tgbotapi.NewMessage(chatID, msg.Text)
	m.ParseMode = parseMode
	if markup != nil {
		m.ReplyMarkup = *markup
	}
	return m
}

// requestFile picks the upload form for a media reference: URLs are fetched
// by Telegram, existing local paths are uploaded, anything else is a file id.
func requestFile(ref string) tgbotapi.RequestFileData {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return tgbotapi.FileURL(ref)
	default:
		if _, err := os.Stat(ref); err == nil {
			return tgbotapi.FilePath(ref)
		}
		return tgbotapi.FileID(ref)
	}
}

func keyboard(rows [][]transport.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			if b.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
			} else {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
			}
		}
		out = append(out, buttons)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(out...)
	return &markup
}

// Edit replaces the text and keyboard of a previously sent message
func (c *Client) Edit(ctx context.Context, user domain.UserID, id domain.MessageID, msg transport.OutgoingMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(int64(user), int(id), msg.Text)
	if msg.Markdown {
		edit.ParseMode = tgbotapi.ModeMarkdown
	}
	edit.ReplyMarkup = keyboard(msg.Buttons)

	_, err := c.bot.Request(edit)
	err = mapError(err)
	if isNotModified(err) {
		return nil
	}
	return err
}

// DeleteMessage retracts a message. Messages that are already gone or too
// old to delete yield domain.ErrMessageGone.
func (c *Client) DeleteMessage(ctx context.Context, user domain.UserID, id domain.MessageID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.bot.Request(tgbotapi.NewDeleteMessage(int64(user), int(id)))
	return mapError(err)
}

// AnswerCallback stops the client-side spinner of a button press
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.bot.Request(tgbotapi.NewCallback(callbackID, text))
	return mapError(err)
}

// Download fetches a file the user sent
func (c *Client) Download(ctx context.Context, fileID string) ([]byte, error) {
	url, err := c.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file: %w", mapError(err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: download: %w", transport.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: download status %d", transport.ErrTransport, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read download: %w", transport.ErrTransport, err)
	}
	if len(data) > MaxDownloadBytes {
		return nil, fmt.Errorf("download exceeds %d bytes", MaxDownloadBytes)
	}
	return data, nil
}
