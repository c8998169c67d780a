// Package notify delivers alert text to an external sink. The Telegram
// transport is the production sink; when no token is configured the engine
// downgrades to a stdout logger instead of crashing.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Notifier is the one-way alert sink. Send may fail; callers decide whether
// a failed send counts as delivered.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Telegram delivers alerts to a chat via the Bot API.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegram creates a Telegram notifier. Fails when the token is rejected
// by the Bot API.
func NewTelegram(token string, chatID int64, logger *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return &Telegram{
		api:    api,
		chatID: chatID,
		logger: logger.With("component", "notify_telegram"),
	}, nil
}

// Send posts one message to the configured chat.
func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Stdout logs alerts instead of delivering them. Used when notifier
// credentials are absent.
type Stdout struct {
	logger *slog.Logger
}

// NewStdout creates the fallback notifier.
func NewStdout(logger *slog.Logger) *Stdout {
	return &Stdout{logger: logger.With("component", "notify_stdout")}
}

// Send logs the alert text at INFO and never fails.
func (s *Stdout) Send(_ context.Context, text string) error {
	s.logger.Info("ALERT", "text", text)
	return nil
}
