// Package alert delivers operator alerts about retired credentials and failing providers.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"ArenaIngest/internal/ports"
)

const telegramAPI = "https://api.telegram.org"

// Telegram posts alerts to a chat via the bot API.
type Telegram struct {
	botToken string
	chatID   string
	apiURL   string
	client   *resty.Client
}

var _ ports.Alerter = (*Telegram)(nil)

// NewTelegram registers bot token and chat identifier.
func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		apiURL:   telegramAPI,
		client:   resty.New().SetTimeout(5 * time.Second),
	}
}

func (t *Telegram) CredentialRetired(ctx context.Context, platform, credentialID, reason string) error {
	return t.send(ctx, fmt.Sprintf("Credential %s for %s was retired: %s", credentialID, platform, reason))
}

func (t *Telegram) ProviderFailed(ctx context.Context, platform, reason string) error {
	return t.send(ctx, fmt.Sprintf("Provider %s failed: %s", platform, reason))
}

func (t *Telegram) send(ctx context.Context, text string) error {
	if t.botToken == "" || t.chatID == "" {
		return errors.New("telegram alerter misconfigured")
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{"chat_id": t.chatID, "text": text}).
		Post(fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.botToken))
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram error: %s", resp.Status())
	}
	return nil
}

// Log writes alerts to a logger at error level. It is the fallback when no bot is configured.
type Log struct {
	logger *slog.Logger
}

var _ ports.Alerter = (*Log)(nil)

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) CredentialRetired(ctx context.Context, platform, credentialID, reason string) error {
	l.logger.ErrorContext(ctx, "credential retired", "platform", platform, "credential", credentialID, "reason", reason)
	return nil
}

func (l *Log) ProviderFailed(ctx context.Context, platform, reason string) error {
	l.logger.ErrorContext(ctx, "provider failed", "platform", platform, "reason", reason)
	return nil
}
