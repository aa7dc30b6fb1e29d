package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// TelegramConfig holds configuration for the Telegram alerter.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Timeout  time.Duration

	// BaseURL overrides the Telegram API host, used in tests.
	BaseURL string
}

// TelegramAlerter sends alerts to a Telegram chat.
type TelegramAlerter struct {
	cfg    TelegramConfig
	client *resty.Client
}

// NewTelegramAlerter creates a Telegram alerter.
func NewTelegramAlerter(cfg TelegramConfig) *TelegramAlerter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}

	return &TelegramAlerter{
		cfg: cfg,
		client: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.Timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

// Name returns the name of the alerter.
func (t *TelegramAlerter) Name() string { return "telegram" }

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

// Alert sends an alert message to the configured chat.
func (t *TelegramAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	var out telegramResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(telegramMessage{
			ChatID:    t.cfg.ChatID,
			Text:      t.formatMessage(severity, message, fields...),
			ParseMode: "HTML",
		}).
		SetResult(&out).
		Post(fmt.Sprintf("/bot%s/sendMessage", t.cfg.BotToken))
	if err != nil {
		return fmt.Errorf("send telegram alert: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram API status %d", resp.StatusCode())
	}
	if !out.OK {
		return fmt.Errorf("telegram API error: %s", out.Description)
	}
	return nil
}

func (t *TelegramAlerter) formatMessage(severity Severity, message string, fields ...any) string {
	text := fmt.Sprintf("<b>[%s]</b> %s", severity.String(), message)
	if details := FormatFields(fields...); details != "" {
		text += "\n" + details
	}
	text += fmt.Sprintf("\n<i>%s</i>", time.Now().UTC().Format("2006-01-02 15:04:05 UTC"))
	return text
}
