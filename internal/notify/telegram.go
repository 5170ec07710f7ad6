package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TelegramConfig holds Bot API credentials.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// TelegramSender delivers notifications through the Telegram Bot API.
type TelegramSender struct {
	cfg     TelegramConfig
	client  *http.Client
	baseURL string
}

// NewTelegramSender creates a Telegram sender with a 10s request timeout.
func NewTelegramSender(cfg TelegramConfig) *TelegramSender {
	return &TelegramSender{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: "https://api.telegram.org",
	}
}

// Name identifies the channel in logs.
func (t *TelegramSender) Name() string { return "telegram" }

// Send posts the message to the configured chat with an HTML-bold title.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	payload := map[string]string{
		"chat_id":    t.cfg.ChatID,
		"text":       fmt.Sprintf("<b>%s</b>\n%s", title, message),
		"parse_mode": "HTML",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram: send returned %d: %s", resp.StatusCode, string(data))
	}
	return nil
}
