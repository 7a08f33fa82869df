// Package notify delivers case updates back to the chat channel through the
// bot service. The bot owns message formatting and threading; this client
// just posts structured events.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sahab-io/rasid/internal/model"
)

// Event is one notification handed to the bot.
type Event struct {
	CaseID   string          `json:"caseId"`
	TenantID string          `json:"tenantId"`
	Kind     string          `json:"kind"`
	Chat     model.ChatRef   `json:"chat"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Client posts events to the bot service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// Send delivers one event. Any non-2xx response is an error so the outbox
// keeps the event for another attempt.
func (c *Client) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notify: bot returned %d: %s", resp.StatusCode, string(b))
	}
	return nil
}
