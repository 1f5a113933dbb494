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

	"github.com/vitalink/backend/internal/models"
)

type PushConfig struct {
	RelayURL string
	APIKey   string
	Timeout  time.Duration
}

type PushMessage struct {
	Tokens []string          `json:"tokens"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

type PushResult struct {
	SuccessCount int `json:"successCount"`
	FailureCount int `json:"failureCount"`
}

// PushClient posts multicast messages to a push relay (e.g. an FCM bridge).
type PushClient struct {
	cfg        PushConfig
	httpClient *http.Client
	log        *slog.Logger
}

func NewPushClient(cfg PushConfig, log *slog.Logger) *PushClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &PushClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
	}
}

func (c *PushClient) Configured() bool { return c.cfg.RelayURL != "" }

type relayRequest struct {
	Tokens       []string          `json:"tokens"`
	Notification relayNotification `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type relayNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Send delivers msg. Relay or network failures wrap models.ErrUpstream.
func (c *PushClient) Send(ctx context.Context, msg PushMessage) (*PushResult, error) {
	if len(msg.Tokens) == 0 {
		return &PushResult{}, nil
	}
	if !c.Configured() {
		c.log.Warn("push relay not configured, message dropped", "tokens", len(msg.Tokens))
		return nil, ErrNotConfigured
	}
	body, err := json.Marshal(relayRequest{
		Tokens:       msg.Tokens,
		Notification: relayNotification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RelayURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: push relay: %v", models.ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: push relay returned %d: %s", models.ErrUpstream, resp.StatusCode, snippet)
	}
	var out PushResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: push relay returned invalid JSON", models.ErrUpstream)
	}
	return &out, nil
}
