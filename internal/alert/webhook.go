package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	requestTimeout = 5 * time.Second
	maxAttempts    = 3
)

// WebhookConfig defines a webhook alert destination.
type WebhookConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic" or "slack"
	Types   []Type            `yaml:"types"   json:"types"`  // empty matches every type
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// ErrWebhookRejected is returned for 4xx responses, which are not retried.
var ErrWebhookRejected = errors.New("webhook rejected")

// WebhookDispatcher posts alerts to every matching webhook asynchronously.
type WebhookDispatcher struct {
	configs  []WebhookConfig
	client   *http.Client
	logger   *zap.Logger
	interval time.Duration

	wg sync.WaitGroup
}

// NewWebhookDispatcher returns nil if configs is empty (callers should nil-check).
func NewWebhookDispatcher(configs []WebhookConfig, logger *zap.Logger) *WebhookDispatcher {
	if len(configs) == 0 {
		return nil
	}
	return &WebhookDispatcher{
		configs:  configs,
		client:   &http.Client{Timeout: requestTimeout},
		logger:   logger,
		interval: time.Second,
	}
}

// Alert sends the event to all webhooks whose Types list matches. Fires
// goroutines; does not block the caller.
func (d *WebhookDispatcher) Alert(_ context.Context, e Event) {
	for _, cfg := range d.configs {
		if !matches(cfg.Types, e.Type) {
			continue
		}
		d.wg.Add(1)
		go func(cfg WebhookConfig) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), maxAttempts*(requestTimeout+2*d.interval))
			defer cancel()
			if err := d.Send(ctx, cfg, e); err != nil {
				d.logger.Warn("webhook alert failed",
					zap.String("url", cfg.URL),
					zap.String("type", string(e.Type)),
					zap.Error(err),
				)
			}
		}(cfg)
	}
}

// Wait blocks until in-flight deliveries finish. Used on shutdown.
func (d *WebhookDispatcher) Wait() {
	d.wg.Wait()
}

// Send posts an alert event to a webhook endpoint with retry on 5xx and
// transport errors.
func (d *WebhookDispatcher) Send(ctx context.Context, cfg WebhookConfig, e Event) error {
	body, err := FormatPayload(cfg.Format, e)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.interval
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, d.post(ctx, cfg, body)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxAttempts),
	)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", cfg.URL, err)
	}
	return nil
}

func (d *WebhookDispatcher) post(ctx context.Context, cfg WebhookConfig, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(fmt.Errorf("%w: HTTP %d", ErrWebhookRejected, resp.StatusCode))
	default:
		return fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
	}
}

func matches(types []Type, t Type) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, e Event) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(e)
	default:
		return json.Marshal(e)
	}
}

func formatSlack(e Event) ([]byte, error) {
	fields := []any{
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Sender:* %s", e.Sender)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", e.Reason)},
	}
	if e.Action != "" {
		fields = append(fields,
			map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Action:* %s", e.Action)},
			map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Score:* %.2f", e.Score)},
		)
	}
	if e.FailureKind != "" {
		fields = append(fields,
			map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Failure:* %s (%s)", e.FailureKind, e.FailurePolicy)},
		)
	}

	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("agent-guard: %s", e.Type),
				},
			},
			map[string]any{
				"type":   "section",
				"fields": fields,
			},
		},
	}
	return json.Marshal(payload)
}
