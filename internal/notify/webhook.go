package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/jobcost/internal/resilience"
)

// WebhookHook posts events as JSON to a URL.
type WebhookHook struct {
	url     string
	client  *http.Client
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

// WebhookConfig configures a WebhookHook.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	Retry   resilience.RetryConfig
	Breaker resilience.CircuitBreakerConfig
}

// NewWebhook creates a webhook hook.
func NewWebhook(cfg WebhookConfig) *WebhookHook {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retry := cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("notify", "webhook")
	}
	return &WebhookHook{
		url:     cfg.URL,
		client:  &http.Client{Timeout: timeout},
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
		retry:   retry,
	}
}

// Notify posts ev, retrying transient failures behind the circuit breaker.
func (w *WebhookHook) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "notify: marshal event")
	}
	return resilience.Do(ctx, w.retry, func(ctx context.Context) error {
		return w.breaker.Execute(ctx, func(ctx context.Context) error {
			return w.post(ctx, payload)
		})
	})
}

func (w *WebhookHook) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
