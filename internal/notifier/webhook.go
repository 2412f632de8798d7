package notifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"palctl/pkg/logx"
)

// WebhookSink posts {"content": text, "text": text}, which both Discord and
// Slack incoming webhooks accept. A circuit breaker stops hammering a dead
// endpoint: it opens after 5 consecutive failures and probes again after a minute.
type WebhookSink struct {
	url string
	hc  *http.Client
	cb  *gobreaker.CircuitBreaker[struct{}]
}

func NewWebhookSink(url string, hc *http.Client, log logx.Logger) *WebhookSink {
	if hc == nil {
		hc = &http.Client{Timeout: 8 * time.Second}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "notify.webhook",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("webhook breaker state changed", logx.String("from", from.String()), logx.String("to", to.String()))
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
	})
	return &WebhookSink{url: url, hc: hc, cb: cb}
}

func (w *WebhookSink) Name() string { return "webhook" }

// State reports the breaker state ("closed", "half-open", "open").
func (w *WebhookSink) State() string { return w.cb.State().String() }

func (w *WebhookSink) Send(ctx context.Context, text string) error {
	_, err := w.cb.Execute(func() (struct{}, error) {
		return struct{}{}, w.post(ctx, text)
	})
	return err
}

func (w *WebhookSink) post(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{"content": text, "text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook http %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
