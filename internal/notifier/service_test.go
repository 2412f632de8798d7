package notifier

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"palctl/internal/config"
	"palctl/internal/eventbus"
	"palctl/pkg/logx"
)

type recordSink struct {
	name  string
	fails int32

	mu    sync.Mutex
	calls int32
	texts []string
}

func (r *recordSink) Name() string { return r.name }

func (r *recordSink) Send(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.fails {
		return errors.New("boom")
	}
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordSink) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func fastConfig() Config {
	return Config{
		Enabled:       true,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func TestNotifyDeliversToAllSinks(t *testing.T) {
	t.Parallel()
	a := &recordSink{name: "a"}
	b := &recordSink{name: "b", fails: 2}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(fastConfig(), []Sink{a, b}, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Notify(context.Background(), "server restarting in 60 seconds", Warning))
	require.Eventually(t, func() bool {
		return len(a.got()) == 1 && len(b.got()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "⚠️ server restarting in 60 seconds", a.got()[0])

	sent := 0
	timeout := time.After(time.Second)
	for sent < 2 {
		select {
		case e := <-events:
			if e.Type == eventbus.NotifySent {
				sent++
			}
		case <-timeout:
			t.Fatalf("saw %d sent events, want 2", sent)
		}
	}
	require.Eventually(t, func() bool { return len(s.History()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, s.History()[0].Delivered)
}

func TestNotifyDedupsWithinWindow(t *testing.T) {
	t.Parallel()
	a := &recordSink{name: "a"}
	s := New(fastConfig(), []Sink{a}, logx.Nop(), nil)
	s.Start(context.Background())

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Notify(context.Background(), "save done", Info))
	}
	require.NoError(t, s.Notify(context.Background(), "save done", Critical))
	s.Stop(context.Background())

	assert.ElementsMatch(t, []string{"save done", "🚨 save done"}, a.got())
}

func TestNotifyGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	a := &recordSink{name: "a", fails: 100}
	s := New(fastConfig(), []Sink{a}, logx.Nop(), nil)
	s.Start(context.Background())
	require.NoError(t, s.Notify(context.Background(), "x", Info))
	s.Stop(context.Background())

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Equal(t, int32(3), a.calls)
}

func TestNotifyDisabledAndStopped(t *testing.T) {
	t.Parallel()
	off := New(Config{}, nil, logx.Nop(), nil)
	off.Start(context.Background())
	assert.ErrorIs(t, off.Notify(context.Background(), "x", Info), ErrDisabled)

	on := New(fastConfig(), nil, logx.Nop(), nil)
	assert.ErrorIs(t, on.Notify(context.Background(), "x", Info), ErrStopped)
	on.Start(context.Background())
	on.Stop(context.Background())
	assert.ErrorIs(t, on.Notify(context.Background(), "x", Info), ErrStopped)
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %v not within jitter of base", d)
	}
}

func TestWebhookSinkAndBreaker(t *testing.T) {
	t.Parallel()
	var (
		hits   atomic.Int32
		status atomic.Int32
		body   atomic.Value
	)
	status.Store(http.StatusNoContent)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		b, _ := io.ReadAll(r.Body)
		body.Store(string(b))
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	w := NewWebhookSink(srv.URL, srv.Client(), logx.Nop())
	require.NoError(t, w.Send(context.Background(), "hello"))
	assert.JSONEq(t, `{"content":"hello","text":"hello"}`, body.Load().(string))

	status.Store(http.StatusInternalServerError)
	for i := 0; i < 5; i++ {
		assert.Error(t, w.Send(context.Background(), "x"))
	}
	assert.Equal(t, "open", w.State())
	before := hits.Load()
	assert.Error(t, w.Send(context.Background(), "x"))
	assert.Equal(t, before, hits.Load(), "open breaker must not reach the endpoint")
}

func TestBuildSinks(t *testing.T) {
	t.Parallel()
	sinks, err := BuildSinks(config.NotifyConfig{WebhookURL: "https://example.invalid/hook"}, logx.Nop())
	require.NoError(t, err)
	require.Len(t, sinks, 1)
	assert.Equal(t, "webhook", sinks[0].Name())

	sinks, err = BuildSinks(config.NotifyConfig{Telegram: config.TelegramConfig{Token: "t"}}, logx.Nop())
	assert.Error(t, err)
	assert.Empty(t, sinks)
}

func TestConfigFromDefaults(t *testing.T) {
	t.Parallel()
	c := ConfigFrom(config.NotifyConfig{Enabled: true, RetryBase: "2s"})
	assert.True(t, c.Enabled)
	assert.Equal(t, 2*time.Second, c.RetryBase)
	assert.Equal(t, 10*time.Second, c.RetryMaxDelay)
	assert.Equal(t, 30*time.Second, c.DedupWindow)
}
