package control

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"palctl/internal/config"
	"palctl/internal/eventbus"
)

// palServer is a fake game server speaking the REST API under /v1/api.
type palServer struct {
	*httptest.Server
	clock *virtualClock

	mu         sync.Mutex
	down       bool
	announces  []time.Time
	messages   []string
	saves      int
	shutdowns  []string
	shutdownAt time.Time
}

func newPalServer(t *testing.T, clk *virtualClock) *palServer {
	t.Helper()
	ps := &palServer{clock: clk}
	ps.Server = httptest.NewServer(http.HandlerFunc(ps.handle))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *palServer) handle(w http.ResponseWriter, r *http.Request) {
	if user, pass, ok := r.BasicAuth(); !ok || user != "admin" || pass != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	body, _ := io.ReadAll(r.Body)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	switch r.Method + " " + strings.TrimPrefix(r.URL.Path, "/v1/api") {
	case "GET /info":
		if ps.down {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"servername":"fake","version":"v0.3"}`)
	case "POST /announce":
		ps.announces = append(ps.announces, ps.clock.Now())
		ps.messages = append(ps.messages, string(body))
	case "POST /save":
		ps.saves++
	case "POST /shutdown":
		ps.shutdowns = append(ps.shutdowns, string(body))
		if !strings.Contains(string(body), `"waittime"`) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ps.shutdownAt = ps.clock.Now()
		ps.down = true
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestScheduledRestartEndToEnd(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 5, 10, 2, 59, 0, 0, time.UTC)
	clk := newVirtualClock(start)
	clk.setLimit(start.Add(30 * time.Minute))
	srv := newPalServer(t, clk)
	relau := &countingRelauncher{}
	notes := &recNotifier{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(256)
	defer unsub()

	c := New(Options{Clock: clk, Notifier: notes, Relauncher: relau, Bus: bus})
	c.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		assert.NoError(t, c.Stop(ctx))
	}()
	require.NoError(t, c.Apply(testConfig(func(cfg *config.Config) {
		cfg.Server.BaseURL = srv.URL + "/v1/api"
		cfg.Server.Password = "secret"
		cfg.Restart.Times = []string{"03:00"}
		cfg.Restart.Lead = "60s"
	})))

	require.Eventually(t, func() bool { return relau.n.Load() == 1 }, 5*time.Second, tick)
	require.Eventually(t, func() bool {
		last := c.RestartStatus().Last
		return last != nil && last.Stage == StageDone
	}, timeout, tick)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	fire := time.Date(2026, 5, 10, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, []time.Time{
		fire.Add(-60 * time.Second),
		fire.Add(-30 * time.Second),
		fire.Add(-20 * time.Second),
		fire.Add(-10 * time.Second),
		fire.Add(-5 * time.Second),
	}, srv.announces)
	require.Len(t, srv.messages, 5)
	assert.Contains(t, srv.messages[0], "Server restart in 60 seconds.")
	assert.Contains(t, srv.messages[4], "Log off now!")
	assert.NotContains(t, srv.messages[3], "Log off now!")

	assert.Equal(t, 1, srv.saves)
	require.Len(t, srv.shutdowns, 1, "the first body shape is accepted")
	assert.Contains(t, srv.shutdowns[0], `"waittime":1`)
	assert.Equal(t, fire, srv.shutdownAt)
	assert.Equal(t, int32(1), relau.n.Load())

	last := c.RestartStatus().Last
	assert.Equal(t, "scheduled 03:00", last.Reason)
	assert.False(t, last.StopTimedOut)
	assert.Contains(t, notes.texts(), "Server stopped.")

	var done int
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.RestartDone {
			done++
		}
	}
	assert.Equal(t, 1, done)

	// The next fire is tomorrow; the loop is parked, not spinning.
	assert.Equal(t, int64(1), c.Loops()["scheduler"].Active)
}
