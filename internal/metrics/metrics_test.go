package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"palctl/internal/eventbus"
)

func TestObserve(t *testing.T) {
	t.Parallel()
	c := New()
	c.Observe(eventbus.Event{Type: eventbus.RestartStage, Data: eventbus.StageData{Stage: "saving"}})
	c.Observe(eventbus.Event{Type: eventbus.RestartStage, Data: eventbus.StageData{Stage: "saving"}})
	c.Observe(eventbus.Event{Type: eventbus.RestartDone, Data: eventbus.StageData{Stage: "failed", Error: "x"}})
	c.Observe(eventbus.Event{Type: eventbus.SaveDone, Data: eventbus.OutcomeData{Source: "autosave", Action: "save", Duration: time.Second}})
	c.Observe(eventbus.Event{Type: eventbus.PlayerJoin})
	c.Observe(eventbus.Event{Type: eventbus.PlayerJoin})
	c.Observe(eventbus.Event{Type: eventbus.PlayerLeave})
	c.Observe(eventbus.Event{Type: eventbus.LoopStale, Data: eventbus.LoopData{Role: "autosave"}})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.restartStages.WithLabelValues("saving")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.restarts.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.saves.WithLabelValues("autosave", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.playersOnline))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.loopStale.WithLabelValues("autosave")))

	c.SetPlayersOnline(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(c.playersOnline))
}

func TestRunAndHandler(t *testing.T) {
	t.Parallel()
	c := New()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx, ch) }()

	bus.Publish(eventbus.Event{Type: eventbus.BackupDone, Data: eventbus.OutcomeData{Source: "backup", Action: "backup"}})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.backups.WithLabelValues("ok")) == 1
	}, time.Second, 5*time.Millisecond)
	unsub()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), `palctl_backups_total{result="ok"} 1`), string(body))
	assert.Contains(t, string(body), "go_goroutines")
}
