// Package metrics exposes control-plane activity as Prometheus metrics. All
// collectors are fed from the event bus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"palctl/internal/eventbus"
)

const namespace = "palctl"

type Collector struct {
	reg *prometheus.Registry

	restartStages *prometheus.CounterVec
	restarts      *prometheus.CounterVec
	saves         *prometheus.CounterVec
	saveDuration  prometheus.Histogram
	backups       *prometheus.CounterVec
	playersOnline prometheus.Gauge
	playerEvents  *prometheus.CounterVec
	loopStale     *prometheus.CounterVec
	notify        *prometheus.CounterVec
	commands      *prometheus.CounterVec
}

// New registers all collectors on a private registry together with the Go
// and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Collector{
		reg: reg,
		restartStages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restart_stage_total",
			Help:      "Restart stages entered, by stage.",
		}, []string{"stage"}),
		restarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Finished restart jobs, by result.",
		}, []string{"result"}),
		saves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "World save requests, by source and result.",
		}, []string{"source", "result"}),
		saveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_duration_seconds",
			Help:      "Duration of world save requests.",
			Buckets:   prometheus.DefBuckets,
		}),
		backups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Backup archives attempted, by result.",
		}, []string{"result"}),
		playersOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "players_online",
			Help:      "Players present in the latest poll.",
		}),
		playerEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "player_events_total",
			Help:      "Player joins and leaves observed by polling.",
		}, []string{"kind"}),
		loopStale: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_stale_exits_total",
			Help:      "Background loops that stopped because a newer generation replaced them.",
		}, []string{"role"}),
		notify: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification outcomes, by result.",
		}, []string{"result"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Operator commands, by action and result.",
		}, []string{"action", "result"}),
	}
}

// Registry returns the registry backing Handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Run consumes events until ctx is done or the channel closes.
func (c *Collector) Run(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}

// Observe updates collectors for one event.
func (c *Collector) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.RestartStage:
		if d, ok := e.Data.(eventbus.StageData); ok {
			c.restartStages.WithLabelValues(d.Stage).Inc()
		}
	case eventbus.RestartDone:
		if d, ok := e.Data.(eventbus.StageData); ok {
			c.restarts.WithLabelValues(result(d.Error)).Inc()
		}
	case eventbus.SaveDone:
		if d, ok := e.Data.(eventbus.OutcomeData); ok {
			c.saves.WithLabelValues(d.Source, result(d.Error)).Inc()
			if d.Duration > 0 {
				c.saveDuration.Observe(d.Duration.Seconds())
			}
		}
	case eventbus.BackupDone:
		if d, ok := e.Data.(eventbus.OutcomeData); ok {
			c.backups.WithLabelValues(result(d.Error)).Inc()
		}
	case eventbus.OperatorCmd:
		if d, ok := e.Data.(eventbus.OutcomeData); ok {
			c.commands.WithLabelValues(d.Action, result(d.Error)).Inc()
		}
	case eventbus.PlayerJoin:
		c.playerEvents.WithLabelValues("join").Inc()
		c.playersOnline.Inc()
	case eventbus.PlayerLeave:
		c.playerEvents.WithLabelValues("leave").Inc()
		c.playersOnline.Dec()
	case eventbus.LoopStale:
		if d, ok := e.Data.(eventbus.LoopData); ok {
			c.loopStale.WithLabelValues(d.Role).Inc()
		}
	case eventbus.NotifySent:
		c.notify.WithLabelValues("sent").Inc()
	case eventbus.NotifyFailed:
		c.notify.WithLabelValues("failed").Inc()
	case eventbus.NotifyDeduped:
		c.notify.WithLabelValues("deduped").Inc()
	case eventbus.NotifyDropped:
		c.notify.WithLabelValues("dropped").Inc()
	}
}

// SetPlayersOnline overrides the online gauge with an exact count.
func (c *Collector) SetPlayersOnline(n int) { c.playersOnline.Set(float64(n)) }

func result(errText string) string {
	if errText == "" {
		return "ok"
	}
	return "error"
}
