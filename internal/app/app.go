// Package app wires palctl's components together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"palctl/internal/config"
	"palctl/internal/control"
	"palctl/internal/eventbus"
	"palctl/internal/httpapi"
	"palctl/internal/metrics"
	"palctl/internal/notifier"
	rtsup "palctl/internal/runtime/supervisor"
	"palctl/internal/storage"
	"palctl/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	logs *logx.Service
	log  logx.Logger

	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Collector
	notif   *notifier.Service
	ctrl    *control.Controller
	http    *httpapi.Service

	sup *rtsup.Supervisor
}

// Options override collaborators; zero values take the production defaults.
type Options struct {
	Peers      control.PeerFactory
	Relauncher control.Relauncher
	Clock      control.Clock
}

// New loads (or creates) the config at cfgPath and builds every component.
// Nothing runs until Start.
func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, created, err := cfgm.LoadOrInit()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logConfig(cfg.Logging))
	if created {
		log.Info("wrote default config", logx.String("path", cfgPath))
	}
	if err := config.Validate(cfg); err != nil {
		_ = logs.Close()
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		_ = logs.Close()
		return nil, err
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		bus:     eventbus.New(),
		metrics: metrics.New(),
	}

	a.store, err = storage.Open(storage.ConfigFrom(cfg.Storage), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	nlog := log.With(logx.String("comp", "notifier"))
	sinks, err := notifier.BuildSinks(cfg.Notify, nlog)
	if err != nil {
		log.Warn("some notification sinks were skipped", logx.Err(err))
	}
	a.notif = notifier.New(notifier.ConfigFrom(cfg.Notify), sinks, nlog, a.bus)

	a.ctrl = control.New(control.Options{
		Peers:           opts.Peers,
		Notifier:        a.notif,
		Relauncher:      opts.Relauncher,
		Clock:           opts.Clock,
		Bus:             a.bus,
		PlayersObserved: a.metrics.SetPlayersOnline,
		Logger:          log,
	})
	if err := a.ctrl.Apply(cfg); err != nil {
		a.closeEarly()
		return nil, err
	}

	a.http = httpapi.New(httpapi.ConfigFrom(cfg.HTTP), httpapi.Deps{
		Control: a.ctrl,
		Config:  cfgm,
		Audit:   a.store,
		Metrics: a.metrics.Handler(),
		Notify:  a.notif,
		Runtime: a.runtimeStats,
	}, log.With(logx.String("comp", "http")))

	return a, nil
}

func (a *App) closeEarly() {
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logs.Close()
}

func (a *App) runtimeStats() map[string]rtsup.Snapshot {
	return map[string]rtsup.Snapshot{
		"app":     a.sup.Snapshot(),
		"control": a.ctrl.Tasks(),
	}
}

// Controller exposes the control plane, mainly for tests.
func (a *App) Controller() *control.Controller { return a.ctrl }

// Config exposes the config manager.
func (a *App) Config() *config.ConfigManager { return a.cfgm }

// HTTPAddr is the bound API address, or "" when the API is not listening.
func (a *App) HTTPAddr() string { return a.http.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "app"))),
		rtsup.WithCancelOnError(false),
	)
	a.cfgm.SetValidator(validateConfig)

	// Subscribers attach before anything can publish.
	if a.store != nil {
		events, unsub := a.bus.Subscribe(256)
		rec := storage.NewRecorder(a.store, a.log.With(logx.String("comp", "audit")))
		a.sup.Go("audit.record", func(c context.Context) error {
			defer unsub()
			return rec.Run(c, events)
		})
	}
	mevents, munsub := a.bus.Subscribe(256)
	a.sup.Go("metrics.observe", func(c context.Context) error {
		defer munsub()
		return a.metrics.Run(c, mevents)
	})
	if a.log.Enabled(logx.LevelDebug) {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.ctrl.Start(a.sup.Context())
	if a.http.Enabled() {
		a.http.Start(a.sup.Context())
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				lastApplied = a.applyConfig(c, lastApplied, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// applyConfig pushes the changed sections of next into the components and
// returns the config now in effect. Sections a component rejected keep their
// values from prev, so the next diff is taken against what is running.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) *config.Config {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return next
	}
	applied := next
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}
	if changed["storage"] {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed["logging"] {
		a.logs.Apply(logConfig(next.Logging))
	}

	if changed["notify"] {
		prevEnabled := a.notif.Enabled()
		ncfg := notifier.ConfigFrom(next.Notify)
		a.notif.Apply(ncfg)
		sinks, err := notifier.BuildSinks(next.Notify, a.log.With(logx.String("comp", "notifier")))
		if err != nil {
			a.log.Warn("some notification sinks were skipped", logx.Err(err))
		}
		a.notif.SetSinks(sinks)
		switch {
		case prevEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prevEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if changed["server"] || changed["control"] || changed["restart"] || changed["backup"] {
		if err := a.ctrl.Apply(next); err != nil {
			a.log.Warn("control config rejected; keeping previous", logx.Err(err))
			applied = next.Clone()
			kept := prev.Clone()
			applied.Server = kept.Server
			applied.Control = kept.Control
			applied.Restart = kept.Restart
			applied.Backup = kept.Backup
		}
	}

	if changed["http"] {
		a.http.Reconfigure(ctx, httpapi.ConfigFrom(next.HTTP))
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	return applied
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop taking API requests first, then wind the loops down while the
	// notifier can still deliver their last messages.
	a.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "control", 5*time.Second, a.ctrl.Stop)
	a.step(ctx, "notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Uint64("events_dropped", eventbus.Dropped(a.bus)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and by the caller's deadline,
// so one component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

func logConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
	}
}
