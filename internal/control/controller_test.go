package control

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"palctl/internal/config"
	"palctl/internal/eventbus"
	"palctl/internal/palapi"
	"palctl/internal/runtime/generation"
	"palctl/pkg/logx"
)

var noon = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func startController(t *testing.T, opts Options, cfg *config.Config) *Controller {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = blockingClock{now: noon}
	}
	if opts.Notifier == nil {
		opts.Notifier = &recNotifier{}
	}
	if opts.Relauncher == nil {
		opts.Relauncher = &countingRelauncher{}
	}
	c := New(opts)
	c.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = c.Stop(ctx)
	})
	if cfg != nil {
		require.NoError(t, c.Apply(cfg))
	}
	return c
}

func TestCommandsBeforeApply(t *testing.T) {
	t.Parallel()
	c := startController(t, Options{Peers: peersOf(newMemPeer())}, nil)
	_, err := c.Info(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
	_, _, err = c.Save(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestActionsDisabledFailsBeforeNetwork(t *testing.T) {
	t.Parallel()
	var built atomic.Int32
	peer := newMemPeer()
	peers := func(config.ServerConfig, logx.Logger) (Peer, error) {
		built.Add(1)
		return peer, nil
	}
	arch := &fakeArchiver{}
	c := startController(t, Options{Peers: peers, Archiver: arch}, testConfig(func(cfg *config.Config) {
		cfg.Control.ActionsEnabled = false
		cfg.Backup.Source = "/srv/saves"
	}))
	ctx := context.Background()

	_, err := c.Announce(ctx, "hi")
	assert.ErrorIs(t, err, ErrActionsDisabled)
	_, _, err = c.Save(ctx)
	assert.ErrorIs(t, err, ErrActionsDisabled)
	_, err = c.Shutdown(ctx, 10, "")
	assert.ErrorIs(t, err, ErrActionsDisabled)
	_, err = c.RestartNow(ctx, -1)
	assert.ErrorIs(t, err, ErrActionsDisabled)
	_, err = c.Countdown(ctx, -1)
	assert.ErrorIs(t, err, ErrActionsDisabled)
	_, err = c.StartScheduler()
	assert.ErrorIs(t, err, ErrActionsDisabled)
	_, err = c.Backup(ctx)
	assert.ErrorIs(t, err, ErrActionsDisabled)
	_, err = c.Kick(ctx, "steam_1", "")
	assert.ErrorIs(t, err, ErrActionsDisabled)
	_, err = c.Ban(ctx, "steam_1", "")
	assert.ErrorIs(t, err, ErrActionsDisabled)
	_, err = c.Unban(ctx, "steam_1")
	assert.ErrorIs(t, err, ErrActionsDisabled)

	assert.Zero(t, built.Load(), "no client is built for a refused action")
	assert.Empty(t, peer.calls)
	assert.Empty(t, arch.archived)

	// Read-only commands still work.
	_, err = c.Info(ctx)
	assert.NoError(t, err)
}

func TestInvalidArguments(t *testing.T) {
	t.Parallel()
	peer := newMemPeer()
	c := startController(t, Options{Peers: peersOf(peer)}, testConfig(nil))
	ctx := context.Background()

	_, err := c.Announce(ctx, "   ")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = c.Shutdown(ctx, -1, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = c.Kick(ctx, "", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, peer.calls)
}

func TestConfigErrorSurfacesFromCommands(t *testing.T) {
	t.Parallel()
	c := startController(t, Options{}, testConfig(func(cfg *config.Config) { cfg.Server.BaseURL = "" }))
	_, err := c.Announce(context.Background(), "hello")
	assert.ErrorIs(t, err, palapi.ErrNoBaseURL)
}

func TestBumpStormLeavesOneLoopPerRole(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	stale, unsub := bus.Subscribe(1024)
	defer unsub()
	c := startController(t, Options{Peers: peersOf(newMemPeer()), Bus: bus}, nil)
	cfg := testConfig(func(cfg *config.Config) {
		cfg.Control.AutosaveInterval = "1m"
		cfg.Control.PollInterval = "1m"
	})

	const storm = 40
	var wg sync.WaitGroup
	for i := 0; i < storm; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Apply(cfg))
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return c.guard.Active(generation.Autosave) == 1 && c.guard.Active(generation.Poll) == 1
	}, timeout, tick)
	assert.Equal(t, uint64(storm), c.guard.Live(generation.Autosave))
	assert.Equal(t, uint64(storm), c.Snapshot().Version)
	assert.Zero(t, c.guard.Active(generation.Backup))
	assert.Zero(t, c.guard.Active(generation.Scheduler))

	loops := c.Loops()
	assert.Equal(t, LoopState{Generation: storm, Active: 1}, loops["autosave"])

	n := 0
	for len(stale) > 0 {
		if e := <-stale; e.Type == eventbus.LoopStale {
			n++
		}
	}
	assert.Equal(t, 2*(storm-1), n, "every superseded loop reports once")
}

func TestStopEndsAllLoops(t *testing.T) {
	t.Parallel()
	c := New(Options{Peers: peersOf(newMemPeer()), Clock: blockingClock{now: noon}})
	c.Start(context.Background())
	require.NoError(t, c.Apply(testConfig(func(cfg *config.Config) {
		cfg.Control.AutosaveInterval = "1m"
		cfg.Restart.Times = []string{"03:00"}
	})))
	require.Eventually(t, func() bool { return c.guard.Active(generation.Scheduler) == 1 }, timeout, tick)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
	for _, r := range generation.Roles {
		assert.Zero(t, c.guard.Active(r), r)
	}
	_, err := c.RestartNow(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestPeerBuildFailureStopsLoopForGood(t *testing.T) {
	t.Parallel()
	var built atomic.Int32
	peers := func(config.ServerConfig, logx.Logger) (Peer, error) {
		built.Add(1)
		return nil, palapi.ErrNoBaseURL
	}
	c := startController(t, Options{Peers: peers}, testConfig(func(cfg *config.Config) {
		cfg.Control.AutosaveInterval = "1m"
	}))
	require.Eventually(t, func() bool {
		return built.Load() == 1 && c.guard.Active(generation.Autosave) == 0
	}, timeout, tick)
	assert.Equal(t, uint64(1), c.guard.Live(generation.Autosave))
}

func TestAutosaveLoopSavesEachInterval(t *testing.T) {
	t.Parallel()
	clk := newVirtualClock(noon)
	clk.setLimit(noon.Add(35 * time.Minute))
	peer := newMemPeer()
	notes := &recNotifier{}
	startController(t, Options{Peers: peersOf(peer), Clock: clk, Notifier: notes}, testConfig(func(cfg *config.Config) {
		cfg.Control.AutosaveInterval = "15m"
	}))

	require.Eventually(t, func() bool { return peer.count("save") == 2 }, timeout, tick)
	require.Eventually(t, func() bool {
		return len(notes.texts()) == 4
	}, timeout, tick)
	assert.Equal(t, []string{"Autosave started.", "Autosave complete.", "Autosave started.", "Autosave complete."}, notes.texts())
}

func TestApplyLetsInFlightAutosaveFinish(t *testing.T) {
	t.Parallel()
	clk := newVirtualClock(noon)
	clk.setLimit(noon.Add(20 * time.Minute))
	peer := newMemPeer()
	peer.saveGate = make(chan struct{})
	notes := &recNotifier{}
	c := startController(t, Options{Peers: peersOf(peer), Clock: clk, Notifier: notes}, testConfig(func(cfg *config.Config) {
		cfg.Control.AutosaveInterval = "15m"
	}))
	require.Eventually(t, func() bool { return peer.count("save") == 1 }, timeout, tick)

	// The replacement loop parks past the clock limit, so only the first
	// loop's save can report.
	require.NoError(t, c.Apply(testConfig(func(cfg *config.Config) {
		cfg.Control.AutosaveInterval = "16m"
	})))
	close(peer.saveGate)

	require.Eventually(t, func() bool { return len(notes.texts()) == 2 }, timeout, tick)
	assert.Equal(t, []string{"Autosave started.", "Autosave complete."}, notes.texts())
	require.Eventually(t, func() bool { return c.guard.Active(generation.Autosave) == 1 }, timeout, tick)
	assert.Equal(t, 1, peer.count("save"))
}

func TestBackupLoopArchivesEachInterval(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()
	clk := newVirtualClock(noon)
	clk.setLimit(noon.Add(65 * time.Minute))
	arch := &fakeArchiver{pruned: 1}
	notes := &recNotifier{}
	backupOn := func(cfg *config.Config) {
		cfg.Control.BackupInterval = "30m"
		cfg.Backup.Source = "/srv/saves"
		cfg.Backup.Destination = "/srv/backups"
	}
	c := startController(t, Options{Peers: peersOf(newMemPeer()), Clock: clk, Archiver: arch, Notifier: notes, Bus: bus}, testConfig(backupOn))

	require.Eventually(t, func() bool { return arch.archives() == 2 }, timeout, tick)
	require.Eventually(t, func() bool { return len(notes.texts()) == 2 }, timeout, tick)
	assert.Equal(t, []string{
		"Backup created: palworld-save-x.zip (pruned 1 old)",
		"Backup created: palworld-save-x.zip (pruned 1 old)",
	}, notes.texts())

	// Turning the loop off supersedes it without another archive or notice.
	require.NoError(t, c.Apply(testConfig(func(cfg *config.Config) {
		backupOn(cfg)
		cfg.Control.BackupInterval = "0s"
	})))
	require.Eventually(t, func() bool { return c.guard.Active(generation.Backup) == 0 }, timeout, tick)
	assert.Equal(t, 2, arch.archives())
	assert.Len(t, notes.texts(), 2)

	var stale bool
	for len(events) > 0 {
		e := <-events
		if e.Type == eventbus.LoopStale && e.Data.(eventbus.LoopData).Role == string(generation.Backup) {
			stale = true
		}
	}
	assert.True(t, stale, "a superseded backup loop reports itself stale")
}

func TestBackupLoopSkipsWhenActionsDisabled(t *testing.T) {
	t.Parallel()
	clk := newVirtualClock(noon)
	clk.setLimit(noon.Add(65 * time.Minute))
	arch := &fakeArchiver{}
	c := startController(t, Options{Peers: peersOf(newMemPeer()), Clock: clk, Archiver: arch}, testConfig(func(cfg *config.Config) {
		cfg.Control.ActionsEnabled = false
		cfg.Control.BackupInterval = "30m"
		cfg.Backup.Source = "/srv/saves"
	}))

	require.Eventually(t, func() bool { return clk.Now().Equal(noon.Add(60 * time.Minute)) }, timeout, tick)
	require.Eventually(t, func() bool { return c.guard.Active(generation.Backup) == 1 }, timeout, tick)
	assert.Zero(t, arch.archives())
}

func TestRestartGateSerializesManualRestarts(t *testing.T) {
	t.Parallel()
	peer := newMemPeer()
	peer.saveGate = make(chan struct{})
	relau := &countingRelauncher{}
	clk := newVirtualClock(noon)
	c := startController(t, Options{Peers: peersOf(peer), Clock: clk, Relauncher: relau}, testConfig(nil))
	ctx := context.Background()

	job, err := c.RestartNow(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "manual", job.Reason)
	require.Eventually(t, func() bool { return peer.count("save") == 1 }, timeout, tick)

	_, err = c.RestartNow(ctx, 0)
	assert.ErrorIs(t, err, ErrRestartInProgress)
	cur := c.RestartStatus().Current
	require.NotNil(t, cur)
	assert.Equal(t, StageSaving, cur.Stage)

	// A save command while the restart saves is answered without a request.
	st, _, err := c.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, SaveInProgress, st)

	close(peer.saveGate)
	require.Eventually(t, func() bool {
		s := c.RestartStatus()
		return s.Current == nil && s.Last != nil && s.Last.Stage == StageDone
	}, timeout, tick)
	assert.Equal(t, int32(1), relau.n.Load())
	assert.Equal(t, 1, peer.count("save"))

	_, err = c.RestartNow(ctx, 0)
	assert.NoError(t, err, "the gate reopens after a run")
}

func TestCountdownCancel(t *testing.T) {
	t.Parallel()
	peer := newMemPeer()
	notes := &recNotifier{}
	c := startController(t, Options{Peers: peersOf(peer), Notifier: notes}, testConfig(nil))
	ctx := context.Background()

	assert.ErrorIs(t, c.CancelCountdown(ctx), ErrNoCountdown)

	job, err := c.Countdown(ctx, 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "countdown", job.Reason)
	require.Eventually(t, func() bool { return peer.count("announce") == 1 }, timeout, tick)

	require.NoError(t, c.CancelCountdown(ctx))
	require.Eventually(t, func() bool {
		cd := c.RestartStatus().Countdown
		return cd != nil && cd.Stage == StageFailed
	}, timeout, tick)
	require.Eventually(t, func() bool { return c.guard.Active(generation.Adhoc) == 0 }, timeout, tick)

	assert.Equal(t, 1, peer.count("announce"))
	assert.Zero(t, peer.count("save"))
	assert.Zero(t, peer.count("shutdown"))
	assert.Contains(t, notes.texts(), "Restart countdown cancelled.")
	assert.ErrorIs(t, c.CancelCountdown(ctx), ErrNoCountdown)
}

func TestSchedulerStartStop(t *testing.T) {
	t.Parallel()
	off := false
	c := startController(t, Options{Peers: peersOf(newMemPeer())}, testConfig(func(cfg *config.Config) {
		cfg.Restart.Times = []string{"18:00", "03:00"}
		cfg.Restart.AutoStart = &off
	}))

	st := c.SchedulerStatus()
	assert.False(t, st.Enabled)
	assert.False(t, st.Running)
	assert.Equal(t, []string{"03:00", "18:00"}, st.Times)
	assert.Nil(t, st.Next)

	st, err := c.StartScheduler()
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	require.NotNil(t, st.Next)
	assert.Equal(t, time.Date(2026, 5, 10, 18, 0, 0, 0, time.UTC), *st.Next)
	assert.Len(t, st.Upcoming, 3)
	require.Eventually(t, func() bool { return c.SchedulerStatus().Running }, timeout, tick)

	// Re-applying a config with the same auto_start keeps the operator's choice.
	require.NoError(t, c.Apply(testConfig(func(cfg *config.Config) {
		cfg.Restart.Times = []string{"18:00", "03:00"}
		cfg.Restart.AutoStart = &off
	})))
	assert.True(t, c.SchedulerStatus().Enabled)

	st = c.StopScheduler()
	assert.False(t, st.Enabled)
	require.Eventually(t, func() bool { return !c.SchedulerStatus().Running }, timeout, tick)
}

func TestBackupCommand(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()
	arch := &fakeArchiver{pruned: 2}
	notes := &recNotifier{}
	c := startController(t, Options{Peers: peersOf(newMemPeer()), Archiver: arch, Bus: bus, Notifier: notes}, testConfig(func(cfg *config.Config) {
		cfg.Backup.Source = "/srv/saves"
		cfg.Backup.Destination = "/srv/backups"
	}))

	res, err := c.Backup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/srv/backups/palworld-save-x.zip", res.Path)
	assert.Len(t, res.Pruned, 2)
	assert.Contains(t, notes.texts(), "Backup created: palworld-save-x.zip (pruned 2 old)")

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Contains(t, types, eventbus.BackupDone)
	assert.Contains(t, types, eventbus.OperatorCmd)

	arch.err = errors.New("disk full")
	_, err = c.Backup(context.Background())
	assert.ErrorContains(t, err, "disk full")
}

func TestBackupNotConfigured(t *testing.T) {
	t.Parallel()
	c := startController(t, Options{Peers: peersOf(newMemPeer()), Archiver: &fakeArchiver{}}, testConfig(nil))
	_, err := c.Backup(context.Background())
	assert.ErrorIs(t, err, ErrBackupNotConfigured)
}

func TestPlayersFeedsSessions(t *testing.T) {
	t.Parallel()
	peer := newMemPeer()
	peer.players = []palapi.Player{{ID: "steam_1", Name: "Alice"}, {ID: "steam_2", Name: "Bob"}}
	notes := &recNotifier{}
	var online atomic.Int32
	c := startController(t, Options{
		Peers:           peersOf(peer),
		Notifier:        notes,
		PlayersObserved: func(n int) { online.Store(int32(n)) },
	}, testConfig(nil))

	players, err := c.Players(context.Background())
	require.NoError(t, err)
	assert.Len(t, players, 2)
	assert.Equal(t, int32(2), online.Load())
	assert.Contains(t, notes.texts(), "Joined: Alice, Bob")

	d := c.Durations()
	assert.Contains(t, d, "steam_1")
	assert.Len(t, c.Sessions(), 2)

	peer.mu.Lock()
	peer.players = peer.players[:1]
	peer.mu.Unlock()
	_, err = c.Players(context.Background())
	require.NoError(t, err)
	assert.Contains(t, notes.texts(), "Left: Bob")
}
