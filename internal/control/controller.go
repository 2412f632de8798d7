package control

import (
	"context"
	"sync"

	"palctl/internal/config"
	"palctl/internal/eventbus"
	"palctl/internal/notifier"
	"palctl/internal/runtime/generation"
	rtsup "palctl/internal/runtime/supervisor"
	"palctl/internal/session"
	"palctl/pkg/logx"
)

type Options struct {
	Peers      PeerFactory
	Notifier   Notifier
	Archiver   Archiver
	Relauncher Relauncher
	Clock      Clock
	Bus        eventbus.Bus
	Tracker    *session.Tracker
	// PlayersObserved, if set, receives the player count of every poll.
	PlayersObserved func(n int)
	Logger          logx.Logger
}

// Controller owns the configuration snapshot, the background loops and the
// restart machinery. Commands and loops share one explicitly owned state
// handle; nothing is process-global.
type Controller struct {
	peers     PeerFactory
	notifier  Notifier
	archiver  Archiver
	clock     Clock
	bus       eventbus.Bus
	tracker   *session.Tracker
	onPlayers func(int)
	log       logx.Logger

	store ConfigStore
	guard *generation.Guard
	saver saver
	orch  *orchestrator

	// restartGate serializes full restarts, manual and scheduled.
	restartGate sync.Mutex

	mu          sync.Mutex
	sup         *rtsup.Supervisor
	cancels     map[generation.Role]context.CancelFunc
	schedulerOn bool
	autoStart   *bool
	peerVer     uint64
	peer        Peer
	peerErr     error
	current     *RestartJob
	last        *RestartJob
	countdown   *RestartJob
}

func New(opts Options) *Controller {
	if opts.Peers == nil {
		opts.Peers = PalAPIPeers
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Archiver == nil {
		opts.Archiver = ZipArchiver(opts.Clock.Now)
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop
	}
	if opts.Tracker == nil {
		opts.Tracker = session.NewTracker()
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "control"))
	if opts.Relauncher == nil {
		opts.Relauncher = SystemRelauncher{Log: log}
	}

	c := &Controller{
		peers:     opts.Peers,
		notifier:  opts.Notifier,
		archiver:  opts.Archiver,
		clock:     opts.Clock,
		bus:       opts.Bus,
		tracker:   opts.Tracker,
		onPlayers: opts.PlayersObserved,
		log:       log,
		guard:     generation.New(),
		cancels:   map[generation.Role]context.CancelFunc{},
	}
	c.orch = &orchestrator{
		clock:    c.clock,
		notify:   c.notify,
		saver:    &c.saver,
		relaunch: opts.Relauncher,
		bus:      c.bus,
		log:      log,
	}
	return c
}

// Start launches the loops for the current snapshot. Loops run until Stop or
// until ctx is canceled.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sup != nil {
		return
	}
	c.sup = rtsup.New(ctx, rtsup.WithLogger(c.log), rtsup.WithCancelOnError(false))
	if snap := c.store.Get(); snap.Config != nil {
		c.launchAllLocked(snap)
	}
}

// Stop makes every loop stale and waits for them until ctx is done.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	for _, r := range generation.Roles {
		c.stopRoleLocked(r)
	}
	sup := c.sup
	c.sup = nil
	c.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Apply replaces the configuration. Every role's counter is bumped in the
// same critical section that swaps the snapshot, and fresh loops capture
// that snapshot, so no loop ever runs against a newer config than its token.
func (c *Controller) Apply(cfg *config.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, err := c.store.Replace(cfg)
	if err != nil {
		return err
	}
	as := snap.Settings.AutoStart
	if c.autoStart == nil || *c.autoStart != as {
		c.schedulerOn = as
		c.autoStart = &as
	}
	if c.sup != nil {
		c.launchAllLocked(snap)
	}
	c.log.Info("configuration applied",
		logx.Uint64("version", snap.Version),
		logx.Bool("actions_enabled", snap.Settings.ActionsEnabled),
		logx.Bool("scheduler", c.schedulerOn),
	)
	return nil
}

// Tasks reports the goroutines running under the controller.
func (c *Controller) Tasks() rtsup.Snapshot {
	c.mu.Lock()
	sup := c.sup
	c.mu.Unlock()
	return sup.Snapshot()
}

// Snapshot returns the current configuration snapshot.
func (c *Controller) Snapshot() Snapshot { return c.store.Get() }

func (c *Controller) launchAllLocked(snap Snapshot) {
	s := snap.Settings
	c.launchOrStopLocked(generation.Autosave, s.Autosave > 0, c.autosaveLoop(snap))
	c.launchOrStopLocked(generation.Backup, s.Backup > 0 && s.BackupSource != "", c.backupLoop(snap))
	c.launchOrStopLocked(generation.Poll, s.Poll > 0, c.pollLoop(snap))
	c.launchOrStopLocked(generation.Scheduler, c.schedulerOn && len(s.Times) > 0, c.schedulerLoop(snap))
	c.stopRoleLocked(generation.Adhoc)
}

func (c *Controller) launchOrStopLocked(role generation.Role, on bool, loop loopFunc) {
	if on {
		c.launchLocked(role, loop)
		return
	}
	c.stopRoleLocked(role)
}

// loopFunc is a background loop. wake is canceled as soon as the loop is
// superseded and only interrupts its sleeps; op is canceled when the
// controller stops, so an operation already under way runs to completion.
type loopFunc func(wake, op context.Context, tok generation.Token)

// launchLocked bumps role, cancels the previous loop's sleep and spawns loop
// under the supervisor.
func (c *Controller) launchLocked(role generation.Role, loop loopFunc) generation.Token {
	if cancel := c.cancels[role]; cancel != nil {
		cancel()
	}
	wake, cancel := context.WithCancel(c.sup.Context())
	c.cancels[role] = cancel
	sup := c.sup
	return c.guard.Launch(role, func(name string, fn func(context.Context)) {
		sup.Go0(name, func(op context.Context) {
			defer cancel()
			fn(op)
		})
	}, func(op context.Context, tok generation.Token) {
		loop(wake, op, tok)
	})
}

func (c *Controller) stopRoleLocked(role generation.Role) {
	c.guard.Bump(role)
	if cancel := c.cancels[role]; cancel != nil {
		cancel()
		delete(c.cancels, role)
	}
}

// peerFor returns the peer for snap, building it once per snapshot version.
// A snapshot older than the cached one gets an uncached peer.
func (c *Controller) peerFor(snap Snapshot) (Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case snap.Version < c.peerVer:
		return c.peers(snap.Config.Server, c.log)
	case snap.Version > c.peerVer || (c.peer == nil && c.peerErr == nil):
		c.peer, c.peerErr = c.peers(snap.Config.Server, c.log)
		c.peerVer = snap.Version
	}
	return c.peer, c.peerErr
}

func (c *Controller) setCurrent(job *RestartJob) {
	c.mu.Lock()
	c.current = job
	c.mu.Unlock()
}

func (c *Controller) clearCurrent(job *RestartJob) {
	c.mu.Lock()
	if c.current == job {
		c.current = nil
	}
	c.last = job
	c.mu.Unlock()
}

func (c *Controller) notify(ctx context.Context, text string, sev notifier.Severity) {
	if c.notifier == nil {
		c.log.Info("notice", logx.String("severity", sev.String()), logx.String("text", text))
		return
	}
	if err := c.notifier.Notify(ctx, text, sev); err != nil {
		c.log.Debug("notify not queued", logx.String("text", text), logx.Err(err))
	}
}

// Loops reports the active loop count and live generation per role.
func (c *Controller) Loops() map[string]LoopState {
	out := make(map[string]LoopState, len(generation.Roles))
	for _, r := range generation.Roles {
		out[string(r)] = LoopState{Generation: c.guard.Live(r), Active: c.guard.Active(r)}
	}
	return out
}

type LoopState struct {
	Generation uint64 `json:"generation"`
	Active     int64  `json:"active"`
}
