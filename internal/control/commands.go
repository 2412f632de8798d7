package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"palctl/internal/eventbus"
	"palctl/internal/notifier"
	"palctl/internal/palapi"
	"palctl/internal/runtime/generation"
	"palctl/internal/session"
	"palctl/pkg/logx"
)

// ErrInvalidArgument wraps every rejected command argument.
var ErrInvalidArgument = errors.New("invalid argument")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// SchedulerStatus reports the scheduled-restart subsystem.
type SchedulerStatus struct {
	Enabled     bool       `json:"enabled"`
	Running     bool       `json:"running"`
	Times       []string   `json:"times"`
	LeadSeconds int        `json:"lead_seconds"`
	Next        *time.Time `json:"next,omitempty"`
	Upcoming    []string   `json:"upcoming,omitempty"`
}

// RestartState is the current and the last finished restart job.
type RestartState struct {
	Current   *JobStatus `json:"current,omitempty"`
	Last      *JobStatus `json:"last,omitempty"`
	Countdown *JobStatus `json:"countdown,omitempty"`
}

// snapshot returns the current snapshot or ErrNotStarted before the first Apply.
func (c *Controller) snapshot() (Snapshot, error) {
	snap := c.store.Get()
	if snap.Config == nil {
		return Snapshot{}, ErrNotStarted
	}
	return snap, nil
}

// gate checks actions_enabled before anything touches the network.
func (c *Controller) gate() (Snapshot, error) {
	snap, err := c.snapshot()
	if err != nil {
		return Snapshot{}, err
	}
	if !snap.Settings.ActionsEnabled {
		return Snapshot{}, ErrActionsDisabled
	}
	return snap, nil
}

func (c *Controller) peerNow() (Peer, error) {
	snap, err := c.snapshot()
	if err != nil {
		return nil, err
	}
	return c.peerFor(snap)
}

func (c *Controller) gatedPeer() (Snapshot, Peer, error) {
	snap, err := c.gate()
	if err != nil {
		return Snapshot{}, nil, err
	}
	peer, err := c.peerFor(snap)
	return snap, peer, err
}

// audit publishes one operator command outcome.
func (c *Controller) audit(action, target, detail string, err error, start time.Time) {
	c.publishOutcome(eventbus.OperatorCmd, "operator", action, target, detail, err, c.clock.Now().Sub(start))
	if err != nil {
		c.log.Warn("command failed", logx.String("action", action), logx.String("target", target), logx.Err(err))
		return
	}
	c.log.Info("command done", logx.String("action", action), logx.String("target", target), logx.String("detail", detail))
}

// Info fetches the server summary.
func (c *Controller) Info(ctx context.Context) (palapi.ServerInfo, error) {
	peer, err := c.peerNow()
	if err != nil {
		return palapi.ServerInfo{}, err
	}
	return peer.Info(ctx)
}

// Players fetches the player list and feeds it to the session tracker.
func (c *Controller) Players(ctx context.Context) ([]palapi.Player, error) {
	peer, err := c.peerNow()
	if err != nil {
		return nil, err
	}
	players, err := peer.Players(ctx)
	if err != nil {
		return nil, err
	}
	c.observePlayers(ctx, players)
	return players, nil
}

// Durations maps each tracked identity to connected seconds.
func (c *Controller) Durations() map[string]int64 {
	return c.tracker.Durations(c.clock.Now())
}

func (c *Controller) Sessions() []session.Record { return c.tracker.Snapshot() }

func (c *Controller) Announce(ctx context.Context, message string) (rep palapi.Report, err error) {
	start := c.clock.Now()
	defer func() { c.audit("announce", "", rep.Accepted, err, start) }()
	message = strings.TrimSpace(message)
	if message == "" {
		return palapi.Report{}, invalid("message is empty")
	}
	_, peer, err := c.gatedPeer()
	if err != nil {
		return palapi.Report{}, err
	}
	return peer.Announce(ctx, message)
}

// Save forces a world save. A save already running yields SaveInProgress
// without a second request.
func (c *Controller) Save(ctx context.Context) (status SaveStatus, rep palapi.Report, err error) {
	start := c.clock.Now()
	defer func() {
		c.audit("save", "", string(status), err, start)
		if status != "" {
			c.publishOutcome(eventbus.SaveDone, "operator", "save", "", string(status), err, c.clock.Now().Sub(start))
		}
	}()
	_, peer, err := c.gatedPeer()
	if err != nil {
		return "", palapi.Report{}, err
	}
	return c.saver.save(ctx, peer)
}

// Shutdown asks the server to stop after seconds.
func (c *Controller) Shutdown(ctx context.Context, seconds int, message string) (rep palapi.Report, err error) {
	start := c.clock.Now()
	defer func() { c.audit("shutdown", "", rep.Accepted, err, start) }()
	if seconds < 0 {
		return palapi.Report{}, invalid("seconds must not be negative")
	}
	_, peer, err := c.gatedPeer()
	if err != nil {
		return palapi.Report{}, err
	}
	if strings.TrimSpace(message) == "" {
		message = shutdownMessage
	}
	return peer.Shutdown(ctx, seconds, message)
}

// RestartNow starts a full restart in the background and returns its job.
// A negative lead uses restart.lead. The run is not tied to any loop
// generation; only process shutdown interrupts its countdown.
func (c *Controller) RestartNow(ctx context.Context, lead time.Duration) (st JobStatus, err error) {
	start := c.clock.Now()
	defer func() { c.audit("restart", st.ID, string(st.Stage), err, start) }()
	snap, peer, err := c.gatedPeer()
	if err != nil {
		return JobStatus{}, err
	}
	if lead < 0 {
		lead = snap.Settings.Lead
	}
	if !c.restartGate.TryLock() {
		return JobStatus{}, ErrRestartInProgress
	}

	c.mu.Lock()
	sup := c.sup
	c.mu.Unlock()
	if sup == nil {
		c.restartGate.Unlock()
		return JobStatus{}, ErrNotStarted
	}
	job := newJob("manual", lead, c.clock.Now())
	c.setCurrent(job)
	sup.Go0("restart-"+job.ID[:8], func(ctx context.Context) {
		defer c.clearCurrent(job)
		defer c.restartGate.Unlock()
		c.orch.run(ctx, job, snap.Settings, peer, func() bool { return true })
	})
	return job.Status(), nil
}

// Countdown runs only the announcing stage. It is the one restart variant
// that CancelCountdown can stop, and it never saves or shuts down.
func (c *Controller) Countdown(ctx context.Context, lead time.Duration) (st JobStatus, err error) {
	start := c.clock.Now()
	defer func() { c.audit("countdown", st.ID, "", err, start) }()
	snap, peer, err := c.gatedPeer()
	if err != nil {
		return JobStatus{}, err
	}
	if lead < 0 {
		lead = snap.Settings.Lead
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sup == nil {
		return JobStatus{}, ErrNotStarted
	}
	job := newJob("countdown", lead, c.clock.Now())
	c.countdown = job
	c.launchLocked(generation.Adhoc, func(ctx, _ context.Context, tok generation.Token) {
		log := c.loopLogger(tok).With(logx.String("job", job.ID))
		defer c.loopExit(tok, log)
		c.orch.enter(job, StageAnnouncing)
		if err := c.orch.countdown(ctx, lead, peer, tok.Current); err != nil {
			c.orch.fail(ctx, job, StageAnnouncing, err)
			return
		}
		c.orch.record(job, StageAnnouncing, "countdown finished", nil)
		c.orch.finish(job, StageDone, nil)
	})
	return job.Status(), nil
}

// CancelCountdown supersedes the running countdown. The countdown stops at
// its next safe point; a notice already sent stays sent.
func (c *Controller) CancelCountdown(ctx context.Context) (err error) {
	start := c.clock.Now()
	defer func() { c.audit("countdown_cancel", "", "", err, start) }()
	c.mu.Lock()
	job := c.countdown
	running := job != nil && c.guard.Active(generation.Adhoc) > 0 && !isFinal(job.Stage())
	if running {
		c.stopRoleLocked(generation.Adhoc)
	}
	c.mu.Unlock()
	if !running {
		return ErrNoCountdown
	}
	c.notify(ctx, "Restart countdown cancelled.", notifier.Info)
	return nil
}

func isFinal(s Stage) bool { return s == StageDone || s == StageFailed }

// StartScheduler enables scheduled restarts for the current snapshot.
func (c *Controller) StartScheduler() (st SchedulerStatus, err error) {
	start := c.clock.Now()
	defer func() { c.audit("scheduler_start", "", "", err, start) }()
	snap, err := c.gate()
	if err != nil {
		return SchedulerStatus{}, err
	}
	c.mu.Lock()
	c.schedulerOn = true
	if c.sup != nil {
		c.launchOrStopLocked(generation.Scheduler, len(snap.Settings.Times) > 0, c.schedulerLoop(snap))
	}
	c.mu.Unlock()
	return c.SchedulerStatus(), nil
}

// StopScheduler disables scheduled restarts. A restart already past its
// countdown runs to completion.
func (c *Controller) StopScheduler() SchedulerStatus {
	start := c.clock.Now()
	c.mu.Lock()
	c.schedulerOn = false
	c.stopRoleLocked(generation.Scheduler)
	c.mu.Unlock()
	c.audit("scheduler_stop", "", "", nil, start)
	return c.SchedulerStatus()
}

func (c *Controller) SchedulerStatus() SchedulerStatus {
	snap := c.store.Get()
	c.mu.Lock()
	on := c.schedulerOn
	c.mu.Unlock()
	st := SchedulerStatus{
		Enabled: on,
		Running: c.guard.Active(generation.Scheduler) > 0,
		Times:   []string{},
	}
	if snap.Config == nil {
		return st
	}
	s := snap.Settings
	st.LeadSeconds = int(s.Lead / time.Second)
	for _, t := range s.Times {
		st.Times = append(st.Times, t.String())
	}
	if on {
		now := c.clock.Now()
		if next, ok := NextFire(now, s.Times, s.Location); ok {
			st.Next = &next
		}
		for _, t := range UpcomingFires(now, s.Times, s.Location, 3) {
			st.Upcoming = append(st.Upcoming, t.Format(time.RFC3339))
		}
	}
	return st
}

// Backup archives the save directory now.
func (c *Controller) Backup(ctx context.Context) (res BackupResult, err error) {
	start := c.clock.Now()
	defer func() { c.audit("backup", "", res.Path, err, start) }()
	snap, err := c.gate()
	if err != nil {
		return BackupResult{}, err
	}
	return c.runBackup(ctx, snap.Settings, "operator")
}

func (c *Controller) Kick(ctx context.Context, id, message string) (palapi.Report, error) {
	return c.playerAction(ctx, "kick", id, func(p Peer) (palapi.Report, error) { return p.Kick(ctx, id, message) })
}

func (c *Controller) Ban(ctx context.Context, id, message string) (palapi.Report, error) {
	return c.playerAction(ctx, "ban", id, func(p Peer) (palapi.Report, error) { return p.Ban(ctx, id, message) })
}

func (c *Controller) Unban(ctx context.Context, id string) (palapi.Report, error) {
	return c.playerAction(ctx, "unban", id, func(p Peer) (palapi.Report, error) { return p.Unban(ctx, id) })
}

func (c *Controller) playerAction(ctx context.Context, action, id string, do func(Peer) (palapi.Report, error)) (rep palapi.Report, err error) {
	start := c.clock.Now()
	defer func() { c.audit(action, id, rep.Accepted, err, start) }()
	if strings.TrimSpace(id) == "" {
		return palapi.Report{}, invalid("player id is empty")
	}
	_, peer, err := c.gatedPeer()
	if err != nil {
		return palapi.Report{}, err
	}
	return do(peer)
}

// RestartStatus reports the running and the last finished restart.
func (c *Controller) RestartStatus() RestartState {
	c.mu.Lock()
	cur, last, cd := c.current, c.last, c.countdown
	c.mu.Unlock()
	var out RestartState
	if cur != nil {
		st := cur.Status()
		out.Current = &st
	}
	if last != nil {
		st := last.Status()
		out.Last = &st
	}
	if cd != nil {
		st := cd.Status()
		out.Countdown = &st
	}
	return out
}
