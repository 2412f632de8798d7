package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"palctl/internal/eventbus"
	"palctl/internal/notifier"
	"palctl/internal/palapi"
	"palctl/pkg/logx"
)

type Stage string

const (
	StageAnnouncing     Stage = "announcing"
	StageSaving         Stage = "saving"
	StageShuttingDown   Stage = "shutting_down"
	StageWaitingForStop Stage = "waiting_for_stop"
	StageRelaunching    Stage = "relaunching"
	StageDone           Stage = "done"
	StageFailed         Stage = "failed"
)

// Countdown checkpoints, in seconds before the deadline.
var checkpoints = []int{60, 30, 20, 10, 5}

const (
	stopPollInterval = time.Second
	// shutdownDelay is the delay passed to the server once the countdown is over.
	shutdownDelay   = 1
	shutdownMessage = "Server is restarting"
)

// StageResult records how one stage ended.
type StageResult struct {
	Stage  Stage     `json:"stage"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
	Err    string    `json:"error,omitempty"`
}

// RestartJob is one restart execution. It is never persisted.
type RestartJob struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
	Lead   time.Duration

	mu       sync.Mutex
	stage    Stage
	started  time.Time
	finished time.Time
	results  []StageResult
	shutdown *palapi.Report
	timedOut bool
}

// JobStatus is a point-in-time copy of a RestartJob.
type JobStatus struct {
	ID           string         `json:"id"`
	Reason       string         `json:"reason"`
	LeadSeconds  int            `json:"lead_seconds"`
	Stage        Stage          `json:"stage"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	Stages       []StageResult  `json:"stages"`
	Shutdown     *palapi.Report `json:"shutdown,omitempty"`
	StopTimedOut bool           `json:"stop_timed_out"`
}

func newJob(reason string, lead time.Duration, now time.Time) *RestartJob {
	return &RestartJob{ID: uuid.NewString(), Reason: reason, Lead: lead, stage: StageAnnouncing, started: now}
}

func (j *RestartJob) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := JobStatus{
		ID:           j.ID,
		Reason:       j.Reason,
		LeadSeconds:  int(j.Lead / time.Second),
		Stage:        j.stage,
		StartedAt:    j.started,
		Stages:       append([]StageResult(nil), j.results...),
		Shutdown:     j.shutdown,
		StopTimedOut: j.timedOut,
	}
	if !j.finished.IsZero() {
		f := j.finished
		st.FinishedAt = &f
	}
	return st
}

func (j *RestartJob) Stage() Stage {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stage
}

// orchestrator runs the staged restart sequence. Stages run strictly in
// order. Errors are recorded and reported but only a missing peer is fatal.
type orchestrator struct {
	clock    Clock
	notify   func(ctx context.Context, text string, sev notifier.Severity)
	saver    *saver
	relaunch Relauncher
	bus      eventbus.Bus
	log      logx.Logger
}

// run executes job against peer. current is consulted at every countdown
// safe point; once it reports false the job fails as superseded before
// anything is saved or shut down. Everything after the countdown runs to
// completion on a context detached from ctx cancellation.
func (o *orchestrator) run(ctx context.Context, job *RestartJob, s Settings, peer Peer, current func() bool) {
	log := o.log.With(logx.String("job", job.ID), logx.String("reason", job.Reason))
	log.Info("restart started", logx.Duration("lead", job.Lead))
	o.enter(job, StageAnnouncing)

	if err := o.countdown(ctx, job.Lead, peer, current); err != nil {
		o.fail(ctx, job, StageAnnouncing, err)
		return
	}
	o.record(job, StageAnnouncing, "countdown finished", nil)

	opCtx := context.WithoutCancel(ctx)

	o.enter(job, StageSaving)
	status, _, err := o.saver.save(opCtx, peer)
	switch {
	case err != nil:
		o.notify(opCtx, "Save before restart failed: "+err.Error(), notifier.Warning)
	case status == SaveInProgress:
		o.notify(opCtx, "A save was already in progress; continuing restart.", notifier.Info)
	default:
		o.notify(opCtx, "World saved.", notifier.Info)
	}
	o.record(job, StageSaving, string(status), err)
	o.publishSave(job, status, err)

	o.enter(job, StageShuttingDown)
	rep, err := peer.Shutdown(opCtx, shutdownDelay, shutdownMessage)
	job.mu.Lock()
	job.shutdown = &rep
	job.mu.Unlock()
	if err != nil {
		o.notify(opCtx, fmt.Sprintf("Shutdown request failed after %d attempts: %v", rep.Attempts(), err), notifier.Critical)
		o.record(job, StageShuttingDown, "", err)
	} else {
		o.notify(opCtx, "Shutdown requested.", notifier.Info)
		o.record(job, StageShuttingDown, "accepted: "+rep.Accepted, nil)
	}

	o.enter(job, StageWaitingForStop)
	waited, stopped := o.waitForStop(opCtx, peer, s.StopTimeout)
	job.mu.Lock()
	job.timedOut = !stopped
	job.mu.Unlock()
	if stopped {
		o.notify(opCtx, "Server stopped.", notifier.Info)
		o.record(job, StageWaitingForStop, fmt.Sprintf("stopped after %s", waited), nil)
	} else {
		o.notify(opCtx, fmt.Sprintf("Server still answering after %s; relaunching anyway.", waited), notifier.Warning)
		o.record(job, StageWaitingForStop, fmt.Sprintf("timed out after %s", waited), nil)
	}

	o.enter(job, StageRelaunching)
	desc, err := o.relaunch.Relaunch(opCtx, s)
	switch {
	case errors.Is(err, errNoRelaunch):
		o.notify(opCtx, "No relaunch configured; the server stays stopped.", notifier.Warning)
		o.record(job, StageRelaunching, "skipped: no relaunch configured", nil)
	case err != nil:
		o.notify(opCtx, "Relaunch failed: "+err.Error(), notifier.Critical)
		o.record(job, StageRelaunching, "", err)
	default:
		o.notify(opCtx, "Relaunch started: "+desc, notifier.Info)
		o.record(job, StageRelaunching, desc, nil)
	}

	o.finish(job, StageDone, nil)
	log.Info("restart finished", logx.Bool("stop_timed_out", !stopped))
}

// countdown emits a notice at every checkpoint no larger than lead and
// returns once lead has elapsed. The last checkpoint tells players to log off.
func (o *orchestrator) countdown(ctx context.Context, lead time.Duration, peer Peer, current func() bool) error {
	marks := checkpointsWithin(lead)
	remaining := lead
	for i, c := range marks {
		at := time.Duration(c) * time.Second
		if err := o.sleepChecked(ctx, remaining-at, current); err != nil {
			return err
		}
		remaining = at
		msg := fmt.Sprintf("Server restart in %d seconds.", c)
		if i == len(marks)-1 {
			msg = fmt.Sprintf("Server restart in %d seconds. Log off now!", c)
		}
		if _, err := peer.Announce(context.WithoutCancel(ctx), msg); err != nil {
			o.log.Warn("in-game announce failed", logx.Int("seconds", c), logx.Err(err))
		}
		o.notify(ctx, msg, notifier.Warning)
	}
	return o.sleepChecked(ctx, remaining, current)
}

func (o *orchestrator) sleepChecked(ctx context.Context, d time.Duration, current func() bool) error {
	if !current() {
		return errSuperseded
	}
	if err := o.clock.Sleep(ctx, d); err != nil {
		if !current() {
			return errSuperseded
		}
		return err
	}
	if !current() {
		return errSuperseded
	}
	return nil
}

var errSuperseded = errors.New("superseded by a newer generation")

func checkpointsWithin(lead time.Duration) []int {
	var out []int
	for _, c := range checkpoints {
		if time.Duration(c)*time.Second <= lead {
			out = append(out, c)
		}
	}
	return out
}

// waitForStop pings every second until the peer stops answering or timeout
// has passed on the clock. Time spent inside Ping counts against timeout.
func (o *orchestrator) waitForStop(ctx context.Context, peer Peer, timeout time.Duration) (time.Duration, bool) {
	start := o.clock.Now()
	deadline := start.Add(timeout)
	for {
		if err := peer.Ping(ctx); err != nil {
			o.log.Debug("server no longer answering", logx.Err(err))
			return o.clock.Now().Sub(start), true
		}
		if !o.clock.Now().Before(deadline) {
			return o.clock.Now().Sub(start), false
		}
		if err := o.clock.Sleep(ctx, stopPollInterval); err != nil {
			return o.clock.Now().Sub(start), false
		}
	}
}

func (o *orchestrator) enter(job *RestartJob, st Stage) {
	job.mu.Lock()
	job.stage = st
	job.mu.Unlock()
	o.bus.Publish(eventbus.Event{Type: eventbus.RestartStage, Time: o.clock.Now(), Data: eventbus.StageData{JobID: job.ID, Stage: string(st), Reason: job.Reason}})
}

func (o *orchestrator) record(job *RestartJob, st Stage, detail string, err error) {
	r := StageResult{Stage: st, At: o.clock.Now(), Detail: detail}
	if err != nil {
		r.Err = err.Error()
		o.log.Warn("restart stage error", logx.String("job", job.ID), logx.String("stage", string(st)), logx.Err(err))
	}
	job.mu.Lock()
	job.results = append(job.results, r)
	job.mu.Unlock()
}

func (o *orchestrator) fail(ctx context.Context, job *RestartJob, st Stage, err error) {
	o.record(job, st, "", err)
	if !errors.Is(err, errSuperseded) {
		o.notify(context.WithoutCancel(ctx), "Restart aborted: "+err.Error(), notifier.Critical)
	}
	o.finish(job, StageFailed, err)
}

func (o *orchestrator) finish(job *RestartJob, st Stage, err error) {
	now := o.clock.Now()
	job.mu.Lock()
	job.stage = st
	job.finished = now
	job.mu.Unlock()
	d := eventbus.StageData{JobID: job.ID, Stage: string(st), Reason: job.Reason}
	if err != nil {
		d.Error = err.Error()
	}
	o.bus.Publish(eventbus.Event{Type: eventbus.RestartDone, Time: now, Data: d})
}

func (o *orchestrator) publishSave(job *RestartJob, status SaveStatus, err error) {
	d := eventbus.OutcomeData{Source: "restart", Action: "save", Target: job.ID, Detail: string(status)}
	if err != nil {
		d.Error = err.Error()
	}
	o.bus.Publish(eventbus.Event{Type: eventbus.SaveDone, Time: o.clock.Now(), Data: d})
}
