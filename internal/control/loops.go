package control

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"palctl/internal/eventbus"
	"palctl/internal/notifier"
	"palctl/internal/palapi"
	"palctl/internal/runtime/generation"
	"palctl/internal/session"
	"palctl/pkg/logx"
)

// BackupResult describes one finished backup.
type BackupResult struct {
	Path   string   `json:"path"`
	Pruned []string `json:"pruned,omitempty"`
}

func (c *Controller) loopLogger(tok generation.Token) logx.Logger {
	return c.log.With(logx.String("loop", string(tok.Role())), logx.Uint64("gen", tok.Gen()))
}

// loopExit reports a loop that noticed it was superseded.
func (c *Controller) loopExit(tok generation.Token, log logx.Logger) {
	if tok.Current() {
		log.Debug("loop exited")
		return
	}
	log.Debug("loop superseded")
	c.bus.Publish(eventbus.Event{
		Type: eventbus.LoopStale,
		Time: c.clock.Now(),
		Data: eventbus.LoopData{Role: string(tok.Role()), Gen: tok.Gen()},
	})
}

func (c *Controller) autosaveLoop(snap Snapshot) loopFunc {
	return func(wake, op context.Context, tok generation.Token) {
		log := c.loopLogger(tok)
		defer c.loopExit(tok, log)
		peer, err := c.peerFor(snap)
		if err != nil {
			log.Error("cannot build server client; autosave stopped", logx.Err(err))
			return
		}
		for tok.Wait(wake, c.clock, snap.Settings.Autosave) {
			if !snap.Settings.ActionsEnabled {
				log.Debug("actions disabled; autosave skipped")
				continue
			}
			c.autosave(op, peer, log)
		}
	}
}

func (c *Controller) autosave(ctx context.Context, peer Peer, log logx.Logger) {
	c.notify(ctx, "Autosave started.", notifier.Info)
	start := c.clock.Now()
	status, rep, err := c.saver.save(ctx, peer)
	took := c.clock.Now().Sub(start)
	c.publishOutcome(eventbus.SaveDone, "autosave", "save", "", string(status), err, took)
	switch {
	case err != nil:
		log.Warn("autosave failed", logx.Int("attempts", rep.Attempts()), logx.Err(err))
		c.notify(ctx, "Autosave failed: "+err.Error(), notifier.Warning)
	case status == SaveInProgress:
		log.Info("autosave skipped; a save is already in progress")
	default:
		log.Info("autosave complete", logx.Duration("took", took))
		c.notify(ctx, "Autosave complete.", notifier.Info)
	}
}

func (c *Controller) backupLoop(snap Snapshot) loopFunc {
	return func(wake, op context.Context, tok generation.Token) {
		log := c.loopLogger(tok)
		defer c.loopExit(tok, log)
		for tok.Wait(wake, c.clock, snap.Settings.Backup) {
			if !snap.Settings.ActionsEnabled {
				log.Debug("actions disabled; backup skipped")
				continue
			}
			if _, err := c.runBackup(op, snap.Settings, "backup_loop"); err != nil {
				log.Warn("backup failed", logx.Err(err))
			}
		}
	}
}

// runBackup archives the save directory and prunes archives past retention.
// A prune failure is reported but does not fail the backup.
func (c *Controller) runBackup(ctx context.Context, s Settings, source string) (BackupResult, error) {
	if s.BackupSource == "" {
		return BackupResult{}, ErrBackupNotConfigured
	}
	start := c.clock.Now()
	path, err := c.archiver.Archive(ctx, s.BackupSource, s.BackupDestination, s.BackupPrefix)
	if err != nil {
		c.notify(ctx, "Backup failed: "+err.Error(), notifier.Warning)
		c.publishOutcome(eventbus.BackupDone, source, "backup", s.BackupDestination, "", err, c.clock.Now().Sub(start))
		return BackupResult{}, fmt.Errorf("backup: %w", err)
	}
	res := BackupResult{Path: path}
	removed, perr := c.archiver.Prune(s.BackupDestination, s.BackupPrefix, s.Retention, c.clock.Now())
	res.Pruned = removed
	took := c.clock.Now().Sub(start)

	msg := "Backup created: " + filepath.Base(path)
	if len(removed) > 0 {
		msg += fmt.Sprintf(" (pruned %d old)", len(removed))
	}
	c.notify(ctx, msg, notifier.Info)
	if perr != nil {
		c.log.Warn("backup prune failed", logx.String("dir", s.BackupDestination), logx.Err(perr))
		c.notify(ctx, "Pruning old backups failed: "+perr.Error(), notifier.Warning)
	}
	c.log.Info("backup created",
		logx.String("path", path),
		logx.Int("pruned", len(removed)),
		logx.Duration("took", took),
	)
	c.publishOutcome(eventbus.BackupDone, source, "backup", s.BackupDestination, path, nil, took)
	return res, nil
}

func (c *Controller) pollLoop(snap Snapshot) loopFunc {
	return func(wake, op context.Context, tok generation.Token) {
		log := c.loopLogger(tok)
		defer c.loopExit(tok, log)
		peer, err := c.peerFor(snap)
		if err != nil {
			log.Error("cannot build server client; player poll stopped", logx.Err(err))
			return
		}
		for tok.Wait(wake, c.clock, snap.Settings.Poll) {
			players, err := peer.Players(op)
			if err != nil {
				log.Warn("player poll failed", logx.Err(err))
				continue
			}
			if !tok.Current() {
				return
			}
			c.observePlayers(op, players)
		}
	}
}

// observePlayers feeds one poll into the session tracker and reports joins
// and leaves.
func (c *Controller) observePlayers(ctx context.Context, players []palapi.Player) session.Change {
	now := c.clock.Now()
	ch := c.tracker.Update(players, now)
	if c.onPlayers != nil {
		c.onPlayers(len(players))
	}
	for _, r := range ch.Joined {
		c.bus.Publish(eventbus.Event{Type: eventbus.PlayerJoin, Time: now, Data: eventbus.PlayerData{ID: r.ID, Name: r.Name}})
	}
	for _, r := range ch.Left {
		c.bus.Publish(eventbus.Event{Type: eventbus.PlayerLeave, Time: now, Data: eventbus.PlayerData{ID: r.ID, Name: r.Name}})
	}
	if len(ch.Joined) > 0 {
		c.notify(ctx, "Joined: "+names(ch.Joined), notifier.Info)
	}
	if len(ch.Left) > 0 {
		c.notify(ctx, "Left: "+names(ch.Left), notifier.Info)
	}
	return ch
}

func names(rs []session.Record) string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Name)
	}
	return strings.Join(out, ", ")
}

// schedulerLoop fires a full restart at every configured daily time. The
// countdown is part of the wait: the loop wakes lead before the fire time so
// the shutdown lands on it.
func (c *Controller) schedulerLoop(snap Snapshot) loopFunc {
	return func(ctx, _ context.Context, tok generation.Token) {
		log := c.loopLogger(tok)
		defer c.loopExit(tok, log)
		s := snap.Settings
		peer, err := c.peerFor(snap)
		if err != nil {
			log.Error("cannot build server client; scheduler stopped", logx.Err(err))
			return
		}
		for {
			now := c.clock.Now()
			fire, ok := NextFire(now, s.Times, s.Location)
			if !ok {
				return
			}
			lead := s.Lead
			if remaining := fire.Sub(now); lead > remaining {
				lead = remaining
			}
			log.Info("next scheduled restart", logx.Time("at", fire), logx.Duration("lead", lead))
			if !tok.Wait(ctx, c.clock, fire.Sub(now)-lead) {
				return
			}
			if !s.ActionsEnabled {
				log.Info("actions disabled; scheduled restart skipped", logx.Time("at", fire))
			} else {
				c.scheduledRestart(ctx, tok, s, peer, lead, fire)
			}
			// A run that ended early must not fire twice for the same time.
			if now := c.clock.Now(); now.Before(fire) {
				if !tok.Wait(ctx, c.clock, fire.Sub(now)) {
					return
				}
			}
			if !tok.Current() {
				return
			}
		}
	}
}

func (c *Controller) scheduledRestart(ctx context.Context, tok generation.Token, s Settings, peer Peer, lead time.Duration, fire time.Time) {
	if !c.restartGate.TryLock() {
		c.log.Warn("scheduled restart skipped; another restart is running", logx.Time("at", fire))
		c.notify(ctx, "Scheduled restart skipped: another restart is already running.", notifier.Warning)
		return
	}
	job := newJob("scheduled "+fire.Format("15:04"), lead, c.clock.Now())
	c.setCurrent(job)
	defer c.clearCurrent(job)
	defer c.restartGate.Unlock()
	c.orch.run(ctx, job, s, peer, tok.Current)
}

func (c *Controller) publishOutcome(typ, source, action, target, detail string, err error, took time.Duration) {
	d := eventbus.OutcomeData{Source: source, Action: action, Target: target, Detail: detail, Duration: took}
	if err != nil {
		d.Error = err.Error()
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: c.clock.Now(), Data: d})
}
