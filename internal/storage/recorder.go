package storage

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"palctl/internal/eventbus"
	"palctl/pkg/logx"
)

// Recorder writes audit entries for control-plane events until ctx is done
// or the subscription closes.
type Recorder struct {
	store Store
	log   logx.Logger
}

func NewRecorder(store Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log}
}

func (r *Recorder) Run(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			entry, keep := EntryFor(e)
			if !keep {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := r.store.AppendAudit(wctx, entry)
			cancel()
			if err != nil {
				r.log.Warn("audit append failed", logx.String("action", entry.Action), logx.Err(err))
			}
		}
	}
}

// EntryFor maps an event to an audit entry. Events with no audit meaning
// report false.
func EntryFor(e eventbus.Event) (AuditEntry, bool) {
	entry := AuditEntry{At: e.Time}
	switch d := e.Data.(type) {
	case eventbus.OutcomeData:
		switch e.Type {
		case eventbus.SaveDone, eventbus.BackupDone, eventbus.OperatorCmd:
		default:
			return AuditEntry{}, false
		}
		entry.Source = d.Source
		entry.Action = d.Action
		entry.Target = d.Target
		entry.OK = d.Error == ""
		entry.Error = d.Error
		entry.TookMS = d.Duration.Milliseconds()
		if d.Detail != "" {
			entry.MetaJSON = metaJSON(map[string]string{"detail": d.Detail})
		}
	case eventbus.StageData:
		if e.Type != eventbus.RestartStage && e.Type != eventbus.RestartDone {
			return AuditEntry{}, false
		}
		entry.Source = "restart"
		entry.Action = e.Type
		entry.Target = d.JobID
		entry.OK = d.Error == ""
		entry.Error = d.Error
		entry.MetaJSON = metaJSON(map[string]string{"stage": d.Stage, "reason": d.Reason})
	default:
		return AuditEntry{}, false
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	return entry, true
}

func metaJSON(m map[string]string) string {
	for k, v := range m {
		if v == "" {
			delete(m, k)
		}
	}
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
