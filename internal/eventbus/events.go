package eventbus

import "time"

// Event types published by the control plane.
const (
	RestartStage = "restart.stage"
	RestartDone  = "restart.done"
	SaveDone     = "save.done"
	BackupDone   = "backup.done"
	PlayerJoin   = "player.join"
	PlayerLeave  = "player.leave"
	LoopStale    = "loop.stale"
	OperatorCmd  = "operator.command"

	NotifySent    = "notifier.sent"
	NotifyFailed  = "notifier.failed"
	NotifyDeduped = "notifier.deduped"
	NotifyDropped = "notifier.dropped"
)

// StageData accompanies RestartStage and RestartDone.
type StageData struct {
	JobID  string `json:"job_id"`
	Stage  string `json:"stage"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// OutcomeData accompanies SaveDone, BackupDone and OperatorCmd.
type OutcomeData struct {
	Source   string        `json:"source"`
	Action   string        `json:"action"`
	Target   string        `json:"target,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// PlayerData accompanies PlayerJoin and PlayerLeave.
type PlayerData struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// LoopData accompanies LoopStale: a loop noticed its generation was superseded.
type LoopData struct {
	Role string `json:"role"`
	Gen  uint64 `json:"gen"`
}

// NotifyData accompanies the notifier.* events.
type NotifyData struct {
	Sink  string `json:"sink,omitempty"`
	Key   string `json:"key"`
	Error string `json:"error,omitempty"`
}
