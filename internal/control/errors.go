package control

import "errors"

var (
	// ErrActionsDisabled is returned before any network attempt when
	// control.actions_enabled is off.
	ErrActionsDisabled = errors.New("actions are disabled by configuration")
	// ErrRestartInProgress is returned when a full restart is already running.
	ErrRestartInProgress = errors.New("a restart is already in progress")
	// ErrBackupNotConfigured means backup.source is empty.
	ErrBackupNotConfigured = errors.New("backup source is not configured")
	// ErrNotStarted is returned by commands issued before Start or after Stop.
	ErrNotStarted = errors.New("control plane is not running")
	// ErrNoCountdown is returned when there is no countdown to cancel.
	ErrNoCountdown = errors.New("no countdown is running")
)
