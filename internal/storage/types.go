package storage

import (
	"context"
	"errors"
	"time"

	"palctl/internal/config"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage. An empty or "none" driver disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ConfigFrom converts the storage section; nil means disabled.
func ConfigFrom(sc *config.StorageConfig) Config {
	if sc == nil {
		return Config{}
	}
	bt, _ := config.ParseDuration("storage.busy_timeout", sc.BusyTimeout)
	return Config{Driver: sc.Driver, Path: sc.Path, BusyTimeout: bt}
}

// AuditEntry records one command or outcome. Keep it schema-stable.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Source string    `json:"source"`
	Action string    `json:"action"`
	Target string    `json:"target,omitempty"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
	TookMS int64     `json:"took_ms,omitempty"`
	// MetaJSON is an optional compact JSON object.
	MetaJSON string `json:"meta,omitempty"`
}

// Store is the persistence API used by the audit recorder and the HTTP API.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns up to limit entries, newest first.
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	Close() error
}
