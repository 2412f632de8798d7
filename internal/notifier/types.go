package notifier

import (
	"context"
	"time"

	"palctl/internal/config"
)

type Severity int

const (
	Info Severity = iota
	Warning
	Critical
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return "info"
	}
}

func (s Severity) prefix() string {
	switch s {
	case Critical:
		return "🚨 "
	case Warning:
		return "⚠️ "
	default:
		return ""
	}
}

// Sink is one delivery channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// ConfigFrom converts the notify section. Fields already passed validation,
// so unparsable durations fall back to defaults.
func ConfigFrom(nc config.NotifyConfig) Config {
	base, _ := config.DurationOr("notify.retry_base", nc.RetryBase, 500*time.Millisecond)
	maxDelay, _ := config.DurationOr("notify.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	dedup, _ := config.DurationOr("notify.dedup_window", nc.DedupWindow, 30*time.Second)
	return Config{
		Enabled:       nc.Enabled,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   dedup,
	}
}

type HistoryItem struct {
	At       time.Time `json:"at"`
	Severity string    `json:"severity"`
	Text     string    `json:"text"`
	// Delivered names the sinks that accepted the message.
	Delivered []string `json:"delivered,omitempty"`
}
