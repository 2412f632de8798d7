package config

// Config is the single palctl configuration document.
//
// All durations are Go duration strings (e.g. "500ms", "15m", "72h").
type Config struct {
	Server  ServerConfig   `json:"server"`
	Control ControlConfig  `json:"control"`
	Restart RestartConfig  `json:"restart"`
	Backup  BackupConfig   `json:"backup"`
	Notify  NotifyConfig   `json:"notify"`
	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`
	HTTP    HTTPConfig     `json:"http"`
}

// ServerConfig points at the game server's REST control API.
//
// BaseURL may be given with or without the "/v1/api" suffix; the client
// tries both shapes.
type ServerConfig struct {
	BaseURL  string `json:"base_url" validate:"omitempty,url"`
	Password string `json:"password,omitempty"` // admin password (do not log)
	Timeout  string `json:"timeout,omitempty" validate:"omitempty,duration"`
}

type ControlConfig struct {
	// ActionsEnabled gates every action-performing command and loop.
	ActionsEnabled bool `json:"actions_enabled"`

	AutosaveInterval string `json:"autosave_interval,omitempty" validate:"omitempty,duration"`
	BackupInterval   string `json:"backup_interval,omitempty" validate:"omitempty,duration"`
	// PollInterval enables the background player poll. "0s" or empty disables it.
	PollInterval string `json:"poll_interval,omitempty" validate:"omitempty,duration"`

	// Timezone for daily restart times. Empty means the host's local zone.
	Timezone string `json:"timezone,omitempty" validate:"omitempty,timezone"`
}

type RestartConfig struct {
	// Times are daily clock times in "HH:MM" (24h).
	Times []string `json:"times,omitempty" validate:"dive,hhmm"`
	Lead  string   `json:"lead,omitempty" validate:"omitempty,duration"`

	// AutoStart starts the scheduler on boot. Nil means true.
	AutoStart *bool `json:"auto_start,omitempty"`

	RelaunchCommand string `json:"relaunch_command,omitempty"`
	// RelaunchUnit is a systemd unit started over D-Bus instead of a command.
	RelaunchUnit string `json:"relaunch_unit,omitempty"`
	StopTimeout  string `json:"stop_timeout,omitempty" validate:"omitempty,duration"`
}

type BackupConfig struct {
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
	Retention   string `json:"retention,omitempty" validate:"omitempty,duration"`
	Prefix      string `json:"prefix,omitempty"`
}

// NotifyConfig controls the async notification pipeline and its sinks.
type NotifyConfig struct {
	Enabled    bool           `json:"enabled"`
	WebhookURL string         `json:"webhook_url,omitempty" validate:"omitempty,url"` // do not log
	Telegram   TelegramConfig `json:"telegram"`

	RatePerSec    int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
	RetryMax      int    `json:"retry_max,omitempty" validate:"gte=0"`
	RetryBase     string `json:"retry_base,omitempty" validate:"omitempty,duration"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty" validate:"omitempty,duration"`
	DedupWindow   string `json:"dedup_window,omitempty" validate:"omitempty,duration"`
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"` // do not log
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty" validate:"gte=0"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional audit trail.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./palctl_audit.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none file sqlite"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty" validate:"omitempty,duration"` // sqlite
}

// HTTPConfig controls the local command API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8212").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8212"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// Default returns the document written when no config file exists yet.
func Default() *Config {
	autoStart := true
	return &Config{
		Control: ControlConfig{
			ActionsEnabled:   true,
			AutosaveInterval: "15m",
			BackupInterval:   "30m",
			PollInterval:     "0s",
		},
		Restart: RestartConfig{
			Lead:        "60s",
			AutoStart:   &autoStart,
			StopTimeout: "120s",
		},
		Backup: BackupConfig{
			Retention: "72h",
			Prefix:    "palworld-save-",
		},
		Notify: NotifyConfig{
			RatePerSec:    1,
			RetryMax:      3,
			RetryBase:     "500ms",
			RetryMaxDelay: "10s",
			DedupWindow:   "30s",
		},
		Logging: LoggingConfig{Level: "info", Console: true},
		HTTP:    HTTPConfig{Addr: "127.0.0.1:8212"},
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Restart.Times != nil {
		cp.Restart.Times = append([]string(nil), c.Restart.Times...)
	}
	if c.Restart.AutoStart != nil {
		v := *c.Restart.AutoStart
		cp.Restart.AutoStart = &v
	}
	if c.Storage != nil {
		s := *c.Storage
		cp.Storage = &s
	}
	return &cp
}

const redacted = "********"

// Redacted returns a copy safe to hand to API clients: secrets are masked.
func (c *Config) Redacted() *Config {
	cp := c.Clone()
	if cp == nil {
		return nil
	}
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&cp.Server.Password)
	mask(&cp.Notify.WebhookURL)
	mask(&cp.Notify.Telegram.Token)
	mask(&cp.HTTP.Token)
	return cp
}

// RestoreRedacted copies secrets from prev into fields of c that still hold
// the redaction mask, so a client can round-trip a redacted document.
func (c *Config) RestoreRedacted(prev *Config) {
	if c == nil || prev == nil {
		return
	}
	keep := func(dst *string, src string) {
		if *dst == redacted {
			*dst = src
		}
	}
	keep(&c.Server.Password, prev.Server.Password)
	keep(&c.Notify.WebhookURL, prev.Notify.WebhookURL)
	keep(&c.Notify.Telegram.Token, prev.Notify.Telegram.Token)
	keep(&c.HTTP.Token, prev.HTTP.Token)
}
