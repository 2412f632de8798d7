package control

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"palctl/internal/archive"
	"palctl/internal/config"
)

const (
	defaultAutosave    = 15 * time.Minute
	defaultBackup      = 30 * time.Minute
	defaultLead        = 60 * time.Second
	defaultStopTimeout = 120 * time.Second
	defaultRetention   = 72 * time.Hour
)

// ClockTime is one daily restart time.
type ClockTime struct {
	Hour, Minute int
}

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// Settings is the parsed, immutable view of one configuration snapshot that
// loops and commands work from. A zero interval disables its loop.
type Settings struct {
	ActionsEnabled bool

	Autosave time.Duration
	Backup   time.Duration
	Poll     time.Duration
	Location *time.Location

	Times           []ClockTime
	Lead            time.Duration
	AutoStart       bool
	RelaunchCommand string
	RelaunchUnit    string
	StopTimeout     time.Duration

	BackupSource      string
	BackupDestination string
	Retention         time.Duration
	BackupPrefix      string
}

// SettingsFrom parses cfg. Empty fields take defaults; an explicit "0s"
// interval turns its loop off.
func SettingsFrom(cfg *config.Config) (Settings, error) {
	if cfg == nil {
		return Settings{}, errors.New("nil config")
	}
	var errs []error
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := config.Interval(path, raw, def)
		if err != nil {
			errs = append(errs, err)
			return def
		}
		return d
	}

	s := Settings{
		ActionsEnabled:  cfg.Control.ActionsEnabled,
		Autosave:        dur("control.autosave_interval", cfg.Control.AutosaveInterval, defaultAutosave),
		Backup:          dur("control.backup_interval", cfg.Control.BackupInterval, defaultBackup),
		Poll:            dur("control.poll_interval", cfg.Control.PollInterval, 0),
		Lead:            dur("restart.lead", cfg.Restart.Lead, defaultLead),
		AutoStart:       cfg.Restart.AutoStart == nil || *cfg.Restart.AutoStart,
		RelaunchCommand: strings.TrimSpace(cfg.Restart.RelaunchCommand),
		RelaunchUnit:    strings.TrimSpace(cfg.Restart.RelaunchUnit),
		StopTimeout:     dur("restart.stop_timeout", cfg.Restart.StopTimeout, defaultStopTimeout),
		BackupSource:    strings.TrimSpace(cfg.Backup.Source),
		Retention:       dur("backup.retention", cfg.Backup.Retention, defaultRetention),
		BackupPrefix:    cfg.Backup.Prefix,
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = defaultStopTimeout
	}
	if s.BackupPrefix == "" {
		s.BackupPrefix = archive.DefaultPrefix
	}

	s.Location = time.Local
	if tz := strings.TrimSpace(cfg.Control.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Errorf("control.timezone: %w", err))
		} else {
			s.Location = loc
		}
	}

	seen := map[ClockTime]bool{}
	for i, raw := range cfg.Restart.Times {
		h, m, err := config.ParseClock(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("restart.times[%d]: %w", i, err))
			continue
		}
		ct := ClockTime{Hour: h, Minute: m}
		if !seen[ct] {
			seen[ct] = true
			s.Times = append(s.Times, ct)
		}
	}
	sort.Slice(s.Times, func(i, j int) bool {
		a, b := s.Times[i], s.Times[j]
		return a.Hour*60+a.Minute < b.Hour*60+b.Minute
	})

	s.BackupDestination = strings.TrimSpace(cfg.Backup.Destination)
	if s.BackupDestination == "" {
		s.BackupDestination = defaultBackupDir()
	}
	return s, errors.Join(errs...)
}

// defaultBackupDir is ~/PalworldBackups, or ./PalworldBackups without a home.
func defaultBackupDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, "PalworldBackups")
	}
	return "PalworldBackups"
}
