package config

import (
	"reflect"
	"sort"
	"strings"

	logx "palctl/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens
// or passwords).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Server (never log password)
	if strings.TrimSpace(oldCfg.Server.BaseURL) != strings.TrimSpace(newCfg.Server.BaseURL) ||
		oldCfg.Server.Password != newCfg.Server.Password ||
		strings.TrimSpace(oldCfg.Server.Timeout) != strings.TrimSpace(newCfg.Server.Timeout) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.base_url", strings.TrimSpace(newCfg.Server.BaseURL)),
			logx.Bool("server.password_set", newCfg.Server.Password != ""),
			logx.Bool("server.password_changed", oldCfg.Server.Password != newCfg.Server.Password),
		)
	}

	if oldCfg.Control != newCfg.Control {
		changed = append(changed, "control")
		attrs = append(attrs,
			logx.Bool("control.actions_enabled", newCfg.Control.ActionsEnabled),
			logx.String("control.autosave_interval", newCfg.Control.AutosaveInterval),
			logx.String("control.backup_interval", newCfg.Control.BackupInterval),
			logx.String("control.poll_interval", newCfg.Control.PollInterval),
			logx.String("control.timezone", newCfg.Control.Timezone),
		)
	}

	if !reflect.DeepEqual(oldCfg.Restart, newCfg.Restart) {
		changed = append(changed, "restart")
		attrs = append(attrs,
			logx.Strings("restart.times", newCfg.Restart.Times),
			logx.String("restart.lead", newCfg.Restart.Lead),
			logx.Bool("restart.relaunch_command_set", strings.TrimSpace(newCfg.Restart.RelaunchCommand) != ""),
			logx.String("restart.relaunch_unit", newCfg.Restart.RelaunchUnit),
		)
	}

	if oldCfg.Backup != newCfg.Backup {
		changed = append(changed, "backup")
		attrs = append(attrs,
			logx.String("backup.source", newCfg.Backup.Source),
			logx.String("backup.destination", newCfg.Backup.Destination),
			logx.String("backup.retention", newCfg.Backup.Retention),
		)
	}

	// Notify (never log webhook URL or bot token)
	if oldCfg.Notify != newCfg.Notify {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", newCfg.Notify.Enabled),
			logx.Bool("notify.webhook_set", newCfg.Notify.WebhookURL != ""),
			logx.Bool("notify.telegram_set", newCfg.Notify.Telegram.Token != ""),
			logx.Int("notify.rate_per_sec", newCfg.Notify.RatePerSec),
			logx.Int("notify.retry_max", newCfg.Notify.RetryMax),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage. Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver = strings.TrimSpace(s.Driver)
		oBusy = strings.TrimSpace(s.BusyTimeout)
		oPathSet = strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver = strings.TrimSpace(s.Driver)
		nBusy = strings.TrimSpace(s.BusyTimeout)
		nPathSet = strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// HTTP (never log token)
	if oldCfg.HTTP.Enabled != newCfg.HTTP.Enabled ||
		strings.TrimSpace(oldCfg.HTTP.Addr) != strings.TrimSpace(newCfg.HTTP.Addr) ||
		oldCfg.HTTP.AllowInsecure != newCfg.HTTP.AllowInsecure ||
		oldCfg.HTTP.Token != newCfg.HTTP.Token {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
			logx.Bool("http.allow_insecure", newCfg.HTTP.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
