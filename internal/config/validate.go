package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
			_, _, err := ParseClock(fl.Field().String())
			return err == nil
		})
		_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			_, err := ParseDuration("", fl.Field().String())
			return err == nil
		})
		validate = v
	})
	return validate
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Validate checks struct tags and cross-field rules. The returned error lists
// every violation, one per line.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var msgs []string
	if err := validatorInstance().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", trimNamespace(fe.Namespace()), fe.Tag(), redactValue(fe)))
		}
	}

	if strings.TrimSpace(cfg.Restart.RelaunchCommand) != "" && strings.TrimSpace(cfg.Restart.RelaunchUnit) != "" {
		msgs = append(msgs, "restart: relaunch_command and relaunch_unit are mutually exclusive")
	}
	if cfg.Notify.Telegram.Token != "" && cfg.Notify.Telegram.ChatID == 0 {
		msgs = append(msgs, "notify.telegram.chat_id: required when token is set")
	}
	if cfg.HTTP.Enabled && strings.TrimSpace(cfg.HTTP.Addr) == "" {
		msgs = append(msgs, "http.addr: required when http is enabled")
	}

	if len(msgs) > 0 {
		return fmt.Errorf("%w:\n  %s", ErrInvalid, strings.Join(msgs, "\n  "))
	}
	return nil
}

func trimNamespace(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func redactValue(fe validator.FieldError) any {
	switch fe.Field() {
	case "password", "token", "webhook_url":
		return "<redacted>"
	}
	return fe.Value()
}

// ParseClock parses a 24h "HH:MM" clock time.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock time %q (want HH:MM)", s)
	}
	return t.Hour(), t.Minute(), nil
}
