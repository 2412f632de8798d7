package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"palctl/internal/config"
	"palctl/internal/control"
	"palctl/internal/httpapi"
)

// validateConfig runs the checks that need more than struct tags. It is
// installed as the config manager's validator so a bad hot reload or API
// replace never reaches the running components.
func validateConfig(_ context.Context, cfg *config.Config) error {
	var errs []error
	if _, err := control.SettingsFrom(cfg); err != nil {
		errs = append(errs, err)
	}
	if cfg.HTTP.Enabled {
		if err := httpapi.CheckBind(httpapi.ConfigFrom(cfg.HTTP)); err != nil {
			errs = append(errs, err)
		}
	}
	if sc := cfg.Storage; sc != nil {
		driver := strings.ToLower(strings.TrimSpace(sc.Driver))
		if driver == "sqlite" && strings.TrimSpace(sc.Path) == "" {
			errs = append(errs, errors.New("storage.path is required when storage.driver=sqlite"))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", config.ErrInvalid, errors.Join(errs...))
}
