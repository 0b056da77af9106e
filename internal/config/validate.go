package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"fleetbeat/internal/fleet"
	"fleetbeat/pkg/logx"
)

var ErrInvalid = errors.New("invalid config")

var reHexColor = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

func fieldErr(path string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
}

func fleetPath(i int, id, field string) string {
	if id == "" {
		return fmt.Sprintf("fleet[%d].%s", i, field)
	}
	return fmt.Sprintf("fleet[%s].%s", id, field)
}

// Validate checks every section and reports all problems at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		errs = append(errs, fieldErr("logging.level", fmt.Errorf("unknown level %q", lv)))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, fieldErr("logging.file.path", errors.New("required when file logging is enabled")))
	}

	sc := cfg.Scheduler
	if _, err := ParseDurationField("scheduler.tick_interval", sc.TickInterval); err != nil {
		errs = append(errs, err)
	}
	if sc.MaxConcurrentExecutions < 0 {
		errs = append(errs, fieldErr("scheduler.max_concurrent_executions", errors.New("must be >= 0")))
	}
	if sc.OptimizationCycleLength < 0 {
		errs = append(errs, fieldErr("scheduler.optimization_cycle_length", errors.New("must be >= 0")))
	}
	if sc.QueryMaxNodes < 0 {
		errs = append(errs, fieldErr("scheduler.query_max_nodes", errors.New("must be >= 0")))
	}
	for i, c := range sc.ColorPalette {
		if !reHexColor.MatchString(c) {
			errs = append(errs, fieldErr(fmt.Sprintf("scheduler.color_palette[%d]", i), fmt.Errorf("%q is not #rrggbb", c)))
		}
	}

	if _, err := ParseDurationField("history.retention", cfg.History.Retention); err != nil {
		errs = append(errs, err)
	}
	if cfg.History.MaxNodes < 0 {
		errs = append(errs, fieldErr("history.max_nodes", errors.New("must be >= 0")))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Adapter.Mode)) {
	case "", "dry-run", "dryrun":
	default:
		errs = append(errs, fieldErr("adapter.mode", fmt.Errorf("unknown mode %q", cfg.Adapter.Mode)))
	}
	if cfg.Adapter.RatePerSec < 0 {
		errs = append(errs, fieldErr("adapter.rate_per_sec", errors.New("must be >= 0")))
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, fieldErr("storage.path", errors.New("required")))
			}
		default:
			errs = append(errs, fieldErr("storage.driver", fmt.Errorf("unknown driver %q", st.Driver)))
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("storage.retention", st.Retention); err != nil {
			errs = append(errs, err)
		}
	}

	if d := cfg.Debug; d.Enabled && strings.TrimSpace(d.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(d.Addr)); err != nil {
			errs = append(errs, fieldErr("debug.addr", err))
		}
	}

	agents, err := cfg.Agents()
	if err != nil {
		errs = append(errs, err)
	} else if err := fleet.Validate(agents); err != nil {
		errs = append(errs, fmt.Errorf("%w: fleet: %w", ErrInvalid, err))
	}
	return errors.Join(errs...)
}
