package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ParseDurationField parses a Go duration string; a bare integer is taken
// as seconds. Empty means zero. path names the field in error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var d time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, errors.Newf("%s: %q is not a duration (want e.g. \"15s\" or \"1m\")", path, raw)
	}
	if d < 0 {
		return 0, errors.Newf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// durationFields lists every duration in c keyed by its config path.
func (c *Config) durationFields() map[string]string {
	return map[string]string{
		"telegram.timeout":         c.Telegram.Timeout,
		"storage.busy_timeout":     c.Storage.BusyTimeout,
		"scheduler.tick_interval":  c.Scheduler.TickInterval,
		"scheduler.error_backoff":  c.Scheduler.ErrorBackoff,
		"scheduler.shutdown_grace": c.Scheduler.ShutdownGrace,
		"broadcast.retry_base":     c.Broadcast.RetryBase,
	}
}
