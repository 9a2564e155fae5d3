package config

import (
	"strings"

	"github.com/cockroachdb/errors"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Status    StatusConfig    `json:"status,omitempty"`

	// Groups are ensured to exist at startup (idempotent).
	//
	// Example:
	//
	//	"groups": ["1st Year", "2nd Year", "3rd Year", "4th Year"]
	Groups []string `json:"groups,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// APIURL overrides the Bot API endpoint (local bot-api servers, tests).
	APIURL string `json:"api_url,omitempty"`
	// Timeout is a Go duration string applied to each HTTP call to the Bot API.
	Timeout string `json:"timeout,omitempty"`
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

// StorageConfig selects the job store backend.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
//   - "bolt": bbolt key/value file
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the polling loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "15s"
//   - error_backoff: "5s"
//   - shutdown_grace: "10s"
type SchedulerConfig struct {
	// Enabled is a pointer so we can distinguish "omitted" (default true)
	// from an explicit false.
	Enabled       *bool  `json:"enabled,omitempty"`
	TickInterval  string `json:"tick_interval,omitempty"`
	ErrorBackoff  string `json:"error_backoff,omitempty"`
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
}

// BroadcastConfig controls the delivery worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 20
//   - queue_size: 20000
//   - rate_per_sec: 25
//   - retry_max: 3
//   - retry_base: "500ms"
//   - retry_jitter: 0 (plain exponential backoff)
type BroadcastConfig struct {
	Workers     int     `json:"workers,omitempty"`
	QueueSize   int     `json:"queue_size,omitempty"`
	RatePerSec  int     `json:"rate_per_sec,omitempty"`
	RetryMax    int     `json:"retry_max,omitempty"`
	RetryBase   string  `json:"retry_base,omitempty"`
	RetryJitter float64 `json:"retry_jitter,omitempty"`
}

// StatusConfig controls the read-only HTTP status endpoint.
//
// A non-loopback Addr requires Token.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8089"
	Token   string `json:"token,omitempty"`
}

// SchedulerEnabled reports scheduler.enabled with its default applied.
func (c *Config) SchedulerEnabled() bool {
	if c == nil || c.Scheduler.Enabled == nil {
		return true
	}
	return *c.Scheduler.Enabled
}

// Validate checks static constraints that don't need any runtime dependency.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "bolt", "bbolt":
	default:
		return errors.Newf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	for path, raw := range c.durationFields() {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	b := c.Broadcast
	if b.Workers < 0 || b.QueueSize < 0 || b.RatePerSec < 0 || b.RetryMax < 0 {
		return errors.New("broadcast: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}
	if b.RetryJitter < 0 || b.RetryJitter > 1 {
		return errors.Newf("broadcast.retry_jitter: must be within [0,1], got %v", b.RetryJitter)
	}
	seen := make(map[string]struct{}, len(c.Groups))
	for _, g := range c.Groups {
		name := strings.TrimSpace(g)
		if name == "" {
			return errors.New("groups: empty group name")
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			return errors.Newf("groups: duplicate group %q", name)
		}
		seen[key] = struct{}{}
	}
	return nil
}
