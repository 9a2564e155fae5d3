package app

import (
	"context"
	"strings"
	"time"

	"batchcast/internal/broadcast"
	"batchcast/internal/config"
	"batchcast/internal/observability/status"
	"batchcast/internal/scheduler"
	"batchcast/internal/storage"
	"batchcast/internal/transport/telegram"
	logx "batchcast/pkg/logx"
)

const defaultRatePerSec = 25

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		APIURL:      cfg.Telegram.APIURL,
		PollTimeout: timeout,
	}, nil
}

// schedulerSettings is the scheduler config plus the app-level shutdown grace.
type schedulerSettings struct {
	scheduler.Config
	Enabled       bool
	ShutdownGrace time.Duration
}

func mapSchedulerConfig(cfg *config.Config) (schedulerSettings, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, 15*time.Second)
	if err != nil {
		return schedulerSettings{}, err
	}
	backoff, err := config.ParseDurationOrDefault("scheduler.error_backoff", cfg.Scheduler.ErrorBackoff, 5*time.Second)
	if err != nil {
		return schedulerSettings{}, err
	}
	grace, err := config.ParseDurationOrDefault("scheduler.shutdown_grace", cfg.Scheduler.ShutdownGrace, 10*time.Second)
	if err != nil {
		return schedulerSettings{}, err
	}
	return schedulerSettings{
		Config:        scheduler.Config{TickInterval: tick, ErrorBackoff: backoff},
		Enabled:       cfg.SchedulerEnabled(),
		ShutdownGrace: grace,
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, float64, error) {
	b := cfg.Broadcast
	base, err := config.ParseDurationOrDefault("broadcast.retry_base", b.RetryBase, 500*time.Millisecond)
	if err != nil {
		return broadcast.Config{}, 0, err
	}
	rate := float64(b.RatePerSec)
	if rate <= 0 {
		rate = defaultRatePerSec
	}
	// 0 means omitted, as with the other counters.
	retryMax := b.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	return broadcast.Config{
		Workers:     b.Workers,
		QueueSize:   b.QueueSize,
		RetryMax:    retryMax,
		RetryBase:   base,
		RetryJitter: b.RetryJitter,
	}, rate, nil
}

func mapStatusConfig(cfg *config.Config) status.Config {
	return status.Config{Addr: cfg.Status.Addr, Token: cfg.Status.Token}
}

// OpenStore opens the configured store without starting any service.
// Configured groups are seeded as on startup.
func OpenStore(ctx context.Context, cfgPath string, log logx.Logger) (storage.Store, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	if err := seedGroups(ctx, st, cfg.Groups, log); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}
