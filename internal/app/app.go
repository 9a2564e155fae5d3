package app

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/daemon"

	"batchcast/internal/broadcast"
	"batchcast/internal/config"
	"batchcast/internal/eventbus"
	"batchcast/internal/observability/status"
	"batchcast/internal/ratelimit"
	"batchcast/internal/runtime/supervisor"
	"batchcast/internal/scheduler"
	"batchcast/internal/storage"
	"batchcast/internal/transport"
	"batchcast/internal/transport/telegram"
	logx "batchcast/pkg/logx"
)

// Transport is the messaging platform: outbound sends plus inbound registration.
type Transport interface {
	transport.Sender
	Start(ctx context.Context, reg transport.Registrar) error
	Stop(ctx context.Context) error
}

type Option func(*options)

type options struct {
	transport Transport
}

// WithTransport replaces the Telegram adapter.
func WithTransport(t Transport) Option {
	return func(o *options) { o.transport = t }
}

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service

	store     storage.Store
	bus       eventbus.Bus
	events    *eventbus.Recorder
	limiter   *ratelimit.Limiter
	transport Transport
	bcast     *broadcast.Service
	sched     *scheduler.Service
	schedCfg  schedulerSettings
	status    *status.Server

	sup *supervisor.Supervisor
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	appLog := log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	bcfg, rate, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}

	tr := o.transport
	if tr == nil {
		tcfg, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		tr = ad
	}

	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if err := seedGroups(context.Background(), st, cfg.Groups, appLog); err != nil {
		_ = st.Close()
		return nil, err
	}

	bus := eventbus.New()
	rec := eventbus.NewRecorder(200)
	lim := ratelimit.New(rate)
	bcast := broadcast.New(bcfg, tr, lim, log.With(logx.String("comp", "broadcast")))
	sched := scheduler.New(schedCfg.Config, st, st, bcast,
		log.With(logx.String("comp", "scheduler")),
		scheduler.WithEventBus(bus),
	)

	var statusSrv *status.Server
	if cfg.Status.Enabled {
		statusSrv = status.NewServer(mapStatusConfig(cfg), status.Deps{
			Dispatch:  bcast,
			Scheduler: sched,
			Jobs:      st,
			Events:    rec,
		}, log)
	}

	appLog.Info("app configured",
		logx.String("storage", sc.Driver),
		logx.Float64("rate_per_sec", rate),
		logx.Int("workers", bcast.Config().Workers),
		logx.Bool("scheduler", schedCfg.Enabled),
		logx.Bool("status", statusSrv != nil),
	)

	return &App{
		cfgm:      cfgm,
		log:       appLog,
		logs:      logSvc,
		store:     st,
		bus:       bus,
		events:    rec,
		limiter:   lim,
		transport: tr,
		bcast:     bcast,
		sched:     sched,
		schedCfg:  schedCfg,
		status:    statusSrv,
	}, nil
}

func seedGroups(ctx context.Context, st storage.Store, names []string, log logx.Logger) error {
	if len(names) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return storage.WithRetry(ctx, log, "seed groups", func(ctx context.Context) error {
		groups, err := st.EnsureGroups(ctx, names)
		if err == nil {
			log.Info("groups ensured", logx.Int("count", len(groups)))
		}
		return err
	})
}

func (a *App) Store() storage.Store          { return a.store }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Broadcast() *broadcast.Service { return a.bcast }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()

	a.sup.Go0("events.record", func(c context.Context) { a.events.Run(c, a.bus) })

	// The pool and in-flight executions outlive the app context; Stop drains them in order.
	a.bcast.Start(context.WithoutCancel(ctx))
	if a.schedCfg.Enabled {
		if err := a.sched.Start(c); err != nil {
			return err
		}
	} else {
		a.log.Info("scheduler disabled by config")
	}
	if err := a.transport.Start(c, &registrar{store: a.store}); err != nil {
		return errors.Wrap(err, "start transport")
	}
	if a.status != nil {
		if err := a.status.Start(c); err != nil {
			return err
		}
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", a.watchdog)

	notifySystemd(a.log, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifySystemd(a.log, daemon.SdNotifyStopping)

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Scheduler first: its in-flight executions still enqueue into the pool.
	step("scheduler", a.schedCfg.ShutdownGrace, a.sched.Stop)
	step("transport", 3*time.Second, a.transport.Stop)
	step("broadcast", 5*time.Second, func(c context.Context) error {
		a.drainQueue(c)
		a.bcast.Stop(c)
		return nil
	})
	step("status", time.Second, func(c context.Context) error {
		if a.status != nil {
			a.status.Stop(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Stop(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// drainQueue waits until the dispatch queue is empty or ctx ends.
func (a *App) drainQueue(ctx context.Context) {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for a.bcast.Stats().QueueLen > 0 {
		select {
		case <-ctx.Done():
			a.log.Warn("dispatch queue not drained", logx.Int("pending", a.bcast.Stats().QueueLen))
			return
		case <-t.C:
		}
	}
}
