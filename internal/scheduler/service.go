package scheduler

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"batchcast/internal/eventbus"
	"batchcast/internal/runtime/supervisor"
	"batchcast/internal/storage"
	logx "batchcast/pkg/logx"
)

func New(cfg Config, jobs storage.JobStore, recipients storage.RecipientResolver, dispatch Dispatcher, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:        cfg.withDefaults(),
		jobs:       jobs,
		recipients: recipients,
		dispatch:   dispatch,
		log:        log,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	s.exec = supervisor.New(context.Background(), supervisor.WithLogger(s.log))
	return s
}

// Start launches the polling loop. It is idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	s.started = true
	s.loop = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.loop.GoRestart("scheduler.loop", s.run,
		supervisor.WithRestartBackoff(s.cfg.ErrorBackoff, 10*s.cfg.ErrorBackoff),
	)
	s.log.Info("scheduler started",
		logx.Duration("tick", s.cfg.TickInterval),
		logx.Duration("error_backoff", s.cfg.ErrorBackoff),
	)
	return nil
}

// Stop ends the polling loop and waits for in-flight executions until ctx
// ends. Executions still running at the deadline are cancelled and their
// jobs stay due for the next start.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	loop, exec := s.loop, s.exec
	s.mu.Unlock()

	s.log.Info("stop requested", logx.Int("in_flight", len(s.running.list())))
	if loop != nil {
		_ = loop.Stop(ctx)
	}
	_ = exec.Wait(ctx)
	exec.Cancel()
	if err := ctx.Err(); err != nil {
		s.log.Warn("stop deadline reached, cancelling executions",
			logx.Int("in_flight", len(s.running.list())))
		return errors.Wrap(err, "scheduler stop")
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return nil
}

// Wait blocks until no launched execution is running or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	s.mu.Lock()
	exec := s.exec
	s.mu.Unlock()
	if err := exec.Wait(ctx); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (s *Service) run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("poll failed", logx.Err(err), logx.Duration("backoff", s.cfg.ErrorBackoff))
			if err := sleep(ctx, s.cfg.ErrorBackoff); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Tick runs one poll: every due job not already running is launched in its
// own goroutine. It returns the number of executions started.
func (s *Service) Tick(ctx context.Context) (launched int, err error) {
	now := s.now()
	s.ticks.Add(1)
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("poll panicked: %v", r)
			s.log.Error("poll panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		s.noteTick(now, err)
	}()

	due, err := s.jobs.ListDueJobs(ctx, now)
	if err != nil {
		return 0, errors.Wrap(err, "list due jobs")
	}
	for _, j := range due {
		ok, err := s.launch(j.ID)
		if err != nil {
			return launched, err
		}
		if !ok {
			s.skipped.Add(1)
			s.log.Debug("job still running, skipped", logx.Int64("job_id", j.ID))
			continue
		}
		launched++
	}
	if launched > 0 {
		s.log.Debug("poll launched jobs", logx.Int("due", len(due)), logx.Int("launched", launched))
	}
	return launched, nil
}

// ExecuteJob runs job id synchronously. It reports false without doing
// anything when the job is already executing.
func (s *Service) ExecuteJob(ctx context.Context, id int64) (bool, error) {
	if !s.running.tryAdd(id) {
		s.skipped.Add(1)
		return false, nil
	}
	defer s.running.remove(id)
	return true, s.execute(ctx, id)
}

// RunNow launches job id in the background regardless of its next run.
// Inactive jobs are not executed.
func (s *Service) RunNow(ctx context.Context, id int64) (bool, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if !job.Active {
		return false, errors.Mark(errors.Newf("job %d is paused", id), storage.ErrInvalid)
	}
	ok, err := s.launch(id)
	if ok {
		s.log.Info("job triggered manually", logx.Int64("job_id", id))
	}
	return ok, err
}

func (s *Service) launch(id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false, ErrStopped
	}
	if !s.running.tryAdd(id) {
		return false, nil
	}
	s.exec.Go("job.execute", func(ctx context.Context) error {
		defer s.running.remove(id)
		return s.execute(ctx, id)
	})
	return true, nil
}

func (s *Service) noteTick(at time.Time, err error) {
	s.tmu.Lock()
	s.lastTickAt = at
	s.lastTickErr = ""
	if err != nil {
		s.lastTickErr = err.Error()
	}
	s.tmu.Unlock()
	if err != nil {
		s.tickErrors.Add(1)
	}
}

func (s *Service) publish(typ string, ev eventbus.JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}

// Running reports whether the polling loop has been started and not stopped.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.started && !s.stopped
	loop := s.loop
	s.mu.Unlock()

	s.tmu.Lock()
	lastAt, lastErr := s.lastTickAt, s.lastTickErr
	s.tmu.Unlock()

	snap := Snapshot{
		Running:      running,
		TickInterval: s.cfg.TickInterval,
		Ticks:        s.ticks.Load(),
		TickErrors:   s.tickErrors.Load(),
		LastTickAt:   lastAt,
		LastTickErr:  lastErr,
		Executions:   s.executions.Load(),
		Failures:     s.failures.Load(),
		Skipped:      s.skipped.Load(),
		Deactivated:  s.deactivated.Load(),
		InFlight:     s.running.list(),
		Supervisor:   s.exec.Snapshot(),
	}
	if loop != nil {
		ls := loop.Snapshot()
		snap.Supervisor.Goroutines = append(ls.Goroutines, snap.Supervisor.Goroutines...)
	}
	return snap
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
