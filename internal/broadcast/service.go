package broadcast

import (
	"context"
	"time"

	"batchcast/internal/transport"
	logx "batchcast/pkg/logx"
)

func New(cfg Config, sender transport.Sender, limiter Limiter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		sender:  sender,
		limiter: limiter,
		log:     log,
		queue:   make(chan Task, cfg.QueueSize),
		closed:  make(chan struct{}),
		status:  map[string]*ExecutionStatus{},
	}
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start spins up the worker pool. Calling it while running is a no-op.
func (s *Service) Start(ctx context.Context) {
	// If a Stop is in progress, wait for it so two pools never overlap.
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return // already running
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	select {
	case <-s.closed:
		s.closed = make(chan struct{})
	default:
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	s.workers = s.cfg.Workers

	// The queue survives restarts; pending tasks stay pending.
	queue, stopCh := s.queue, s.stopCh
	s.workerWG.Add(s.workers)
	for i := 0; i < s.workers; i++ {
		go func(idx int) {
			defer s.workerWG.Done()
			s.worker(runCtx, stopCh, queue, idx)
		}(i)
	}
	s.log.Info("broadcast started",
		logx.Int("workers", s.workers),
		logx.Int("queue_cap", cap(queue)),
		logx.Int("retry_max", s.cfg.RetryMax),
	)
}

// Stop stops the workers. Tasks still queued are abandoned in memory and
// delivered only if the service is started again.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		select {
		case <-s.closed:
		default:
			close(s.closed)
		}
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	stopCh, cancel := s.stopCh, s.runCancel
	s.runCancel = nil
	close(s.closed)
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}
	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.workers = 0
		s.mu.Unlock()
		close(done)
		s.log.Info("broadcast stopped",
			logx.Duration("took", time.Since(start)),
			logx.Int("abandoned", len(s.queue)),
		)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// workers keep draining their current send in the background
	}
}

// Enqueue pushes one task, waiting for queue space when the queue is full.
// It fails only when ctx ends or the service has been stopped.
func (s *Service) Enqueue(ctx context.Context, t Task) error {
	s.mu.Lock()
	q, closed := s.queue, s.closed
	s.mu.Unlock()

	select {
	case <-closed:
		return ErrStopped
	default:
	}
	select {
	case q <- t:
		s.enqueued.Add(1)
		return nil
	case <-closed:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	workers, running := s.workers, s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()
	return Stats{
		Enqueued:          s.enqueued.Load(),
		Sent:              s.sent.Load(),
		PermanentFailures: s.permanent.Load(),
		Throttled:         s.throttled.Load(),
		Retries:           s.retries.Load(),
		Dropped:           s.dropped.Load(),
		QueueLen:          len(s.queue),
		QueueCap:          cap(s.queue),
		Workers:           workers,
		Running:           running,
	}
}
