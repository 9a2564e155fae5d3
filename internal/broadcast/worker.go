package broadcast

import (
	"context"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	"batchcast/internal/transport"
	logx "batchcast/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan Task, idx int) {
	s.log.Debug("worker started", logx.Int("worker", idx))
	defer s.log.Debug("worker stopped", logx.Int("worker", idx))
	for {
		// stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			s.handle(ctx, t, idx)
		}
	}
}

// handle delivers one task; a panic costs the task, never the worker.
func (s *Service) handle(ctx context.Context, t Task, idx int) {
	defer func() {
		if r := recover(); r != nil {
			s.dropped.Add(1)
			s.markResult(t.ExecutionID, false)
			s.log.Error("panic in broadcast worker",
				logx.Int("worker", idx),
				logx.Int64("job_id", t.JobID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	err := s.deliverOne(ctx, t)
	if ctx.Err() != nil && err != nil {
		// shutdown, the task is abandoned rather than failed
		return
	}
	s.markResult(t.ExecutionID, err == nil)
}

// deliverOne runs the per-recipient retry policy.
func (s *Service) deliverOne(ctx context.Context, t Task) error {
	s.mu.Lock()
	lim, sender, cfg := s.limiter, s.sender, s.cfg
	s.mu.Unlock()

	log := s.log.With(logx.Int64("job_id", t.JobID), logx.Int64("recipient", t.RecipientID))
	attempt := 0
	for {
		if lim != nil {
			if err := lim.Acquire(ctx); err != nil {
				return err
			}
		}
		err := sender.Send(ctx, t.RecipientID, t.Text)
		outcome, wait := transport.Classify(err)
		switch outcome {
		case transport.Delivered:
			s.sent.Add(1)
			return nil

		case transport.PermanentFailure:
			s.permanent.Add(1)
			log.Info("recipient unreachable, not retrying", logx.Err(err))
			return err

		case transport.RateLimited:
			s.throttled.Add(1)
			log.Debug("provider throttled, waiting", logx.Duration("retry_after", wait))
			if err := sleep(ctx, wait); err != nil {
				return err
			}

		default:
			if attempt >= cfg.RetryMax {
				s.dropped.Add(1)
				log.Warn("send failed, retries exhausted",
					logx.Int("attempts", attempt+1),
					logx.Err(err),
				)
				return errors.Wrapf(err, "after %d attempts", attempt+1)
			}
			delay := backoff(cfg.RetryBase, attempt, cfg.RetryJitter)
			attempt++
			s.retries.Add(1)
			log.Debug("send failed, retrying",
				logx.Int("attempt", attempt+1),
				logx.Duration("delay", delay),
				logx.Err(err),
			)
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
}

// backoff is base * 2^attempt, spread by +/- jitter.
func backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if attempt > 20 {
		attempt = 20
	}
	d := base << attempt
	if jitter > 0 {
		d = time.Duration(float64(d) * (1 + jitter*(2*rand.Float64()-1)))
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
