package scheduler

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	"batchcast/internal/broadcast"
	"batchcast/internal/eventbus"
	"batchcast/internal/recurrence"
	"batchcast/internal/storage"
	logx "batchcast/pkg/logx"
)

// persistTimeout bounds the schedule write, which outlives a cancelled
// execution so finished enqueues are not repeated.
const persistTimeout = 10 * time.Second

// execute runs one execution of job id. The caller holds the running-set
// claim. Any error leaves the job's next run untouched, so the job is
// picked up again by a later poll.
func (s *Service) execute(ctx context.Context, id int64) (err error) {
	execID := s.newID()
	log := s.log.With(logx.Int64("job_id", id), logx.String("execution_id", execID))
	ev := eventbus.JobEvent{JobID: id, ExecutionID: execID}

	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("job %d execution panicked: %v", id, r)
			log.Error("job execution panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		if err != nil {
			s.failures.Add(1)
			ev.Error = err.Error()
			s.publish(eventbus.JobFailed, ev)
		}
	}()

	job, err := s.jobs.GetJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		log.Debug("job vanished before execution")
		return nil
	}
	if err != nil {
		log.Warn("load job failed", logx.Err(err))
		return errors.Wrapf(err, "load job %d", id)
	}
	if !job.Active {
		log.Debug("job inactive, skipped")
		return nil
	}

	recipients, err := s.recipients.ListRecipients(ctx, job.GroupIDs)
	if err != nil {
		log.Warn("resolve recipients failed, job stays due", logx.Err(err))
		return errors.Wrapf(err, "resolve recipients for job %d", id)
	}
	ev.Recipients = len(recipients)

	now := s.now()
	s.dispatch.TrackExecution(execID, id, len(recipients))
	for _, chatID := range recipients {
		t := broadcast.Task{RecipientID: chatID, Text: job.Message, JobID: id, ExecutionID: execID}
		if err := s.dispatch.Enqueue(ctx, t); err != nil {
			log.Warn("enqueue interrupted, job stays due",
				logx.Int("enqueued", ev.Enqueued), logx.Int("recipients", ev.Recipients), logx.Err(err))
			return errors.Wrapf(err, "enqueue job %d", id)
		}
		ev.Enqueued++
	}

	var u storage.ScheduleUpdate
	next, cerr := recurrence.Compute(job.Recurrence, job.CronExpr, now.Truncate(time.Minute))
	if cerr != nil {
		off := false
		u.Active = &off
		log.Warn("no next occurrence, deactivating job", logx.Err(cerr))
	} else {
		u.NextRunAt = &next
		ev.NextRunAt = &next
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	err = storage.WithRetry(pctx, log, "update job schedule", func(ctx context.Context) error {
		return s.jobs.UpdateJobSchedule(ctx, id, u)
	})
	if errors.Is(err, storage.ErrNotFound) {
		log.Debug("job deleted during execution")
		err = nil
	}
	if err != nil {
		log.Error("persist schedule failed, job stays due", logx.Err(err))
		return errors.Wrapf(err, "persist schedule of job %d", id)
	}

	s.executions.Add(1)
	if u.Active != nil {
		s.deactivated.Add(1)
		s.publish(eventbus.JobDeactivated, ev)
	}
	s.publish(eventbus.JobExecuted, ev)

	fields := []logx.Field{logx.Int("recipients", ev.Recipients)}
	if ev.NextRunAt != nil {
		fields = append(fields, logx.Time("next_run_at", *ev.NextRunAt))
	}
	log.Info("job executed", fields...)
	return nil
}
