package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchcast/internal/broadcast"
	"batchcast/internal/eventbus"
	"batchcast/internal/recurrence"
	"batchcast/internal/storage"
	"batchcast/internal/transport"
	logx "batchcast/pkg/logx"
)

func mustTime(s string) time.Time {
	v, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return v
}

func fixedClock(s string) func() time.Time {
	v := mustTime(s)
	return func() time.Time { return v }
}

// fakeStore is an in-memory JobStore and RecipientResolver with failure hooks.
type fakeStore struct {
	mu         sync.Mutex
	jobs       map[int64]storage.Job
	audience   map[int64][]int64
	dueErrs    []error
	duePanics  int
	updateErrs []error
	updates    int

	resolve      func(ctx context.Context) error
	resolveCalls atomic.Int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[int64]storage.Job{}, audience: map[int64][]int64{}}
}

func (f *fakeStore) put(j storage.Job) {
	f.mu.Lock()
	f.jobs[j.ID] = j
	f.mu.Unlock()
}

func (f *fakeStore) job(id int64) storage.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id]
}

func (f *fakeStore) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

func (f *fakeStore) ListDueJobs(_ context.Context, now time.Time) ([]storage.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.duePanics > 0 {
		f.duePanics--
		panic("store exploded")
	}
	if len(f.dueErrs) > 0 {
		err := f.dueErrs[0]
		f.dueErrs = f.dueErrs[1:]
		return nil, err
	}
	var out []storage.Job
	for _, j := range f.jobs {
		if j.Active && j.NextRunAt != nil && !j.NextRunAt.After(now) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (f *fakeStore) GetJob(_ context.Context, id int64) (*storage.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &j, nil
}

func (f *fakeStore) UpdateJobSchedule(_ context.Context, id int64, u storage.ScheduleUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updateErrs) > 0 {
		err := f.updateErrs[0]
		f.updateErrs = f.updateErrs[1:]
		return err
	}
	j, ok := f.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if u.NextRunAt != nil && (j.NextRunAt == nil || u.NextRunAt.After(*j.NextRunAt)) {
		next := *u.NextRunAt
		j.NextRunAt = &next
	}
	if u.Active != nil {
		j.Active = *u.Active
	}
	f.jobs[id] = j
	f.updates++
	return nil
}

func (f *fakeStore) ListRecipients(ctx context.Context, groupIDs []int64) ([]int64, error) {
	f.resolveCalls.Add(1)
	if f.resolve != nil {
		if err := f.resolve(ctx); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[int64]bool{}
	var out []int64
	for _, g := range groupIDs {
		for _, c := range f.audience[g] {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out, nil
}

type fakeDispatch struct {
	mu      sync.Mutex
	tasks   []broadcast.Task
	tracked map[string]int
	fail    func(broadcast.Task) error
}

func newFakeDispatch() *fakeDispatch { return &fakeDispatch{tracked: map[string]int{}} }

func (d *fakeDispatch) Enqueue(_ context.Context, t broadcast.Task) error {
	if d.fail != nil {
		if err := d.fail(t); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.tasks = append(d.tasks, t)
	d.mu.Unlock()
	return nil
}

func (d *fakeDispatch) TrackExecution(id string, _ int64, total int) {
	d.mu.Lock()
	d.tracked[id] = total
	d.mu.Unlock()
}

func (d *fakeDispatch) taskCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

func weeklyJob(id int64, next string, groups ...int64) storage.Job {
	n := mustTime(next)
	return storage.Job{ID: id, Message: "hello", Recurrence: recurrence.Weekly, NextRunAt: &n, Active: true, GroupIDs: groups}
}

func newTestService(st *fakeStore, d *fakeDispatch, opts ...Option) *Service {
	opts = append([]Option{WithClock(fixedClock("2025-01-06T09:00:05Z"))}, opts...)
	return New(Config{TickInterval: 5 * time.Millisecond, ErrorBackoff: time.Millisecond}, st, st, d, logx.Nop(), opts...)
}

func stopService(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestWeeklyBroadcastEndToEnd(t *testing.T) {
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	g, err := st.CreateGroup(ctx, "1st Year")
	require.NoError(t, err)
	for _, chat := range []int64{101, 102, 103} {
		_, err := st.UpsertRecipient(ctx, storage.Recipient{ChatID: chat, GroupID: g.ID})
		require.NoError(t, err)
	}
	first := mustTime("2025-01-06T09:00:00Z")
	job, err := st.CreateJob(ctx, storage.Job{
		Message: "Lab report due Friday", Recurrence: recurrence.Weekly,
		NextRunAt: &first, Active: true, GroupIDs: []int64{g.ID},
	})
	require.NoError(t, err)

	var sent sync.Map
	sender := transport.SenderFunc(func(_ context.Context, chatID int64, text string) error {
		if chatID == 102 {
			return transport.Permanent(errors.New("Forbidden: bot was blocked by the user"))
		}
		sent.Store(chatID, text)
		return nil
	})
	pool := broadcast.New(broadcast.Config{Workers: 2, QueueSize: 8, RetryMax: 2, RetryBase: time.Millisecond}, sender, nil, logx.Nop())
	pool.Start(ctx)
	defer pool.Stop(ctx)

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{}, st, st, pool, logx.Nop(),
		WithClock(fixedClock("2025-01-06T09:00:05Z")),
		WithEventBus(bus),
		WithIDGenerator(func() string { return "exec-1" }),
	)
	launched, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, launched)
	require.NoError(t, s.Wait(ctx))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(mustTime("2025-01-13T09:00:00Z")), "next run %s", got.NextRunAt)
	assert.True(t, got.Active)

	require.Eventually(t, func() bool {
		es, ok := pool.Execution("exec-1")
		return ok && es.Done()
	}, 2*time.Second, 5*time.Millisecond)
	es, _ := pool.Execution("exec-1")
	assert.Equal(t, 3, es.Total)
	assert.Equal(t, 2, es.Sent)
	assert.Equal(t, 1, es.Failed)
	_, ok := sent.Load(int64(101))
	assert.True(t, ok)
	_, ok = sent.Load(int64(102))
	assert.False(t, ok)

	select {
	case e := <-events:
		assert.Equal(t, eventbus.JobExecuted, e.Type)
		je := e.Data.(eventbus.JobEvent)
		assert.Equal(t, job.ID, je.JobID)
		assert.Equal(t, 3, je.Recipients)
		assert.Equal(t, 3, je.Enqueued)
	case <-time.After(time.Second):
		t.Fatal("no job.executed event")
	}

	launched, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, launched, "job is no longer due")
}

func TestExecuteJobIsExclusive(t *testing.T) {
	st := newFakeStore()
	st.put(weeklyJob(1, "2025-01-06T09:00:00Z", 10))
	st.audience[10] = []int64{101}
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	st.resolve = func(context.Context) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}
	d := newFakeDispatch()
	s := newTestService(st, d)
	ctx := context.Background()

	done := make(chan bool)
	go func() {
		ran, err := s.ExecuteJob(ctx, 1)
		assert.NoError(t, err)
		done <- ran
	}()
	<-entered

	ran, err := s.ExecuteJob(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ran)

	var wg sync.WaitGroup
	var launched atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.Tick(ctx)
			assert.NoError(t, err)
			launched.Add(int32(n))
		}()
	}
	wg.Wait()
	assert.Zero(t, launched.Load())
	assert.Equal(t, []int64{1}, s.Snapshot().InFlight)

	close(release)
	assert.True(t, <-done)
	assert.Equal(t, int32(1), st.resolveCalls.Load())
	assert.Equal(t, 1, d.taskCount())
	assert.False(t, s.running.contains(1))
	assert.Equal(t, uint64(9), s.Snapshot().Skipped)
}

func TestConcurrentTicksLaunchOnce(t *testing.T) {
	st := newFakeStore()
	st.put(weeklyJob(1, "2025-01-06T09:00:00Z", 10))
	release := make(chan struct{})
	st.resolve = func(context.Context) error {
		<-release
		return nil
	}
	s := newTestService(st, newFakeDispatch())
	ctx := context.Background()

	var wg sync.WaitGroup
	var launched atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.Tick(ctx)
			assert.NoError(t, err)
			launched.Add(int32(n))
		}()
	}
	wg.Wait()
	close(release)
	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, int32(1), launched.Load())
	assert.Equal(t, int32(1), st.resolveCalls.Load())
	assert.Equal(t, 1, st.updateCount())
}

func TestFailedExecutionLeavesJobDue(t *testing.T) {
	due := "2025-01-06T09:00:00Z"
	cases := []struct {
		name  string
		setup func(st *fakeStore, d *fakeDispatch)
		want  string
	}{
		{
			name: "resolver error",
			setup: func(st *fakeStore, _ *fakeDispatch) {
				st.resolve = func(context.Context) error { return errors.New("db offline") }
			},
			want: "db offline",
		},
		{
			name: "dispatcher panic",
			setup: func(_ *fakeStore, d *fakeDispatch) {
				d.fail = func(broadcast.Task) error { panic("queue corrupted") }
			},
			want: "panicked",
		},
		{
			name: "dispatcher stopped",
			setup: func(_ *fakeStore, d *fakeDispatch) {
				d.fail = func(t broadcast.Task) error {
					if t.RecipientID == 102 {
						return broadcast.ErrStopped
					}
					return nil
				}
			},
			want: "broadcast service stopped",
		},
		{
			name: "persist error",
			setup: func(st *fakeStore, _ *fakeDispatch) {
				st.updateErrs = []error{storage.ErrClosed}
			},
			want: "closed",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newFakeStore()
			st.put(weeklyJob(1, due, 10))
			st.audience[10] = []int64{101, 102}
			d := newFakeDispatch()
			tc.setup(st, d)
			bus := eventbus.New()
			events, unsub := bus.Subscribe(4)
			defer unsub()
			s := newTestService(st, d, WithEventBus(bus))

			ran, err := s.ExecuteJob(context.Background(), 1)
			assert.True(t, ran)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)

			assert.False(t, s.running.contains(1))
			assert.True(t, st.job(1).NextRunAt.Equal(mustTime(due)))
			assert.True(t, st.job(1).Active)
			assert.Equal(t, uint64(1), s.Snapshot().Failures)

			e := <-events
			assert.Equal(t, eventbus.JobFailed, e.Type)

			launched, err := s.Tick(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, launched, "job is picked up again")
			require.NoError(t, s.Wait(context.Background()))
		})
	}
}

func TestInactiveOrMissingJobIsSkipped(t *testing.T) {
	st := newFakeStore()
	j := weeklyJob(1, "2025-01-06T09:00:00Z", 10)
	j.Active = false
	st.put(j)
	st.audience[10] = []int64{101}
	d := newFakeDispatch()
	s := newTestService(st, d)

	ran, err := s.ExecuteJob(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ran)
	ran, err = s.ExecuteJob(context.Background(), 404)
	require.NoError(t, err)
	assert.True(t, ran)

	assert.Zero(t, d.taskCount())
	assert.Zero(t, st.updateCount())
	assert.Zero(t, st.resolveCalls.Load())
	assert.Zero(t, s.Snapshot().Executions)
}

func TestEmptyAudienceStillAdvances(t *testing.T) {
	st := newFakeStore()
	st.put(weeklyJob(1, "2025-01-06T09:00:00Z", 10))
	d := newFakeDispatch()
	s := newTestService(st, d, WithIDGenerator(func() string { return "e" }))

	ran, err := s.ExecuteJob(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Zero(t, d.taskCount())
	assert.Equal(t, 0, d.tracked["e"])
	assert.True(t, st.job(1).NextRunAt.Equal(mustTime("2025-01-13T09:00:00Z")))
}

func TestMonthlyAdvancesFromExecutionTime(t *testing.T) {
	st := newFakeStore()
	next := mustTime("2025-01-31T10:00:00Z")
	st.put(storage.Job{ID: 1, Message: "rent", Recurrence: recurrence.Monthly, NextRunAt: &next, Active: true, GroupIDs: []int64{10}})
	s := newTestService(st, newFakeDispatch(), WithClock(fixedClock("2025-01-31T10:00:42Z")))

	_, err := s.ExecuteJob(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, st.job(1).NextRunAt.Equal(mustTime("2025-03-01T10:00:00Z")), "got %s", st.job(1).NextRunAt)
}

func TestCustomWithoutNextOccurrenceDeactivates(t *testing.T) {
	st := newFakeStore()
	next := mustTime("2025-01-06T09:00:00Z")
	st.put(storage.Job{ID: 1, Message: "never", Recurrence: recurrence.Custom, CronExpr: "0 0 30 2 *", NextRunAt: &next, Active: true, GroupIDs: []int64{10}})
	st.audience[10] = []int64{101}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	d := newFakeDispatch()
	s := newTestService(st, d, WithEventBus(bus))

	_, err := s.ExecuteJob(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, d.taskCount(), "the due execution still delivers")
	assert.False(t, st.job(1).Active)
	assert.True(t, st.job(1).NextRunAt.Equal(next))
	assert.Equal(t, uint64(1), s.Snapshot().Deactivated)

	assert.Equal(t, eventbus.JobDeactivated, (<-events).Type)
	assert.Equal(t, eventbus.JobExecuted, (<-events).Type)

	launched, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, launched)
}

func TestLoopSurvivesStoreFailures(t *testing.T) {
	st := newFakeStore()
	st.put(weeklyJob(1, "2025-01-06T09:00:00Z", 10))
	st.duePanics = 1
	st.dueErrs = []error{errors.New("disk I/O error"), errors.New("disk I/O error")}
	s := newTestService(st, newFakeDispatch())

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		return st.job(1).NextRunAt.Equal(mustTime("2025-01-13T09:00:00Z"))
	}, 2*time.Second, 5*time.Millisecond)
	stopService(t, s)

	snap := s.Snapshot()
	assert.False(t, snap.Running)
	assert.GreaterOrEqual(t, snap.TickErrors, uint64(3))
	assert.Equal(t, uint64(1), snap.Executions)
	assert.ErrorIs(t, s.Start(context.Background()), ErrStopped)
}

func TestStopWaitsForInFlightExecution(t *testing.T) {
	st := newFakeStore()
	st.put(weeklyJob(1, "2025-01-06T09:00:00Z", 10))
	st.audience[10] = []int64{101}
	release := make(chan struct{})
	st.resolve = func(context.Context) error {
		<-release
		return nil
	}
	d := newFakeDispatch()
	s := newTestService(st, d)
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return st.resolveCalls.Load() == 1 }, time.Second, time.Millisecond)

	go func() {
		time.Sleep(30 * time.Millisecond)
		close(release)
	}()
	stopService(t, s)

	assert.Equal(t, 1, d.taskCount())
	assert.True(t, st.job(1).NextRunAt.Equal(mustTime("2025-01-13T09:00:00Z")))
	_, err := s.RunNow(context.Background(), 1)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStopDeadlineCancelsExecution(t *testing.T) {
	st := newFakeStore()
	st.put(weeklyJob(1, "2025-01-06T09:00:00Z", 10))
	st.resolve = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	s := newTestService(st, newFakeDispatch())
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return st.resolveCalls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool { return len(s.Snapshot().InFlight) == 0 }, time.Second, time.Millisecond)
	assert.True(t, st.job(1).NextRunAt.Equal(mustTime("2025-01-06T09:00:00Z")))
}

func TestRunNow(t *testing.T) {
	st := newFakeStore()
	st.put(weeklyJob(1, "2025-02-01T00:00:00Z", 10))
	paused := weeklyJob(2, "2025-02-01T00:00:00Z", 10)
	paused.Active = false
	st.put(paused)
	st.audience[10] = []int64{101, 102}
	d := newFakeDispatch()
	s := newTestService(st, d)
	ctx := context.Background()

	_, err := s.RunNow(ctx, 404)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.RunNow(ctx, 2)
	assert.ErrorIs(t, err, storage.ErrInvalid)

	ok, err := s.RunNow(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, 2, d.taskCount())
	// the later stored run wins over the computed one
	assert.True(t, st.job(1).NextRunAt.Equal(mustTime("2025-02-01T00:00:00Z")))
}
