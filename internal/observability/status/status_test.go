package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchcast/internal/broadcast"
	"batchcast/internal/eventbus"
	"batchcast/internal/recurrence"
	"batchcast/internal/scheduler"
	"batchcast/internal/storage"
	logx "batchcast/pkg/logx"
)

type fakeDispatch struct{ execs []broadcast.ExecutionStatus }

func (f fakeDispatch) Stats() broadcast.Stats {
	return broadcast.Stats{Enqueued: 3, Sent: 2, PermanentFailures: 1, Workers: 4, Running: true}
}

func (f fakeDispatch) Execution(id string) (broadcast.ExecutionStatus, bool) {
	for _, e := range f.execs {
		if e.ID == id {
			return e, true
		}
	}
	return broadcast.ExecutionStatus{}, false
}

func (f fakeDispatch) Executions() []broadcast.ExecutionStatus {
	return append([]broadcast.ExecutionStatus(nil), f.execs...)
}

type fakeScheduler struct{}

func (fakeScheduler) Snapshot() scheduler.Snapshot {
	return scheduler.Snapshot{Running: true, Ticks: 7, InFlight: []int64{1}}
}

type fakeJobs struct {
	jobs []storage.Job
	err  error
}

func (f fakeJobs) ListJobs(context.Context) ([]storage.Job, error) { return f.jobs, f.err }

func (f fakeJobs) GetJob(_ context.Context, id int64) (*storage.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, j := range f.jobs {
		if j.ID == id {
			return &j, nil
		}
	}
	return nil, storage.ErrNotFound
}

type fakeEvents []eventbus.Event

func (f fakeEvents) Recent() []eventbus.Event { return f }

func testDeps() Deps {
	next := time.Date(2025, 1, 13, 9, 0, 0, 0, time.UTC)
	return Deps{
		Dispatch: fakeDispatch{execs: []broadcast.ExecutionStatus{
			{ID: "b", JobID: 2, Total: 1, Sent: 1},
			{ID: "a", JobID: 1, Total: 3, Sent: 2, Failed: 1},
		}},
		Scheduler: fakeScheduler{},
		Jobs: fakeJobs{jobs: []storage.Job{
			{ID: 1, Message: "hello", Recurrence: recurrence.Weekly, NextRunAt: &next, Active: true, GroupIDs: []int64{10}},
		}},
		Events: fakeEvents{{Type: eventbus.JobExecuted, Data: eventbus.JobEvent{JobID: 1}}},
	}
}

func get(t *testing.T, h http.Handler, path string, hdr ...string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code, rec.Body.Bytes()
}

func TestHealthz(t *testing.T) {
	h := NewHandler(testDeps(), "", logx.Nop())
	code, body := get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, true, out["scheduler_running"])
}

func TestStats(t *testing.T) {
	h := NewHandler(testDeps(), "", logx.Nop())
	code, body := get(t, h, "/stats")
	require.Equal(t, http.StatusOK, code)
	var out struct {
		Dispatch  broadcast.Stats    `json:"dispatch"`
		Scheduler scheduler.Snapshot `json:"scheduler"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, uint64(2), out.Dispatch.Sent)
	assert.Equal(t, uint64(7), out.Scheduler.Ticks)
	assert.Equal(t, []int64{1}, out.Scheduler.InFlight)
}

func TestJobs(t *testing.T) {
	h := NewHandler(testDeps(), "", logx.Nop())

	code, body := get(t, h, "/jobs")
	require.Equal(t, http.StatusOK, code)
	var list []jobView
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "WEEKLY", list[0].Recurrence)
	assert.True(t, list[0].NextRunAt.Equal(time.Date(2025, 1, 13, 9, 0, 0, 0, time.UTC)))

	code, _ = get(t, h, "/jobs/1")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, h, "/jobs/2")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = get(t, h, "/jobs/abc")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestJobsStoreError(t *testing.T) {
	deps := testDeps()
	deps.Jobs = fakeJobs{err: errors.New("disk gone")}
	h := NewHandler(deps, "", logx.Nop())
	code, body := get(t, h, "/jobs")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.NotContains(t, string(body), "disk gone")
}

func TestExecutions(t *testing.T) {
	h := NewHandler(testDeps(), "", logx.Nop())

	code, body := get(t, h, "/executions?job_id=1")
	require.Equal(t, http.StatusOK, code)
	var list []broadcast.ExecutionStatus
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].ID)

	code, _ = get(t, h, "/executions/b")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, h, "/executions/zzz")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = get(t, h, "/executions?job_id=x")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEvents(t *testing.T) {
	h := NewHandler(testDeps(), "", logx.Nop())
	code, body := get(t, h, "/events")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), eventbus.JobExecuted)
}

func TestMissingDepsAnswerUnavailable(t *testing.T) {
	h := NewHandler(Deps{}, "", logx.Nop())
	for _, p := range []string{"/jobs", "/jobs/1", "/executions", "/executions/a", "/events"} {
		code, _ := get(t, h, p)
		assert.Equal(t, http.StatusServiceUnavailable, code, p)
	}
	code, _ := get(t, h, "/stats")
	assert.Equal(t, http.StatusOK, code)
}

func TestToken(t *testing.T) {
	h := NewHandler(testDeps(), "s3cret", logx.Nop())

	code, _ := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, h, "/stats")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, h, "/stats?token=nope")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, h, "/stats?token=s3cret")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, h, "/stats", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, code)
}

func TestServerLifecycle(t *testing.T) {
	s := NewServer(Config{Addr: "127.0.0.1:0"}, testDeps(), logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ok":true`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	_, err = http.Get("http://" + s.Addr() + "/healthz")
	assert.Error(t, err)
}

func TestServerRefusesPublicBindWithoutToken(t *testing.T) {
	s := NewServer(Config{Addr: "0.0.0.0:0"}, testDeps(), logx.Nop())
	assert.Error(t, s.Start(context.Background()))
	assert.True(t, isLoopbackAddr("localhost:80"))
	assert.True(t, isLoopbackAddr("[::1]:80"))
	assert.False(t, isLoopbackAddr(":80"))
}
