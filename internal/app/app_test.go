package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchcast/internal/config"
	"batchcast/internal/recurrence"
	"batchcast/internal/storage"
	"batchcast/internal/transport"
	logx "batchcast/pkg/logx"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    map[int64][]string
	reg     transport.Registrar
	stopped bool
}

func newFakeTransport() *fakeTransport { return &fakeTransport{sent: map[int64][]string{}} }

func (f *fakeTransport) Send(_ context.Context, chatID int64, text string) error {
	if chatID == 13 {
		return transport.Permanent(errors.New("Forbidden: bot was blocked by the user"))
	}
	f.mu.Lock()
	f.sent[chatID] = append(f.sent[chatID], text)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Start(_ context.Context, reg transport.Registrar) error {
	f.mu.Lock()
	f.reg = reg
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Stop(context.Context) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) sentTo(chatID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[chatID])
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := `
logging:
  level: error
storage:
  driver: sqlite
  path: ` + filepath.Join(dir, "batchcast.db") + `
scheduler:
  tick_interval: 20ms
  error_backoff: 10ms
  shutdown_grace: 2s
broadcast:
  workers: 2
  rate_per_sec: 100
  retry_base: 1ms
status:
  enabled: true
  addr: "127.0.0.1:0"
groups: ["1st Year", "2nd Year"]
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestAppDeliversDueJobs(t *testing.T) {
	ft := newFakeTransport()
	a, err := NewApp(writeConfig(t), WithTransport(ft))
	require.NoError(t, err)
	ctx := context.Background()
	st := a.Store()

	groups, err := st.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	first, second := groups[0], groups[1]
	for _, chat := range []int64{11, 12, 13} {
		_, err := st.UpsertRecipient(ctx, storage.Recipient{ChatID: chat, GroupID: first.ID})
		require.NoError(t, err)
	}
	_, err = st.UpsertRecipient(ctx, storage.Recipient{ChatID: 21, GroupID: second.ID})
	require.NoError(t, err)

	due := time.Now().Add(-time.Minute).Truncate(time.Second)
	job, err := st.CreateJob(ctx, storage.Job{
		Message: "Exam timetable is out", Recurrence: recurrence.Weekly,
		NextRunAt: &due, Active: true, GroupIDs: []int64{first.ID},
	})
	require.NoError(t, err)

	require.NoError(t, a.Start(ctx))
	require.Eventually(t, func() bool {
		return ft.sentTo(11) == 1 && ft.sentTo(12) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, ft.sentTo(21))

	require.Eventually(t, func() bool {
		j, err := st.GetJob(ctx, job.ID)
		return err == nil && j.NextRunAt.After(time.Now().Add(6*24*time.Hour))
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		s := a.Broadcast().Stats()
		return s.Sent == 2 && s.PermanentFailures == 1
	}, 3*time.Second, 10*time.Millisecond)

	ft.mu.Lock()
	reg := ft.reg
	ft.mu.Unlock()
	require.NotNil(t, reg)
	reply, err := reg.Register(ctx, transport.Registration{ChatID: 99, Username: "new", Group: "2nd year"})
	require.NoError(t, err)
	assert.Contains(t, reply, "2nd Year")

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	assert.True(t, ft.stopped)
	assert.False(t, a.Scheduler().Running())
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  path: x\nscheduler:\n  tick_interval: soon\n"), 0o600))
	_, err := NewApp(path, WithTransport(newFakeTransport()))
	require.Error(t, err)
}

func TestRegistrar(t *testing.T) {
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	_, err = st.EnsureGroups(ctx, []string{"1st Year", "2nd Year"})
	require.NoError(t, err)
	r := &registrar{store: st}

	reply, err := r.Register(ctx, transport.Registration{ChatID: 5, Username: "ana"})
	require.NoError(t, err)
	assert.Contains(t, reply, "/join")
	rec, err := st.GetRecipient(ctx, 5)
	require.NoError(t, err)
	assert.Zero(t, rec.GroupID)

	reply, err = r.Register(ctx, transport.Registration{ChatID: 5, Username: "ana", Group: " 1st   year "})
	require.NoError(t, err)
	assert.Equal(t, "Group selected: 1st Year", reply)

	reply, err = r.Register(ctx, transport.Registration{ChatID: 5, Username: "ana"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply, "Welcome back"))
	assert.Contains(t, reply, "1st Year")
	rec, err = st.GetRecipient(ctx, 5)
	require.NoError(t, err)
	assert.NotZero(t, rec.GroupID, "plain /start keeps the group")

	reply, err = r.Register(ctx, transport.Registration{ChatID: 5, Username: "ana", Group: "2nd Year"})
	require.NoError(t, err)
	assert.Equal(t, "Group updated: 2nd Year", reply)

	reply, err = r.Register(ctx, transport.Registration{ChatID: 5, Group: "9th Year"})
	require.NoError(t, err)
	assert.Contains(t, reply, "Unknown group")

	names, err := r.GroupNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1st Year", "2nd Year"}, names)
}

func TestChangedSections(t *testing.T) {
	a := &config.Config{Logging: config.LoggingConfig{Level: "info"}, Groups: []string{"A"}}
	b := &config.Config{Logging: config.LoggingConfig{Level: "debug"}, Groups: []string{"A", "B"}}
	b.Broadcast.Workers = 4
	assert.Equal(t, []string{"logging", "broadcast", "groups"}, changedSections(a, b))
	assert.Empty(t, changedSections(a, a))
}

func TestMapBroadcastDefaults(t *testing.T) {
	bc, rate, err := mapBroadcastConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, float64(defaultRatePerSec), rate)
	assert.Equal(t, 3, bc.RetryMax)
	assert.Equal(t, 500*time.Millisecond, bc.RetryBase)

	_, _, err = mapBroadcastConfig(&config.Config{Broadcast: config.BroadcastConfig{RetryBase: "fast"}})
	assert.Error(t, err)

	sc, err := mapSchedulerConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, sc.TickInterval)
	assert.True(t, sc.Enabled)
}
