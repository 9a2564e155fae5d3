package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"batchcast/internal/broadcast"
	"batchcast/internal/eventbus"
	"batchcast/internal/runtime/supervisor"
	"batchcast/internal/storage"
	logx "batchcast/pkg/logx"
)

var ErrStopped = errors.New("scheduler stopped")

// Config controls the polling loop.
type Config struct {
	TickInterval time.Duration // default 1m
	ErrorBackoff time.Duration // extra pause after a failed poll, default 5s
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.ErrorBackoff < 0 {
		c.ErrorBackoff = 0
	} else if c.ErrorBackoff == 0 {
		c.ErrorBackoff = 5 * time.Second
	}
	return c
}

// Dispatcher accepts delivery tasks. *broadcast.Service implements it.
type Dispatcher interface {
	Enqueue(ctx context.Context, t broadcast.Task) error
	TrackExecution(id string, jobID int64, total int)
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithEventBus publishes job.* events to bus.
func WithEventBus(bus eventbus.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithIDGenerator replaces the execution id source.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// Snapshot is a point-in-time view for status endpoints.
type Snapshot struct {
	Running      bool                `json:"running"`
	TickInterval time.Duration       `json:"tick_interval"`
	Ticks        uint64              `json:"ticks"`
	TickErrors   uint64              `json:"tick_errors"`
	LastTickAt   time.Time           `json:"last_tick_at,omitempty"`
	LastTickErr  string              `json:"last_tick_err,omitempty"`
	Executions   uint64              `json:"executions"`
	Failures     uint64              `json:"failures"`
	Skipped      uint64              `json:"skipped"`
	Deactivated  uint64              `json:"deactivated"`
	InFlight     []int64             `json:"in_flight"`
	Supervisor   supervisor.Snapshot `json:"supervisor"`
}

type Service struct {
	cfg        Config
	jobs       storage.JobStore
	recipients storage.RecipientResolver
	dispatch   Dispatcher
	bus        eventbus.Bus
	log        logx.Logger
	now        func() time.Time
	newID      func() string

	running runningSet

	mu      sync.Mutex
	loop    *supervisor.Supervisor
	exec    *supervisor.Supervisor
	started bool
	stopped bool

	ticks       atomic.Uint64
	tickErrors  atomic.Uint64
	executions  atomic.Uint64
	failures    atomic.Uint64
	skipped     atomic.Uint64
	deactivated atomic.Uint64

	tmu         sync.Mutex
	lastTickAt  time.Time
	lastTickErr string
}
