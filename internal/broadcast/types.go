package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"batchcast/internal/transport"
	logx "batchcast/pkg/logx"
)

var ErrStopped = errors.New("broadcast service stopped")

type Config struct {
	Workers   int
	QueueSize int
	// RetryMax is the number of retries after the first transient failure.
	RetryMax  int
	RetryBase time.Duration
	// RetryJitter spreads each backoff by +/- the given fraction (0 disables).
	RetryJitter float64

	// StatusMax and StatusTTL bound the in-memory execution history.
	StatusMax int
	StatusTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 20
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 20000
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.RetryJitter > 1 {
		c.RetryJitter = 1
	}
	if c.StatusMax <= 0 {
		c.StatusMax = 200
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = 24 * time.Hour
	}
	return c
}

// Task is one message to one recipient. Duplicates are harmless.
type Task struct {
	RecipientID int64
	Text        string
	JobID       int64
	// ExecutionID links the task to a tracked execution (optional).
	ExecutionID string
}

// Limiter gates every send attempt.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Stats are monotonically increasing counters plus queue gauges.
type Stats struct {
	Enqueued          uint64 `json:"enqueued"`
	Sent              uint64 `json:"sent"`
	PermanentFailures uint64 `json:"permanent_failures"`
	Throttled         uint64 `json:"throttled"`
	Retries           uint64 `json:"retries"`
	Dropped           uint64 `json:"dropped"`
	QueueLen          int    `json:"queue_len"`
	QueueCap          int    `json:"queue_cap"`
	Workers           int    `json:"workers"`
	Running           bool   `json:"running"`
}

// ExecutionStatus is the delivery progress of one job execution.
type ExecutionStatus struct {
	ID        string    `json:"id"`
	JobID     int64     `json:"job_id"`
	Total     int       `json:"total"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	CreatedAt time.Time `json:"created_at"`
	DoneAt    time.Time `json:"done_at,omitempty"`
}

func (e ExecutionStatus) Done() bool { return e.Total > 0 && e.Sent+e.Failed >= e.Total }

type Service struct {
	mu sync.Mutex

	cfg     Config
	sender  transport.Sender
	limiter Limiter
	log     logx.Logger

	queue chan Task
	// stopCh is non-nil while workers run; closed on Stop.
	stopCh chan struct{}
	// stopDone is non-nil while a Stop is in progress.
	stopDone chan struct{}
	// closed is closed by Stop and replaced by the next Start; Enqueue fails fast on it.
	closed    chan struct{}
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
	workers   int

	enqueued  atomic.Uint64
	sent      atomic.Uint64
	permanent atomic.Uint64
	throttled atomic.Uint64
	retries   atomic.Uint64
	dropped   atomic.Uint64

	statusMu sync.RWMutex
	status   map[string]*ExecutionStatus
}
