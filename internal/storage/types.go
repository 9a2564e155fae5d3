package storage

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"batchcast/internal/recurrence"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
	ErrConflict = errors.New("already exists")
	ErrInvalid  = errors.New("invalid input")
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Job is a persisted recurring broadcast definition.
type Job struct {
	ID         int64
	Message    string
	Recurrence recurrence.Type
	CronExpr   string // CUSTOM only
	// NextRunAt is nil only for jobs that will never run again.
	NextRunAt *time.Time
	Active    bool
	// GroupIDs are resolved to recipients at execution time, never snapshotted.
	GroupIDs  []int64
	CreatedAt time.Time
	OwnerID   int64
}

// ScheduleUpdate is the scheduler's post-execution write.
// Nil fields are left untouched.
type ScheduleUpdate struct {
	NextRunAt *time.Time
	Active    *bool
}

// JobEdit is an operator edit. Nil fields are left untouched.
type JobEdit struct {
	Message    *string
	Recurrence *recurrence.Type
	CronExpr   *string
	NextRunAt  *time.Time
	Active     *bool
	GroupIDs   []int64
}

type Group struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// Recipient is a person reachable through the transport.
// A recipient belongs to at most one group.
type Recipient struct {
	ID       int64
	ChatID   int64
	Username string
	GroupID  int64 // 0 means unassigned
	JoinedAt time.Time
}

// JobStore is the scheduler's view of the job table.
type JobStore interface {
	// ListDueJobs returns active jobs with NextRunAt <= now.
	ListDueJobs(ctx context.Context, now time.Time) ([]Job, error)
	// GetJob returns ErrNotFound when the job does not exist.
	GetJob(ctx context.Context, id int64) (*Job, error)
	// UpdateJobSchedule writes the post-execution schedule atomically.
	// NextRunAt never moves backward through this call.
	UpdateJobSchedule(ctx context.Context, id int64, u ScheduleUpdate) error
}

// RecipientResolver lists the live audience of a set of groups.
type RecipientResolver interface {
	// ListRecipients returns deduplicated chat ids in stable order.
	ListRecipients(ctx context.Context, groupIDs []int64) ([]int64, error)
}

// Store is the full persistence API.
type Store interface {
	JobStore
	RecipientResolver

	CreateJob(ctx context.Context, j Job) (Job, error)
	UpdateJob(ctx context.Context, id int64, e JobEdit) (Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	DeleteJob(ctx context.Context, id int64) error

	CreateGroup(ctx context.Context, name string) (Group, error)
	// EnsureGroups creates missing groups by name (case-insensitive) and returns all of them.
	EnsureGroups(ctx context.Context, names []string) ([]Group, error)
	ListGroups(ctx context.Context) ([]Group, error)

	// UpsertRecipient inserts or updates a recipient keyed by ChatID.
	UpsertRecipient(ctx context.Context, r Recipient) (Recipient, error)
	// GetRecipient returns ErrNotFound for an unknown chat id.
	GetRecipient(ctx context.Context, chatID int64) (*Recipient, error)
	ListGroupRecipients(ctx context.Context, groupID int64) ([]Recipient, error)

	Close() error
}

// prepareJob normalizes and validates a job before it is written.
func prepareJob(j *Job, now time.Time) error {
	j.Message = strings.TrimSpace(j.Message)
	if j.Message == "" {
		return errors.Wrap(ErrInvalid, "message is empty")
	}
	if j.Recurrence != recurrence.Custom {
		j.CronExpr = ""
	}
	if err := recurrence.Validate(j.Recurrence, j.CronExpr); err != nil {
		return errors.Mark(err, ErrInvalid)
	}
	j.GroupIDs = uniqueIDs(j.GroupIDs)
	if len(j.GroupIDs) == 0 {
		return errors.Wrap(ErrInvalid, "at least one group is required")
	}
	if j.NextRunAt != nil {
		t := j.NextRunAt.UTC().Truncate(time.Second)
		j.NextRunAt = &t
	}
	if j.Active && j.NextRunAt == nil {
		return errors.Wrap(ErrInvalid, "active job requires next run time")
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.CreatedAt = j.CreatedAt.UTC().Truncate(time.Second)
	return nil
}

// applyEdit merges e into j (in place).
func applyEdit(j *Job, e JobEdit) {
	if e.Message != nil {
		j.Message = *e.Message
	}
	if e.Recurrence != nil {
		j.Recurrence = *e.Recurrence
	}
	if e.CronExpr != nil {
		j.CronExpr = *e.CronExpr
	}
	if e.NextRunAt != nil {
		t := *e.NextRunAt
		j.NextRunAt = &t
	}
	if e.Active != nil {
		j.Active = *e.Active
	}
	if e.GroupIDs != nil {
		j.GroupIDs = append([]int64(nil), e.GroupIDs...)
	}
}

// laterOf keeps NextRunAt monotonic for scheduler writes.
func laterOf(cur, next *time.Time) *time.Time {
	if next == nil {
		return cur
	}
	n := next.UTC().Truncate(time.Second)
	if cur != nil && n.Before(*cur) {
		c := *cur
		return &c
	}
	return &n
}

func uniqueIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func normalizeGroupName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}
