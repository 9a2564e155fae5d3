package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.etcd.io/bbolt"

	"batchcast/internal/recurrence"
	logx "batchcast/pkg/logx"
)

var (
	bucketJobs          = []byte("jobs")
	bucketGroups        = []byte("groups")
	bucketGroupNames    = []byte("group_names")
	bucketRecipients    = []byte("recipients")
	bucketRecipientChat = []byte("recipient_chats")
)

type boltJob struct {
	ID         int64   `json:"id"`
	Message    string  `json:"message"`
	Recurrence string  `json:"recurrence"`
	CronExpr   string  `json:"cron_expr,omitempty"`
	NextRunAt  *int64  `json:"next_run_at,omitempty"`
	Active     bool    `json:"active"`
	GroupIDs   []int64 `json:"group_ids"`
	OwnerID    int64   `json:"owner_id,omitempty"`
	CreatedAt  int64   `json:"created_at"`
}

type boltGroup struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
}

type boltRecipient struct {
	ID       int64  `json:"id"`
	ChatID   int64  `json:"chat_id"`
	Username string `json:"username,omitempty"`
	GroupID  int64  `json:"group_id,omitempty"`
	JoinedAt int64  `json:"joined_at"`
}

type boltStore struct {
	db  *bbolt.DB
	log logx.Logger
	now func() time.Time
}

func openBolt(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("bolt path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt")
	}
	st := &boltStore{db: db, log: log, now: time.Now}
	if err := st.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", "bolt"), logx.String("path", path))
	return st, nil
}

func (s *boltStore) initSchema() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketJobs, bucketGroups, bucketGroupNames, bucketRecipients, bucketRecipientChat} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return errors.Wrapf(err, "create bucket %s", b)
			}
		}
		return nil
	})
}

func (s *boltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *boltStore) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.mapErr(s.db.View(fn))
}

func (s *boltStore) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.mapErr(s.db.Update(fn))
}

func (s *boltStore) mapErr(err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return errors.Mark(err, ErrClosed)
	}
	return err
}

func (s *boltStore) ListDueJobs(ctx context.Context, now time.Time) ([]Job, error) {
	cutoff := now.UnixMilli()
	var out []Job
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var bj boltJob
			if err := json.Unmarshal(v, &bj); err != nil {
				return errors.Wrap(err, "decode job")
			}
			if bj.Active && bj.NextRunAt != nil && *bj.NextRunAt <= cutoff {
				out = append(out, bj.toJob())
			}
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "list due jobs")
	}
	sort.SliceStable(out, func(i, k int) bool {
		if !out[i].NextRunAt.Equal(*out[k].NextRunAt) {
			return out[i].NextRunAt.Before(*out[k].NextRunAt)
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

func (s *boltStore) ListJobs(ctx context.Context) ([]Job, error) {
	var out []Job
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var bj boltJob
			if err := json.Unmarshal(v, &bj); err != nil {
				return errors.Wrap(err, "decode job")
			}
			out = append(out, bj.toJob())
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	return out, nil
}

func (s *boltStore) GetJob(ctx context.Context, id int64) (*Job, error) {
	var j Job
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		bj, err := getBoltJob(tx, id)
		if err != nil {
			return err
		}
		j = bj.toJob()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *boltStore) UpdateJobSchedule(ctx context.Context, id int64, u ScheduleUpdate) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		bj, err := getBoltJob(tx, id)
		if err != nil {
			return err
		}
		j := bj.toJob()
		j.NextRunAt = laterOf(j.NextRunAt, u.NextRunAt)
		if u.Active != nil {
			j.Active = *u.Active
		}
		return putBoltJob(tx, j)
	})
}

func (s *boltStore) CreateJob(ctx context.Context, j Job) (Job, error) {
	if err := prepareJob(&j, s.now()); err != nil {
		return Job{}, err
	}
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		if err := checkGroups(tx, j.GroupIDs); err != nil {
			return err
		}
		seq, err := tx.Bucket(bucketJobs).NextSequence()
		if err != nil {
			return err
		}
		j.ID = int64(seq)
		return putBoltJob(tx, j)
	})
	if err != nil {
		return Job{}, errors.Wrap(err, "create job")
	}
	return j, nil
}

func (s *boltStore) UpdateJob(ctx context.Context, id int64, e JobEdit) (Job, error) {
	var out Job
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		bj, err := getBoltJob(tx, id)
		if err != nil {
			return err
		}
		j := bj.toJob()
		applyEdit(&j, e)
		if err := prepareJob(&j, s.now()); err != nil {
			return err
		}
		if err := checkGroups(tx, j.GroupIDs); err != nil {
			return err
		}
		out = j
		return putBoltJob(tx, j)
	})
	if err != nil {
		return Job{}, errors.Wrap(err, "update job")
	}
	return out, nil
}

func (s *boltStore) DeleteJob(ctx context.Context, id int64) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get(idKey(id)) == nil {
			return errors.Wrapf(ErrNotFound, "job %d", id)
		}
		return b.Delete(idKey(id))
	})
}

func (s *boltStore) CreateGroup(ctx context.Context, name string) (Group, error) {
	name = normalizeGroupName(name)
	if name == "" {
		return Group{}, errors.Wrap(ErrInvalid, "group name is empty")
	}
	var g Group
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketGroupNames).Get(groupNameKey(name)) != nil {
			return errors.Wrapf(ErrConflict, "group %q", name)
		}
		var err error
		g, err = insertBoltGroup(tx, name, s.now())
		return err
	})
	if err != nil {
		return Group{}, err
	}
	return g, nil
}

func (s *boltStore) EnsureGroups(ctx context.Context, names []string) ([]Group, error) {
	now := s.now()
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		for _, n := range names {
			n = normalizeGroupName(n)
			if n == "" || tx.Bucket(bucketGroupNames).Get(groupNameKey(n)) != nil {
				continue
			}
			if _, err := insertBoltGroup(tx, n, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "ensure groups")
	}
	return s.ListGroups(ctx)
}

func (s *boltStore) ListGroups(ctx context.Context) ([]Group, error) {
	var out []Group
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(_, v []byte) error {
			var bg boltGroup
			if err := json.Unmarshal(v, &bg); err != nil {
				return errors.Wrap(err, "decode group")
			}
			out = append(out, Group{ID: bg.ID, Name: bg.Name, CreatedAt: time.UnixMilli(bg.CreatedAt).UTC()})
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "list groups")
	}
	return out, nil
}

func (s *boltStore) UpsertRecipient(ctx context.Context, r Recipient) (Recipient, error) {
	if r.ChatID == 0 {
		return Recipient{}, errors.Wrap(ErrInvalid, "chat id is required")
	}
	if r.JoinedAt.IsZero() {
		r.JoinedAt = s.now()
	}
	r.JoinedAt = r.JoinedAt.UTC().Truncate(time.Millisecond)
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		if r.GroupID > 0 && tx.Bucket(bucketGroups).Get(idKey(r.GroupID)) == nil {
			return errors.Wrapf(ErrNotFound, "group %d", r.GroupID)
		}
		recs := tx.Bucket(bucketRecipients)
		chats := tx.Bucket(bucketRecipientChat)
		if existing := chats.Get(idKey(r.ChatID)); existing != nil {
			var cur boltRecipient
			if err := json.Unmarshal(recs.Get(existing), &cur); err != nil {
				return errors.Wrap(err, "decode recipient")
			}
			r.ID = cur.ID
			r.JoinedAt = time.UnixMilli(cur.JoinedAt).UTC()
		} else {
			seq, err := recs.NextSequence()
			if err != nil {
				return err
			}
			r.ID = int64(seq)
			if err := chats.Put(idKey(r.ChatID), idKey(r.ID)); err != nil {
				return err
			}
		}
		b, err := json.Marshal(boltRecipient{
			ID: r.ID, ChatID: r.ChatID, Username: strings.TrimSpace(r.Username),
			GroupID: r.GroupID, JoinedAt: r.JoinedAt.UnixMilli(),
		})
		if err != nil {
			return err
		}
		return recs.Put(idKey(r.ID), b)
	})
	if err != nil {
		return Recipient{}, errors.Wrap(err, "upsert recipient")
	}
	return r, nil
}

func (s *boltStore) GetRecipient(ctx context.Context, chatID int64) (*Recipient, error) {
	var out *Recipient
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketRecipientChat).Get(idKey(chatID))
		if id == nil {
			return errors.Wrapf(ErrNotFound, "recipient %d", chatID)
		}
		var br boltRecipient
		if err := json.Unmarshal(tx.Bucket(bucketRecipients).Get(id), &br); err != nil {
			return errors.Wrap(err, "decode recipient")
		}
		r := br.toRecipient()
		out = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *boltStore) ListGroupRecipients(ctx context.Context, groupID int64) ([]Recipient, error) {
	var out []Recipient
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return forEachRecipient(tx, func(br boltRecipient) {
			if br.GroupID == groupID {
				out = append(out, br.toRecipient())
			}
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "list group recipients")
	}
	return out, nil
}

func (s *boltStore) ListRecipients(ctx context.Context, groupIDs []int64) ([]int64, error) {
	groupIDs = uniqueIDs(groupIDs)
	if len(groupIDs) == 0 {
		return nil, nil
	}
	want := make(map[int64]struct{}, len(groupIDs))
	for _, id := range groupIDs {
		want[id] = struct{}{}
	}
	var out []int64
	seen := map[int64]struct{}{}
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return forEachRecipient(tx, func(br boltRecipient) {
			if _, ok := want[br.GroupID]; !ok {
				return
			}
			if _, dup := seen[br.ChatID]; dup {
				return
			}
			seen[br.ChatID] = struct{}{}
			out = append(out, br.ChatID)
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "list recipients")
	}
	return out, nil
}

func forEachRecipient(tx *bbolt.Tx, fn func(boltRecipient)) error {
	return tx.Bucket(bucketRecipients).ForEach(func(_, v []byte) error {
		var br boltRecipient
		if err := json.Unmarshal(v, &br); err != nil {
			return errors.Wrap(err, "decode recipient")
		}
		fn(br)
		return nil
	})
}

func insertBoltGroup(tx *bbolt.Tx, name string, now time.Time) (Group, error) {
	b := tx.Bucket(bucketGroups)
	seq, err := b.NextSequence()
	if err != nil {
		return Group{}, err
	}
	g := Group{ID: int64(seq), Name: name, CreatedAt: now.UTC().Truncate(time.Millisecond)}
	raw, err := json.Marshal(boltGroup{ID: g.ID, Name: g.Name, CreatedAt: g.CreatedAt.UnixMilli()})
	if err != nil {
		return Group{}, err
	}
	if err := b.Put(idKey(g.ID), raw); err != nil {
		return Group{}, err
	}
	return g, tx.Bucket(bucketGroupNames).Put(groupNameKey(name), idKey(g.ID))
}

func checkGroups(tx *bbolt.Tx, ids []int64) error {
	b := tx.Bucket(bucketGroups)
	for _, id := range ids {
		if b.Get(idKey(id)) == nil {
			return errors.Wrapf(ErrNotFound, "group %d", id)
		}
	}
	return nil
}

func getBoltJob(tx *bbolt.Tx, id int64) (boltJob, error) {
	raw := tx.Bucket(bucketJobs).Get(idKey(id))
	if raw == nil {
		return boltJob{}, errors.Wrapf(ErrNotFound, "job %d", id)
	}
	var bj boltJob
	if err := json.Unmarshal(raw, &bj); err != nil {
		return boltJob{}, errors.Wrapf(err, "decode job %d", id)
	}
	return bj, nil
}

func putBoltJob(tx *bbolt.Tx, j Job) error {
	bj := boltJob{
		ID:         j.ID,
		Message:    j.Message,
		Recurrence: string(j.Recurrence),
		CronExpr:   j.CronExpr,
		Active:     j.Active,
		GroupIDs:   j.GroupIDs,
		OwnerID:    j.OwnerID,
		CreatedAt:  j.CreatedAt.UnixMilli(),
	}
	if j.NextRunAt != nil {
		ms := j.NextRunAt.UnixMilli()
		bj.NextRunAt = &ms
	}
	raw, err := json.Marshal(bj)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketJobs).Put(idKey(j.ID), raw)
}

func (br boltRecipient) toRecipient() Recipient {
	return Recipient{
		ID:       br.ID,
		ChatID:   br.ChatID,
		Username: br.Username,
		GroupID:  br.GroupID,
		JoinedAt: time.UnixMilli(br.JoinedAt).UTC(),
	}
}

func (bj boltJob) toJob() Job {
	j := Job{
		ID:         bj.ID,
		Message:    bj.Message,
		Recurrence: recurrence.Type(bj.Recurrence),
		CronExpr:   bj.CronExpr,
		Active:     bj.Active,
		GroupIDs:   append([]int64(nil), bj.GroupIDs...),
		OwnerID:    bj.OwnerID,
		CreatedAt:  time.UnixMilli(bj.CreatedAt).UTC(),
	}
	if bj.NextRunAt != nil {
		t := time.UnixMilli(*bj.NextRunAt).UTC()
		j.NextRunAt = &t
	}
	return j
}

// idKey encodes ids big-endian so ForEach walks them in insertion order.
func idKey(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func groupNameKey(name string) []byte {
	return []byte(strings.ToLower(name))
}
