package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"batchcast/internal/recurrence"
	logx "batchcast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const jobColumns = `j.id, j.message, j.recurrence, j.cron_expr, j.next_run_at, j.is_active, j.owner_id, j.created_at,
	(SELECT GROUP_CONCAT(g.group_id) FROM job_groups g WHERE g.job_id = j.id)`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create storage dir")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	st, err := newSQLiteStore(db, cfg, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return st, nil
}

func newSQLiteStore(db *sql.DB, cfg Config, log logx.Logger) (*sqliteStore, error) {
	// SQLite prefers a single writer; one connection also keeps :memory: alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA foreign_keys = ON",
	}
	if cfg.Path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, errors.Wrapf(err, "sqlite %s", p)
		}
	}

	st := &sqliteStore{db: db, log: log, now: time.Now}
	if err := st.migrate(context.Background()); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return errors.Wrap(err, "migrate")
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ListDueJobs(ctx context.Context, now time.Time) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs j
		 WHERE j.is_active = 1 AND j.next_run_at IS NOT NULL AND j.next_run_at <= ?
		 ORDER BY j.next_run_at, j.id`,
		now.UnixMilli(),
	)
	if err != nil {
		return nil, s.wrap(err, "list due jobs")
	}
	return scanJobs(rows)
}

func (s *sqliteStore) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs j ORDER BY j.id`)
	if err != nil {
		return nil, s.wrap(err, "list jobs")
	}
	return scanJobs(rows)
}

func (s *sqliteStore) GetJob(ctx context.Context, id int64) (*Job, error) {
	return s.getJob(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqliteStore) getJob(ctx context.Context, q queryer, id int64) (*Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs j WHERE j.id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "job %d", id)
	}
	if err != nil {
		return nil, s.wrap(err, "get job")
	}
	return &j, nil
}

func (s *sqliteStore) UpdateJobSchedule(ctx context.Context, id int64, u ScheduleUpdate) error {
	var next any
	if u.NextRunAt != nil {
		next = u.NextRunAt.UnixMilli()
	}
	var active any
	if u.Active != nil {
		active = boolInt(*u.Active)
	}
	// Single statement: both columns change together or not at all.
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
		   next_run_at = CASE
		     WHEN ? IS NULL THEN next_run_at
		     WHEN next_run_at IS NOT NULL AND ? < next_run_at THEN next_run_at
		     ELSE ? END,
		   is_active = COALESCE(?, is_active)
		 WHERE id = ?`,
		next, next, next, active, id,
	)
	if err != nil {
		return s.wrap(err, "update job schedule")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap(err, "update job schedule")
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "job %d", id)
	}
	return nil
}

func (s *sqliteStore) CreateJob(ctx context.Context, j Job) (Job, error) {
	if err := prepareJob(&j, s.now()); err != nil {
		return Job{}, err
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO jobs(message, recurrence, cron_expr, next_run_at, is_active, owner_id, created_at)
			 VALUES(?,?,?,?,?,?,?)`,
			j.Message, string(j.Recurrence), nullStr(j.CronExpr), nullTime(j.NextRunAt),
			boolInt(j.Active), j.OwnerID, j.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return err
		}
		if j.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		return setJobGroups(ctx, tx, j.ID, j.GroupIDs)
	})
	if err != nil {
		return Job{}, s.wrap(err, "create job")
	}
	return j, nil
}

func (s *sqliteStore) UpdateJob(ctx context.Context, id int64, e JobEdit) (Job, error) {
	var out Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		j := *cur
		applyEdit(&j, e)
		if err := prepareJob(&j, s.now()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET message = ?, recurrence = ?, cron_expr = ?, next_run_at = ?, is_active = ?
			 WHERE id = ?`,
			j.Message, string(j.Recurrence), nullStr(j.CronExpr), nullTime(j.NextRunAt), boolInt(j.Active), id,
		); err != nil {
			return err
		}
		if e.GroupIDs != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM job_groups WHERE job_id = ?`, id); err != nil {
				return err
			}
			if err := setJobGroups(ctx, tx, id, j.GroupIDs); err != nil {
				return err
			}
		}
		out = j
		return nil
	})
	if err != nil {
		return Job{}, s.wrap(err, "update job")
	}
	return out, nil
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return s.wrap(err, "delete job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "job %d", id)
	}
	return nil
}

func (s *sqliteStore) CreateGroup(ctx context.Context, name string) (Group, error) {
	name = normalizeGroupName(name)
	if name == "" {
		return Group{}, errors.Wrap(ErrInvalid, "group name is empty")
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM recipient_groups WHERE name = ?`, name).Scan(&exists)
	if err != nil {
		return Group{}, s.wrap(err, "create group")
	}
	if exists > 0 {
		return Group{}, errors.Wrapf(ErrConflict, "group %q", name)
	}
	g := Group{Name: name, CreatedAt: s.now().UTC().Truncate(time.Millisecond)}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO recipient_groups(name, created_at) VALUES(?,?)`, g.Name, g.CreatedAt.UnixMilli())
	if err != nil {
		return Group{}, s.wrap(err, "create group")
	}
	if g.ID, err = res.LastInsertId(); err != nil {
		return Group{}, s.wrap(err, "create group")
	}
	return g, nil
}

func (s *sqliteStore) EnsureGroups(ctx context.Context, names []string) ([]Group, error) {
	created := s.now().UnixMilli()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, n := range names {
			n = normalizeGroupName(n)
			if n == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO recipient_groups(name, created_at) VALUES(?,?) ON CONFLICT(name) DO NOTHING`,
				n, created,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap(err, "ensure groups")
	}
	return s.ListGroups(ctx)
}

func (s *sqliteStore) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM recipient_groups ORDER BY id`)
	if err != nil {
		return nil, s.wrap(err, "list groups")
	}
	defer rows.Close()
	var out []Group
	for rows.Next() {
		var g Group
		var ms int64
		if err := rows.Scan(&g.ID, &g.Name, &ms); err != nil {
			return nil, s.wrap(err, "list groups")
		}
		g.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, g)
	}
	return out, s.wrap(rows.Err(), "list groups")
}

func (s *sqliteStore) UpsertRecipient(ctx context.Context, r Recipient) (Recipient, error) {
	if r.ChatID == 0 {
		return Recipient{}, errors.Wrap(ErrInvalid, "chat id is required")
	}
	if r.JoinedAt.IsZero() {
		r.JoinedAt = s.now()
	}
	r.JoinedAt = r.JoinedAt.UTC().Truncate(time.Millisecond)
	var group any
	if r.GroupID > 0 {
		group = r.GroupID
	}
	var joined int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO recipients(chat_id, username, group_id, joined_at) VALUES(?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET username = excluded.username, group_id = excluded.group_id
		 RETURNING id, joined_at`,
		r.ChatID, nullStr(r.Username), group, r.JoinedAt.UnixMilli(),
	).Scan(&r.ID, &joined)
	if isForeignKeyErr(err) {
		return Recipient{}, errors.Wrapf(ErrNotFound, "group %d", r.GroupID)
	}
	if err != nil {
		return Recipient{}, s.wrap(err, "upsert recipient")
	}
	r.JoinedAt = time.UnixMilli(joined).UTC()
	return r, nil
}

func (s *sqliteStore) GetRecipient(ctx context.Context, chatID int64) (*Recipient, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, username, group_id, joined_at FROM recipients WHERE chat_id = ?`, chatID)
	r, err := scanRecipient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "recipient %d", chatID)
	}
	if err != nil {
		return nil, s.wrap(err, "get recipient")
	}
	return &r, nil
}

func (s *sqliteStore) ListGroupRecipients(ctx context.Context, groupID int64) ([]Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, username, group_id, joined_at FROM recipients WHERE group_id = ? ORDER BY id`, groupID)
	if err != nil {
		return nil, s.wrap(err, "list group recipients")
	}
	defer rows.Close()
	var out []Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, s.wrap(err, "list group recipients")
		}
		out = append(out, r)
	}
	return out, s.wrap(rows.Err(), "list group recipients")
}

func scanRecipient(r rowScanner) (Recipient, error) {
	var (
		rec   Recipient
		user  sql.NullString
		group sql.NullInt64
		ms    int64
	)
	if err := r.Scan(&rec.ID, &rec.ChatID, &user, &group, &ms); err != nil {
		return Recipient{}, err
	}
	rec.Username = user.String
	rec.GroupID = group.Int64
	rec.JoinedAt = time.UnixMilli(ms).UTC()
	return rec, nil
}

func (s *sqliteStore) ListRecipients(ctx context.Context, groupIDs []int64) ([]int64, error) {
	groupIDs = uniqueIDs(groupIDs)
	if len(groupIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(groupIDs))
	for i, id := range groupIDs {
		args[i] = id
	}
	ph := strings.TrimSuffix(strings.Repeat("?,", len(groupIDs)), ",")
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id FROM recipients WHERE group_id IN (`+ph+`) ORDER BY id`, args...)
	if err != nil {
		return nil, s.wrap(err, "list recipients")
	}
	defer rows.Close()
	var out []int64
	seen := map[int64]struct{}{}
	for rows.Next() {
		var chat int64
		if err := rows.Scan(&chat); err != nil {
			return nil, s.wrap(err, "list recipients")
		}
		if _, ok := seen[chat]; ok {
			continue
		}
		seen[chat] = struct{}{}
		out = append(out, chat)
	}
	return out, s.wrap(rows.Err(), "list recipients")
}

func (s *sqliteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// wrap annotates driver errors; sentinel-marked errors pass through unchanged.
func (s *sqliteStore) wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalid) || errors.Is(err, ErrConflict) {
		return err
	}
	if strings.Contains(err.Error(), "database is closed") {
		return errors.Mark(errors.Wrap(err, op), ErrClosed)
	}
	if isForeignKeyErr(err) {
		return errors.Wrap(errors.Mark(err, ErrNotFound), op)
	}
	return errors.Wrap(err, op)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
	var (
		j       Job
		rec     string
		cronStr sql.NullString
		next    sql.NullInt64
		active  int
		created int64
		groups  sql.NullString
	)
	if err := r.Scan(&j.ID, &j.Message, &rec, &cronStr, &next, &active, &j.OwnerID, &created, &groups); err != nil {
		return Job{}, err
	}
	j.Recurrence = recurrence.Type(rec)
	j.CronExpr = cronStr.String
	if next.Valid {
		t := time.UnixMilli(next.Int64).UTC()
		j.NextRunAt = &t
	}
	j.Active = active != 0
	j.CreatedAt = time.UnixMilli(created).UTC()
	if groups.Valid && groups.String != "" {
		for _, part := range strings.Split(groups.String, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return Job{}, errors.Wrapf(err, "job %d: bad group id %q", j.ID, part)
			}
			j.GroupIDs = append(j.GroupIDs, id)
		}
	}
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func setJobGroups(ctx context.Context, tx *sql.Tx, jobID int64, groupIDs []int64) error {
	for _, gid := range groupIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_groups(job_id, group_id) VALUES(?,?)`, jobID, gid); err != nil {
			if isForeignKeyErr(err) {
				return errors.Wrapf(ErrNotFound, "group %d", gid)
			}
			return err
		}
	}
	return nil
}

func isForeignKeyErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
