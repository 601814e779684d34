package tasks

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"escalator/internal/storage"
)

const taskCols = `id, owner_id, title, class, scheduled_at, deadline, tags, miss_count, status,
	contact_chat_id, contact_phone, contact_name, updated_at`

// SQLSource reads the tasks table living next to the dispatches table.
type SQLSource struct {
	db      *sql.DB
	dialect storage.Dialect
	now     func() time.Time
}

// NewSQLSource shares the dispatch store's pool.
func NewSQLSource(sb storage.SQLBacked) *SQLSource {
	return &SQLSource{db: sb.DB(), dialect: sb.Dialect(), now: time.Now}
}

func (s *SQLSource) q(query string) string { return s.dialect.Rebind(query) }

// Migrate creates the tasks table if missing.
func (s *SQLSource) Migrate(ctx context.Context) error {
	bigint := "INTEGER"
	if s.dialect == storage.DialectPostgres {
		bigint = "BIGINT"
	}
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL DEFAULT '',
  class TEXT NOT NULL DEFAULT '',
  scheduled_at `+bigint+` NOT NULL,
  deadline `+bigint+`,
  tags TEXT NOT NULL DEFAULT '',
  miss_count INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'pending',
  contact_chat_id `+bigint+` NOT NULL DEFAULT 0,
  contact_phone TEXT NOT NULL DEFAULT '',
  contact_name TEXT NOT NULL DEFAULT '',
  updated_at `+bigint+` NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS tasks_due ON tasks(status, scheduled_at);`)
	return err
}

// Upsert writes t as-is. The scheduler never calls it; it exists for seeding
// and for the task subsystem's tests.
func (s *SQLSource) Upsert(ctx context.Context, t Task) error {
	if t.Status == "" {
		t.Status = StatusPending
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO tasks(`+taskCols+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
		  owner_id = excluded.owner_id, title = excluded.title, class = excluded.class,
		  scheduled_at = excluded.scheduled_at, deadline = excluded.deadline, tags = excluded.tags,
		  miss_count = excluded.miss_count, status = excluded.status,
		  contact_chat_id = excluded.contact_chat_id, contact_phone = excluded.contact_phone,
		  contact_name = excluded.contact_name, updated_at = excluded.updated_at`),
		t.ID, t.OwnerID, t.Title, t.Class, t.ScheduledAt.UnixMilli(), msOrNull(t.Deadline),
		strings.Join(t.Tags, ","), t.MissCount, string(t.Status),
		t.Contact.ChatID, t.Contact.Phone, t.Contact.Name, s.now().UnixMilli(),
	)
	return err
}

func (s *SQLSource) ListDue(ctx context.Context, asOf time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+taskCols+` FROM tasks
		WHERE status = ? AND scheduled_at <= ? ORDER BY scheduled_at, id`),
		string(StatusPending), asOf.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var (
			t                  Task
			scheduled, updated int64
			deadline           sql.NullInt64
			tags, status       string
		)
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Class, &scheduled, &deadline, &tags,
			&t.MissCount, &status, &t.Contact.ChatID, &t.Contact.Phone, &t.Contact.Name, &updated); err != nil {
			return nil, err
		}
		t.ScheduledAt = time.UnixMilli(scheduled)
		if deadline.Valid {
			t.Deadline = time.UnixMilli(deadline.Int64)
		}
		t.UpdatedAt = time.UnixMilli(updated)
		t.Tags = splitTags(tags)
		t.Status = Status(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLSource) SetStatus(ctx context.Context, id string, status Status) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}
	missed := 0
	if status == StatusMissed {
		missed = 1
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE tasks
		SET status = ?, updated_at = ?,
		    miss_count = miss_count + CASE WHEN status <> ? THEN ? ELSE 0 END
		WHERE id = ?`),
		string(status), s.now().UnixMilli(), string(StatusMissed), missed, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func splitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func msOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
