package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"escalator/internal/dispatch"
	"escalator/internal/escalation"
	logx "escalator/pkg/logx"
)

// Dialect selects placeholder syntax and error mapping for the SQL drivers.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Rebind rewrites '?' placeholders for the dialect.
func (d Dialect) Rebind(q string) string {
	if d != DialectPostgres || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

const dispatchCols = `id, task_id, due_at, stage, channel_attempted, status, attempt_count,
	sent_at, next_check_at, provider_ref, last_error, ack_proof, created_at, closed_at`

// sqlStore implements dispatch.Store over database/sql. The partial unique
// index dispatches_one_in_flight makes the database the arbiter between
// concurrent writers; every transition is a conditional UPDATE on
// status = 'in_flight'.
type sqlStore struct {
	db      *sql.DB
	dialect Dialect
	log     logx.Logger

	ackRetries int
}

func newSQLStore(db *sql.DB, dialect Dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, dialect: dialect, log: log, ackRetries: 3}
}

func (s *sqlStore) DB() *sql.DB { return s.db }
func (s *sqlStore) Dialect() Dialect { return s.dialect }

func (s *sqlStore) q(query string) string { return s.dialect.Rebind(query) }

func (s *sqlStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return dispatch.Unavailable("ping", ErrClosed)
	}
	return dispatch.Unavailable("ping", s.db.PingContext(ctx))
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dispatch.Unavailable(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if isUniqueViolation(err) {
			return dispatch.ErrContention
		}
		return dispatch.Unavailable(op, err)
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return dispatch.ErrContention
		}
		return dispatch.Unavailable(op, err)
	}
	return nil
}

func (s *sqlStore) insert(ctx context.Context, tx *sql.Tx, d dispatch.Dispatch) error {
	_, err := tx.ExecContext(ctx, s.q(`INSERT INTO dispatches(`+dispatchCols+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		d.ID, d.TaskID, d.DueAt.UnixMilli(), int(d.Stage), d.Channel, string(d.Status), d.AttemptCount,
		msOrNull(d.SentAt), d.NextCheckAt.UnixMilli(), nullStr(d.ProviderRef), nullStr(d.LastError),
		nullStr(d.AckProof), d.CreatedAt.UnixMilli(), msOrNull(d.ClosedAt),
	)
	return err
}

func (s *sqlStore) CreateDispatch(ctx context.Context, d dispatch.Dispatch) error {
	if err := dispatch.ValidateNew(d); err != nil {
		return err
	}
	return s.inTx(ctx, "create", func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRowContext(ctx,
			s.q(`SELECT COUNT(1) FROM dispatches WHERE task_id = ? AND (due_at = ? OR status = ?)`),
			d.TaskID, d.DueAt.UnixMilli(), string(dispatch.StatusInFlight),
		).Scan(&n)
		if err != nil {
			return err
		}
		if n > 0 {
			return dispatch.ErrContention
		}
		return s.insert(ctx, tx, d)
	})
}

// closeInFlight is the conditional UPDATE shared by every closing transition.
func (s *sqlStore) closeInFlight(ctx context.Context, tx *sql.Tx, id string, status dispatch.Status, at time.Time, lastErr, proof string) error {
	res, err := tx.ExecContext(ctx, s.q(`UPDATE dispatches
		SET status = ?, closed_at = ?, last_error = COALESCE(?, last_error), ack_proof = COALESCE(?, ack_proof)
		WHERE id = ? AND status = ?`),
		string(status), at.UnixMilli(), nullStr(lastErr), nullStr(proof), id, string(dispatch.StatusInFlight),
	)
	if err != nil {
		return err
	}
	return s.expectOne(ctx, tx, res, id)
}

// expectOne maps a conditional UPDATE that matched nothing to ErrNotFound or
// ErrContention.
func (s *sqlStore) expectOne(ctx context.Context, tx *sql.Tx, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(1) FROM dispatches WHERE id = ?`), id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return dispatch.ErrNotFound
	}
	return dispatch.ErrContention
}

func (s *sqlStore) TransitionStage(ctx context.Context, prev dispatch.Dispatch, prevStatus dispatch.Status, next dispatch.Dispatch) error {
	if err := dispatch.ValidateTransition(prev, prevStatus, next); err != nil {
		return err
	}
	return s.inTx(ctx, "transition", func(tx *sql.Tx) error {
		if err := s.closeInFlight(ctx, tx, prev.ID, prevStatus, next.CreatedAt, prev.LastError, ""); err != nil {
			return err
		}
		return s.insert(ctx, tx, next)
	})
}

func (s *sqlStore) UpdateInFlight(ctx context.Context, d dispatch.Dispatch, expectedAttempt int) error {
	return s.inTx(ctx, "update", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE dispatches
			SET sent_at = ?, provider_ref = ?, attempt_count = ?, next_check_at = ?, last_error = ?
			WHERE id = ? AND status = ? AND attempt_count = ?`),
			msOrNull(d.SentAt), nullStr(d.ProviderRef), d.AttemptCount, d.NextCheckAt.UnixMilli(), nullStr(d.LastError),
			d.ID, string(dispatch.StatusInFlight), expectedAttempt,
		)
		if err != nil {
			return err
		}
		return s.expectOne(ctx, tx, res, d.ID)
	})
}

func (s *sqlStore) MarkTimedOut(ctx context.Context, prev dispatch.Dispatch, at time.Time) (dispatch.Dispatch, error) {
	marker := dispatch.ExhaustedMarker(prev, at)
	if err := s.TransitionStage(ctx, prev, dispatch.StatusTimedOut, marker); err != nil {
		return dispatch.Dispatch{}, err
	}
	return marker, nil
}

func (s *sqlStore) MarkClosed(ctx context.Context, prev dispatch.Dispatch, status dispatch.Status, at time.Time) error {
	if err := dispatch.ValidateClose(status); err != nil {
		return err
	}
	return s.inTx(ctx, "close", func(tx *sql.Tx) error {
		return s.closeInFlight(ctx, tx, prev.ID, status, at, prev.LastError, "")
	})
}

func (s *sqlStore) MarkAcknowledged(ctx context.Context, ref dispatch.Ref, at time.Time, proof string) (dispatch.Dispatch, dispatch.AckResult, error) {
	// A concurrent escalation can supersede the resolved row between the read
	// and the update; re-resolving then lands on its successor.
	for i := 0; i < s.ackRetries; i++ {
		row, ok, err := s.resolve(ctx, ref)
		if err != nil {
			return dispatch.Dispatch{}, "", dispatch.Unavailable("ack", err)
		}
		if !ok {
			return dispatch.Dispatch{}, dispatch.AckNotFound, nil
		}
		if row.Status != dispatch.StatusInFlight {
			cur, busy, err := s.inFlightFor(ctx, row.TaskID)
			if err != nil {
				return dispatch.Dispatch{}, "", dispatch.Unavailable("ack", err)
			}
			if !busy || !cur.DueAt.Equal(row.DueAt) {
				return row, dispatch.AckAlreadyTerminal, nil
			}
			row = cur
		}

		err = s.inTx(ctx, "ack", func(tx *sql.Tx) error {
			return s.closeInFlight(ctx, tx, row.ID, dispatch.StatusAcknowledged, at, "", proof)
		})
		switch {
		case err == nil:
			row.Status = dispatch.StatusAcknowledged
			row.ClosedAt = time.UnixMilli(at.UnixMilli())
			row.AckProof = proof
			return row, dispatch.AckOK, nil
		case errors.Is(err, dispatch.ErrContention):
			s.log.Debug("ack raced with a transition, retrying", logx.String("ref", ref.String()), logx.Int("attempt", i+1))
			continue
		default:
			return dispatch.Dispatch{}, "", err
		}
	}
	return dispatch.Dispatch{}, "", dispatch.ErrContention
}

func (s *sqlStore) resolve(ctx context.Context, ref dispatch.Ref) (dispatch.Dispatch, bool, error) {
	var row *sql.Row
	switch {
	case strings.TrimSpace(ref.DispatchID) != "":
		row = s.db.QueryRowContext(ctx, s.q(`SELECT `+dispatchCols+` FROM dispatches WHERE id = ?`), strings.TrimSpace(ref.DispatchID))
	case strings.TrimSpace(ref.ProviderRef) != "":
		row = s.db.QueryRowContext(ctx, s.q(`SELECT `+dispatchCols+` FROM dispatches
			WHERE provider_ref = ? ORDER BY created_at DESC LIMIT 1`), strings.TrimSpace(ref.ProviderRef))
	case strings.TrimSpace(ref.TaskID) != "":
		row = s.db.QueryRowContext(ctx, s.q(`SELECT `+dispatchCols+` FROM dispatches
			WHERE task_id = ? ORDER BY created_at DESC, stage DESC LIMIT 1`), strings.TrimSpace(ref.TaskID))
	default:
		return dispatch.Dispatch{}, false, nil
	}
	d, err := scanDispatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return dispatch.Dispatch{}, false, nil
	}
	if err != nil {
		return dispatch.Dispatch{}, false, err
	}
	return d, true, nil
}

func (s *sqlStore) inFlightFor(ctx context.Context, taskID string) (dispatch.Dispatch, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+dispatchCols+` FROM dispatches WHERE task_id = ? AND status = ?`),
		taskID, string(dispatch.StatusInFlight))
	d, err := scanDispatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return dispatch.Dispatch{}, false, nil
	}
	if err != nil {
		return dispatch.Dispatch{}, false, err
	}
	return d, true, nil
}

func (s *sqlStore) FindInFlight(ctx context.Context) ([]dispatch.Dispatch, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+dispatchCols+` FROM dispatches
		WHERE status = ? ORDER BY next_check_at, id`), string(dispatch.StatusInFlight))
	if err != nil {
		return nil, dispatch.Unavailable("find_in_flight", err)
	}
	out, err := collect(rows)
	return out, dispatch.Unavailable("find_in_flight", err)
}

func (s *sqlStore) History(ctx context.Context, taskID string) ([]dispatch.Dispatch, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+dispatchCols+` FROM dispatches
		WHERE task_id = ? ORDER BY created_at, stage`), taskID)
	if err != nil {
		return nil, dispatch.Unavailable("history", err)
	}
	out, err := collect(rows)
	return out, dispatch.Unavailable("history", err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispatch(sc scanner) (dispatch.Dispatch, error) {
	var (
		d                                       dispatch.Dispatch
		dueAt, nextCheck, createdAt             int64
		stage                                   int
		status                                  string
		sentAt, closedAt                        sql.NullInt64
		channel, providerRef, lastErr, ackProof sql.NullString
	)
	err := sc.Scan(&d.ID, &d.TaskID, &dueAt, &stage, &channel, &status, &d.AttemptCount,
		&sentAt, &nextCheck, &providerRef, &lastErr, &ackProof, &createdAt, &closedAt)
	if err != nil {
		return dispatch.Dispatch{}, err
	}
	st, err := dispatch.ParseStatus(status)
	if err != nil {
		return dispatch.Dispatch{}, err
	}
	d.Status = st
	d.Stage = escalation.Stage(stage)
	d.Channel = channel.String
	d.DueAt = time.UnixMilli(dueAt)
	d.NextCheckAt = time.UnixMilli(nextCheck)
	d.CreatedAt = time.UnixMilli(createdAt)
	d.SentAt = fromNullMS(sentAt)
	d.ClosedAt = fromNullMS(closedAt)
	d.ProviderRef = providerRef.String
	d.LastError = lastErr.String
	d.AckProof = ackProof.String
	return d, nil
}

func collect(rows *sql.Rows) ([]dispatch.Dispatch, error) {
	defer rows.Close()
	var out []dispatch.Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func msOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMS(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

func isUniqueViolation(err error) bool {
	return sqliteUniqueViolation(err) || pqUniqueViolation(err)
}
