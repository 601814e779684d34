package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"escalator/internal/dispatch"
)

// memStore keeps every row in maps guarded by one mutex. The mutex makes each
// operation atomic within a process; the file driver reuses it and adds a
// journal through persist.
type memStore struct {
	mu sync.Mutex

	rows     map[string]dispatch.Dispatch // id -> row
	byTask   map[string][]string          // task id -> row ids (insertion order)
	inFlight map[string]string            // task id -> in-flight row id

	// persist is called with the rows about to change, before they are
	// applied. A non-nil error aborts the operation.
	persist func(rows ...dispatch.Dispatch) error
	closed  bool
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return newMemStore()
}

func newMemStore() *memStore {
	return &memStore{
		rows:     map[string]dispatch.Dispatch{},
		byTask:   map[string][]string{},
		inFlight: map[string]string{},
	}
}

// load replaces the state with rows (used when replaying a journal).
func (s *memStore) load(rows []dispatch.Dispatch) {
	s.rows = make(map[string]dispatch.Dispatch, len(rows))
	s.byTask = map[string][]string{}
	s.inFlight = map[string]string{}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	for _, r := range rows {
		s.applyLocked(r)
	}
}

func (s *memStore) applyLocked(r dispatch.Dispatch) {
	if _, ok := s.rows[r.ID]; !ok {
		s.byTask[r.TaskID] = append(s.byTask[r.TaskID], r.ID)
	}
	s.rows[r.ID] = r
	if r.Status == dispatch.StatusInFlight {
		s.inFlight[r.TaskID] = r.ID
	} else if s.inFlight[r.TaskID] == r.ID {
		delete(s.inFlight, r.TaskID)
	}
}

func (s *memStore) commitLocked(rows ...dispatch.Dispatch) error {
	if s.persist != nil {
		if err := s.persist(rows...); err != nil {
			return dispatch.Unavailable("persist", err)
		}
	}
	for _, r := range rows {
		s.applyLocked(r)
	}
	return nil
}

func (s *memStore) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return dispatch.Unavailable("memory", ErrClosed)
	}
	return nil
}

func (s *memStore) Ping(ctx context.Context) error {
	if err := s.lock(); err != nil {
		return err
	}
	s.mu.Unlock()
	return ctx.Err()
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memStore) CreateDispatch(ctx context.Context, d dispatch.Dispatch) error {
	if err := dispatch.ValidateNew(d); err != nil {
		return err
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if _, busy := s.inFlight[d.TaskID]; busy {
		return dispatch.ErrContention
	}
	for _, id := range s.byTask[d.TaskID] {
		if s.rows[id].DueAt.Equal(d.DueAt) {
			return dispatch.ErrContention
		}
	}
	return s.commitLocked(d)
}

func (s *memStore) TransitionStage(ctx context.Context, prev dispatch.Dispatch, prevStatus dispatch.Status, next dispatch.Dispatch) error {
	if err := dispatch.ValidateTransition(prev, prevStatus, next); err != nil {
		return err
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	cur, ok := s.rows[prev.ID]
	if !ok {
		return dispatch.ErrNotFound
	}
	if cur.Status != dispatch.StatusInFlight {
		return dispatch.ErrContention
	}
	closed := cur
	closed.Status = prevStatus
	closed.ClosedAt = next.CreatedAt
	if prev.LastError != "" {
		closed.LastError = prev.LastError
	}
	return s.commitLocked(closed, next)
}

func (s *memStore) UpdateInFlight(ctx context.Context, d dispatch.Dispatch, expectedAttempt int) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	cur, ok := s.rows[d.ID]
	if !ok {
		return dispatch.ErrNotFound
	}
	if cur.Status != dispatch.StatusInFlight || cur.AttemptCount != expectedAttempt {
		return dispatch.ErrContention
	}
	cur.SentAt = d.SentAt
	cur.ProviderRef = d.ProviderRef
	cur.AttemptCount = d.AttemptCount
	cur.NextCheckAt = d.NextCheckAt
	cur.LastError = d.LastError
	return s.commitLocked(cur)
}

func (s *memStore) MarkTimedOut(ctx context.Context, prev dispatch.Dispatch, at time.Time) (dispatch.Dispatch, error) {
	marker := dispatch.ExhaustedMarker(prev, at)
	if err := s.TransitionStage(ctx, prev, dispatch.StatusTimedOut, marker); err != nil {
		return dispatch.Dispatch{}, err
	}
	return marker, nil
}

func (s *memStore) MarkAcknowledged(ctx context.Context, ref dispatch.Ref, at time.Time, proof string) (dispatch.Dispatch, dispatch.AckResult, error) {
	if err := s.lock(); err != nil {
		return dispatch.Dispatch{}, "", err
	}
	defer s.mu.Unlock()

	row, ok := s.resolveLocked(ref)
	if !ok {
		return dispatch.Dispatch{}, dispatch.AckNotFound, nil
	}
	if row.Status != dispatch.StatusInFlight {
		id, busy := s.inFlight[row.TaskID]
		if !busy || !s.rows[id].DueAt.Equal(row.DueAt) {
			return row, dispatch.AckAlreadyTerminal, nil
		}
		row = s.rows[id]
	}
	row.Status = dispatch.StatusAcknowledged
	row.ClosedAt = at
	row.AckProof = proof
	if err := s.commitLocked(row); err != nil {
		return dispatch.Dispatch{}, "", err
	}
	return row, dispatch.AckOK, nil
}

func (s *memStore) resolveLocked(ref dispatch.Ref) (dispatch.Dispatch, bool) {
	if id := strings.TrimSpace(ref.DispatchID); id != "" {
		r, ok := s.rows[id]
		return r, ok
	}
	if pr := strings.TrimSpace(ref.ProviderRef); pr != "" {
		var (
			best  dispatch.Dispatch
			found bool
		)
		for _, r := range s.rows {
			if r.ProviderRef == pr && (!found || r.CreatedAt.After(best.CreatedAt)) {
				best, found = r, true
			}
		}
		return best, found
	}
	if tid := strings.TrimSpace(ref.TaskID); tid != "" {
		ids := s.byTask[tid]
		if len(ids) == 0 {
			return dispatch.Dispatch{}, false
		}
		return s.rows[ids[len(ids)-1]], true
	}
	return dispatch.Dispatch{}, false
}

func (s *memStore) MarkClosed(ctx context.Context, prev dispatch.Dispatch, status dispatch.Status, at time.Time) error {
	if err := dispatch.ValidateClose(status); err != nil {
		return err
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	cur, ok := s.rows[prev.ID]
	if !ok {
		return dispatch.ErrNotFound
	}
	if cur.Status != dispatch.StatusInFlight {
		return dispatch.ErrContention
	}
	cur.Status = status
	cur.ClosedAt = at
	if prev.LastError != "" {
		cur.LastError = prev.LastError
	}
	return s.commitLocked(cur)
}

func (s *memStore) FindInFlight(ctx context.Context) ([]dispatch.Dispatch, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	out := make([]dispatch.Dispatch, 0, len(s.inFlight))
	for _, id := range s.inFlight {
		out = append(out, s.rows[id])
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextCheckAt.Equal(out[j].NextCheckAt) {
			return out[i].NextCheckAt.Before(out[j].NextCheckAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) History(ctx context.Context, taskID string) ([]dispatch.Dispatch, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	ids := s.byTask[taskID]
	out := make([]dispatch.Dispatch, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.rows[id])
	}
	s.mu.Unlock()
	sortHistory(out)
	return out, nil
}

func sortHistory(rows []dispatch.Dispatch) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].Stage < rows[j].Stage
	})
}
