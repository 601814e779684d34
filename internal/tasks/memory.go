package tasks

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemorySource keeps tasks in a map. Used by tests and by FileSource.
type MemorySource struct {
	mu    sync.RWMutex
	tasks map[string]Task
	now   func() time.Time
}

func NewMemorySource(ts ...Task) *MemorySource {
	m := &MemorySource{tasks: map[string]Task{}, now: time.Now}
	m.Put(ts...)
	return m
}

// Put inserts or replaces tasks. An empty status becomes pending.
func (m *MemorySource) Put(ts ...Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range ts {
		if t.Status == "" {
			t.Status = StatusPending
		}
		t.Tags = append([]string(nil), t.Tags...)
		m.tasks[t.ID] = t
	}
}

func (m *MemorySource) Get(id string) (Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok
}

func (m *MemorySource) ListDue(ctx context.Context, asOf time.Time) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.Due(asOf) {
			out = append(out, t)
		}
	}
	m.mu.RUnlock()
	sortDue(out)
	return out, nil
}

func (m *MemorySource) SetStatus(ctx context.Context, id string, status Status) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[strings.TrimSpace(id)]
	if !ok {
		return ErrNotFound
	}
	if status == StatusMissed && t.Status != StatusMissed {
		t.MissCount++
	}
	t.Status = status
	t.UpdatedAt = m.now()
	m.tasks[t.ID] = t
	return nil
}
