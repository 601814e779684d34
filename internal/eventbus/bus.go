// Package eventbus is the in-process fan-out for dispatch lifecycle events,
// plus an optional bridge that republishes them to NATS.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduler and the ack receiver.
const (
	TypeDispatchCreated      = "dispatch.created"
	TypeDispatchSent         = "dispatch.sent"
	TypeDispatchSendFailed   = "dispatch.send_failed"
	TypeDispatchEscalated    = "dispatch.escalated"
	TypeDispatchExhausted    = "dispatch.exhausted"
	TypeDispatchClosed       = "dispatch.closed"
	TypeDispatchAcknowledged = "dispatch.acknowledged"

	TypeConfigReloaded = "config.reloaded"
)

// Event is a small, JSON-serializable signal.
//
// Publish never blocks; a subscriber whose buffer is full misses the event.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// DispatchEvent is the Data of every dispatch.* event.
type DispatchEvent struct {
	DispatchID  string `json:"dispatch_id"`
	TaskID      string `json:"task_id"`
	Stage       string `json:"stage"`
	Status      string `json:"status,omitempty"`
	Level       string `json:"level,omitempty"`
	ProviderRef string `json:"provider_ref,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Error       string `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the read lock is cheap and keeps
	// unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped counts events lost to full subscriber buffers.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
