// Package tasks is the read side of the task subsystem: which tasks are due,
// and the status write-back after acknowledgement or exhaustion.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"escalator/internal/escalation"
)

var ErrNotFound = errors.New("task not found")

type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusMissed       Status = "missed"
	StatusCancelled    Status = "cancelled"
)

func ParseStatus(raw string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(raw))); st {
	case StatusPending, StatusAcknowledged, StatusMissed, StatusCancelled:
		return st, nil
	case "":
		return StatusPending, nil
	default:
		return "", fmt.Errorf("unknown task status %q", raw)
	}
}

// Contact holds the per-channel recipient addresses.
type Contact struct {
	ChatID int64  `json:"chat_id,omitempty" yaml:"chat_id"`
	Phone  string `json:"phone,omitempty" yaml:"phone"`
	Name   string `json:"name,omitempty" yaml:"name"`
}

type Task struct {
	ID          string
	OwnerID     string
	Title       string
	Class       string
	ScheduledAt time.Time
	Deadline    time.Time
	Tags        []string
	MissCount   int
	Status      Status
	Contact     Contact
	UpdatedAt   time.Time
}

// Attributes returns the fields the priority scorer looks at.
func (t Task) Attributes() escalation.Attributes {
	return escalation.Attributes{
		Class:     t.Class,
		Tags:      t.Tags,
		MissCount: t.MissCount,
		Deadline:  t.Deadline,
	}
}

// Due reports whether t should be escalated at asOf.
func (t Task) Due(asOf time.Time) bool {
	return t.Status == StatusPending && !t.ScheduledAt.IsZero() && !t.ScheduledAt.After(asOf)
}

// Source is the narrow interface the scheduler and the ack receiver use.
type Source interface {
	// ListDue returns pending tasks with scheduled_at <= asOf.
	ListDue(ctx context.Context, asOf time.Time) ([]Task, error)
	// SetStatus records a terminal outcome. Setting missed also bumps
	// miss_count, which feeds the next occurrence's priority.
	SetStatus(ctx context.Context, id string, status Status) error
}

func sortDue(ts []Task) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].ScheduledAt.Equal(ts[j].ScheduledAt) {
			return ts[i].ScheduledAt.Before(ts[j].ScheduledAt)
		}
		return ts[i].ID < ts[j].ID
	})
}
