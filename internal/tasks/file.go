package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	logx "escalator/pkg/logx"

	"go.yaml.in/yaml/v3"
)

// FileSource serves tasks from a YAML file. Status changes live in memory
// only; they are logged so an operator can carry them back.
//
//	tasks:
//	  - id: meds-morning
//	    title: Take morning medication
//	    class: medication
//	    scheduled_at: 2026-01-02T08:00:00Z
//	    tags: [critical]
//	    contact: {chat_id: 123456, phone: "+15550100"}
type FileSource struct {
	*MemorySource
	path string
	log  logx.Logger
}

type taskFile struct {
	Tasks []fileTask `yaml:"tasks"`
}

type fileTask struct {
	ID          string   `yaml:"id"`
	OwnerID     string   `yaml:"owner_id"`
	Title       string   `yaml:"title"`
	Class       string   `yaml:"class"`
	ScheduledAt string   `yaml:"scheduled_at"`
	Deadline    string   `yaml:"deadline"`
	Tags        []string `yaml:"tags"`
	MissCount   int      `yaml:"miss_count"`
	Status      string   `yaml:"status"`
	Contact     Contact  `yaml:"contact"`
}

func LoadFile(path string, log logx.Logger) (*FileSource, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ts, err := ParseYAML(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Info("task file loaded", logx.String("path", path), logx.Int("tasks", len(ts)))
	return &FileSource{MemorySource: NewMemorySource(ts...), path: path, log: log}, nil
}

// ParseYAML decodes a task file. Unknown keys are rejected.
func ParseYAML(b []byte) ([]Task, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var f taskFile
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	out := make([]Task, 0, len(f.Tasks))
	for i, ft := range f.Tasks {
		id := strings.TrimSpace(ft.ID)
		if id == "" {
			return nil, fmt.Errorf("tasks[%d]: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("tasks[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		at, err := parseTime(ft.ScheduledAt)
		if err != nil || at.IsZero() {
			return nil, fmt.Errorf("tasks[%d] (%s): scheduled_at: %v", i, id, errOr(err, "is required"))
		}
		dl, err := parseTime(ft.Deadline)
		if err != nil {
			return nil, fmt.Errorf("tasks[%d] (%s): deadline: %w", i, id, err)
		}
		st, err := ParseStatus(ft.Status)
		if err != nil {
			return nil, fmt.Errorf("tasks[%d] (%s): %w", i, id, err)
		}
		out = append(out, Task{
			ID:          id,
			OwnerID:     ft.OwnerID,
			Title:       ft.Title,
			Class:       ft.Class,
			ScheduledAt: at,
			Deadline:    dl,
			Tags:        ft.Tags,
			MissCount:   ft.MissCount,
			Status:      st,
			Contact:     ft.Contact,
		})
	}
	return out, nil
}

func (f *FileSource) SetStatus(ctx context.Context, id string, status Status) error {
	if err := f.MemorySource.SetStatus(ctx, id, status); err != nil {
		return err
	}
	f.log.Info("task status changed (in memory only)",
		logx.String("path", f.path), logx.String("task_id", id), logx.String("status", string(status)))
	return nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func errOr(err error, msg string) error {
	if err != nil {
		return err
	}
	return errors.New(msg)
}
