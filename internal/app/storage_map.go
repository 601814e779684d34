package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"escalator/internal/config"
	"escalator/internal/storage"
	"escalator/internal/tasks"
	logx "escalator/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := config.NormalizeDriver(sc.Driver)
	out := storage.Config{Driver: driver, MaxOpenConns: sc.MaxOpenConns}
	switch driver {
	case "memory":
	case "file":
		out.Path = strings.TrimSpace(sc.Path)
	case "sqlite":
		out.Path = strings.TrimSpace(sc.Path)
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "postgres":
		out.DSN = strings.TrimSpace(sc.DSN)
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

// openTaskSource builds the configured task source. The sql source shares
// the dispatch store's connection pool.
func openTaskSource(ctx context.Context, cfg *config.Config, store storage.Store, log logx.Logger) (tasks.Source, error) {
	switch src := config.NormalizeSource(cfg.Tasks.Source); src {
	case "memory":
		return tasks.NewMemorySource(), nil
	case "file":
		path := strings.TrimSpace(cfg.Tasks.Path)
		if path == "" {
			path = "./tasks.yaml"
		}
		fs, err := tasks.LoadFile(path, log)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "sql":
		sb, ok := store.(storage.SQLBacked)
		if !ok {
			return nil, fmt.Errorf("tasks.source=sql needs a SQL store, have %s", config.NormalizeDriver(cfg.Storage.Driver))
		}
		s := tasks.NewSQLSource(sb)
		if err := s.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate tasks table: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown tasks.source: %s", cfg.Tasks.Source)
	}
}
