package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"escalator/internal/dispatch"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// If Driver is empty, "memory" is used.
type Config struct {
	Driver       string
	Path         string // file, sqlite
	DSN          string // postgres
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// Store is a DispatchStore with lifecycle hooks.
type Store interface {
	dispatch.Store
	Ping(ctx context.Context) error
	Close() error
}

// SQLBacked is implemented by the SQL drivers so other components (the task
// source) can share the connection pool.
type SQLBacked interface {
	DB() *sql.DB
	Dialect() Dialect
}
