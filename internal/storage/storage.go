package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/koko-u/log-collectors/internal/api"
)

var (
	ErrClosed = errors.New("storage closed")
)

// Storage defines the persistence operations for access logs.
type Storage interface {
	// InsertLog stores one record. A nil timestamp means "now". The stored
	// timestamp is always truncated to whole seconds.
	InsertLog(ctx context.Context, userAgent string, responseTime int32, timestamp *time.Time) (*Log, error)

	// GetLogs returns records with from <= timestamp <= until. Nil bounds are
	// unbounded. Result order is not part of the contract.
	GetLogs(ctx context.Context, from, until *time.Time) ([]*Log, error)

	// LoadFile bulk-inserts a headerless CSV file of NewLog rows and returns
	// the number of rows inserted. Malformed rows are skipped.
	LoadFile(ctx context.Context, path string) (uint64, error)

	// Lifecycle
	Close() error
}

// Log is a stored access-log record.
type Log struct {
	ID           uuid.UUID
	UserAgent    string
	ResponseTime int32     // milliseconds
	Timestamp    time.Time // UTC, second precision
}

// Response projects the log onto its wire form.
func (l *Log) Response() api.LogResponse {
	return api.LogResponse{
		UserAgent:    l.UserAgent,
		ResponseTime: l.ResponseTime,
		Timestamp:    l.Timestamp,
	}
}

// Truncate normalizes t to UTC with sub-second digits dropped.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// Now returns the current instant as the store records it.
func Now() time.Time {
	return Truncate(time.Now())
}

// resolveTimestamp applies the default and truncation rules for an ingress
// timestamp.
func resolveTimestamp(ts *time.Time) time.Time {
	if ts == nil {
		return Now()
	}
	return Truncate(*ts)
}

// inRange reports whether t satisfies both inclusive bounds.
func inRange(t time.Time, from, until *time.Time) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if until != nil && t.After(*until) {
		return false
	}
	return true
}
