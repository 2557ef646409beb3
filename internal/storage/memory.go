package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage implements Storage with an in-process slice. Used by tests
// and the "memory:" database URL.
type MemoryStorage struct {
	mu     sync.RWMutex
	logs   []*Log
	closed bool
	log    *slog.Logger
}

// NewMemory creates a memory storage seeded with logs.
func NewMemory(logs ...*Log) *MemoryStorage {
	s := &MemoryStorage{log: slog.Default()}
	for _, l := range logs {
		cp := *l
		s.logs = append(s.logs, &cp)
	}
	return s
}

func (s *MemoryStorage) InsertLog(ctx context.Context, userAgent string, responseTime int32, timestamp *time.Time) (*Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	l := &Log{
		ID:           uuid.New(),
		UserAgent:    userAgent,
		ResponseTime: responseTime,
		Timestamp:    resolveTimestamp(timestamp),
	}
	s.logs = append(s.logs, l)

	cp := *l
	return &cp, nil
}

func (s *MemoryStorage) GetLogs(ctx context.Context, from, until *time.Time) ([]*Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	logs := make([]*Log, 0, len(s.logs))
	for _, l := range s.logs {
		if inRange(l.Timestamp, from, until) {
			cp := *l
			logs = append(logs, &cp)
		}
	}
	return logs, nil
}

func (s *MemoryStorage) LoadFile(ctx context.Context, path string) (uint64, error) {
	return loadFile(ctx, path, s.log, s.flush)
}

func (s *MemoryStorage) flush(ctx context.Context, b *columnBatch) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	for i := range b.ids {
		s.logs = append(s.logs, &Log{
			ID:           b.ids[i],
			UserAgent:    b.userAgents[i],
			ResponseTime: b.responseTimes[i],
			Timestamp:    b.timestamps[i],
		})
	}
	return int64(b.len()), nil
}

// Len returns the number of stored logs.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}

func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
