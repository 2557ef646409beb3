package storage

import (
	"fmt"
	"log/slog"
	"strings"
)

// Open selects a backend from a database URL:
//
//	postgres://... or postgresql://...   PostgresStorage
//	sqlite:<path> or sqlite://<path>     SQLiteStorage (":memory:" allowed)
//	memory:                              MemoryStorage
func Open(databaseURL string, log *slog.Logger) (Storage, error) {
	if log == nil {
		log = slog.Default()
	}

	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return NewPostgres(databaseURL, log)
	case strings.HasPrefix(databaseURL, "sqlite:"):
		path := strings.TrimPrefix(strings.TrimPrefix(databaseURL, "sqlite:"), "//")
		if path == "" {
			return nil, fmt.Errorf("sqlite database url %q has no path", databaseURL)
		}
		return NewSQLite(path, log)
	case databaseURL == "memory:":
		s := NewMemory()
		s.log = log
		return s, nil
	case databaseURL == "":
		return nil, fmt.Errorf("database url is empty")
	default:
		return nil, fmt.Errorf("unsupported database url scheme: %q", redact(databaseURL))
	}
}

// redact keeps only the scheme of a URL for error messages.
func redact(databaseURL string) string {
	if i := strings.Index(databaseURL, ":"); i >= 0 {
		return databaseURL[:i+1] + "..."
	}
	return "..."
}
