package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed-width UTC so that TEXT comparison orders by time.
const sqliteTimeLayout = "2006-01-02T15:04:05Z"

// bulkInsertSQLite is the SQLite spelling of the column-array insert: each
// column arrives as a JSON array and json_each unpivots them by index.
const bulkInsertSQLite = `
	INSERT INTO logs (id, user_agent, response_time, timestamp)
	SELECT i.value, u.value, r.value, t.value
	FROM json_each(?1) AS i
	JOIN json_each(?2) AS u ON u.key = i.key
	JOIN json_each(?3) AS r ON r.key = i.key
	JOIN json_each(?4) AS t ON t.key = i.key`

// SQLiteStorage implements Storage using SQLite. Intended for development
// and single-node use.
type SQLiteStorage struct {
	db  *sql.DB
	log *slog.Logger
}

// NewSQLite creates a new SQLite storage.
// Use ":memory:" for in-memory database, or a file path for persistent storage.
func NewSQLite(dsn string, log *slog.Logger) (*SQLiteStorage, error) {
	if log == nil {
		log = slog.Default()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and ":memory:" is
	// per-connection.
	db.SetMaxOpenConns(1)

	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStorage{db: db, log: log}, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) InsertLog(ctx context.Context, userAgent string, responseTime int32, timestamp *time.Time) (*Log, error) {
	l := &Log{
		ID:           uuid.New(),
		UserAgent:    userAgent,
		ResponseTime: responseTime,
		Timestamp:    resolveTimestamp(timestamp),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (id, user_agent, response_time, timestamp) VALUES (?, ?, ?, ?)`,
		l.ID.String(), l.UserAgent, l.ResponseTime, l.Timestamp.Format(sqliteTimeLayout))
	if err != nil {
		return nil, fmt.Errorf("insert log: %w", err)
	}
	return l, nil
}

func (s *SQLiteStorage) GetLogs(ctx context.Context, from, until *time.Time) ([]*Log, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_agent, response_time, timestamp
		 FROM logs
		 WHERE timestamp >= COALESCE(?1, timestamp)
		   AND timestamp <= COALESCE(?2, timestamp)
		 ORDER BY timestamp`, sqliteLowerBound(from), sqliteUpperBound(until))
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	logs := []*Log{}
	for rows.Next() {
		var id, ts string
		l := &Log{}
		if err := rows.Scan(&id, &l.UserAgent, &l.ResponseTime, &ts); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if l.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse id %q: %w", id, err)
		}
		if l.Timestamp, err = time.Parse(sqliteTimeLayout, ts); err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	return logs, nil
}

func (s *SQLiteStorage) LoadFile(ctx context.Context, path string) (uint64, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	return loadFile(ctx, path, s.log, func(ctx context.Context, b *columnBatch) (int64, error) {
		ids := make([]string, b.len())
		timestamps := make([]string, b.len())
		for i := range b.ids {
			ids[i] = b.ids[i].String()
			timestamps[i] = b.timestamps[i].Format(sqliteTimeLayout)
		}

		args := make([]any, 0, 4)
		for _, col := range []any{ids, b.userAgents, b.responseTimes, timestamps} {
			data, err := json.Marshal(col)
			if err != nil {
				return 0, fmt.Errorf("encode column: %w", err)
			}
			args = append(args, string(data))
		}

		res, err := conn.ExecContext(ctx, bulkInsertSQLite, args...)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
}

// Stored timestamps are whole seconds, so a fractional lower bound rounds up
// and a fractional upper bound rounds down. Nil becomes NULL.
func sqliteLowerBound(t *time.Time) any {
	if t == nil {
		return nil
	}
	lo := Truncate(*t)
	if lo.Before(t.UTC()) {
		lo = lo.Add(time.Second)
	}
	return lo.Format(sqliteTimeLayout)
}

func sqliteUpperBound(t *time.Time) any {
	if t == nil {
		return nil
	}
	return Truncate(*t).Format(sqliteTimeLayout)
}
