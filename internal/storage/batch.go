package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/koko-u/log-collectors/internal/logcsv"
)

// ChunkSize is the number of rows sent per bulk insert statement.
const ChunkSize = 1000

// columnBatch holds one chunk as four parallel columns. All four slices always
// have the same length.
type columnBatch struct {
	ids           []uuid.UUID
	userAgents    []string
	responseTimes []int32
	timestamps    []time.Time
}

func newColumnBatch(capacity int) *columnBatch {
	return &columnBatch{
		ids:           make([]uuid.UUID, 0, capacity),
		userAgents:    make([]string, 0, capacity),
		responseTimes: make([]int32, 0, capacity),
		timestamps:    make([]time.Time, 0, capacity),
	}
}

func (b *columnBatch) append(id uuid.UUID, userAgent string, responseTime int32, ts time.Time) {
	b.ids = append(b.ids, id)
	b.userAgents = append(b.userAgents, userAgent)
	b.responseTimes = append(b.responseTimes, responseTime)
	b.timestamps = append(b.timestamps, ts)
}

func (b *columnBatch) len() int {
	return len(b.ids)
}

func (b *columnBatch) reset() {
	b.ids = b.ids[:0]
	b.userAgents = b.userAgents[:0]
	b.responseTimes = b.responseTimes[:0]
	b.timestamps = b.timestamps[:0]
}

// flushFunc persists one chunk and returns the number of rows affected.
type flushFunc func(ctx context.Context, b *columnBatch) (int64, error)

// loadFile drives a bulk load of the CSV file at path through flush.
func loadFile(ctx context.Context, path string, log *slog.Logger, flush flushFunc) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open csv file: %w", err)
	}
	defer f.Close()

	return loadCSV(ctx, bufio.NewReader(f), log, flush)
}

// loadCSV parses r row by row and flushes every ChunkSize good rows. Chunks
// are flushed sequentially; rows from chunks flushed before an error stay
// persisted.
func loadCSV(ctx context.Context, r io.Reader, log *slog.Logger, flush flushFunc) (uint64, error) {
	reader := logcsv.NewReader(r)
	batch := newColumnBatch(ChunkSize)

	var total uint64
	var skipped int
	flushBatch := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := flush(ctx, batch)
		if err != nil {
			return fmt.Errorf("insert chunk of %d rows: %w", batch.len(), err)
		}
		total += uint64(n)
		batch.reset()
		return nil
	}

	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if logcsv.IsRowError(err) {
				skipped++
				log.Debug("skipping malformed csv row", "error", err)
				continue
			}
			return total, fmt.Errorf("read csv: %w", err)
		}

		batch.append(uuid.New(), row.UserAgent, row.ResponseTime, resolveTimestamp(row.Timestamp))
		if batch.len() == ChunkSize {
			if err := flushBatch(); err != nil {
				return total, err
			}
		}
	}

	if batch.len() > 0 {
		if err := flushBatch(); err != nil {
			return total, err
		}
	}

	if skipped > 0 {
		log.Info("skipped malformed csv rows", "skipped", skipped, "inserted", total)
	}
	return total, nil
}
