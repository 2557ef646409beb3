// Package logcsv reads and writes headerless log CSV:
//
//	user_agent,response_time[,timestamp]
//
// Fields are not trimmed and must be valid UTF-8. The timestamp is RFC 3339 with an explicit offset
// and may be empty or missing.
package logcsv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/koko-u/log-collectors/internal/api"
)

// RowError describes a malformed row. The Reader stays usable after one.
type RowError struct {
	Line int
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("csv line %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// IsRowError reports whether err is a recoverable row-level error.
func IsRowError(err error) bool {
	var rowErr *RowError
	return errors.As(err, &rowErr)
}

// Reader decodes NewLog rows.
type Reader struct {
	r *csv.Reader
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	return &Reader{r: cr}
}

// Read returns the next row. Malformed rows yield a *RowError; io.EOF marks
// the end of input; any other error comes from the underlying reader.
func (r *Reader) Read() (api.NewLog, error) {
	record, err := r.r.Read()
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return api.NewLog{}, &RowError{Line: parseErr.StartLine, Err: parseErr.Err}
		}
		return api.NewLog{}, err
	}
	line, _ := r.r.FieldPos(0)

	n, err := parseRecord(record)
	if err != nil {
		return api.NewLog{}, &RowError{Line: line, Err: err}
	}
	return n, nil
}

func parseRecord(record []string) (api.NewLog, error) {
	if len(record) < 2 || len(record) > 3 {
		return api.NewLog{}, fmt.Errorf("expected 2 or 3 fields, got %d", len(record))
	}
	for i, field := range record {
		if !utf8.ValidString(field) {
			return api.NewLog{}, fmt.Errorf("field %d is not valid UTF-8", i+1)
		}
	}

	rt, err := strconv.ParseInt(record[1], 10, 32)
	if err != nil {
		return api.NewLog{}, fmt.Errorf("response_time: %w", err)
	}
	n := api.NewLog{
		UserAgent:    record[0],
		ResponseTime: int32(rt),
	}
	if err := n.Validate(); err != nil {
		return api.NewLog{}, err
	}

	if len(record) == 3 && record[2] != "" {
		ts, err := time.Parse(time.RFC3339, record[2])
		if err != nil {
			return api.NewLog{}, fmt.Errorf("timestamp: %w", err)
		}
		ts = ts.UTC()
		n.Timestamp = &ts
	}
	return n, nil
}

// Writer encodes rows without a header.
type Writer struct {
	w *csv.Writer
}

// NewWriter returns a Writer over w. Call Flush when done.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: csv.NewWriter(w)}
}

// WriteLog writes a stored log.
func (w *Writer) WriteLog(l api.LogResponse) error {
	return w.w.Write([]string{
		l.UserAgent,
		strconv.FormatInt(int64(l.ResponseTime), 10),
		l.Timestamp.UTC().Format(time.RFC3339),
	})
}

// WriteNewLog writes an ingress row, leaving the timestamp empty when absent.
func (w *Writer) WriteNewLog(n api.NewLog) error {
	var ts string
	if n.Timestamp != nil {
		ts = n.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return w.w.Write([]string{
		n.UserAgent,
		strconv.FormatInt(int64(n.ResponseTime), 10),
		ts,
	})
}

// Flush writes buffered data and returns any write error.
func (w *Writer) Flush() error {
	w.w.Flush()
	return w.w.Error()
}
