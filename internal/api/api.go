// Package api defines the JSON and query-string types shared by the
// log-collectors server and its command-line client.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ErrNegativeResponseTime is returned by NewLog.Validate.
var ErrNegativeResponseTime = errors.New("response_time must not be negative")

// NewLog is the ingress form of a log record.
type NewLog struct {
	UserAgent    string     `json:"user_agent"`
	ResponseTime int32      `json:"response_time"`
	Timestamp    *time.Time `json:"timestamp"` // nil = assigned by the server
}

// Validate checks the fields the storage schema cannot enforce.
func (n NewLog) Validate() error {
	if n.ResponseTime < 0 {
		return ErrNegativeResponseTime
	}
	return nil
}

// LogResponse is the egress projection of a stored log. The id is not exposed.
type LogResponse struct {
	UserAgent    string    `json:"user_agent"`
	ResponseTime int32     `json:"response_time"`
	Timestamp    time.Time `json:"timestamp"`
}

// CSVResponse reports how many rows a CSV upload inserted.
//
// It is encoded as {"0": N, "count": N}. The "0" key keeps older clients that
// decode a positional tuple working.
type CSVResponse struct {
	Count uint64
}

func (c CSVResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Zero  uint64 `json:"0"`
		Count uint64 `json:"count"`
	}{c.Count, c.Count})
}

func (c *CSVResponse) UnmarshalJSON(data []byte) error {
	var raw struct {
		Zero  *uint64 `json:"0"`
		Count *uint64 `json:"count"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.Count != nil:
		c.Count = *raw.Count
	case raw.Zero != nil:
		c.Count = *raw.Zero
	default:
		return errors.New("csv response: missing count")
	}
	return nil
}

func (c CSVResponse) String() string {
	return fmt.Sprintf("CSV Response [%d rows]", c.Count)
}

// DateTimeRange is an inclusive timestamp filter. A nil bound is unbounded.
type DateTimeRange struct {
	From  *time.Time
	Until *time.Time
}

// ParseDateTimeRange reads the optional "from" and "until" query parameters.
func ParseDateTimeRange(q url.Values) (DateTimeRange, error) {
	var rng DateTimeRange
	var err error
	if rng.From, err = parseBound(q, "from"); err != nil {
		return DateTimeRange{}, err
	}
	if rng.Until, err = parseBound(q, "until"); err != nil {
		return DateTimeRange{}, err
	}
	return rng, nil
}

func parseBound(q url.Values, key string) (*time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	t = t.UTC()
	return &t, nil
}

// Query encodes the range as query parameters, omitting absent bounds.
func (r DateTimeRange) Query() url.Values {
	q := url.Values{}
	if r.From != nil {
		q.Set("from", r.From.UTC().Format(time.RFC3339Nano))
	}
	if r.Until != nil {
		q.Set("until", r.Until.UTC().Format(time.RFC3339Nano))
	}
	return q
}

func (r DateTimeRange) String() string {
	var from, until string
	if r.From != nil {
		from = r.From.UTC().Format(time.RFC3339)
	}
	if r.Until != nil {
		until = r.Until.UTC().Format(time.RFC3339)
	}
	return from + ".." + until
}

// Stream event types.
const (
	EventLog    = "log"
	EventIngest = "ingest"
)

// StreamEvent is one message on the /logs/stream websocket.
type StreamEvent struct {
	Type  string       `json:"type"`
	Log   *LogResponse `json:"log,omitempty"`
	Count uint64       `json:"count,omitempty"`
}
