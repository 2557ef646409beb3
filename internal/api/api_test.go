package api

import (
	"encoding/json"
	"net/url"
	"testing"
	"time"
)

func TestNewLogNullTimestamp(t *testing.T) {
	var n NewLog
	if err := json.Unmarshal([]byte(`{"user_agent":"Agent 1","response_time":100,"timestamp":null}`), &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n.UserAgent != "Agent 1" || n.ResponseTime != 100 {
		t.Errorf("got %+v", n)
	}
	if n.Timestamp != nil {
		t.Errorf("timestamp = %v, want nil", n.Timestamp)
	}

	// Omitted behaves like null.
	n = NewLog{}
	if err := json.Unmarshal([]byte(`{"user_agent":"a","response_time":1}`), &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n.Timestamp != nil {
		t.Errorf("timestamp = %v, want nil", n.Timestamp)
	}
}

func TestNewLogValidate(t *testing.T) {
	if err := (NewLog{ResponseTime: 0}).Validate(); err != nil {
		t.Errorf("zero response time rejected: %v", err)
	}
	if err := (NewLog{ResponseTime: -1}).Validate(); err != ErrNegativeResponseTime {
		t.Errorf("Validate(-1) = %v, want ErrNegativeResponseTime", err)
	}
}

func TestNewLogResponseTimeOverflow(t *testing.T) {
	var n NewLog
	if err := json.Unmarshal([]byte(`{"user_agent":"a","response_time":4294967296}`), &n); err == nil {
		t.Error("expected overflow error")
	}
}

func TestCSVResponseJSON(t *testing.T) {
	data, err := json.Marshal(CSVResponse{Count: 2})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"0":2,"count":2}` {
		t.Errorf("marshal = %s", data)
	}

	var c CSVResponse
	if err := json.Unmarshal([]byte(`{"0":7}`), &c); err != nil {
		t.Fatal(err)
	}
	if c.Count != 7 {
		t.Errorf("count = %d, want 7", c.Count)
	}
	if err := json.Unmarshal([]byte(`{"count":9}`), &c); err != nil {
		t.Fatal(err)
	}
	if c.Count != 9 {
		t.Errorf("count = %d, want 9", c.Count)
	}
	if err := json.Unmarshal([]byte(`{}`), &c); err == nil {
		t.Error("expected error for missing count")
	}
}

func TestParseDateTimeRange(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantFrom  string
		wantUntil string
		wantErr   bool
	}{
		{name: "empty", query: ""},
		{name: "from only", query: "from=2023-01-02T03:04:05Z", wantFrom: "2023-01-02T03:04:05Z"},
		{name: "both", query: "from=2023-01-02T03:04:05Z&until=2023-02-02T00:00:00Z",
			wantFrom: "2023-01-02T03:04:05Z", wantUntil: "2023-02-02T00:00:00Z"},
		{name: "offset normalized", query: "until=2023-01-02T12:00:00%2B09:00", wantUntil: "2023-01-02T03:00:00Z"},
		{name: "invalid", query: "from=yesterday", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			if err != nil {
				t.Fatal(err)
			}
			rng, err := ParseDateTimeRange(q)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDateTimeRange: %v", err)
			}
			if got := formatBound(rng.From); got != tt.wantFrom {
				t.Errorf("from = %q, want %q", got, tt.wantFrom)
			}
			if got := formatBound(rng.Until); got != tt.wantUntil {
				t.Errorf("until = %q, want %q", got, tt.wantUntil)
			}
		})
	}
}

func TestDateTimeRangeQueryRoundTrip(t *testing.T) {
	from := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)
	rng := DateTimeRange{From: &from}
	q := rng.Query()
	if q.Has("until") {
		t.Error("until should be omitted")
	}
	back, err := ParseDateTimeRange(q)
	if err != nil {
		t.Fatal(err)
	}
	if !back.From.Equal(from) || back.Until != nil {
		t.Errorf("round trip = %v", back)
	}
	if got := rng.String(); got != "2023-01-02T03:04:05Z.." {
		t.Errorf("String() = %q", got)
	}
}

func formatBound(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
