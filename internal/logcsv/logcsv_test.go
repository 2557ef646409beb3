package logcsv

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/koko-u/log-collectors/internal/api"
)

// readAll collects good rows and counts row errors.
func readAll(t *testing.T, input string) ([]api.NewLog, int) {
	t.Helper()
	r := NewReader(strings.NewReader(input))
	var rows []api.NewLog
	bad := 0
	for {
		n, err := r.Read()
		if err == io.EOF {
			return rows, bad
		}
		if err != nil {
			if !IsRowError(err) {
				t.Fatalf("unexpected fatal error: %v", err)
			}
			bad++
			continue
		}
		rows = append(rows, n)
	}
}

func TestReadRows(t *testing.T) {
	input := "agent a,100,2023-01-02T03:04:07Z\n" +
		"\"agent, b\",200,2023-02-03T04:05:09.721651021Z\n" +
		"agent c,300,\n" +
		"agent d,400\n"

	rows, bad := readAll(t, input)
	if bad != 0 {
		t.Fatalf("bad rows = %d, want 0", bad)
	}
	if len(rows) != 4 {
		t.Fatalf("len(rows) = %d, want 4", len(rows))
	}

	if rows[0].UserAgent != "agent a" || rows[0].ResponseTime != 100 {
		t.Errorf("row 0 = %+v", rows[0])
	}
	want := time.Date(2023, 1, 2, 3, 4, 7, 0, time.UTC)
	if rows[0].Timestamp == nil || !rows[0].Timestamp.Equal(want) {
		t.Errorf("row 0 timestamp = %v, want %v", rows[0].Timestamp, want)
	}
	if rows[1].UserAgent != "agent, b" {
		t.Errorf("row 1 user agent = %q", rows[1].UserAgent)
	}
	if rows[1].Timestamp.Nanosecond() != 721651021 {
		t.Errorf("row 1 sub-second lost at parse time: %v", rows[1].Timestamp)
	}
	if rows[2].Timestamp != nil || rows[3].Timestamp != nil {
		t.Errorf("rows 2,3 should have no timestamp: %v %v", rows[2].Timestamp, rows[3].Timestamp)
	}
}

func TestReadOffsetConvertedToUTC(t *testing.T) {
	rows, _ := readAll(t, "a,1,2023-01-02T12:00:00+09:00\n")
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d", len(rows))
	}
	if rows[0].Timestamp.Location() != time.UTC || rows[0].Timestamp.Hour() != 3 {
		t.Errorf("timestamp = %v", rows[0].Timestamp)
	}
}

func TestReadSkipsMalformed(t *testing.T) {
	input := "good 1,10,2023-01-02T03:04:07Z\n" +
		"bad time,10,yesterday\n" +
		"bad number,ten,2023-01-02T03:04:07Z\n" +
		"negative,-5,2023-01-02T03:04:07Z\n" +
		"too,many,fields,here\n" +
		"lonely\n" +
		"good 2,20\n" +
		"spaced, 30\n" +
		"good 3,30,2023-01-02T03:04:07Z\n"

	rows, bad := readAll(t, input)
	if len(rows) != 3 {
		t.Errorf("good rows = %d, want 3", len(rows))
	}
	if bad != 6 {
		t.Errorf("bad rows = %d, want 6", bad)
	}
}

func TestReadInvalidUTF8IsRowError(t *testing.T) {
	input := "good 1,10\n" +
		"bad\xff\xfeagent,100,2023-01-02T03:04:05Z\n" +
		"agent,100,2023-01-02T03:04:05Z\xff\n" +
		"good 2,20\n"

	rows, bad := readAll(t, input)
	if bad != 2 {
		t.Errorf("bad rows = %d, want 2", bad)
	}
	if len(rows) != 2 || rows[0].UserAgent != "good 1" || rows[1].UserAgent != "good 2" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestReadBareQuoteRecovers(t *testing.T) {
	input := "a \"quoted\" agent,1\nnext,2\n"
	rows, bad := readAll(t, input)
	if bad != 1 || len(rows) != 1 || rows[0].UserAgent != "next" {
		t.Errorf("rows = %+v, bad = %d", rows, bad)
	}
}

func TestRowErrorLine(t *testing.T) {
	r := NewReader(strings.NewReader("ok,1\nbad,x\n"))
	if _, err := r.Read(); err != nil {
		t.Fatal(err)
	}
	_, err := r.Read()
	var rowErr *RowError
	if !errors.As(err, &rowErr) {
		t.Fatalf("err = %v, want *RowError", err)
	}
	if rowErr.Line != 2 {
		t.Errorf("line = %d, want 2", rowErr.Line)
	}
}

func TestReadEmpty(t *testing.T) {
	rows, bad := readAll(t, "")
	if len(rows) != 0 || bad != 0 {
		t.Errorf("rows = %d bad = %d", len(rows), bad)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestReadIOErrorIsFatal(t *testing.T) {
	_, err := NewReader(failingReader{}).Read()
	if err == nil || IsRowError(err) || err == io.EOF {
		t.Errorf("err = %v, want fatal error", err)
	}
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	ts := time.Date(2023, 1, 2, 3, 4, 7, 0, time.UTC)
	if err := w.WriteLog(api.LogResponse{UserAgent: `say "hi", ok`, ResponseTime: 100, Timestamp: ts}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteNewLog(api.NewLog{UserAgent: "plain", ResponseTime: 5}); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	want := "\"say \"\"hi\"\", ok\",100,2023-01-02T03:04:07Z\nplain,5,\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}

	rows, bad := readAll(t, buf.String())
	if bad != 0 || len(rows) != 2 || rows[0].UserAgent != `say "hi", ok` {
		t.Errorf("re-read rows = %+v bad = %d", rows, bad)
	}
}
