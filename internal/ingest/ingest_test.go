package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/koko-u/log-collectors/internal/archive"
	"github.com/koko-u/log-collectors/internal/storage"
)

type testPart struct {
	contentType string
	body        string
}

// buildUpload encodes parts as a multipart/form-data body.
func buildUpload(t *testing.T, parts ...testPart) *multipart.Reader {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for i, p := range parts {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", `form-data; name="file"; filename="part`+string(rune('a'+i))+`.csv"`)
		if p.contentType != "" {
			h.Set("Content-Type", p.contentType)
		}
		w, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(w, p.body)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return multipart.NewReader(&buf, mw.Boundary())
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("temp dir not empty: %d entries", len(entries))
	}
}

func TestIngest(t *testing.T) {
	tests := []struct {
		name  string
		parts []testPart
		want  uint64
	}{
		{
			name:  "single part",
			parts: []testPart{{"text/csv", "a,1,2023-01-02T03:04:05Z\nb,2\n"}},
			want:  2,
		},
		{
			name: "two parts summed",
			parts: []testPart{
				{"text/csv", "a,1\n"},
				{"text/csv; charset=utf-8", "b,2\nc,3\n"},
			},
			want: 3,
		},
		{
			name: "non-csv parts skipped",
			parts: []testPart{
				{"application/json", `{"user_agent":"x"}`},
				{"", "a,1\n"},
				{"text/csv", "b,2\n"},
				{"text/plain", "c,3\n"},
			},
			want: 1,
		},
		{
			name:  "empty part",
			parts: []testPart{{"text/csv", ""}},
			want:  0,
		},
		{
			name:  "malformed rows skipped",
			parts: []testPart{{"text/csv", "ok,1\nbad,x\n,,,\nok,2,2023-01-02T03:04:05+09:00\n"}},
			want:  2,
		},
		{
			name:  "no parts",
			parts: nil,
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmp := t.TempDir()
			store := storage.NewMemory()
			p := NewPipeline(store, Options{TempDir: tmp})

			n, err := p.Ingest(t.Context(), buildUpload(t, tt.parts...))
			if err != nil {
				t.Fatalf("Ingest: %v", err)
			}
			if n != tt.want {
				t.Errorf("count = %d, want %d", n, tt.want)
			}
			if store.Len() != int(tt.want) {
				t.Errorf("stored = %d, want %d", store.Len(), tt.want)
			}
			assertEmptyDir(t, tmp)
		})
	}
}

func TestIngestMalformedBody(t *testing.T) {
	tmp := t.TempDir()
	store := storage.NewMemory()
	p := NewPipeline(store, Options{TempDir: tmp})

	// Truncated before the closing boundary.
	body := "--b\r\nContent-Type: text/csv\r\n\r\na,1\nb,2\n"
	_, err := p.Ingest(t.Context(), multipart.NewReader(strings.NewReader(body), "b"))
	if !errors.Is(err, ErrMalformedUpload) {
		t.Fatalf("err = %v, want ErrMalformedUpload", err)
	}
	if store.Len() != 0 {
		t.Errorf("stored = %d, want 0", store.Len())
	}
	assertEmptyDir(t, tmp)
}

func TestIngestGarbageBody(t *testing.T) {
	p := NewPipeline(storage.NewMemory(), Options{TempDir: t.TempDir()})
	_, err := p.Ingest(t.Context(), multipart.NewReader(strings.NewReader("not multipart at all"), "b"))
	if !errors.Is(err, ErrMalformedUpload) {
		t.Fatalf("err = %v, want ErrMalformedUpload", err)
	}
}

// failingStore loads the first file and fails afterwards.
type failingStore struct {
	storage.Storage
	calls int
}

func (f *failingStore) LoadFile(ctx context.Context, path string) (uint64, error) {
	f.calls++
	if f.calls > 1 {
		return 0, errors.New("database is gone")
	}
	return f.Storage.LoadFile(ctx, path)
}

func TestIngestStoreFailureKeepsEarlierParts(t *testing.T) {
	tmp := t.TempDir()
	mem := storage.NewMemory()
	p := NewPipeline(&failingStore{Storage: mem}, Options{TempDir: tmp})

	n, err := p.Ingest(t.Context(), buildUpload(t,
		testPart{"text/csv", "a,1\nb,2\n"},
		testPart{"text/csv", "c,3\n"},
	))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrMalformedUpload) {
		t.Errorf("storage failure reported as malformed upload: %v", err)
	}
	if n != 2 || mem.Len() != 2 {
		t.Errorf("count = %d, stored = %d, want 2", n, mem.Len())
	}
	assertEmptyDir(t, tmp)
}

func TestIngestTempDirMissing(t *testing.T) {
	p := NewPipeline(storage.NewMemory(), Options{TempDir: filepath.Join(t.TempDir(), "missing")})
	_, err := p.Ingest(t.Context(), buildUpload(t, testPart{"text/csv", "a,1\n"}))
	if err == nil || errors.Is(err, ErrMalformedUpload) {
		t.Errorf("err = %v, want temp file error", err)
	}
}

func TestIngestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	p := NewPipeline(storage.NewMemory(), Options{TempDir: t.TempDir()})
	if _, err := p.Ingest(ctx, buildUpload(t, testPart{"text/csv", "a,1\n"})); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestIngestArchives(t *testing.T) {
	archiveDir := t.TempDir()
	fa, err := archive.NewFilesystemArchive(archiveDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	p := NewPipeline(storage.NewMemory(), Options{TempDir: t.TempDir(), Archiver: fa})
	p.now = func() time.Time { return time.Date(2023, 4, 5, 6, 7, 8, 0, time.UTC) }

	body := "a,1\nb,2\n"
	if _, err := p.Ingest(t.Context(), buildUpload(t, testPart{"text/csv", body})); err != nil {
		t.Fatal(err)
	}

	matches, err := filepath.Glob(filepath.Join(archiveDir, "uploads", "2023", "04", "05", "*.csv.gz"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("archived files = %v", matches)
	}
	key, _ := filepath.Rel(archiveDir, strings.TrimSuffix(matches[0], ".gz"))
	rc, err := fa.Open(filepath.ToSlash(key))
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != body {
		t.Errorf("archived body = %q, want %q", got, body)
	}
}

type brokenArchiver struct{}

func (brokenArchiver) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	return errors.New("bucket unavailable")
}

func (brokenArchiver) Close() error { return nil }

func TestIngestArchiveFailureIsNotFatal(t *testing.T) {
	store := storage.NewMemory()
	p := NewPipeline(store, Options{TempDir: t.TempDir(), Archiver: brokenArchiver{}})
	n, err := p.Ingest(t.Context(), buildUpload(t, testPart{"text/csv", "a,1\n"}))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n != 1 || store.Len() != 1 {
		t.Errorf("count = %d, stored = %d", n, store.Len())
	}
}
