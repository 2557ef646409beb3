// Package ingest turns a multipart CSV upload into stored logs.
//
// Each text/csv part is spooled to its own temp file, bulk-loaded through
// the storage backend, and optionally archived. Parts are processed in order;
// parts that were loaded before a failure stay loaded.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"os"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/koko-u/log-collectors/internal/archive"
	"github.com/koko-u/log-collectors/internal/storage"
)

// ErrMalformedUpload reports a multipart body that could not be read.
var ErrMalformedUpload = errors.New("malformed multipart upload")

// csvMediaType is the only part type that is loaded.
const csvMediaType = "text/csv"

// Options configures a Pipeline.
type Options struct {
	// TempDir holds the spooled parts. Empty means os.TempDir().
	TempDir string
	// Archiver, when set, receives a copy of every loaded part.
	Archiver archive.Archiver
	Log      *slog.Logger
}

// Pipeline loads multipart uploads into a storage backend.
type Pipeline struct {
	store    storage.Storage
	tempDir  string
	archiver archive.Archiver
	log      *slog.Logger
	now      func() time.Time
}

// NewPipeline creates a pipeline writing into store.
func NewPipeline(store storage.Storage, opts Options) *Pipeline {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		store:    store,
		tempDir:  opts.TempDir,
		archiver: opts.Archiver,
		log:      log,
		now:      time.Now,
	}
}

// Ingest loads every text/csv part of mr and returns the total number of
// rows inserted. A framing or read error yields ErrMalformedUpload; temp
// file and storage errors are returned as is. On error the returned count
// covers the parts loaded so far.
func (p *Pipeline) Ingest(ctx context.Context, mr *multipart.Reader) (uint64, error) {
	var total uint64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		part, err := mr.NextPart()
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("%w: %w", ErrMalformedUpload, err)
		}

		if !isCSV(part.Header.Get("Content-Type")) {
			p.log.Debug("skipping non-csv part", "form_name", part.FormName(), "content_type", part.Header.Get("Content-Type"))
			part.Close()
			continue
		}

		n, err := p.ingestPart(ctx, part)
		part.Close()
		total += n
		if err != nil {
			return total, err
		}
	}
}

// ingestPart spools one part, loads it, and archives it. The temp file is
// removed on every return path.
func (p *Pipeline) ingestPart(ctx context.Context, part *multipart.Part) (uint64, error) {
	tmp, err := newTempFile(p.tempDir)
	if err != nil {
		return 0, err
	}
	defer tmp.Remove()

	size, digest, err := tmp.spool(part)
	if err != nil {
		return 0, err
	}

	n, err := p.store.LoadFile(ctx, tmp.Name())
	if err != nil {
		return n, fmt.Errorf("load part %q: %w", part.FileName(), err)
	}
	p.log.Info("loaded upload part", "file_name", part.FileName(), "bytes", size, "rows", n)

	if p.archiver != nil {
		p.archive(ctx, tmp, size, digest)
	}
	return n, nil
}

// archive stores the spooled part. Failures are logged only: the rows are
// already committed.
func (p *Pipeline) archive(ctx context.Context, tmp *tempFile, size int64, digest []byte) {
	key := archive.Key(p.now(), digest)
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		p.log.Warn("failed to archive upload", "key", key, "error", err)
		return
	}
	if err := p.archiver.Put(ctx, key, tmp, size); err != nil {
		p.log.Warn("failed to archive upload", "key", key, "error", err)
		return
	}
	p.log.Debug("archived upload part", "key", key)
}

func isCSV(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == csvMediaType
}

// tempFile is a spool file that is closed and unlinked by Remove.
type tempFile struct {
	*os.File
}

func newTempFile(dir string) (*tempFile, error) {
	f, err := os.CreateTemp(dir, "upload-*.csv")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &tempFile{File: f}, nil
}

// Remove closes and deletes the file. Safe to call more than once.
func (t *tempFile) Remove() {
	t.Close()
	os.Remove(t.Name())
}

// spool copies r into the file through a buffer and returns the byte count
// and SHA3-256 digest. Read errors are reported as ErrMalformedUpload.
func (t *tempFile) spool(r io.Reader) (int64, []byte, error) {
	h := sha3.New256()
	bw := bufio.NewWriter(t.File)
	ew := &errWriter{w: io.MultiWriter(bw, h)}

	n, err := io.Copy(ew, r)
	if err != nil {
		if ew.err != nil {
			return n, nil, fmt.Errorf("write temp file: %w", ew.err)
		}
		return n, nil, fmt.Errorf("%w: %w", ErrMalformedUpload, err)
	}
	if err := bw.Flush(); err != nil {
		return n, nil, fmt.Errorf("flush temp file: %w", err)
	}
	return n, h.Sum(nil), nil
}

// errWriter remembers the first write error so that io.Copy failures can be
// attributed to the writer side.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	n, err := e.w.Write(p)
	if err != nil && e.err == nil {
		e.err = err
	}
	return n, err
}
