package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// FilesystemArchive stores uploads as gzip files on disk.
// Each key becomes {dir}/{key}.gz.
type FilesystemArchive struct {
	dir string
	log *slog.Logger
}

// NewFilesystemArchive creates a filesystem archive rooted at dir.
func NewFilesystemArchive(dir string, log *slog.Logger) (*FilesystemArchive, error) {
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	return &FilesystemArchive{dir: dir, log: log}, nil
}

// Put compresses r into the file for key. The file is written under a
// temporary name and renamed into place, so readers never see a partial
// archive.
func (a *FilesystemArchive) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	dst, err := a.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".archive-*")
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	gw := gzip.NewWriter(tmp)
	written, err := io.Copy(gw, r)
	if err != nil {
		return fmt.Errorf("gzip compress: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("gzip close: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close archive file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("rename archive file: %w", err)
	}

	a.log.Debug("archived upload", "key", key, "raw_size", written, "path", dst)
	return nil
}

// Open returns the decompressed content stored under key.
func (a *FilesystemArchive) Open(key string) (io.ReadCloser, error) {
	p, err := a.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open archive file: %w", err)
	}
	gr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	return &gzipReadCloser{gr: gr, file: f}, nil
}

func (a *FilesystemArchive) Close() error {
	return nil
}

// path maps a key onto the archive directory, rejecting keys that would
// escape it.
func (a *FilesystemArchive) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid archive key %q", key)
	}
	return filepath.Join(a.dir, clean+".gz"), nil
}

// gzipReadCloser wraps a gzip.Reader and its underlying file.
type gzipReadCloser struct {
	gr   *gzip.Reader
	file *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) {
	return g.gr.Read(p)
}

func (g *gzipReadCloser) Close() error {
	g.gr.Close()
	return g.file.Close()
}
