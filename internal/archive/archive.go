// Package archive keeps a copy of every uploaded CSV part after it has been
// loaded. It supports the local filesystem (for development) and any
// S3-compatible bucket (for production).
package archive

import (
	"context"
	"encoding/hex"
	"io"
	"path"
	"time"
)

// Archiver stores raw upload bodies.
type Archiver interface {
	// Put stores the content read from r under key. Implementations must
	// consume r completely or return an error.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Close releases any resources held by the archiver.
	Close() error
}

// Key returns the object key for an upload received at t whose body has the
// given digest: uploads/YYYY/MM/DD/<hex>.csv. Identical bodies uploaded on
// the same day share a key.
func Key(t time.Time, digest []byte) string {
	return path.Join("uploads", t.UTC().Format("2006/01/02"), hex.EncodeToString(digest)+".csv")
}
