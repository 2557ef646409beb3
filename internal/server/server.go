// Package server implements the log-collectors HTTP API.
package server

import (
	"log/slog"
	"net/http"
	"strings"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/klauspost/compress/gzhttp"

	"github.com/koko-u/log-collectors/internal/ingest"
	"github.com/koko-u/log-collectors/internal/storage"
)

// Options configures the handler built by NewHandler.
type Options struct {
	Pipeline *ingest.Pipeline // defaults to a pipeline without archiving
	Stream   *LogStreamHandler
	// MaxUploadBytes caps request bodies. Zero means unlimited.
	MaxUploadBytes int64
	// Sentry enables the Sentry middleware. The SDK must already be
	// initialized.
	Sentry bool
	Log    *slog.Logger
}

// NewHandler assembles the complete HTTP handler for store.
//
// The live stream bypasses compression and body limits since it hijacks the
// connection.
func NewHandler(store storage.Storage, opts Options) http.Handler {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	pipeline := opts.Pipeline
	if pipeline == nil {
		pipeline = ingest.NewPipeline(store, ingest.Options{Log: log})
	}
	stream := opts.Stream
	if stream == nil {
		stream = NewLogStreamHandler(log)
	}

	var apiHandler http.Handler = NewAPIHandler(store, pipeline, stream, log)
	apiHandler = limitBody(apiHandler, opts.MaxUploadBytes)
	apiHandler = gzhttp.GzipHandler(apiHandler)
	if opts.Sentry {
		apiHandler = sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle(apiHandler)
	}

	mux := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSuffix(r.URL.Path, "/") == "/logs/stream" {
			stream.ServeHTTP(w, r)
			return
		}
		apiHandler.ServeHTTP(w, r)
	})

	return logRequests(mux, log)
}
