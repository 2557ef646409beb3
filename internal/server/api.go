package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/koko-u/log-collectors/internal/api"
	"github.com/koko-u/log-collectors/internal/ingest"
	"github.com/koko-u/log-collectors/internal/logcsv"
	"github.com/koko-u/log-collectors/internal/storage"
)

// APIHandler handles the log and CSV endpoints.
type APIHandler struct {
	storage  storage.Storage
	pipeline *ingest.Pipeline
	stream   *LogStreamHandler
	log      *slog.Logger
}

// NewAPIHandler creates a new API handler. stream may be nil.
func NewAPIHandler(store storage.Storage, pipeline *ingest.Pipeline, stream *LogStreamHandler, log *slog.Logger) *APIHandler {
	if log == nil {
		log = slog.Default()
	}
	return &APIHandler{
		storage:  store,
		pipeline: pipeline,
		stream:   stream,
		log:      log,
	}
}

// ServeHTTP routes API requests.
func (h *APIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")

	switch path {
	case "/logs":
		switch r.Method {
		case http.MethodGet:
			h.getLogs(w, r)
		case http.MethodPost:
			h.postLog(w, r)
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	case "/csv":
		switch r.Method {
		case http.MethodGet:
			h.getCSV(w, r)
		case http.MethodPost:
			h.postCSV(w, r)
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	case "/healthz":
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			methodNotAllowed(w, http.MethodGet, http.MethodHead)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// --- Logs ---

func (h *APIHandler) postLog(w http.ResponseWriter, r *http.Request) {
	var req api.NewLog
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	l, err := h.storage.InsertLog(r.Context(), req.UserAgent, req.ResponseTime, req.Timestamp)
	if err != nil {
		h.internalError(w, r, "failed to insert log", err)
		return
	}

	resp := l.Response()
	if h.stream != nil {
		h.stream.PublishLog(resp)
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *APIHandler) getLogs(w http.ResponseWriter, r *http.Request) {
	logs, ok := h.queryLogs(w, r)
	if !ok {
		return
	}

	resp := make([]api.LogResponse, len(logs))
	for i, l := range logs {
		resp[i] = l.Response()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// --- CSV ---

func (h *APIHandler) getCSV(w http.ResponseWriter, r *http.Request) {
	logs, ok := h.queryLogs(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	cw := logcsv.NewWriter(w)
	for _, l := range logs {
		if err := cw.WriteLog(l.Response()); err != nil {
			h.log.Error("failed to write csv", "error", err)
			return
		}
	}
	if err := cw.Flush(); err != nil {
		h.log.Error("failed to write csv", "error", err)
	}
}

func (h *APIHandler) postCSV(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expected multipart/form-data body", http.StatusBadRequest)
		return
	}

	count, err := h.pipeline.Ingest(r.Context(), mr)
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
		case errors.Is(err, ingest.ErrMalformedUpload):
			h.log.Warn("rejected upload", "error", err, "inserted", count)
			http.Error(w, "malformed multipart body", http.StatusBadRequest)
		default:
			h.internalError(w, r, "failed to ingest upload", err)
		}
		return
	}

	if h.stream != nil {
		h.stream.PublishIngest(count)
	}
	h.writeJSON(w, http.StatusOK, api.CSVResponse{Count: count})
}

// queryLogs runs the range query shared by GET /logs and GET /csv. It writes
// the error response itself and reports whether the caller should continue.
func (h *APIHandler) queryLogs(w http.ResponseWriter, r *http.Request) ([]*storage.Log, bool) {
	rng, err := api.ParseDateTimeRange(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}

	logs, err := h.storage.GetLogs(r.Context(), rng.From, rng.Until)
	if err != nil {
		h.internalError(w, r, "failed to get logs", err)
		return nil, false
	}
	return logs, true
}

// --- Helpers ---

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to encode response", "error", err)
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}
