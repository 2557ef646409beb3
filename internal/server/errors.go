package server

import (
	"net/http"

	"github.com/getsentry/sentry-go"
)

// internalError logs err with its full chain, reports it to Sentry when a hub
// is attached to the request, and sends an opaque 500.
func (h *APIHandler) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.log.Error(msg, "method", r.Method, "path", r.URL.Path, "error", err)
	if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
		hub.CaptureException(err)
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}
