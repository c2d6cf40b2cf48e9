package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"mercato.dev/internal/identity"
)

// handleIdentityStream serves collection snapshots over Server-Sent Events,
// so admin listings stay current without polling.
func (a *API) handleIdentityStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.ensurePermission(w, r, identity.PermManageUsers); !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snapshots := a.store.Watch(ctx)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for list := range snapshots {
		out := make([]identity.Public, 0, len(list))
		for _, rec := range list {
			out = append(out, rec.Public())
		}
		payload, err := json.Marshal(out)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
