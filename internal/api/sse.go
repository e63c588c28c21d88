package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mediaqueue/orchestrator/internal/eventbus"
)

// handleStream implements GET /jobs/stream (spec.md §4.7/§6): a
// long-lived server-sent-events connection fed by the Event Bus,
// filtered per the subscriber's identity.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support flushing")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.bus.Subscribe(id.UserID, id.IsAdmin)
	defer sub.Close()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeSSE(w, ev.Type, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, eventName eventbus.Type, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName, data)
	return err
}
