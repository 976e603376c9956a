package http

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/Strob0t/agentloop/internal/domain/stream"
	"github.com/Strob0t/agentloop/internal/service"
)

// streamRun runs req and relays its events as server-sent events. The
// response ends after the terminal done or error event. A client disconnect
// cancels the run through the request context.
func (h *Handlers) streamRun(w http.ResponseWriter, r *http.Request, req service.RunRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sessionID, events, err := h.Runtime.RunStream(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Session-ID", sessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	seq := 0
	broken := false
	for ev := range events {
		if broken {
			continue
		}
		seq++
		if err := writeSSE(w, seq, ev); err != nil {
			slog.WarnContext(r.Context(), "sse write failed", "session_id", sessionID, "error", err)
			broken = true
			continue
		}
		flusher.Flush()
	}
}

// writeSSE writes one event frame: id, event type and the JSON payload.
func writeSSE(w io.Writer, seq int, ev stream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, ev.Type, data)
	return err
}
