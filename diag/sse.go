package diag

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleStream serves a live Server-Sent-Events feed of trace Events.
// Grounded on server.Server.handleStream's SSE shape — headers, flusher
// check, a catchup burst before subscribing — but replays structured JSON
// trace lines instead of a raw terminal byte buffer, since there is no
// ANSI/cursor screen state to reconstruct here.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ch := s.trace.Subscribe()
	defer s.trace.Unsubscribe(ch)

	// Catchup: replay everything currently retained before switching to
	// live events, so a client connecting mid-session sees history.
	for _, ev := range s.trace.Snapshot() {
		writeEvent(w, ev)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, ev)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev Event) {
	encoded, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", encoded)
}
