package server

import (
	"encoding/json"
	"net/http"
	"time"
)

const logStreamKeepAlive = 15 * time.Second

// handleLogStream serves the in-memory log ring as an SSE stream: buffered
// history first, then live lines until the client disconnects.
func (s *server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse("streaming unsupported"))
		return
	}

	id, ch, recent := s.deps.Logs.Subscribe()
	defer s.deps.Logs.Unsubscribe(id)

	writeSSEHeaders(w)
	for _, line := range recent {
		if data, err := json.Marshal(line); err == nil {
			writeSSEData(w, data)
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(logStreamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case line, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(line)
			if err != nil {
				continue
			}
			writeSSEData(w, data)
			flusher.Flush()

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
