package handlers

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/tailview/tailview/internal/hub"
)

// heartbeatInterval paces the SSE comment that keeps idle connections from
// being reaped by proxies.
const heartbeatInterval = 15 * time.Second

// StreamSource serves one source's line stream over SSE. Subscribing here
// is what starts the source's tailer when it is the first viewer;
// disconnecting unsubscribes, and the last viewer leaving stops the tailer
// again.
func (a *API) StreamSource(w http.ResponseWriter, r *http.Request) {
	sourceID := r.URL.Query().Get("source")
	if sourceID == "" {
		writeError(w, http.StatusBadRequest, "Missing source parameter")
		return
	}
	if _, ok := a.Registry.Lookup(sourceID); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown source: %s", sourceID))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Flush headers immediately so the EventSource connection is established
	flusher.Flush()

	sub := a.Hub.Subscribe(sourceID)
	defer a.Hub.Unsubscribe(sub)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Printf("[handlers] marshal event for %s: %v", sourceID, err)
				continue
			}
			if ev.ErrorKind != "" {
				fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
				flusher.Flush()
				if terminalError(ev.ErrorKind) {
					return
				}
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case <-ctx.Done():
			return
		}
	}
}

// terminalError reports whether an error event ends the stream on the
// server side as well. Transient kinds keep the subscription open so the
// viewer sees the recovery.
func terminalError(kind hub.ErrorKind) bool {
	// Both kinds mean the tailer has stopped for good: the stream can never
	// produce another line.
	return kind == hub.ErrKindSecurityViolation || kind == hub.ErrKindSizeExceeded
}
