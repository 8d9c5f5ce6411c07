package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// keepaliveInterval keeps reverse proxies from closing an idle stream.
var keepaliveInterval = 30 * time.Second

// IdentityStream handles GET /auth/events (SSE identity and navigation
// events for the calling tab).
func (h *Handler) IdentityStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	tab, err := h.tabs.Resolve(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.tabs.attach(tab)
	defer h.tabs.release(tab)

	// Subscribe before reading the identity so no change falls between.
	events, unsubscribe := tab.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	user := tab.Service.Current()
	writeEvent(w, Event{Type: EventInit, Authenticated: user != nil, User: user})
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case event := <-events:
			writeEvent(w, event)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
}
