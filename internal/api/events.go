package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"gwi.com/prefs-assistant/internal/backend"
	"gwi.com/prefs-assistant/internal/session"
)

const (
	eventBuffer       = 16
	keepAliveInterval = 25 * time.Second
)

type event struct {
	name string
	data any
}

// EventsHandler streams session and preference changes as server-sent events. The current state of both is sent
// first, so a client never has to poll after connecting.
func (h *APIHandler) EventsHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	events := make(chan event, eventBuffer)
	push := func(e event) {
		select {
		case events <- e:
		default:
			h.log.Warn("event stream full, dropping event", "event", e.name)
		}
	}
	unsubscribeSession := h.sessions.Subscribe(func(s session.Snapshot) {
		push(event{name: "session", data: sessionResponse(s)})
	})
	defer unsubscribeSession()
	unsubscribePrefs := h.prefs.Subscribe(func(p *backend.Preferences) {
		push(event{name: "preferences", data: backend.PreferencesResponse{Preferences: p}})
	})
	defer unsubscribePrefs()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, event{name: "session", data: sessionResponse(h.sessions.Snapshot())}); err != nil {
		return
	}
	if err := writeEvent(w, event{name: "preferences", data: backend.PreferencesResponse{Preferences: h.prefs.Current()}}); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case e := <-events:
			if err := writeEvent(w, e); err != nil {
				h.log.Debug("event stream closed", "error", err)
				return
			}
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, e event) error {
	data, err := json.Marshal(e.data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.name, data)
	return err
}
