package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const statusWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// statusStream sends the timeline so far, then every new status event for the
// transcription until the client disconnects.
func (h *handlers) statusStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribe before reading the timeline so no event falls in between.
	events, cancel := h.machine.Subscribe(id)
	defer cancel()

	history, err := h.machine.Timeline(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("transcriptionId", id).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	seen := make(map[string]bool, len(history))
	for _, ev := range history {
		seen[ev.ID] = true
		_ = conn.SetWriteDeadline(time.Now().Add(statusWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if seen[ev.ID] {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(statusWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Str("transcriptionId", id).Msg("Status stream closed")
				return
			}
		}
	}
}
