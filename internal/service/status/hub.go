package status

import (
	"sync"

	"clinical-scribe-service/internal/models"
)

const subscriberBuffer = 32

// Hub fans status events out to in-process subscribers keyed by transcription.
// Slow subscribers lose events rather than blocking the writer.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[chan models.StatusEvent]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[chan models.StatusEvent]struct{})}
}

// Subscribe registers a subscriber. The returned cancel closes the channel.
func (h *Hub) Subscribe(transcriptionID string) (<-chan models.StatusEvent, func()) {
	ch := make(chan models.StatusEvent, subscriberBuffer)

	h.mu.Lock()
	if h.clients[transcriptionID] == nil {
		h.clients[transcriptionID] = make(map[chan models.StatusEvent]struct{})
	}
	h.clients[transcriptionID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients[transcriptionID], ch)
			if len(h.clients[transcriptionID]) == 0 {
				delete(h.clients, transcriptionID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Broadcast delivers ev to every subscriber of its transcription.
func (h *Hub) Broadcast(ev models.StatusEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients[ev.TranscriptionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the number of subscribers for a transcription.
func (h *Hub) Subscribers(transcriptionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[transcriptionID])
}
