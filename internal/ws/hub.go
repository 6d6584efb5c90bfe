package ws

import (
	"log/slog"
	"sync"

	"agora/internal/models"
)

const defaultSubscriberBuffer = 100

// Hub fans created messages out to every connected push socket.
type Hub struct {
	// Map of subscriber channel -> username
	subscribers map[chan models.Message]string

	bufferSize int
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[chan models.Message]string),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Join registers a subscriber. The returned channel is closed by Leave, or
// by Broadcast when the subscriber falls too far behind; a closed channel
// means the connection must be dropped so the client resyncs.
func (h *Hub) Join(username string) chan models.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan models.Message, h.bufferSize)
	h.subscribers[ch] = username
	return ch
}

// Identify labels a subscriber once its owner is known.
func (h *Hub) Identify(ch chan models.Message, username string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[ch]; ok {
		h.subscribers[ch] = username
	}
}

func (h *Hub) Leave(ch chan models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[ch]; ok {
		close(ch)
		delete(h.subscribers, ch)
	}
}

func (h *Hub) Broadcast(msg models.Message) {
	// MyVote is per requester and never part of a push event.
	msg.MyVote = models.None

	h.mu.Lock()
	defer h.mu.Unlock()

	for ch, username := range h.subscribers {
		select {
		case ch <- msg:
		default:
			slog.Warn("dropping slow push subscriber", "username", username)
			close(ch)
			delete(h.subscribers, ch)
		}
	}
}

// Online returns the number of connected subscribers.
func (h *Hub) Online() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
