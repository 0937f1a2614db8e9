// Package notify broadcasts cached-state changes to registered listeners.
package notify

import (
	"sync"

	"github.com/mmcdole/rescache/internal/domain"
	"github.com/mmcdole/rescache/internal/metrics"
)

// Hub fans each published change out to every listener, synchronously and in
// registration order.
type Hub struct {
	mu        sync.RWMutex
	listeners []entry
	nextID    int
	metrics   *metrics.Metrics
}

type entry struct {
	id       int
	listener domain.ChangeListener
}

// NewHub creates an empty hub. m may be nil.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{metrics: m}
}

// Subscribe registers l and returns a function that removes it.
func (h *Hub) Subscribe(l domain.ChangeListener) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.listeners = append(h.listeners, entry{id: id, listener: l})

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, e := range h.listeners {
			if e.id == id {
				h.listeners = append(h.listeners[:i:i], h.listeners[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers change to every current listener.
func (h *Hub) Publish(change domain.Change) {
	h.mu.RLock()
	listeners := append([]entry(nil), h.listeners...)
	h.mu.RUnlock()

	h.metrics.NotificationPublished()
	for _, e := range listeners {
		e.listener.OnChange(change)
	}
}

// ChannelListener adapts domain.ChangeListener to a channel.
type ChannelListener struct {
	ch chan<- domain.Change
}

// NewChannelListener creates a new channel-based listener.
func NewChannelListener(ch chan<- domain.Change) *ChannelListener {
	return &ChannelListener{ch: ch}
}

// OnChange sends change to the channel (non-blocking if full).
func (l *ChannelListener) OnChange(change domain.Change) {
	select {
	case l.ch <- change:
	default: // Dropped when the consumer falls behind
	}
}
