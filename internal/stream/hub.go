package stream

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/star/geoanchor/internal/metrics"
)

// Update is the payload published for an anchor after a settle pass, or when
// the anchor is removed.
type Update struct {
	Type      string       `json:"type"` // "anchor" or "removed"
	ID        string       `json:"id"`
	Trigger   string       `json:"trigger,omitempty"`
	Longitude float64      `json:"longitude"`
	Latitude  float64      `json:"latitude"`
	Height    float64      `json:"height"`
	ECEF      [3]float64   `json:"ecef"`
	Local     [3]float64   `json:"local"`
	Globe     *[16]float64 `json:"globe_transform,omitempty"`
	T         string       `json:"t"`
}

type subscriber struct {
	ch     chan []byte
	filter map[string]bool
}

// Hub fans encoded updates out to connected streams. Publish never blocks:
// a subscriber whose buffer is full misses the update.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	buffer int
	logger *slog.Logger
}

// NewHub creates a hub whose subscribers buffer up to buffer messages.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		subs:   make(map[int]*subscriber),
		buffer: buffer,
		logger: logger.With("component", "stream_hub"),
	}
}

// Subscribe registers a subscriber. A non-empty ids set restricts delivery to
// those anchors. The returned cancel func is idempotent.
func (h *Hub) Subscribe(ids []string) (<-chan []byte, func()) {
	var filter map[string]bool
	if len(ids) > 0 {
		filter = make(map[string]bool, len(ids))
		for _, id := range ids {
			filter[id] = true
		}
	}

	s := &subscriber{ch: make(chan []byte, h.buffer), filter: filter}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = s
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish encodes u once and offers it to every matching subscriber.
func (h *Hub) Publish(u Update) {
	data, err := json.Marshal(u)
	if err != nil {
		metrics.IncStreamErrors("marshal_error")
		h.logger.Warn("update marshal error", "anchor_id", u.ID, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if s.filter != nil && !s.filter[u.ID] {
			continue
		}
		select {
		case s.ch <- data:
		default:
			metrics.IncStreamErrors("dropped")
		}
	}
}
