package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/taskdock/internal/protocol"
)

// Event is one async completion published on a result channel.
type Event struct {
	ID     int64           `json:"id"`
	Topic  string          `json:"topic"`
	At     time.Time       `json:"at"`
	Notice protocol.Notice `json:"notice"`
}

type subscription struct {
	topic string
	ch    chan Event
}

// Hub is an in-memory pub/sub keyed by OnFinish channel name, with a small
// ring buffer for late readers. It stands in for the completion callbacks the
// master cannot ship to worker processes.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]subscription
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]subscription),
	}
}

// Publish delivers n to subscribers of topic and to wildcard subscribers.
func (h *Hub) Publish(topic string, n protocol.Notice) Event {
	ev := Event{
		ID:     h.nextID.Add(1),
		Topic:  topic,
		At:     time.Now().UTC(),
		Notice: n,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, sub := range h.subs {
		if sub.topic != "" && sub.topic != topic {
			continue
		}
		// Don't let slow subscribers block delivery.
		select {
		case sub.ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
	return ev
}

// Subscribe returns a channel receiving events for topic ("" = every topic)
// and a cancel func that closes it.
func (h *Hub) Subscribe(topic string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
	h.subs[id] = subscription{topic: topic, ch: ch}

	cancel := func() {
		h.mu.Lock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID for topic
// ("" = every topic), oldest-first.
func (h *Hub) SnapshotSince(topic string, lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID <= lastID {
			continue
		}
		if topic != "" && ev.Topic != topic {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
