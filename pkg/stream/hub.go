// Package stream fans console events (audit entries, integrity faults, bans)
// out to live websocket subscribers. Slow subscribers drop events.
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Kind names what a console event is about.
type Kind string

const (
	KindReady Kind = "ready"
	KindAudit Kind = "audit"
	KindFault Kind = "integrity_fault"
	KindBan   Kind = "ban"
)

// ParseKinds keeps the recognised kinds from raw, in order.
func ParseKinds(raw []string) []Kind {
	var out []Kind
	for _, r := range raw {
		switch k := Kind(r); k {
		case KindAudit, KindFault, KindBan:
			out = append(out, k)
		}
	}
	return out
}

type Event struct {
	Seq  uint64          `json:"seq,omitempty"`
	Type Kind            `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent stamps data with kind and the current time. Data that cannot be
// encoded is left out.
func NewEvent(kind Kind, data any) Event {
	evt := Event{Type: kind, At: time.Now().UTC()}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			evt.Data = b
		}
	}
	return evt
}

// Subscription is one listener. An empty kind set receives everything.
type Subscription struct {
	ch      chan Event
	kinds   map[Kind]struct{}
	dropped atomic.Uint64
}

func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped counts events skipped because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subs: map[*Subscription]struct{}{}}
}

func (h *Hub) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer <= 0 {
		buffer = 32
	}
	sub := &Subscription{ch: make(chan Event, buffer)}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe detaches sub and closes its channel. Repeated calls are no-ops.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Subscribers reports the number of attached listeners.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped totals events skipped across all subscribers since start.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Publish assigns the next sequence number and delivers evt without blocking.
func (h *Hub) Publish(evt Event) {
	evt.Seq = h.seq.Add(1)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(evt.Type) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
}
