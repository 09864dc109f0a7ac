// Package notify delivers record change notifications to subscribers.
package notify

import (
	"slices"
	"sync"
)

// Subscription is returned by AddListenerForIDs. Removing a subscription
// twice panics.
type Subscription interface {
	Remove()
}

type subscription struct {
	hub     *Hub
	id      uint64
	removed bool
}

func (s *subscription) Remove() {
	if s.removed {
		panic("notify: subscription removed twice")
	}
	s.removed = true
	s.hub.remove(s.id)
}

type listener struct {
	ids map[string]struct{}
	cb  func(changed []string)
}

// Hub dispatches broadcasts to the listeners registered for the changed ids.
type Hub struct {
	mu        sync.Mutex
	next      uint64
	listeners map[uint64]*listener
}

func NewHub() *Hub { return &Hub{listeners: make(map[uint64]*listener)} }

// AddListenerForIDs calls cb whenever one of ids is broadcast.
func (h *Hub) AddListenerForIDs(ids []string, cb func(changed []string)) Subscription {
	l := &listener{ids: make(map[string]struct{}, len(ids)), cb: cb}
	for _, id := range ids {
		l.ids[id] = struct{}{}
	}
	h.mu.Lock()
	h.next++
	id := h.next
	h.listeners[id] = l
	h.mu.Unlock()
	return &subscription{hub: h, id: id}
}

// Broadcast notifies every listener subscribed to at least one of ids with
// the subset of ids it subscribed to. Listeners run in registration order
// outside the hub lock.
func (h *Hub) Broadcast(ids []string) {
	type call struct {
		key     uint64
		cb      func([]string)
		changed []string
	}
	var calls []call
	h.mu.Lock()
	for key, l := range h.listeners {
		var changed []string
		for _, id := range ids {
			if _, ok := l.ids[id]; ok {
				changed = append(changed, id)
			}
		}
		if len(changed) > 0 {
			calls = append(calls, call{key: key, cb: l.cb, changed: changed})
		}
	}
	h.mu.Unlock()
	slices.SortFunc(calls, func(a, b call) int { return int(a.key) - int(b.key) })
	for _, c := range calls {
		h.mu.Lock()
		_, live := h.listeners[c.key]
		h.mu.Unlock()
		if live {
			c.cb(c.changed)
		}
	}
}

// Len returns the number of registered listeners.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.listeners, id)
	h.mu.Unlock()
}
