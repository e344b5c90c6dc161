package ws

import (
	"sync"
	"time"

	"teamchat/internal/metrics"
)

// PresenceEntry is the ephemeral state of one user on one topic. It is never
// persisted; its lifecycle is bound to the connections that carry it.
type PresenceEntry struct {
	UserID      uint           `json:"user_id"`
	DisplayName string         `json:"display_name"`
	Meta        map[string]any `json:"meta,omitempty"`
	OnlineAt    time.Time      `json:"online_at"`
}

type presenceSlot struct {
	entry PresenceEntry
	conns map[*Client]struct{}
}

// Presence is the process-wide topic -> user -> metadata registry. One
// instance is created at startup and injected into every session; updates
// are atomic per (topic,user) slot.
type Presence struct {
	mu     sync.RWMutex
	topics map[string]map[uint]*presenceSlot
}

func NewPresence() *Presence {
	return &Presence{topics: make(map[string]map[uint]*presenceSlot)}
}

// Track registers the connection under (topic,user). Re-tracking from the
// same connection updates the metadata in place; a second connection from
// the same user shares the slot, with last-writer-wins metadata.
func (p *Presence) Track(topic string, c *Client, entry PresenceEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	users := p.topics[topic]
	if users == nil {
		users = make(map[uint]*presenceSlot)
		p.topics[topic] = users
	}
	slot := users[entry.UserID]
	if slot == nil {
		entry.OnlineAt = time.Now()
		slot = &presenceSlot{entry: entry, conns: make(map[*Client]struct{})}
		users[entry.UserID] = slot
		metrics.PresenceEntries.Inc()
	} else {
		entry.OnlineAt = slot.entry.OnlineAt
		slot.entry = entry
	}
	slot.conns[c] = struct{}{}
}

// Untrack drops the connection from (topic,user); the entry disappears when
// its last connection goes. Safe against a concurrent Track from the same
// user reconnecting on another connection: that connection keeps the slot
// alive.
func (p *Presence) Untrack(topic string, userID uint, c *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	users := p.topics[topic]
	if users == nil {
		return
	}
	slot := users[userID]
	if slot == nil {
		return
	}
	delete(slot.conns, c)
	if len(slot.conns) == 0 {
		delete(users, userID)
		metrics.PresenceEntries.Dec()
		if len(users) == 0 {
			delete(p.topics, topic)
		}
	}
}

// List snapshots the topic's current presence for a newly joined client.
func (p *Presence) List(topic string) []PresenceEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	users := p.topics[topic]
	out := make([]PresenceEntry, 0, len(users))
	for _, slot := range users {
		out = append(out, slot.entry)
	}
	return out
}
