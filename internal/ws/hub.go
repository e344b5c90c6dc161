package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"teamchat/internal/metrics"
)

// Event is the envelope for every outbound push. Replies to a command carry
// the ref of the frame that triggered them.
type Event struct {
	Type  string `json:"type"`
	Ref   string `json:"ref,omitempty"`
	OK    *bool  `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Hub is the broadcast router: it manages per-topic sub-hubs, created on the
// first subscription and reclaimed when the last subscriber leaves.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]*TopicHub
}

func NewHub() *Hub { return &Hub{topics: make(map[string]*TopicHub)} }

// Subscribe registers the client under the topic, starting its hub if needed.
// The subscriber reference is held until the run loop removes the client, so
// the hub cannot be reclaimed while a registration is in flight.
func (h *Hub) Subscribe(topic string, c *Client) *TopicHub {
	h.mu.Lock()
	th := h.topics[topic]
	if th == nil {
		th = newTopicHub(topic, h)
		h.topics[topic] = th
		go th.run()
	}
	th.refs++
	h.mu.Unlock()
	th.register <- c
	return th
}

// Online returns the subscriber count for a topic.
func (h *Hub) Online(topic string) int {
	h.mu.RLock()
	th := h.topics[topic]
	h.mu.RUnlock()
	if th == nil {
		return 0
	}
	return th.Online()
}

// Publish fans the event out to every subscriber of the topic. Delivery is
// at-most-once per connection; slow subscribers are dropped, not retried.
func (h *Hub) Publish(topic, event string, payload any) {
	h.publish(topic, event, payload, nil)
}

// PublishExcept is Publish minus the originating connection.
func (h *Hub) PublishExcept(topic, event string, payload any, except *Client) {
	h.publish(topic, event, payload, except)
}

func (h *Hub) publish(topic, event string, payload any, except *Client) {
	b, err := json.Marshal(Event{Type: event, Data: payload})
	if err != nil {
		return
	}
	metrics.BroadcastsTotal.WithLabelValues(event).Inc()
	h.mu.RLock()
	th := h.topics[topic]
	h.mu.RUnlock()
	if th == nil {
		// No subscribers; nothing to deliver.
		return
	}
	th.broadcast <- frame{data: b, except: except}
}

type frame struct {
	data   []byte
	except *Client
}

// TopicHub owns the subscriber set of one topic. All membership changes and
// fan-outs go through its run loop, so per-topic ordering follows the
// publish order within this process. refs counts subscribed plus in-flight
// registrations and is guarded by the parent hub's mutex; when it hits zero
// the hub is removed from the map and the loop exits.
type TopicHub struct {
	topic      string
	hub        *Hub
	refs       int
	done       chan struct{}
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan frame
	online     int32
}

func newTopicHub(topic string, hub *Hub) *TopicHub {
	return &TopicHub{
		topic:      topic,
		hub:        hub,
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan frame, 256),
	}
}

func (th *TopicHub) run() {
	for {
		select {
		case c := <-th.register:
			th.clients[c] = true
			atomic.StoreInt32(&th.online, int32(len(th.clients)))
		case c := <-th.unregister:
			if _, ok := th.clients[c]; ok {
				delete(th.clients, c)
				close(c.send)
				atomic.StoreInt32(&th.online, int32(len(th.clients)))
				if th.release() {
					return
				}
			}
		case f := <-th.broadcast:
			for c := range th.clients {
				if c == f.except {
					continue
				}
				select {
				case c.send <- f.data:
				default:
					delete(th.clients, c)
					close(c.send)
					atomic.StoreInt32(&th.online, int32(len(th.clients)))
					if th.release() {
						return
					}
				}
			}
		}
	}
}

// release drops one subscriber reference. When the last one goes, the hub is
// unlinked and done is closed so late unregisters do not block on a dead
// loop; it reports whether the loop should exit.
func (th *TopicHub) release() bool {
	th.hub.mu.Lock()
	th.refs--
	reclaimed := th.refs == 0
	if reclaimed {
		delete(th.hub.topics, th.topic)
		close(th.done)
	}
	th.hub.mu.Unlock()
	return reclaimed
}

// Online returns the current subscriber count.
func (th *TopicHub) Online() int { return int(atomic.LoadInt32(&th.online)) }
