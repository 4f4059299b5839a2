// Package stream fans container log entries out to live observers over
// WebSocket and Server-Sent Events.
package stream

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by service name.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	once      sync.Once
}

// message couples payload with the originating service.
type message struct {
	service string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	service string
	client  Subscriber
}

// NewHub creates an initialized Hub. buffer sizes the broadcast channel so
// log producers do not stall on slow subscribers.
func NewHub(buffer int) *Hub {
	if buffer < 0 {
		buffer = 0
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, buffer),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = make(map[string]map[Subscriber]struct{})
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.service]; !ok {
				h.clients[sub.service] = make(map[Subscriber]struct{})
			}
			h.clients[sub.service][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.service]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.service)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.service]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.service)
				}
			}
		}
	}
}

// Register adds a client to a service stream.
func (h *Hub) Register(service string, client Subscriber) {
	select {
	case h.register <- subscription{service: service, client: client}:
	case <-h.done:
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(service string, client Subscriber) {
	select {
	case h.unreg <- subscription{service: service, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to every subscriber of the service.
func (h *Hub) Broadcast(service string, payload []byte) {
	select {
	case h.broadcast <- message{service: service, payload: payload}:
	case <-h.done:
	}
}

// Shutdown closes every subscriber and stops the hub loop.
func (h *Hub) Shutdown() {
	h.once.Do(func() { close(h.done) })
}
