package liveserver

import (
	"context"
	"sync"
)

const clientBuffer = 256

// Client is one websocket subscriber
type Client struct {
	id     string
	send   chan Message
	mu     sync.Mutex
	closed bool
}

func NewClient(id string) *Client {
	return &Client{
		id:   id,
		send: make(chan Message, clientBuffer),
	}
}

// Send queues msg without blocking and reports false when the client is closed or too slow
func (c *Client) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) GetSendChan() <-chan Message {
	return c.send
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Logger is the logging surface the live server needs
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
}

// Hub fans broadcast messages out to registered clients. Slow clients are dropped.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	logger     Logger
}

func NewHub(logger Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 1024),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub loop. It closes every client when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.info("Client registered", "client_id", client.id, "total_clients", n)

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			h.mu.RLock()
			clientList := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clientList = append(clientList, client)
			}
			h.mu.RUnlock()

			for _, client := range clientList {
				if !client.Send(message) {
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		client.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.info("Client unregistered", "client_id", client.id, "total_clients", n)
	}
}

// Register adds a client; it returns false once the hub has stopped
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast queues msg for every client, dropping it when the queue is full
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		if h.logger != nil {
			h.logger.Warn("Broadcast channel full, dropping message", "type", msg.Type)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) info(msg string, kv ...interface{}) {
	if h.logger != nil {
		h.logger.Info(msg, kv...)
	}
}
