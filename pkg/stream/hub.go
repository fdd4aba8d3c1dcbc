// Package stream pushes live state to subscribers: a WebSocket hub
// for dashboards and an optional Redis stream sink for downstream
// consumers.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/goalfuse/goalfuse/pkg/metrics"
)

// Topic classifies outbound events; clients can subscribe per topic.
type Topic string

const (
	TopicSnapshot  Topic = "snapshot"
	TopicRace      Topic = "race"
	TopicSignal    Topic = "signal"
	TopicActivity  Topic = "activity"
	TopicPosition  Topic = "position"
	TopicStatus    Topic = "status"
	TopicHeartbeat Topic = "heartbeat"
)

// defaultTopics is what a fresh client receives before it sends its
// own subscribe message.
var defaultTopics = []Topic{
	TopicSnapshot, TopicRace, TopicSignal,
	TopicActivity, TopicPosition, TopicStatus, TopicHeartbeat,
}

// Event is one outbound message on the wire.
type Event struct {
	Topic     Topic       `json:"topic"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Hub fans events out to connected WebSocket clients.
type Hub struct {
	log *logrus.Entry
	mtx *metrics.Metrics

	clients    map[*client]bool
	broadcast  chan Event
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex

	upgrader websocket.Upgrader
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	topics map[Topic]bool
	subMu  sync.RWMutex
}

// NewHub creates a hub. Call Run before serving upgrades.
func NewHub(m *metrics.Metrics, logger *logrus.Logger) *Hub {
	return &Hub{
		log:        logger.WithField("component", "stream"),
		mtx:        m,
		clients:    make(map[*client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Run drives registration and broadcast until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			// done unblocks pumps parked on register/unregister so
			// they can exit instead of leaking.
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.setClientGauge(n)
			h.log.WithField("clients", n).Debug("client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.setClientGauge(n)
			h.log.WithField("clients", n).Debug("client disconnected")

		case ev := <-h.broadcast:
			h.fanOut(ev)

		case <-heartbeat.C:
			h.Broadcast(Event{
				Topic: TopicHeartbeat,
				Data:  map[string]int{"clients": h.ClientCount()},
			})
		}
	}
}

func (h *Hub) fanOut(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).Warn("marshal event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.subscribed(ev.Topic) {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Slow client: drop it rather than stall the loop.
			close(c.send)
			delete(h.clients, c)
		}
	}
}

// Broadcast queues an event for fan-out; drops when the queue is full.
func (h *Hub) Broadcast(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- ev:
	default:
		h.log.Warn("broadcast queue full, dropping event")
	}
}

// Publish is a convenience wrapper around Broadcast.
func (h *Hub) Publish(topic Topic, data interface{}) {
	h.Broadcast(Event{Topic: topic, Data: data})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) setClientGauge(n int) {
	if h.mtx != nil {
		h.mtx.StreamClients.Set(float64(n))
	}
}

// ServeWS upgrades an HTTP request into a hub client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("upgrade failed")
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		topics: make(map[Topic]bool, len(defaultTopics)),
	}
	for _, t := range defaultTopics {
		c.topics[t] = true
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (c *client) subscribed(t Topic) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.topics[t]
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleMessage(message)
	}
}

func (c *client) handleMessage(message []byte) {
	var msg struct {
		Type   string   `json:"type"`
		Topics []string `json:"topics"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "subscribe":
		c.subMu.Lock()
		for _, t := range msg.Topics {
			c.topics[Topic(t)] = true
		}
		c.subMu.Unlock()
	case "unsubscribe":
		c.subMu.Lock()
		for _, t := range msg.Topics {
			delete(c.topics, Topic(t))
		}
		c.subMu.Unlock()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
