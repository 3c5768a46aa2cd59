package devstub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Topics a push connection can subscribe to.
func chatTopic(userID string) string { return "chat/" + userID }

func deviceTopic(deviceID string) string { return "device/" + deviceID }

// subscriber is one websocket client of the stub.
type subscriber struct {
	id     string
	topics []string
	ws     *websocket.Conn
	send   chan []byte
}

type topicMessage struct {
	topic string
	data  []byte
}

// Hub fans published payloads out to subscribed connections.
type Hub struct {
	log *slog.Logger

	subscribers map[string]*subscriber
	topics      map[string]map[string]bool

	register   chan *subscriber
	unregister chan *subscriber
	broadcast  chan topicMessage
	done       chan struct{}

	mu sync.RWMutex
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		log:         logger,
		subscribers: make(map[string]*subscriber),
		topics:      make(map[string]map[string]bool),
		register:    make(chan *subscriber),
		unregister:  make(chan *subscriber),
		broadcast:   make(chan topicMessage, 256),
		done:        make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub.id] = sub
			for _, t := range sub.topics {
				if h.topics[t] == nil {
					h.topics[t] = make(map[string]bool)
				}
				h.topics[t][sub.id] = true
			}
			h.mu.Unlock()
			h.log.Debug("subscriber registered", "id", sub.id, "topics", sub.topics)

		case sub := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subscribers[sub.id]; ok {
				delete(h.subscribers, sub.id)
				for _, t := range sub.topics {
					delete(h.topics[t], sub.id)
					if len(h.topics[t]) == 0 {
						delete(h.topics, t)
					}
				}
				close(sub.send)
			}
			h.mu.Unlock()
			h.log.Debug("subscriber unregistered", "id", sub.id)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for id := range h.topics[msg.topic] {
				sub := h.subscribers[id]
				select {
				case sub.send <- msg.data:
				default:
					h.log.Warn("subscriber buffer full, closing", "id", id)
					go h.Unregister(sub)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) newSubscriber(ws *websocket.Conn, topics ...string) *subscriber {
	return &subscriber{
		id:     uuid.New().String(),
		topics: topics,
		ws:     ws,
		send:   make(chan []byte, 256),
	}
}

func (h *Hub) Register(sub *subscriber) {
	select {
	case h.register <- sub:
	case <-h.done:
	}
}

func (h *Hub) Unregister(sub *subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// PublishJSON sends v to every subscriber of topic.
func (h *Hub) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- topicMessage{topic: topic, data: data}:
	case <-h.done:
	}
	return nil
}

// Subscribers returns the number of live connections on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
