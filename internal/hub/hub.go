// Package hub fans state-change notifications out to dashboard subscribers.
// Slow subscribers are dropped rather than applying backpressure to the
// engine.
package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

type Subscription struct {
	// AgentID filters notifications to one agent; empty receives everything.
	AgentID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type Envelope struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}

type SubscribeMessage struct {
	Action  string `json:"action"`
	AgentID string `json:"agent_id"`
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

// Publish implements the engine's Publisher hook: it wraps the payload in an
// envelope and broadcasts it. Marshal errors are logged and dropped.
func (h *Hub) Publish(eventType string, payload interface{}) {
	raw, err := json.Marshal(Envelope{Type: eventType, Payload: payload, CreatedAt: time.Now().UTC()})
	if err != nil {
		log.Printf("hub marshal error type=%s: %v", eventType, err)
		return
	}
	h.Broadcast(raw, agentIDOf(payload))
}

func (h *Hub) Broadcast(payload []byte, agentID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.Subscription.AgentID != "" && agentID != client.Subscription.AgentID {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Printf("drop message for client %s", client.ID)
		}
	}
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}

func agentIDOf(payload interface{}) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	var probe struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.AgentID
}
