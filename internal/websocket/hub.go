// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/xammer/xamops/internal/logging"
	"github.com/xammer/xamops/internal/metrics"
)

// ShutdownReason identifies why the hub is shutting down.
type ShutdownReason string

const (
	// ShutdownReasonContextCanceled is the normal graceful shutdown path
	// (e.g., SIGTERM).
	ShutdownReasonContextCanceled ShutdownReason = "context_canceled"

	// ShutdownReasonContextDeadline indicates the context deadline was
	// exceeded, which may mean a hung operation during shutdown.
	ShutdownReasonContextDeadline ShutdownReason = "context_deadline"
)

// Message types for WebSocket communication
const (
	MessageTypeUpdate      = "update"
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
	MessageTypeScanStatus  = "scan_status"
)

// Message represents a WebSocket message
type Message struct {
	Type  string      `json:"type"`
	Topic string      `json:"topic,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// TopicListener is notified when a topic gains its first subscriber or
// loses its last one. The bus bridge uses this to open and close
// upstream subscriptions on demand.
type TopicListener interface {
	TopicActive(topic string)
	TopicIdle(topic string)
}

// broadcastItem carries a message and its routing topic through the
// hub's broadcast channel. An empty topic fans out to every client.
type broadcastItem struct {
	topic   string
	message Message
}

// Hub maintains the set of active clients and routes messages to the
// clients subscribed to each topic.
type Hub struct {
	clients    map[*Client]bool
	topics     map[string]map[*Client]bool
	broadcast  chan broadcastItem
	Register   chan *Client
	Unregister chan *Client
	listener   TopicListener
	mu         sync.RWMutex
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan broadcastItem, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		topics:     make(map[string]map[*Client]bool),
	}
}

// SetTopicListener installs the listener notified on topic activity.
// Must be called before RunWithContext.
func (h *Hub) SetTopicListener(l TopicListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = l
}

// RunWithContext starts the hub with context support for graceful
// shutdown. Designed for supervised operation: when the context is
// canceled all connected clients are closed and ctx.Err() is returned,
// so a supervisor restart never leaves orphaned connections.
//
// Uses priority-based selection for predictable behavior when multiple
// channels are ready:
// - Priority 1: Context cancellation (shutdown)
// - Priority 2: Client lifecycle events (Register/Unregister)
// - Priority 3: Broadcast messages
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		// Priority 1: Check for shutdown (highest priority, non-blocking)
		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()
		default:
		}

		// Priority 2: Handle client lifecycle events (non-blocking check)
		select {
		case client := <-h.Register:
			h.registerClient(client)
			continue
		case client := <-h.Unregister:
			h.unregisterClient(client)
			continue
		default:
		}

		// Priority 3: Handle broadcast messages or wait for any event
		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()

		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.Unregister:
			h.unregisterClient(client)

		case item := <-h.broadcast:
			h.broadcastToClients(item)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	metrics.WebSocketClients.Set(float64(total))
	logging.Info().Int("total_clients", total).Msg("websocket client connected")
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	idle := h.dropSubscriptionsLocked(client)
	total := len(h.clients)
	listener := h.listener
	h.mu.Unlock()

	metrics.WebSocketClients.Set(float64(total))
	h.notifyIdle(listener, idle)
	logging.Info().Int("total_clients", total).Msg("websocket client disconnected")
}

// Subscribe adds client to topic's routing set. The first subscriber
// of a topic activates it with the listener.
func (h *Hub) Subscribe(client *Client, topic string) {
	if topic == "" {
		return
	}

	h.mu.Lock()
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[*Client]bool)
		h.topics[topic] = set
	}
	first := len(set) == 0
	set[client] = true
	listener := h.listener
	h.mu.Unlock()

	if first && listener != nil {
		listener.TopicActive(topic)
	}
	logging.Debug().Str("topic", topic).Msg("websocket client subscribed")
}

// Unsubscribe removes client from topic's routing set. The last
// subscriber leaving marks the topic idle with the listener.
func (h *Hub) Unsubscribe(client *Client, topic string) {
	h.mu.Lock()
	var idle []string
	if set, ok := h.topics[topic]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.topics, topic)
			idle = append(idle, topic)
		}
	}
	listener := h.listener
	h.mu.Unlock()

	h.notifyIdle(listener, idle)
	logging.Debug().Str("topic", topic).Msg("websocket client unsubscribed")
}

// dropSubscriptionsLocked removes client from every topic set and
// returns the topics left without subscribers. Caller holds h.mu.
func (h *Hub) dropSubscriptionsLocked(client *Client) []string {
	var idle []string
	for topic, set := range h.topics {
		if set[client] {
			delete(set, client)
			if len(set) == 0 {
				delete(h.topics, topic)
				idle = append(idle, topic)
			}
		}
	}
	return idle
}

func (h *Hub) notifyIdle(listener TopicListener, topics []string) {
	if listener == nil {
		return
	}
	for _, topic := range topics {
		listener.TopicIdle(topic)
	}
}

func (h *Hub) logGracefulShutdown(ctx context.Context) {
	clientCount := h.GetClientCount()
	h.closeAllClients()

	reason := getShutdownReason(ctx)

	// ctx.Err() is not logged as an error because cancellation is
	// expected during graceful shutdown.
	logging.Info().
		Str("component", "websocket-hub").
		Str("reason", string(reason)).
		Int("clients_closed", clientCount).
		Msg("websocket hub stopped")
}

func getShutdownReason(ctx context.Context) ShutdownReason {
	switch ctx.Err() {
	case context.Canceled:
		return ShutdownReasonContextCanceled
	case context.DeadlineExceeded:
		return ShutdownReasonContextDeadline
	default:
		return ShutdownReasonContextCanceled
	}
}

// broadcastToClients sends a message to the clients routed by the
// item's topic, in client-ID order so delivery is reproducible. Clients
// whose send buffer is full are disconnected rather than allowed to
// stall the hub.
func (h *Hub) broadcastToClients(item broadcastItem) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var targets map[*Client]bool
	if item.topic == "" {
		targets = h.clients
	} else {
		targets = h.topics[item.topic]
	}

	clients := make([]*Client, 0, len(targets))
	for client := range targets {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- item.message:
		default:
			// Channel full or closed, mark for removal
			toRemove = append(toRemove, client)
		}
	}

	for _, client := range toRemove {
		close(client.send)
		delete(h.clients, client)
		h.dropSubscriptionsLocked(client)
	}
	if len(toRemove) > 0 {
		metrics.WebSocketClients.Set(float64(len(h.clients)))
		logging.Warn().Int("removed", len(toRemove)).Msg("disconnected slow websocket clients")
	}
}

// closeAllClients closes all connected clients in ID order. Called
// during shutdown.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	for _, client := range clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.topics = make(map[string]map[*Client]bool)
	metrics.WebSocketClients.Set(0)
	logging.Info().Msg("closed all websocket clients during shutdown")
}

// BroadcastUpdate routes a raw report payload to the clients subscribed
// to topic.
func (h *Hub) BroadcastUpdate(topic string, payload []byte) {
	message := Message{
		Type:  MessageTypeUpdate,
		Topic: topic,
		Data:  json.RawMessage(payload),
	}

	select {
	case h.broadcast <- broadcastItem{topic: topic, message: message}:
	default:
		logging.Warn().Str("topic", topic).Msg("broadcast channel full, dropping update")
	}
}

// BroadcastJSON sends a JSON message to all connected clients
func (h *Hub) BroadcastJSON(messageType string, data interface{}) {
	message := Message{
		Type: messageType,
		Data: data,
	}

	select {
	case h.broadcast <- broadcastItem{message: message}:
	default:
		logging.Warn().Str("message_type", messageType).Msg("broadcast channel full, dropping JSON message")
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetTopicSubscriberCount returns the number of clients subscribed to topic.
func (h *Hub) GetTopicSubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// MarshalMessage converts a message to JSON
func MarshalMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}
