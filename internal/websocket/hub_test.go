// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package websocket

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/xammer/xamops/internal/logging"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

// setupHub creates and starts a hub that stops with the test
func setupHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.RunWithContext(ctx) }()
	time.Sleep(10 * time.Millisecond)
	return hub
}

// createTestClient creates a mock client without a real connection
func createTestClient(hub *Hub) *Client {
	return &Client{
		id:   clientIDCounter.Add(1),
		hub:  hub,
		conn: nil,
		send: make(chan Message, 256),
	}
}

// registerClient registers a client and waits for registration to complete
func registerClient(hub *Hub, client *Client) {
	hub.Register <- client
	time.Sleep(20 * time.Millisecond)
}

func TestNewHub(t *testing.T) {
	hub := NewHub()

	if hub == nil {
		t.Fatal("NewHub returned nil")
	}

	checks := []struct {
		name   string
		check  bool
		errMsg string
	}{
		{"clients map", hub.clients != nil, "clients map not initialized"},
		{"topics map", hub.topics != nil, "topics map not initialized"},
		{"broadcast channel", hub.broadcast != nil, "broadcast channel not initialized"},
		{"Register channel", hub.Register != nil, "Register channel not initialized"},
		{"Unregister channel", hub.Unregister != nil, "Unregister channel not initialized"},
		{"empty clients", len(hub.clients) == 0, "clients map should be empty"},
	}

	for _, c := range checks {
		if !c.check {
			t.Error(c.errMsg)
		}
	}
}

func TestHub_GetClientCount(t *testing.T) {
	hub := NewHub()

	if hub.GetClientCount() != 0 {
		t.Errorf("Expected 0 clients initially, got %d", hub.GetClientCount())
	}

	for i := 0; i < 5; i++ {
		hub.clients[createTestClient(hub)] = true
	}

	if hub.GetClientCount() != 5 {
		t.Errorf("Expected 5 clients, got %d", hub.GetClientCount())
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := setupHub(t)
	client := createTestClient(hub)

	registerClient(hub, client)
	if hub.GetClientCount() != 1 {
		t.Errorf("Expected 1 client after register, got %d", hub.GetClientCount())
	}

	hub.Unregister <- client
	time.Sleep(20 * time.Millisecond)
	if hub.GetClientCount() != 0 {
		t.Errorf("Expected 0 clients after unregister, got %d", hub.GetClientCount())
	}

	// send channel must be closed after unregister
	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("expected send channel to be closed")
		}
	default:
		t.Error("send channel not closed after unregister")
	}
}

func TestHub_TopicRouting(t *testing.T) {
	hub := setupHub(t)

	costClient := createTestClient(hub)
	secClient := createTestClient(hub)
	registerClient(hub, costClient)
	registerClient(hub, secClient)

	hub.Subscribe(costClient, "dashboard/acct-1/costBreakdown")
	hub.Subscribe(secClient, "dashboard/acct-1/securityFindings")

	hub.BroadcastUpdate("dashboard/acct-1/costBreakdown", []byte(`{"total":42}`))
	time.Sleep(20 * time.Millisecond)

	select {
	case msg := <-costClient.send:
		if msg.Type != MessageTypeUpdate {
			t.Errorf("got message type %q, want %q", msg.Type, MessageTypeUpdate)
		}
		if msg.Topic != "dashboard/acct-1/costBreakdown" {
			t.Errorf("got topic %q", msg.Topic)
		}
	default:
		t.Fatal("subscribed client received nothing")
	}

	select {
	case msg := <-secClient.send:
		t.Fatalf("unsubscribed client received message %v", msg)
	default:
	}
}

func TestHub_BroadcastJSONReachesAllClients(t *testing.T) {
	hub := setupHub(t)

	a := createTestClient(hub)
	b := createTestClient(hub)
	registerClient(hub, a)
	registerClient(hub, b)

	hub.BroadcastJSON(MessageTypeScanStatus, map[string]string{"status": "COMPLETED"})
	time.Sleep(20 * time.Millisecond)

	for _, client := range []*Client{a, b} {
		select {
		case msg := <-client.send:
			if msg.Type != MessageTypeScanStatus {
				t.Errorf("got message type %q, want %q", msg.Type, MessageTypeScanStatus)
			}
		default:
			t.Error("client did not receive broadcast")
		}
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub := setupHub(t)
	client := createTestClient(hub)
	registerClient(hub, client)

	topic := "dashboard/acct-1/dashboard"
	hub.Subscribe(client, topic)
	hub.Unsubscribe(client, topic)

	hub.BroadcastUpdate(topic, []byte(`{"n":1}`))
	time.Sleep(20 * time.Millisecond)

	select {
	case msg := <-client.send:
		t.Fatalf("received message after unsubscribe: %v", msg)
	default:
	}
}

func TestHub_SlowClientIsRemoved(t *testing.T) {
	hub := setupHub(t)

	slow := createTestClient(hub)
	slow.send = make(chan Message) // unbuffered, nothing reads it
	registerClient(hub, slow)

	topic := "dashboard/acct-1/finopsReport"
	hub.Subscribe(slow, topic)

	hub.BroadcastUpdate(topic, []byte(`{"spend":1}`))
	time.Sleep(50 * time.Millisecond)

	if hub.GetClientCount() != 0 {
		t.Errorf("expected slow client to be removed, count = %d", hub.GetClientCount())
	}
	if n := hub.GetTopicSubscriberCount(topic); n != 0 {
		t.Errorf("expected topic to be empty after removal, got %d", n)
	}
}

func TestHub_GracefulShutdownClosesClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- hub.RunWithContext(ctx) }()
	time.Sleep(10 * time.Millisecond)

	client := createTestClient(hub)
	registerClient(hub, client)

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("RunWithContext returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancel")
	}

	if hub.GetClientCount() != 0 {
		t.Errorf("expected 0 clients after shutdown, got %d", hub.GetClientCount())
	}
}

// recordingListener captures TopicActive/TopicIdle notifications
type recordingListener struct {
	mu     sync.Mutex
	active []string
	idle   []string
}

func (l *recordingListener) TopicActive(topic string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = append(l.active, topic)
}

func (l *recordingListener) TopicIdle(topic string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.idle = append(l.idle, topic)
}

func (l *recordingListener) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active), len(l.idle)
}

func TestHub_TopicListenerNotifications(t *testing.T) {
	hub := setupHub(t)
	listener := &recordingListener{}
	hub.SetTopicListener(listener)

	a := createTestClient(hub)
	b := createTestClient(hub)
	registerClient(hub, a)
	registerClient(hub, b)

	topic := "dashboard/acct-1/serviceQuotas"

	hub.Subscribe(a, topic)
	hub.Subscribe(b, topic)
	if active, _ := listener.counts(); active != 1 {
		t.Errorf("expected 1 TopicActive for first subscriber, got %d", active)
	}

	hub.Unsubscribe(a, topic)
	if _, idle := listener.counts(); idle != 0 {
		t.Errorf("TopicIdle fired while subscribers remain, got %d", idle)
	}

	hub.Unsubscribe(b, topic)
	if _, idle := listener.counts(); idle != 1 {
		t.Errorf("expected 1 TopicIdle after last subscriber left, got %d", idle)
	}
}

func TestHub_DisconnectReleasesTopics(t *testing.T) {
	hub := setupHub(t)
	listener := &recordingListener{}
	hub.SetTopicListener(listener)

	client := createTestClient(hub)
	registerClient(hub, client)
	hub.Subscribe(client, "dashboard/acct-1/dashboard")
	hub.Subscribe(client, "dashboard/acct-1/budgets")

	hub.Unregister <- client
	time.Sleep(20 * time.Millisecond)

	if _, idle := listener.counts(); idle != 2 {
		t.Errorf("expected 2 TopicIdle notifications on disconnect, got %d", idle)
	}
}

func TestMarshalMessage(t *testing.T) {
	msg := Message{Type: MessageTypeUpdate, Topic: "dashboard/a/b"}
	data, err := MarshalMessage(msg)
	if err != nil {
		t.Fatalf("MarshalMessage failed: %v", err)
	}
	if len(data) == 0 {
		t.Error("MarshalMessage returned empty data")
	}
}
