// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package websocket

import (
	"context"
	"sync"

	"github.com/xammer/xamops/internal/bus"
	"github.com/xammer/xamops/internal/logging"
)

// BusBridge forwards update bus messages to the WebSocket hub. It
// implements TopicListener so bus subscriptions are opened when a
// dashboard first asks for a topic and torn down when the last viewer
// leaves.
type BusBridge struct {
	hub *Hub
	bus bus.Bus

	mu      sync.Mutex
	ctx     context.Context
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewBusBridge creates a bridge between b and hub and installs it as
// the hub's topic listener.
func NewBusBridge(hub *Hub, b bus.Bus) *BusBridge {
	bridge := &BusBridge{
		hub:     hub,
		bus:     b,
		cancels: make(map[string]context.CancelFunc),
	}
	hub.SetTopicListener(bridge)
	return bridge
}

// Serve blocks until ctx is canceled, then tears down every open bus
// subscription. Intended to run under the supervision tree.
func (b *BusBridge) Serve(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	logging.Info().Str("component", "bus-bridge").Msg("update bridge started")
	<-ctx.Done()

	b.mu.Lock()
	for topic, cancel := range b.cancels {
		cancel()
		delete(b.cancels, topic)
	}
	b.ctx = nil
	b.mu.Unlock()

	b.wg.Wait()
	logging.Info().Str("component", "bus-bridge").Msg("update bridge stopped")
	return ctx.Err()
}

// TopicActive implements TopicListener. Opens a bus subscription for
// topic and pumps its updates into the hub.
func (b *BusBridge) TopicActive(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx == nil {
		logging.Warn().Str("topic", topic).Msg("topic activated before bridge started")
		return
	}
	if _, ok := b.cancels[topic]; ok {
		return
	}

	subCtx, cancel := context.WithCancel(b.ctx)
	updates, err := b.bus.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		logging.Error().Str("topic", topic).Err(err).Msg("failed to subscribe to update bus")
		return
	}
	b.cancels[topic] = cancel

	b.wg.Add(1)
	go b.pump(topic, updates)
	logging.Debug().Str("topic", topic).Msg("bus subscription opened")
}

// TopicIdle implements TopicListener. Closes the bus subscription for
// topic once no client is left watching it.
func (b *BusBridge) TopicIdle(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cancel, ok := b.cancels[topic]; ok {
		cancel()
		delete(b.cancels, topic)
		logging.Debug().Str("topic", topic).Msg("bus subscription closed")
	}
}

func (b *BusBridge) pump(topic string, updates <-chan bus.Update) {
	defer b.wg.Done()
	for update := range updates {
		b.hub.BroadcastUpdate(update.Topic, update.Payload)
	}
}

// OpenSubscriptionCount reports how many bus topics the bridge is
// currently subscribed to.
func (b *BusBridge) OpenSubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cancels)
}
