// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

// Package bus provides the best-effort update bus that pushes fresh
// report payloads to live dashboard subscribers.
//
// Publishing is fire-and-forget: there is no acknowledgement, delivery
// guarantee, or replay. A nil or empty payload is a deliberate no-op so
// a failed refresh can never blank out a dashboard that is already
// showing data. Publish failures are logged and swallowed; a broken
// delivery channel must not fail the business operation that triggered
// the update.
package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/xammer/xamops/internal/logging"
	"github.com/xammer/xamops/internal/metrics"
)

// Update is a delivered bus message.
type Update struct {
	Topic   string
	Payload []byte
}

// ErrorPayload is published to a topic when a refresh fails entirely,
// so subscribers are not left waiting for data that will never come.
type ErrorPayload struct {
	Error string `json:"error"`
}

// Bus is the publish side consumed by the orchestrator and the
// subscribe side consumed by the websocket bridge.
type Bus interface {
	// Publish delivers payload to current subscribers of topic.
	// Nil/empty payloads are skipped; failures are never surfaced.
	Publish(ctx context.Context, topic string, payload interface{})

	// Subscribe returns a channel of updates for topic. The channel
	// closes when ctx is canceled or the bus shuts down.
	Subscribe(ctx context.Context, topic string) (<-chan Update, error)

	// Close shuts the bus down.
	Close() error
}

// UpdateBus implements Bus on Watermill's in-process GoChannel pub/sub,
// with a circuit breaker around publishes so a wedged subscriber cannot
// stall refresh operations.
type UpdateBus struct {
	pubsub  *gochannel.GoChannel
	breaker *gobreaker.CircuitBreaker[struct{}]

	mu     sync.Mutex
	closed bool
}

// New creates an UpdateBus.
func New() *UpdateBus {
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, newWatermillLogger())

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "update-bus",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &UpdateBus{pubsub: pubsub, breaker: breaker}
}

// Publish implements Bus.
func (b *UpdateBus) Publish(ctx context.Context, topic string, payload interface{}) {
	if payload == nil {
		metrics.BusPublishes.WithLabelValues("skipped_empty").Inc()
		logging.Ctx(ctx).Debug().Str("topic", topic).Msg("skipping publish of empty payload")
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		metrics.BusPublishes.WithLabelValues("dropped").Inc()
		logging.Ctx(ctx).Error().Str("topic", topic).Err(err).Msg("failed to marshal update payload")
		return
	}
	if isEmptyJSON(data) {
		metrics.BusPublishes.WithLabelValues("skipped_empty").Inc()
		logging.Ctx(ctx).Debug().Str("topic", topic).Msg("skipping publish of empty payload")
		return
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		metrics.BusPublishes.WithLabelValues("dropped").Inc()
		return
	}

	_, err = b.breaker.Execute(func() (struct{}, error) {
		msg := message.NewMessage(watermill.NewUUID(), data)
		return struct{}{}, b.pubsub.Publish(topic, msg)
	})
	if err != nil {
		metrics.BusPublishes.WithLabelValues("dropped").Inc()
		logging.Ctx(ctx).Warn().Str("topic", topic).Err(err).Msg("update delivery failed")
		return
	}

	metrics.BusPublishes.WithLabelValues("delivered").Inc()
	logging.Ctx(ctx).Debug().Str("topic", topic).Int("bytes", len(data)).Msg("update published")
}

// Subscribe implements Bus.
func (b *UpdateBus) Subscribe(ctx context.Context, topic string) (<-chan Update, error) {
	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan Update, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			msg.Ack()
			select {
			case out <- Update{Topic: topic, Payload: msg.Payload}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close implements Bus.
func (b *UpdateBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.pubsub.Close()
}

// isEmptyJSON reports whether marshaled data carries nothing worth
// delivering: null, empty object, empty array, or empty string.
func isEmptyJSON(data []byte) bool {
	switch strings.TrimSpace(string(data)) {
	case "", "null", "{}", "[]", `""`:
		return true
	}
	return false
}

// Topic derives the pub/sub topic for an account's report, mirroring
// the dashboard's subscription paths.
func Topic(accountID, report string) string {
	return "dashboard/" + accountID + "/" + report
}
