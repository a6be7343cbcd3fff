package core

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const eventsStream = "REQGUARD_EVENTS"

// EventBus wraps NATS JetStream for publishing detection events. Publishing
// goes through a circuit breaker so a dead broker costs the request path
// nothing but a fast error.
type EventBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	cb     *gobreaker.CircuitBreaker
	logger zerolog.Logger
	mu     sync.RWMutex
	subs   []*nats.Subscription

	metrics *BusMetrics
}

// BusMetrics tracks event bus performance counters.
type BusMetrics struct {
	mu              sync.Mutex `json:"-"`
	EventsPublished int64      `json:"events_published"`
	EventsFailed    int64      `json:"events_failed"`
	EventsRejected  int64      `json:"events_rejected"`
}

// NewEventBus creates a new EventBus. If cfg.Embedded is true, it starts an embedded NATS server.
func NewEventBus(cfg *BusConfig, logger zerolog.Logger) (*EventBus, error) {
	bus := &EventBus{
		logger:  logger.With().Str("component", "event_bus").Logger(),
		subs:    make([]*nats.Subscription, 0),
		metrics: &BusMetrics{},
	}
	bus.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "nats-publish",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			bus.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("bus circuit breaker state change")
		},
	})

	url := cfg.URL
	if cfg.Embedded {
		if cfg.DataDir != "" {
			if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
				return nil, fmt.Errorf("creating NATS data dir: %w", err)
			}
		}

		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}

		bus.ns = ns
		url = ns.ClientURL()
		bus.logger.Info().Str("url", url).Msg("embedded NATS server started")
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		bus.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	streamCfg := &nats.StreamConfig{
		Name:      eventsStream,
		Subjects:  []string{"reqguard.events.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour * 7,
		MaxBytes:  256 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	if _, err := js.AddStream(streamCfg); err != nil {
		// Stream may exist with an older config; try to update it in place.
		if _, updateErr := js.UpdateStream(streamCfg); updateErr != nil {
			bus.Close()
			return nil, fmt.Errorf("creating/updating events stream: %w (original: %v)", updateErr, err)
		}
	}

	bus.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return bus, nil
}

// Subject returns the subject an event is published on.
func Subject(event *SecurityEvent) string {
	return fmt.Sprintf("reqguard.events.%s.%s", event.Component, event.Type)
}

// PublishEvent publishes a SecurityEvent to the event bus.
func (b *EventBus) PublishEvent(event *SecurityEvent) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	subject := Subject(event)
	_, err = b.cb.Execute(func() (interface{}, error) {
		return b.js.Publish(subject, data)
	})
	if err != nil {
		b.metrics.mu.Lock()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.metrics.EventsRejected++
		} else {
			b.metrics.EventsFailed++
		}
		b.metrics.mu.Unlock()
		return fmt.Errorf("publishing event to %s: %w", subject, err)
	}

	b.metrics.mu.Lock()
	b.metrics.EventsPublished++
	b.metrics.mu.Unlock()

	b.logger.Debug().
		Str("event_id", event.ID).
		Str("subject", subject).
		Str("severity", event.Severity.String()).
		Msg("event published")
	return nil
}

// Subscribe creates a subscription on a subject pattern. Used by tooling and
// tests that consume the events stream.
func (b *EventBus) Subscribe(subject string, handler func(event *SecurityEvent)) error {
	sub, err := b.js.Subscribe(subject, func(msg *nats.Msg) {
		event, err := UnmarshalSecurityEvent(msg.Data)
		if err != nil {
			b.logger.Error().Err(err).Msg("failed to unmarshal event")
			_ = msg.Nak()
			return
		}
		handler(event)
		_ = msg.Ack()
	}, nats.DeliverNew(), nats.AckExplicit())
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Close shuts down the event bus.
func (b *EventBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}
	b.shutdownServer()
	return nil
}

func (b *EventBus) shutdownServer() {
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.ns = nil
		b.logger.Info().Msg("embedded NATS server stopped")
	}
}

// IsConnected returns true if the NATS connection is active.
func (b *EventBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

// BreakerState reports the publish circuit breaker state.
func (b *EventBus) BreakerState() string {
	return b.cb.State().String()
}

// GetMetrics returns a snapshot of bus metrics.
func (b *EventBus) GetMetrics() map[string]int64 {
	b.metrics.mu.Lock()
	defer b.metrics.mu.Unlock()
	return map[string]int64{
		"events_published": b.metrics.EventsPublished,
		"events_failed":    b.metrics.EventsFailed,
		"events_rejected":  b.metrics.EventsRejected,
	}
}
