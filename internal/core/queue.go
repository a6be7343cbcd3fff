package core

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// DefaultQueueSize is the event buffer used when bus.queue_size is unset.
const DefaultQueueSize = 1024

// ErrQueueFull is returned when an event is dropped because the queue is full.
var ErrQueueFull = errors.New("event queue full")

// EventQueue sits between the request path and a slow Publisher such as the
// NATS bus. PublishEvent only enqueues and never blocks; Run delivers events
// to the wrapped publisher from a single background goroutine.
type EventQueue struct {
	next   Publisher
	events chan *SecurityEvent
	logger zerolog.Logger

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewEventQueue buffers up to size events in front of next.
func NewEventQueue(next Publisher, size int, logger zerolog.Logger) *EventQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &EventQueue{
		next:   next,
		events: make(chan *SecurityEvent, size),
		logger: logger.With().Str("component", "event_queue").Logger(),
	}
}

// PublishEvent enqueues event. When the buffer is full the event is dropped
// and ErrQueueFull returned.
func (q *EventQueue) PublishEvent(event *SecurityEvent) error {
	select {
	case q.events <- event:
		return nil
	default:
		q.dropped.Add(1)
		q.logger.Debug().
			Str("event_id", event.ID).
			Str("type", event.Type).
			Msg("event queue full, dropping event")
		return ErrQueueFull
	}
}

// Run delivers queued events until ctx is cancelled, then flushes whatever is
// still buffered.
func (q *EventQueue) Run(ctx context.Context) {
	for {
		select {
		case ev := <-q.events:
			q.deliver(ev)
		case <-ctx.Done():
			q.flush()
			return
		}
	}
}

func (q *EventQueue) flush() {
	for {
		select {
		case ev := <-q.events:
			q.deliver(ev)
		default:
			return
		}
	}
}

func (q *EventQueue) deliver(ev *SecurityEvent) {
	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			q.logger.Error().Interface("panic", r).Str("event_id", ev.ID).Msg("event delivery panicked")
		}
	}()
	if err := q.next.PublishEvent(ev); err != nil {
		q.failed.Add(1)
		q.logger.Debug().Err(err).Str("event_id", ev.ID).Msg("event not delivered")
		return
	}
	q.delivered.Add(1)
}

// Len returns the number of events waiting for delivery.
func (q *EventQueue) Len() int { return len(q.events) }

// GetMetrics returns the queue counters.
func (q *EventQueue) GetMetrics() map[string]int64 {
	return map[string]int64{
		"queue_depth":     int64(len(q.events)),
		"queue_delivered": q.delivered.Load(),
		"queue_failed":    q.failed.Load(),
		"queue_dropped":   q.dropped.Load(),
	}
}
