// Package relay forwards bridge events to an AMQP topic exchange, so services
// that do not hold a gateway connection can follow new messages and status
// changes.
//
// Bus delivery is synchronous, so the subscriber only enqueues; Run publishes.
// When the queue is full the event is dropped and counted.
package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nextlevelbuilder/imbridge/internal/bus"
	"github.com/nextlevelbuilder/imbridge/pkg/protocol"
)

const (
	subscriberID   = "relay"
	queueSize      = 256
	publishTimeout = 5 * time.Second
	keyPrefix      = "imbridge."
)

// Publisher sends one encoded envelope under a routing key.
type Publisher interface {
	Publish(ctx context.Context, key string, msg Envelope) error
	Close() error
}

// Envelope is the body of every relayed message. IDs are ULIDs, so they sort
// in publish order.
type Envelope struct {
	ID        string      `json:"id"`
	Event     string      `json:"event"`
	Source    string      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Stats counts relay outcomes.
type Stats struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Relay subscribes to a bus and republishes its client-facing events.
type Relay struct {
	pub    Publisher
	events bus.EventPublisher
	source string
	queue  chan bus.Event
	now    func() time.Time

	entropy io.Reader // read only by Run

	published atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// New subscribes to events. source tags every envelope (usually the host name).
func New(pub Publisher, events bus.EventPublisher, source string) *Relay {
	r := &Relay{
		pub:     pub,
		events:  events,
		source:  source,
		queue:   make(chan bus.Event, queueSize),
		now:     time.Now,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	events.Subscribe(subscriberID, r.enqueue)
	return r
}

func (r *Relay) enqueue(event bus.Event) {
	if protocol.IsInternalEvent(event.Name) {
		return
	}
	select {
	case r.queue <- event:
	default:
		if r.dropped.Add(1)%100 == 1 {
			slog.Warn("relay.queue_full", "event", event.Name, "dropped", r.dropped.Load())
		}
	}
}

// Run publishes queued events until ctx is done, then unsubscribes and closes
// the publisher. Publish failures are logged and counted, never retried.
func (r *Relay) Run(ctx context.Context) error {
	defer func() {
		r.events.Unsubscribe(subscriberID)
		if err := r.pub.Close(); err != nil {
			slog.Warn("relay.close_failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-r.queue:
			r.publish(ctx, event)
		}
	}
}

func (r *Relay) publish(ctx context.Context, event bus.Event) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	now := r.now().UTC()
	msg := Envelope{
		ID:        ulid.MustNew(ulid.Timestamp(now), r.entropy).String(),
		Event:     event.Name,
		Source:    r.source,
		Timestamp: now,
		Payload:   event.Payload,
	}
	if err := r.pub.Publish(ctx, RoutingKey(event.Name), msg); err != nil {
		r.failed.Add(1)
		slog.Warn("relay.publish_failed", "event", event.Name, "error", err)
		return
	}
	r.published.Add(1)
}

// Stats returns the current counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Published: r.published.Load(),
		Failed:    r.failed.Load(),
		Dropped:   r.dropped.Load(),
	}
}

// RoutingKey maps an event name to its topic routing key.
func RoutingKey(event string) string {
	return keyPrefix + event
}

func encode(msg Envelope) ([]byte, error) {
	return json.Marshal(msg)
}
