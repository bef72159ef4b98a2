// Package bus is the single-producer fan-out for engine events. Delivery is
// best effort: a subscriber that cannot keep up is dropped.
package bus

import (
	"context"
	"time"

	"fundarb/internal/core"
	"fundarb/pkg/telemetry"
)

// EventType tags a broadcast payload.
type EventType string

const (
	EventEngineStatus  EventType = "ENGINE_STATUS"
	EventPositionUpd   EventType = "POSITION_UPDATE"
	EventTradeExecuted EventType = "TRADE_EXECUTED"
	EventFundingRate   EventType = "FUNDING_RATE_UPDATE"
	EventPriceUpdate   EventType = "PRICE_UPDATE"
	EventOpportunity   EventType = "OPPORTUNITY"
	EventAlert         EventType = "ALERT"
	EventHeartbeat     EventType = "HEARTBEAT"
)

const (
	// subscriberBuffer is the per-subscriber queue; overflowing it drops the
	// subscriber.
	subscriberBuffer = 256

	broadcastBuffer = 1024

	defaultHeartbeat = 30 * time.Second
)

// Event is the wire envelope pushed to subscribers.
type Event struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

func newEvent(t EventType, data interface{}) Event {
	return Event{
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Subscriber is one consumer's queue.
type Subscriber struct {
	ch chan Event
}

// Events returns the subscriber's receive channel. It is closed when the
// subscriber is dropped or the bus stops.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Bus fans events out to subscribers from a single run loop. All maps are
// owned by that loop; external calls communicate over channels.
type Bus struct {
	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	register   chan *Subscriber
	unregister chan *Subscriber
	broadcast  chan Event

	heartbeatInterval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped bus.
func New(logger core.ILogger) *Bus {
	return &Bus{
		logger:            logger.WithField("component", "bus"),
		metrics:           telemetry.GetGlobalMetrics(),
		register:          make(chan *Subscriber),
		unregister:        make(chan *Subscriber),
		broadcast:         make(chan Event, broadcastBuffer),
		heartbeatInterval: defaultHeartbeat,
	}
}

// Start launches the fan-out loop.
func (b *Bus) Start() {
	if b.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(ctx)
}

// Stop terminates the loop and closes all subscriber channels.
func (b *Bus) Stop() {
	if b.done == nil {
		return
	}
	b.cancel()
	<-b.done
	b.done = nil
}

// Subscribe registers a new consumer.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan Event, subscriberBuffer)}
	b.register <- sub
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.unregister <- sub
}

// Publish enqueues an event for fan-out. Never blocks; if the bus queue is
// full the event is dropped with a warning.
func (b *Bus) Publish(t EventType, data interface{}) {
	select {
	case b.broadcast <- newEvent(t, data):
	default:
		b.logger.Warn("Broadcast queue full, event dropped", "type", string(t))
	}
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.done)

	subscribers := make(map[*Subscriber]bool)
	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()

	closeAll := func() {
		for sub := range subscribers {
			close(sub.ch)
		}
		subscribers = nil
	}

	for {
		select {
		case <-ctx.Done():
			closeAll()
			return

		case sub := <-b.register:
			subscribers[sub] = true
			b.metrics.SetBusSubscribers(int64(len(subscribers)))

		case sub := <-b.unregister:
			if subscribers[sub] {
				delete(subscribers, sub)
				close(sub.ch)
				b.metrics.SetBusSubscribers(int64(len(subscribers)))
			}

		case event := <-b.broadcast:
			b.deliver(ctx, subscribers, event)

		case <-ticker.C:
			if len(subscribers) == 0 {
				continue
			}
			b.deliver(ctx, subscribers, newEvent(EventHeartbeat, map[string]interface{}{
				"subscribers": len(subscribers),
			}))
		}
	}
}

func (b *Bus) deliver(ctx context.Context, subscribers map[*Subscriber]bool, event Event) {
	if b.metrics.BusEventsTotal != nil {
		b.metrics.BusEventsTotal.Add(ctx, 1)
	}
	for sub := range subscribers {
		select {
		case sub.ch <- event:
		default:
			// Slow consumer, drop it
			delete(subscribers, sub)
			close(sub.ch)
			b.logger.Warn("Dropped slow subscriber", "remaining", len(subscribers))
		}
	}
	b.metrics.SetBusSubscribers(int64(len(subscribers)))
}
