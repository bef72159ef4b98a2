package bus

import (
	"testing"
	"time"

	"fundarb/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New(logging.NewNop())
	b.heartbeatInterval = 20 * time.Millisecond
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func waitEvent(t *testing.T, sub *Subscriber, want EventType) Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case event, ok := <-sub.Events():
			require.True(t, ok, "subscriber channel closed while waiting for %s", want)
			if event.Type == want {
				return event
			}
		case <-deadline:
			t.Fatalf("no %s event within deadline", want)
		}
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := newTestBus(t)
	first := b.Subscribe()
	second := b.Subscribe()

	b.Publish(EventOpportunity, map[string]interface{}{"symbol": "BTC/USDT:USDT"})

	for _, sub := range []*Subscriber{first, second} {
		event := waitEvent(t, sub, EventOpportunity)
		data, ok := event.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "BTC/USDT:USDT", data["symbol"])

		// Timestamp is ISO-8601 UTC
		ts, err := time.Parse(time.RFC3339, event.Timestamp)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().UTC(), ts, 5*time.Second)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := newTestBus(t)
	sub := b.Subscribe()
	b.Unsubscribe(sub)

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}

func TestHeartbeatWhileSubscribersExist(t *testing.T) {
	b := newTestBus(t)
	sub := b.Subscribe()

	event := waitEvent(t, sub, EventHeartbeat)
	assert.Equal(t, EventHeartbeat, event.Type)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	b := newTestBus(t)
	slow := b.Subscribe()

	// Overflow the slow subscriber's buffer without draining it
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(EventPriceUpdate, i)
	}

	// The slow channel ends up closed after the drop
	deadline := time.After(time.Second)
drain:
	for {
		select {
		case _, ok := <-slow.Events():
			if !ok {
				break drain
			}
		case <-deadline:
			t.Fatal("slow subscriber never dropped")
		}
	}

	// The bus keeps serving later subscribers
	healthy := b.Subscribe()
	b.Publish(EventEngineStatus, nil)
	waitEvent(t, healthy, EventEngineStatus)
}

func TestStopClosesSubscribers(t *testing.T) {
	b := New(logging.NewNop())
	b.Start()
	sub := b.Subscribe()
	b.Stop()

	for {
		if _, ok := <-sub.Events(); !ok {
			return
		}
	}
}
