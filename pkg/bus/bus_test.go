package bus

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector accumulates delivered events for assertions.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evts := c.snapshot(); len(evts) >= n {
			return evts
		}
		time.Sleep(5 * time.Millisecond)
	}
	evts := c.snapshot()
	require.GreaterOrEqual(t, len(evts), n, "timed out waiting for %d events", n)
	return evts
}

func TestEmitDeliversInOrderPerType(t *testing.T) {
	b := New(DefaultSubscriptionConfig())
	defer b.Close()

	c := &collector{}
	_, err := b.Subscribe("test.event", c.handle)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, b.Emit("test.event", map[string]any{"seq": i}, PriorityNormal))
	}

	evts := c.waitFor(t, 50)
	for i, evt := range evts[:50] {
		assert.Equal(t, i, evt.Payload["seq"])
	}
}

func TestMultipleSubscribersEachReceiveAll(t *testing.T) {
	b := New(DefaultSubscriptionConfig())
	defer b.Close()

	c1, c2 := &collector{}, &collector{}
	_, err := b.Subscribe("test.event", c1.handle)
	require.NoError(t, err)
	_, err = b.Subscribe("test.event", c2.handle)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Emit("test.event", map[string]any{"seq": i}, PriorityNormal))
	}

	c1.waitFor(t, 10)
	c2.waitFor(t, 10)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(DefaultSubscriptionConfig())
	defer b.Close()

	c := &collector{}
	id, err := b.Subscribe("test.event", c.handle)
	require.NoError(t, err)
	require.Equal(t, 1, b.SubscriberCount("test.event"))

	b.Unsubscribe(id)
	assert.Equal(t, 0, b.SubscriberCount("test.event"))

	require.NoError(t, b.Emit("test.event", nil, PriorityNormal))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.snapshot())
}

func TestCrossTypeIsolation(t *testing.T) {
	b := New(DefaultSubscriptionConfig())
	defer b.Close()

	c := &collector{}
	_, err := b.Subscribe("type.a", c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Emit("type.b", nil, PriorityNormal))
	require.NoError(t, b.Emit("type.a", map[string]any{"k": "v"}, PriorityNormal))

	evts := c.waitFor(t, 1)
	assert.Equal(t, "type.a", evts[0].Type)
	assert.Len(t, evts, 1)
}

func TestPriorityJumpsUnderSaturation(t *testing.T) {
	// Queue of 4 with a blocked handler: events pile up, and the critical
	// event must be delivered before queued normal ones.
	release := make(chan struct{})
	c := &collector{}
	b := New(SubscriptionConfig{QueueSize: 10, Policy: DropOldest})
	defer b.Close()

	first := make(chan struct{})
	var once sync.Once
	_, err := b.Subscribe("test.event", func(evt Event) {
		once.Do(func() {
			close(first)
			<-release
		})
		c.handle(evt)
	})
	require.NoError(t, err)

	require.NoError(t, b.Emit("test.event", map[string]any{"seq": "blocker"}, PriorityNormal))
	<-first

	// These queue behind the blocked handler.
	require.NoError(t, b.Emit("test.event", map[string]any{"seq": "n1"}, PriorityNormal))
	require.NoError(t, b.Emit("test.event", map[string]any{"seq": "n2"}, PriorityNormal))
	require.NoError(t, b.Emit("test.event", map[string]any{"seq": "crit"}, PriorityCritical))
	close(release)

	evts := c.waitFor(t, 4)
	assert.Equal(t, "blocker", evts[0].Payload["seq"])
	assert.Equal(t, "crit", evts[1].Payload["seq"])
	assert.Equal(t, "n1", evts[2].Payload["seq"])
	assert.Equal(t, "n2", evts[3].Payload["seq"])
}

func TestDropOldestEvictsLowestPriorityFirst(t *testing.T) {
	release := make(chan struct{})
	c := &collector{}
	b := New(SubscriptionConfig{QueueSize: 2, Policy: DropOldest})
	defer b.Close()

	first := make(chan struct{})
	var once sync.Once
	_, err := b.Subscribe("test.event", func(evt Event) {
		once.Do(func() {
			close(first)
			<-release
		})
		c.handle(evt)
	})
	require.NoError(t, err)

	require.NoError(t, b.Emit("test.event", map[string]any{"seq": "blocker"}, PriorityNormal))
	<-first

	require.NoError(t, b.Emit("test.event", map[string]any{"seq": "old"}, PriorityNormal))
	require.NoError(t, b.Emit("test.event", map[string]any{"seq": "high"}, PriorityHigh))
	// Queue is full; this evicts "old" (lowest-priority lane), not "high".
	require.NoError(t, b.Emit("test.event", map[string]any{"seq": "new"}, PriorityNormal))
	close(release)

	evts := c.waitFor(t, 3)
	seqs := make([]any, 0, 3)
	for _, evt := range evts {
		seqs = append(seqs, evt.Payload["seq"])
	}
	assert.Equal(t, []any{"blocker", "high", "new"}, seqs)
}

func TestBlockEmitterTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	b := New(SubscriptionConfig{
		QueueSize:    1,
		Policy:       BlockEmitter,
		BlockTimeout: 50 * time.Millisecond,
	})
	defer b.Close()

	first := make(chan struct{})
	var once sync.Once
	_, err := b.Subscribe("test.event", func(Event) {
		once.Do(func() {
			close(first)
			<-release
		})
	})
	require.NoError(t, err)

	require.NoError(t, b.Emit("test.event", nil, PriorityNormal))
	<-first
	require.NoError(t, b.Emit("test.event", nil, PriorityNormal)) // fills the queue

	err = b.Emit("test.event", nil, PriorityNormal)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackpressureTimeout)
}

func TestHandlerPanicIsolated(t *testing.T) {
	b := New(DefaultSubscriptionConfig())
	defer b.Close()

	errs := &collector{}
	_, err := b.Subscribe(EventTypeErrorOccurred, errs.handle)
	require.NoError(t, err)

	healthy := &collector{}
	_, err = b.Subscribe("test.event", func(Event) { panic("boom") })
	require.NoError(t, err)
	_, err = b.Subscribe("test.event", healthy.handle)
	require.NoError(t, err)

	require.NoError(t, b.Emit("test.event", nil, PriorityNormal))

	// The healthy subscriber still gets the event, and a meta-event records
	// the panic.
	healthy.waitFor(t, 1)
	meta := errs.waitFor(t, 1)
	assert.Equal(t, "event_bus", meta[0].Payload["component"])
	assert.Equal(t, "test.event", meta[0].Payload["source"])
}

func TestEmitAfterClose(t *testing.T) {
	b := New(DefaultSubscriptionConfig())
	b.Close()
	assert.ErrorIs(t, b.Emit("test.event", nil, PriorityNormal), ErrClosed)
	_, err := b.Subscribe("test.event", func(Event) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPrioritySerializesSymbolically(t *testing.T) {
	raw, err := json.Marshal(Event{Type: "test.event", Priority: PriorityCritical})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"priority":"CRITICAL"`)

	var evt Event
	require.NoError(t, json.Unmarshal(raw, &evt))
	assert.Equal(t, PriorityCritical, evt.Priority)

	var bad Priority
	assert.Error(t, json.Unmarshal([]byte(`"URGENT"`), &bad))
}
