package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBackpressureTimeout is returned by Emit when a BlockEmitter
	// subscription could not accept the event before its block timeout.
	ErrBackpressureTimeout = errors.New("event bus: backpressure timeout")

	// ErrClosed is returned by Emit and Subscribe after Close.
	ErrClosed = errors.New("event bus: closed")
)

// Bus routes typed events to subscribers. Delivery is at-most-once per
// subscriber; emitted order is preserved per subscriber within a type and
// within a priority class.
type Bus struct {
	mu sync.RWMutex
	// subscriptions: event type → subscription id → subscription
	subs   map[string]map[string]*subscription
	byID   map[string]*subscription
	config SubscriptionConfig
	closed bool
}

// subscription owns a per-subscriber queue with one lane per priority and a
// single delivery goroutine draining highest-priority-first.
type subscription struct {
	id        string
	eventType string
	handler   Handler
	config    SubscriptionConfig

	mu      sync.Mutex
	lanes   [priorityCount][]Event
	pending int
	space   *sync.Cond // signalled when pending drops below the high-water mark
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

// New creates a bus whose subscriptions default to cfg.
func New(cfg SubscriptionConfig) *Bus {
	if cfg.QueueSize <= 0 {
		cfg = DefaultSubscriptionConfig()
	}
	return &Bus{
		subs:   make(map[string]map[string]*subscription),
		byID:   make(map[string]*subscription),
		config: cfg,
	}
}

// Subscribe registers a handler for an event type and returns the
// subscription id used for Unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) (string, error) {
	return b.SubscribeWith(eventType, handler, b.config)
}

// SubscribeWith registers a handler with a per-subscription config.
func (b *Bus) SubscribeWith(eventType string, handler Handler, cfg SubscriptionConfig) (string, error) {
	if cfg.QueueSize <= 0 {
		cfg = b.config
	}
	sub := &subscription{
		id:        uuid.New().String(),
		eventType: eventType,
		handler:   handler,
		config:    cfg,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	sub.space = sync.NewCond(&sub.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	if _, ok := b.subs[eventType]; !ok {
		b.subs[eventType] = make(map[string]*subscription)
	}
	b.subs[eventType][sub.id] = sub
	b.byID[sub.id] = sub
	b.mu.Unlock()

	go b.deliver(sub)
	return sub.id, nil
}

// Unsubscribe removes a subscription. Events already queued are dropped.
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	sub, ok := b.byID[subscriptionID]
	if ok {
		delete(b.byID, subscriptionID)
		if m, exists := b.subs[sub.eventType]; exists {
			delete(m, subscriptionID)
			if len(m) == 0 {
				delete(b.subs, sub.eventType)
			}
		}
	}
	b.mu.Unlock()

	if ok {
		sub.stop()
	}
}

// Emit publishes an event to every subscriber of its type. It returns an
// error only when a BlockEmitter subscription timed out; other subscribers
// still receive the event.
func (b *Bus) Emit(eventType string, payload map[string]any, priority Priority) error {
	return b.EmitEvent(Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Priority:  priority,
		Payload:   payload,
	})
}

// EmitEvent publishes a fully-formed event.
func (b *Bus) EmitEvent(evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	// Snapshot subscribers under the lock, then enqueue without it so a
	// blocked emitter never stalls Subscribe/Unsubscribe.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*subscription, 0, len(b.subs[evt.Type]))
	for _, sub := range b.subs[evt.Type] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	var errs []error
	for _, sub := range targets {
		if err := sub.enqueue(evt); err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.id, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops all delivery goroutines. Pending events are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	all := make([]*subscription, 0, len(b.byID))
	for _, sub := range b.byID {
		all = append(all, sub)
	}
	b.subs = make(map[string]map[string]*subscription)
	b.byID = make(map[string]*subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
}

// SubscriberCount returns the number of subscriptions for a type.
// Used by tests to poll instead of sleeping.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

// enqueue places the event in the subscription's lane for its priority,
// applying the back-pressure policy at the high-water mark.
func (s *subscription) enqueue(evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}

	if s.pending >= s.config.QueueSize {
		switch s.config.Policy {
		case BlockEmitter:
			deadline := time.Now().Add(s.config.BlockTimeout)
			timer := time.AfterFunc(s.config.BlockTimeout, func() {
				s.space.Broadcast()
			})
			defer timer.Stop()
			for s.pending >= s.config.QueueSize && !s.stopped {
				if !time.Now().Before(deadline) {
					return ErrBackpressureTimeout
				}
				s.space.Wait()
			}
			if s.stopped {
				return nil
			}
		default: // DropOldest
			s.dropOldestLocked()
		}
	}

	lane := evt.Priority
	if lane < PriorityLow || lane > PriorityCritical {
		lane = PriorityNormal
	}
	s.lanes[lane] = append(s.lanes[lane], evt)
	s.pending++

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// dropOldestLocked evicts the oldest event from the lowest-priority
// non-empty lane so higher-priority events survive saturation.
func (s *subscription) dropOldestLocked() {
	for lane := PriorityLow; lane <= PriorityCritical; lane++ {
		if len(s.lanes[lane]) > 0 {
			s.lanes[lane] = s.lanes[lane][1:]
			s.pending--
			return
		}
	}
}

// dequeue pops the next event, highest priority first, FIFO within a lane.
func (s *subscription) dequeue() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for lane := PriorityCritical; lane >= PriorityLow; lane-- {
		if len(s.lanes[lane]) > 0 {
			evt := s.lanes[lane][0]
			s.lanes[lane] = s.lanes[lane][1:]
			s.pending--
			s.space.Broadcast()
			return evt, true
		}
	}
	return Event{}, false
}

func (s *subscription) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.space.Broadcast()
	s.mu.Unlock()
	close(s.done)
}

// deliver is the subscription's delivery loop. A handler panic is isolated:
// it is logged and re-emitted as an ERROR_OCCURRED meta-event, and does not
// affect other subscribers.
func (b *Bus) deliver(sub *subscription) {
	for {
		evt, ok := sub.dequeue()
		if !ok {
			select {
			case <-sub.wake:
				continue
			case <-sub.done:
				return
			}
		}
		b.invoke(sub, evt)
	}
}

func (b *Bus) invoke(sub *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event handler panicked",
				"subscription_id", sub.id, "event_type", evt.Type, "panic", r)
			// Never recurse on the meta-event itself.
			if evt.Type != EventTypeErrorOccurred {
				_ = b.Emit(EventTypeErrorOccurred, map[string]any{
					"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
					"component": "event_bus",
					"source":    evt.Type,
					"error":     fmt.Sprint(r),
				}, PriorityHigh)
			}
		}
	}()
	sub.handler(evt)
}
