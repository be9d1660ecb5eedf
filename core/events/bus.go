// Package events implements the typed notification channel for conflict
// lifecycle events. Consumers subscribe with an explicit type filter and
// receive compile-time-checked event shapes; the bus buffer is bounded and
// teardown is deterministic.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType tags the kind of notification.
type EventType int

const (
	// EventConflictDetected is published when the writer reports an
	// unresolved conflict and a record enters the registry.
	EventConflictDetected EventType = iota

	// EventConflictResolved is published when a resolution is applied.
	// It carries the same conflict id as the detection event and signals
	// removal to presentation layers.
	EventConflictResolved

	// EventExternalChange is published when a tracked file changes
	// outside the coordinator's write path.
	EventExternalChange
)

var eventTypeNames = map[EventType]string{
	EventConflictDetected: "conflict.detected",
	EventConflictResolved: "conflict.resolved",
	EventExternalChange:   "file.external_change",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// MergeSummary carries the merge verdict on conflict events.
type MergeSummary struct {
	CanAutoMerge bool `json:"canAutoMerge"`
}

// Event is the notification payload published on the bus.
type Event struct {
	Type             EventType
	ConflictID       string
	FilePath         string
	AbsolutePath     string
	ConflictType     string
	InvolvedSessions []string
	Merge            MergeSummary
	Timestamp        time.Time
}

// Subscription is the handle returned by Subscribe. Cancel detaches the
// subscriber; it is safe to call more than once.
type Subscription struct {
	id  string
	bus *Bus
}

// Cancel removes the subscription from the bus.
func (s *Subscription) Cancel() {
	s.bus.unsubscribe(s.id)
}

type subscriber struct {
	id    string
	types map[EventType]bool
	fn    func(Event)
}

func (s *subscriber) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// DefaultBufferSize bounds the publish queue when the caller passes zero.
const DefaultBufferSize = 256

// Bus is a bounded publish/subscribe channel for coordinator events.
// Publishing never blocks: events beyond the buffer are dropped.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*subscriber
	buffer      chan Event
	done        chan struct{}
	wg          sync.WaitGroup
	closed      bool
	startOnce   sync.Once
}

// NewBus creates a bus with the given buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	return &Bus{
		buffer: make(chan Event, bufferSize),
		done:   make(chan struct{}),
	}
}

// Start launches the dispatch goroutine. Safe to call more than once.
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.dispatch()
	})
}

// Subscribe registers fn for the given event types. An empty type list
// subscribes to all events.
func (b *Bus) Subscribe(types []EventType, fn func(Event)) *Subscription {
	sub := &subscriber{
		id:    uuid.NewString(),
		types: make(map[EventType]bool, len(types)),
		fn:    fn,
	}
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	if !b.closed {
		b.subscribers = append(b.subscribers, sub)
	}
	b.mu.Unlock()

	return &Subscription{id: sub.id, bus: b}
}

// Publish enqueues an event for delivery. Non-blocking: the event is
// dropped when the buffer is full or the bus is closed.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.buffer <- event:
	default:
	}
}

// Close stops dispatch and detaches all subscribers. Events already in
// the buffer are delivered before Close returns.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()

	b.mu.Lock()
	b.subscribers = nil
	b.mu.Unlock()
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	filtered := b.subscribers[:0]
	for _, sub := range b.subscribers {
		if sub.id != id {
			filtered = append(filtered, sub)
		}
	}
	b.subscribers = filtered
}

func (b *Bus) dispatch() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.buffer:
			b.deliver(event)
		case <-b.done:
			b.drain()
			return
		}
	}
}

func (b *Bus) drain() {
	for {
		select {
		case event := <-b.buffer:
			b.deliver(event)
		default:
			return
		}
	}
}

func (b *Bus) deliver(event Event) {
	b.mu.RLock()
	subs := make([]*subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.wants(event.Type) {
			sub.fn(event)
		}
	}
}
