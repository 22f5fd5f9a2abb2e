// Package event provides an in-process pub/sub bus built on
// watermill's gochannel transport.
package event

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// eventsTopic is the single watermill topic all events flow through.
const eventsTopic = "events"

// Type identifies the kind of event.
type Type string

const (
	ConversationCreated Type = "conversation.created"
	MessageCreated      Type = "message.created"
	WorkspaceRestored   Type = "workspace.restored"
	SnapshotCompleted   Type = "workspace.snapshot.completed"
	SnapshotFailed      Type = "workspace.snapshot.failed"
	ToolsDiscovered     Type = "tools.discovered"
)

// Event is a published notification.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// Subscriber receives published events.
type Subscriber func(Event)

type entry struct {
	id uint64
	fn Subscriber
}

// Bus is an instance-scoped event bus. Async publishes travel through
// a watermill gochannel topic, so middleware or a distributed backend
// can slot in without touching callers. A watermill payload is bytes,
// so the typed Event rides alongside the message keyed by its UUID.
type Bus struct {
	mu     sync.RWMutex
	pubsub *gochannel.GoChannel
	cancel context.CancelFunc

	byType map[Type][]entry
	global []entry

	pending sync.Map // message UUID -> Event

	nextID uint64
	closed bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100},
			watermill.NopLogger{},
		),
		cancel: cancel,
		byType: make(map[Type][]entry),
	}

	// Subscribe only fails on a closed gochannel, never a fresh one.
	msgs, err := b.pubsub.Subscribe(ctx, eventsTopic)
	if err == nil {
		go b.dispatch(msgs)
	}
	return b
}

// dispatch fans events arriving on the topic out to subscribers. The
// subscriber set is resolved at delivery time, not publish time.
func (b *Bus) dispatch(msgs <-chan *message.Message) {
	for msg := range msgs {
		msg.Ack()
		v, ok := b.pending.LoadAndDelete(msg.UUID)
		if !ok {
			continue
		}
		ev := v.(Event)
		for _, fn := range b.collect(ev.Type) {
			go fn(ev)
		}
	}
}

// Subscribe registers a subscriber for one event type and returns an
// unsubscribe function.
func (b *Bus) Subscribe(t Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	id := atomic.AddUint64(&b.nextID, 1)
	b.byType[t] = append(b.byType[t], entry{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.byType[t]
		for i, e := range subs {
			if e.id == id {
				b.byType[t] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a subscriber for every event type and
// returns an unsubscribe function.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	id := atomic.AddUint64(&b.nextID, 1)
	b.global = append(b.global, entry{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.global {
			if e.id == id {
				b.global = append(b.global[:i], b.global[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to subscribers asynchronously via the
// watermill topic. Slow subscribers never block the publisher.
func (b *Bus) Publish(ev Event) {
	msg := message.NewMessage(watermill.NewUUID(), []byte(ev.Type))
	b.pending.Store(msg.UUID, ev)
	if err := b.pubsub.Publish(eventsTopic, msg); err != nil {
		// Only a closed bus refuses the message.
		b.pending.Delete(msg.UUID)
	}
}

// PublishSync delivers the event to all subscribers in the calling
// goroutine before returning.
func (b *Bus) PublishSync(ev Event) {
	for _, fn := range b.collect(ev.Type) {
		fn(ev)
	}
}

func (b *Bus) collect(t Type) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}

	subs := make([]Subscriber, 0, len(b.byType[t])+len(b.global))
	for _, e := range b.byType[t] {
		subs = append(subs, e.fn)
	}
	for _, e := range b.global {
		subs = append(subs, e.fn)
	}
	return subs
}

// Close shuts down the bus. Publish after Close is a no-op.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.byType = make(map[Type][]entry)
	b.global = nil
	b.mu.Unlock()

	b.cancel()
	return b.pubsub.Close()
}
