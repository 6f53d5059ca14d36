// Package events provides the typed event bus that serializes all
// strategy-facing state mutation. Every component publishes here and a
// single dispatcher goroutine delivers events first-in first-processed,
// so subscribers never need their own locking for bus-delivered state.
package events

import (
	"sync"

	"go.uber.org/zap"
)

// Type is the closed enumeration of event kinds carried by the bus.
type Type string

const (
	TypeTick           Type = "tick"
	TypeCandleClosed   Type = "candle_closed"
	TypeIndicators     Type = "indicators_updated"
	TypeBalance        Type = "balance_update"
	TypeTradeOpened    Type = "trade_opened"
	TypeTradeClosed    Type = "trade_closed"
	TypeTradeFailed    Type = "trade_failed"
	TypeRateLimit      Type = "rate_limit"
	TypeEmergencyBrake Type = "emergency_brake"
	TypeLinkUp         Type = "link_up"
	TypeLinkDown       Type = "link_down"
	TypeAuthorized     Type = "authorized"
	TypeStatus         Type = "status_change"
	TypeFatal          Type = "fatal_error"
)

// Event is the base interface for all bus events.
type Event interface {
	EventType() Type
}

// Handler processes one event. Handlers run on the dispatcher goroutine;
// they must not block on bus-delivered results.
type Handler func(Event) error

// Bus routes events to subscribers through an unbounded FIFO mailbox.
// Publish never blocks the caller and never drops, and publishing from
// inside a handler is safe: the follow-up event is appended behind
// whatever is already queued.
type Bus struct {
	logger *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Event
	inflight int
	closed   bool

	subMu sync.RWMutex
	subs  map[Type][]Handler

	done chan struct{}
}

// NewBus creates the bus and starts its dispatcher.
func NewBus(logger *zap.Logger) *Bus {
	b := &Bus{
		logger: logger.Named("bus"),
		subs:   make(map[Type][]Handler),
		done:   make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.dispatch()
	return b
}

// Subscribe registers a handler for an event type. Handlers for the same
// type run in registration order; registration happens at construction
// time, before any event flows.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subs[t] = append(b.subs[t], h)
}

// Publish enqueues an event for dispatch.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, e)
	b.mu.Unlock()
	b.cond.Broadcast()
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.mu.Unlock()
			return
		}
		e := b.queue[0]
		b.queue = b.queue[1:]
		b.inflight = 1
		b.mu.Unlock()

		b.deliver(e)

		b.mu.Lock()
		b.inflight = 0
		b.mu.Unlock()
		b.cond.Broadcast()
	}
}

func (b *Bus) deliver(e Event) {
	b.subMu.RLock()
	handlers := b.subs[e.EventType()]
	b.subMu.RUnlock()

	for _, h := range handlers {
		b.run(h, e)
	}
}

// run executes a handler with panic recovery so one bad handler cannot
// take down the dispatcher.
func (b *Bus) run(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				zap.String("event_type", string(e.EventType())),
				zap.Any("panic", r))
		}
	}()
	if err := h(e); err != nil {
		b.logger.Warn("event handler error",
			zap.String("event_type", string(e.EventType())),
			zap.Error(err))
	}
}

// Drain blocks until every event published so far has been processed.
func (b *Bus) Drain() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) > 0 || b.inflight > 0 {
		b.cond.Wait()
	}
}

// Close stops the dispatcher after the queue empties.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
	<-b.done
}
