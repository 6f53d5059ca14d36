package broker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sender abstracts the transport underneath the correlator.
type Sender interface {
	Send(data []byte) error
}

// StreamHandler consumes one unsolicited stream message.
type StreamHandler func(*Message)

// EscalationHandler receives application errors that arrive without a
// req_id but carry a code the agent treats as an event (RateLimit,
// buy_limit_reached, InvalidToken).
type EscalationHandler func(*APIError)

// Correlator turns the duplexed socket into promise-shaped RPCs. Every
// outbound payload is tagged with a monotonically increasing req_id; an
// inbound frame echoing a known req_id resolves exactly one pending call.
// Frames without a req_id dispatch by msg_type to registered stream
// handlers, on the goroutine that feeds Dispatch.
type Correlator struct {
	logger *zap.Logger
	sender Sender

	callTimeout time.Duration
	nextID      atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *Message

	handlerMu   sync.RWMutex
	handlers    map[string][]StreamHandler
	escalate    EscalationHandler
	timeoutHook func()
}

// NewCorrelator creates a correlator over the given sender.
func NewCorrelator(logger *zap.Logger, sender Sender, callTimeout time.Duration) *Correlator {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	return &Correlator{
		logger:      logger.Named("correlator"),
		sender:      sender,
		callTimeout: callTimeout,
		pending:     make(map[int64]chan *Message),
		handlers:    make(map[string][]StreamHandler),
	}
}

// OnStream registers a handler for a stream msg_type.
func (c *Correlator) OnStream(msgType string, h StreamHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[msgType] = append(c.handlers[msgType], h)
}

// OnEscalation registers the named-error escalation handler.
func (c *Correlator) OnEscalation(h EscalationHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.escalate = h
}

// OnTimeout registers a hook fired once per call that expires unanswered.
func (c *Correlator) OnTimeout(h func()) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.timeoutHook = h
}

// Call sends a payload and waits for the matching response. An
// application-level error resolves the call too: the response message is
// returned alongside the *APIError so the caller decides what to do.
// Deadline overrun yields ErrTimeout, a dropped link ErrLinkLost.
func (c *Correlator) Call(ctx context.Context, payload map[string]any) (*Message, error) {
	id := c.nextID.Add(1)
	payload["req_id"] = id

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.sender.Send(data); err != nil {
		c.unregister(id)
		return nil, err
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		if msg == nil {
			return nil, ErrLinkLost
		}
		if msg.Error != nil {
			return msg, msg.Error
		}
		return msg, nil
	case <-timer.C:
		c.unregister(id)
		c.handlerMu.RLock()
		hook := c.timeoutHook
		c.handlerMu.RUnlock()
		if hook != nil {
			hook()
		}
		return nil, ErrTimeout
	case <-ctx.Done():
		c.unregister(id)
		return nil, ctx.Err()
	}
}

// Dispatch parses one raw frame and routes it. Malformed JSON is logged
// and dropped.
func (c *Correlator) Dispatch(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("malformed frame dropped", zap.Error(err))
		return
	}

	if msg.ReqID != 0 {
		c.mu.Lock()
		ch, ok := c.pending[msg.ReqID]
		if ok {
			delete(c.pending, msg.ReqID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &msg
			return
		}
		// Late reply after timeout or a subscription update that echoes
		// the originating req_id; fall through to stream routing.
	}

	if msg.Error != nil {
		c.handleStreamError(&msg)
		return
	}

	c.handlerMu.RLock()
	handlers := c.handlers[msg.MsgType]
	c.handlerMu.RUnlock()

	if len(handlers) == 0 {
		if msg.MsgType != MsgPing {
			c.logger.Debug("unrouted stream message", zap.String("msg_type", msg.MsgType))
		}
		return
	}
	for _, h := range handlers {
		h(&msg)
	}
}

func (c *Correlator) handleStreamError(msg *Message) {
	c.logger.Warn("broker error without pending call",
		zap.String("code", msg.Error.Code),
		zap.String("message", msg.Error.Message))

	switch msg.Error.Code {
	case CodeRateLimit, CodeBuyLimitReached, CodeInvalidToken:
		c.handlerMu.RLock()
		escalate := c.escalate
		c.handlerMu.RUnlock()
		if escalate != nil {
			escalate(msg.Error)
		}
	}
}

// FailAll resolves every pending call with a nil message, surfaced to
// callers as ErrLinkLost. Invoked on reconnect.
func (c *Correlator) FailAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan *Message)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- nil
	}
	if len(pending) > 0 {
		c.logger.Warn("failed pending calls on link loss", zap.Int("count", len(pending)))
	}
}

// PendingCount returns the number of in-flight calls.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) unregister(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
