package broker

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// reconnectBackoff is the wait sequence between dial attempts; the last
// step repeats until a dial succeeds.
var reconnectBackoff = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}

const (
	writeTimeout = 10 * time.Second
	dialTimeout  = 15 * time.Second
)

// LinkConfig configures the transport.
type LinkConfig struct {
	Endpoint string
}

// Link maintains one WebSocket to the broker. It owns dialing, the read
// pump and backoff reconnect; parsed routing lives in the Correlator.
// The socket writer is serialized by an internal mutex, making Send safe
// from any goroutine.
type Link struct {
	logger *zap.Logger
	cfg    LinkConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool

	frames chan []byte

	// Lifecycle callbacks, set before Start. onDown receives the cause.
	onUp   func()
	onDown func(error)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLink creates an unconnected link.
func NewLink(logger *zap.Logger, cfg LinkConfig) *Link {
	return &Link{
		logger: logger.Named("link"),
		cfg:    cfg,
		frames: make(chan []byte, 1024),
		done:   make(chan struct{}),
	}
}

// OnUp sets the connection-established callback.
func (l *Link) OnUp(fn func()) { l.onUp = fn }

// OnDown sets the connection-lost callback.
func (l *Link) OnDown(fn func(error)) { l.onDown = fn }

// Frames returns the channel of raw inbound frames.
func (l *Link) Frames() <-chan []byte { return l.frames }

// Start runs the connect/read/reconnect loop until Close or ctx cancel.
func (l *Link) Start(ctx context.Context) {
	l.mu.Lock()
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()
	go l.run()
}

func (l *Link) run() {
	defer close(l.done)
	defer close(l.frames)

	attempt := 0
	for {
		if l.isClosed() {
			return
		}

		conn, err := l.dial()
		if err != nil {
			wait := reconnectBackoff[min(attempt, len(reconnectBackoff)-1)]
			attempt++
			l.logger.Warn("dial failed, backing off",
				zap.Error(err),
				zap.Duration("wait", wait),
				zap.Int("attempt", attempt))
			select {
			case <-time.After(wait):
				continue
			case <-l.ctx.Done():
				return
			}
		}
		attempt = 0

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			conn.Close()
			return
		}
		l.conn = conn
		l.connected = true
		l.mu.Unlock()

		l.logger.Info("connected", zap.String("endpoint", l.cfg.Endpoint))
		if l.onUp != nil {
			l.onUp()
		}

		readErr := l.readPump(conn)

		l.mu.Lock()
		l.connected = false
		l.conn = nil
		explicit := l.closed
		l.mu.Unlock()
		conn.Close()

		if l.onDown != nil {
			l.onDown(readErr)
		}
		if explicit || l.ctx.Err() != nil {
			return
		}
		l.logger.Warn("connection lost, reconnecting", zap.Error(readErr))
	}
}

func (l *Link) dial() (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(l.ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, l.cfg.Endpoint, nil)
	return conn, err
}

// readPump reads frames until the socket errors, forwarding each raw
// frame for the correlator to parse.
func (l *Link) readPump(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		select {
		case l.frames <- data:
		case <-l.ctx.Done():
			return l.ctx.Err()
		}
	}
}

// Send writes one frame. Fails immediately with ErrNotConnected while the
// link is down.
func (l *Link) Send(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if !l.connected || l.conn == nil {
		return ErrNotConnected
	}
	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

// IsConnected reports whether the socket is currently up.
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close tears the link down and suppresses reconnect.
func (l *Link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	conn := l.conn
	started := l.cancel != nil
	l.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if started {
		l.cancel()
		<-l.done
	}
}
