package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/volatility-desk/trading-agent/internal/events"
	"github.com/volatility-desk/trading-agent/internal/metrics"
)

const heartbeatInterval = 10 * time.Second

// ClientConfig configures the broker session.
type ClientConfig struct {
	Endpoint    string
	Token       string
	CallTimeout time.Duration
}

// Client composes Link and Correlator into an authorized session: on
// every connect it authorizes, then announces AuthorizedEvent so the
// market book can re-issue its subscriptions; it keeps the socket alive
// with a ping call every 10 seconds.
type Client struct {
	logger *zap.Logger
	cfg    ClientConfig
	bus    *events.Bus
	mets   *metrics.Metrics

	link *Link
	corr *Correlator

	mu         sync.Mutex
	pingCancel context.CancelFunc
	authorized bool
}

// NewClient builds the session. Start must be called before use.
func NewClient(logger *zap.Logger, cfg ClientConfig, bus *events.Bus, mets *metrics.Metrics) *Client {
	c := &Client{
		logger: logger.Named("broker"),
		cfg:    cfg,
		bus:    bus,
		mets:   mets,
	}
	c.link = NewLink(logger, LinkConfig{Endpoint: cfg.Endpoint})
	c.corr = NewCorrelator(logger, c.link, cfg.CallTimeout)

	c.link.OnUp(c.handleUp)
	c.link.OnDown(c.handleDown)
	c.corr.OnEscalation(c.handleEscalation)
	if mets != nil {
		c.corr.OnTimeout(mets.RPCTimeouts.Inc)
	}
	return c
}

// Correlator exposes the RPC surface for execution and subscriptions.
func (c *Client) Correlator() *Correlator { return c.corr }

// IsAuthorized reports whether the current connection has authorized.
func (c *Client) IsAuthorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized
}

// Start dials the broker and pumps frames into the correlator until the
// context is cancelled or Close is called.
func (c *Client) Start(ctx context.Context) {
	c.link.Start(ctx)
	go func() {
		for frame := range c.link.Frames() {
			c.corr.Dispatch(frame)
		}
	}()
}

// Close shuts the session down and suppresses reconnect.
func (c *Client) Close() {
	c.stopHeartbeat()
	c.link.Close()
}

func (c *Client) handleUp() {
	c.bus.Publish(events.LinkUpEvent{})

	// Authorize runs off the link callback goroutine so the read pump is
	// already draining frames when the response arrives.
	go c.authorize()
}

func (c *Client) authorize() {
	msg, err := c.corr.Call(context.Background(), map[string]any{
		"authorize": c.cfg.Token,
	})
	if err != nil {
		if IsCode(err, CodeInvalidToken) {
			c.logger.Error("authorize rejected, token invalid")
			c.bus.Publish(events.FatalEvent{Reason: "invalid token", Err: err})
			return
		}
		c.logger.Error("authorize failed", zap.Error(err))
		// Transport-level failure; the reconnect loop will retry.
		return
	}
	if msg.Authorize == nil {
		c.logger.Error("authorize response missing payload")
		return
	}

	c.mu.Lock()
	c.authorized = true
	c.mu.Unlock()

	c.logger.Info("authorized", zap.String("loginid", msg.Authorize.LoginID))
	c.startHeartbeat()
	c.bus.Publish(events.AuthorizedEvent{LoginID: msg.Authorize.LoginID})
	c.bus.Publish(events.BalanceEvent{
		Balance:  msg.Authorize.Balance,
		Currency: msg.Authorize.Currency,
	})
}

func (c *Client) handleDown(err error) {
	c.mu.Lock()
	c.authorized = false
	c.mu.Unlock()

	c.stopHeartbeat()
	c.corr.FailAll()
	if c.mets != nil {
		c.mets.WSReconnects.Inc()
	}
	c.bus.Publish(events.LinkDownEvent{Err: err})
}

func (c *Client) handleEscalation(apiErr *APIError) {
	switch apiErr.Code {
	case CodeRateLimit:
		c.bus.Publish(events.RateLimitEvent{})
	case CodeBuyLimitReached:
		c.bus.Publish(events.FatalEvent{Reason: "buy limit reached", Err: apiErr})
	case CodeInvalidToken:
		c.bus.Publish(events.FatalEvent{Reason: "invalid token", Err: apiErr})
	}
}

// startHeartbeat pings every 10 s; pongs resolve through the correlator
// and are dropped here.
func (c *Client) startHeartbeat() {
	c.mu.Lock()
	if c.pingCancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.pingCancel = cancel
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.corr.Call(ctx, map[string]any{"ping": 1}); err != nil {
					c.logger.Debug("ping failed", zap.Error(err))
				}
			}
		}
	}()
}

func (c *Client) stopHeartbeat() {
	c.mu.Lock()
	cancel := c.pingCancel
	c.pingCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
