// Package strategy runs the entry/exit state machine. Every handler
// executes on the bus dispatcher, so engine state needs no coordination
// beyond the snapshot mutex for HTTP readers; anything that would block
// on a broker round-trip is spawned off the dispatcher and its outcome
// returns as a bus event.
package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/volatility-desk/trading-agent/internal/events"
	"github.com/volatility-desk/trading-agent/internal/execution"
	"github.com/volatility-desk/trading-agent/internal/risk"
	"github.com/volatility-desk/trading-agent/pkg/types"
)

// VariantSMA and VariantSqueeze name the two entry evaluators.
const (
	VariantSMA     = "sma"
	VariantSqueeze = "squeeze"
)

// Trader is the execution surface the engine drives.
type Trader interface {
	BuyContract(ctx context.Context, req execution.OrderRequest)
	SellContract(ctx context.Context, contractID int64, reason types.ExitReason)
	SellAll(ctx context.Context, reason types.ExitReason)
	UsesBrokerLimits() bool
	Balance() (decimal.Decimal, bool)
}

// Config tunes the engine.
type Config struct {
	Variant           string
	SpikeDelta        decimal.Decimal
	TakeProfitPoints  decimal.Decimal
	StopLossPoints    decimal.Decimal
	CrossoverCooldown time.Duration
	RateLimitCooldown time.Duration
	StakeAmount       decimal.Decimal
	Multiplier        int
	UseRiskSizing     bool
	TickLimit         int
	SqueezeThreshold  decimal.Decimal
}

// Snapshot is the engine state exposed to the status API.
type Snapshot struct {
	Variant       string             `json:"variant"`
	MarketState   types.MarketState  `json:"marketState"`
	CurrentPrice  decimal.Decimal    `json:"currentPrice"`
	IsTrading     bool               `json:"isTrading"`
	CooldownUntil time.Time          `json:"cooldownUntil,omitempty"`
	ActiveTrade   *types.TradeRecord `json:"activeTrade,omitempty"`
}

// Engine is the strategy state machine. At most one position is in
// flight at any time: isTrading is taken synchronously inside the tick
// handler before the proposal goroutine spawns and released only by a
// trade_opened, trade_closed, trade_failed or rate_limit event.
type Engine struct {
	logger   *zap.Logger
	cfg      Config
	bus      *events.Bus
	guardian *risk.Guardian
	trader   Trader

	now func() time.Time

	// Mutated only on the bus dispatcher; the mutex exists for Status().
	currentPrice  decimal.Decimal
	previousPrice decimal.Decimal
	hasPrev       bool
	smas          types.IndicatorSet
	prevSMAs      types.IndicatorSet
	hasPrevSMAs   bool
	marketState   types.MarketState
	activeTrade   *types.TradeRecord
	cooldownUntil time.Time
	isTrading     bool
	exitPending   bool

	squeeze *squeezeDetector

	snapMu sync.Mutex
	snap   Snapshot
}

// NewEngine creates the engine and subscribes its handlers.
func NewEngine(logger *zap.Logger, cfg Config, bus *events.Bus, guardian *risk.Guardian, trader Trader) *Engine {
	e := &Engine{
		logger:      logger.Named("strategy"),
		cfg:         cfg,
		bus:         bus,
		guardian:    guardian,
		trader:      trader,
		now:         time.Now,
		marketState: types.MarketStateRestricted,
	}
	if cfg.Variant == VariantSqueeze {
		e.squeeze = newSqueezeDetector(cfg.TickLimit, cfg.SqueezeThreshold)
	}

	bus.Subscribe(events.TypeTick, e.onTick)
	bus.Subscribe(events.TypeIndicators, e.onIndicators)
	bus.Subscribe(events.TypeTradeOpened, e.onTradeOpened)
	bus.Subscribe(events.TypeTradeClosed, e.onTradeClosed)
	bus.Subscribe(events.TypeTradeFailed, e.onTradeFailed)
	bus.Subscribe(events.TypeRateLimit, e.onRateLimit)
	bus.Subscribe(events.TypeLinkDown, e.onLinkDown)
	return e
}

// SetClock overrides the time source (tests).
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// onTick is the hot path. Ordering is load-bearing: train detection
// first, then exits, then entry evaluation.
func (e *Engine) onTick(ev events.Event) error {
	tick := ev.(events.TickEvent).Tick
	price := tick.Price

	hadPrev := e.hasPrev
	prev := e.currentPrice
	e.previousPrice = e.currentPrice
	e.currentPrice = price
	e.hasPrev = true
	if e.squeeze != nil {
		e.squeeze.Observe(price)
	}

	if e.guardian.ObserveTick(price) {
		e.closeAll(types.ExitTrainDetected)
		e.publishSnapshot()
		return nil
	}

	e.evaluateExits(price)

	if !hadPrev {
		e.publishSnapshot()
		return nil
	}

	preState := e.smas.StateFor(prev)
	e.marketState = e.smas.StateFor(price)

	if e.now().Before(e.cooldownUntil) {
		e.publishSnapshot()
		return nil
	}

	if ctype, reason, ok := e.evaluateEntry(preState, prev, price); ok {
		e.tryOpen(ctype, reason)
	} else if e.marketState == types.MarketStateRestricted && e.activeTrade != nil && !e.exitPending {
		e.closeAll(types.ExitRestrictedState)
	}

	e.publishSnapshot()
	return nil
}

// evaluateExits applies the engine-side point TP/SL to the open
// position. Skipped entirely when the broker holds the limit order; the
// broker is then the single exit authority and double-closing is avoided.
func (e *Engine) evaluateExits(price decimal.Decimal) {
	if e.activeTrade == nil || e.exitPending || e.trader.UsesBrokerLimits() {
		return
	}

	t := e.activeTrade
	diff := t.EntryPrice.Sub(price)
	if t.ContractType == types.ContractMultUp {
		diff = price.Sub(t.EntryPrice)
	}

	switch {
	case diff.GreaterThanOrEqual(e.cfg.TakeProfitPoints):
		e.closeActive(types.ExitTakeProfit)
	case diff.Neg().GreaterThanOrEqual(e.cfg.StopLossPoints):
		e.closeActive(types.ExitStopLoss)
	}
}

// evaluateEntry decides whether this tick is an entry signal.
func (e *Engine) evaluateEntry(preState types.MarketState, prev, price decimal.Decimal) (types.ContractType, string, bool) {
	if e.squeeze != nil {
		return e.squeeze.Signal(price)
	}

	// SMA variant: a spike tick inside a permissive regime opens a short
	// against the burst. The regime is re-checked with the post-tick
	// price because the spike itself may have carried price above an SMA.
	delta := price.Sub(prev)
	if preState != types.MarketStatePermissive || !delta.GreaterThan(e.cfg.SpikeDelta) {
		return "", "", false
	}
	if e.marketState != types.MarketStatePermissive {
		e.logger.Debug("spike flipped regime restricted, entry skipped",
			zap.String("price", price.String()),
			zap.String("delta", delta.String()))
		return "", "", false
	}
	return types.ContractMultDown, fmt.Sprintf("spike_short delta=%s", delta.StringFixed(2)), true
}

// tryOpen takes the single-position latch, runs the risk guards and
// spawns the two-phase open. Any refusal releases the latch immediately.
func (e *Engine) tryOpen(ctype types.ContractType, reason string) {
	if e.isTrading || e.activeTrade != nil {
		return
	}
	e.isTrading = true

	if err := e.guardian.Permit(); err != nil {
		e.logger.Debug("entry refused", zap.String("reason", reason), zap.Error(err))
		e.isTrading = false
		return
	}

	stake := e.cfg.StakeAmount
	if e.cfg.UseRiskSizing {
		if balance, ok := e.trader.Balance(); ok {
			stake = e.guardian.PositionSize(balance, e.cfg.Multiplier, e.cfg.StopLossPoints)
		}
	}

	e.logger.Info("entry signal",
		zap.String("contract_type", string(ctype)),
		zap.String("stake", stake.String()),
		zap.String("reason", reason))

	go e.trader.BuyContract(context.Background(), execution.OrderRequest{
		ContractType:  ctype,
		Stake:         stake,
		TriggerReason: reason,
	})
}

// closeActive sells the tracked position off the dispatcher.
func (e *Engine) closeActive(reason types.ExitReason) {
	if e.activeTrade == nil || e.exitPending {
		return
	}
	e.exitPending = true
	id := e.activeTrade.ContractID
	e.logger.Info("closing position",
		zap.Int64("contract_id", id),
		zap.String("reason", string(reason)))
	go e.trader.SellContract(context.Background(), id, reason)
}

// closeAll sells every tracked contract. Used by the train brake, the
// crossover guard and the restricted-state exit, which flatten the whole
// book rather than just the active position.
func (e *Engine) closeAll(reason types.ExitReason) {
	if e.activeTrade != nil {
		e.exitPending = true
	}
	go e.trader.SellAll(context.Background(), reason)
}

// onIndicators applies the crossover guard: an upward cross of SMA25
// over SMA50 or SMA100 means the downtrend regime is over, so every
// short is closed and entries pause for the crossover cooldown.
func (e *Engine) onIndicators(ev events.Event) error {
	set := ev.(events.IndicatorsEvent).Set

	if e.hasPrevSMAs && e.crossoverUp(e.prevSMAs, set) {
		e.logger.Warn("sma crossover, closing positions",
			zap.String("sma25", set.SMA25.Value.String()),
			zap.String("sma50", set.SMA50.Value.String()))
		if e.activeTrade != nil && !e.exitPending {
			e.closeAll(types.ExitCrossoverGuard)
		}
		e.cooldownUntil = e.now().Add(e.cfg.CrossoverCooldown)
	}

	e.prevSMAs = set
	e.hasPrevSMAs = true
	e.smas = set
	e.publishSnapshot()
	return nil
}

func (e *Engine) crossoverUp(prev, next types.IndicatorSet) bool {
	if !prev.SMA25.Defined || !next.SMA25.Defined {
		return false
	}
	for _, pair := range [][2]types.SMAValue{
		{prev.SMA50, next.SMA50},
		{prev.SMA100, next.SMA100},
	} {
		p, n := pair[0], pair[1]
		if !p.Defined || !n.Defined {
			continue
		}
		if prev.SMA25.Value.LessThanOrEqual(p.Value) && next.SMA25.Value.GreaterThan(n.Value) {
			return true
		}
	}
	return false
}

func (e *Engine) onTradeOpened(ev events.Event) error {
	trade := ev.(events.TradeOpenedEvent).Trade
	e.activeTrade = trade
	e.isTrading = false
	e.exitPending = false
	e.publishSnapshot()
	return nil
}

func (e *Engine) onTradeClosed(ev events.Event) error {
	trade := ev.(events.TradeClosedEvent).Trade
	if e.activeTrade != nil && e.activeTrade.ContractID == trade.ContractID {
		e.activeTrade = nil
	}
	e.isTrading = false
	e.exitPending = false
	e.publishSnapshot()
	return nil
}

func (e *Engine) onTradeFailed(ev events.Event) error {
	e.isTrading = false
	e.publishSnapshot()
	return nil
}

// onRateLimit imposes the broker-mandated cooldown; the refused signal
// is dropped, never retried.
func (e *Engine) onRateLimit(ev events.Event) error {
	until := e.now().Add(e.cfg.RateLimitCooldown)
	if until.After(e.cooldownUntil) {
		e.cooldownUntil = until
	}
	e.isTrading = false
	e.publishSnapshot()
	return nil
}

// onLinkDown releases the latches: any in-flight call has already failed
// with LinkLost and its event will not arrive.
func (e *Engine) onLinkDown(ev events.Event) error {
	e.isTrading = false
	e.exitPending = false
	e.publishSnapshot()
	return nil
}

func (e *Engine) publishSnapshot() {
	snap := Snapshot{
		Variant:      e.cfg.Variant,
		MarketState:  e.marketState,
		CurrentPrice: e.currentPrice,
		IsTrading:    e.isTrading,
	}
	if snap.Variant == "" {
		snap.Variant = VariantSMA
	}
	if !e.cooldownUntil.IsZero() && e.now().Before(e.cooldownUntil) {
		snap.CooldownUntil = e.cooldownUntil
	}
	if e.activeTrade != nil {
		c := *e.activeTrade
		snap.ActiveTrade = &c
	}

	e.snapMu.Lock()
	e.snap = snap
	e.snapMu.Unlock()
}

// Status returns the last published engine snapshot. Safe from any
// goroutine.
func (e *Engine) Status() Snapshot {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	return e.snap
}
