// Package execution drives the broker's trade transactions: the
// proposal→buy two-phase open, market sells, the balance subscription
// and open-contract tracking.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/volatility-desk/trading-agent/internal/broker"
	"github.com/volatility-desk/trading-agent/internal/events"
	"github.com/volatility-desk/trading-agent/internal/metrics"
	"github.com/volatility-desk/trading-agent/pkg/types"
)

// Caller is the RPC surface the executor needs from the broker session.
type Caller interface {
	Call(ctx context.Context, payload map[string]any) (*broker.Message, error)
	OnStream(msgType string, h broker.StreamHandler)
}

// Config configures the executor.
type Config struct {
	Symbol               string
	Currency             string
	Multiplier           int
	TakeProfitMultiplier decimal.Decimal
	StopLossMultiplier   decimal.Decimal
}

// OrderRequest is one open-position intent from the strategy.
type OrderRequest struct {
	ContractType  types.ContractType
	Stake         decimal.Decimal
	TriggerReason string
}

// Executor owns the open-contract map and turns strategy intents into
// broker transactions. Results surface as bus events, never as handler
// return values, so the strategy's mailbox stays non-blocking.
type Executor struct {
	logger *zap.Logger
	cfg    Config
	bus    *events.Bus
	mets   *metrics.Metrics
	caller Caller

	mu   sync.Mutex
	open map[int64]*types.TradeRecord

	balance    decimal.Decimal
	hasBalance bool
}

// NewExecutor creates the executor and registers its stream handlers.
func NewExecutor(logger *zap.Logger, cfg Config, bus *events.Bus, mets *metrics.Metrics, caller Caller) *Executor {
	e := &Executor{
		logger: logger.Named("execution"),
		cfg:    cfg,
		bus:    bus,
		mets:   mets,
		caller: caller,
		open:   make(map[int64]*types.TradeRecord),
	}
	caller.OnStream(broker.MsgBalance, e.handleBalanceMsg)
	caller.OnStream(broker.MsgProposalOpenContract, e.handleOpenContractMsg)
	return e
}

// SubscribeBalance issues the once-per-session balance subscription.
func (e *Executor) SubscribeBalance(ctx context.Context) error {
	msg, err := e.caller.Call(ctx, map[string]any{"balance": 1, "subscribe": 1})
	if err != nil {
		return fmt.Errorf("balance subscribe: %w", err)
	}
	if msg.Balance != nil {
		e.applyBalance(msg.Balance)
	}
	return nil
}

// ResubscribeContracts re-issues the open-contract subscription for
// every tracked position. Called after each authorize so broker-side
// closes keep flowing across reconnects; a contract the broker already
// sold while the link was down finalizes from the response itself.
func (e *Executor) ResubscribeContracts(ctx context.Context) error {
	for _, id := range e.OpenContractIDs() {
		msg, err := e.caller.Call(ctx, map[string]any{
			"proposal_open_contract": 1,
			"contract_id":            id,
			"subscribe":              1,
		})
		if err != nil {
			return fmt.Errorf("open-contract resubscribe %d: %w", id, err)
		}
		if msg.ProposalOpenContract != nil {
			e.handleOpenContractMsg(msg)
		}
	}
	return nil
}

// BuyContract runs the proposal→buy two-phase open. On success the
// position is registered and a trade_opened event fires; refusals map to
// rate_limit, fatal_error or trade_failed events.
func (e *Executor) BuyContract(ctx context.Context, req OrderRequest) {
	start := time.Now()

	proposal := map[string]any{
		"proposal":      1,
		"amount":        req.Stake.InexactFloat64(),
		"basis":         "stake",
		"contract_type": string(req.ContractType),
		"currency":      e.cfg.Currency,
		"symbol":        e.cfg.Symbol,
		"multiplier":    e.cfg.Multiplier,
	}
	if lo := e.limitOrder(req.Stake); lo != nil {
		proposal["limit_order"] = lo
	}

	propMsg, err := e.caller.Call(ctx, proposal)
	if err != nil {
		e.handleOpenError("proposal", err)
		return
	}
	if propMsg.Proposal == nil {
		e.handleOpenError("proposal", fmt.Errorf("proposal response missing payload"))
		return
	}

	buyMsg, err := e.caller.Call(ctx, map[string]any{
		"buy":   propMsg.Proposal.ID,
		"price": req.Stake.InexactFloat64(),
	})
	if err != nil {
		e.handleOpenError("buy", err)
		return
	}
	if buyMsg.Buy == nil {
		e.handleOpenError("buy", fmt.Errorf("buy response missing payload"))
		return
	}

	entryPrice := propMsg.Proposal.Spot
	trade := &types.TradeRecord{
		ContractID:    buyMsg.Buy.ContractID,
		Symbol:        e.cfg.Symbol,
		ContractType:  req.ContractType,
		EntryTime:     time.Unix(buyMsg.Buy.PurchaseTime, 0).UTC(),
		EntryPrice:    entryPrice,
		Stake:         buyMsg.Buy.BuyPrice,
		TriggerReason: req.TriggerReason,
		Status:        types.TradeStatusOpen,
	}

	e.mu.Lock()
	e.open[trade.ContractID] = trade
	e.mu.Unlock()

	if e.mets != nil {
		e.mets.TradesOpened.Inc()
		e.mets.RPCDuration.Observe(time.Since(start).Seconds())
	}
	e.logger.Info("contract opened",
		zap.Int64("contract_id", trade.ContractID),
		zap.String("type", string(req.ContractType)),
		zap.String("stake", trade.Stake.String()),
		zap.String("entry", entryPrice.String()),
		zap.String("reason", req.TriggerReason))

	e.bus.Publish(events.TradeOpenedEvent{Trade: snapshot(trade)})

	// Track the contract so a broker-side close (limit order hit) still
	// finalizes the trade.
	if _, err := e.caller.Call(ctx, map[string]any{
		"proposal_open_contract": 1,
		"contract_id":            trade.ContractID,
		"subscribe":              1,
	}); err != nil {
		e.logger.Warn("open-contract subscribe failed",
			zap.Int64("contract_id", trade.ContractID), zap.Error(err))
	}
}

// limitOrder builds the broker-enforced TP/SL block from the stake
// multipliers; nil when both are disabled. When the block is sent the
// broker is the exit authority and the engine's point-based TP/SL is
// skipped for the contract.
func (e *Executor) limitOrder(stake decimal.Decimal) map[string]any {
	lo := map[string]any{}
	if e.cfg.TakeProfitMultiplier.IsPositive() {
		lo["take_profit"] = stake.Mul(e.cfg.TakeProfitMultiplier).Round(2).InexactFloat64()
	}
	if e.cfg.StopLossMultiplier.IsPositive() {
		lo["stop_loss"] = stake.Mul(e.cfg.StopLossMultiplier).Round(2).InexactFloat64()
	}
	if len(lo) == 0 {
		return nil
	}
	return lo
}

// UsesBrokerLimits reports whether contracts carry a limit_order block.
func (e *Executor) UsesBrokerLimits() bool {
	return e.cfg.TakeProfitMultiplier.IsPositive() || e.cfg.StopLossMultiplier.IsPositive()
}

func (e *Executor) handleOpenError(phase string, err error) {
	if e.mets != nil {
		e.mets.TradesFailed.Inc()
	}
	switch {
	case broker.IsCode(err, broker.CodeRateLimit):
		e.logger.Warn("rate limited", zap.String("phase", phase))
		e.bus.Publish(events.RateLimitEvent{})
	case broker.IsCode(err, broker.CodeBuyLimitReached):
		e.logger.Error("buy limit reached", zap.String("phase", phase))
		e.bus.Publish(events.FatalEvent{Reason: "buy limit reached", Err: err})
	default:
		e.logger.Warn("open attempt failed",
			zap.String("phase", phase), zap.Error(err))
		e.bus.Publish(events.TradeFailedEvent{Reason: phase, Err: err})
	}
}

// SellContract issues a market sell (price 0) for one open contract.
// Finalization happens on the sell response, or on the open-contract
// stream if that lands first; the two paths are idempotent.
func (e *Executor) SellContract(ctx context.Context, contractID int64, reason types.ExitReason) {
	e.mu.Lock()
	trade, ok := e.open[contractID]
	if ok {
		trade.ExitReason = reason
	}
	e.mu.Unlock()
	if !ok {
		e.logger.Warn("sell for unknown contract", zap.Int64("contract_id", contractID))
		return
	}

	msg, err := e.caller.Call(ctx, map[string]any{"sell": contractID, "price": 0})
	if err != nil {
		// The open-contract stream remains the fallback close path.
		e.logger.Warn("sell call failed",
			zap.Int64("contract_id", contractID),
			zap.String("reason", string(reason)),
			zap.Error(err))
		return
	}
	if msg.Sell == nil {
		return
	}
	soldFor := msg.Sell.SoldFor
	profit := soldFor.Sub(trade.Stake)
	e.finalize(contractID, soldFor, profit, time.Now().UTC())
}

// SellAll issues a market sell for every open contract.
func (e *Executor) SellAll(ctx context.Context, reason types.ExitReason) {
	for _, id := range e.OpenContractIDs() {
		e.SellContract(ctx, id, reason)
	}
}

// finalize closes a tracked contract exactly once and emits trade_closed.
func (e *Executor) finalize(contractID int64, exitPrice, profit decimal.Decimal, exitTime time.Time) {
	e.mu.Lock()
	trade, ok := e.open[contractID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.open, contractID)

	trade.Status = types.TradeStatusClosed
	trade.ExitTime = exitTime
	trade.ExitPrice = exitPrice
	trade.Profit = profit
	if trade.ExitReason == "" {
		trade.ExitReason = types.ExitBrokerSold
	}
	if e.hasBalance {
		trade.AccountBalance = e.balance
	}
	out := snapshot(trade)
	e.mu.Unlock()

	if e.mets != nil {
		e.mets.TradesClosed.Inc()
	}
	e.logger.Info("contract closed",
		zap.Int64("contract_id", contractID),
		zap.String("profit", profit.String()),
		zap.String("exit_reason", string(out.ExitReason)))

	e.bus.Publish(events.TradeClosedEvent{Trade: out})
}

func (e *Executor) handleBalanceMsg(msg *broker.Message) {
	if msg.Balance == nil {
		return
	}
	e.applyBalance(msg.Balance)
}

func (e *Executor) applyBalance(p *broker.BalancePayload) {
	e.mu.Lock()
	e.balance = p.Balance
	e.hasBalance = true
	e.mu.Unlock()
	e.bus.Publish(events.BalanceEvent{Balance: p.Balance, Currency: p.Currency})
}

// handleOpenContractMsg finalizes trades the broker closed on its own
// (limit order hit, expiry). The broker-reported profit wins over any
// price arithmetic.
func (e *Executor) handleOpenContractMsg(msg *broker.Message) {
	poc := msg.ProposalOpenContract
	if poc == nil || poc.IsSold == 0 {
		return
	}
	exitTime := time.Now().UTC()
	if poc.SellTime > 0 {
		exitTime = time.Unix(poc.SellTime, 0).UTC()
	}
	e.finalize(poc.ContractID, poc.SellPrice, poc.Profit, exitTime)
}

// OpenContractIDs returns the ids of all tracked open contracts.
func (e *Executor) OpenContractIDs() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int64, 0, len(e.open))
	for id := range e.open {
		ids = append(ids, id)
	}
	return ids
}

// OpenTrades returns snapshots of all tracked open trades.
func (e *Executor) OpenTrades() []*types.TradeRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*types.TradeRecord, 0, len(e.open))
	for _, t := range e.open {
		out = append(out, snapshot(t))
	}
	return out
}

// Balance returns the last seen account balance.
func (e *Executor) Balance() (decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance, e.hasBalance
}

func snapshot(t *types.TradeRecord) *types.TradeRecord {
	c := *t
	return &c
}
