// Package types provides shared type definitions for the trading agent.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ContractType is the broker-side contract class for a multiplier position.
type ContractType string

const (
	ContractMultUp   ContractType = "MULTUP"
	ContractMultDown ContractType = "MULTDOWN"
)

// TradeStatus tracks the lifecycle of a trade record.
type TradeStatus string

const (
	TradeStatusOpen      TradeStatus = "OPEN"
	TradeStatusClosed    TradeStatus = "CLOSED"
	TradeStatusCancelled TradeStatus = "CANCELLED"
)

// MarketState is the SMA-cluster derived trading regime.
// Permissive means price sits below every long SMA and short entries
// are allowed; anything else is restricted.
type MarketState string

const (
	MarketStateRestricted MarketState = "RESTRICTED"
	MarketStatePermissive MarketState = "PERMISSIVE"
)

// ExitReason explains why a position was closed.
type ExitReason string

const (
	ExitTakeProfit      ExitReason = "TAKE_PROFIT"
	ExitStopLoss        ExitReason = "STOP_LOSS"
	ExitTrainDetected   ExitReason = "TRAIN_DETECTED"
	ExitRestrictedState ExitReason = "RESTRICTED_STATE"
	ExitCrossoverGuard  ExitReason = "CROSSOVER_GUARD"
	ExitBrokerSold      ExitReason = "BROKER_SOLD"
	ExitShutdown        ExitReason = "SHUTDOWN"
)

// Tick is a single timestamped quote from the broker.
type Tick struct {
	Symbol string          `json:"symbol"`
	Epoch  int64           `json:"epoch"`
	Price  decimal.Decimal `json:"price"`
}

// Candle is an OHLC aggregate over one granularity interval.
// The most recent candle of a timeframe is mutable until its interval
// rolls over; every earlier candle is closed.
type Candle struct {
	Epoch       int64           `json:"epoch"` // open time, unix seconds
	Granularity int             `json:"granularity"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
}

// SMAValue is a simple moving average that may not be defined yet
// (fewer closed candles than the period).
type SMAValue struct {
	Value   decimal.Decimal `json:"value"`
	Defined bool            `json:"defined"`
}

// IndicatorSet is the SMA cluster computed over closed candles of the
// primary timeframe. Updated exactly once per candle close.
type IndicatorSet struct {
	SMA25  SMAValue `json:"sma25"`
	SMA50  SMAValue `json:"sma50"`
	SMA100 SMAValue `json:"sma100"`
	SMA200 SMAValue `json:"sma200"`
}

// LongSMAsDefined reports whether the three long SMAs used by the
// market-state gate are all available.
func (s IndicatorSet) LongSMAsDefined() bool {
	return s.SMA50.Defined && s.SMA100.Defined && s.SMA200.Defined
}

// StateFor derives the market state for a price against this cluster.
// Permissive iff all long SMAs are defined and price is below each of
// them; the undefined case is held at restricted.
func (s IndicatorSet) StateFor(price decimal.Decimal) MarketState {
	if !s.LongSMAsDefined() {
		return MarketStateRestricted
	}
	if price.LessThan(s.SMA50.Value) &&
		price.LessThan(s.SMA100.Value) &&
		price.LessThan(s.SMA200.Value) {
		return MarketStatePermissive
	}
	return MarketStateRestricted
}

// TradeRecord is one position from buy confirmation to sell confirmation.
// ContractID is broker-assigned and unique; it is the primary key for
// the persistence sink.
type TradeRecord struct {
	ContractID     int64           `json:"contractId"`
	Symbol         string          `json:"symbol"`
	ContractType   ContractType    `json:"contractType"`
	EntryTime      time.Time       `json:"entryTime"`
	EntryPrice     decimal.Decimal `json:"entryPrice"`
	Stake          decimal.Decimal `json:"stake"`
	TriggerReason  string          `json:"triggerReason"`
	Status         TradeStatus     `json:"status"`
	ExitTime       time.Time       `json:"exitTime,omitempty"`
	ExitPrice      decimal.Decimal `json:"exitPrice,omitempty"`
	ExitReason     ExitReason      `json:"exitReason,omitempty"`
	Profit         decimal.Decimal `json:"profit,omitempty"`
	AccountBalance decimal.Decimal `json:"accountBalance,omitempty"`
}

// DailyStat aggregates realized results for one UTC date (YYYY-MM-DD).
type DailyStat struct {
	Date              string          `json:"date"`
	AccumulatedProfit decimal.Decimal `json:"accumulatedProfit"`
	TradesTaken       int             `json:"tradesTaken"`
	IsCapReached      bool            `json:"isCapReached"`
}

// UTCDate formats a time as the DailyStat date key.
func UTCDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
