package events

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/volatility-desk/trading-agent/pkg/types"
)

// TickEvent carries one broker quote.
type TickEvent struct {
	Tick types.Tick
}

func (TickEvent) EventType() Type { return TypeTick }

// CandleClosedEvent fires when a timeframe's forming candle rolls over.
type CandleClosedEvent struct {
	Granularity int
	Candle      types.Candle
}

func (CandleClosedEvent) EventType() Type { return TypeCandleClosed }

// IndicatorsEvent carries the SMA cluster recomputed on a primary-timeframe
// candle close.
type IndicatorsEvent struct {
	Set types.IndicatorSet
}

func (IndicatorsEvent) EventType() Type { return TypeIndicators }

// BalanceEvent carries an account balance update.
type BalanceEvent struct {
	Balance  decimal.Decimal
	Currency string
}

func (BalanceEvent) EventType() Type { return TypeBalance }

// TradeOpenedEvent fires on a confirmed buy.
type TradeOpenedEvent struct {
	Trade *types.TradeRecord
}

func (TradeOpenedEvent) EventType() Type { return TypeTradeOpened }

// TradeClosedEvent fires on a confirmed sell with realized profit.
type TradeClosedEvent struct {
	Trade *types.TradeRecord
}

func (TradeClosedEvent) EventType() Type { return TypeTradeClosed }

// TradeFailedEvent fires when an open attempt dies without a position
// (proposal rejection, timeout). The signal is dropped, never retried.
type TradeFailedEvent struct {
	Reason string
	Err    error
}

func (TradeFailedEvent) EventType() Type { return TypeTradeFailed }

// RateLimitEvent fires when the broker refuses a call with RateLimit.
type RateLimitEvent struct{}

func (RateLimitEvent) EventType() Type { return TypeRateLimit }

// EmergencyBrakeEvent fires when the train detector trips.
type EmergencyBrakeEvent struct {
	Until time.Time
}

func (EmergencyBrakeEvent) EventType() Type { return TypeEmergencyBrake }

// LinkUpEvent fires once per established broker connection.
type LinkUpEvent struct{}

func (LinkUpEvent) EventType() Type { return TypeLinkUp }

// LinkDownEvent fires when the broker connection is lost.
type LinkDownEvent struct {
	Err error
}

func (LinkDownEvent) EventType() Type { return TypeLinkDown }

// AuthorizedEvent fires after a successful authorize round-trip;
// subscriptions are re-issued on every one of these.
type AuthorizedEvent struct {
	LoginID string
}

func (AuthorizedEvent) EventType() Type { return TypeAuthorized }

// StatusEvent carries a coarse agent status change for the broadcast sink.
type StatusEvent struct {
	Status string
	Detail string
}

func (StatusEvent) EventType() Type { return TypeStatus }

// FatalEvent requests process termination (invalid token, buy limit).
type FatalEvent struct {
	Reason string
	Err    error
}

func (FatalEvent) EventType() Type { return TypeFatal }
