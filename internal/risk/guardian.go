// Package risk enforces every hard guard around trading: the session
// gate, the daily profit cap, the train detector, the drawdown
// killswitch and risk-based position sizing. Guards compose with AND;
// an entry is permitted only when every guard permits.
package risk

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/volatility-desk/trading-agent/internal/events"
	"github.com/volatility-desk/trading-agent/internal/metrics"
	"github.com/volatility-desk/trading-agent/pkg/types"
)

// Guard refusal errors.
var (
	ErrSessionClosed   = errors.New("risk: outside trading session")
	ErrDailyCapReached = errors.New("risk: daily profit cap reached")
	ErrKillswitch      = errors.New("risk: drawdown killswitch active")
	ErrPaused          = errors.New("risk: trading paused")
)

// trainWindow is the tick-history length for the train detector.
const trainWindow = 5

// Config tunes the guardian.
type Config struct {
	DailyCap            decimal.Decimal
	TrainDelta          decimal.Decimal
	TrainPause          time.Duration
	KillswitchThreshold decimal.Decimal
	KillswitchDuration  time.Duration
	SessionStartUTCHour int
	SessionEndUTCHour   int
	RiskFraction        decimal.Decimal
	MinStake            decimal.Decimal
}

// Guardian owns the risk state: the rolling tick buffer, pause and
// killswitch latches, balance high-water mark and today's DailyStat.
type Guardian struct {
	logger *zap.Logger
	cfg    Config
	bus    *events.Bus
	mets   *metrics.Metrics

	now func() time.Time

	mu              sync.Mutex
	tickHistory     []decimal.Decimal
	pausedUntil     time.Time
	killswitchUntil time.Time
	startingBalance decimal.Decimal
	highestBalance  decimal.Decimal
	hasBalance      bool
	daily           types.DailyStat
}

// NewGuardian creates the guardian. Restore today's DailyStat with
// RestoreDaily before trading starts.
func NewGuardian(logger *zap.Logger, cfg Config, bus *events.Bus, mets *metrics.Metrics) *Guardian {
	return &Guardian{
		logger: logger.Named("risk"),
		cfg:    cfg,
		bus:    bus,
		mets:   mets,
		now:    time.Now,
	}
}

// SetClock overrides the time source (tests).
func (g *Guardian) SetClock(now func() time.Time) { g.now = now }

// RestoreDaily seeds today's stat from the persistence sink so the cap
// survives restarts.
func (g *Guardian) RestoreDaily(stat types.DailyStat) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.daily = stat
	if g.mets != nil {
		f, _ := stat.AccumulatedProfit.Float64()
		g.mets.RealizedPnL.Set(f)
	}
}

// ObserveTick feeds the train detector. Returns true when the two most
// recent deltas both exceed the train threshold; the guardian is then
// already paused and the caller must close every open position.
func (g *Guardian) ObserveTick(price decimal.Decimal) bool {
	g.mu.Lock()

	g.tickHistory = append(g.tickHistory, price)
	if len(g.tickHistory) > trainWindow {
		g.tickHistory = g.tickHistory[len(g.tickHistory)-trainWindow:]
	}
	n := len(g.tickHistory)
	if n < 3 {
		g.mu.Unlock()
		return false
	}

	last := g.tickHistory[n-1].Sub(g.tickHistory[n-2])
	prev := g.tickHistory[n-2].Sub(g.tickHistory[n-3])
	if !(last.GreaterThan(g.cfg.TrainDelta) && prev.GreaterThan(g.cfg.TrainDelta)) {
		g.mu.Unlock()
		return false
	}

	until := g.now().Add(g.cfg.TrainPause)
	g.pausedUntil = until
	g.mu.Unlock()

	g.logger.Warn("train detected, emergency brake",
		zap.String("delta1", prev.String()),
		zap.String("delta2", last.String()),
		zap.Time("paused_until", until))
	if g.mets != nil {
		g.mets.TradingPaused.Set(1)
	}
	if g.bus != nil {
		g.bus.Publish(events.EmergencyBrakeEvent{Until: until})
	}
	return true
}

// ObserveBalance updates the high-water mark and trips the killswitch
// when drawdown from the peak reaches the threshold. Returns true on
// the observation that trips it.
func (g *Guardian) ObserveBalance(balance decimal.Decimal) bool {
	g.mu.Lock()

	if !g.hasBalance {
		g.hasBalance = true
		g.startingBalance = balance
		g.highestBalance = balance
	}
	if balance.GreaterThan(g.highestBalance) {
		g.highestBalance = balance
	}

	drawdown := decimal.Zero
	if g.highestBalance.IsPositive() {
		drawdown = g.highestBalance.Sub(balance).Div(g.highestBalance)
	}
	if g.mets != nil {
		f, _ := balance.Float64()
		g.mets.Balance.Set(f)
		d, _ := drawdown.Float64()
		g.mets.Drawdown.Set(d)
	}

	already := g.now().Before(g.killswitchUntil)
	tripped := false
	if !already && drawdown.GreaterThanOrEqual(g.cfg.KillswitchThreshold) {
		g.killswitchUntil = g.now().Add(g.cfg.KillswitchDuration)
		tripped = true
	}
	until := g.killswitchUntil
	high := g.highestBalance
	g.mu.Unlock()

	if tripped {
		g.logger.Error("drawdown killswitch tripped",
			zap.String("balance", balance.String()),
			zap.String("highest", high.String()),
			zap.String("drawdown", drawdown.String()),
			zap.Time("until", until))
		if g.mets != nil {
			g.mets.TradingPaused.Set(1)
		}
		if g.bus != nil {
			g.bus.Publish(events.StatusEvent{Status: "killswitch", Detail: "drawdown threshold crossed"})
		}
	}
	return tripped
}

// RecordTradeResult folds one realized profit into today's DailyStat,
// rolling the stat over on UTC date change and latching the cap.
func (g *Guardian) RecordTradeResult(profit decimal.Decimal) types.DailyStat {
	g.mu.Lock()

	today := types.UTCDate(g.now())
	if g.daily.Date != today {
		g.daily = types.DailyStat{Date: today}
	}
	g.daily.AccumulatedProfit = g.daily.AccumulatedProfit.Add(profit)
	g.daily.TradesTaken++
	if !g.daily.IsCapReached && g.daily.AccumulatedProfit.GreaterThanOrEqual(g.cfg.DailyCap) {
		g.daily.IsCapReached = true
		g.logger.Info("daily profit cap reached",
			zap.String("accumulated", g.daily.AccumulatedProfit.String()))
	}
	stat := g.daily
	g.mu.Unlock()

	if g.mets != nil {
		f, _ := stat.AccumulatedProfit.Float64()
		g.mets.RealizedPnL.Set(f)
	}
	return stat
}

// CheckDailyCap reports ErrDailyCapReached once the cap latch is set for
// the current UTC day, and for the duration of a train pause.
func (g *Guardian) CheckDailyCap() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Before(g.pausedUntil) {
		return ErrDailyCapReached
	}
	if g.daily.Date == types.UTCDate(now) && g.daily.IsCapReached {
		return ErrDailyCapReached
	}
	return nil
}

// SessionOpen reports whether the UTC clock is inside trading hours and
// outside the weekend maintenance window.
func (g *Guardian) SessionOpen() bool {
	now := g.now().UTC()

	if inMaintenanceWindow(now) {
		return false
	}
	h := now.Hour()
	return h >= g.cfg.SessionStartUTCHour && h < g.cfg.SessionEndUTCHour
}

// inMaintenanceWindow covers Sat 23:55 UTC through Sun 00:05 UTC.
func inMaintenanceWindow(now time.Time) bool {
	switch now.Weekday() {
	case time.Saturday:
		return now.Hour() == 23 && now.Minute() >= 55
	case time.Sunday:
		return now.Hour() == 0 && now.Minute() < 5
	}
	return false
}

// Permit runs every entry guard. A nil return means trading may open a
// position right now.
func (g *Guardian) Permit() error {
	if !g.SessionOpen() {
		return ErrSessionClosed
	}
	if err := g.CheckDailyCap(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if now.Before(g.killswitchUntil) {
		return ErrKillswitch
	}
	if now.Before(g.pausedUntil) {
		return ErrPaused
	}
	return nil
}

// PositionSize computes the stake for a new position:
// max(MinStake, balance × RiskFraction × multiplier / slDistancePoints),
// keeping notional risk at the configured fraction.
func (g *Guardian) PositionSize(balance decimal.Decimal, multiplier int, slDistancePoints decimal.Decimal) decimal.Decimal {
	if slDistancePoints.IsZero() || balance.IsZero() {
		return g.cfg.MinStake
	}
	amount := balance.
		Mul(g.cfg.RiskFraction).
		Mul(decimal.NewFromInt(int64(multiplier))).
		Div(slDistancePoints)
	if amount.LessThan(g.cfg.MinStake) {
		return g.cfg.MinStake
	}
	return amount.Round(2)
}

// Daily returns a copy of today's stat.
func (g *Guardian) Daily() types.DailyStat {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.daily
}

// PausedUntil returns the train-pause deadline, zero when not paused.
func (g *Guardian) PausedUntil() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pausedUntil
}
