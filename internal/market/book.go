package market

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/volatility-desk/trading-agent/internal/broker"
	"github.com/volatility-desk/trading-agent/internal/events"
	"github.com/volatility-desk/trading-agent/internal/metrics"
	"github.com/volatility-desk/trading-agent/pkg/types"
)

// Granularities tracked by the book, seconds. The first is the primary
// timeframe driving the SMA cluster.
var Granularities = []int{60, 300, 900, 3600}

// maxCandles bounds every timeframe's array; older candles fall off.
const maxCandles = 300

// Book owns the candle books, the rolling quote and the indicator
// cluster. Stream ingestion happens on the link reader goroutine and is
// serialized against snapshot reads by the internal mutex; derived
// events flow out through the bus mailbox.
type Book struct {
	logger *zap.Logger
	bus    *events.Bus
	mets   *metrics.Metrics
	corr   *broker.Correlator

	symbol  string
	primary int

	mu         sync.RWMutex
	candles    map[int][]types.Candle
	cluster    *Cluster
	indicators types.IndicatorSet
	current    decimal.Decimal
	hasPrice   bool
	state      types.MarketState
}

// NewBook creates the book and registers its stream handlers.
func NewBook(logger *zap.Logger, bus *events.Bus, mets *metrics.Metrics, corr *broker.Correlator, symbol string) *Book {
	b := &Book{
		logger:  logger.Named("market"),
		bus:     bus,
		mets:    mets,
		corr:    corr,
		symbol:  symbol,
		primary: Granularities[0],
		candles: make(map[int][]types.Candle),
		cluster: NewCluster(),
		state:   types.MarketStateRestricted,
	}
	corr.OnStream(broker.MsgTick, b.handleTickMsg)
	corr.OnStream(broker.MsgOHLC, b.handleOHLCMsg)
	return b
}

// Resubscribe issues the tick and candle subscriptions. Called after
// every authorize, so a reconnect restores all stream state before the
// first post-reconnect tick reaches the strategy.
func (b *Book) Resubscribe(ctx context.Context) error {
	for _, gran := range Granularities {
		msg, err := b.corr.Call(ctx, map[string]any{
			"ticks_history": b.symbol,
			"style":         "candles",
			"granularity":   gran,
			"count":         maxCandles,
			"end":           "latest",
			"subscribe":     1,
		})
		if err != nil {
			return err
		}
		b.seed(gran, msg.Candles)
	}

	if _, err := b.corr.Call(ctx, map[string]any{
		"ticks":     b.symbol,
		"subscribe": 1,
	}); err != nil {
		return err
	}
	return nil
}

// seed replaces a timeframe's book with a fresh history snapshot. For
// the primary timeframe the SMA cluster is rebuilt from every candle
// except the last, which is still forming.
func (b *Book) seed(gran int, history []broker.CandlePayload) {
	candles := make([]types.Candle, 0, len(history))
	for _, c := range history {
		candles = append(candles, types.Candle{
			Epoch:       c.Epoch,
			Granularity: gran,
			Open:        c.Open,
			High:        c.High,
			Low:         c.Low,
			Close:       c.Close,
		})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Epoch < candles[j].Epoch })
	if len(candles) > maxCandles {
		candles = candles[len(candles)-maxCandles:]
	}

	b.mu.Lock()
	b.candles[gran] = candles
	if gran == b.primary {
		b.cluster.Reset()
		for i := 0; i+1 < len(candles); i++ {
			b.cluster.Push(candles[i].Close)
		}
		b.indicators = b.cluster.Set()
	}
	set := b.indicators
	b.mu.Unlock()

	b.logger.Info("seeded candle history",
		zap.Int("granularity", gran),
		zap.Int("count", len(candles)))

	if gran == b.primary {
		b.bus.Publish(events.IndicatorsEvent{Set: set})
	}
}

func (b *Book) handleTickMsg(msg *broker.Message) {
	if msg.Tick == nil {
		return
	}
	tick := types.Tick{
		Symbol: msg.Tick.Symbol,
		Epoch:  msg.Tick.Epoch,
		Price:  msg.Tick.Quote,
	}

	b.mu.Lock()
	b.current = tick.Price
	b.hasPrice = true
	b.state = b.indicators.StateFor(tick.Price)
	state := b.state
	b.mu.Unlock()

	if b.mets != nil {
		b.mets.TicksTotal.Inc()
		if state == types.MarketStatePermissive {
			b.mets.MarketState.Set(1)
		} else {
			b.mets.MarketState.Set(0)
		}
	}
	b.bus.Publish(events.TickEvent{Tick: tick})
}

func (b *Book) handleOHLCMsg(msg *broker.Message) {
	if msg.OHLC == nil {
		return
	}
	o := msg.OHLC
	epoch := o.OpenTime
	if epoch == 0 {
		// Some frames carry only the aligned epoch.
		epoch = o.Epoch - o.Epoch%int64(o.Granularity)
	}
	update := types.Candle{
		Epoch:       epoch,
		Granularity: o.Granularity,
		Open:        o.Open,
		High:        o.High,
		Low:         o.Low,
		Close:       o.Close,
	}
	b.Ingest(update)
}

// Ingest applies one candle update. If the update's open epoch matches
// the forming candle it is overwritten in place; a newer epoch closes
// the forming candle, emits candle_closed and, on the primary timeframe,
// advances the SMA cluster.
func (b *Book) Ingest(update types.Candle) {
	gran := update.Granularity

	b.mu.Lock()
	book := b.candles[gran]

	var closed *types.Candle
	switch {
	case len(book) == 0 || update.Epoch > book[len(book)-1].Epoch:
		if len(book) > 0 {
			c := book[len(book)-1]
			closed = &c
		}
		book = append(book, update)
		if len(book) > maxCandles {
			book = book[len(book)-maxCandles:]
		}
	case update.Epoch == book[len(book)-1].Epoch:
		book[len(book)-1] = update
	default:
		// Stale update from before the forming candle; drop it.
		b.mu.Unlock()
		return
	}
	b.candles[gran] = book

	var set types.IndicatorSet
	indicatorsChanged := false
	if closed != nil && gran == b.primary {
		b.cluster.Push(closed.Close)
		b.indicators = b.cluster.Set()
		set = b.indicators
		indicatorsChanged = true
	}
	b.mu.Unlock()

	if closed != nil {
		if b.mets != nil {
			b.mets.CandlesTotal.WithLabelValues(strconv.Itoa(gran)).Inc()
		}
		b.bus.Publish(events.CandleClosedEvent{Granularity: gran, Candle: *closed})
		if indicatorsChanged {
			b.bus.Publish(events.IndicatorsEvent{Set: set})
		}
	}
}

// Indicators returns the current SMA cluster snapshot.
func (b *Book) Indicators() types.IndicatorSet {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.indicators
}

// State returns the market state derived on the last tick.
func (b *Book) State() types.MarketState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// CurrentPrice returns the last quote, if any has arrived.
func (b *Book) CurrentPrice() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current, b.hasPrice
}

// Candles returns a copy of one timeframe's book, most recent last.
func (b *Book) Candles(gran int) []types.Candle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.Candle, len(b.candles[gran]))
	copy(out, b.candles[gran])
	return out
}
