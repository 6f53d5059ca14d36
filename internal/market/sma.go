// Package market maintains the derived market state: the rolling tick
// quote, per-timeframe candle books and the incremental SMA cluster.
package market

import (
	"github.com/shopspring/decimal"

	"github.com/volatility-desk/trading-agent/pkg/types"
)

// SMA is an incremental simple moving average over closed-candle closes.
// A circular buffer keeps the update O(1) regardless of period.
type SMA struct {
	period int
	buf    []decimal.Decimal
	idx    int
	count  int
	sum    decimal.Decimal
}

// NewSMA creates an SMA with the given period.
func NewSMA(period int) *SMA {
	return &SMA{
		period: period,
		buf:    make([]decimal.Decimal, period),
	}
}

// Push feeds one closed-candle close into the window.
func (s *SMA) Push(close decimal.Decimal) {
	if s.count >= s.period {
		s.sum = s.sum.Sub(s.buf[s.idx])
	}
	s.buf[s.idx] = close
	s.sum = s.sum.Add(close)
	s.idx = (s.idx + 1) % s.period
	s.count++
}

// Ready reports whether a full window has been seen.
func (s *SMA) Ready() bool { return s.count >= s.period }

// Value returns the current average; undefined until Ready.
func (s *SMA) Value() types.SMAValue {
	if !s.Ready() {
		return types.SMAValue{}
	}
	return types.SMAValue{
		Value:   s.sum.Div(decimal.NewFromInt(int64(s.period))),
		Defined: true,
	}
}

// Reset clears the window for a history reseed.
func (s *SMA) Reset() {
	s.idx = 0
	s.count = 0
	s.sum = decimal.Zero
	for i := range s.buf {
		s.buf[i] = decimal.Zero
	}
}

// Cluster bundles the four SMAs the strategy consumes. Updated exactly
// once per primary-timeframe candle close.
type Cluster struct {
	sma25, sma50, sma100, sma200 *SMA
}

// NewCluster creates the 25/50/100/200 cluster.
func NewCluster() *Cluster {
	return &Cluster{
		sma25:  NewSMA(25),
		sma50:  NewSMA(50),
		sma100: NewSMA(100),
		sma200: NewSMA(200),
	}
}

// Push feeds one closed candle close into every window.
func (c *Cluster) Push(close decimal.Decimal) {
	c.sma25.Push(close)
	c.sma50.Push(close)
	c.sma100.Push(close)
	c.sma200.Push(close)
}

// Reset clears every window.
func (c *Cluster) Reset() {
	c.sma25.Reset()
	c.sma50.Reset()
	c.sma100.Reset()
	c.sma200.Reset()
}

// Set snapshots the cluster into an IndicatorSet.
func (c *Cluster) Set() types.IndicatorSet {
	return types.IndicatorSet{
		SMA25:  c.sma25.Value(),
		SMA50:  c.sma50.Value(),
		SMA100: c.sma100.Value(),
		SMA200: c.sma200.Value(),
	}
}
