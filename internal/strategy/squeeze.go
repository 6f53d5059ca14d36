package strategy

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/volatility-desk/trading-agent/pkg/types"
)

// squeezeDetector is the alternate entry evaluator: Bollinger bands over
// a rolling tick buffer. When bandwidth compresses below the threshold
// the detector arms; the first tick that breaks out of the bands then
// fires a breakout entry in the break direction and the detector
// disarms until the next squeeze.
//
// Band math runs in float64. Tick-level volatility statistics do not
// need decimal exactness and the band edges never touch money amounts.
type squeezeDetector struct {
	limit     int
	threshold float64

	prices []float64
	armed  bool
}

func newSqueezeDetector(tickLimit int, threshold decimal.Decimal) *squeezeDetector {
	return &squeezeDetector{
		limit:     tickLimit,
		threshold: threshold.InexactFloat64(),
	}
}

// Observe feeds one tick into the rolling buffer.
func (d *squeezeDetector) Observe(price decimal.Decimal) {
	d.prices = append(d.prices, price.InexactFloat64())
	if len(d.prices) > d.limit {
		d.prices = d.prices[len(d.prices)-d.limit:]
	}
}

// Signal evaluates the detector for the current tick.
func (d *squeezeDetector) Signal(price decimal.Decimal) (types.ContractType, string, bool) {
	if len(d.prices) < d.limit {
		return "", "", false
	}

	mean, std := meanStd(d.prices)
	if mean == 0 {
		return "", "", false
	}
	upper := mean + 2*std
	lower := mean - 2*std
	bandwidth := (upper - lower) / mean

	if bandwidth < d.threshold {
		d.armed = true
		return "", "", false
	}
	if !d.armed {
		return "", "", false
	}

	p := price.InexactFloat64()
	switch {
	case p > upper:
		d.armed = false
		return types.ContractMultUp, fmt.Sprintf("squeeze_breakout_up bw=%.4f", bandwidth), true
	case p < lower:
		d.armed = false
		return types.ContractMultDown, fmt.Sprintf("squeeze_breakout_down bw=%.4f", bandwidth), true
	}
	return "", "", false
}

func meanStd(xs []float64) (mean, std float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}
