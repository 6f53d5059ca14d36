package strategy

import (
	"testing"

	"github.com/volatility-desk/trading-agent/pkg/types"
)

func feed(det *squeezeDetector, prices ...float64) {
	for _, p := range prices {
		det.Observe(d(p))
	}
}

func TestSqueezeNoSignalBeforeFullBuffer(t *testing.T) {
	det := newSqueezeDetector(10, d(0.02))
	feed(det, 100, 100, 100)
	if _, _, ok := det.Signal(d(100)); ok {
		t.Fatal("signal before buffer filled")
	}
}

func TestSqueezeArmsThenFiresOnBreakout(t *testing.T) {
	det := newSqueezeDetector(10, d(0.02))

	// Flat tape: zero bandwidth arms the detector.
	for i := 0; i < 10; i++ {
		det.Observe(d(100))
	}
	if _, _, ok := det.Signal(d(100)); ok {
		t.Fatal("fired while still inside the bands")
	}
	if !det.armed {
		t.Fatal("flat tape did not arm the squeeze")
	}

	// The break tick itself lands in the buffer, then clears the upper band.
	feed(det, 110)
	ctype, _, ok := det.Signal(d(110))
	if !ok {
		t.Fatal("breakout did not fire")
	}
	if ctype != types.ContractMultUp {
		t.Fatalf("breakout direction = %s, want MULTUP", ctype)
	}

	// One shot: the detector disarms after firing.
	feed(det, 111)
	if _, _, ok := det.Signal(d(111)); ok {
		t.Fatal("fired twice without re-arming")
	}
}

func TestSqueezeDownBreakout(t *testing.T) {
	det := newSqueezeDetector(10, d(0.02))
	for i := 0; i < 10; i++ {
		det.Observe(d(100))
	}
	det.Signal(d(100)) // arms

	feed(det, 90)
	ctype, _, ok := det.Signal(d(90))
	if !ok || ctype != types.ContractMultDown {
		t.Fatalf("down breakout = (%s, %v), want MULTDOWN", ctype, ok)
	}
}
