package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/volatility-desk/trading-agent/pkg/types"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func testConfig() Config {
	return Config{
		DailyCap:            d(8.0),
		TrainDelta:          d(4.0),
		TrainPause:          15 * time.Minute,
		KillswitchThreshold: d(0.045),
		KillswitchDuration:  24 * time.Hour,
		SessionStartUTCHour: 8,
		SessionEndUTCHour:   21,
		RiskFraction:        d(0.015),
		MinStake:            d(0.10),
	}
}

// fixedClock pins the guardian to a weekday inside session hours.
func fixedClock(g *Guardian, at time.Time) func(time.Time) {
	now := at
	g.SetClock(func() time.Time { return now })
	return func(t time.Time) { now = t }
}

// Monday 2026-08-24 12:00 UTC.
var midSession = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func newTestGuardian(t *testing.T) *Guardian {
	t.Helper()
	g := NewGuardian(zap.NewNop(), testConfig(), nil, nil)
	fixedClock(g, midSession)
	return g
}

func TestTrainDetectorEvaluatesPerArrival(t *testing.T) {
	g := newTestGuardian(t)

	// Deltas: 0, +4.1, +4.1, 0. Only at the fourth arrival are the two
	// most recent deltas both above the threshold; the plateau tick that
	// follows sees (+4.1, 0) and stays quiet.
	series := []float64{100, 100, 104.1, 108.2, 108.2}
	var fired []bool
	for _, p := range series {
		fired = append(fired, g.ObserveTick(d(p)))
	}

	want := []bool{false, false, false, true, false}
	for i := range want {
		if fired[i] != want[i] {
			t.Errorf("arrival %d fired=%v, want %v (series %v)", i, fired[i], want[i], series)
		}
	}
}

func TestTrainDetectorConsecutiveRisesTrigger(t *testing.T) {
	g := newTestGuardian(t)

	series := []float64{100, 104.1, 108.3, 112.5}
	var last bool
	for _, p := range series {
		last = g.ObserveTick(d(p))
	}
	if !last {
		t.Fatalf("series %v did not trigger", series)
	}
	if err := g.CheckDailyCap(); !errors.Is(err, ErrDailyCapReached) {
		t.Fatal("cap check did not report reached during train pause")
	}
}

func TestTrainPauseExpires(t *testing.T) {
	g := NewGuardian(zap.NewNop(), testConfig(), nil, nil)
	advance := fixedClock(g, midSession)

	for _, p := range []float64{100, 104.1, 108.3} {
		g.ObserveTick(d(p))
	}
	if err := g.Permit(); !errors.Is(err, ErrDailyCapReached) && !errors.Is(err, ErrPaused) {
		t.Fatalf("permit during pause = %v", err)
	}

	advance(midSession.Add(16 * time.Minute))
	if err := g.Permit(); err != nil {
		t.Fatalf("permit after pause expiry = %v", err)
	}
}

func TestKillswitchTripsAtThreshold(t *testing.T) {
	g := newTestGuardian(t)

	g.ObserveBalance(d(1000))
	if g.ObserveBalance(d(980)) {
		t.Fatal("tripped at 2% drawdown")
	}
	if g.ObserveBalance(d(960)) {
		t.Fatal("tripped at 4% drawdown")
	}
	if !g.ObserveBalance(d(955)) {
		t.Fatal("did not trip at 4.5% drawdown")
	}
	if err := g.Permit(); !errors.Is(err, ErrKillswitch) {
		t.Fatalf("permit after killswitch = %v", err)
	}
}

func TestKillswitchTracksHighWaterMark(t *testing.T) {
	g := newTestGuardian(t)

	g.ObserveBalance(d(1000))
	g.ObserveBalance(d(1200))
	// 4.5% from the new peak of 1200 is 1146.
	if g.ObserveBalance(d(1150)) {
		t.Fatal("tripped above the threshold from the peak")
	}
	if !g.ObserveBalance(d(1146)) {
		t.Fatal("did not trip at 4.5% from the peak")
	}
}

func TestDailyCapLatches(t *testing.T) {
	g := newTestGuardian(t)

	g.RecordTradeResult(d(5.0))
	if err := g.CheckDailyCap(); err != nil {
		t.Fatalf("cap reported reached at 5.00: %v", err)
	}

	stat := g.RecordTradeResult(d(3.0))
	if !stat.IsCapReached {
		t.Fatal("cap not latched at 8.00")
	}
	if err := g.CheckDailyCap(); !errors.Is(err, ErrDailyCapReached) {
		t.Fatal("cap check did not report reached after latch")
	}

	// A losing trade afterwards must not unlatch the cap.
	g.RecordTradeResult(d(-2.0))
	if err := g.CheckDailyCap(); !errors.Is(err, ErrDailyCapReached) {
		t.Fatal("cap unlatched by a later loss")
	}
}

func TestDailyCapRollsOverAtUTCMidnight(t *testing.T) {
	g := NewGuardian(zap.NewNop(), testConfig(), nil, nil)
	advance := fixedClock(g, midSession)

	g.RecordTradeResult(d(9.0))
	if err := g.CheckDailyCap(); !errors.Is(err, ErrDailyCapReached) {
		t.Fatal("cap not reached at 9.00")
	}

	advance(midSession.Add(24 * time.Hour))
	if err := g.CheckDailyCap(); err != nil {
		t.Fatalf("cap still reported reached on the next UTC day: %v", err)
	}
}

func TestRestoreDailySurvivesRestart(t *testing.T) {
	g := newTestGuardian(t)
	g.RestoreDaily(types.DailyStat{
		Date:              types.UTCDate(midSession),
		AccumulatedProfit: d(8.0),
		TradesTaken:       4,
		IsCapReached:      true,
	})
	if err := g.CheckDailyCap(); !errors.Is(err, ErrDailyCapReached) {
		t.Fatal("restored cap latch not enforced")
	}
}

func TestSessionGate(t *testing.T) {
	g := NewGuardian(zap.NewNop(), testConfig(), nil, nil)
	advance := fixedClock(g, midSession)

	cases := []struct {
		name string
		at   time.Time
		open bool
	}{
		{"mid session", time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), true},
		{"session start", time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC), true},
		{"before start", time.Date(2026, 8, 24, 7, 59, 0, 0, time.UTC), false},
		{"session end", time.Date(2026, 8, 24, 21, 0, 0, 0, time.UTC), false},
		{"maintenance saturday", time.Date(2026, 8, 22, 23, 56, 0, 0, time.UTC), false},
		{"maintenance sunday", time.Date(2026, 8, 23, 0, 4, 0, 0, time.UTC), false},
		{"sunday after maintenance", time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC), true},
	}
	for _, tc := range cases {
		advance(tc.at)
		if got := g.SessionOpen(); got != tc.open {
			t.Errorf("%s: SessionOpen = %v, want %v", tc.name, got, tc.open)
		}
	}
}

func TestPositionSize(t *testing.T) {
	g := newTestGuardian(t)

	// 1000 × 0.015 × 100 / 5 = 300.
	got := g.PositionSize(d(1000), 100, d(5))
	if !got.Equal(d(300)) {
		t.Fatalf("size = %s, want 300", got)
	}

	// Tiny balance floors at the minimum stake.
	got = g.PositionSize(d(0.01), 100, d(5))
	if !got.Equal(d(0.10)) {
		t.Fatalf("size = %s, want 0.10 floor", got)
	}

	// Zero stop distance degrades to the minimum stake.
	got = g.PositionSize(d(1000), 100, decimal.Zero)
	if !got.Equal(d(0.10)) {
		t.Fatalf("size with zero sl = %s, want 0.10", got)
	}
}
