package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/volatility-desk/trading-agent/internal/broker"
	"github.com/volatility-desk/trading-agent/internal/events"
	"github.com/volatility-desk/trading-agent/pkg/types"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// fakeCaller scripts broker responses by request kind and records every
// payload sent.
type fakeCaller struct {
	mu       sync.Mutex
	calls    []map[string]any
	handlers map[string][]broker.StreamHandler
	respond  func(payload map[string]any) (*broker.Message, error)
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{handlers: make(map[string][]broker.StreamHandler)}
}

func (f *fakeCaller) Call(ctx context.Context, payload map[string]any) (*broker.Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, payload)
	f.mu.Unlock()
	return f.respond(payload)
}

func (f *fakeCaller) OnStream(msgType string, h broker.StreamHandler) {
	f.handlers[msgType] = append(f.handlers[msgType], h)
}

func (f *fakeCaller) push(msgType string, msg *broker.Message) {
	for _, h := range f.handlers[msgType] {
		h(msg)
	}
}

func (f *fakeCaller) callKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kinds []string
	for _, c := range f.calls {
		for _, k := range []string{"proposal", "buy", "sell", "balance", "proposal_open_contract"} {
			if _, ok := c[k]; ok {
				kinds = append(kinds, k)
				break
			}
		}
	}
	return kinds
}

func happyPath(contractID int64) func(map[string]any) (*broker.Message, error) {
	return func(payload map[string]any) (*broker.Message, error) {
		switch {
		case payload["proposal"] != nil:
			return &broker.Message{
				MsgType:  "proposal",
				Proposal: &broker.ProposalPayload{ID: "prop-1", AskPrice: d(1.0), Spot: d(104.1)},
			}, nil
		case payload["buy"] != nil:
			return &broker.Message{
				MsgType: "buy",
				Buy: &broker.BuyPayload{
					ContractID:   contractID,
					BuyPrice:     d(1.0),
					PurchaseTime: time.Now().Unix(),
				},
			}, nil
		case payload["proposal_open_contract"] != nil:
			return &broker.Message{MsgType: "proposal_open_contract"}, nil
		case payload["sell"] != nil:
			return &broker.Message{
				MsgType: "sell",
				Sell:    &broker.SellPayload{ContractID: contractID, SoldFor: d(1.40)},
			}, nil
		}
		return &broker.Message{}, nil
	}
}

func newTestExecutor(t *testing.T, caller *fakeCaller, cfg Config) (*Executor, *events.Bus) {
	t.Helper()
	bus := events.NewBus(zap.NewNop())
	t.Cleanup(bus.Close)
	if cfg.Symbol == "" {
		cfg = Config{Symbol: "R_100", Currency: "USD", Multiplier: 100}
	}
	return NewExecutor(zap.NewNop(), cfg, bus, nil, caller), bus
}

func TestBuyContractTwoPhase(t *testing.T) {
	caller := newFakeCaller()
	caller.respond = happyPath(42)
	exec, bus := newTestExecutor(t, caller, Config{})

	opened := make(chan events.TradeOpenedEvent, 1)
	bus.Subscribe(events.TypeTradeOpened, func(e events.Event) error {
		opened <- e.(events.TradeOpenedEvent)
		return nil
	})

	exec.BuyContract(context.Background(), OrderRequest{
		ContractType:  types.ContractMultDown,
		Stake:         d(1.0),
		TriggerReason: "spike_short",
	})
	bus.Drain()

	kinds := caller.callKinds()
	if len(kinds) != 3 || kinds[0] != "proposal" || kinds[1] != "buy" || kinds[2] != "proposal_open_contract" {
		t.Fatalf("call sequence = %v", kinds)
	}

	select {
	case ev := <-opened:
		if ev.Trade.ContractID != 42 || ev.Trade.ContractType != types.ContractMultDown {
			t.Fatalf("trade = %+v", ev.Trade)
		}
		if !ev.Trade.EntryPrice.Equal(d(104.1)) {
			t.Fatalf("entry price = %s, want proposal spot", ev.Trade.EntryPrice)
		}
	default:
		t.Fatal("no trade_opened event")
	}

	if ids := exec.OpenContractIDs(); len(ids) != 1 || ids[0] != 42 {
		t.Fatalf("open ids = %v", ids)
	}
}

func TestBuyContractRateLimited(t *testing.T) {
	caller := newFakeCaller()
	caller.respond = func(payload map[string]any) (*broker.Message, error) {
		apiErr := &broker.APIError{Code: broker.CodeRateLimit, Message: "slow down"}
		return &broker.Message{Error: apiErr}, apiErr
	}
	exec, bus := newTestExecutor(t, caller, Config{})

	limited := make(chan struct{}, 1)
	bus.Subscribe(events.TypeRateLimit, func(e events.Event) error {
		limited <- struct{}{}
		return nil
	})

	exec.BuyContract(context.Background(), OrderRequest{ContractType: types.ContractMultDown, Stake: d(1.0)})
	bus.Drain()

	select {
	case <-limited:
	default:
		t.Fatal("no rate_limit event")
	}
	if len(exec.OpenContractIDs()) != 0 {
		t.Fatal("trade registered despite refusal")
	}
}

func TestBuyContractBuyLimitIsFatal(t *testing.T) {
	caller := newFakeCaller()
	caller.respond = func(payload map[string]any) (*broker.Message, error) {
		apiErr := &broker.APIError{Code: broker.CodeBuyLimitReached, Message: "limit"}
		return &broker.Message{Error: apiErr}, apiErr
	}
	exec, bus := newTestExecutor(t, caller, Config{})

	fatal := make(chan events.FatalEvent, 1)
	bus.Subscribe(events.TypeFatal, func(e events.Event) error {
		fatal <- e.(events.FatalEvent)
		return nil
	})

	exec.BuyContract(context.Background(), OrderRequest{ContractType: types.ContractMultDown, Stake: d(1.0)})
	bus.Drain()

	select {
	case <-fatal:
	default:
		t.Fatal("buy_limit_reached did not raise a fatal event")
	}
}

func TestSellContractRealizesProfit(t *testing.T) {
	caller := newFakeCaller()
	caller.respond = happyPath(42)
	exec, bus := newTestExecutor(t, caller, Config{})

	closed := make(chan events.TradeClosedEvent, 1)
	bus.Subscribe(events.TypeTradeClosed, func(e events.Event) error {
		closed <- e.(events.TradeClosedEvent)
		return nil
	})

	exec.BuyContract(context.Background(), OrderRequest{ContractType: types.ContractMultDown, Stake: d(1.0)})
	exec.SellContract(context.Background(), 42, types.ExitTakeProfit)
	bus.Drain()

	select {
	case ev := <-closed:
		if !ev.Trade.Profit.Equal(d(0.40)) {
			t.Fatalf("profit = %s, want 0.40", ev.Trade.Profit)
		}
		if ev.Trade.ExitReason != types.ExitTakeProfit {
			t.Fatalf("exit reason = %s", ev.Trade.ExitReason)
		}
	default:
		t.Fatal("no trade_closed event")
	}
	if len(exec.OpenContractIDs()) != 0 {
		t.Fatal("contract still tracked after sell")
	}
}

func TestBrokerSideCloseFinalizesOnce(t *testing.T) {
	caller := newFakeCaller()
	caller.respond = happyPath(42)
	exec, bus := newTestExecutor(t, caller, Config{})

	var mu sync.Mutex
	var closed []events.TradeClosedEvent
	bus.Subscribe(events.TypeTradeClosed, func(e events.Event) error {
		mu.Lock()
		closed = append(closed, e.(events.TradeClosedEvent))
		mu.Unlock()
		return nil
	})

	exec.BuyContract(context.Background(), OrderRequest{ContractType: types.ContractMultDown, Stake: d(1.0)})

	poc := &broker.Message{
		MsgType: broker.MsgProposalOpenContract,
		ProposalOpenContract: &broker.OpenContractPayload{
			ContractID: 42,
			IsSold:     1,
			Profit:     d(0.25),
			SellPrice:  d(1.25),
			SellTime:   time.Now().Unix(),
		},
	}
	caller.push(broker.MsgProposalOpenContract, poc)
	caller.push(broker.MsgProposalOpenContract, poc) // replay
	bus.Drain()

	mu.Lock()
	defer mu.Unlock()
	if len(closed) != 1 {
		t.Fatalf("trade_closed fired %d times, want 1", len(closed))
	}
	if !closed[0].Trade.Profit.Equal(d(0.25)) {
		t.Fatalf("profit = %s, want broker-reported 0.25", closed[0].Trade.Profit)
	}
	if closed[0].Trade.ExitReason != types.ExitBrokerSold {
		t.Fatalf("exit reason = %s, want BROKER_SOLD", closed[0].Trade.ExitReason)
	}
}

func TestLimitOrderBlock(t *testing.T) {
	caller := newFakeCaller()
	caller.respond = happyPath(7)
	exec, _ := newTestExecutor(t, caller, Config{
		Symbol:               "R_100",
		Currency:             "USD",
		Multiplier:           100,
		TakeProfitMultiplier: d(0.5),
		StopLossMultiplier:   d(0.3),
	})

	if !exec.UsesBrokerLimits() {
		t.Fatal("broker limits not reported with multipliers set")
	}

	exec.BuyContract(context.Background(), OrderRequest{ContractType: types.ContractMultDown, Stake: d(2.0)})

	caller.mu.Lock()
	defer caller.mu.Unlock()
	lo, ok := caller.calls[0]["limit_order"].(map[string]any)
	if !ok {
		t.Fatal("proposal missing limit_order block")
	}
	if lo["take_profit"] != 1.0 || lo["stop_loss"] != 0.6 {
		t.Fatalf("limit_order = %v", lo)
	}
}

func TestResubscribeRestoresContractStream(t *testing.T) {
	caller := newFakeCaller()
	caller.respond = happyPath(42)
	exec, _ := newTestExecutor(t, caller, Config{})

	exec.BuyContract(context.Background(), OrderRequest{ContractType: types.ContractMultDown, Stake: d(1.0)})

	// A reconnect wipes broker-side stream state; every tracked contract
	// must be re-subscribed before trading resumes.
	if err := exec.ResubscribeContracts(context.Background()); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}

	kinds := caller.callKinds()
	if len(kinds) != 4 || kinds[3] != "proposal_open_contract" {
		t.Fatalf("call sequence = %v, want trailing proposal_open_contract", kinds)
	}
	caller.mu.Lock()
	last := caller.calls[len(caller.calls)-1]
	caller.mu.Unlock()
	if last["contract_id"] != int64(42) || last["subscribe"] != 1 {
		t.Fatalf("resubscribe payload = %v", last)
	}
}

func TestResubscribeFinalizesContractSoldWhileDown(t *testing.T) {
	caller := newFakeCaller()
	caller.respond = happyPath(42)
	exec, bus := newTestExecutor(t, caller, Config{})

	closed := make(chan events.TradeClosedEvent, 1)
	bus.Subscribe(events.TypeTradeClosed, func(e events.Event) error {
		closed <- e.(events.TradeClosedEvent)
		return nil
	})

	exec.BuyContract(context.Background(), OrderRequest{ContractType: types.ContractMultDown, Stake: d(1.0)})

	// The broker closed the contract while the link was down; the
	// resubscribe response reports it already sold.
	caller.respond = func(payload map[string]any) (*broker.Message, error) {
		return &broker.Message{
			MsgType: broker.MsgProposalOpenContract,
			ProposalOpenContract: &broker.OpenContractPayload{
				ContractID: 42,
				IsSold:     1,
				Profit:     d(0.15),
				SellPrice:  d(1.15),
				SellTime:   time.Now().Unix(),
			},
		}, nil
	}
	if err := exec.ResubscribeContracts(context.Background()); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	bus.Drain()

	select {
	case ev := <-closed:
		if !ev.Trade.Profit.Equal(d(0.15)) {
			t.Fatalf("profit = %s, want broker-reported 0.15", ev.Trade.Profit)
		}
	default:
		t.Fatal("sold-while-down contract not finalized")
	}
	if len(exec.OpenContractIDs()) != 0 {
		t.Fatal("contract still tracked after resubscribe")
	}
}

func TestBalanceStreamPublishes(t *testing.T) {
	caller := newFakeCaller()
	caller.respond = happyPath(1)
	exec, bus := newTestExecutor(t, caller, Config{})

	balances := make(chan events.BalanceEvent, 1)
	bus.Subscribe(events.TypeBalance, func(e events.Event) error {
		balances <- e.(events.BalanceEvent)
		return nil
	})

	caller.push(broker.MsgBalance, &broker.Message{
		MsgType: broker.MsgBalance,
		Balance: &broker.BalancePayload{Balance: d(512.25), Currency: "USD"},
	})
	bus.Drain()

	select {
	case ev := <-balances:
		if !ev.Balance.Equal(d(512.25)) {
			t.Fatalf("balance = %s", ev.Balance)
		}
	default:
		t.Fatal("no balance event")
	}

	got, ok := exec.Balance()
	if !ok || !got.Equal(d(512.25)) {
		t.Fatalf("Balance() = %s ok=%v", got, ok)
	}
}
