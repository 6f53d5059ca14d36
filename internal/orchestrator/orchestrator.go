// Package orchestrator assembles the agent. Components never hold
// references to one another; the orchestrator wires their one-way event
// subscriptions, owns startup and shutdown ordering, and is the single
// place where a fatal event turns into process termination.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/volatility-desk/trading-agent/internal/api"
	"github.com/volatility-desk/trading-agent/internal/broker"
	"github.com/volatility-desk/trading-agent/internal/config"
	"github.com/volatility-desk/trading-agent/internal/events"
	"github.com/volatility-desk/trading-agent/internal/execution"
	"github.com/volatility-desk/trading-agent/internal/market"
	"github.com/volatility-desk/trading-agent/internal/metrics"
	"github.com/volatility-desk/trading-agent/internal/risk"
	"github.com/volatility-desk/trading-agent/internal/store"
	"github.com/volatility-desk/trading-agent/internal/strategy"
	"github.com/volatility-desk/trading-agent/pkg/types"
)

const shutdownTimeout = 10 * time.Second

// Orchestrator owns every singleton for the lifetime of the process.
type Orchestrator struct {
	logger *zap.Logger
	cfg    *config.Config

	bus      *events.Bus
	mets     *metrics.Metrics
	client   *broker.Client
	book     *market.Book
	executor *execution.Executor
	guardian *risk.Guardian
	engine   *strategy.Engine
	journal  *store.Journal
	hub      *api.Hub
	server   *api.Server

	fatal chan error
}

// New builds and wires every component. Nothing runs until Start.
func New(logger *zap.Logger, cfg *config.Config) (*Orchestrator, error) {
	o := &Orchestrator{
		logger: logger.Named("orchestrator"),
		cfg:    cfg,
		fatal:  make(chan error, 1),
	}

	o.bus = events.NewBus(logger)
	o.mets = metrics.New()

	journal, err := store.NewJournal(logger, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open trade journal: %w", err)
	}
	o.journal = journal

	o.client = broker.NewClient(logger, broker.ClientConfig{
		Endpoint:    cfg.Broker.Endpoint,
		Token:       cfg.Broker.Token,
		CallTimeout: cfg.Broker.CallTimeout,
	}, o.bus, o.mets)

	o.book = market.NewBook(logger, o.bus, o.mets, o.client.Correlator(), cfg.Broker.Symbol)

	o.executor = execution.NewExecutor(logger, execution.Config{
		Symbol:               cfg.Broker.Symbol,
		Currency:             cfg.Broker.Currency,
		Multiplier:           cfg.Trade.Multiplier,
		TakeProfitMultiplier: decimal.NewFromFloat(cfg.Trade.TakeProfitMultiplier),
		StopLossMultiplier:   decimal.NewFromFloat(cfg.Trade.StopLossMultiplier),
	}, o.bus, o.mets, o.client.Correlator())

	o.guardian = risk.NewGuardian(logger, risk.Config{
		DailyCap:            decimal.NewFromFloat(cfg.Risk.DailyCap),
		TrainDelta:          decimal.NewFromFloat(cfg.Risk.TrainDelta),
		TrainPause:          cfg.Risk.TrainPause,
		KillswitchThreshold: decimal.NewFromFloat(cfg.Risk.KillswitchThreshold),
		KillswitchDuration:  cfg.Risk.KillswitchDuration,
		SessionStartUTCHour: cfg.Risk.SessionStartUTCHour,
		SessionEndUTCHour:   cfg.Risk.SessionEndUTCHour,
		RiskFraction:        decimal.NewFromFloat(cfg.Risk.RiskFraction),
		MinStake:            decimal.NewFromFloat(cfg.Risk.MinStake),
	}, o.bus, o.mets)

	o.engine = strategy.NewEngine(logger, strategy.Config{
		Variant:           cfg.Strategy.Variant,
		SpikeDelta:        decimal.NewFromFloat(cfg.Strategy.SpikeDelta),
		TakeProfitPoints:  decimal.NewFromFloat(cfg.Strategy.TakeProfitPoints),
		StopLossPoints:    decimal.NewFromFloat(cfg.Strategy.StopLossPoints),
		CrossoverCooldown: cfg.Strategy.CrossoverCooldown,
		RateLimitCooldown: cfg.Strategy.RateLimitCooldown,
		StakeAmount:       decimal.NewFromFloat(cfg.Trade.StakeAmount),
		Multiplier:        cfg.Trade.Multiplier,
		UseRiskSizing:     cfg.Trade.UseRiskSizing,
		TickLimit:         cfg.Strategy.TickLimit,
		SqueezeThreshold:  decimal.NewFromFloat(cfg.Strategy.SqueezeThreshold),
	}, o.bus, o.guardian, o.executor)

	if cfg.Server.Enabled {
		o.hub = api.NewHub(logger, o.bus)
		o.server = api.NewServer(logger, api.ServerConfig{
			Host: cfg.Server.Host,
			Port: cfg.Server.Port,
		}, o.engine, o.guardian, o.executor, o.journal, o.mets, o.hub)
	}

	o.wire()
	return o, nil
}

// wire registers the cross-component subscriptions that no single
// component owns.
func (o *Orchestrator) wire() {
	// Every authorize (first connect and each reconnect) restores the
	// stream state before the strategy sees a tick: candle history plus
	// tick subscription, then the balance subscription. Runs off the
	// dispatcher because both are blocking round-trips.
	o.bus.Subscribe(events.TypeAuthorized, func(ev events.Event) error {
		go o.resubscribe()
		return nil
	})

	o.bus.Subscribe(events.TypeBalance, func(ev events.Event) error {
		o.guardian.ObserveBalance(ev.(events.BalanceEvent).Balance)
		return nil
	})

	o.bus.Subscribe(events.TypeTradeOpened, func(ev events.Event) error {
		trade := ev.(events.TradeOpenedEvent).Trade
		if err := o.journal.RecordEntry(trade); err != nil {
			// Persistence failures never block trading; the in-memory
			// record stays authoritative.
			o.logger.Warn("journal entry write failed",
				zap.Int64("contract_id", trade.ContractID), zap.Error(err))
		}
		return nil
	})

	o.bus.Subscribe(events.TypeTradeClosed, func(ev events.Event) error {
		trade := ev.(events.TradeClosedEvent).Trade

		stat := o.guardian.RecordTradeResult(trade.Profit)

		if err := o.journal.RecordExit(trade); err != nil {
			o.logger.Warn("journal exit write failed",
				zap.Int64("contract_id", trade.ContractID), zap.Error(err))
		}
		if stat.IsCapReached {
			if err := o.journal.MarkCapReached(stat.Date); err != nil {
				o.logger.Warn("journal cap latch failed", zap.Error(err))
			}
		}
		return nil
	})

	o.bus.Subscribe(events.TypeFatal, func(ev events.Event) error {
		f := ev.(events.FatalEvent)
		o.logger.Error("fatal condition", zap.String("reason", f.Reason), zap.Error(f.Err))
		select {
		case o.fatal <- fmt.Errorf("%s: %w", f.Reason, f.Err):
		default:
		}
		return nil
	})
}

func (o *Orchestrator) resubscribe() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := o.book.Resubscribe(ctx); err != nil {
		o.logger.Error("market resubscribe failed", zap.Error(err))
		return
	}
	if err := o.executor.SubscribeBalance(ctx); err != nil {
		o.logger.Error("balance subscribe failed", zap.Error(err))
	}
	if err := o.executor.ResubscribeContracts(ctx); err != nil {
		o.logger.Error("open-contract resubscribe failed", zap.Error(err))
	}
}

// Start restores persisted risk state and brings the agent up. It
// returns once running; Wait blocks until shutdown or a fatal event.
func (o *Orchestrator) Start(ctx context.Context) error {
	today := types.UTCDate(time.Now())
	stat, err := o.journal.DailyStat(today)
	if err != nil {
		return fmt.Errorf("restore daily stat: %w", err)
	}
	o.guardian.RestoreDaily(stat)
	o.logger.Info("daily stat restored",
		zap.String("date", stat.Date),
		zap.String("accumulated_profit", stat.AccumulatedProfit.String()),
		zap.Bool("cap_reached", stat.IsCapReached))

	if o.server != nil {
		o.server.Start()
	}
	o.client.Start(ctx)

	o.logger.Info("agent running",
		zap.String("symbol", o.cfg.Broker.Symbol),
		zap.String("variant", o.cfg.Strategy.Variant))
	return nil
}

// Wait blocks until the context is cancelled or a fatal event arrives.
// The returned error is non-nil only for the fatal path.
func (o *Orchestrator) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-o.fatal:
		return err
	}
}

// Shutdown closes positions, tears down the broker session and flushes
// the journal. Safe to call after a fatal event.
func (o *Orchestrator) Shutdown() {
	o.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	o.executor.SellAll(ctx, types.ExitShutdown)
	o.bus.Drain()

	o.client.Close()
	if o.server != nil {
		if err := o.server.Shutdown(ctx); err != nil {
			o.logger.Warn("status server shutdown", zap.Error(err))
		}
	}
	o.bus.Close()
	if err := o.journal.Close(); err != nil {
		o.logger.Warn("journal close", zap.Error(err))
	}
	o.logger.Info("shutdown complete")
}
