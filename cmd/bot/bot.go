package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/scranton_condor/internal/broker"
	"github.com/eddiefleurent/scranton_condor/internal/condor"
	"github.com/eddiefleurent/scranton_condor/internal/config"
	"github.com/eddiefleurent/scranton_condor/internal/dashboard"
	"github.com/eddiefleurent/scranton_condor/internal/market"
	"github.com/eddiefleurent/scranton_condor/internal/mock"
	"github.com/eddiefleurent/scranton_condor/internal/orders"
	"github.com/eddiefleurent/scranton_condor/internal/retry"
	"github.com/eddiefleurent/scranton_condor/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// Bot wires the engine to its broker, store, scheduler and dashboard.
type Bot struct {
	config    *config.Config
	logger    *logrus.Logger
	broker    broker.Broker
	storage   storage.Interface
	market    *market.Data
	engine    *condor.Engine
	cycle     *TradingCycle
	scheduler *Scheduler
	dashboard *dashboard.Server
}

// newBroker picks the configured provider and wraps it in the circuit breaker.
func newBroker(cfg *config.Config, logger *logrus.Logger, now func() time.Time) broker.Broker {
	var raw broker.Broker
	switch cfg.Broker.Provider {
	case "mock":
		mc := mock.DefaultConfig()
		mc.Underlying = cfg.Strategy.Underlying
		mc.VolatilitySymbol = cfg.Strategy.VolatilitySymbol
		mc.Now = now
		raw = mock.NewBroker(mc)
	default:
		raw = broker.NewTradierAPI(cfg.Broker.APIKey, cfg.Broker.AccountID,
			cfg.IsPaperTrading(), cfg.Broker.APIEndpoint).
			WithTimeout(cfg.Broker.Timeout).
			WithLogger(logger)
	}
	return broker.NewCircuitBreakerBroker(raw, broker.DefaultCircuitBreakerSettings(), logger)
}

// NewBot builds every component from the configuration.
func NewBot(cfg *config.Config, logger *logrus.Logger) (*Bot, error) {
	loc := cfg.Location()
	now := func() time.Time { return time.Now().In(loc) }

	store, err := storage.NewStorage(cfg.Storage.Path, cfg.Strategy.Multiplier)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return newBotWith(cfg, logger, store, newBroker(cfg, logger, now), now)
}

func newBotWith(cfg *config.Config, logger *logrus.Logger, store storage.Interface,
	b broker.Broker, now func() time.Time) (*Bot, error) {
	params := cfg.EngineParams()

	data := market.New(b, cfg.Strategy.VolatilitySymbol, now, logger)
	retrier := retry.NewClient(logger, broker.IsTransient)
	executor := orders.NewManager(b, data, retrier, logger, now, orders.Config{
		Underlying:   params.Underlying,
		PollInterval: cfg.Orders.PollInterval,
		Timeout:      cfg.Orders.FillTimeout,
		Duration:     cfg.Orders.Duration,
		Tick:         params.Tick,
	})

	engine, err := condor.New(params, store, data, executor, logger, condor.WithClock(now))
	if err != nil {
		return nil, err
	}

	scheduler, err := NewScheduler(cfg, now, logger)
	if err != nil {
		return nil, err
	}

	bot := &Bot{
		config:    cfg,
		logger:    logger,
		broker:    b,
		storage:   store,
		market:    data,
		engine:    engine,
		scheduler: scheduler,
		cycle:     NewTradingCycle(engine, b, logger, 0),
	}

	if cfg.Dashboard.Enabled {
		bot.dashboard = dashboard.NewServer(dashboard.Config{
			Port:        cfg.Dashboard.Port,
			AuthToken:   cfg.Dashboard.AuthToken,
			CapFraction: params.RiskCapFraction,
			Multiplier:  params.Multiplier,
			Now:         now,
		}, store, data, logger)
	}
	return bot, nil
}

// Run verifies the broker connection, then runs the scheduler and the
// dashboard until ctx is canceled.
func (b *Bot) Run(ctx context.Context) error {
	balance, err := b.market.PortfolioValue(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	open := b.engine.ListOpenPositions()
	b.logger.WithFields(logrus.Fields{
		"equity":         balance.StringFixed(2),
		"open_positions": len(open),
		"risk_in_use":    b.engine.RiskInUse().StringFixed(2),
	}).Info("Connected to broker")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.scheduler.Run(gctx, func(ctx context.Context, kinds []TickKind) {
			b.cycle.Run(ctx, kinds)
		})
	})

	if b.dashboard != nil {
		g.Go(func() error {
			return b.dashboard.Start()
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return b.dashboard.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if saveErr := b.storage.Save(); saveErr != nil {
		b.logger.WithError(saveErr).Error("Failed to save storage on shutdown")
	}
	return err
}
