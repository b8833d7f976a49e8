package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_condor/internal/condor"
	"github.com/eddiefleurent/scranton_condor/internal/models"
)

// Engine is the part of condor.Engine the trading cycle drives.
type Engine interface {
	OnEntryTick(ctx context.Context) (*models.Position, error)
	OnManagementTick(ctx context.Context) ([]condor.Decision, error)
}

// MarketClock reports whether the exchange is trading today.
type MarketClock interface {
	IsTradingDay(ctx context.Context, delayed bool) (bool, error)
}

// CycleResult summarizes one scheduled run, mostly for tests and logs.
type CycleResult struct {
	Skipped   string
	Opened    *models.Position
	EntryErr  error
	Decisions []condor.Decision
	ManageErr error
}

// TradingCycle runs scheduled ticks against the engine.
type TradingCycle struct {
	engine      Engine
	clock       MarketClock
	logger      *logrus.Logger
	tickTimeout time.Duration
}

// NewTradingCycle creates a new trading cycle handler. A zero tickTimeout
// leaves ticks bounded only by the caller's context.
func NewTradingCycle(engine Engine, clock MarketClock, logger *logrus.Logger, tickTimeout time.Duration) *TradingCycle {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TradingCycle{engine: engine, clock: clock, logger: logger, tickTimeout: tickTimeout}
}

// Run executes the due ticks in order.
func (tc *TradingCycle) Run(ctx context.Context, kinds []TickKind) CycleResult {
	var res CycleResult
	if !tc.marketOpen(ctx) {
		res.Skipped = "market closed"
		return res
	}

	for _, kind := range kinds {
		tickCtx, cancel := tc.tickContext(ctx)
		switch kind {
		case TickManagement:
			res.Decisions, res.ManageErr = tc.manage(tickCtx)
		case TickEntry:
			res.Opened, res.EntryErr = tc.enter(tickCtx)
		default:
			tc.logger.WithField("tick", kind).Warn("Unknown tick kind")
		}
		cancel()
	}
	return res
}

func (tc *TradingCycle) tickContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if tc.tickTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, tc.tickTimeout)
}

// marketOpen asks the broker's market clock. If the clock is unavailable the
// weekday schedule stands and the tick runs.
func (tc *TradingCycle) marketOpen(ctx context.Context) bool {
	if tc.clock == nil {
		return true
	}
	open, err := tc.clock.IsTradingDay(ctx, false)
	if err != nil {
		tc.logger.WithError(err).Warn("Could not get market clock, running on schedule")
		return true
	}
	if !open {
		tc.logger.Info("Market is closed, skipping cycle")
	}
	return open
}

func (tc *TradingCycle) enter(ctx context.Context) (*models.Position, error) {
	tc.logger.Info("Running entry tick")
	pos, err := tc.engine.OnEntryTick(ctx)
	if err != nil {
		// the engine already logged the reason
		return nil, err
	}
	tc.logger.WithFields(logrus.Fields{
		"position_id": shortID(pos.ID),
		"quantity":    pos.Quantity,
		"credit":      pos.EntryCredit.StringFixed(2),
	}).Info("Entry tick opened a condor")
	return pos, nil
}

func (tc *TradingCycle) manage(ctx context.Context) ([]condor.Decision, error) {
	tc.logger.Info("Running management tick")
	decisions, err := tc.engine.OnManagementTick(ctx)
	if err != nil {
		return nil, err
	}

	closed, failed := 0, 0
	for _, d := range decisions {
		switch {
		case d.Closed:
			closed++
		case d.Err != nil:
			failed++
		}
	}
	tc.logger.WithFields(logrus.Fields{
		"evaluated": len(decisions),
		"closed":    closed,
		"errors":    failed,
	}).Info("Management tick complete")
	return decisions, nil
}
