package condor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_condor/internal/metrics"
	"github.com/eddiefleurent/scranton_condor/internal/models"
)

// MarketData supplies the snapshots the engine decides on.
type MarketData interface {
	ChainSnapshot(ctx context.Context, underlying string, dteMin, dteMax int) ([]models.ChainQuote, error)
	PortfolioValue(ctx context.Context) (decimal.Decimal, error)
	VolatilityReading(ctx context.Context) (decimal.Decimal, error)
	VolatilityRank(ctx context.Context, lookbackDays int) (decimal.NullDecimal, error)
}

// Executor carries out an order intent and reports whether it was accepted.
type Executor interface {
	PlaceStructure(ctx context.Context, spec models.CondorSpec, qty int, dir models.Direction) (models.OrderIntentResult, error)
}

// PositionStore owns the open positions. The engine is its only writer.
type PositionStore interface {
	AddPosition(pos *models.Position) error
	ClosePosition(id string, reason models.CloseReason, exitCost decimal.Decimal,
		exitOrderID string, at time.Time) (*models.Position, error)
	GetOpenPositions() []models.Position
}

// Decision is the outcome of evaluating one position in a management cycle.
type Decision struct {
	PositionID string             `json:"position_id"`
	Reason     models.CloseReason `json:"reason,omitempty"`
	Unwind     decimal.Decimal    `json:"unwind"`
	OrderID    string             `json:"order_id,omitempty"`
	Closed     bool               `json:"closed"`
	Err        error              `json:"-"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source. The returned time should be in the
// exchange's time zone so calendar-day math matches the expiry dates.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides position id generation.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// Engine runs entry and management ticks. Ticks are serialized.
type Engine struct {
	store  PositionStore
	market MarketData
	exec   Executor
	logger *logrus.Logger
	now    func() time.Time
	newID  func() string
	gate   Gate
	ledger Ledger
	params Params
	mu     sync.Mutex
}

// New creates an engine. It panics on nil dependencies and returns an error
// for invalid parameters.
func New(params Params, store PositionStore, market MarketData, exec Executor,
	logger *logrus.Logger, opts ...Option) (*Engine, error) {
	if store == nil {
		panic("condor.New: store cannot be nil")
	}
	if market == nil {
		panic("condor.New: market cannot be nil")
	}
	if exec == nil {
		panic("condor.New: executor cannot be nil")
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine parameters: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	e := &Engine{
		params: params,
		gate:   NewGate(params),
		ledger: Ledger{CapFraction: params.RiskCapFraction},
		store:  store,
		market: market,
		exec:   exec,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Params returns the engine's configuration.
func (e *Engine) Params() Params {
	return e.params
}

// OnEntryTick tries to open one condor. It returns the new position, or a
// skip error explaining why nothing was opened.
func (e *Engine) OnEntryTick(ctx context.Context) (*models.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, err := e.enter(ctx)
	if err != nil {
		reason := SkipReason(err)
		metrics.RecordSkip("entry", reason)
		entry := e.logger.WithError(err).WithField("reason", reason)
		if IsSkip(err) {
			entry.Info("Entry skipped")
		} else {
			entry.Error("Entry failed")
		}
		return nil, err
	}
	metrics.RecordEntry()
	e.publishExposure()
	return pos, nil
}

func (e *Engine) enter(ctx context.Context) (*models.Position, error) {
	p := e.params

	vix, err := e.market.VolatilityReading(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: volatility reading: %v", ErrMarketData, err)
	}
	ivr, err := e.market.VolatilityRank(ctx, p.IVRLookbackDays)
	if err != nil {
		return nil, fmt.Errorf("%w: volatility rank: %v", ErrMarketData, err)
	}
	if err := e.gate.Evaluate(vix, ivr); err != nil {
		return nil, err
	}

	value, err := e.market.PortfolioValue(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: portfolio value: %v", ErrMarketData, err)
	}
	room, err := e.ledger.Admit(value, e.store.GetOpenPositions(), p.EffectiveMinUnitRisk())
	if err != nil {
		return nil, err
	}

	quotes, err := e.market.ChainSnapshot(ctx, p.Underlying, p.DTEMin, p.DTEMax)
	if err != nil {
		return nil, fmt.Errorf("%w: chain snapshot: %v", ErrMarketData, err)
	}
	spec, err := SelectLegs(quotes, p)
	if err != nil {
		return nil, err
	}
	credit, err := EntryCredit(spec, NewQuoteIndex(quotes), p.tick())
	if err != nil {
		return nil, err
	}
	if err := CheckCredit(credit, p); err != nil {
		return nil, err
	}

	qty := Size(room, RiskPerUnit(credit, p), p.MaxContracts)
	result, err := e.exec.PlaceStructure(ctx, spec, qty, models.DirectionOpen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOrderRejected, err)
	}
	if !result.Accepted() {
		return nil, fmt.Errorf("%w: %s", ErrOrderRejected, result.Message)
	}

	pos := models.NewPosition(e.newID(), p.Underlying, spec, qty, credit,
		RiskReserved(qty, credit, p), e.now())
	pos.EntryOrderID = result.OrderID
	if err := e.store.AddPosition(pos); err != nil {
		return nil, fmt.Errorf("recording filled entry order %s: %w", result.OrderID, err)
	}

	e.logger.WithFields(logrus.Fields{
		"position_id":   pos.ID,
		"condor":        spec.String(),
		"credit":        credit.StringFixed(2),
		"quantity":      qty,
		"risk_reserved": pos.RiskReserved.StringFixed(2),
		"room":          room.StringFixed(2),
		"vix":           vix.StringFixed(2),
		"ivr":           ivr.Decimal.StringFixed(2),
	}).Info("Opened condor")
	return pos, nil
}

// OnManagementTick evaluates every open position once against a single chain
// snapshot and closes those whose exit rules fire.
func (e *Engine) OnManagementTick(ctx context.Context) ([]Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	open := e.store.GetOpenPositions()
	if len(open) == 0 {
		e.publishExposure()
		return nil, nil
	}

	today := e.now()
	dteMax := e.params.DTEMax
	for i := range open {
		if dte := open[i].DaysToExpiry(today); dte > dteMax {
			dteMax = dte
		}
	}
	quotes, err := e.market.ChainSnapshot(ctx, e.params.Underlying, 0, dteMax)
	if err != nil {
		err = fmt.Errorf("%w: chain snapshot: %v", ErrMarketData, err)
		metrics.RecordSkip("management", SkipReason(err))
		e.logger.WithError(err).Warn("Management cycle skipped")
		return nil, err
	}
	idx := NewQuoteIndex(quotes)

	decisions := make([]Decision, 0, len(open))
	for _, pos := range open {
		decisions = append(decisions, e.manage(ctx, pos, idx, today))
	}
	e.publishExposure()
	return decisions, nil
}

func (e *Engine) manage(ctx context.Context, pos models.Position, idx QuoteIndex, today time.Time) Decision {
	d := Decision{PositionID: pos.ID}
	log := e.logger.WithField("position_id", pos.ID)

	reason, unwind, err := Evaluate(e.params, pos, idx, today)
	if err != nil {
		d.Err = err
		metrics.RecordSkip("management", SkipReason(err))
		log.WithError(err).Warn("Position not evaluated this cycle")
		return d
	}
	d.Unwind = unwind
	d.Reason = reason
	if reason == models.CloseReasonNone {
		log.WithField("unwind", unwind.StringFixed(2)).Debug("Position stays open")
		return d
	}

	log = log.WithFields(logrus.Fields{
		"reason": string(reason),
		"unwind": unwind.StringFixed(2),
		"credit": pos.EntryCredit.StringFixed(2),
	})
	result, err := e.exec.PlaceStructure(ctx, pos.Spec, pos.Quantity, models.DirectionClose)
	if err == nil && !result.Accepted() {
		err = errors.New("intent rejected: " + result.Message)
	}
	if err != nil {
		d.Err = fmt.Errorf("%w: %v", ErrOrderRejected, err)
		metrics.RecordSkip("management", SkipReason(d.Err))
		log.WithError(err).Warn("Close order not accepted; position stays open")
		return d
	}

	d.OrderID = result.OrderID
	if _, err := e.store.ClosePosition(pos.ID, reason, unwind, result.OrderID, e.now()); err != nil {
		d.Err = fmt.Errorf("recording filled close order %s: %w", result.OrderID, err)
		log.WithError(err).Error("Close filled but store update failed")
		return d
	}
	d.Closed = true
	metrics.RecordClose(string(reason))
	log.Info("Closed condor")
	return d
}

// ListOpenPositions returns copies of the open positions in entry order.
func (e *Engine) ListOpenPositions() []models.Position {
	return e.store.GetOpenPositions()
}

// RiskInUse returns the risk currently reserved by open positions.
func (e *Engine) RiskInUse() decimal.Decimal {
	return RiskInUse(e.store.GetOpenPositions())
}

func (e *Engine) publishExposure() {
	open := e.store.GetOpenPositions()
	metrics.SetExposure(len(open), RiskInUse(open).InexactFloat64())
}
