// Package orders turns condor order intents into broker multileg orders and
// waits for them to fill.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_condor/internal/broker"
	"github.com/eddiefleurent/scranton_condor/internal/condor"
	"github.com/eddiefleurent/scranton_condor/internal/metrics"
	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/eddiefleurent/scranton_condor/internal/retry"
	"github.com/eddiefleurent/scranton_condor/internal/util"
)

// Config contains configuration for the order manager.
type Config struct {
	Underlying   string
	PollInterval time.Duration
	Timeout      time.Duration
	CallTimeout  time.Duration
	Duration     string
	Tick         decimal.Decimal
}

// DefaultConfig is the default configuration for the order manager.
var DefaultConfig = Config{
	Underlying:   "SPY",
	PollInterval: 5 * time.Second,
	Timeout:      2 * time.Minute,
	CallTimeout:  10 * time.Second,
	Duration:     "day",
	Tick:         decimal.RequireFromString("0.01"),
}

// QuoteSource supplies the chain used to price a limit order.
type QuoteSource interface {
	ChainSnapshot(ctx context.Context, underlying string, dteMin, dteMax int) ([]models.ChainQuote, error)
}

// Manager implements condor.Executor against a broker.
type Manager struct {
	broker broker.Broker
	quotes QuoteSource
	retry  *retry.Client
	logger *logrus.Logger
	now    func() time.Time
	config Config
}

var _ condor.Executor = (*Manager)(nil)

// NewManager creates a new order manager instance.
func NewManager(
	b broker.Broker,
	quotes QuoteSource,
	retrier *retry.Client,
	logger *logrus.Logger,
	now func() time.Time,
	config ...Config,
) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Underlying == "" {
		cfg.Underlying = DefaultConfig.Underlying
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if cfg.Duration == "" {
		cfg.Duration = DefaultConfig.Duration
	}
	if !cfg.Tick.IsPositive() {
		cfg.Tick = DefaultConfig.Tick
	}

	if b == nil {
		panic("orders.NewManager: broker must not be nil")
	}
	if quotes == nil {
		panic("orders.NewManager: quote source must not be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if retrier == nil {
		retrier = retry.NewClient(logger, broker.IsTransient)
	}
	if now == nil {
		now = time.Now
	}

	return &Manager{
		broker: b,
		quotes: quotes,
		retry:  retrier,
		logger: logger,
		now:    now,
		config: cfg,
	}
}

// PlaceStructure prices the condor from a fresh chain, submits it as one
// multileg order and waits for the fill. Only a complete fill is Accepted.
func (m *Manager) PlaceStructure(ctx context.Context, spec models.CondorSpec, qty int,
	dir models.Direction) (models.OrderIntentResult, error) {
	result, err := m.placeStructure(ctx, spec, qty, dir)
	switch {
	case err != nil:
		metrics.RecordOrder(string(dir), "error")
	case result.Accepted():
		metrics.RecordOrder(string(dir), "accepted")
	default:
		metrics.RecordOrder(string(dir), "rejected")
	}
	return result, err
}

func (m *Manager) placeStructure(ctx context.Context, spec models.CondorSpec, qty int,
	dir models.Direction) (models.OrderIntentResult, error) {
	if qty <= 0 {
		return rejected("quantity must be positive"), nil
	}

	order, err := m.buildOrder(ctx, spec, qty, dir)
	if err != nil {
		return models.OrderIntentResult{}, err
	}
	log := m.logger.WithFields(logrus.Fields{
		"direction": string(dir),
		"condor":    spec.String(),
		"quantity":  qty,
		"limit":     order.Price.StringFixed(2),
		"type":      order.Type,
		"tag":       order.Tag,
	})

	resp, err := retry.Call(ctx, m.retry, "place condor order", func(ctx context.Context) (*broker.OrderResponse, error) {
		return m.broker.PlaceMultilegOrder(ctx, order)
	})
	if err != nil {
		if errors.Is(err, broker.ErrInvalidOrder) {
			return rejected(err.Error()), nil
		}
		var apiErr *broker.APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			log.WithError(err).Warn("Order refused by broker")
			return rejected(apiErr.Error()), nil
		}
		return models.OrderIntentResult{}, err
	}
	if resp == nil || resp.Order.ID == 0 {
		return models.OrderIntentResult{}, fmt.Errorf("broker returned no order id")
	}
	log = log.WithField("order_id", resp.Order.ID)
	log.Info("Order submitted")

	return m.awaitFill(ctx, resp.Order.ID, qty, log)
}

// PreviewStructure prices and submits the order as a broker preview. Nothing
// is placed and nothing is waited on.
func (m *Manager) PreviewStructure(ctx context.Context, spec models.CondorSpec, qty int,
	dir models.Direction) (broker.MultilegOrder, *broker.OrderResponse, error) {
	if qty <= 0 {
		return broker.MultilegOrder{}, nil, fmt.Errorf("quantity must be positive, got %d", qty)
	}
	order, err := m.buildOrder(ctx, spec, qty, dir)
	if err != nil {
		return broker.MultilegOrder{}, nil, err
	}
	order.Preview = true
	resp, err := retry.Call(ctx, m.retry, "preview condor order", func(ctx context.Context) (*broker.OrderResponse, error) {
		return m.broker.PlaceMultilegOrder(ctx, order)
	})
	return order, resp, err
}

// buildOrder maps the four legs to OCC symbols and sides and sets the limit:
// the entry credit floored to a tick for opens, the unwind cost ceiled to a
// tick for closes.
func (m *Manager) buildOrder(ctx context.Context, spec models.CondorSpec, qty int,
	dir models.Direction) (broker.MultilegOrder, error) {
	underlying := m.config.Underlying
	dte := models.DaysToExpiry(m.now(), spec.Expiry())
	quotes, err := m.quotes.ChainSnapshot(ctx, underlying, dte, dte)
	if err != nil {
		return broker.MultilegOrder{}, fmt.Errorf("pricing chain: %w", err)
	}
	idx := condor.NewQuoteIndex(quotes)

	order := broker.MultilegOrder{
		Symbol:   underlying,
		Duration: m.config.Duration,
		Tag:      fmt.Sprintf("condor-%s-%s", dir, uuid.NewString()[:8]),
	}

	switch dir {
	case models.DirectionOpen:
		credit, err := condor.EntryCredit(spec, idx, m.config.Tick)
		if err != nil {
			return broker.MultilegOrder{}, err
		}
		order.Type = "credit"
		order.Price = util.FloorToTick(credit, m.config.Tick)
	case models.DirectionClose:
		unwind, err := condor.UnwindCost(spec, idx)
		if err != nil {
			return broker.MultilegOrder{}, err
		}
		order.Type = "debit"
		order.Price = decimal.Max(util.CeilToTick(unwind, m.config.Tick), m.config.Tick)
	default:
		return broker.MultilegOrder{}, fmt.Errorf("unknown direction %q", dir)
	}

	sides := legSides(dir)
	for i, leg := range spec.Legs() {
		sym, err := legSymbol(underlying, leg)
		if err != nil {
			return broker.MultilegOrder{}, err
		}
		order.Legs = append(order.Legs, broker.OrderLeg{OptionSymbol: sym, Side: sides[i], Quantity: qty})
	}
	return order, nil
}

// legSymbol prefers the OCC symbol carried by the quote and builds one
// otherwise.
func legSymbol(underlying string, leg models.LegRef) (string, error) {
	if _, _, _, _, err := broker.ParseOptionSymbol(leg.Symbol); err == nil {
		return leg.Symbol, nil
	}
	return broker.OptionSymbol(underlying, leg.Expiry, string(leg.Right), leg.Strike)
}

// legSides follows CondorSpec.Legs order: short put, wing put, short call, wing call.
func legSides(dir models.Direction) [4]string {
	if dir == models.DirectionClose {
		return [4]string{broker.SideBuyToClose, broker.SideSellToClose, broker.SideBuyToClose, broker.SideSellToClose}
	}
	return [4]string{broker.SideSellToOpen, broker.SideBuyToOpen, broker.SideSellToOpen, broker.SideBuyToOpen}
}

// awaitFill polls the order until it reaches a terminal state. On timeout the
// order is canceled and a last status read decides the outcome.
func (m *Manager) awaitFill(ctx context.Context, orderID, qty int, log *logrus.Entry) (models.OrderIntentResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		status, err := m.orderStatus(waitCtx, orderID)
		if err != nil {
			log.WithError(err).Debug("order status unavailable")
		} else if res, done := classify(status, orderID, qty); done {
			m.logOutcome(log, status, res)
			return res, nil
		}

		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return models.OrderIntentResult{}, fmt.Errorf("waiting for order %d: %w", orderID, ctx.Err())
			}
			return m.cancelOnTimeout(ctx, orderID, qty, log)
		}
	}
}

func (m *Manager) orderStatus(ctx context.Context, orderID int) (*broker.OrderResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()
	return m.broker.GetOrderStatus(callCtx, orderID)
}

func (m *Manager) cancelOnTimeout(ctx context.Context, orderID, qty int, log *logrus.Entry) (models.OrderIntentResult, error) {
	log.WithField("timeout", m.config.Timeout).Warn("Order not filled in time; canceling")
	if err := m.retry.Do(ctx, "cancel order", func(ctx context.Context) error {
		return m.broker.CancelOrder(ctx, orderID)
	}); err != nil {
		log.WithError(err).Error("Cancel failed")
	}

	status, err := m.orderStatus(ctx, orderID)
	if err != nil {
		return models.OrderIntentResult{}, fmt.Errorf("order %d state unknown after cancel: %w", orderID, err)
	}
	if res, done := classify(status, orderID, qty); done && res.Accepted() {
		m.logOutcome(log, status, res)
		return res, nil
	}
	if status.Order.ExecQuantity > 0 {
		log.WithField("exec_quantity", status.Order.ExecQuantity).Error("Order partially filled before cancel")
		return rejected(fmt.Sprintf("partial fill %.0f/%d then canceled", status.Order.ExecQuantity, qty)), nil
	}
	return rejected("fill timeout"), nil
}

// classify maps a broker order to an intent result; done is false while the
// order can still fill.
func classify(status *broker.OrderResponse, orderID, qty int) (models.OrderIntentResult, bool) {
	if status == nil || status.Order.Status == "" {
		return models.OrderIntentResult{}, false
	}
	s := strings.ToLower(status.Order.Status)
	filled := s == broker.OrderStatusFilled ||
		(qty > 0 && status.Order.ExecQuantity >= float64(qty) && status.Order.RemainingQuantity == 0)
	if filled {
		return models.OrderIntentResult{Status: models.IntentAccepted, OrderID: strconv.Itoa(orderID)}, true
	}
	switch s {
	case broker.OrderStatusCanceled, "cancelled", broker.OrderStatusRejected, broker.OrderStatusExpired, broker.OrderStatusError:
		msg := s
		if status.Order.ReasonDescription != "" {
			msg += ": " + status.Order.ReasonDescription
		}
		res := rejected(msg)
		res.OrderID = strconv.Itoa(orderID)
		return res, true
	}
	return models.OrderIntentResult{}, false
}

func (m *Manager) logOutcome(log *logrus.Entry, status *broker.OrderResponse, res models.OrderIntentResult) {
	entry := log.WithFields(logrus.Fields{
		"status":     status.Order.Status,
		"fill_price": status.Order.AvgFillPrice,
	})
	if res.Accepted() {
		entry.Info("Order filled")
		return
	}
	entry.WithField("message", res.Message).Warn("Order did not fill")
}

func rejected(msg string) models.OrderIntentResult {
	return models.OrderIntentResult{Status: models.IntentRejected, Message: msg}
}
