// Package market adapts a broker to the engine's market data interface:
// chain snapshots over a DTE window, portfolio value and the volatility
// index reading and rank.
package market

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/scranton_condor/internal/broker"
	"github.com/eddiefleurent/scranton_condor/internal/condor"
	"github.com/eddiefleurent/scranton_condor/internal/models"
)

// chainFetchLimit bounds concurrent chain requests in one snapshot.
const chainFetchLimit = 4

// Data implements condor.MarketData on top of a broker.
type Data struct {
	broker           broker.Broker
	logger           *logrus.Logger
	now              func() time.Time
	volatilitySymbol string
}

var _ condor.MarketData = (*Data)(nil)

// New creates a market data adapter. now should return exchange-local time.
func New(b broker.Broker, volatilitySymbol string, now func() time.Time, logger *logrus.Logger) *Data {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Data{broker: b, volatilitySymbol: volatilitySymbol, now: now, logger: logger}
}

// ChainSnapshot returns every quote of every expiry whose days-to-expiry lies
// in [dteMin, dteMax], in expiry order.
func (d *Data) ChainSnapshot(ctx context.Context, underlying string, dteMin, dteMax int) ([]models.ChainQuote, error) {
	dates, err := d.broker.GetExpirations(ctx, underlying)
	if err != nil {
		return nil, fmt.Errorf("expirations for %s: %w", underlying, err)
	}

	today := d.now()
	var expiries []time.Time
	for _, s := range dates {
		exp, err := time.Parse(models.ExpiryLayout, s)
		if err != nil {
			d.logger.WithField("expiration", s).Warn("skipping unparseable expiration")
			continue
		}
		if dte := models.DaysToExpiry(today, exp); dte >= dteMin && dte <= dteMax {
			expiries = append(expiries, exp)
		}
	}

	chains := make([][]broker.Option, len(expiries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(chainFetchLimit)
	for i, exp := range expiries {
		i, exp := i, exp
		g.Go(func() error {
			opts, err := d.broker.GetOptionChain(gctx, underlying, exp.Format(models.ExpiryLayout), true)
			if err != nil {
				return fmt.Errorf("chain %s %s: %w", underlying, exp.Format(models.ExpiryLayout), err)
			}
			chains[i] = opts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var quotes []models.ChainQuote
	for i, opts := range chains {
		for _, o := range opts {
			q, ok := toChainQuote(o, expiries[i])
			if ok {
				quotes = append(quotes, q)
			}
		}
	}
	d.logger.WithFields(logrus.Fields{
		"underlying": underlying,
		"expiries":   len(expiries),
		"quotes":     len(quotes),
	}).Debug("chain snapshot")
	return quotes, nil
}

// strikePlaces matches the OCC symbol's strike precision (thousandths).
const strikePlaces = 3

func toChainQuote(o broker.Option, expiry time.Time) (models.ChainQuote, bool) {
	right := models.OptionRight(o.OptionType)
	if !right.Valid() || o.Strike <= 0 {
		return models.ChainQuote{}, false
	}
	q := models.ChainQuote{
		Symbol: o.Symbol,
		Strike: decimal.NewFromFloat(o.Strike).Round(strikePlaces),
		Right:  right,
		Expiry: expiry,
		Bid:    decimal.NewFromFloat(o.Bid),
		Ask:    decimal.NewFromFloat(o.Ask),
	}
	if o.Greeks != nil {
		q.Delta = decimal.NewNullDecimal(decimal.NewFromFloat(o.Greeks.Delta))
	}
	return q, true
}

// PortfolioValue returns total account equity.
func (d *Data) PortfolioValue(ctx context.Context) (decimal.Decimal, error) {
	equity, err := d.broker.GetAccountBalance(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("account balance: %w", err)
	}
	return decimal.NewFromFloat(equity), nil
}

// VolatilityReading returns the last print of the volatility index.
func (d *Data) VolatilityReading(ctx context.Context) (decimal.Decimal, error) {
	q, err := d.broker.GetQuote(ctx, d.volatilitySymbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote %s: %w", d.volatilitySymbol, err)
	}
	if q.Last <= 0 {
		return decimal.Zero, fmt.Errorf("quote %s has no last price", d.volatilitySymbol)
	}
	return decimal.NewFromFloat(q.Last), nil
}

// VolatilityRank ranks the current reading against daily closes over the
// previous lookbackDays calendar days. Today's bar is excluded from the
// history.
func (d *Data) VolatilityRank(ctx context.Context, lookbackDays int) (decimal.NullDecimal, error) {
	current, err := d.VolatilityReading(ctx)
	if err != nil {
		return decimal.NullDecimal{}, err
	}

	now := d.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	end := today.AddDate(0, 0, -1)
	start := today.AddDate(0, 0, -lookbackDays)
	bars, err := d.broker.GetHistoricalData(ctx, d.volatilitySymbol, start, end)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("history %s: %w", d.volatilitySymbol, err)
	}

	history := make([]decimal.Decimal, 0, len(bars))
	for _, b := range bars {
		if b.Date.Before(today) && b.Close > 0 {
			history = append(history, decimal.NewFromFloat(b.Close))
		}
	}
	return condor.VolatilityRank(current, history), nil
}
