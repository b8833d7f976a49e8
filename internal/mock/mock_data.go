// Package mock provides a paper-trading broker with synthetic market data.
package mock

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/eddiefleurent/scranton_condor/internal/broker"
)

// Config seeds the synthetic market.
type Config struct {
	Underlying       string
	VolatilitySymbol string
	Spot             float64
	// IV is the annualized implied volatility used for pricing, e.g. 0.18.
	IV float64
	// VIX is the current volatility index level; history oscillates between
	// VIXLow and VIXHigh and ends at VIX.
	VIX     float64
	VIXLow  float64
	VIXHigh float64
	Equity  float64
	// StrikeStep is the strike spacing of generated chains.
	StrikeStep float64
	// Drift is the maximum random spot move applied per quote; zero keeps spot fixed.
	Drift float64
	Now   func() time.Time
}

// DefaultConfig returns a market where the entry gate is open.
func DefaultConfig() Config {
	return Config{
		Underlying:       "SPY",
		VolatilitySymbol: "VIX",
		Spot:             510,
		IV:               0.18,
		VIX:              21,
		VIXLow:           12,
		VIXHigh:          30,
		Equity:           100000,
		StrikeStep:       1,
		Now:              time.Now,
	}
}

type paperOrder struct {
	resp  broker.OrderResponse
	order broker.MultilegOrder
}

// Broker is an in-memory broker.Broker that fills every valid order at its
// limit price.
type Broker struct {
	cfg    Config
	orders map[int]*paperOrder
	spot   float64
	equity float64
	nextID int
	mu     sync.Mutex
}

var _ broker.Broker = (*Broker)(nil)

// NewBroker creates a paper broker.
func NewBroker(cfg Config) *Broker {
	def := DefaultConfig()
	if cfg.Underlying == "" {
		cfg.Underlying = def.Underlying
	}
	if cfg.VolatilitySymbol == "" {
		cfg.VolatilitySymbol = def.VolatilitySymbol
	}
	if cfg.Spot <= 0 {
		cfg.Spot = def.Spot
	}
	if cfg.IV <= 0 {
		cfg.IV = def.IV
	}
	if cfg.VIX <= 0 {
		cfg.VIX = def.VIX
	}
	if cfg.VIXHigh <= cfg.VIXLow {
		cfg.VIXLow, cfg.VIXHigh = def.VIXLow, def.VIXHigh
	}
	if cfg.Equity <= 0 {
		cfg.Equity = def.Equity
	}
	if cfg.StrikeStep <= 0 {
		cfg.StrikeStep = def.StrikeStep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Broker{
		cfg:    cfg,
		orders: make(map[int]*paperOrder),
		spot:   cfg.Spot,
		equity: cfg.Equity,
		nextID: 1000,
	}
}

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// SetSpot moves the underlying.
func (b *Broker) SetSpot(spot float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spot = spot
}

// SetVIX changes the current volatility index level.
func (b *Broker) SetVIX(vix float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.VIX = vix
}

func (b *Broker) today() time.Time {
	now := b.cfg.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// GetAccountBalance returns the paper equity.
func (b *Broker) GetAccountBalance(context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.equity, nil
}

// GetQuote returns the underlying or the volatility index.
func (b *Broker) GetQuote(_ context.Context, symbol string) (*broker.QuoteItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch symbol {
	case b.cfg.Underlying:
		if b.cfg.Drift > 0 {
			b.spot += (secureFloat64() - 0.5) * 2 * b.cfg.Drift
		}
		return &broker.QuoteItem{
			Symbol: symbol,
			Type:   "etf",
			Last:   b.spot,
			Bid:    b.spot - 0.01,
			Ask:    b.spot + 0.01,
		}, nil
	case b.cfg.VolatilitySymbol:
		return &broker.QuoteItem{Symbol: symbol, Type: "index", Last: b.cfg.VIX}, nil
	}
	return nil, fmt.Errorf("no quote found for symbol: %s", symbol)
}

// GetExpirations lists every weekday over the next five weeks.
func (b *Broker) GetExpirations(_ context.Context, symbol string) ([]string, error) {
	if symbol != b.cfg.Underlying {
		return nil, nil
	}
	today := b.today()
	var out []string
	for d := 0; d <= 35; d++ {
		day := today.AddDate(0, 0, d)
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			continue
		}
		out = append(out, day.Format("2006-01-02"))
	}
	return out, nil
}

// GetOptionChain prices puts and calls around spot with Black-Scholes.
func (b *Broker) GetOptionChain(_ context.Context, symbol, expiration string, withGreeks bool) ([]broker.Option, error) {
	expDate, err := time.Parse("2006-01-02", expiration)
	if err != nil {
		return nil, fmt.Errorf("invalid expiration format: %w", err)
	}
	if symbol != b.cfg.Underlying {
		return nil, nil
	}

	b.mu.Lock()
	spot := b.spot
	b.mu.Unlock()

	// Options expire at the close; a same-day chain still has a few hours left.
	days := expDate.Sub(b.today()).Hours() / 24
	years := math.Max(days, 0.25) / 365
	step := b.cfg.StrikeStep
	lo := math.Floor(spot*0.92/step) * step
	hi := math.Ceil(spot*1.08/step) * step

	var options []broker.Option
	for strike := lo; strike <= hi+1e-9; strike += step {
		putPrice, putDelta := blackScholes(spot, strike, years, b.cfg.IV, false)
		callPrice, callDelta := blackScholes(spot, strike, years, b.cfg.IV, true)
		options = append(options,
			b.option(symbol, expDate, "put", strike, putPrice, putDelta, withGreeks),
			b.option(symbol, expDate, "call", strike, callPrice, callDelta, withGreeks),
		)
	}
	return options, nil
}

func (b *Broker) option(symbol string, exp time.Time, right string, strike, price, delta float64, withGreeks bool) broker.Option {
	flag := "P"
	if right == "call" {
		flag = "C"
	}
	halfSpread := math.Max(0.01, math.Round(price*0.03*100)/100)
	bid := math.Max(0, math.Round((price-halfSpread)*100)/100)
	ask := math.Max(0.01, math.Round((price+halfSpread)*100)/100)
	opt := broker.Option{
		Symbol:         fmt.Sprintf("%s%s%s%08d", symbol, exp.Format("060102"), flag, int(math.Round(strike*1000))),
		OptionType:     right,
		ExpirationDate: exp.Format("2006-01-02"),
		Underlying:     symbol,
		Strike:         strike,
		Bid:            bid,
		Ask:            ask,
		Last:           math.Round(price*100) / 100,
	}
	if withGreeks {
		opt.Greeks = &broker.Greeks{Delta: math.Round(delta*10000) / 10000, MidIV: b.cfg.IV}
	}
	return opt
}

// blackScholes returns the zero-rate price and delta of a European option.
func blackScholes(spot, strike, years, vol float64, call bool) (price, delta float64) {
	sqrtT := math.Sqrt(years)
	d1 := (math.Log(spot/strike) + 0.5*vol*vol*years) / (vol * sqrtT)
	d2 := d1 - vol*sqrtT
	if call {
		return spot*normCDF(d1) - strike*normCDF(d2), normCDF(d1)
	}
	return strike*normCDF(-d2) - spot*normCDF(-d1), normCDF(d1) - 1
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// GetHistoricalData returns a daily volatility index series that swings
// between VIXLow and VIXHigh and closes at the current level.
func (b *Broker) GetHistoricalData(_ context.Context, symbol string, start, end time.Time) ([]broker.HistoricalDataPoint, error) {
	if symbol != b.cfg.VolatilitySymbol {
		return nil, fmt.Errorf("no history for symbol: %s", symbol)
	}
	b.mu.Lock()
	vix, low, high := b.cfg.VIX, b.cfg.VIXLow, b.cfg.VIXHigh
	b.mu.Unlock()

	mid, amp := (low+high)/2, (high-low)/2
	var out []broker.HistoricalDataPoint
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		v := mid + amp*math.Sin(float64(d.YearDay())/58.0)
		out = append(out, broker.HistoricalDataPoint{Date: d, Open: v, High: v, Low: v, Close: v})
	}
	if n := len(out); n > 0 && sameDay(out[n-1].Date, end) {
		out[n-1].Close = vix
	}
	return out, nil
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

// GetMarketClock reports the market open on weekdays.
func (b *Broker) GetMarketClock(context.Context, bool) (*broker.MarketClockResponse, error) {
	now := b.cfg.Now()
	resp := &broker.MarketClockResponse{}
	resp.Clock.Date = now.Format("2006-01-02")
	resp.Clock.Timestamp = now.Unix()
	resp.Clock.State = "closed"
	if wd := now.Weekday(); wd != time.Saturday && wd != time.Sunday {
		resp.Clock.State = "open"
	}
	resp.Clock.Description = "paper market is " + resp.Clock.State
	return resp, nil
}

// IsTradingDay returns true on weekdays.
func (b *Broker) IsTradingDay(ctx context.Context, delayed bool) (bool, error) {
	clock, err := b.GetMarketClock(ctx, delayed)
	if err != nil {
		return false, err
	}
	return clock.Clock.State == "open", nil
}

// PlaceMultilegOrder fills valid orders immediately at the limit price and
// books the net premium against paper equity.
func (b *Broker) PlaceMultilegOrder(_ context.Context, order broker.MultilegOrder) (*broker.OrderResponse, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	qty := order.Legs[0].Quantity
	price, _ := order.Price.Float64()

	po := &paperOrder{order: order}
	po.resp.Order.ID = b.nextID
	po.resp.Order.Class = "multileg"
	po.resp.Order.Symbol = order.Symbol
	po.resp.Order.Type = order.Type
	po.resp.Order.Duration = order.Duration
	po.resp.Order.Tag = order.Tag
	po.resp.Order.Price = price
	po.resp.Order.Quantity = float64(qty)
	po.resp.Order.CreateDate = b.cfg.Now().UTC().Format(time.RFC3339)
	if order.Preview {
		po.resp.Order.Status = OrderStatusPreview
	} else {
		po.resp.Order.Status = broker.OrderStatusFilled
		po.resp.Order.AvgFillPrice = price
		po.resp.Order.ExecQuantity = float64(qty)

		cash := price * float64(qty) * 100
		if order.Type == "debit" {
			cash = -cash
		}
		b.equity += cash
	}
	b.orders[po.resp.Order.ID] = po

	resp := po.resp
	return &resp, nil
}

// OrderStatusPreview marks orders that were only previewed.
const OrderStatusPreview = "ok"

// GetOrderStatus returns a previously placed order.
func (b *Broker) GetOrderStatus(_ context.Context, orderID int) (*broker.OrderResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	po, ok := b.orders[orderID]
	if !ok {
		return nil, &broker.APIError{Status: 404, Body: fmt.Sprintf("order %d not found", orderID)}
	}
	resp := po.resp
	return &resp, nil
}

// CancelOrder cancels an order that has not filled.
func (b *Broker) CancelOrder(_ context.Context, orderID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	po, ok := b.orders[orderID]
	if !ok {
		return &broker.APIError{Status: 404, Body: fmt.Sprintf("order %d not found", orderID)}
	}
	if po.resp.IsTerminal() {
		return nil
	}
	po.resp.Order.Status = broker.OrderStatusCanceled
	return nil
}

// Orders returns the placed orders in id order.
func (b *Broker) Orders() []broker.MultilegOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.MultilegOrder, 0, len(b.orders))
	for id := 1001; id <= b.nextID; id++ {
		if po, ok := b.orders[id]; ok {
			out = append(out, po.order)
		}
	}
	return out
}
