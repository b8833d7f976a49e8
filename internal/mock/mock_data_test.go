package mock

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/scranton_condor/internal/broker"
)

// Monday 2024-03-04 15:40 UTC
var paperNow = time.Date(2024, 3, 4, 15, 40, 0, 0, time.UTC)

func newPaper() *Broker {
	cfg := DefaultConfig()
	cfg.Now = func() time.Time { return paperNow }
	return NewBroker(cfg)
}

func TestBroker_GetOptionChain_InvalidExpiration(t *testing.T) {
	b := newPaper()
	if _, err := b.GetOptionChain(context.Background(), "SPY", "invalid-date", true); err == nil {
		t.Error("Expected error for invalid expiration format, got nil")
	}

	// Past expirations still price without error.
	options, err := b.GetOptionChain(context.Background(), "SPY", "2024-02-01", true)
	if err != nil {
		t.Errorf("Unexpected error for past expiration: %v", err)
	}
	if len(options) == 0 {
		t.Error("Expected some options even for past expiration")
	}
}

func TestBroker_ChainShape(t *testing.T) {
	b := newPaper()
	options, err := b.GetOptionChain(context.Background(), "SPY", "2024-03-11", true)
	if err != nil {
		t.Fatalf("GetOptionChain: %v", err)
	}

	var prevPut, prevCall float64 = 1, 2
	foundPut, foundCall := false, false
	for _, o := range options {
		if o.Greeks == nil {
			t.Fatalf("%s missing greeks", o.Symbol)
		}
		if o.Bid > o.Ask {
			t.Errorf("%s crossed: bid %.2f ask %.2f", o.Symbol, o.Bid, o.Ask)
		}
		switch o.OptionType {
		case "put":
			if o.Greeks.Delta > prevPut {
				t.Errorf("put delta not growing in magnitude at %v", o.Strike)
			}
			prevPut = o.Greeks.Delta
			if math.Abs(math.Abs(o.Greeks.Delta)-0.20) < 0.03 {
				foundPut = true
			}
		case "call":
			if o.Greeks.Delta > prevCall {
				t.Errorf("call delta not decreasing at %v", o.Strike)
			}
			prevCall = o.Greeks.Delta
			if math.Abs(o.Greeks.Delta-0.20) < 0.03 {
				foundCall = true
			}
		}
	}
	if !foundPut || !foundCall {
		t.Errorf("expected 0.20 delta strikes on both sides, put=%v call=%v", foundPut, foundCall)
	}

	withoutGreeks, _ := b.GetOptionChain(context.Background(), "SPY", "2024-03-11", false)
	if withoutGreeks[0].Greeks != nil {
		t.Error("greeks should be omitted when not requested")
	}
}

func TestBroker_ExpirationsSkipWeekends(t *testing.T) {
	b := newPaper()
	dates, err := b.GetExpirations(context.Background(), "SPY")
	if err != nil || len(dates) == 0 {
		t.Fatalf("GetExpirations = %v, %v", dates, err)
	}
	if dates[0] != "2024-03-04" {
		t.Errorf("first expiration = %s, want today", dates[0])
	}
	for _, d := range dates {
		day, _ := time.Parse("2006-01-02", d)
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			t.Errorf("weekend expiration %s", d)
		}
	}
}

func TestBroker_VolatilityQuoteAndHistory(t *testing.T) {
	b := newPaper()
	ctx := context.Background()

	q, err := b.GetQuote(ctx, "VIX")
	if err != nil || q.Last != 21 {
		t.Fatalf("VIX quote = %+v, %v", q, err)
	}
	if _, err := b.GetQuote(ctx, "QQQ"); err == nil {
		t.Error("unknown symbol should fail")
	}

	end := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	hist, err := b.GetHistoricalData(ctx, "VIX", end.AddDate(-1, 0, 0), end)
	if err != nil || len(hist) < 200 {
		t.Fatalf("history len = %d, %v", len(hist), err)
	}
	if last := hist[len(hist)-1]; last.Close != 21 {
		t.Errorf("last close = %v, want current level", last.Close)
	}
	for _, p := range hist[:len(hist)-1] {
		if p.Close < 12-1e-9 || p.Close > 30+1e-9 {
			t.Fatalf("history value %v outside band", p.Close)
		}
	}
}

func TestBroker_OrdersFillAndBookPremium(t *testing.T) {
	b := newPaper()
	ctx := context.Background()

	open := broker.MultilegOrder{
		Symbol: "SPY", Type: "credit", Duration: "day", Price: decimal.RequireFromString("1.60"),
		Legs: []broker.OrderLeg{
			{OptionSymbol: "SPY240311P00495000", Side: broker.SideSellToOpen, Quantity: 2},
			{OptionSymbol: "SPY240311P00490000", Side: broker.SideBuyToOpen, Quantity: 2},
		},
	}
	resp, err := b.PlaceMultilegOrder(ctx, open)
	if err != nil {
		t.Fatalf("PlaceMultilegOrder: %v", err)
	}
	status, err := b.GetOrderStatus(ctx, resp.Order.ID)
	if err != nil || status.Order.Status != broker.OrderStatusFilled || status.Order.AvgFillPrice != 1.6 {
		t.Fatalf("status = %+v, %v", status, err)
	}
	equity, _ := b.GetAccountBalance(ctx)
	if math.Abs(equity-100320) > 1e-6 {
		t.Errorf("equity after credit = %v, want 100320", equity)
	}

	closeOrder := open
	closeOrder.Type = "debit"
	closeOrder.Price = decimal.RequireFromString("0.80")
	if _, err := b.PlaceMultilegOrder(ctx, closeOrder); err != nil {
		t.Fatalf("close: %v", err)
	}
	equity, _ = b.GetAccountBalance(ctx)
	if math.Abs(equity-100160) > 1e-6 {
		t.Errorf("equity after debit = %v, want 100160", equity)
	}
	if n := len(b.Orders()); n != 2 {
		t.Errorf("orders = %d, want 2", n)
	}

	bad := open
	bad.Price = decimal.Zero
	if _, err := b.PlaceMultilegOrder(ctx, bad); !errors.Is(err, broker.ErrInvalidOrder) {
		t.Errorf("err = %v, want ErrInvalidOrder", err)
	}
}

func TestBroker_UnknownOrder(t *testing.T) {
	b := newPaper()
	var apiErr *broker.APIError
	if _, err := b.GetOrderStatus(context.Background(), 1); !errors.As(err, &apiErr) || apiErr.Status != 404 {
		t.Errorf("err = %v, want 404", err)
	}
	if err := b.CancelOrder(context.Background(), 1); err == nil {
		t.Error("cancel of unknown order should fail")
	}
}

func TestBroker_MarketClock(t *testing.T) {
	b := newPaper()
	ok, err := b.IsTradingDay(context.Background(), false)
	if err != nil || !ok {
		t.Fatalf("Monday should be a trading day: %v %v", ok, err)
	}

	cfg := DefaultConfig()
	cfg.Now = func() time.Time { return time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC) }
	weekend := NewBroker(cfg)
	ok, _ = weekend.IsTradingDay(context.Background(), false)
	if ok {
		t.Error("Saturday should not be a trading day")
	}
}
