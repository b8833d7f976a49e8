package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/scranton_condor/internal/metrics"
)

// Broker defines the interface for interacting with a brokerage
type Broker interface {
	// Account operations
	GetAccountBalance(ctx context.Context) (float64, error)

	// Market data
	GetQuote(ctx context.Context, symbol string) (*QuoteItem, error)
	GetExpirations(ctx context.Context, symbol string) ([]string, error)
	GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error)
	GetHistoricalData(ctx context.Context, symbol string, start, end time.Time) ([]HistoricalDataPoint, error)
	GetMarketClock(ctx context.Context, delayed bool) (*MarketClockResponse, error)
	IsTradingDay(ctx context.Context, delayed bool) (bool, error)

	// Orders
	PlaceMultilegOrder(ctx context.Context, order MultilegOrder) (*OrderResponse, error)
	GetOrderStatus(ctx context.Context, orderID int) (*OrderResponse, error)
	CancelOrder(ctx context.Context, orderID int) error
}

// OptionSymbol builds an OCC option symbol: ROOT + YYMMDD + P/C + strike x 1000
// zero-padded to eight digits, e.g. SPY240308P00495000.
func OptionSymbol(underlying string, expiry time.Time, right string, strike decimal.Decimal) (string, error) {
	var flag string
	switch strings.ToLower(right) {
	case "put":
		flag = "P"
	case "call":
		flag = "C"
	default:
		return "", fmt.Errorf("unknown option right %q", right)
	}
	if !strike.IsPositive() {
		return "", fmt.Errorf("strike must be positive, got %s", strike)
	}
	milli := strike.Mul(decimal.NewFromInt(1000)).Round(0).IntPart()
	if milli > 99999999 {
		return "", fmt.Errorf("strike %s does not fit the OCC format", strike)
	}
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(underlying), expiry.Format("060102"), flag, milli), nil
}

// ParseOptionSymbol splits an OCC option symbol into its parts.
func ParseOptionSymbol(s string) (underlying string, expiry time.Time, right string, strike decimal.Decimal, err error) {
	s = strings.TrimSpace(s)
	// root (1-6) + YYMMDD + P/C + 8 digits
	if len(s) < 16 {
		return "", time.Time{}, "", decimal.Zero, fmt.Errorf("option symbol %q too short", s)
	}
	tail := s[len(s)-15:]
	underlying = s[:len(s)-15]
	if underlying == "" || !isDigits(tail[:6]) || !isDigits(tail[7:]) {
		return "", time.Time{}, "", decimal.Zero, fmt.Errorf("option symbol %q is not OCC formatted", s)
	}
	expiry, err = time.Parse("060102", tail[:6])
	if err != nil {
		return "", time.Time{}, "", decimal.Zero, fmt.Errorf("option symbol %q: %w", s, err)
	}
	switch tail[6] {
	case 'P', 'p':
		right = "put"
	case 'C', 'c':
		right = "call"
	default:
		return "", time.Time{}, "", decimal.Zero, fmt.Errorf("option symbol %q has no put/call flag", s)
	}
	milli, err := decimal.NewFromString(tail[7:])
	if err != nil {
		return "", time.Time{}, "", decimal.Zero, err
	}
	return underlying, expiry, right, milli.Shift(-3), nil
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}

// IsTransient reports whether err is worth retrying: rate limits, server
// errors and network failures. Invalid orders and 4xx rejections are not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrInvalidOrder) || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"eof",
		"network",
		"dns",
		"tcp",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings returns the settings used in production.
func DefaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker. State changes are
// logged and exported as a gauge.
func NewCircuitBreakerBroker(broker Broker, settings CircuitBreakerSettings, logger *logrus.Logger) *CircuitBreakerBroker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "broker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		// Rejections are business outcomes, not broker failures.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrInvalidOrder)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
			metrics.SetBreakerState(int(to))
		},
	}

	metrics.SetBreakerState(int(gobreaker.StateClosed))
	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State returns the current breaker state.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

// GetAccountBalance wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetAccountBalance(ctx context.Context) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) { return b.GetAccountBalance(ctx) })
}

// GetQuote wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, symbol string) (*QuoteItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*QuoteItem, error) { return b.GetQuote(ctx, symbol) })
}

// GetExpirations wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]string, error) { return b.GetExpirations(ctx, symbol) })
}

// GetOptionChain wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Option, error) {
		return b.GetOptionChain(ctx, symbol, expiration, withGreeks)
	})
}

// GetHistoricalData wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetHistoricalData(ctx context.Context, symbol string, start, end time.Time) ([]HistoricalDataPoint, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]HistoricalDataPoint, error) {
		return b.GetHistoricalData(ctx, symbol, start, end)
	})
}

// GetMarketClock wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetMarketClock(ctx context.Context, delayed bool) (*MarketClockResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*MarketClockResponse, error) {
		return b.GetMarketClock(ctx, delayed)
	})
}

// IsTradingDay wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) IsTradingDay(ctx context.Context, delayed bool) (bool, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (bool, error) {
		return b.IsTradingDay(ctx, delayed)
	})
}

// PlaceMultilegOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceMultilegOrder(ctx context.Context, order MultilegOrder) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.PlaceMultilegOrder(ctx, order)
	})
}

// GetOrderStatus wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrderStatus(ctx context.Context, orderID int) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.GetOrderStatus(ctx, orderID)
	})
}

// CancelOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID int) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}
