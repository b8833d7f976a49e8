package condor

import "errors"

// Every error below means "skip this tick"; none of them stops the process.
var (
	ErrGateClosed        = errors.New("entry gate closed")
	ErrNoShortLegFound   = errors.New("no short leg found")
	ErrMissingWing       = errors.New("missing wing strike")
	ErrCreditBelowTarget = errors.New("credit below target")
	ErrCapExceeded       = errors.New("risk cap exceeded")
	ErrQuoteUnavailable  = errors.New("quote unavailable")
	ErrMarketData        = errors.New("market data unavailable")
	ErrOrderRejected     = errors.New("order rejected")
)

var skipErrors = []error{
	ErrGateClosed,
	ErrNoShortLegFound,
	ErrMissingWing,
	ErrCreditBelowTarget,
	ErrCapExceeded,
	ErrQuoteUnavailable,
	ErrMarketData,
	ErrOrderRejected,
}

// IsSkip reports whether err is one of the recoverable skip conditions.
func IsSkip(err error) bool {
	for _, target := range skipErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// SkipReason returns a short label for a skip error, used for logs and metrics.
func SkipReason(err error) string {
	switch {
	case errors.Is(err, ErrGateClosed):
		return "gate_closed"
	case errors.Is(err, ErrNoShortLegFound):
		return "no_short_leg"
	case errors.Is(err, ErrMissingWing):
		return "missing_wing"
	case errors.Is(err, ErrCreditBelowTarget):
		return "credit_below_target"
	case errors.Is(err, ErrCapExceeded):
		return "cap_exceeded"
	case errors.Is(err, ErrQuoteUnavailable):
		return "quote_unavailable"
	case errors.Is(err, ErrMarketData):
		return "market_data"
	case errors.Is(err, ErrOrderRejected):
		return "order_rejected"
	default:
		return "error"
	}
}
