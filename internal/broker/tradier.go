// Package broker provides trading API clients for executing options trades.
// It includes the Tradier API client used for SPY iron condor orders.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Market clock state constants
const (
	marketStateOpen       = "open"
	marketStatePreMarket  = "premarket"
	marketStatePostMarket = "postmarket"
)

// Order status values reported by Tradier.
const (
	OrderStatusOpen            = "open"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusExpired         = "expired"
	OrderStatusCanceled        = "canceled"
	OrderStatusPending         = "pending"
	OrderStatusRejected        = "rejected"
	OrderStatusError           = "error"
)

// Leg sides for multileg option orders.
const (
	SideSellToOpen  = "sell_to_open"
	SideBuyToOpen   = "buy_to_open"
	SideBuyToClose  = "buy_to_close"
	SideSellToClose = "sell_to_close"
)

const dateLayout = "2006-01-02"

// ErrInvalidOrder is returned before any request is sent for malformed orders.
var ErrInvalidOrder = errors.New("invalid order")

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// Temporary reports whether the request may succeed if retried.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// TradierAPI is a thin client over the Tradier REST API.
type TradierAPI struct {
	client    *http.Client
	logger    *logrus.Logger
	apiKey    string
	baseURL   string
	accountID string
	sandbox   bool
}

// Ensure TradierAPI implements Broker at compile time.
var _ Broker = (*TradierAPI)(nil)

// NewTradierAPI creates a new TradierAPI client with default settings.
// An empty baseURL selects the sandbox or production endpoint.
func NewTradierAPI(apiKey, accountID string, sandbox bool, baseURL string) *TradierAPI {
	if baseURL == "" {
		if sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}
	return &TradierAPI{
		apiKey:    apiKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logrus.StandardLogger(),
		sandbox:   sandbox,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (t *TradierAPI) WithHTTPClient(c *http.Client) *TradierAPI {
	if c != nil {
		t.client = c
	}
	return t
}

// WithTimeout sets the HTTP client timeout duration.
func (t *TradierAPI) WithTimeout(timeout time.Duration) *TradierAPI {
	if timeout > 0 {
		t.client.Timeout = timeout
	}
	return t
}

// WithLogger sets the logger used for request diagnostics.
func (t *TradierAPI) WithLogger(l *logrus.Logger) *TradierAPI {
	if l != nil {
		t.logger = l
	}
	return t
}

// ============ API Response Structures ============

// Handle single-object vs array responses from Tradier
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`"null"`)) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// OptionChainResponse represents the API response for option chain requests.
type OptionChainResponse struct {
	Options *struct {
		Option singleOrArray[Option] `json:"option"`
	} `json:"options"`
}

// Option represents an option contract from the Tradier API.
type Option struct {
	Greeks         *Greeks `json:"greeks,omitempty"`
	Symbol         string  `json:"symbol"`
	OptionType     string  `json:"option_type"`
	ExpirationDate string  `json:"expiration_date"`
	Underlying     string  `json:"underlying"`
	Bid            float64 `json:"bid"`
	Ask            float64 `json:"ask"`
	Last           float64 `json:"last"`
	Strike         float64 `json:"strike"`
	OpenInterest   int64   `json:"open_interest"`
}

// Greeks contains option Greeks data from the Tradier API.
type Greeks struct {
	UpdatedAt string  `json:"updated_at"`
	Delta     float64 `json:"delta"`
	Gamma     float64 `json:"gamma"`
	Theta     float64 `json:"theta"`
	Vega      float64 `json:"vega"`
	MidIV     float64 `json:"mid_iv"`
}

// QuotesResponse represents the quotes response from the Tradier API.
type QuotesResponse struct {
	Quotes struct {
		Quote singleOrArray[QuoteItem] `json:"quote"`
	} `json:"quotes"`
}

// QuoteItem represents a single quote item from the Tradier API.
type QuoteItem struct {
	Symbol    string  `json:"symbol"`
	Type      string  `json:"type"`
	Last      float64 `json:"last"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	PrevClose float64 `json:"prevclose"`
}

// ExpirationsResponse represents the expirations response from the Tradier API.
type ExpirationsResponse struct {
	Expirations *struct {
		Date singleOrArray[string] `json:"date"`
	} `json:"expirations"`
}

// BalanceResponse represents the account balance response from the Tradier API.
type BalanceResponse struct {
	Balances struct {
		AccountNumber      string  `json:"account_number"`
		AccountType        string  `json:"account_type"`
		TotalEquity        float64 `json:"total_equity"`
		TotalCash          float64 `json:"total_cash"`
		OptionShortValue   float64 `json:"option_short_value"`
		OptionLongValue    float64 `json:"option_long_value"`
		PendingOrdersCount int     `json:"pending_orders_count"`
	} `json:"balances"`
}

// MarketClockResponse represents the market clock response from the Tradier API.
type MarketClockResponse struct {
	Clock struct {
		Date        string `json:"date"`
		Description string `json:"description"`
		State       string `json:"state"`
		Timestamp   int64  `json:"timestamp"`
		NextChange  string `json:"next_change"`
		NextState   string `json:"next_state"`
	} `json:"clock"`
}

// OrderResponse represents the order response from the Tradier API.
type OrderResponse struct {
	Order struct {
		CreateDate        string  `json:"create_date"`
		Type              string  `json:"type"`
		Symbol            string  `json:"symbol"`
		Class             string  `json:"class"`
		Status            string  `json:"status"`
		Duration          string  `json:"duration"`
		Tag               string  `json:"tag"`
		ReasonDescription string  `json:"reason_description"`
		AvgFillPrice      float64 `json:"avg_fill_price"`
		ExecQuantity      float64 `json:"exec_quantity"`
		RemainingQuantity float64 `json:"remaining_quantity"`
		ID                int     `json:"id"`
		Price             float64 `json:"price"`
		Quantity          float64 `json:"quantity"`
	} `json:"order"`
}

// IsTerminal reports whether the order can no longer fill.
func (o *OrderResponse) IsTerminal() bool {
	switch o.Order.Status {
	case OrderStatusFilled, OrderStatusExpired, OrderStatusCanceled, OrderStatusRejected, OrderStatusError:
		return true
	}
	return false
}

// HistoricalDataPoint represents a single daily bar.
type HistoricalDataPoint struct {
	Date  time.Time
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// HistoricalDataResponse represents the response from historical data API
type HistoricalDataResponse struct {
	History *struct {
		Day singleOrArray[struct {
			Date  string  `json:"date"`
			Open  float64 `json:"open"`
			High  float64 `json:"high"`
			Low   float64 `json:"low"`
			Close float64 `json:"close"`
		}] `json:"day"`
	} `json:"history"`
}

// OrderLeg is one option leg of a multileg order.
type OrderLeg struct {
	OptionSymbol string
	Side         string
	Quantity     int
}

// MultilegOrder is a net-priced multileg option order. Type is "credit" for
// orders that collect premium and "debit" for orders that pay it.
type MultilegOrder struct {
	Symbol   string
	Type     string
	Duration string
	Tag      string
	Legs     []OrderLeg
	Price    decimal.Decimal
	Preview  bool
}

// Validate checks the order before it is sent.
func (o MultilegOrder) Validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	}
	if o.Type != "credit" && o.Type != "debit" {
		return fmt.Errorf("%w: type must be credit or debit, got %q", ErrInvalidOrder, o.Type)
	}
	if !o.Price.IsPositive() {
		return fmt.Errorf("%w: %s price %s must be > 0", ErrInvalidOrder, o.Type, o.Price)
	}
	if _, err := normalizeDuration(o.Duration); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if len(o.Legs) < 2 {
		return fmt.Errorf("%w: multileg order needs at least two legs", ErrInvalidOrder)
	}
	for i, leg := range o.Legs {
		if leg.OptionSymbol == "" || leg.Quantity <= 0 {
			return fmt.Errorf("%w: leg %d is incomplete", ErrInvalidOrder, i)
		}
		switch leg.Side {
		case SideSellToOpen, SideBuyToOpen, SideBuyToClose, SideSellToClose:
		default:
			return fmt.Errorf("%w: leg %d has unknown side %q", ErrInvalidOrder, i, leg.Side)
		}
	}
	return nil
}

// ============ API Methods ============

// GetQuote retrieves the current market quote for a symbol.
func (t *TradierAPI) GetQuote(ctx context.Context, symbol string) (*QuoteItem, error) {
	params := url.Values{}
	params.Set("symbols", symbol)
	params.Set("greeks", "false")
	endpoint := t.baseURL + "/markets/quotes?" + params.Encode()

	var response QuotesResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	quotes := response.Quotes.Quote
	if len(quotes) == 0 {
		return nil, fmt.Errorf("no quote found for symbol: %s", symbol)
	}
	first := quotes[0]
	return &first, nil
}

// GetExpirations retrieves available expiration dates for options on a symbol.
func (t *TradierAPI) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("includeAllRoots", "true")
	params.Set("strikes", "false")
	endpoint := t.baseURL + "/markets/options/expirations?" + params.Encode()

	var response ExpirationsResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	if response.Expirations == nil {
		return nil, nil
	}
	return []string(response.Expirations.Date), nil
}

// GetOptionChain retrieves the option chain for a symbol and expiration date.
func (t *TradierAPI) GetOptionChain(ctx context.Context, symbol, expiration string, greeks bool) ([]Option, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("expiration", expiration)
	params.Set("greeks", strconv.FormatBool(greeks))
	endpoint := t.baseURL + "/markets/options/chains?" + params.Encode()

	var response OptionChainResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	if response.Options == nil {
		return nil, nil
	}
	return []Option(response.Options.Option), nil
}

// GetBalance retrieves account balance information.
func (t *TradierAPI) GetBalance(ctx context.Context) (*BalanceResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/balances", t.baseURL, t.accountID)

	var response BalanceResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// GetAccountBalance returns the total account equity.
func (t *TradierAPI) GetAccountBalance(ctx context.Context) (float64, error) {
	balance, err := t.GetBalance(ctx)
	if err != nil {
		return 0, err
	}
	return balance.Balances.TotalEquity, nil
}

// GetMarketClock retrieves the current market clock status.
func (t *TradierAPI) GetMarketClock(ctx context.Context, delayed bool) (*MarketClockResponse, error) {
	endpoint := fmt.Sprintf("%s/markets/clock?delayed=%t", t.baseURL, delayed)

	var response MarketClockResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// IsTradingDay returns true on a trading session day (open, premarket, or postmarket).
func (t *TradierAPI) IsTradingDay(ctx context.Context, delayed bool) (bool, error) {
	clock, err := t.GetMarketClock(ctx, delayed)
	if err != nil {
		return false, err
	}
	state := clock.Clock.State
	return state == marketStateOpen || state == marketStatePreMarket || state == marketStatePostMarket, nil
}

// GetHistoricalData retrieves daily bars for a symbol between two dates inclusive.
func (t *TradierAPI) GetHistoricalData(ctx context.Context, symbol string, start, end time.Time) ([]HistoricalDataPoint, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", "daily")
	params.Set("start", start.Format(dateLayout))
	params.Set("end", end.Format(dateLayout))
	endpoint := t.baseURL + "/markets/history?" + params.Encode()

	var response HistoricalDataResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, fmt.Errorf("failed to get historical data for %s: %w", symbol, err)
	}
	if response.History == nil {
		return nil, nil
	}

	points := make([]HistoricalDataPoint, 0, len(response.History.Day))
	for _, day := range response.History.Day {
		date, err := time.Parse(dateLayout, day.Date)
		if err != nil {
			return nil, fmt.Errorf("failed to parse date %s: %w", day.Date, err)
		}
		points = append(points, HistoricalDataPoint{
			Date:  date,
			Open:  day.Open,
			High:  day.High,
			Low:   day.Low,
			Close: day.Close,
		})
	}
	return points, nil
}

// normalizeDuration normalizes and validates duration parameter
func normalizeDuration(duration string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(duration)) {
	case "good-til-cancelled", "goodtilcancelled", "gtc":
		return "gtc", nil
	case "day":
		return "day", nil
	case "":
		return "", fmt.Errorf("duration cannot be empty")
	}
	return "", fmt.Errorf("invalid duration '%s': must be 'day' or 'gtc'", duration)
}

// PlaceMultilegOrder submits a net-priced multileg option order.
func (t *TradierAPI) PlaceMultilegOrder(ctx context.Context, order MultilegOrder) (*OrderResponse, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	duration, _ := normalizeDuration(order.Duration)

	params := url.Values{}
	params.Add("class", "multileg")
	params.Add("symbol", order.Symbol)
	params.Add("type", order.Type)
	params.Add("duration", duration)
	params.Add("price", order.Price.StringFixed(2))
	if order.Preview {
		params.Add("preview", "true")
	}
	if order.Tag != "" {
		params.Add("tag", order.Tag)
	}
	for i, leg := range order.Legs {
		params.Add(fmt.Sprintf("option_symbol[%d]", i), leg.OptionSymbol)
		params.Add(fmt.Sprintf("side[%d]", i), leg.Side)
		params.Add(fmt.Sprintf("quantity[%d]", i), strconv.Itoa(leg.Quantity))
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodPost, endpoint, params, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// GetOrderStatus retrieves the status of an existing order by ID
func (t *TradierAPI) GetOrderStatus(ctx context.Context, orderID int) (*OrderResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, orderID)
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// CancelOrder cancels a working order.
func (t *TradierAPI) CancelOrder(ctx context.Context, orderID int) error {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, orderID)
	var response OrderResponse
	return t.makeRequestCtx(ctx, http.MethodDelete, endpoint, nil, &response)
}

// makeRequestCtx makes an HTTP request with context support for timeout/cancellation
func (t *TradierAPI) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	var req *http.Request
	var err error

	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "scranton-condor/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.WithError(err).Debug("failed to close response body")
		}
	}()

	if remaining := resp.Header.Get("X-Ratelimit-Available"); remaining != "" && t.sandbox {
		t.logger.WithField("remaining", remaining).Debug("tradier rate limit")
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
	case http.StatusNoContent:
		return nil
	default:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s (retry-after: %s)", method, endpoint, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(body))}
	}

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
