package condor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/eddiefleurent/scranton_condor/internal/storage"
)

type MockMarket struct {
	mock.Mock
}

func (m *MockMarket) ChainSnapshot(ctx context.Context, underlying string, dteMin, dteMax int) ([]models.ChainQuote, error) {
	args := m.Called(ctx, underlying, dteMin, dteMax)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ChainQuote), args.Error(1)
}

func (m *MockMarket) PortfolioValue(ctx context.Context) (decimal.Decimal, error) {
	args := m.Called(ctx)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockMarket) VolatilityReading(ctx context.Context) (decimal.Decimal, error) {
	args := m.Called(ctx)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockMarket) VolatilityRank(ctx context.Context, lookbackDays int) (decimal.NullDecimal, error) {
	args := m.Called(ctx, lookbackDays)
	return args.Get(0).(decimal.NullDecimal), args.Error(1)
}

type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) PlaceStructure(ctx context.Context, spec models.CondorSpec, qty int, dir models.Direction) (models.OrderIntentResult, error) {
	args := m.Called(ctx, spec, qty, dir)
	return args.Get(0).(models.OrderIntentResult), args.Error(1)
}

var (
	accepted = models.OrderIntentResult{Status: models.IntentAccepted, OrderID: "ord-1"}
	rejected = models.OrderIntentResult{Status: models.IntentRejected, Message: "not filled"}
	entryNow = time.Date(2024, 3, 4, 15, 40, 0, 0, time.UTC)
)

type harness struct {
	engine *Engine
	store  *storage.MockStorage
	market *MockMarket
	exec   *MockExecutor
	now    time.Time
}

func newHarness(t *testing.T, p Params) *harness {
	t.Helper()
	h := &harness{
		store:  storage.NewMockStorage(),
		market: &MockMarket{},
		exec:   &MockExecutor{},
		now:    entryNow,
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	seq := 0
	e, err := New(p, h.store, h.market, h.exec, logger,
		WithClock(func() time.Time { return h.now }),
		WithIDGenerator(func() string { seq++; return fmt.Sprintf("pos-%d", seq) }))
	require.NoError(t, err)
	h.engine = e
	return h
}

func (h *harness) regime(vix string, ivr decimal.NullDecimal) {
	h.market.On("VolatilityReading", mock.Anything).Return(dec(vix), nil)
	h.market.On("VolatilityRank", mock.Anything, 365).Return(ivr, nil)
}

func goodRank() decimal.NullDecimal { return decimal.NewNullDecimal(dec("0.55")) }

func TestNew_Validation(t *testing.T) {
	p := DefaultParams()
	p.WingWidth = decimal.Zero
	_, err := New(p, storage.NewMockStorage(), &MockMarket{}, &MockExecutor{}, nil)
	assert.Error(t, err)

	assert.Panics(t, func() {
		_, _ = New(DefaultParams(), nil, &MockMarket{}, &MockExecutor{}, nil)
	})
}

func TestOnEntryTick_OpensSizedPosition(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.regime("22", goodRank())
	// budget 10000 x 0.35 = 3500; risk per unit 340 -> 10 contracts
	h.market.On("PortfolioValue", mock.Anything).Return(dec("10000"), nil)
	h.market.On("ChainSnapshot", mock.Anything, "SPY", 6, 8).Return(testChain(), nil)
	h.exec.On("PlaceStructure", mock.Anything, mock.AnythingOfType("models.CondorSpec"), 10, models.DirectionOpen).
		Return(accepted, nil)

	pos, err := h.engine.OnEntryTick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pos)

	assert.Equal(t, "pos-1", pos.ID)
	assert.Equal(t, 10, pos.Quantity)
	assert.True(t, pos.EntryCredit.Equal(dec("1.60")))
	assert.True(t, pos.RiskReserved.Equal(dec("3400")))
	assert.True(t, pos.Expiry.Equal(nearExpiry))
	assert.Equal(t, "ord-1", pos.EntryOrderID)
	assert.Equal(t, entryNow, pos.EntryDate)
	assert.Equal(t, models.StateOpen, pos.State)

	open := h.engine.ListOpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, pos.ID, open[0].ID)
	assert.True(t, h.engine.RiskInUse().Equal(dec("3400")))
	h.exec.AssertExpectations(t)
}

func TestOnEntryTick_GateClosed(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.regime("17.9", decimal.NewNullDecimal(dec("0.99")))

	pos, err := h.engine.OnEntryTick(context.Background())
	assert.Nil(t, pos)
	assert.ErrorIs(t, err, ErrGateClosed)
	h.market.AssertNotCalled(t, "PortfolioValue", mock.Anything)
	h.exec.AssertNotCalled(t, "PlaceStructure", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, h.engine.ListOpenPositions())
}

func TestOnEntryTick_UndefinedRankClosesGate(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.regime("30", decimal.NullDecimal{})

	_, err := h.engine.OnEntryTick(context.Background())
	assert.ErrorIs(t, err, ErrGateClosed)
}

func TestOnEntryTick_CapExceededBeforeSelection(t *testing.T) {
	p := DefaultParams()
	p.RiskCapFraction = dec("0.5")
	p.MinUnitRisk = dec("340")
	h := newHarness(t, p)
	h.regime("22", goodRank())
	// budget 600 -> room 300 < 340
	h.market.On("PortfolioValue", mock.Anything).Return(dec("600"), nil)

	_, err := h.engine.OnEntryTick(context.Background())
	assert.ErrorIs(t, err, ErrCapExceeded)
	h.market.AssertNotCalled(t, "ChainSnapshot", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestOnEntryTick_RoomFloorsToOneUnit(t *testing.T) {
	p := DefaultParams()
	p.RiskCapFraction = dec("0.5")
	p.MinUnitRisk = dec("340")
	h := newHarness(t, p)
	h.regime("22", goodRank())
	// budget 450 -> floor(450/340) = 1
	h.market.On("PortfolioValue", mock.Anything).Return(dec("900"), nil)
	h.market.On("ChainSnapshot", mock.Anything, "SPY", 6, 8).Return(testChain(), nil)
	h.exec.On("PlaceStructure", mock.Anything, mock.Anything, 1, models.DirectionOpen).Return(accepted, nil)

	pos, err := h.engine.OnEntryTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pos.Quantity)
	assert.True(t, pos.RiskReserved.Equal(dec("340")))
}

func TestOnEntryTick_CreditBelowTarget(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.regime("22", goodRank())
	h.market.On("PortfolioValue", mock.Anything).Return(dec("10000"), nil)

	chain := testChain()
	for i := range chain {
		// shorts at 1.00 bid: credit 1.00 + 1.00 - 0.40 - 0.40 = 1.20 < 1.50
		if chain[i].Expiry.Equal(nearExpiry) && (chain[i].Strike.Equal(dec("440")) || chain[i].Strike.Equal(dec("460"))) {
			chain[i].Bid = dec("1.00")
		}
	}
	h.market.On("ChainSnapshot", mock.Anything, "SPY", 6, 8).Return(chain, nil)

	_, err := h.engine.OnEntryTick(context.Background())
	assert.ErrorIs(t, err, ErrCreditBelowTarget)
	h.exec.AssertNotCalled(t, "PlaceStructure", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, h.engine.ListOpenPositions())
}

func TestOnEntryTick_ZeroCreditNeverOpens(t *testing.T) {
	p := DefaultParams()
	p.CreditTargetFraction = decimal.Zero
	h := newHarness(t, p)
	h.regime("22", goodRank())
	h.market.On("PortfolioValue", mock.Anything).Return(dec("10000"), nil)

	chain := testChain()
	for i := range chain {
		if !chain[i].Expiry.Equal(nearExpiry) {
			continue
		}
		switch {
		// shorts bid 0.35, wings ask 0.35: credit nets to zero
		case chain[i].Strike.Equal(dec("440")) || chain[i].Strike.Equal(dec("460")):
			chain[i].Bid = dec("0.35")
		case chain[i].Strike.Equal(dec("435")) || chain[i].Strike.Equal(dec("465")):
			chain[i].Ask = dec("0.35")
		}
	}
	h.market.On("ChainSnapshot", mock.Anything, "SPY", 6, 8).Return(chain, nil)

	_, err := h.engine.OnEntryTick(context.Background())
	assert.ErrorIs(t, err, ErrCreditBelowTarget)
	h.exec.AssertNotCalled(t, "PlaceStructure", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, h.engine.ListOpenPositions())
	assert.True(t, h.engine.RiskInUse().IsZero())
}

func TestOnEntryTick_SelectionFailures(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.regime("22", goodRank())
	h.market.On("PortfolioValue", mock.Anything).Return(dec("10000"), nil)
	h.market.On("ChainSnapshot", mock.Anything, "SPY", 6, 8).Return([]models.ChainQuote{}, nil)

	_, err := h.engine.OnEntryTick(context.Background())
	assert.ErrorIs(t, err, ErrNoShortLegFound)
	assert.True(t, IsSkip(err))
}

func TestOnEntryTick_RejectedOrderCreatesNothing(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.regime("22", goodRank())
	h.market.On("PortfolioValue", mock.Anything).Return(dec("10000"), nil)
	h.market.On("ChainSnapshot", mock.Anything, "SPY", 6, 8).Return(testChain(), nil)
	h.exec.On("PlaceStructure", mock.Anything, mock.Anything, 10, models.DirectionOpen).Return(rejected, nil).Once()
	h.exec.On("PlaceStructure", mock.Anything, mock.Anything, 10, models.DirectionOpen).
		Return(models.OrderIntentResult{}, errors.New("broker down")).Once()

	_, err := h.engine.OnEntryTick(context.Background())
	assert.ErrorIs(t, err, ErrOrderRejected)
	_, err = h.engine.OnEntryTick(context.Background())
	assert.ErrorIs(t, err, ErrOrderRejected)
	assert.Empty(t, h.engine.ListOpenPositions())
	assert.True(t, h.engine.RiskInUse().IsZero())
}

func TestOnEntryTick_MarketDataFailure(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.market.On("VolatilityReading", mock.Anything).Return(decimal.Zero, errors.New("timeout"))

	_, err := h.engine.OnEntryTick(context.Background())
	assert.ErrorIs(t, err, ErrMarketData)
	assert.True(t, IsSkip(err))
}

func TestOnEntryTick_StoreFailureIsNotASkip(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.regime("22", goodRank())
	h.market.On("PortfolioValue", mock.Anything).Return(dec("10000"), nil)
	h.market.On("ChainSnapshot", mock.Anything, "SPY", 6, 8).Return(testChain(), nil)
	h.exec.On("PlaceStructure", mock.Anything, mock.Anything, 10, models.DirectionOpen).Return(accepted, nil)
	h.store.SetAddError(errors.New("disk full"))

	_, err := h.engine.OnEntryTick(context.Background())
	require.Error(t, err)
	assert.False(t, IsSkip(err))
}

// openViaEngine enters n positions through the engine with the given room.
func openViaEngine(t *testing.T, h *harness, n int) []*models.Position {
	t.Helper()
	h.regime("22", goodRank())
	h.market.On("PortfolioValue", mock.Anything).Return(dec("10000"), nil)
	h.market.On("ChainSnapshot", mock.Anything, "SPY", 6, 8).Return(testChain(), nil)
	h.exec.On("PlaceStructure", mock.Anything, mock.Anything, mock.Anything, models.DirectionOpen).Return(accepted, nil)

	var out []*models.Position
	for i := 0; i < n; i++ {
		pos, err := h.engine.OnEntryTick(context.Background())
		require.NoError(t, err)
		out = append(out, pos)
	}
	return out
}

func TestRiskInUse_SumAndRelease(t *testing.T) {
	p := DefaultParams()
	p.MaxContracts = 2
	h := newHarness(t, p)
	positions := openViaEngine(t, h, 3)

	total := decimal.Zero
	for _, pos := range positions {
		total = total.Add(pos.RiskReserved)
	}
	assert.True(t, total.Equal(dec("2040")))
	assert.True(t, h.engine.RiskInUse().Equal(total))

	// Close only the middle one: the chain marks the legs to a 0.79 unwind.
	h.now = time.Date(2024, 3, 5, 15, 50, 0, 0, time.UTC)
	h.market.On("ChainSnapshot", mock.Anything, "SPY", 0, 8).
		Return(markChain("0.60", "0.59", "-0.10", "0.10"), nil)
	h.exec.On("PlaceStructure", mock.Anything, mock.Anything, 2, models.DirectionClose).
		Return(accepted, nil).Once()
	h.exec.On("PlaceStructure", mock.Anything, mock.Anything, 2, models.DirectionClose).
		Return(rejected, nil)

	decisions, err := h.engine.OnManagementTick(context.Background())
	require.NoError(t, err)
	require.Len(t, decisions, 3)
	assert.True(t, decisions[0].Closed)
	assert.False(t, decisions[1].Closed)
	assert.ErrorIs(t, decisions[1].Err, ErrOrderRejected)
	assert.False(t, decisions[2].Closed)

	assert.True(t, h.engine.RiskInUse().Equal(total.Sub(positions[0].RiskReserved)))
	open := h.engine.ListOpenPositions()
	require.Len(t, open, 2)
	assert.Equal(t, positions[1].ID, open[0].ID)
	assert.Equal(t, positions[2].ID, open[1].ID)
}

func TestOnManagementTick_ProfitTargetExample(t *testing.T) {
	h := newHarness(t, DefaultParams())
	openViaEngine(t, h, 1)
	h.now = time.Date(2024, 3, 5, 15, 50, 0, 0, time.UTC)

	// 0.81 stays open
	h.market.On("ChainSnapshot", mock.Anything, "SPY", 0, 8).
		Return(markChain("0.60", "0.61", "-0.10", "0.10"), nil).Once()
	decisions, err := h.engine.OnManagementTick(context.Background())
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, models.CloseReasonNone, decisions[0].Reason)
	assert.True(t, decisions[0].Unwind.Equal(dec("0.81")))
	assert.Len(t, h.engine.ListOpenPositions(), 1)

	// 0.79 closes
	h.market.On("ChainSnapshot", mock.Anything, "SPY", 0, 8).
		Return(markChain("0.60", "0.59", "-0.10", "0.10"), nil).Once()
	h.exec.On("PlaceStructure", mock.Anything, mock.Anything, 10, models.DirectionClose).
		Return(models.OrderIntentResult{Status: models.IntentAccepted, OrderID: "close-1"}, nil)
	decisions, err = h.engine.OnManagementTick(context.Background())
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Closed)
	assert.Equal(t, models.CloseReasonProfitTarget, decisions[0].Reason)
	assert.Equal(t, "close-1", decisions[0].OrderID)
	assert.Empty(t, h.engine.ListOpenPositions())

	history := h.store.GetHistory()
	require.Len(t, history, 1)
	assert.Equal(t, models.CloseReasonProfitTarget, history[0].ExitReason)
	assert.True(t, history[0].ExitCost.Equal(dec("0.79")))
	assert.Equal(t, h.now, history[0].ExitDate)
}

func TestOnManagementTick_ProfitTargetBeatsTimeExit(t *testing.T) {
	h := newHarness(t, DefaultParams())
	openViaEngine(t, h, 1)
	// Thursday before a Friday expiry
	h.now = time.Date(2024, 3, 7, 15, 50, 0, 0, time.UTC)

	h.market.On("ChainSnapshot", mock.Anything, "SPY", 0, 8).
		Return(markChain("0.30", "0.30", "-0.05", "0.05"), nil)
	h.exec.On("PlaceStructure", mock.Anything, mock.Anything, 10, models.DirectionClose).Return(accepted, nil)

	decisions, err := h.engine.OnManagementTick(context.Background())
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, models.CloseReasonProfitTarget, decisions[0].Reason)
}

func TestOnManagementTick_QuoteUnavailableSkipsOnlyThatPosition(t *testing.T) {
	h := newHarness(t, DefaultParams())
	first := openViaEngine(t, h, 1)[0]

	// A second position on a later expiry, entered directly into the store.
	later := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)
	spec := models.CondorSpec{
		ShortPut:  models.LegRef{Strike: dec("440"), Right: models.RightPut, Expiry: later},
		WingPut:   models.LegRef{Strike: dec("435"), Right: models.RightPut, Expiry: later},
		ShortCall: models.LegRef{Strike: dec("460"), Right: models.RightCall, Expiry: later},
		WingCall:  models.LegRef{Strike: dec("465"), Right: models.RightCall, Expiry: later},
	}
	second := models.NewPosition("manual", "SPY", spec, 1, dec("1.60"), dec("340"), entryNow)
	require.NoError(t, h.store.AddPosition(second))

	h.now = time.Date(2024, 3, 5, 15, 50, 0, 0, time.UTC)
	// Only the first position's legs are quoted.
	h.market.On("ChainSnapshot", mock.Anything, "SPY", 0, 8).
		Return(markChain("0.60", "0.59", "-0.10", "0.10"), nil).Once()
	h.exec.On("PlaceStructure", mock.Anything, mock.Anything, 10, models.DirectionClose).Return(accepted, nil)

	decisions, err := h.engine.OnManagementTick(context.Background())
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, first.ID, decisions[0].PositionID)
	assert.True(t, decisions[0].Closed)
	assert.Equal(t, "manual", decisions[1].PositionID)
	assert.ErrorIs(t, decisions[1].Err, ErrQuoteUnavailable)
	assert.False(t, decisions[1].Closed)

	open := h.engine.ListOpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, "manual", open[0].ID)
	assert.Equal(t, models.StateOpen, open[0].State)
}

func TestOnManagementTick_NoDuplicateIDsAfterClosure(t *testing.T) {
	p := DefaultParams()
	p.MaxContracts = 1
	h := newHarness(t, p)
	openViaEngine(t, h, 2)
	h.now = time.Date(2024, 3, 5, 15, 50, 0, 0, time.UTC)

	h.market.On("ChainSnapshot", mock.Anything, "SPY", 0, 8).
		Return(markChain("0.60", "0.59", "-0.10", "0.10"), nil)
	h.exec.On("PlaceStructure", mock.Anything, mock.Anything, 1, models.DirectionClose).Return(accepted, nil)

	decisions, err := h.engine.OnManagementTick(context.Background())
	require.NoError(t, err)
	require.Len(t, decisions, 2)

	// A second cycle sees nothing left to evaluate.
	decisions, err = h.engine.OnManagementTick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, decisions)

	seen := map[string]int{}
	for _, pos := range h.store.GetHistory() {
		seen[pos.ID]++
	}
	for _, pos := range h.engine.ListOpenPositions() {
		seen[pos.ID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "id %s reported %d times", id, n)
	}
	assert.Len(t, seen, 2)
	h.exec.AssertNumberOfCalls(t, "PlaceStructure", 4)
}

func TestOnManagementTick_SnapshotFailure(t *testing.T) {
	h := newHarness(t, DefaultParams())
	openViaEngine(t, h, 1)
	h.market.On("ChainSnapshot", mock.Anything, "SPY", 0, 8).Return(nil, errors.New("502")).Once()

	decisions, err := h.engine.OnManagementTick(context.Background())
	assert.ErrorIs(t, err, ErrMarketData)
	assert.Nil(t, decisions)
	assert.Len(t, h.engine.ListOpenPositions(), 1)
}

func TestOnManagementTick_StoreFailureLeavesPositionOpen(t *testing.T) {
	h := newHarness(t, DefaultParams())
	openViaEngine(t, h, 1)
	h.now = time.Date(2024, 3, 5, 15, 50, 0, 0, time.UTC)
	h.market.On("ChainSnapshot", mock.Anything, "SPY", 0, 8).
		Return(markChain("0.60", "0.59", "-0.10", "0.10"), nil)
	h.exec.On("PlaceStructure", mock.Anything, mock.Anything, 10, models.DirectionClose).Return(accepted, nil)
	h.store.SetCloseError(errors.New("disk full"))

	decisions, err := h.engine.OnManagementTick(context.Background())
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].Closed)
	assert.Error(t, decisions[0].Err)
	assert.Len(t, h.engine.ListOpenPositions(), 1)
}

func TestOnManagementTick_NoPositions(t *testing.T) {
	h := newHarness(t, DefaultParams())
	decisions, err := h.engine.OnManagementTick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, decisions)
	h.market.AssertNotCalled(t, "ChainSnapshot", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEngines_WithDifferentParamsCoexist(t *testing.T) {
	tight := DefaultParams()
	tight.VIXMin = dec("30")
	a := newHarness(t, tight)
	b := newHarness(t, DefaultParams())
	a.regime("22", goodRank())
	b.regime("22", goodRank())
	b.market.On("PortfolioValue", mock.Anything).Return(dec("600"), nil)

	_, errA := a.engine.OnEntryTick(context.Background())
	_, errB := b.engine.OnEntryTick(context.Background())
	assert.ErrorIs(t, errA, ErrGateClosed)
	assert.ErrorIs(t, errB, ErrCapExceeded)
}
