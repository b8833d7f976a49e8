package condor

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/scranton_condor/internal/models"
)

// Ledger derives risk room from the portfolio value and the open positions.
// It holds no state; every call recomputes from its inputs.
type Ledger struct {
	CapFraction decimal.Decimal
}

// RiskInUse sums the reserved risk of open positions.
func RiskInUse(open []models.Position) decimal.Decimal {
	total := decimal.Zero
	for i := range open {
		if open[i].IsOpen() {
			total = total.Add(open[i].RiskReserved)
		}
	}
	return total
}

// Budget returns portfolioValue x CapFraction.
func (l Ledger) Budget(portfolioValue decimal.Decimal) decimal.Decimal {
	return portfolioValue.Mul(l.CapFraction)
}

// Admit returns the remaining room, or ErrCapExceeded when the room is below
// minUnitRisk.
func (l Ledger) Admit(portfolioValue decimal.Decimal, open []models.Position, minUnitRisk decimal.Decimal) (decimal.Decimal, error) {
	budget := l.Budget(portfolioValue)
	inUse := RiskInUse(open)
	room := budget.Sub(inUse)
	if room.LessThan(minUnitRisk) {
		return room, fmt.Errorf("%w: room %s < min unit risk %s (budget %s, in use %s)",
			ErrCapExceeded, room.StringFixed(2), minUnitRisk.StringFixed(2),
			budget.StringFixed(2), inUse.StringFixed(2))
	}
	return room, nil
}
