// Package condor implements the iron condor decision and lifecycle engine:
// the entry gate, leg selection, pricing and sizing, the risk ledger and the
// per-position exit rules.
package condor

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Params is the immutable configuration of one engine instance.
type Params struct {
	Underlying string

	RiskCapFraction      decimal.Decimal
	ShortDelta           decimal.Decimal
	WingWidth            decimal.Decimal
	VIXMin               decimal.Decimal
	IVRMin               decimal.Decimal
	CreditTargetFraction decimal.Decimal
	ProfitTargetPct      decimal.Decimal
	LossStopMult         decimal.Decimal
	DeltaRollTrigger     decimal.Decimal

	// MinUnitRisk is the coarse admission threshold of the risk ledger.
	// Zero means WingWidth x Multiplier.
	MinUnitRisk decimal.Decimal
	// Tick is the price floor substituted for non-positive quotes.
	Tick decimal.Decimal

	DTEMin          int
	DTEMax          int
	TimeExitDays    int
	Multiplier      int
	MaxContracts    int // 0 = uncapped
	IVRLookbackDays int
}

// DefaultParams returns the weekly SPY condor defaults.
func DefaultParams() Params {
	return Params{
		Underlying:           "SPY",
		RiskCapFraction:      decimal.RequireFromString("0.35"),
		ShortDelta:           decimal.RequireFromString("0.20"),
		WingWidth:            decimal.NewFromInt(5),
		VIXMin:               decimal.NewFromInt(18),
		IVRMin:               decimal.RequireFromString("0.40"),
		CreditTargetFraction: decimal.RequireFromString("0.30"),
		ProfitTargetPct:      decimal.RequireFromString("0.50"),
		LossStopMult:         decimal.RequireFromString("1.50"),
		DeltaRollTrigger:     decimal.RequireFromString("0.30"),
		Tick:                 decimal.RequireFromString("0.01"),
		DTEMin:               6,
		DTEMax:               8,
		TimeExitDays:         2,
		Multiplier:           100,
		IVRLookbackDays:      365,
	}
}

// EffectiveMinUnitRisk returns MinUnitRisk or its default.
func (p Params) EffectiveMinUnitRisk() decimal.Decimal {
	if p.MinUnitRisk.IsPositive() {
		return p.MinUnitRisk
	}
	return p.WingWidth.Mul(p.multiplier())
}

func (p Params) multiplier() decimal.Decimal {
	return decimal.NewFromInt(int64(p.Multiplier))
}

func (p Params) tick() decimal.Decimal {
	if p.Tick.IsPositive() {
		return p.Tick
	}
	return decimal.RequireFromString("0.01")
}

// Validate rejects configurations the engine cannot run with.
func (p Params) Validate() error {
	one := decimal.NewFromInt(1)
	switch {
	case p.Underlying == "":
		return fmt.Errorf("underlying is required")
	case !p.RiskCapFraction.IsPositive() || p.RiskCapFraction.GreaterThan(one):
		return fmt.Errorf("risk_cap_fraction must be in (0, 1], got %s", p.RiskCapFraction)
	case !p.ShortDelta.IsPositive() || !p.ShortDelta.LessThan(one):
		return fmt.Errorf("short_delta must be in (0, 1), got %s", p.ShortDelta)
	case !p.WingWidth.IsPositive():
		return fmt.Errorf("wing_width must be positive, got %s", p.WingWidth)
	case p.VIXMin.IsNegative():
		return fmt.Errorf("vix_min must be non-negative, got %s", p.VIXMin)
	case p.IVRMin.IsNegative() || p.IVRMin.GreaterThan(one):
		return fmt.Errorf("ivr_min must be in [0, 1], got %s", p.IVRMin)
	case p.CreditTargetFraction.IsNegative() || !p.CreditTargetFraction.LessThan(one):
		return fmt.Errorf("credit_target_fraction must be in [0, 1), got %s", p.CreditTargetFraction)
	case !p.ProfitTargetPct.IsPositive() || !p.ProfitTargetPct.LessThan(one):
		return fmt.Errorf("profit_target_pct must be in (0, 1), got %s", p.ProfitTargetPct)
	case !p.LossStopMult.GreaterThan(one):
		return fmt.Errorf("loss_stop_mult must be > 1, got %s", p.LossStopMult)
	case !p.DeltaRollTrigger.GreaterThan(p.ShortDelta) || !p.DeltaRollTrigger.LessThan(one):
		return fmt.Errorf("delta_roll_trigger must be in (short_delta, 1), got %s", p.DeltaRollTrigger)
	case p.MinUnitRisk.IsNegative():
		return fmt.Errorf("min_unit_risk must be non-negative, got %s", p.MinUnitRisk)
	case p.Tick.IsNegative():
		return fmt.Errorf("tick must be non-negative, got %s", p.Tick)
	case p.DTEMin < 0 || p.DTEMax < p.DTEMin:
		return fmt.Errorf("dte window [%d, %d] is invalid", p.DTEMin, p.DTEMax)
	case p.TimeExitDays < 0:
		return fmt.Errorf("time_exit_days must be non-negative, got %d", p.TimeExitDays)
	case p.TimeExitDays >= p.DTEMin:
		return fmt.Errorf("time_exit_days (%d) must be below dte_min (%d)", p.TimeExitDays, p.DTEMin)
	case p.Multiplier <= 0:
		return fmt.Errorf("multiplier must be positive, got %d", p.Multiplier)
	case p.MaxContracts < 0:
		return fmt.Errorf("max_contracts must be non-negative, got %d", p.MaxContracts)
	case p.IVRLookbackDays <= 0:
		return fmt.Errorf("ivr_lookback_days must be positive, got %d", p.IVRLookbackDays)
	}
	return nil
}
