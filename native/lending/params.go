package lending

import "fmt"

const moduleName = "lending"

// Action identifiers passed to the pause guard.
const (
	ActionDeposit   = moduleName + ".deposit"
	ActionWithdraw  = moduleName + ".withdraw"
	ActionBorrow    = moduleName + ".borrow"
	ActionRepay     = moduleName + ".repay"
	ActionLiquidate = moduleName + ".liquidate"
	ActionFlashLoan = moduleName + ".flash_loan"
)

// ActionPauses exposes fine-grained switches for pausing individual lending flows.
type ActionPauses struct {
	All       bool `toml:"All"`
	Deposit   bool `toml:"Deposit"`
	Withdraw  bool `toml:"Withdraw"`
	Borrow    bool `toml:"Borrow"`
	Repay     bool `toml:"Repay"`
	Liquidate bool `toml:"Liquidate"`
	FlashLoan bool `toml:"FlashLoan"`
}

// IsPaused implements common.PauseView.
func (p ActionPauses) IsPaused(module string) bool {
	switch module {
	case moduleName:
		return p.All
	case ActionDeposit:
		return p.Deposit
	case ActionWithdraw:
		return p.Withdraw
	case ActionBorrow:
		return p.Borrow
	case ActionRepay:
		return p.Repay
	case ActionLiquidate:
		return p.Liquidate
	case ActionFlashLoan:
		return p.FlashLoan
	default:
		return false
	}
}

// OracleConfig captures the price age and confidence tolerances applied when
// validating market data. Zero bounds disable the heuristic band.
type OracleConfig struct {
	MaxAgeSeconds    uint64   `toml:"MaxAgeSeconds"`
	MaxConfidenceBps uint64   `toml:"MaxConfidenceBps"`
	PriceLowerBound  Fraction `toml:"PriceLowerBound"`
	PriceUpperBound  Fraction `toml:"PriceUpperBound"`
}

// Validate checks the internal consistency of a reserve configuration.
func (c ReserveConfig) Validate() error {
	switch {
	case c.Status > ReserveHidden:
		return fmt.Errorf("reserve: unknown status %d", c.Status)
	case c.LoanToValuePct > 100:
		return fmt.Errorf("reserve: loan to value %d%% above 100%%", c.LoanToValuePct)
	case c.LiquidationThresholdPct > 100:
		return fmt.Errorf("reserve: liquidation threshold %d%% above 100%%", c.LiquidationThresholdPct)
	case c.LoanToValuePct > c.LiquidationThresholdPct:
		return fmt.Errorf("reserve: loan to value %d%% above liquidation threshold %d%%", c.LoanToValuePct, c.LiquidationThresholdPct)
	case c.MinLiquidationBonusBps > c.MaxLiquidationBonusBps:
		return fmt.Errorf("reserve: min liquidation bonus above max")
	case c.MaxLiquidationBonusBps > 10_000 || c.BadDebtLiquidationBonusBps > 10_000:
		return fmt.Errorf("reserve: liquidation bonus above 100%%")
	case c.BorrowFactorPct < 100:
		return fmt.Errorf("reserve: borrow factor %d%% below 100%%", c.BorrowFactorPct)
	case c.ProtocolLiquidationFeePct > 100 || c.ProtocolTakeRatePct > 100:
		return fmt.Errorf("reserve: protocol fee above 100%%")
	case c.FlashLoanFeeBps > 10_000:
		return fmt.Errorf("reserve: flash loan fee above 100%%")
	case c.Oracle.MaxConfidenceBps > 10_000:
		return fmt.Errorf("reserve: oracle confidence bound above 100%%")
	case !c.Oracle.PriceUpperBound.IsZero() && c.Oracle.PriceLowerBound.Gt(c.Oracle.PriceUpperBound):
		return fmt.Errorf("reserve: oracle lower bound above upper bound")
	case c.AutodeleverageEnabled && (c.DeleveragingMarginCallPeriodSecs == 0 ||
		c.DeleveragingThresholdDecreaseBpsPerDay == 0 || c.DeleveragingBonusIncreaseBpsPerDay == 0):
		return fmt.Errorf("reserve: autodeleverage needs a margin call period, threshold decrease and bonus increase")
	}
	for _, id := range c.ElevationGroups {
		if id == ElevationGroupNone {
			return fmt.Errorf("reserve: elevation group %d is reserved", ElevationGroupNone)
		}
	}
	return c.Interest.Validate()
}

// Validate checks the market-wide liquidation policy.
func (m *LendingMarket) Validate() error {
	switch {
	case m == nil:
		return fmt.Errorf("market: nil")
	case m.LiquidationMaxDebtCloseFactorPct == 0 || m.LiquidationMaxDebtCloseFactorPct > 100:
		return fmt.Errorf("market: close factor must be within (0, 100]")
	case m.InsolvencyRiskUnhealthyLTVPct > 100:
		return fmt.Errorf("market: insolvency risk ltv above 100%%")
	}
	seen := make(map[uint8]struct{}, len(m.ElevationGroups))
	for _, g := range m.ElevationGroups {
		switch {
		case g.ID == ElevationGroupNone:
			return fmt.Errorf("market: elevation group %d is reserved", ElevationGroupNone)
		case g.LiquidationThresholdPct > 100:
			return fmt.Errorf("market: elevation group %d liquidation threshold above 100%%", g.ID)
		case g.LoanToValuePct > g.LiquidationThresholdPct:
			return fmt.Errorf("market: elevation group %d loan to value above liquidation threshold", g.ID)
		case g.MaxLiquidationBonusBps > 10_000:
			return fmt.Errorf("market: elevation group %d liquidation bonus above 100%%", g.ID)
		}
		if _, dup := seen[g.ID]; dup {
			return fmt.Errorf("market: duplicate elevation group %d", g.ID)
		}
		seen[g.ID] = struct{}{}
	}
	return nil
}
