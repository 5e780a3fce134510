package lending

import (
	"fmt"
	"math"

	"lendguard/crypto"
)

// ReserveLookup resolves a reserve referenced by an obligation.
type ReserveLookup func(addr crypto.Address) (*Reserve, error)

// HealthReport summarises the solvency of an obligation.
type HealthReport struct {
	DepositedValue                Fraction
	BorrowedValue                 Fraction
	BorrowFactorAdjustedDebtValue Fraction
	AllowedBorrowValue            Fraction
	UnhealthyBorrowValue          Fraction

	// UserLTV is the borrow-factor adjusted debt over collateral value.
	UserLTV Fraction
	// NoBFLTV is the unadjusted debt over collateral value.
	NoBFLTV Fraction
	// UnhealthyLTV is the collateral weighted liquidation threshold.
	UnhealthyLTV Fraction

	LowestDepositLiquidationLTVPct uint64
	HighestBorrowFactorPct         uint64
	ObsoleteReserves               uint64
}

// HasCollateral reports whether the ratios are defined.
func (h HealthReport) HasCollateral() bool {
	return !h.DepositedValue.IsZero()
}

// HasDebt reports whether the obligation owes anything.
func (h HealthReport) HasDebt() bool {
	return !h.BorrowedValue.IsZero()
}

// ComputeHealth values every entry of obligation against validated oracle
// prices at time now. group is the obligation's elevation group, nil for
// none; inside a group every entry must belong to it. It returns an updated
// copy of the obligation holding the new snapshot; the input is never
// modified.
func ComputeHealth(obligation *Obligation, group *ElevationGroup, lookup ReserveLookup, oracle OracleGateway, now uint64) (*Obligation, HealthReport, error) {
	if obligation == nil {
		return nil, HealthReport{}, fmtInvalidAccount("nil obligation")
	}
	if oracle == nil {
		return nil, HealthReport{}, fmt.Errorf("%w: oracle not configured", ErrStalePrice)
	}
	out := obligation.Clone()

	var (
		deposited, allowed, unhealthy Fraction
		borrowed, adjusted            Fraction
		lowestLTV                     uint64 = math.MaxUint64
		highestBF, obsolete           uint64
	)

	for i := range out.Deposits {
		deposit := &out.Deposits[i]
		reserve, price, err := pricedReserve(deposit.DepositReserve, out, group, lookup, oracle, now)
		if err != nil {
			return nil, HealthReport{}, err
		}
		if reserve.Config.Status == ReserveObsolete {
			obsolete++
		}
		ltv, threshold, _ := reserve.Config.riskParams(group)
		value, err := tokenValue(FractionFromInt(deposit.DepositedAmount), price, reserve.Liquidity.MintDecimals)
		if err != nil {
			return nil, HealthReport{}, err
		}
		deposit.MarketValue = value
		if deposited, err = deposited.Add(value); err != nil {
			return nil, HealthReport{}, err
		}
		if allowed, err = addWeighted(allowed, value, ltv); err != nil {
			return nil, HealthReport{}, err
		}
		if unhealthy, err = addWeighted(unhealthy, value, threshold); err != nil {
			return nil, HealthReport{}, err
		}
		if deposit.DepositedAmount > 0 && threshold < lowestLTV {
			lowestLTV = threshold
		}
	}

	for i := range out.Borrows {
		borrow := &out.Borrows[i]
		reserve, price, err := pricedReserve(borrow.BorrowReserve, out, group, lookup, oracle, now)
		if err != nil {
			return nil, HealthReport{}, err
		}
		if reserve.Config.Status == ReserveObsolete {
			obsolete++
		}
		_, _, borrowFactor := reserve.Config.riskParams(group)
		if err := accrueObligationBorrow(borrow, reserve.Liquidity.CumulativeBorrowRate); err != nil {
			return nil, HealthReport{}, err
		}
		value, err := tokenValue(borrow.BorrowedAmount, price, reserve.Liquidity.MintDecimals)
		if err != nil {
			return nil, HealthReport{}, err
		}
		weighted, err := value.Mul(borrowFactor)
		if err != nil {
			return nil, HealthReport{}, err
		}
		borrow.MarketValue = value
		borrow.BorrowFactorAdjustedMarketValue = weighted
		if borrowed, err = borrowed.Add(value); err != nil {
			return nil, HealthReport{}, err
		}
		if adjusted, err = adjusted.Add(weighted); err != nil {
			return nil, HealthReport{}, err
		}
		if bf := reserve.Config.borrowFactorPct(group); bf > highestBF {
			highestBF = bf
		}
	}

	if lowestLTV == math.MaxUint64 {
		lowestLTV = 0
	}
	out.DepositedValue = deposited
	out.BorrowedAssetsMarketValue = borrowed
	out.BorrowFactorAdjustedDebtValue = adjusted
	out.AllowedBorrowValue = allowed
	out.UnhealthyBorrowValue = unhealthy
	out.LowestReserveDepositLiquidationLTV = lowestLTV
	out.HighestBorrowFactorPct = highestBF
	out.ObsoleteReserves = obsolete

	report, err := out.Health()
	if err != nil {
		return nil, HealthReport{}, err
	}
	return out, report, nil
}

// Health derives the ratios from the obligation's stored snapshot. The
// snapshot is only meaningful when the obligation is fresh.
func (o *Obligation) Health() (HealthReport, error) {
	report := HealthReport{
		DepositedValue:                 o.DepositedValue,
		BorrowedValue:                  o.BorrowedAssetsMarketValue,
		BorrowFactorAdjustedDebtValue:  o.BorrowFactorAdjustedDebtValue,
		AllowedBorrowValue:             o.AllowedBorrowValue,
		UnhealthyBorrowValue:           o.UnhealthyBorrowValue,
		LowestDepositLiquidationLTVPct: o.LowestReserveDepositLiquidationLTV,
		HighestBorrowFactorPct:         o.HighestBorrowFactorPct,
		ObsoleteReserves:               o.ObsoleteReserves,
	}
	if o.DepositedValue.IsZero() {
		return report, nil
	}
	var err error
	if report.UserLTV, err = o.BorrowFactorAdjustedDebtValue.Div(o.DepositedValue); err != nil {
		return HealthReport{}, err
	}
	if report.NoBFLTV, err = o.BorrowedAssetsMarketValue.Div(o.DepositedValue); err != nil {
		return HealthReport{}, err
	}
	if report.UnhealthyLTV, err = o.UnhealthyBorrowValue.Div(o.DepositedValue); err != nil {
		return HealthReport{}, err
	}
	return report, nil
}

// pricedReserve resolves and prices one entry's reserve. Obsolete reserves
// are still valued so positions in them can be repaid and withdrawn.
func pricedReserve(addr crypto.Address, obligation *Obligation, group *ElevationGroup, lookup ReserveLookup, oracle OracleGateway, now uint64) (*Reserve, Fraction, error) {
	reserve, err := lookup(addr)
	if err != nil {
		return nil, Fraction{}, err
	}
	if reserve == nil {
		return nil, Fraction{}, fmtInvalidAccount("unknown reserve %s", addr.Encode(crypto.ReservePrefix))
	}
	if reserve.LendingMarket != obligation.LendingMarket {
		return nil, Fraction{}, fmtInvalidAccount("reserve %s belongs to another market", addr.Encode(crypto.ReservePrefix))
	}
	if group != nil && !reserve.Config.InElevationGroup(group.ID) {
		return nil, Fraction{}, fmtInvalidAccount("reserve %s is not in elevation group %d", addr.Encode(crypto.ReservePrefix), group.ID)
	}
	sample, err := oracle.Price(addr)
	if err != nil {
		return nil, Fraction{}, err
	}
	price, err := ValidatePrice(sample, reserve.Config.Oracle, now)
	if err != nil {
		return nil, Fraction{}, err
	}
	return reserve, price, nil
}

func addWeighted(acc, value Fraction, pct uint64) (Fraction, error) {
	weighted, err := value.Mul(FractionFromPercent(pct))
	if err != nil {
		return Fraction{}, err
	}
	return acc.Add(weighted)
}
