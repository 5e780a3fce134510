package lending

import (
	"fmt"

	"lendguard/crypto"
)

const (
	secondsPerDay = 86_400
	// minAutodeleverageBonusBps is the bonus paid on the first day of
	// deleveraging.
	minAutodeleverageBonusBps = 50
)

// Deleveraging is a successful deleveraging eligibility check.
type Deleveraging struct {
	Eligibility Eligibility
	Bonus       Fraction
}

// CheckDeleveraging decides whether an obligation that is not unhealthy may
// still be liquidated. A marked obligation qualifies once its margin call has
// expired and its LTV is above the council's target. Any obligation
// qualifies once one of the two reserves has stayed above its deposit or
// borrow limit past the reserve's margin call period and the LTV is above a
// threshold that decays daily from 100%. The bonus starts at 0.5% and grows
// daily up to the reserve's maximum.
func CheckDeleveraging(market *LendingMarket, obligation *Obligation, report HealthReport, collateral, debt *Reserve, now uint64) (Deleveraging, bool, error) {
	if !market.AutodeleverageEnabled || !report.HasCollateral() || !report.HasDebt() {
		return Deleveraging{}, false, nil
	}
	if d, ok, err := checkIndividualDeleveraging(market, obligation, report, collateral, debt, now); err != nil || ok {
		return d, ok, err
	}
	for _, candidate := range []struct {
		reserve   *Reserve
		crossedAt uint64
		crossed   func() (bool, error)
	}{
		{collateral, collateral.Liquidity.DepositLimitCrossedTimestamp, collateral.depositLimitCrossed},
		{debt, debt.Liquidity.BorrowLimitCrossedTimestamp, func() (bool, error) { return debt.borrowLimitCrossed(), nil }},
	} {
		if !candidate.reserve.Config.AutodeleverageEnabled || candidate.crossedAt == 0 {
			continue
		}
		crossed, err := candidate.crossed()
		if err != nil {
			return Deleveraging{}, false, err
		}
		if !crossed {
			continue
		}
		d, ok, err := checkMarketDeleveraging(candidate.reserve, report, candidate.crossedAt, now)
		if err != nil || ok {
			return d, ok, err
		}
	}
	return Deleveraging{}, false, nil
}

func checkIndividualDeleveraging(market *LendingMarket, obligation *Obligation, report HealthReport, collateral, debt *Reserve, now uint64) (Deleveraging, bool, error) {
	if !obligation.MarkedForDeleveraging() || market.IndividualAutodeleverageMarginCallPeriodSecs == 0 {
		return Deleveraging{}, false, nil
	}
	target := FractionFromPercent(obligation.AutodeleverageTargetLTVPct)
	if report.UserLTV.Lte(target) {
		return Deleveraging{}, false, nil
	}
	days, ok, err := daysSinceDeleveragingStarted(obligation.AutodeleverageMarginCallStartedAt, market.IndividualAutodeleverageMarginCallPeriodSecs, now)
	if err != nil || !ok {
		return Deleveraging{}, false, err
	}
	selected := debt.Config
	if collateral.Config.MaxLiquidationBonusBps > debt.Config.MaxLiquidationBonusBps ||
		(collateral.Config.MaxLiquidationBonusBps == debt.Config.MaxLiquidationBonusBps &&
			collateral.Config.DeleveragingBonusIncreaseBpsPerDay > debt.Config.DeleveragingBonusIncreaseBpsPerDay) {
		selected = collateral.Config
	}
	groupCap := ElevationGroupBonusCap(market, obligation, collateral.Config, debt.Config)
	bonus, err := deleveragingBonus(selected.DeleveragingBonusIncreaseBpsPerDay, min(selected.MaxLiquidationBonusBps, groupCap), days, report.NoBFLTV)
	if err != nil {
		return Deleveraging{}, false, err
	}
	return Deleveraging{
		Eligibility: Eligibility{State: StateLiquidatable, Reason: ReasonIndividualDeleverage, UserLTV: report.UserLTV, Threshold: target},
		Bonus:       bonus,
	}, true, nil
}

func checkMarketDeleveraging(reserve *Reserve, report HealthReport, crossedAt, now uint64) (Deleveraging, bool, error) {
	days, ok, err := daysSinceDeleveragingStarted(crossedAt, reserve.Config.DeleveragingMarginCallPeriodSecs, now)
	if err != nil || !ok {
		return Deleveraging{}, false, err
	}
	decrease, err := FractionFromBps(reserve.Config.DeleveragingThresholdDecreaseBpsPerDay).Mul(days)
	if err != nil {
		return Deleveraging{}, false, err
	}
	threshold := FractionOne.SaturatingSub(decrease)
	if report.UserLTV.Lt(threshold) {
		return Deleveraging{}, false, nil
	}
	bonus, err := deleveragingBonus(reserve.Config.DeleveragingBonusIncreaseBpsPerDay, reserve.Config.MaxLiquidationBonusBps, days, report.NoBFLTV)
	if err != nil {
		return Deleveraging{}, false, err
	}
	return Deleveraging{
		Eligibility: Eligibility{State: StateLiquidatable, Reason: ReasonMarketDeleverage, UserLTV: report.UserLTV, Threshold: threshold},
		Bonus:       bonus,
	}, true, nil
}

// daysSinceDeleveragingStarted returns the fractional days elapsed since the
// margin call that started at startedAt expired, or false while it runs.
func daysSinceDeleveragingStarted(startedAt, marginCallSecs, now uint64) (Fraction, bool, error) {
	var elapsed uint64
	if now > startedAt {
		elapsed = now - startedAt
	}
	if elapsed < marginCallSecs {
		return Fraction{}, false, nil
	}
	days, err := FractionFromInt(elapsed - marginCallSecs).DivInt(secondsPerDay)
	if err != nil {
		return Fraction{}, false, err
	}
	return days, true, nil
}

func deleveragingBonus(increaseBpsPerDay, maxBonusBps uint64, days, noBFLTV Fraction) (Fraction, error) {
	growth, err := FractionFromBps(increaseBpsPerDay).Mul(days)
	if err != nil {
		return Fraction{}, err
	}
	bonus, err := FractionFromBps(minAutodeleverageBonusBps).Add(growth)
	if err != nil {
		return Fraction{}, err
	}
	ceiling := FractionFromBps(maxBonusBps).Min(FractionOne.SaturatingSub(noBFLTV))
	return bonus.Min(ceiling), nil
}

// MarkObligationForDeleveraging starts a margin call on the obligation. Only
// the market's risk council may mark, and the market must configure an
// individual margin call period. targetLTVPct is the LTV deleveraging brings
// the obligation back to.
func (op *Operation) MarkObligationForDeleveraging(caller, obligationAddr crypto.Address, targetLTVPct uint64) error {
	if err := op.check(); err != nil {
		return err
	}
	obligation, market, err := op.councilObligation(caller, obligationAddr)
	if err != nil {
		return err
	}
	if targetLTVPct > 100 {
		return fmt.Errorf("%w: target ltv %d%% above 100%%", ErrInvalidAmount, targetLTVPct)
	}
	if obligation.MarkedForDeleveraging() {
		return fmtInvalidAccount("obligation %s already marked for deleveraging since %d", obligationAddr, obligation.AutodeleverageMarginCallStartedAt)
	}
	if market.IndividualAutodeleverageMarginCallPeriodSecs == 0 {
		return fmtInvalidAccount("market %s has no individual margin call period", market.Address)
	}
	obligation.AutodeleverageTargetLTVPct = targetLTVPct
	obligation.AutodeleverageMarginCallStartedAt = max(op.engine.now, 1)
	op.putObligation(obligation)
	op.engine.logger.Info("obligation marked for deleveraging",
		"operation", op.id.String(),
		"obligation", obligationAddr.String(),
		"target_ltv_pct", targetLTVPct)
	return nil
}

// UnmarkObligationForDeleveraging ends a margin call. Unmarking an obligation
// that is not marked is a no-op.
func (op *Operation) UnmarkObligationForDeleveraging(caller, obligationAddr crypto.Address) error {
	if err := op.check(); err != nil {
		return err
	}
	obligation, _, err := op.councilObligation(caller, obligationAddr)
	if err != nil {
		return err
	}
	if !obligation.MarkedForDeleveraging() {
		return nil
	}
	obligation.AutodeleverageTargetLTVPct = 0
	obligation.AutodeleverageMarginCallStartedAt = 0
	op.putObligation(obligation)
	return nil
}

func (op *Operation) councilObligation(caller, obligationAddr crypto.Address) (*Obligation, *LendingMarket, error) {
	obligation, err := op.obligation(obligationAddr)
	if err != nil {
		return nil, nil, err
	}
	market, err := op.market(obligation.LendingMarket)
	if err != nil {
		return nil, nil, err
	}
	if market.RiskCouncil.IsZero() || caller != market.RiskCouncil {
		return nil, nil, fmt.Errorf("%w: %s is not the risk council of market %s", ErrNotAuthorized, caller, market.Address)
	}
	return obligation.Clone(), market, nil
}
