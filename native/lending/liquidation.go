package lending

import (
	"fmt"
	"math"
	"sort"

	"lendguard/crypto"
)

// MaxRemainingReserves bounds the extra reserve references a liquidation may
// carry.
const MaxRemainingReserves = 16

// badDebtLTV is the unadjusted LTV from which the bad-debt bonus applies.
var badDebtLTV = FractionFromPercent(99)

// noGroupBonusCap leaves the reserves' bonus range uncapped.
const noGroupBonusCap uint64 = math.MaxUint64

// LiquidationState is the outcome of the eligibility state machine.
type LiquidationState uint8

const (
	StateEvaluating LiquidationState = iota
	StateNotLiquidatable
	StateLiquidatable
)

func (s LiquidationState) String() string {
	switch s {
	case StateNotLiquidatable:
		return "not_liquidatable"
	case StateLiquidatable:
		return "liquidatable"
	default:
		return "evaluating"
	}
}

// LiquidationReason names the rule that made an obligation liquidatable.
type LiquidationReason uint8

const (
	// ReasonUnhealthy is the regular LTV against threshold rule.
	ReasonUnhealthy LiquidationReason = iota
	// ReasonIndividualDeleverage applies to obligations marked by the risk
	// council once their margin call has expired.
	ReasonIndividualDeleverage
	// ReasonMarketDeleverage applies when a reserve has stayed above its
	// deposit or borrow limit past the margin call period.
	ReasonMarketDeleverage
)

func (r LiquidationReason) String() string {
	switch r {
	case ReasonIndividualDeleverage:
		return "individual_deleverage"
	case ReasonMarketDeleverage:
		return "market_deleverage"
	default:
		return "unhealthy"
	}
}

// Eligibility records how the liquidation decision was reached.
type Eligibility struct {
	State      LiquidationState
	Reason     LiquidationReason
	UserLTV    Fraction
	Threshold  Fraction
	Overridden bool
}

// EvaluateEligibility compares the obligation's LTV against the effective
// threshold: the granted override when present, the unhealthy LTV otherwise.
func EvaluateEligibility(report HealthReport, overridePct uint64, overridden bool) (Eligibility, error) {
	el := Eligibility{State: StateEvaluating, UserLTV: report.UserLTV, Overridden: overridden}
	if !report.HasCollateral() {
		el.State = StateNotLiquidatable
		return el, fmt.Errorf("%w: obligation has no collateral value", ErrNotLiquidatable)
	}
	if !report.HasDebt() {
		el.State = StateNotLiquidatable
		return el, fmt.Errorf("%w: obligation has no debt", ErrNotLiquidatable)
	}
	if overridden {
		el.Threshold = FractionFromPercent(overridePct)
	} else {
		el.Threshold = report.UnhealthyLTV
	}
	if report.UserLTV.Lt(el.Threshold) {
		el.State = StateNotLiquidatable
		return el, fmt.Errorf("%w: ltv %s below threshold %s", ErrNotLiquidatable, report.UserLTV, el.Threshold)
	}
	el.State = StateLiquidatable
	return el, nil
}

// LiquidationParams are the amounts a successful liquidation moves.
type LiquidationParams struct {
	// RepayAmount is paid by the liquidator into the debt reserve.
	RepayAmount uint64
	// SettleAmount is removed from the obligation's debt. It exceeds the repay
	// amount only when a closeout forgives a remainder.
	SettleAmount Fraction
	// WithdrawAmount is the collateral seized for the liquidator.
	WithdrawAmount uint64
	Bonus          Fraction
	Closeout       bool
}

// LiquidationBonus returns the bonus applied on top of the repaid value. The
// bonus grows with how far the LTV sits above the threshold, stays within the
// reserves' bonus range and never pushes the position into bad debt. Past
// the bad-debt LTV the smaller of the two reserves' bad-debt bonuses applies,
// raised to the remaining distance to 100%. groupCapBps caps the range for
// obligations in an elevation group.
func LiquidationBonus(collateral, debt ReserveConfig, report HealthReport, threshold Fraction, groupCapBps uint64) Fraction {
	if report.NoBFLTV.Gte(badDebtLTV) {
		bonus := FractionFromBps(min(collateral.BadDebtLiquidationBonusBps, debt.BadDebtLiquidationBonusBps))
		if report.NoBFLTV.Lt(FractionOne) {
			bonus = bonus.Max(FractionOne.SaturatingSub(report.NoBFLTV))
		}
		return bonus
	}
	maxBonus := FractionFromBps(min(max(collateral.MaxLiquidationBonusBps, debt.MaxLiquidationBonusBps), groupCapBps))
	minBonus := FractionFromBps(max(collateral.MinLiquidationBonusBps, debt.MinLiquidationBonusBps))

	bonus := report.UserLTV.SaturatingSub(threshold).Max(minBonus).Min(maxBonus)
	return bonus.Min(FractionOne.SaturatingSub(report.NoBFLTV))
}

// ElevationGroupBonusCap returns the bonus cap of the obligation's elevation
// group when both reserves belong to it and the group cap is tighter than
// both reserves' own caps. Otherwise the bonus is left uncapped.
func ElevationGroupBonusCap(market *LendingMarket, obligation *Obligation, collateral, debt ReserveConfig) uint64 {
	id := obligation.ElevationGroup
	if id == ElevationGroupNone || !collateral.InElevationGroup(id) || !debt.InElevationGroup(id) {
		return noGroupBonusCap
	}
	group, err := market.ElevationGroup(id)
	if err != nil || group == nil {
		return noGroupBonusCap
	}
	capBps := group.MaxLiquidationBonusBps
	if capBps == 0 || capBps > collateral.MaxLiquidationBonusBps || capBps > debt.MaxLiquidationBonusBps {
		return noGroupBonusCap
	}
	return capBps
}

// MaxLiquidatableAmount caps how much of one debt entry a single liquidation
// may repay. The close factor (all of it once the LTV crosses the
// insolvency-risk level) applies to the obligation's total debt value; the
// result is capped by the entry's own value and the market's value-at-once
// limit, then converted back into an amount of the entry.
func MaxLiquidatableAmount(market *LendingMarket, report HealthReport, borrow ObligationLiquidity) (Fraction, error) {
	if borrow.MarketValue.IsZero() {
		return Fraction{}, fmt.Errorf("%w: debt has no value", ErrNotLiquidatable)
	}
	closeFactor := market.LiquidationMaxDebtCloseFactorPct
	if market.InsolvencyRiskUnhealthyLTVPct > 0 && report.UserLTV.Gt(FractionFromPercent(market.InsolvencyRiskUnhealthyLTVPct)) {
		closeFactor = 100
	}
	liquidatable, err := report.BorrowedValue.Mul(FractionFromPercent(min(closeFactor, 100)))
	if err != nil {
		return Fraction{}, err
	}
	liquidatable = liquidatable.Min(borrow.MarketValue)
	if market.MaxLiquidatableDebtMarketValueAtOnce > 0 {
		liquidatable = liquidatable.Min(FractionFromInt(market.MaxLiquidatableDebtMarketValueAtOnce))
	}
	amount, err := valueShare(borrow.BorrowedAmount, liquidatable, borrow.MarketValue)
	if err != nil {
		return Fraction{}, err
	}
	return amount.Min(borrow.BorrowedAmount), nil
}

// CalculateLiquidation sizes a regular liquidation of the repay reserve's
// debt against the withdraw reserve's collateral. It assumes eligibility was
// established against threshold.
func CalculateLiquidation(market *LendingMarket, obligation *Obligation, report HealthReport, threshold Fraction, repayReserve, withdrawReserve *Reserve, requested uint64) (LiquidationParams, error) {
	groupCap := ElevationGroupBonusCap(market, obligation, withdrawReserve.Config, repayReserve.Config)
	bonus := LiquidationBonus(withdrawReserve.Config, repayReserve.Config, report, threshold, groupCap)
	return SizeLiquidation(market, obligation, report, bonus, repayReserve, withdrawReserve, requested)
}

// SizeLiquidation computes the amounts moved by a liquidation paying bonus.
func SizeLiquidation(market *LendingMarket, obligation *Obligation, report HealthReport, bonus Fraction, repayReserve, withdrawReserve *Reserve, requested uint64) (LiquidationParams, error) {
	if requested == 0 {
		return LiquidationParams{}, ErrInvalidAmount
	}
	borrow, ok := obligation.Borrow(repayReserve.Address)
	if !ok {
		return LiquidationParams{}, fmtInvalidAccount("obligation has no debt in reserve %s", repayReserve.Address.Encode(crypto.ReservePrefix))
	}
	collateral, ok := obligation.Deposit(withdrawReserve.Address)
	if !ok {
		return LiquidationParams{}, fmtInvalidAccount("obligation has no collateral in reserve %s", withdrawReserve.Address.Encode(crypto.ReservePrefix))
	}
	if borrow.MarketValue.IsZero() || borrow.BorrowedAmount.IsZero() {
		return LiquidationParams{}, fmt.Errorf("%w: debt has no value", ErrNotLiquidatable)
	}
	if collateral.MarketValue.IsZero() || collateral.DepositedAmount == 0 {
		return LiquidationParams{}, fmt.Errorf("%w: collateral has no value", ErrNotLiquidatable)
	}

	dust := FractionFromInt(market.MinFullLiquidationValueThreshold)
	maxAmount, err := MaxLiquidatableAmount(market, report, borrow)
	if err != nil {
		return LiquidationParams{}, err
	}
	repay := FractionFromInt(requested).Min(maxAmount).Min(borrow.BorrowedAmount)

	closeout := borrow.MarketValue.Lt(dust)
	if !closeout {
		remaining, err := valueShare(borrow.MarketValue, borrow.BorrowedAmount.SaturatingSub(repay), borrow.BorrowedAmount)
		if err != nil {
			return LiquidationParams{}, err
		}
		closeout = !remaining.IsZero() && remaining.Lt(dust)
	}
	if closeout {
		if FractionFromInt(requested).Lt(borrow.BorrowedAmount) {
			return LiquidationParams{}, fmt.Errorf("%w: requested %d, debt %s", ErrRepayTooSmall, requested, borrow.BorrowedAmount)
		}
		repay = borrow.BorrowedAmount
	}

	repayValue, err := valueShare(borrow.MarketValue, repay, borrow.BorrowedAmount)
	if err != nil {
		return LiquidationParams{}, err
	}
	bonusRate, err := FractionOne.Add(bonus)
	if err != nil {
		return LiquidationParams{}, err
	}
	withdrawValue, err := repayValue.Mul(bonusRate)
	if err != nil {
		return LiquidationParams{}, err
	}

	params := LiquidationParams{Bonus: bonus, Closeout: closeout}
	settle := repay
	switch withdrawValue.Cmp(collateral.MarketValue) {
	case 1:
		// Collateral cannot cover the bonus: seize everything and repay only
		// the share of debt it is worth.
		ratio, err := collateral.MarketValue.Div(withdrawValue)
		if err != nil {
			return LiquidationParams{}, err
		}
		if repay, err = repay.Mul(ratio); err != nil {
			return LiquidationParams{}, err
		}
		settle = repay
		params.WithdrawAmount = collateral.DepositedAmount
	case 0:
		params.WithdrawAmount = collateral.DepositedAmount
	default:
		share, err := valueShare(FractionFromInt(collateral.DepositedAmount), withdrawValue, collateral.MarketValue)
		if err != nil {
			return LiquidationParams{}, err
		}
		if params.WithdrawAmount, err = share.Floor(); err != nil {
			return LiquidationParams{}, err
		}
		if closeout && collateral.MarketValue.SaturatingSub(withdrawValue).Lt(dust) {
			params.WithdrawAmount = collateral.DepositedAmount
		}
	}
	if closeout {
		settle = borrow.BorrowedAmount
	}

	if params.RepayAmount, err = repay.Ceil(); err != nil {
		return LiquidationParams{}, err
	}
	params.SettleAmount = settle
	if params.RepayAmount == 0 || params.WithdrawAmount == 0 {
		return LiquidationParams{}, fmt.Errorf("%w: liquidation too small", ErrNotLiquidatable)
	}
	return params, nil
}

// valueShare returns total * part / whole.
func valueShare(total, part, whole Fraction) (Fraction, error) {
	product, err := total.Mul(part)
	if err != nil {
		return Fraction{}, err
	}
	return product.Div(whole)
}

// ProtocolLiquidationFee is the protocol's cut of the bonus portion of the
// seized collateral, rounded up, at least one unit when any fee applies and
// never more than the seized amount.
func ProtocolLiquidationFee(withdrawAmount uint64, bonus Fraction, feePct uint64) (uint64, error) {
	if feePct == 0 || withdrawAmount == 0 || bonus.IsZero() {
		return 0, nil
	}
	seized := FractionFromInt(withdrawAmount)
	bonusRate, err := FractionOne.Add(bonus)
	if err != nil {
		return 0, err
	}
	principal, err := seized.Div(bonusRate)
	if err != nil {
		return 0, err
	}
	fee, err := seized.SaturatingSub(principal).Mul(FractionFromPercent(feePct))
	if err != nil {
		return 0, err
	}
	out, err := fee.Ceil()
	if err != nil {
		return 0, err
	}
	return min(max(out, 1), withdrawAmount), nil
}

// ReserveSet is a bounded, validated collection of the reserves a liquidation
// references.
type ReserveSet struct {
	market   crypto.Address
	reserves map[crypto.Address]*Reserve
}

// ParseReserveRefs loads and validates every reference up front. Unknown,
// duplicate, zero or foreign references fail with ErrInvalidAccount before
// any computation starts.
func ParseReserveRefs(market crypto.Address, refs []crypto.Address, load ReserveLookup) (*ReserveSet, error) {
	if len(refs) > MaxRemainingReserves {
		return nil, fmtInvalidAccount("%d reserve references, max %d", len(refs), MaxRemainingReserves)
	}
	set := &ReserveSet{market: market, reserves: make(map[crypto.Address]*Reserve, len(refs)+2)}
	for _, ref := range refs {
		if ref.IsZero() {
			return nil, fmtInvalidAccount("empty reserve reference")
		}
		if _, dup := set.reserves[ref]; dup {
			return nil, fmtInvalidAccount("duplicate reserve reference %s", ref.Encode(crypto.ReservePrefix))
		}
		reserve, err := load(ref)
		if err != nil {
			return nil, err
		}
		if err := set.Add(reserve); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Add includes reserve in the set, ignoring reserves already present.
func (s *ReserveSet) Add(reserve *Reserve) error {
	if reserve == nil {
		return fmtInvalidAccount("unknown reserve")
	}
	if reserve.LendingMarket != s.market {
		return fmtInvalidAccount("reserve %s belongs to another market", reserve.Address.Encode(crypto.ReservePrefix))
	}
	if _, ok := s.reserves[reserve.Address]; !ok {
		s.reserves[reserve.Address] = reserve
	}
	return nil
}

// Lookup implements ReserveLookup over the set.
func (s *ReserveSet) Lookup(addr crypto.Address) (*Reserve, error) {
	reserve, ok := s.reserves[addr]
	if !ok {
		return nil, fmtInvalidAccount("reserve %s not referenced", addr.Encode(crypto.ReservePrefix))
	}
	return reserve, nil
}

// Covers verifies that every reserve the obligation touches is in the set.
func (s *ReserveSet) Covers(o *Obligation) error {
	for _, d := range o.Deposits {
		if _, err := s.Lookup(d.DepositReserve); err != nil {
			return err
		}
	}
	for _, b := range o.Borrows {
		if _, err := s.Lookup(b.BorrowReserve); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of reserves held.
func (s *ReserveSet) Len() int { return len(s.reserves) }

func (s *ReserveSet) each(fn func(*Reserve)) {
	for _, r := range s.reserves {
		fn(r)
	}
}

// RankCollateral orders the obligation's collateral for seizure: the highest
// borrow factor first, then the lowest liquidation threshold. Ties keep the
// obligation's deposit order. Inside an elevation group the group's ratios
// apply.
func RankCollateral(o *Obligation, group *ElevationGroup, lookup ReserveLookup) ([]crypto.Address, error) {
	type candidate struct {
		addr      crypto.Address
		bf        uint64
		threshold uint64
	}
	candidates := make([]candidate, 0, len(o.Deposits))
	for _, d := range o.Deposits {
		if d.DepositedAmount == 0 {
			continue
		}
		reserve, err := lookup(d.DepositReserve)
		if err != nil {
			return nil, err
		}
		_, threshold, _ := reserve.Config.riskParams(group)
		candidates = append(candidates, candidate{
			addr:      d.DepositReserve,
			bf:        reserve.Config.borrowFactorPct(group),
			threshold: threshold,
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].bf != candidates[j].bf {
			return candidates[i].bf > candidates[j].bf
		}
		return candidates[i].threshold < candidates[j].threshold
	})
	out := make([]crypto.Address, len(candidates))
	for i, c := range candidates {
		out[i] = c.addr
	}
	return out, nil
}

// CheckLiquidationPriority requires the repay reserve to carry the highest
// borrow factor among the obligation's debts and the withdraw reserve to rank
// first for seizure.
func CheckLiquidationPriority(o *Obligation, group *ElevationGroup, lookup ReserveLookup, repayReserve, withdrawReserve *Reserve) error {
	repayBF := repayReserve.Config.borrowFactorPct(group)
	for _, b := range o.Borrows {
		reserve, err := lookup(b.BorrowReserve)
		if err != nil {
			return err
		}
		if reserve.Config.borrowFactorPct(group) > repayBF {
			return fmt.Errorf("%w: debt in %s has a higher borrow factor", ErrLiquidationPriority, b.BorrowReserve.Encode(crypto.ReservePrefix))
		}
	}

	ranked, err := RankCollateral(o, group, lookup)
	if err != nil {
		return err
	}
	if len(ranked) == 0 {
		return fmt.Errorf("%w: obligation has no collateral", ErrNotLiquidatable)
	}
	top, err := lookup(ranked[0])
	if err != nil {
		return err
	}
	withdrawBF := withdrawReserve.Config.borrowFactorPct(group)
	topBF := top.Config.borrowFactorPct(group)
	_, withdrawThreshold, _ := withdrawReserve.Config.riskParams(group)
	_, topThreshold, _ := top.Config.riskParams(group)
	if withdrawBF < topBF || (withdrawBF == topBF && withdrawThreshold > topThreshold) {
		return fmt.Errorf("%w: collateral in %s must be seized first", ErrLiquidationPriority, ranked[0].Encode(crypto.ReservePrefix))
	}
	return nil
}
