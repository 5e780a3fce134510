package lending

import "fmt"

const secondsPerYear = 31_536_000

// InterestModel encapsulates the parameters that shape how interest rates react
// to reserve utilisation. Rates are annual and expressed in basis points.
type InterestModel struct {
	// BaseRateBps is the minimum borrow APR applied when utilisation is zero.
	BaseRateBps uint64 `toml:"BaseRateBps"`
	// Slope1Bps is the borrow APR increase per unit of utilisation up to the
	// kink point.
	Slope1Bps uint64 `toml:"Slope1Bps"`
	// Slope2Bps governs the additional APR increase applied when utilisation
	// exceeds the kink point.
	Slope2Bps uint64 `toml:"Slope2Bps"`
	// KinkBps represents the utilisation where the borrow rate slope changes.
	KinkBps uint64 `toml:"KinkBps"`
}

// DefaultInterestModel provides a kinked curve with a modest base rate.
var DefaultInterestModel = InterestModel{BaseRateBps: 200, Slope1Bps: 1_500, Slope2Bps: 6_000, KinkBps: 8_000}

func (m InterestModel) Validate() error {
	if m.KinkBps > 10_000 {
		return fmt.Errorf("interest: kink %d bps above 100%%", m.KinkBps)
	}
	return nil
}

// Utilisation computes borrowed / supplied, capped at one. When no liquidity
// exists the utilisation is defined as zero.
func (m InterestModel) Utilisation(borrowed, supplied Fraction) (Fraction, error) {
	if borrowed.IsZero() || supplied.IsZero() {
		return Fraction{}, nil
	}
	u, err := borrowed.Div(supplied)
	if err != nil {
		return Fraction{}, err
	}
	return u.Min(FractionOne), nil
}

// BorrowAPR derives the borrow APR for the given utilisation.
func (m InterestModel) BorrowAPR(utilisation Fraction) (Fraction, error) {
	rate := FractionFromBps(m.BaseRateBps)
	if utilisation.IsZero() {
		return rate, nil
	}
	kink := FractionFromBps(m.KinkBps)
	slope1 := FractionFromBps(m.Slope1Bps)
	if kink.IsZero() || utilisation.Lte(kink) {
		linear, err := slope1.Mul(utilisation)
		if err != nil {
			return Fraction{}, err
		}
		return rate.Add(linear)
	}
	atKink, err := slope1.Mul(kink)
	if err != nil {
		return Fraction{}, err
	}
	if rate, err = rate.Add(atKink); err != nil {
		return Fraction{}, err
	}
	excess, err := FractionFromBps(m.Slope2Bps).Mul(utilisation.SaturatingSub(kink))
	if err != nil {
		return Fraction{}, err
	}
	return rate.Add(excess)
}

// SupplyAPY derives the supply APY from the borrow APR, utilisation and the
// protocol take rate.
func (m InterestModel) SupplyAPY(utilisation Fraction, takeRatePct uint64) (Fraction, error) {
	borrowAPR, err := m.BorrowAPR(utilisation)
	if err != nil {
		return Fraction{}, err
	}
	gross, err := borrowAPR.Mul(utilisation)
	if err != nil {
		return Fraction{}, err
	}
	return gross.Mul(FractionOne.SaturatingSub(FractionFromPercent(takeRatePct)))
}

// accrueReserveInterest compounds the reserve's borrowed amount and cumulative
// rate linearly over the seconds elapsed since the last accrual.
func accrueReserveInterest(reserve *Reserve, now uint64) error {
	liq := &reserve.Liquidity
	if liq.CumulativeBorrowRate.IsZero() {
		liq.CumulativeBorrowRate = FractionOne
	}
	if now <= liq.LastAccrualTimestamp {
		return nil
	}
	elapsed := now - liq.LastAccrualTimestamp
	liq.LastAccrualTimestamp = now
	if liq.BorrowedAmount.IsZero() {
		return nil
	}

	supplied, err := liq.TotalSupply()
	if err != nil {
		return err
	}
	model := reserve.Config.Interest
	utilisation, err := model.Utilisation(liq.BorrowedAmount, supplied)
	if err != nil {
		return err
	}
	apr, err := model.BorrowAPR(utilisation)
	if err != nil {
		return err
	}
	scaled, err := apr.MulInt(elapsed)
	if err != nil {
		return err
	}
	periodRate, err := scaled.DivInt(secondsPerYear)
	if err != nil {
		return err
	}
	factor, err := FractionOne.Add(periodRate)
	if err != nil {
		return err
	}

	nextRate, err := liq.CumulativeBorrowRate.Mul(factor)
	if err != nil {
		return err
	}
	nextBorrowed, err := liq.BorrowedAmount.Mul(factor)
	if err != nil {
		return err
	}
	interest := nextBorrowed.SaturatingSub(liq.BorrowedAmount)
	fee, err := interest.Mul(FractionFromPercent(reserve.Config.ProtocolTakeRatePct))
	if err != nil {
		return err
	}
	fees, err := liq.AccumulatedProtocolFees.Add(fee)
	if err != nil {
		return err
	}

	liq.CumulativeBorrowRate = nextRate
	liq.BorrowedAmount = nextBorrowed
	liq.AccumulatedProtocolFees = fees
	return nil
}

// accrueObligationBorrow scales a debt entry up to the reserve's cumulative rate.
func accrueObligationBorrow(borrow *ObligationLiquidity, reserveRate Fraction) error {
	if reserveRate.IsZero() {
		return nil
	}
	if borrow.CumulativeBorrowRate.IsZero() {
		borrow.CumulativeBorrowRate = reserveRate
		return nil
	}
	switch borrow.CumulativeBorrowRate.Cmp(reserveRate) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("%w: obligation borrow rate ahead of reserve", ErrArithmeticRange)
	}
	ratio, err := reserveRate.Div(borrow.CumulativeBorrowRate)
	if err != nil {
		return err
	}
	next, err := borrow.BorrowedAmount.Mul(ratio)
	if err != nil {
		return err
	}
	borrow.BorrowedAmount = next
	borrow.CumulativeBorrowRate = reserveRate
	return nil
}
