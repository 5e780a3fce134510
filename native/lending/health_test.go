package lending

import (
	"testing"

	"lendguard/crypto"
)

func fixtureLookup(f *fixture) ReserveLookup {
	return func(addr crypto.Address) (*Reserve, error) {
		r, err := f.state.GetReserve(addr)
		if err != nil || r == nil {
			return nil, fmtInvalidAccount("missing %s", addr)
		}
		return r, nil
	}
}

func TestComputeHealth(t *testing.T) {
	f := newFixture(t)
	original := f.state.obligations[obligationAddr]

	updated, report, err := ComputeHealth(original, nil, fixtureLookup(f), f.prices, testNow)
	if err != nil {
		t.Fatalf("compute health: %v", err)
	}
	if report.DepositedValue != FractionFromInt(1_000) {
		t.Fatalf("deposited value %s", report.DepositedValue)
	}
	if report.BorrowedValue != FractionFromInt(700) {
		t.Fatalf("borrowed value %s", report.BorrowedValue)
	}
	if report.UserLTV != FractionFromPercent(70) || report.NoBFLTV != FractionFromPercent(70) {
		t.Fatalf("ltv %s / %s", report.UserLTV, report.NoBFLTV)
	}
	if report.UnhealthyLTV != FractionFromPercent(85) {
		t.Fatalf("unhealthy ltv %s", report.UnhealthyLTV)
	}
	if report.AllowedBorrowValue != FractionFromInt(800) {
		t.Fatalf("allowed borrow value %s", report.AllowedBorrowValue)
	}
	if report.LowestDepositLiquidationLTVPct != 85 || report.HighestBorrowFactorPct != 100 {
		t.Fatalf("extremes %d / %d", report.LowestDepositLiquidationLTVPct, report.HighestBorrowFactorPct)
	}
	if updated.Deposits[0].MarketValue != FractionFromInt(1_000) {
		t.Fatalf("deposit market value %s", updated.Deposits[0].MarketValue)
	}
	if !original.DepositedValue.IsZero() {
		t.Fatalf("input obligation must not be modified")
	}
}

func TestComputeHealthBorrowFactorInflatesDebt(t *testing.T) {
	f := newFixture(t)
	f.state.reserves[usdcAddr].Config.BorrowFactorPct = 150

	_, report, err := ComputeHealth(f.state.obligations[obligationAddr], nil, fixtureLookup(f), f.prices, testNow)
	if err != nil {
		t.Fatalf("compute health: %v", err)
	}
	if report.BorrowFactorAdjustedDebtValue != FractionFromInt(1_050) {
		t.Fatalf("adjusted debt %s", report.BorrowFactorAdjustedDebtValue)
	}
	if report.UserLTV != FractionFromPercent(105) || report.NoBFLTV != FractionFromPercent(70) {
		t.Fatalf("ltv %s / %s", report.UserLTV, report.NoBFLTV)
	}
	if report.HighestBorrowFactorPct != 150 {
		t.Fatalf("highest borrow factor %d", report.HighestBorrowFactorPct)
	}
}

func TestComputeHealthBorrowFactorNeverDeflates(t *testing.T) {
	f := newFixture(t)
	f.state.reserves[usdcAddr].Config.BorrowFactorPct = 50

	_, report, err := ComputeHealth(f.state.obligations[obligationAddr], nil, fixtureLookup(f), f.prices, testNow)
	if err != nil {
		t.Fatalf("compute health: %v", err)
	}
	if report.BorrowFactorAdjustedDebtValue != FractionFromInt(700) {
		t.Fatalf("borrow factor below one must be ignored, got %s", report.BorrowFactorAdjustedDebtValue)
	}
}

func TestComputeHealthAccruesObligationDebt(t *testing.T) {
	f := newFixture(t)
	f.state.reserves[usdcAddr].Liquidity.CumulativeBorrowRate = mustFraction(t, "1.1")

	updated, report, err := ComputeHealth(f.state.obligations[obligationAddr], nil, fixtureLookup(f), f.prices, testNow)
	if err != nil {
		t.Fatalf("compute health: %v", err)
	}
	if updated.Borrows[0].BorrowedAmount != FractionFromInt(770_000_000) {
		t.Fatalf("accrued debt %s", updated.Borrows[0].BorrowedAmount)
	}
	if report.BorrowedValue != FractionFromInt(770) {
		t.Fatalf("borrowed value %s", report.BorrowedValue)
	}
}

func TestComputeHealthRejectsStalePrice(t *testing.T) {
	f := newFixture(t)
	f.prices.Set(solAddr, PriceSample{Price: FractionFromInt(100), Timestamp: testNow + 1})
	_, _, err := ComputeHealth(f.state.obligations[obligationAddr], nil, fixtureLookup(f), f.prices, testNow+120)
	expectErr(t, err, ErrStalePrice)
	if Classify(err) != ClassRefresh {
		t.Fatalf("stale price should classify as refresh, got %s", Classify(err))
	}
}

func TestComputeHealthRejectsUnknownReserve(t *testing.T) {
	f := newFixture(t)
	obligation := f.state.obligations[obligationAddr].Clone()
	obligation.Deposits = append(obligation.Deposits, ObligationCollateral{DepositReserve: makeAddress(0x99), DepositedAmount: 1})
	_, _, err := ComputeHealth(obligation, nil, fixtureLookup(f), f.prices, testNow)
	expectErr(t, err, ErrInvalidAccount)
}

func TestComputeHealthForeignMarketReserve(t *testing.T) {
	f := newFixture(t)
	f.state.reserves[solAddr].LendingMarket = makeAddress(0x77)
	_, _, err := ComputeHealth(f.state.obligations[obligationAddr], nil, fixtureLookup(f), f.prices, testNow)
	expectErr(t, err, ErrInvalidAccount)
}

func TestHealthWithoutCollateral(t *testing.T) {
	o := &Obligation{}
	report, err := o.Health()
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if report.HasCollateral() || report.HasDebt() {
		t.Fatalf("empty obligation reports collateral or debt")
	}
	_, err = EvaluateEligibility(report, 0, false)
	expectErr(t, err, ErrNotLiquidatable)
}

func TestValidatePrice(t *testing.T) {
	cfg := OracleConfig{MaxAgeSeconds: 60, MaxConfidenceBps: 100}
	price := FractionFromInt(100)

	if _, err := ValidatePrice(PriceSample{Price: price, Confidence: FractionOne, Timestamp: 1_000}, cfg, 1_060); err != nil {
		t.Fatalf("price at the age bound should pass: %v", err)
	}
	if _, err := ValidatePrice(PriceSample{Price: price, Timestamp: 1_000}, cfg, 1_061); err == nil {
		t.Fatalf("expected stale price")
	}
	if _, err := ValidatePrice(PriceSample{Price: price, Timestamp: 2_000}, cfg, 1_000); err != nil {
		t.Fatalf("future timestamps count as fresh: %v", err)
	}
	_, err := ValidatePrice(PriceSample{Price: price, Confidence: mustFraction(t, "1.01"), Timestamp: 1_000}, cfg, 1_000)
	expectErr(t, err, ErrStalePrice)
	_, err = ValidatePrice(PriceSample{Timestamp: 1_000}, cfg, 1_000)
	expectErr(t, err, ErrStalePrice)

	cfg.PriceLowerBound = FractionFromInt(50)
	cfg.PriceUpperBound = FractionFromInt(150)
	_, err = ValidatePrice(PriceSample{Price: FractionFromInt(49), Timestamp: 1_000}, cfg, 1_000)
	expectErr(t, err, ErrStalePrice)
	_, err = ValidatePrice(PriceSample{Price: FractionFromInt(151), Timestamp: 1_000}, cfg, 1_000)
	expectErr(t, err, ErrStalePrice)
}

func TestPriceBookKeepsNewestSample(t *testing.T) {
	book := NewPriceBook()
	if !book.Set(solAddr, PriceSample{Price: FractionOne, Timestamp: 10}) {
		t.Fatalf("first sample rejected")
	}
	if book.Set(solAddr, PriceSample{Price: FractionFromInt(2), Timestamp: 9}) {
		t.Fatalf("older sample accepted")
	}
	sample, err := book.Price(solAddr)
	if err != nil || sample.Price != FractionOne {
		t.Fatalf("unexpected sample %+v %v", sample, err)
	}
	_, err = book.Price(usdcAddr)
	expectErr(t, err, ErrStalePrice)
}
