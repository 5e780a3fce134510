package lending

import (
	"errors"
	"testing"

	"lendguard/crypto"
)

type mockEngineState struct {
	markets     map[crypto.Address]*LendingMarket
	reserves    map[crypto.Address]*Reserve
	obligations map[crypto.Address]*Obligation
	commits     int
	failCommit  error
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{
		markets:     make(map[crypto.Address]*LendingMarket),
		reserves:    make(map[crypto.Address]*Reserve),
		obligations: make(map[crypto.Address]*Obligation),
	}
}

func (m *mockEngineState) GetLendingMarket(addr crypto.Address) (*LendingMarket, error) {
	return m.markets[addr].Clone(), nil
}

func (m *mockEngineState) GetReserve(addr crypto.Address) (*Reserve, error) {
	return m.reserves[addr].Clone(), nil
}

func (m *mockEngineState) GetObligation(addr crypto.Address) (*Obligation, error) {
	return m.obligations[addr].Clone(), nil
}

func (m *mockEngineState) Commit(changes Changes) error {
	if m.failCommit != nil {
		return m.failCommit
	}
	for _, market := range changes.Markets {
		m.markets[market.Address] = market.Clone()
	}
	for _, reserve := range changes.Reserves {
		m.reserves[reserve.Address] = reserve.Clone()
	}
	for _, obligation := range changes.Obligations {
		m.obligations[obligation.Address] = obligation.Clone()
	}
	m.commits++
	return nil
}

type recordingObserver struct {
	overrides   int
	liquidation []string
	flash       []string
}

func (r *recordingObserver) OverrideRejected(crypto.Address, crypto.Address, uint64) { r.overrides++ }
func (r *recordingObserver) Liquidation(outcome string, _, _ uint64) {
	r.liquidation = append(r.liquidation, outcome)
}
func (r *recordingObserver) FlashLoan(outcome string) { r.flash = append(r.flash, outcome) }

type stubPauseView struct {
	modules map[string]bool
}

func (s stubPauseView) IsPaused(module string) bool {
	if s.modules == nil {
		return false
	}
	return s.modules[module]
}

func makeAddress(suffix byte) crypto.Address {
	var addr crypto.Address
	addr[0] = 0xA0
	addr[crypto.AddressLength-1] = suffix
	return addr
}

const (
	testSlot = 100
	testNow  = 1_700_000_000
)

var (
	marketAddr     = makeAddress(0x01)
	ownerAddr      = makeAddress(0x02)
	liquidatorAddr = makeAddress(0x03)
	usdcAddr       = makeAddress(0x10)
	solAddr        = makeAddress(0x11)
	obligationAddr = makeAddress(0x20)
)

// fixture is a market with a USDC debt reserve and a SOL collateral reserve
// and one obligation holding 10 SOL against 700 USDC of debt. At a SOL price
// of 100 the LTV is 70% with an 85% liquidation threshold.
type fixture struct {
	state    *mockEngineState
	prices   *PriceBook
	engine   *Engine
	observer *recordingObserver
}

func testReserveConfig() ReserveConfig {
	cfg := DefaultReserveConfig()
	cfg.LoanToValuePct = 80
	cfg.LiquidationThresholdPct = 85
	cfg.MinLiquidationBonusBps = 200
	cfg.MaxLiquidationBonusBps = 1_000
	cfg.BadDebtLiquidationBonusBps = 100
	cfg.ProtocolLiquidationFeePct = 10
	cfg.FlashLoanFeeBps = 0
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	state := newMockEngineState()
	state.markets[marketAddr] = &LendingMarket{
		Address:                          marketAddr,
		Owner:                            makeAddress(0x04),
		LiquidationMaxDebtCloseFactorPct: 20,
		InsolvencyRiskUnhealthyLTVPct:    95,
	}
	state.reserves[usdcAddr] = &Reserve{
		Address:       usdcAddr,
		LendingMarket: marketAddr,
		Liquidity: ReserveLiquidity{
			MintDecimals:         6,
			AvailableAmount:      10_000_000_000,
			BorrowedAmount:       FractionFromInt(700_000_000),
			CumulativeBorrowRate: FractionOne,
			LastAccrualTimestamp: testNow,
		},
		Config: testReserveConfig(),
	}
	state.reserves[solAddr] = &Reserve{
		Address:       solAddr,
		LendingMarket: marketAddr,
		Liquidity: ReserveLiquidity{
			MintDecimals:         6,
			AvailableAmount:      10_000_000,
			CumulativeBorrowRate: FractionOne,
			LastAccrualTimestamp: testNow,
		},
		Config: testReserveConfig(),
	}
	state.obligations[obligationAddr] = &Obligation{
		Address:       obligationAddr,
		LendingMarket: marketAddr,
		Owner:         ownerAddr,
		LastUpdate:    LastUpdate{Stale: true},
		Deposits:      []ObligationCollateral{{DepositReserve: solAddr, DepositedAmount: 10_000_000}},
		Borrows: []ObligationLiquidity{{
			BorrowReserve:        usdcAddr,
			BorrowedAmount:       FractionFromInt(700_000_000),
			CumulativeBorrowRate: FractionOne,
		}},
	}

	prices := NewPriceBook()
	prices.Set(usdcAddr, PriceSample{Price: FractionOne, Timestamp: testNow})
	prices.Set(solAddr, PriceSample{Price: FractionFromInt(100), Timestamp: testNow})

	engine := NewEngine(state, prices)
	engine.SetClock(testSlot, testNow)
	observer := &recordingObserver{}
	engine.SetObserver(observer)
	return &fixture{state: state, prices: prices, engine: engine, observer: observer}
}

func (f *fixture) setSOLPrice(t *testing.T, whole uint64) {
	t.Helper()
	f.prices.Set(solAddr, PriceSample{Price: FractionFromInt(whole), Timestamp: testNow})
}

func (f *fixture) refresh(t *testing.T) HealthReport {
	t.Helper()
	report, err := f.engine.Refresh(obligationAddr)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return report
}

func (f *fixture) liquidateRequest(caller crypto.Address, amount, override uint64) LiquidateRequest {
	return LiquidateRequest{
		Liquidator:                   caller,
		Obligation:                   obligationAddr,
		RepayReserve:                 usdcAddr,
		WithdrawReserve:              solAddr,
		LiquidityAmount:              amount,
		MaxAllowedLTVOverridePercent: override,
	}
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

func mustFraction(t *testing.T, s string) Fraction {
	t.Helper()
	f, err := ParseFraction(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return f
}

func errorsIs(err, target error) bool { return errors.Is(err, target) }
