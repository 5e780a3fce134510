package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"lendguard/crypto"
	"lendguard/native/lending"
	statelending "lendguard/state/lending"
	"lendguard/storage"
)

func addr(suffix byte) crypto.Address {
	var a crypto.Address
	a[0] = 0xD0
	a[crypto.AddressLength-1] = suffix
	return a
}

type harness struct {
	core       *lending.Engine
	prices     *lending.PriceBook
	local      *Local
	market     crypto.Address
	usdc       crypto.Address
	sol        crypto.Address
	owner      crypto.Address
	obligation crypto.Address
	slot       uint64
	now        uint64
}

// newHarness opens 10 SOL of collateral against 700 USDC of debt.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		market:     addr(1),
		usdc:       addr(2),
		sol:        addr(3),
		owner:      addr(4),
		obligation: addr(5),
		slot:       50,
		now:        1_700_000_000,
	}
	cfg := lending.DefaultReserveConfig()
	cfg.LoanToValuePct = 80
	cfg.LiquidationThresholdPct = 85
	cfg.Oracle.MaxConfidenceBps = 0
	market := &lending.LendingMarket{
		Address:                          h.market,
		Owner:                            addr(6),
		LiquidationMaxDebtCloseFactorPct: 20,
		InsolvencyRiskUnhealthyLTVPct:    95,
	}
	reserves := []*lending.Reserve{
		{Address: h.usdc, LendingMarket: h.market, Liquidity: lending.ReserveLiquidity{MintDecimals: 6, AvailableAmount: 10_000_000_000}, Config: cfg},
		{Address: h.sol, LendingMarket: h.market, Liquidity: lending.ReserveLiquidity{MintDecimals: 6}, Config: cfg},
	}

	h.prices = lending.NewPriceBook()
	h.prices.Set(h.usdc, lending.PriceSample{Price: lending.FractionOne, Timestamp: h.now})
	h.prices.Set(h.sol, lending.PriceSample{Price: lending.FractionFromInt(100), Timestamp: h.now})

	h.core = lending.NewEngine(statelending.NewStore(storage.NewMemDB()), h.prices)
	h.core.SetClock(h.slot, h.now)
	require.NoError(t, h.core.ApplyGenesis(market, reserves))
	require.NoError(t, h.core.Atomic(func(op *lending.Operation) error {
		if err := op.InitObligation(h.market, h.owner, h.obligation); err != nil {
			return err
		}
		return op.DepositCollateral(h.owner, h.obligation, h.sol, 10_000_000)
	}))
	_, err := h.core.Refresh(h.obligation, h.usdc)
	require.NoError(t, err)
	require.NoError(t, h.core.Atomic(func(op *lending.Operation) error {
		return op.Borrow(h.owner, h.obligation, h.usdc, 700_000_000)
	}))

	clock := func() (uint64, uint64) { return h.slot, h.now }
	h.local = NewLocal(h.core, h.prices, clock, map[string]crypto.Address{" usdc ": h.usdc, "SOL": h.sol})
	return h
}

func (h *harness) request(amount uint64) lending.LiquidateRequest {
	return lending.LiquidateRequest{
		Liquidator:      addr(7),
		Obligation:      h.obligation,
		RepayReserve:    h.usdc,
		WithdrawReserve: h.sol,
		LiquidityAmount: amount,
	}
}

func TestLocalHealthUsesClock(t *testing.T) {
	h := newHarness(t)
	h.slot++
	report, err := h.local.Health(context.Background(), h.obligation)
	require.NoError(t, err)
	require.True(t, report.HasDebt())
	require.Equal(t, "0.7", report.UserLTV.String())

	slot, now := h.core.Clock()
	require.Equal(t, h.slot, slot)
	require.Equal(t, h.now, now)
}

func TestLocalRejectsCancelledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.local.Refresh(ctx, h.obligation)
	require.ErrorIs(t, err, context.Canceled)
	_, err = h.local.PushPrice(ctx, "SOL", lending.PriceSample{Price: lending.FractionOne, Timestamp: h.now})
	require.ErrorIs(t, err, context.Canceled)
}

func TestLocalLiquidateRefreshesFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.local.Liquidate(ctx, h.request(140_000_000))
	require.ErrorIs(t, err, lending.ErrNotLiquidatable)

	accepted, err := h.local.PushPrice(ctx, "sol", lending.PriceSample{Price: lending.FractionFromInt(80), Timestamp: h.now})
	require.NoError(t, err)
	require.True(t, accepted)

	// Later slot: every entity is stale until the adapter refreshes it.
	h.slot += 5
	preview, err := h.local.PreviewLiquidation(ctx, h.request(140_000_000))
	require.NoError(t, err)
	result, err := h.local.Liquidate(ctx, h.request(140_000_000))
	require.NoError(t, err)
	require.Equal(t, preview.Params.RepayAmount, result.Params.RepayAmount)
	require.Equal(t, preview.Params.WithdrawAmount, result.Params.WithdrawAmount)
	require.Equal(t, uint64(140_000_000), result.Params.RepayAmount)
	require.Equal(t, h.obligation, result.Obligation)
}

func TestLocalPushPriceIgnoresOlderSamples(t *testing.T) {
	h := newHarness(t)
	accepted, err := h.local.PushPrice(context.Background(), "SOL", lending.PriceSample{Price: lending.FractionOne, Timestamp: h.now - 1})
	require.NoError(t, err)
	require.False(t, accepted)
	sample, err := h.prices.Price(h.sol)
	require.NoError(t, err)
	require.Equal(t, "100", sample.Price.String())
}

func TestLocalReserveDirectory(t *testing.T) {
	h := newHarness(t)
	got, err := h.local.Reserve("usdc")
	require.NoError(t, err)
	require.Equal(t, h.usdc, got)

	_, err = h.local.Reserve("BTC")
	require.ErrorIs(t, err, ErrUnknownReserve)
	_, err = h.local.PushPrice(context.Background(), "BTC", lending.PriceSample{Timestamp: h.now})
	require.ErrorIs(t, err, ErrUnknownReserve)
}

func TestNilLocalIsUnavailable(t *testing.T) {
	var local *Local
	_, err := local.Health(context.Background(), addr(1))
	require.True(t, errors.Is(err, ErrUnavailable))
	_, err = local.PushPrice(context.Background(), "SOL", lending.PriceSample{})
	require.True(t, errors.Is(err, ErrUnavailable))
}

func TestWallClockCountsSlotsFromGenesis(t *testing.T) {
	slot, now := WallClock(0, 400)()
	require.GreaterOrEqual(t, slot, now*1000/400)
	require.Less(t, slot, (now+1)*1000/400)

	slot, _ = WallClock(now+3_600, 400)()
	require.Zero(t, slot)
}

func TestLocalLiquidateCommitsNothingOnFailure(t *testing.T) {
	h := newHarness(t)
	_, err := h.local.Liquidate(context.Background(), h.request(140_000_000))
	require.ErrorIs(t, err, lending.ErrNotLiquidatable)

	// The refresh was discarded together with the failed liquidation.
	_, err = h.core.Liquidate(h.request(140_000_000))
	require.ErrorIs(t, err, lending.ErrStaleState)
}

func TestLocalReserveRates(t *testing.T) {
	h := newHarness(t)
	rates, err := h.local.ReserveRates(context.Background(), "usdc")
	require.NoError(t, err)
	require.Equal(t, h.usdc, rates.Reserve)
	require.Equal(t, uint64(9_300_000_000), rates.Available)
	require.False(t, rates.Utilisation.IsZero())
	require.True(t, rates.SupplyAPY.Lt(rates.BorrowAPR))

	_, err = h.local.ReserveRates(context.Background(), "BTC")
	require.ErrorIs(t, err, ErrUnknownReserve)
}
