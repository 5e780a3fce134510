package lending

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"lendguard/crypto"
	nativelending "lendguard/native/lending"
	"lendguard/storage"
)

func testAddress(suffix byte) crypto.Address {
	var addr crypto.Address
	addr[0] = 0xB0
	addr[crypto.AddressLength-1] = suffix
	return addr
}

type countingDB struct {
	*storage.MemDB
	writes  int
	failErr error
}

func (db *countingDB) Write(batch *storage.Batch) error {
	if db.failErr != nil {
		return db.failErr
	}
	db.writes++
	return db.MemDB.Write(batch)
}

func sampleEntities() (*nativelending.LendingMarket, *nativelending.Reserve, *nativelending.Obligation) {
	market := &nativelending.LendingMarket{
		Address:                          testAddress(1),
		Owner:                            testAddress(2),
		LiquidationMaxDebtCloseFactorPct: 20,
		InsolvencyRiskUnhealthyLTVPct:    95,
		EmergencyMode:                    true,
		ElevationGroups: []nativelending.ElevationGroup{
			{ID: 1, LoanToValuePct: 90, LiquidationThresholdPct: 92, MaxLiquidationBonusBps: 300, AllowNewLoans: true},
		},
		AutodeleverageEnabled:                        true,
		IndividualAutodeleverageMarginCallPeriodSecs: 3_600,
	}
	reserve := &nativelending.Reserve{
		Address:       testAddress(3),
		LendingMarket: market.Address,
		LastUpdate:    nativelending.LastUpdate{Slot: 7},
		Liquidity: nativelending.ReserveLiquidity{
			MintDecimals:         6,
			AvailableAmount:      1_000,
			BorrowedAmount:       nativelending.FractionFromBps(12_345),
			MarketPrice:          nativelending.FractionFromInt(100),
			CumulativeBorrowRate: nativelending.FractionOne,
		},
		Config: nativelending.DefaultReserveConfig(),
	}
	reserve.Config.ElevationGroups = []uint8{1}
	reserve.Config.AutodeleverageEnabled = true
	reserve.Config.DeleveragingMarginCallPeriodSecs = 3_600
	reserve.Config.DeleveragingThresholdDecreaseBpsPerDay = 1_000
	reserve.Config.DeleveragingBonusIncreaseBpsPerDay = 100
	reserve.Liquidity.DepositLimitCrossedTimestamp = 42
	obligation := &nativelending.Obligation{
		Address:       testAddress(4),
		LendingMarket: market.Address,
		Owner:         testAddress(5),
		LastUpdate:    nativelending.LastUpdate{Stale: true},
		Deposits:      []nativelending.ObligationCollateral{{DepositReserve: reserve.Address, DepositedAmount: 10}},
		Borrows: []nativelending.ObligationLiquidity{{
			BorrowReserve:        reserve.Address,
			BorrowedAmount:       nativelending.FractionFromInt(3),
			CumulativeBorrowRate: nativelending.FractionOne,
		}},
		AllowedBorrowValue:     nativelending.FractionFromPercent(150),
		HighestBorrowFactorPct: 100,
		ElevationGroup:         1,

		AutodeleverageTargetLTVPct:        60,
		AutodeleverageMarginCallStartedAt: 9,
	}
	return market, reserve, obligation
}

func TestStoreRoundTrip(t *testing.T) {
	db := &countingDB{MemDB: storage.NewMemDB()}
	store := NewStore(db)
	market, reserve, obligation := sampleEntities()

	require.NoError(t, store.Commit(nativelending.Changes{
		Markets:     []*nativelending.LendingMarket{market},
		Reserves:    []*nativelending.Reserve{reserve},
		Obligations: []*nativelending.Obligation{obligation},
	}))
	require.Equal(t, 1, db.writes)

	gotMarket, err := store.GetLendingMarket(market.Address)
	require.NoError(t, err)
	require.Equal(t, market, gotMarket)

	gotReserve, err := store.GetReserve(reserve.Address)
	require.NoError(t, err)
	require.Equal(t, reserve, gotReserve)

	gotObligation, err := store.GetObligation(obligation.Address)
	require.NoError(t, err)
	require.Equal(t, obligation, gotObligation)
}

func TestStoreMissingEntities(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	market, err := store.GetLendingMarket(testAddress(9))
	require.NoError(t, err)
	require.Nil(t, market)
	reserve, err := store.GetReserve(testAddress(9))
	require.NoError(t, err)
	require.Nil(t, reserve)
	obligation, err := store.GetObligation(testAddress(9))
	require.NoError(t, err)
	require.Nil(t, obligation)
}

func TestStoreCommitFailureWritesNothing(t *testing.T) {
	db := &countingDB{MemDB: storage.NewMemDB(), failErr: errors.New("disk full")}
	store := NewStore(db)
	market, reserve, _ := sampleEntities()

	err := store.Commit(nativelending.Changes{
		Markets:  []*nativelending.LendingMarket{market},
		Reserves: []*nativelending.Reserve{reserve},
	})
	require.Error(t, err)
	got, err := store.GetReserve(reserve.Address)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStoreRejectsCorruptRecord(t *testing.T) {
	db := storage.NewMemDB()
	store := NewStore(db)
	addr := testAddress(3)
	require.NoError(t, db.Put(recordKey(reserveRecordPrefix, addr), []byte{0xff, 0x00}))
	_, err := store.GetReserve(addr)
	require.Error(t, err)
}

func TestEngineOverStore(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	market, reserve, _ := sampleEntities()
	market.EmergencyMode = false
	reserve.Config.Oracle.MaxConfidenceBps = 0

	prices := nativelending.NewPriceBook()
	prices.Set(reserve.Address, nativelending.PriceSample{Price: nativelending.FractionOne, Timestamp: 1_000})

	engine := nativelending.NewEngine(store, prices)
	engine.SetClock(10, 1_000)
	require.NoError(t, engine.ApplyGenesis(market, []*nativelending.Reserve{reserve}))
	require.NoError(t, engine.ApplyGenesis(market, []*nativelending.Reserve{reserve}))

	owner := testAddress(5)
	obligationAddr := testAddress(6)
	require.NoError(t, engine.Atomic(func(op *nativelending.Operation) error {
		if err := op.InitObligation(market.Address, owner, obligationAddr); err != nil {
			return err
		}
		return op.DepositCollateral(owner, obligationAddr, reserve.Address, 500)
	}))

	report, err := engine.Refresh(obligationAddr)
	require.NoError(t, err)
	require.True(t, report.HasCollateral())
	require.False(t, report.HasDebt())

	stored, err := store.GetObligation(obligationAddr)
	require.NoError(t, err)
	require.False(t, stored.LastUpdate.IsStale(10))
	deposit, ok := stored.Deposit(reserve.Address)
	require.True(t, ok)
	require.Equal(t, uint64(500), deposit.DepositedAmount)
}
