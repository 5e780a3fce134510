package lending

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"lendguard/crypto"
	nativecommon "lendguard/native/common"
)

// Observer receives notifications about engine decisions. Implementations
// must not block.
type Observer interface {
	OverrideRejected(caller, obligation crypto.Address, percent uint64)
	Liquidation(outcome string, repay, withdraw uint64)
	FlashLoan(outcome string)
}

type nopObserver struct{}

func (nopObserver) OverrideRejected(crypto.Address, crypto.Address, uint64) {}
func (nopObserver) Liquidation(string, uint64, uint64)                      {}
func (nopObserver) FlashLoan(string)                                        {}

// Engine orchestrates the risk decisions and state transitions of a lending
// market. Calls are serialised: each operation runs on an exclusive snapshot.
type Engine struct {
	mu       sync.Mutex
	state    engineState
	oracle   OracleGateway
	pauses   nativecommon.PauseView
	mode     DeploymentMode
	slot     uint64
	now      uint64
	logger   *slog.Logger
	observer Observer
}

// NewEngine constructs an engine in production mode.
func NewEngine(state engineState, oracle OracleGateway) *Engine {
	return &Engine{
		state:    state,
		oracle:   oracle,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		observer: nopObserver{},
	}
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetDeploymentMode is set once at process start from configuration.
func (e *Engine) SetDeploymentMode(mode DeploymentMode) {
	if e == nil {
		return
	}
	e.mode = mode
}

func (e *Engine) Mode() DeploymentMode { return e.mode }

// SetClock records the ledger slot and unix timestamp used for freshness,
// price age and interest accrual.
func (e *Engine) SetClock(slot, unixTimestamp uint64) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.slot = slot
	e.now = unixTimestamp
}

// Clock returns the configured slot and timestamp.
func (e *Engine) Clock() (slot, unixTimestamp uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.slot, e.now
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger
}

func (e *Engine) SetObserver(observer Observer) {
	if e == nil {
		return
	}
	if observer == nil {
		observer = nopObserver{}
	}
	e.observer = observer
}

func (e *Engine) guard(action string) error {
	return nativecommon.Guard(e.pauses, moduleName, action)
}

// InitLendingMarket registers a new market.
func (op *Operation) InitLendingMarket(market *LendingMarket) error {
	if err := op.check(); err != nil {
		return err
	}
	if err := market.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	if market.Address.IsZero() {
		return fmtInvalidAccount("market address not set")
	}
	if _, err := op.market(market.Address); err == nil {
		return fmtInvalidAccount("market %s already exists", market.Address)
	} else if !errors.Is(err, ErrInvalidAccount) {
		return err
	}
	op.putMarket(market.Clone())
	return nil
}

// InitReserve registers a reserve in an existing market. The reserve starts
// stale and must be refreshed before use.
func (op *Operation) InitReserve(reserve *Reserve) error {
	if err := op.check(); err != nil {
		return err
	}
	if reserve == nil || reserve.Address.IsZero() {
		return fmtInvalidAccount("reserve address not set")
	}
	if err := reserve.Config.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	if reserve.Liquidity.MintDecimals > maxMintDecimals {
		return fmt.Errorf("%w: %d mint decimals", ErrInvalidAccount, reserve.Liquidity.MintDecimals)
	}
	if _, err := op.market(reserve.LendingMarket); err != nil {
		return err
	}
	if _, err := op.reserve(reserve.Address); err == nil {
		return fmtInvalidAccount("reserve %s already exists", reserve.Address.Encode(crypto.ReservePrefix))
	} else if !errors.Is(err, ErrInvalidAccount) {
		return err
	}
	clone := reserve.Clone()
	if clone.Liquidity.CumulativeBorrowRate.IsZero() {
		clone.Liquidity.CumulativeBorrowRate = FractionOne
	}
	if clone.Liquidity.LastAccrualTimestamp == 0 {
		clone.Liquidity.LastAccrualTimestamp = op.engine.now
	}
	clone.LastUpdate.MarkStale()
	op.putReserve(clone)
	return nil
}

// InitObligation opens an empty obligation for owner.
func (op *Operation) InitObligation(market, owner, addr crypto.Address) error {
	if err := op.check(); err != nil {
		return err
	}
	if addr.IsZero() || owner.IsZero() {
		return fmtInvalidAccount("obligation and owner must be set")
	}
	if _, err := op.market(market); err != nil {
		return err
	}
	if _, err := op.obligation(addr); err == nil {
		return fmtInvalidAccount("obligation %s already exists", addr)
	} else if !errors.Is(err, ErrInvalidAccount) {
		return err
	}
	o := &Obligation{Address: addr, LendingMarket: market, Owner: owner}
	o.LastUpdate.MarkStale()
	op.putObligation(o)
	return nil
}

// RefreshReserve validates the reserve's price, accrues interest and stamps
// the reserve fresh for the current slot.
func (op *Operation) RefreshReserve(addr crypto.Address) error {
	if err := op.check(); err != nil {
		return err
	}
	reserve, err := op.reserve(addr)
	if err != nil {
		return err
	}
	if op.engine.oracle == nil {
		return fmt.Errorf("%w: oracle not configured", ErrStalePrice)
	}
	sample, err := op.engine.oracle.Price(addr)
	if err != nil {
		return err
	}
	price, err := ValidatePrice(sample, reserve.Config.Oracle, op.engine.now)
	if err != nil {
		return err
	}
	if err := accrueReserveInterest(reserve, op.engine.now); err != nil {
		return err
	}
	if err := reserve.trackLimitCrossings(op.engine.now); err != nil {
		return err
	}
	reserve.Liquidity.MarketPrice = price
	reserve.Liquidity.MarketPriceUpdatedAt = sample.Timestamp
	reserve.LastUpdate.Update(op.engine.slot)
	op.putReserve(reserve)
	return nil
}

// RefreshObligation recomputes the obligation's health snapshot. Every
// reserve it references must already be fresh.
func (op *Operation) RefreshObligation(addr crypto.Address) (HealthReport, error) {
	if err := op.check(); err != nil {
		return HealthReport{}, err
	}
	obligation, err := op.obligation(addr)
	if err != nil {
		return HealthReport{}, err
	}
	group, err := op.elevationGroup(obligation)
	if err != nil {
		return HealthReport{}, err
	}
	refreshed, report, err := ComputeHealth(obligation, group, op.freshReserve, op.engine.oracle, op.engine.now)
	if err != nil {
		return HealthReport{}, err
	}
	refreshed.LastUpdate.Update(op.engine.slot)
	op.putObligation(refreshed)
	return report, nil
}

func (op *Operation) elevationGroup(obligation *Obligation) (*ElevationGroup, error) {
	market, err := op.market(obligation.LendingMarket)
	if err != nil {
		return nil, err
	}
	return market.ElevationGroup(obligation.ElevationGroup)
}

func (op *Operation) freshReserve(addr crypto.Address) (*Reserve, error) {
	reserve, err := op.reserve(addr)
	if err != nil {
		return nil, err
	}
	if reserve.LastUpdate.IsStale(op.engine.slot) {
		return nil, fmt.Errorf("%w: reserve %s needs refresh", ErrStaleState, addr.Encode(crypto.ReservePrefix))
	}
	return reserve, nil
}

func (op *Operation) freshObligation(addr crypto.Address) (*Obligation, error) {
	obligation, err := op.obligation(addr)
	if err != nil {
		return nil, err
	}
	if obligation.LastUpdate.IsStale(op.engine.slot) {
		return nil, fmt.Errorf("%w: obligation %s needs refresh", ErrStaleState, addr)
	}
	return obligation, nil
}

func (op *Operation) ownedObligation(caller, addr crypto.Address) (*Obligation, error) {
	obligation, err := op.obligation(addr)
	if err != nil {
		return nil, err
	}
	if obligation.Owner != caller {
		return nil, fmt.Errorf("%w: %s does not own obligation %s", ErrNotAuthorized, caller, addr)
	}
	return obligation, nil
}

// DepositCollateral adds amount of the reserve's token to the obligation.
func (op *Operation) DepositCollateral(owner, obligationAddr, reserveAddr crypto.Address, amount uint64) error {
	if err := op.check(); err != nil {
		return err
	}
	if err := op.engine.guard(ActionDeposit); err != nil {
		return err
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	obligation, err := op.ownedObligation(owner, obligationAddr)
	if err != nil {
		return err
	}
	reserve, err := op.reserve(reserveAddr)
	if err != nil {
		return err
	}
	if reserve.LendingMarket != obligation.LendingMarket {
		return fmtInvalidAccount("reserve %s belongs to another market", reserveAddr.Encode(crypto.ReservePrefix))
	}
	if reserve.Config.Status == ReserveObsolete {
		return fmtInvalidAccount("reserve %s is obsolete", reserveAddr.Encode(crypto.ReservePrefix))
	}
	if id := obligation.ElevationGroup; id != ElevationGroupNone && !reserve.Config.InElevationGroup(id) {
		return fmtInvalidAccount("reserve %s is not in elevation group %d", reserveAddr.Encode(crypto.ReservePrefix), id)
	}
	available, err := checkedAdd(reserve.Liquidity.AvailableAmount, amount)
	if err != nil {
		return err
	}
	if limit := reserve.Config.DepositLimit; limit > 0 {
		supply, err := reserve.Liquidity.TotalSupply()
		if err != nil {
			return err
		}
		if supply, err = supply.Add(FractionFromInt(amount)); err != nil {
			return err
		}
		if supply.Gt(FractionFromInt(limit)) {
			return fmt.Errorf("%w: reserve %s limit %d", ErrDepositLimitReached, reserveAddr.Encode(crypto.ReservePrefix), limit)
		}
	}
	if err := obligation.addCollateral(reserveAddr, amount); err != nil {
		return err
	}
	reserve.Liquidity.AvailableAmount = available
	reserve.LastUpdate.MarkStale()
	obligation.LastUpdate.MarkStale()
	op.putReserve(reserve)
	op.putObligation(obligation)
	return nil
}

// WithdrawCollateral removes collateral as long as the remaining position
// still covers its borrow-factor adjusted debt.
func (op *Operation) WithdrawCollateral(owner, obligationAddr, reserveAddr crypto.Address, amount uint64) error {
	if err := op.check(); err != nil {
		return err
	}
	if err := op.engine.guard(ActionWithdraw); err != nil {
		return err
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	if _, err := op.ownedObligation(owner, obligationAddr); err != nil {
		return err
	}
	obligation, err := op.freshObligation(obligationAddr)
	if err != nil {
		return err
	}
	reserve, err := op.freshReserve(reserveAddr)
	if err != nil {
		return err
	}
	deposit, ok := obligation.Deposit(reserveAddr)
	if !ok {
		return fmtInvalidAccount("no deposit in reserve %s", reserveAddr.Encode(crypto.ReservePrefix))
	}
	if amount > deposit.DepositedAmount {
		return fmt.Errorf("%w: %d requested, %d deposited", ErrInvalidAmount, amount, deposit.DepositedAmount)
	}
	// Obsolete reserves must be unwound first.
	if reserve.Config.Status != ReserveObsolete && obligation.ObsoleteReserves > 0 {
		return fmtInvalidAccount("obligation %s holds %d obsolete reserves", obligationAddr, obligation.ObsoleteReserves)
	}

	if !obligation.BorrowFactorAdjustedDebtValue.IsZero() {
		group, err := op.elevationGroup(obligation)
		if err != nil {
			return err
		}
		ltvPct, _, _ := reserve.Config.riskParams(group)
		withdrawValue, err := valueShare(deposit.MarketValue, FractionFromInt(amount), FractionFromInt(deposit.DepositedAmount))
		if err != nil {
			return err
		}
		lostAllowance, err := withdrawValue.Mul(FractionFromPercent(ltvPct))
		if err != nil {
			return err
		}
		remaining := obligation.AllowedBorrowValue.SaturatingSub(lostAllowance)
		if obligation.BorrowFactorAdjustedDebtValue.Gt(remaining) {
			return fmt.Errorf("%w: debt %s, allowed after withdraw %s", ErrHealthCheckFailed, obligation.BorrowFactorAdjustedDebtValue, remaining)
		}
	}

	if err := op.consumeWithdrawalCap(reserve, amount); err != nil {
		return err
	}
	if reserve.Liquidity.AvailableAmount < amount {
		return fmt.Errorf("%w: %d available, %d requested", ErrInsufficientLiquidity, reserve.Liquidity.AvailableAmount, amount)
	}
	if err := obligation.removeCollateral(reserveAddr, amount); err != nil {
		return err
	}
	reserve.Liquidity.AvailableAmount -= amount
	reserve.LastUpdate.MarkStale()
	obligation.LastUpdate.MarkStale()
	op.putReserve(reserve)
	op.putObligation(obligation)
	return nil
}

// Borrow lends amount from the reserve against the obligation's collateral.
func (op *Operation) Borrow(owner, obligationAddr, reserveAddr crypto.Address, amount uint64) error {
	if err := op.check(); err != nil {
		return err
	}
	if err := op.engine.guard(ActionBorrow); err != nil {
		return err
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	if _, err := op.ownedObligation(owner, obligationAddr); err != nil {
		return err
	}
	obligation, err := op.freshObligation(obligationAddr)
	if err != nil {
		return err
	}
	market, err := op.market(obligation.LendingMarket)
	if err != nil {
		return err
	}
	if market.BorrowDisabled || market.EmergencyMode {
		return fmt.Errorf("%w: market %s", ErrBorrowingDisabled, market.Address)
	}
	if obligation.MarkedForDeleveraging() {
		return fmt.Errorf("%w: obligation %s is marked for deleveraging", ErrBorrowingDisabled, obligationAddr)
	}
	if obligation.ObsoleteReserves > 0 {
		return fmt.Errorf("%w: obligation %s holds %d obsolete reserves", ErrBorrowingDisabled, obligationAddr, obligation.ObsoleteReserves)
	}
	reserve, err := op.freshReserve(reserveAddr)
	if err != nil {
		return err
	}
	if reserve.LendingMarket != obligation.LendingMarket {
		return fmtInvalidAccount("reserve %s belongs to another market", reserveAddr.Encode(crypto.ReservePrefix))
	}
	if reserve.Config.Status == ReserveObsolete {
		return fmtInvalidAccount("reserve %s is obsolete", reserveAddr.Encode(crypto.ReservePrefix))
	}
	group, err := market.ElevationGroup(obligation.ElevationGroup)
	if err != nil {
		return err
	}
	if group != nil {
		if !group.AllowNewLoans {
			return fmt.Errorf("%w: elevation group %d closed to new loans", ErrBorrowingDisabled, group.ID)
		}
		if !reserve.Config.InElevationGroup(group.ID) {
			return fmtInvalidAccount("reserve %s is not in elevation group %d", reserveAddr.Encode(crypto.ReservePrefix), group.ID)
		}
	}
	_, _, borrowFactor := reserve.Config.riskParams(group)
	borrowed, err := reserve.Liquidity.BorrowedAmount.Add(FractionFromInt(amount))
	if err != nil {
		return err
	}
	if limit := reserve.Config.BorrowLimit; limit > 0 && borrowed.Gt(FractionFromInt(limit)) {
		return fmt.Errorf("%w: reserve borrow limit %d reached", ErrBorrowingDisabled, limit)
	}
	if reserve.Liquidity.AvailableAmount < amount {
		return fmt.Errorf("%w: %d available, %d requested", ErrInsufficientLiquidity, reserve.Liquidity.AvailableAmount, amount)
	}

	value, err := tokenValue(FractionFromInt(amount), reserve.Liquidity.MarketPrice, reserve.Liquidity.MintDecimals)
	if err != nil {
		return err
	}
	weighted, err := value.Mul(borrowFactor)
	if err != nil {
		return err
	}
	debt, err := obligation.BorrowFactorAdjustedDebtValue.Add(weighted)
	if err != nil {
		return err
	}
	if debt.Gt(obligation.AllowedBorrowValue) {
		return fmt.Errorf("%w: debt would reach %s, allowed %s", ErrHealthCheckFailed, debt, obligation.AllowedBorrowValue)
	}
	if global := market.GlobalAllowedBorrowValue; global > 0 && debt.Gt(FractionFromInt(global)) {
		return fmt.Errorf("%w: debt would exceed market limit %d", ErrHealthCheckFailed, global)
	}

	if err := op.consumeWithdrawalCap(reserve, amount); err != nil {
		return err
	}
	if err := obligation.addBorrow(reserveAddr, FractionFromInt(amount), reserve.Liquidity.CumulativeBorrowRate); err != nil {
		return err
	}
	reserve.Liquidity.AvailableAmount -= amount
	reserve.Liquidity.BorrowedAmount = borrowed
	reserve.LastUpdate.MarkStale()
	obligation.LastUpdate.MarkStale()
	op.putReserve(reserve)
	op.putObligation(obligation)
	return nil
}

// Repay settles up to amount of the obligation's debt in reserve and returns
// the amount actually taken from the payer. Anyone may repay.
func (op *Operation) Repay(payer, obligationAddr, reserveAddr crypto.Address, amount uint64) (uint64, error) {
	if err := op.check(); err != nil {
		return 0, err
	}
	if err := op.engine.guard(ActionRepay); err != nil {
		return 0, err
	}
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	obligation, err := op.freshObligation(obligationAddr)
	if err != nil {
		return 0, err
	}
	reserve, err := op.freshReserve(reserveAddr)
	if err != nil {
		return 0, err
	}
	borrow, ok := obligation.Borrow(reserveAddr)
	if !ok {
		return 0, fmtInvalidAccount("no debt in reserve %s", reserveAddr.Encode(crypto.ReservePrefix))
	}
	settle := FractionFromInt(amount).Min(borrow.BorrowedAmount)
	paid, err := settle.Ceil()
	if err != nil {
		return 0, err
	}
	available, err := checkedAdd(reserve.Liquidity.AvailableAmount, paid)
	if err != nil {
		return 0, err
	}
	if err := obligation.settleBorrow(reserveAddr, settle); err != nil {
		return 0, err
	}
	reserve.Liquidity.AvailableAmount = available
	reserve.Liquidity.BorrowedAmount = reserve.Liquidity.BorrowedAmount.SaturatingSub(settle)
	reserve.LastUpdate.MarkStale()
	obligation.LastUpdate.MarkStale()
	op.putReserve(reserve)
	op.putObligation(obligation)
	op.engine.logger.Debug("obligation repaid",
		"operation", op.id.String(),
		"payer", payer.String(),
		"obligation", obligationAddr.String(),
		"amount", paid)
	return paid, nil
}

func (op *Operation) consumeWithdrawalCap(reserve *Reserve, amount uint64) error {
	usage, err := nativecommon.CheckCap(reserve.Config.WithdrawalCap, op.engine.now, reserve.WithdrawalUsage, amount)
	switch {
	case err == nil:
		reserve.WithdrawalUsage = usage
		return nil
	case errors.Is(err, nativecommon.ErrCapExceeded):
		return fmt.Errorf("%w: reserve %s, remaining %d", ErrWithdrawalCapReached,
			reserve.Address.Encode(crypto.ReservePrefix), reserve.Config.WithdrawalCap.Remaining(op.engine.now, reserve.WithdrawalUsage))
	case errors.Is(err, nativecommon.ErrCapCounterOverflow):
		return fmt.Errorf("%w: %v", ErrOverflow, err)
	default:
		return fmt.Errorf("%w: %v", ErrStaleState, err)
	}
}

// LiquidateRequest is a liquidator's request against one obligation.
type LiquidateRequest struct {
	Liquidator      crypto.Address
	Obligation      crypto.Address
	RepayReserve    crypto.Address
	WithdrawReserve crypto.Address
	// LiquidityAmount is the most debt the liquidator is willing to repay.
	LiquidityAmount uint64
	// MinAcceptableReceivedLiquidityAmount bounds slippage on the seized
	// collateral after protocol fees.
	MinAcceptableReceivedLiquidityAmount uint64
	// MaxAllowedLTVOverridePercent is only honoured for the owner in
	// self-test deployments.
	MaxAllowedLTVOverridePercent uint64
	// RemainingReserves are the other reserves the obligation references.
	RemainingReserves []crypto.Address
}

// LiquidationResult is handed to the transfer executor.
type LiquidationResult struct {
	Operation         uuid.UUID
	Obligation        crypto.Address
	RepayReserve      crypto.Address
	WithdrawReserve   crypto.Address
	Eligibility       Eligibility
	Params            LiquidationParams
	ProtocolFee       uint64
	NetWithdrawAmount uint64
	// RedeemedAmount is the seized collateral paid out of the vault. It
	// includes the protocol fee charged on it.
	RedeemedAmount uint64
	// ClaimAmount is the seized collateral the vault could not pay out,
	// credited net of fees to ClaimObligation instead.
	ClaimAmount     uint64
	ClaimObligation crypto.Address
	// NetVaultDelta is redeemed minus repay for same-reserve liquidations.
	NetVaultDelta int64
	SameReserve   bool
}

// Liquidate repays part of an unhealthy obligation's debt in exchange for its
// collateral plus a bonus.
func (op *Operation) Liquidate(req LiquidateRequest) (LiquidationResult, error) {
	if err := op.check(); err != nil {
		return LiquidationResult{}, err
	}
	result, err := op.liquidate(req)
	switch {
	case err == nil:
		op.engine.observer.Liquidation("liquidated", result.Params.RepayAmount, result.Params.WithdrawAmount)
	case errors.Is(err, ErrNotLiquidatable):
		op.engine.observer.Liquidation("not_liquidatable", 0, 0)
	case Classify(err) == ClassRefresh:
		op.engine.observer.Liquidation("stale", 0, 0)
	default:
		op.engine.observer.Liquidation("rejected", 0, 0)
	}
	return result, err
}

// liquidate works on private copies of the obligation and reserves. They
// replace the operation's entities only once every check has passed, so a
// failure leaves the operation exactly as it found it.
func (op *Operation) liquidate(req LiquidateRequest) (LiquidationResult, error) {
	e := op.engine
	if err := e.guard(ActionLiquidate); err != nil {
		return LiquidationResult{}, err
	}
	if req.LiquidityAmount == 0 {
		return LiquidationResult{}, ErrInvalidAmount
	}
	obligation, err := op.obligation(req.Obligation)
	if err != nil {
		return LiquidationResult{}, err
	}
	market, err := op.market(obligation.LendingMarket)
	if err != nil {
		return LiquidationResult{}, err
	}

	set, err := ParseReserveRefs(obligation.LendingMarket, req.RemainingReserves, op.reserve)
	if err != nil {
		return LiquidationResult{}, err
	}
	repayReserve, err := op.reserve(req.RepayReserve)
	if err != nil {
		return LiquidationResult{}, err
	}
	withdrawReserve, err := op.reserve(req.WithdrawReserve)
	if err != nil {
		return LiquidationResult{}, err
	}
	if err := set.Add(repayReserve); err != nil {
		return LiquidationResult{}, err
	}
	if err := set.Add(withdrawReserve); err != nil {
		return LiquidationResult{}, err
	}
	if err := set.Covers(obligation); err != nil {
		return LiquidationResult{}, err
	}

	if obligation.LastUpdate.IsStale(e.slot) {
		return LiquidationResult{}, fmt.Errorf("%w: obligation %s needs refresh", ErrStaleState, req.Obligation)
	}
	var staleErr error
	set.each(func(r *Reserve) {
		if staleErr == nil && r.LastUpdate.IsStale(e.slot) {
			staleErr = fmt.Errorf("%w: reserve %s needs refresh", ErrStaleState, r.Address.Encode(crypto.ReservePrefix))
		}
	})
	if staleErr != nil {
		return LiquidationResult{}, staleErr
	}
	group, err := market.ElevationGroup(obligation.ElevationGroup)
	if err != nil {
		return LiquidationResult{}, err
	}

	report, err := obligation.Health()
	if err != nil {
		return LiquidationResult{}, err
	}
	pct, overridden, decision := ResolveLTVOverride(OverrideRequest{
		Caller:  req.Liquidator,
		Owner:   obligation.Owner,
		Percent: req.MaxAllowedLTVOverridePercent,
		Mode:    e.mode,
	})
	if decision == OverrideRejectedMode {
		e.logger.Warn("ltv override rejected outside self-test mode",
			"operation", op.id.String(),
			"caller", req.Liquidator.String(),
			"obligation", req.Obligation.String(),
			"percent", req.MaxAllowedLTVOverridePercent,
			"mode", e.mode.String())
		e.observer.OverrideRejected(req.Liquidator, req.Obligation, req.MaxAllowedLTVOverridePercent)
	}

	eligibility, bonus, err := liquidationEligibility(market, obligation, group, set, report, pct, overridden, repayReserve, withdrawReserve, e.now)
	if err != nil {
		return LiquidationResult{Eligibility: eligibility}, err
	}
	params, err := SizeLiquidation(market, obligation, report, bonus, repayReserve, withdrawReserve, req.LiquidityAmount)
	if err != nil {
		return LiquidationResult{Eligibility: eligibility}, err
	}
	fee, err := ProtocolLiquidationFee(params.WithdrawAmount, params.Bonus, withdrawReserve.Config.ProtocolLiquidationFeePct)
	if err != nil {
		return LiquidationResult{}, err
	}
	received := params.WithdrawAmount - fee
	if received < req.MinAcceptableReceivedLiquidityAmount {
		return LiquidationResult{Eligibility: eligibility}, fmt.Errorf("%w: would receive %d, minimum %d",
			ErrLiquidationRewardTooSmall, received, req.MinAcceptableReceivedLiquidityAmount)
	}

	result := LiquidationResult{
		Operation:         op.id,
		Obligation:        req.Obligation,
		RepayReserve:      req.RepayReserve,
		WithdrawReserve:   req.WithdrawReserve,
		Eligibility:       eligibility,
		Params:            params,
		ProtocolFee:       fee,
		NetWithdrawAmount: received,
		SameReserve:       req.RepayReserve == req.WithdrawReserve,
	}

	liquidated := obligation.Clone()
	repayNext := repayReserve.Clone()
	withdrawNext := repayNext
	if !result.SameReserve {
		withdrawNext = withdrawReserve.Clone()
	}
	if err := liquidated.settleBorrow(req.RepayReserve, params.SettleAmount); err != nil {
		return LiquidationResult{}, err
	}
	if err := liquidated.removeCollateral(req.WithdrawReserve, params.WithdrawAmount); err != nil {
		return LiquidationResult{}, err
	}
	repayNext.Liquidity.BorrowedAmount = repayNext.Liquidity.BorrowedAmount.SaturatingSub(params.SettleAmount)

	if result.SameReserve {
		pre := repayNext.Liquidity.AvailableAmount
		funds, err := checkedAdd(pre, params.RepayAmount)
		if err != nil {
			return LiquidationResult{}, err
		}
		result.RedeemedAmount = min(params.WithdrawAmount, funds)
		net, err := NetAmount(result.RedeemedAmount, params.RepayAmount)
		if err != nil {
			return LiquidationResult{}, err
		}
		post, err := applyNetAmount(pre, net)
		if err != nil {
			return LiquidationResult{}, err
		}
		if err := reconcileVault(pre, post, params.RepayAmount, result.RedeemedAmount); err != nil {
			return LiquidationResult{}, err
		}
		repayNext.Liquidity.AvailableAmount = post
		result.NetVaultDelta = net
	} else {
		available, err := checkedAdd(repayNext.Liquidity.AvailableAmount, params.RepayAmount)
		if err != nil {
			return LiquidationResult{}, err
		}
		repayNext.Liquidity.AvailableAmount = available
		result.RedeemedAmount = min(params.WithdrawAmount, withdrawNext.Liquidity.AvailableAmount)
		withdrawNext.Liquidity.AvailableAmount -= result.RedeemedAmount
	}

	var claim *Obligation
	if unredeemed := params.WithdrawAmount - result.RedeemedAmount; unredeemed > 0 {
		if claim, err = op.claimObligation(market, req, withdrawNext); err != nil {
			return LiquidationResult{}, err
		}
		// The fee comes out of the redeemed liquidity first.
		claimFee := fee - min(fee, result.RedeemedAmount)
		result.ClaimAmount = unredeemed - claimFee
		result.ClaimObligation = claim.Address
		if claimFee > 0 {
			fees, err := withdrawNext.Liquidity.AccumulatedProtocolFees.Add(FractionFromInt(claimFee))
			if err != nil {
				return LiquidationResult{}, err
			}
			withdrawNext.Liquidity.AccumulatedProtocolFees = fees
		}
		if result.ClaimAmount > 0 {
			if err := claim.addCollateral(req.WithdrawReserve, result.ClaimAmount); err != nil {
				return LiquidationResult{}, err
			}
		}
	}

	repayNext.LastUpdate.MarkStale()
	withdrawNext.LastUpdate.MarkStale()
	liquidated.LastUpdate.MarkStale()
	op.putReserve(repayNext)
	op.putReserve(withdrawNext)
	op.putObligation(liquidated)
	if claim != nil {
		claim.LastUpdate.MarkStale()
		op.putObligation(claim)
	}

	e.logger.Info("obligation liquidated",
		"operation", op.id.String(),
		"obligation", req.Obligation.String(),
		"liquidator", req.Liquidator.String(),
		"reason", eligibility.Reason.String(),
		"user_ltv", eligibility.UserLTV.String(),
		"threshold", eligibility.Threshold.String(),
		"overridden", eligibility.Overridden,
		"repay", params.RepayAmount,
		"withdraw", params.WithdrawAmount,
		"redeemed", result.RedeemedAmount,
		"claimed", result.ClaimAmount,
		"bonus", params.Bonus.String(),
		"closeout", params.Closeout,
		"protocol_fee", fee)
	return result, nil
}

// liquidationEligibility applies the regular LTV rule first and falls back to
// deleveraging. Collateral priority only binds regular liquidations.
func liquidationEligibility(market *LendingMarket, obligation *Obligation, group *ElevationGroup, set *ReserveSet, report HealthReport,
	overridePct uint64, overridden bool, repayReserve, withdrawReserve *Reserve, now uint64) (Eligibility, Fraction, error) {
	eligibility, err := EvaluateEligibility(report, overridePct, overridden)
	if err == nil {
		if err := CheckLiquidationPriority(obligation, group, set.Lookup, repayReserve, withdrawReserve); err != nil {
			return eligibility, Fraction{}, err
		}
		groupCap := ElevationGroupBonusCap(market, obligation, withdrawReserve.Config, repayReserve.Config)
		return eligibility, LiquidationBonus(withdrawReserve.Config, repayReserve.Config, report, eligibility.Threshold, groupCap), nil
	}
	if !errors.Is(err, ErrNotLiquidatable) {
		return eligibility, Fraction{}, err
	}
	deleveraging, ok, checkErr := CheckDeleveraging(market, obligation, report, withdrawReserve, repayReserve, now)
	if checkErr != nil {
		return eligibility, Fraction{}, checkErr
	}
	if !ok {
		return eligibility, Fraction{}, err
	}
	return deleveraging.Eligibility, deleveraging.Bonus, nil
}

// ClaimObligationAddress derives the obligation that holds a liquidator's
// unredeemed collateral in market.
func ClaimObligationAddress(market, liquidator crypto.Address) crypto.Address {
	var addr crypto.Address
	copy(addr[:], ethcrypto.Keccak256([]byte("lending/claim/"), market.Bytes(), liquidator.Bytes()))
	return addr
}

// claimObligation loads or opens the liquidator's claim obligation and
// returns a private copy of it.
func (op *Operation) claimObligation(market *LendingMarket, req LiquidateRequest, reserve *Reserve) (*Obligation, error) {
	addr := ClaimObligationAddress(market.Address, req.Liquidator)
	if addr == req.Obligation {
		return nil, fmtInvalidAccount("claim obligation %s is the liquidated obligation", addr)
	}
	existing, err := op.obligation(addr)
	switch {
	case errors.Is(err, ErrInvalidAccount):
		claim := &Obligation{Address: addr, LendingMarket: market.Address, Owner: req.Liquidator}
		claim.LastUpdate.MarkStale()
		return claim, nil
	case err != nil:
		return nil, err
	}
	if existing.Owner != req.Liquidator || existing.LendingMarket != market.Address {
		return nil, fmtInvalidAccount("claim obligation %s belongs to another owner or market", addr)
	}
	if id := existing.ElevationGroup; id != ElevationGroupNone && !reserve.Config.InElevationGroup(id) {
		return nil, fmtInvalidAccount("reserve %s is not in elevation group %d of claim obligation %s",
			reserve.Address.Encode(crypto.ReservePrefix), id, addr)
	}
	return existing.Clone(), nil
}

// Refresh refreshes every reserve the obligation references, plus any extra
// reserves given, then the obligation itself in a single operation.
func (e *Engine) Refresh(obligation crypto.Address, reserves ...crypto.Address) (HealthReport, error) {
	var report HealthReport
	err := e.Atomic(func(op *Operation) error {
		var err error
		report, err = op.refreshAll(obligation, reserves)
		return err
	})
	return report, err
}

// Health computes the obligation's health from fresh prices without
// persisting anything.
func (e *Engine) Health(obligation crypto.Address) (HealthReport, error) {
	op, err := e.Begin()
	if err != nil {
		return HealthReport{}, err
	}
	defer op.Discard()
	return op.refreshAll(obligation, nil)
}

func (op *Operation) refreshAll(obligationAddr crypto.Address, reserves []crypto.Address) (HealthReport, error) {
	obligation, err := op.obligation(obligationAddr)
	if err != nil {
		return HealthReport{}, err
	}
	all := obligationReserves(obligation)
	for _, addr := range reserves {
		all = appendUnique(all, addr)
	}
	for _, addr := range all {
		if err := op.RefreshReserve(addr); err != nil {
			return HealthReport{}, err
		}
	}
	return op.RefreshObligation(obligationAddr)
}

func obligationReserves(o *Obligation) []crypto.Address {
	var out []crypto.Address
	for _, d := range o.Deposits {
		out = appendUnique(out, d.DepositReserve)
	}
	for _, b := range o.Borrows {
		out = appendUnique(out, b.BorrowReserve)
	}
	return out
}

// Liquidate runs a liquidation as its own operation.
func (e *Engine) Liquidate(req LiquidateRequest) (LiquidationResult, error) {
	var result LiquidationResult
	err := e.Atomic(func(op *Operation) error {
		var err error
		result, err = op.Liquidate(req)
		return err
	})
	return result, err
}

// RefreshAndLiquidate refreshes every entity the request references and
// liquidates in the same operation, so the liquidation sees exactly the
// prices and health it was sized against.
func (e *Engine) RefreshAndLiquidate(req LiquidateRequest) (LiquidationResult, error) {
	var result LiquidationResult
	err := e.Atomic(func(op *Operation) error {
		if _, err := op.refreshAll(req.Obligation, req.referencedReserves()); err != nil {
			return err
		}
		var err error
		result, err = op.Liquidate(req)
		return err
	})
	return result, err
}

// PreviewLiquidation refreshes every referenced entity and sizes the
// liquidation without committing anything.
func (e *Engine) PreviewLiquidation(req LiquidateRequest) (LiquidationResult, error) {
	op, err := e.Begin()
	if err != nil {
		return LiquidationResult{}, err
	}
	defer op.Discard()
	if _, err := op.refreshAll(req.Obligation, req.referencedReserves()); err != nil {
		return LiquidationResult{}, err
	}
	return op.Liquidate(req)
}

func (req LiquidateRequest) referencedReserves() []crypto.Address {
	return append([]crypto.Address{req.RepayReserve, req.WithdrawReserve}, req.RemainingReserves...)
}

// RequestElevationGroup moves the obligation into elevation group id, or out
// of any group for ElevationGroupNone. Every reserve the obligation holds
// must belong to the group and the position must stay within the group's
// allowed borrow value. The obligation must be fresh.
func (op *Operation) RequestElevationGroup(owner, obligationAddr crypto.Address, id uint8) error {
	if err := op.check(); err != nil {
		return err
	}
	if _, err := op.ownedObligation(owner, obligationAddr); err != nil {
		return err
	}
	obligation, err := op.freshObligation(obligationAddr)
	if err != nil {
		return err
	}
	if obligation.ElevationGroup == id {
		return fmtInvalidAccount("obligation %s already in elevation group %d", obligationAddr, id)
	}
	market, err := op.market(obligation.LendingMarket)
	if err != nil {
		return err
	}
	group, err := market.ElevationGroup(id)
	if err != nil {
		return err
	}
	if group != nil && !group.AllowNewLoans && len(obligation.Borrows) > 0 {
		return fmt.Errorf("%w: elevation group %d closed to new loans", ErrBorrowingDisabled, id)
	}
	refreshed, report, err := ComputeHealth(obligation, group, op.freshReserve, op.engine.oracle, op.engine.now)
	if err != nil {
		return err
	}
	if report.BorrowFactorAdjustedDebtValue.Gt(report.AllowedBorrowValue) {
		return fmt.Errorf("%w: debt %s, allowed in group %d %s", ErrHealthCheckFailed,
			report.BorrowFactorAdjustedDebtValue, id, report.AllowedBorrowValue)
	}
	refreshed.ElevationGroup = id
	refreshed.LastUpdate.Update(op.engine.slot)
	op.putObligation(refreshed)
	op.engine.logger.Info("elevation group changed",
		"operation", op.id.String(),
		"obligation", obligationAddr.String(),
		"group", id)
	return nil
}

// ReserveRates are a reserve's current utilisation and interest rates.
type ReserveRates struct {
	Reserve      crypto.Address
	Status       ReserveStatus
	Available    uint64
	Borrowed     Fraction
	Utilisation  Fraction
	BorrowAPR    Fraction
	SupplyAPY    Fraction
	DepositLimit uint64
	BorrowLimit  uint64
	ProtocolFees Fraction
	LastAccrual  uint64
}

// ReserveRates reports the reserve's rates from its stored state.
func (e *Engine) ReserveRates(addr crypto.Address) (ReserveRates, error) {
	op, err := e.Begin()
	if err != nil {
		return ReserveRates{}, err
	}
	defer op.Discard()
	reserve, err := op.reserve(addr)
	if err != nil {
		return ReserveRates{}, err
	}
	liq := reserve.Liquidity
	supplied, err := liq.TotalSupply()
	if err != nil {
		return ReserveRates{}, err
	}
	utilisation, err := reserve.Config.Interest.Utilisation(liq.BorrowedAmount, supplied)
	if err != nil {
		return ReserveRates{}, err
	}
	borrowAPR, err := reserve.Config.Interest.BorrowAPR(utilisation)
	if err != nil {
		return ReserveRates{}, err
	}
	supplyAPY, err := reserve.Config.Interest.SupplyAPY(utilisation, reserve.Config.ProtocolTakeRatePct)
	if err != nil {
		return ReserveRates{}, err
	}
	return ReserveRates{
		Reserve:      addr,
		Status:       reserve.Config.Status,
		Available:    liq.AvailableAmount,
		Borrowed:     liq.BorrowedAmount,
		Utilisation:  utilisation,
		BorrowAPR:    borrowAPR,
		SupplyAPY:    supplyAPY,
		DepositLimit: reserve.Config.DepositLimit,
		BorrowLimit:  reserve.Config.BorrowLimit,
		ProtocolFees: liq.AccumulatedProtocolFees,
		LastAccrual:  liq.LastAccrualTimestamp,
	}, nil
}

// ApplyGenesis installs the configured market and reserves. Entities that
// already exist are left untouched so restarts are idempotent.
func (e *Engine) ApplyGenesis(market *LendingMarket, reserves []*Reserve) error {
	if market == nil {
		return fmtInvalidAccount("genesis market not set")
	}
	return e.Atomic(func(op *Operation) error {
		if _, err := op.market(market.Address); err != nil {
			if !errors.Is(err, ErrInvalidAccount) {
				return err
			}
			if err := op.InitLendingMarket(market); err != nil {
				return err
			}
		}
		for _, reserve := range reserves {
			if reserve == nil {
				continue
			}
			if _, err := op.reserve(reserve.Address); err == nil {
				continue
			} else if !errors.Is(err, ErrInvalidAccount) {
				return err
			}
			if err := op.InitReserve(reserve); err != nil {
				return err
			}
		}
		return nil
	})
}
