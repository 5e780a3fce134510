package lending

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"lendguard/crypto"
)

// Changes is the write set of one operation. The state applies it in full or
// not at all.
type Changes struct {
	Markets     []*LendingMarket
	Reserves    []*Reserve
	Obligations []*Obligation
}

// Empty reports whether the change set writes nothing.
func (c Changes) Empty() bool {
	return len(c.Markets) == 0 && len(c.Reserves) == 0 && len(c.Obligations) == 0
}

type engineState interface {
	GetLendingMarket(addr crypto.Address) (*LendingMarket, error)
	GetReserve(addr crypto.Address) (*Reserve, error)
	GetObligation(addr crypto.Address) (*Obligation, error)
	Commit(changes Changes) error
}

type flashMarker struct {
	reserve crypto.Address
	amount  uint64
	fee     uint64
	repaid  bool
}

// FlashLoan describes an outstanding flash borrow.
type FlashLoan struct {
	Reserve crypto.Address
	Amount  uint64
	Fee     uint64
}

// Operation is an all-or-nothing unit of work. Entities are loaded once,
// mutated as private copies and written back together by Commit. Discard,
// or any failed Commit, leaves the state untouched. An operation holds the
// engine exclusively until it is finished.
type Operation struct {
	id     uuid.UUID
	engine *Engine

	markets     map[crypto.Address]*LendingMarket
	reserves    map[crypto.Address]*Reserve
	obligations map[crypto.Address]*Obligation

	dirtyMarkets     []crypto.Address
	dirtyReserves    []crypto.Address
	dirtyObligations []crypto.Address

	flash *flashMarker
	done  bool
}

// Begin opens an operation. The caller must finish it with Commit or Discard.
func (e *Engine) Begin() (*Operation, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	return &Operation{
		id:          uuid.New(),
		engine:      e,
		markets:     make(map[crypto.Address]*LendingMarket),
		reserves:    make(map[crypto.Address]*Reserve),
		obligations: make(map[crypto.Address]*Obligation),
	}, nil
}

// Atomic runs fn inside a fresh operation and commits only when fn succeeds.
func (e *Engine) Atomic(fn func(op *Operation) error) error {
	op, err := e.Begin()
	if err != nil {
		return err
	}
	// Releases the engine if fn panics.
	defer op.Discard()
	if err := fn(op); err != nil {
		return err
	}
	return op.Commit()
}

// ID identifies the operation in logs and flash markers.
func (op *Operation) ID() uuid.UUID { return op.id }

// Commit writes every modified entity in one batch. An outstanding flash
// borrow aborts the whole operation.
func (op *Operation) Commit() error {
	if op.done {
		return ErrOperationClosed
	}
	defer op.finish()
	if op.flash != nil && !op.flash.repaid {
		op.engine.observer.FlashLoan("unrepaid")
		op.engine.logger.Warn("flash borrow not repaid, discarding operation",
			"operation", op.id.String(),
			"reserve", op.flash.reserve.Encode(crypto.ReservePrefix),
			"amount", op.flash.amount)
		return fmt.Errorf("%w: %d borrowed from %s", ErrUnmatchedFlashRepay, op.flash.amount, op.flash.reserve.Encode(crypto.ReservePrefix))
	}
	changes := op.changes()
	if changes.Empty() {
		return nil
	}
	return op.engine.state.Commit(changes)
}

// Discard drops every pending change.
func (op *Operation) Discard() {
	if op.done {
		return
	}
	op.finish()
}

func (op *Operation) finish() {
	op.done = true
	op.engine.mu.Unlock()
}

func (op *Operation) changes() Changes {
	var c Changes
	for _, addr := range op.dirtyMarkets {
		c.Markets = append(c.Markets, op.markets[addr])
	}
	for _, addr := range op.dirtyReserves {
		c.Reserves = append(c.Reserves, op.reserves[addr])
	}
	for _, addr := range op.dirtyObligations {
		c.Obligations = append(c.Obligations, op.obligations[addr])
	}
	return c
}

func (op *Operation) check() error {
	if op == nil || op.done {
		return ErrOperationClosed
	}
	return nil
}

func (op *Operation) market(addr crypto.Address) (*LendingMarket, error) {
	if m, ok := op.markets[addr]; ok {
		return m, nil
	}
	m, err := op.engine.state.GetLendingMarket(addr)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmtInvalidAccount("unknown lending market %s", addr)
	}
	m = m.Clone()
	op.markets[addr] = m
	return m, nil
}

func (op *Operation) reserve(addr crypto.Address) (*Reserve, error) {
	if r, ok := op.reserves[addr]; ok {
		return r, nil
	}
	r, err := op.engine.state.GetReserve(addr)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmtInvalidAccount("unknown reserve %s", addr.Encode(crypto.ReservePrefix))
	}
	r = r.Clone()
	op.reserves[addr] = r
	return r, nil
}

func (op *Operation) obligation(addr crypto.Address) (*Obligation, error) {
	if o, ok := op.obligations[addr]; ok {
		return o, nil
	}
	o, err := op.engine.state.GetObligation(addr)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmtInvalidAccount("unknown obligation %s", addr)
	}
	o = o.Clone()
	op.obligations[addr] = o
	return o, nil
}

func (op *Operation) putMarket(m *LendingMarket) {
	op.dirtyMarkets = appendUnique(op.dirtyMarkets, m.Address)
	op.markets[m.Address] = m
}

func (op *Operation) putReserve(r *Reserve) {
	op.dirtyReserves = appendUnique(op.dirtyReserves, r.Address)
	op.reserves[r.Address] = r
}

func (op *Operation) putObligation(o *Obligation) {
	op.dirtyObligations = appendUnique(op.dirtyObligations, o.Address)
	op.obligations[o.Address] = o
}

func containsAddr(list []crypto.Address, addr crypto.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}

func appendUnique(list []crypto.Address, addr crypto.Address) []crypto.Address {
	if containsAddr(list, addr) {
		return list
	}
	return append(list, addr)
}

// FlashBorrow lends amount from reserve for the lifetime of the operation.
// Only one flash borrow is allowed per operation.
func (op *Operation) FlashBorrow(reserveAddr crypto.Address, amount uint64) (FlashLoan, error) {
	if err := op.check(); err != nil {
		return FlashLoan{}, err
	}
	if err := op.engine.guard(ActionFlashLoan); err != nil {
		return FlashLoan{}, err
	}
	if op.flash != nil {
		op.engine.observer.FlashLoan("duplicate")
		return FlashLoan{}, fmt.Errorf("%w: operation %s already borrowed from %s", ErrDuplicateFlashBorrow, op.id, op.flash.reserve.Encode(crypto.ReservePrefix))
	}
	if amount == 0 {
		return FlashLoan{}, ErrInvalidAmount
	}
	reserve, err := op.reserve(reserveAddr)
	if err != nil {
		return FlashLoan{}, err
	}
	if reserve.Config.FlashLoansDisabled {
		return FlashLoan{}, ErrFlashLoansDisabled
	}
	if reserve.Config.Status == ReserveObsolete {
		return FlashLoan{}, fmtInvalidAccount("reserve %s is obsolete", reserveAddr.Encode(crypto.ReservePrefix))
	}
	if reserve.Liquidity.AvailableAmount < amount {
		return FlashLoan{}, fmt.Errorf("%w: %d available, %d requested", ErrInsufficientLiquidity, reserve.Liquidity.AvailableAmount, amount)
	}
	fee, err := flashLoanFee(amount, reserve.Config.FlashLoanFeeBps)
	if err != nil {
		return FlashLoan{}, err
	}
	reserve.Liquidity.AvailableAmount -= amount
	op.putReserve(reserve)
	op.flash = &flashMarker{reserve: reserveAddr, amount: amount, fee: fee}
	op.engine.observer.FlashLoan("borrowed")
	return FlashLoan{Reserve: reserveAddr, Amount: amount, Fee: fee}, nil
}

// FlashRepay returns a flash borrow. The reserve and amount must match the
// borrow recorded in this operation; the fee is added on top.
func (op *Operation) FlashRepay(reserveAddr crypto.Address, amount uint64) error {
	if err := op.check(); err != nil {
		return err
	}
	if op.flash == nil || op.flash.repaid {
		op.engine.observer.FlashLoan("unmatched")
		return fmt.Errorf("%w: no outstanding flash borrow", ErrUnmatchedFlashRepay)
	}
	if op.flash.reserve != reserveAddr || op.flash.amount != amount {
		op.engine.observer.FlashLoan("unmatched")
		return fmt.Errorf("%w: repay of %d to %s does not match borrow of %d from %s", ErrUnmatchedFlashRepay,
			amount, reserveAddr.Encode(crypto.ReservePrefix), op.flash.amount, op.flash.reserve.Encode(crypto.ReservePrefix))
	}
	reserve, err := op.reserve(reserveAddr)
	if err != nil {
		return err
	}
	total, err := checkedAdd(amount, op.flash.fee)
	if err != nil {
		return err
	}
	available, err := checkedAdd(reserve.Liquidity.AvailableAmount, total)
	if err != nil {
		return err
	}
	fees, err := reserve.Liquidity.AccumulatedProtocolFees.Add(FractionFromInt(op.flash.fee))
	if err != nil {
		return err
	}
	reserve.Liquidity.AvailableAmount = available
	reserve.Liquidity.AccumulatedProtocolFees = fees
	op.putReserve(reserve)
	op.flash.repaid = true
	op.engine.observer.FlashLoan("repaid")
	return nil
}

// OutstandingFlashLoan reports the unrepaid flash borrow, if any.
func (op *Operation) OutstandingFlashLoan() (FlashLoan, bool) {
	if op.flash == nil || op.flash.repaid {
		return FlashLoan{}, false
	}
	return FlashLoan{Reserve: op.flash.reserve, Amount: op.flash.amount, Fee: op.flash.fee}, true
}

func flashLoanFee(amount, feeBps uint64) (uint64, error) {
	if feeBps == 0 {
		return 0, nil
	}
	fee, err := FractionFromInt(amount).Mul(FractionFromBps(feeBps))
	if err != nil {
		return 0, err
	}
	return fee.Ceil()
}

// applyNetAmount moves a vault balance by the signed net amount leaving it:
// a positive net withdraws, a negative net deposits.
func applyNetAmount(balance uint64, net int64) (uint64, error) {
	if net >= 0 {
		if uint64(net) > balance {
			return 0, fmt.Errorf("%w: vault holds %d, net withdraw %d", ErrInsufficientLiquidity, balance, net)
		}
		return balance - uint64(net), nil
	}
	inflow := uint64(-(net + 1)) + 1
	return checkedAdd(balance, inflow)
}

// reconcileVault checks post == pre + repay - withdraw in 256-bit arithmetic.
func reconcileVault(pre, post, repay, withdraw uint64) error {
	var expected uint256.Int
	expected.Add(uint256.NewInt(pre), uint256.NewInt(repay))
	if expected.Lt(uint256.NewInt(withdraw)) {
		return fmt.Errorf("%w: vault would go negative", ErrArithmeticRange)
	}
	expected.Sub(&expected, uint256.NewInt(withdraw))
	if !expected.Eq(uint256.NewInt(post)) {
		return fmt.Errorf("%w: vault balance %d, expected %s", ErrArithmeticRange, post, expected.Dec())
	}
	return nil
}
