package lending

import (
	"lendguard/crypto"
	nativecommon "lendguard/native/common"
)

const (
	// MaxObligationDeposits bounds the collateral entries held by one obligation.
	MaxObligationDeposits = 8
	// MaxObligationBorrows bounds the debt entries held by one obligation.
	MaxObligationBorrows = 5
)

// ReserveStatus gates what a reserve may be used for.
type ReserveStatus uint8

const (
	ReserveActive ReserveStatus = iota
	// ReserveObsolete reserves only accept repayments and withdrawals.
	ReserveObsolete
	// ReserveHidden reserves behave like active ones but are not listed.
	ReserveHidden
)

func (s ReserveStatus) String() string {
	switch s {
	case ReserveActive:
		return "active"
	case ReserveObsolete:
		return "obsolete"
	case ReserveHidden:
		return "hidden"
	default:
		return "unknown"
	}
}

// LastUpdate records the slot an entity was last refreshed in.
type LastUpdate struct {
	Slot  uint64
	Stale bool
}

// IsStale reports whether the entity must be refreshed before use at slot.
func (u LastUpdate) IsStale(slot uint64) bool {
	return u.Stale || u.Slot != slot
}

func (u *LastUpdate) Update(slot uint64) {
	u.Slot = slot
	u.Stale = false
}

func (u *LastUpdate) MarkStale() {
	u.Stale = true
}

// ReserveLiquidity tracks the liquidity side of a reserve.
type ReserveLiquidity struct {
	MintDecimals            uint64
	AvailableAmount         uint64
	BorrowedAmount          Fraction
	MarketPrice             Fraction
	MarketPriceUpdatedAt    uint64
	CumulativeBorrowRate    Fraction
	AccumulatedProtocolFees Fraction
	LastAccrualTimestamp    uint64
	// DepositLimitCrossedTimestamp is the first refresh time at which the
	// total supply exceeded the deposit limit, zero while below it.
	DepositLimitCrossedTimestamp uint64
	// BorrowLimitCrossedTimestamp mirrors DepositLimitCrossedTimestamp for
	// the borrow limit.
	BorrowLimitCrossedTimestamp uint64
}

// TotalSupply returns available + borrowed - protocol fees.
func (l ReserveLiquidity) TotalSupply() (Fraction, error) {
	total, err := FractionFromInt(l.AvailableAmount).Add(l.BorrowedAmount)
	if err != nil {
		return Fraction{}, err
	}
	return total.SaturatingSub(l.AccumulatedProtocolFees), nil
}

// ReserveConfig holds the risk parameters of a single reserve.
type ReserveConfig struct {
	Status                     ReserveStatus            `toml:"Status"`
	LoanToValuePct             uint64                   `toml:"LoanToValuePct"`
	LiquidationThresholdPct    uint64                   `toml:"LiquidationThresholdPct"`
	MinLiquidationBonusBps     uint64                   `toml:"MinLiquidationBonusBps"`
	MaxLiquidationBonusBps     uint64                   `toml:"MaxLiquidationBonusBps"`
	BadDebtLiquidationBonusBps uint64                   `toml:"BadDebtLiquidationBonusBps"`
	BorrowFactorPct            uint64                   `toml:"BorrowFactorPct"`
	ProtocolLiquidationFeePct  uint64                   `toml:"ProtocolLiquidationFeePct"`
	ProtocolTakeRatePct        uint64                   `toml:"ProtocolTakeRatePct"`
	FlashLoanFeeBps            uint64                   `toml:"FlashLoanFeeBps"`
	FlashLoansDisabled         bool                     `toml:"FlashLoansDisabled"`
	BorrowLimit                uint64                   `toml:"BorrowLimit"`
	DepositLimit               uint64                   `toml:"DepositLimit"`
	// ElevationGroups lists the groups this reserve may be used in.
	ElevationGroups            []uint8                  `toml:"ElevationGroups"`
	Oracle                     OracleConfig             `toml:"oracle"`
	WithdrawalCap              nativecommon.IntervalCap `toml:"withdrawal_cap"`
	Interest                   InterestModel            `toml:"interest"`

	AutodeleverageEnabled                  bool   `toml:"AutodeleverageEnabled"`
	DeleveragingMarginCallPeriodSecs       uint64 `toml:"DeleveragingMarginCallPeriodSecs"`
	DeleveragingThresholdDecreaseBpsPerDay uint64 `toml:"DeleveragingThresholdDecreaseBpsPerDay"`
	DeleveragingBonusIncreaseBpsPerDay     uint64 `toml:"DeleveragingBonusIncreaseBpsPerDay"`
}

// EffectiveBorrowFactor returns the borrow factor, never below one.
func (c ReserveConfig) EffectiveBorrowFactor() Fraction {
	if c.BorrowFactorPct < 100 {
		return FractionOne
	}
	return FractionFromPercent(c.BorrowFactorPct)
}

// InElevationGroup reports whether the reserve may be used in group id.
func (c ReserveConfig) InElevationGroup(id uint8) bool {
	for _, g := range c.ElevationGroups {
		if g == id {
			return true
		}
	}
	return false
}

// riskParams returns the loan-to-value and liquidation threshold percentages
// and the borrow factor that apply to the reserve for an obligation in group.
// Inside a group the group's ratios replace the reserve's and debt is not
// weighted.
func (c ReserveConfig) riskParams(group *ElevationGroup) (ltv, threshold uint64, borrowFactor Fraction) {
	if group == nil {
		return c.LoanToValuePct, c.LiquidationThresholdPct, c.EffectiveBorrowFactor()
	}
	return group.LoanToValuePct, group.LiquidationThresholdPct, FractionOne
}

func (c ReserveConfig) borrowFactorPct(group *ElevationGroup) uint64 {
	if group != nil {
		return 100
	}
	return max(c.BorrowFactorPct, 100)
}

// Reserve is a single-asset liquidity pool.
type Reserve struct {
	Address         crypto.Address
	LendingMarket   crypto.Address
	LastUpdate      LastUpdate
	Liquidity       ReserveLiquidity
	Config          ReserveConfig
	WithdrawalUsage nativecommon.CapUsage
}

// Clone returns a deep copy of the reserve.
func (r *Reserve) Clone() *Reserve {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Config.ElevationGroups = append([]uint8(nil), r.Config.ElevationGroups...)
	return &clone
}

// depositLimitCrossed reports whether the total supply is above a configured
// deposit limit.
func (r *Reserve) depositLimitCrossed() (bool, error) {
	if r.Config.DepositLimit == 0 {
		return false, nil
	}
	supply, err := r.Liquidity.TotalSupply()
	if err != nil {
		return false, err
	}
	return supply.Gt(FractionFromInt(r.Config.DepositLimit)), nil
}

func (r *Reserve) borrowLimitCrossed() bool {
	return r.Config.BorrowLimit > 0 && r.Liquidity.BorrowedAmount.Gt(FractionFromInt(r.Config.BorrowLimit))
}

// trackLimitCrossings stamps the first time each limit is seen crossed and
// clears the stamp once the reserve is back below it.
func (r *Reserve) trackLimitCrossings(now uint64) error {
	crossed, err := r.depositLimitCrossed()
	if err != nil {
		return err
	}
	switch {
	case !crossed:
		r.Liquidity.DepositLimitCrossedTimestamp = 0
	case r.Liquidity.DepositLimitCrossedTimestamp == 0:
		r.Liquidity.DepositLimitCrossedTimestamp = now
	}
	switch {
	case !r.borrowLimitCrossed():
		r.Liquidity.BorrowLimitCrossedTimestamp = 0
	case r.Liquidity.BorrowLimitCrossedTimestamp == 0:
		r.Liquidity.BorrowLimitCrossedTimestamp = now
	}
	return nil
}

// ObligationCollateral is one collateral entry of an obligation.
type ObligationCollateral struct {
	DepositReserve  crypto.Address
	DepositedAmount uint64
	MarketValue     Fraction
}

// ObligationLiquidity is one debt entry of an obligation.
type ObligationLiquidity struct {
	BorrowReserve                   crypto.Address
	CumulativeBorrowRate            Fraction
	BorrowedAmount                  Fraction
	MarketValue                     Fraction
	BorrowFactorAdjustedMarketValue Fraction
}

// Obligation is one borrower's position within a lending market. The value
// fields form the snapshot written by the last refresh.
type Obligation struct {
	Address       crypto.Address
	LendingMarket crypto.Address
	Owner         crypto.Address
	LastUpdate    LastUpdate
	Deposits      []ObligationCollateral
	Borrows       []ObligationLiquidity

	DepositedValue                     Fraction
	BorrowedAssetsMarketValue          Fraction
	BorrowFactorAdjustedDebtValue      Fraction
	AllowedBorrowValue                 Fraction
	UnhealthyBorrowValue               Fraction
	LowestReserveDepositLiquidationLTV uint64
	HighestBorrowFactorPct             uint64
	// ObsoleteReserves counts the obsolete reserves among the entries as of
	// the last refresh.
	ObsoleteReserves                   uint64

	// ElevationGroup is the group the obligation borrows in, zero for none.
	ElevationGroup                    uint8
	// AutodeleverageTargetLTVPct and AutodeleverageMarginCallStartedAt are set
	// while the risk council has marked the obligation for deleveraging.
	AutodeleverageTargetLTVPct        uint64
	AutodeleverageMarginCallStartedAt uint64
}

// MarkedForDeleveraging reports whether a margin call is running.
func (o *Obligation) MarkedForDeleveraging() bool {
	return o.AutodeleverageMarginCallStartedAt != 0
}

// Clone returns a deep copy of the obligation.
func (o *Obligation) Clone() *Obligation {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Deposits = append([]ObligationCollateral(nil), o.Deposits...)
	clone.Borrows = append([]ObligationLiquidity(nil), o.Borrows...)
	return &clone
}

func (o *Obligation) findDeposit(reserve crypto.Address) int {
	for i := range o.Deposits {
		if o.Deposits[i].DepositReserve == reserve {
			return i
		}
	}
	return -1
}

func (o *Obligation) findBorrow(reserve crypto.Address) int {
	for i := range o.Borrows {
		if o.Borrows[i].BorrowReserve == reserve {
			return i
		}
	}
	return -1
}

// Deposit returns the collateral entry for reserve.
func (o *Obligation) Deposit(reserve crypto.Address) (ObligationCollateral, bool) {
	if i := o.findDeposit(reserve); i >= 0 {
		return o.Deposits[i], true
	}
	return ObligationCollateral{}, false
}

// Borrow returns the debt entry for reserve.
func (o *Obligation) Borrow(reserve crypto.Address) (ObligationLiquidity, bool) {
	if i := o.findBorrow(reserve); i >= 0 {
		return o.Borrows[i], true
	}
	return ObligationLiquidity{}, false
}

func (o *Obligation) addCollateral(reserve crypto.Address, amount uint64) error {
	if i := o.findDeposit(reserve); i >= 0 {
		next, err := checkedAdd(o.Deposits[i].DepositedAmount, amount)
		if err != nil {
			return err
		}
		o.Deposits[i].DepositedAmount = next
		return nil
	}
	if len(o.Deposits) >= MaxObligationDeposits {
		return fmtInvalidAccount("obligation already holds %d deposits", MaxObligationDeposits)
	}
	o.Deposits = append(o.Deposits, ObligationCollateral{DepositReserve: reserve, DepositedAmount: amount})
	return nil
}

func (o *Obligation) removeCollateral(reserve crypto.Address, amount uint64) error {
	i := o.findDeposit(reserve)
	if i < 0 {
		return fmtInvalidAccount("no deposit in reserve %s", reserve.Encode(crypto.ReservePrefix))
	}
	next, err := checkedSub(o.Deposits[i].DepositedAmount, amount)
	if err != nil {
		return err
	}
	if next == 0 {
		o.Deposits = append(o.Deposits[:i], o.Deposits[i+1:]...)
		return nil
	}
	o.Deposits[i].DepositedAmount = next
	return nil
}

func (o *Obligation) addBorrow(reserve crypto.Address, amount Fraction, cumulativeRate Fraction) error {
	if i := o.findBorrow(reserve); i >= 0 {
		next, err := o.Borrows[i].BorrowedAmount.Add(amount)
		if err != nil {
			return err
		}
		o.Borrows[i].BorrowedAmount = next
		return nil
	}
	if len(o.Borrows) >= MaxObligationBorrows {
		return fmtInvalidAccount("obligation already holds %d borrows", MaxObligationBorrows)
	}
	o.Borrows = append(o.Borrows, ObligationLiquidity{
		BorrowReserve:        reserve,
		BorrowedAmount:       amount,
		CumulativeBorrowRate: cumulativeRate,
	})
	return nil
}

// settleBorrow reduces the debt for reserve by amount, removing the entry once
// the debt is fully settled.
func (o *Obligation) settleBorrow(reserve crypto.Address, amount Fraction) error {
	i := o.findBorrow(reserve)
	if i < 0 {
		return fmtInvalidAccount("no borrow in reserve %s", reserve.Encode(crypto.ReservePrefix))
	}
	next, err := o.Borrows[i].BorrowedAmount.Sub(amount)
	if err != nil {
		return err
	}
	if next.IsZero() {
		o.Borrows = append(o.Borrows[:i], o.Borrows[i+1:]...)
		return nil
	}
	o.Borrows[i].BorrowedAmount = next
	return nil
}

// LendingMarket holds the market-wide liquidation policy.
type LendingMarket struct {
	Address                              crypto.Address
	Owner                                crypto.Address
	RiskCouncil                          crypto.Address
	LiquidationMaxDebtCloseFactorPct     uint64
	InsolvencyRiskUnhealthyLTVPct        uint64
	MinFullLiquidationValueThreshold     uint64
	MaxLiquidatableDebtMarketValueAtOnce uint64
	GlobalAllowedBorrowValue             uint64
	EmergencyMode                        bool
	BorrowDisabled                       bool
	ElevationGroups                      []ElevationGroup

	AutodeleverageEnabled bool
	// IndividualAutodeleverageMarginCallPeriodSecs is the grace period a
	// marked obligation gets before it may be deleveraged.
	IndividualAutodeleverageMarginCallPeriodSecs uint64
}

// Clone returns a copy of the market.
func (m *LendingMarket) Clone() *LendingMarket {
	if m == nil {
		return nil
	}
	clone := *m
	clone.ElevationGroups = append([]ElevationGroup(nil), m.ElevationGroups...)
	return &clone
}

// ElevationGroupNone selects the reserves' own risk parameters.
const ElevationGroupNone uint8 = 0

// ElevationGroup is a set of correlated reserves that lend to each other on
// tighter terms than the reserves' own parameters.
type ElevationGroup struct {
	ID                      uint8  `toml:"ID"`
	LoanToValuePct          uint64 `toml:"LoanToValuePct"`
	LiquidationThresholdPct uint64 `toml:"LiquidationThresholdPct"`
	// MaxLiquidationBonusBps caps the bonus inside the group when it is
	// below both reserves' caps. Zero disables the cap.
	MaxLiquidationBonusBps uint64 `toml:"MaxLiquidationBonusBps"`
	AllowNewLoans          bool   `toml:"AllowNewLoans"`
}

// ElevationGroup resolves group id. ElevationGroupNone resolves to nil.
func (m *LendingMarket) ElevationGroup(id uint8) (*ElevationGroup, error) {
	if id == ElevationGroupNone {
		return nil, nil
	}
	for i := range m.ElevationGroups {
		if m.ElevationGroups[i].ID == id {
			group := m.ElevationGroups[i]
			return &group, nil
		}
	}
	return nil, fmtInvalidAccount("unknown elevation group %d", id)
}
