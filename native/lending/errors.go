package lending

import (
	"errors"
	"fmt"

	nativecommon "lendguard/native/common"
)

// Failure kinds surfaced by the risk engine. Callers match them with
// errors.Is; the engine wraps additional context with fmt.Errorf("%w: ...").
var (
	ErrStalePrice           = errors.New("lending engine: stale price")
	ErrStaleState           = errors.New("lending engine: stale state")
	ErrArithmeticRange      = errors.New("lending engine: arithmetic out of range")
	ErrOverflow             = errors.New("lending engine: arithmetic overflow")
	ErrNotAuthorized        = errors.New("lending engine: not authorized")
	ErrNotLiquidatable      = errors.New("lending engine: obligation not liquidatable")
	ErrInvalidAccount       = errors.New("lending engine: invalid account")
	ErrDuplicateFlashBorrow = errors.New("lending engine: duplicate flash borrow")
	ErrUnmatchedFlashRepay  = errors.New("lending engine: unmatched flash repay")

	ErrInvalidAmount             = errors.New("lending engine: amount must be positive")
	ErrInsufficientLiquidity     = errors.New("lending engine: insufficient liquidity")
	ErrWithdrawalCapReached      = errors.New("lending engine: withdrawal cap reached")
	ErrLiquidationPriority       = errors.New("lending engine: liquidation priority violated")
	ErrRepayTooSmall             = errors.New("lending engine: repay amount too small for full liquidation")
	ErrLiquidationRewardTooSmall = errors.New("lending engine: liquidation reward below minimum acceptable")
	ErrBorrowingDisabled         = errors.New("lending engine: borrowing disabled")
	ErrHealthCheckFailed         = errors.New("lending engine: obligation would exceed allowed borrow value")
	ErrFlashLoansDisabled        = errors.New("lending engine: flash loans disabled")
	ErrDepositLimitReached       = errors.New("lending engine: reserve deposit limit reached")
	ErrOperationClosed           = errors.New("lending engine: operation already finished")

	errNilState = errors.New("lending engine: state not configured")
)

// ErrorClass groups failures by what the caller should do next.
type ErrorClass int

const (
	// ClassFatal covers unexpected failures such as storage errors.
	ClassFatal ErrorClass = iota
	// ClassRefresh failures may succeed after refreshing prices or entities.
	ClassRefresh
	// ClassInvalid failures are malformed or unauthorized requests.
	ClassInvalid
	// ClassIneligible failures are well formed requests the position does not qualify for.
	ClassIneligible
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRefresh:
		return "refresh"
	case ClassInvalid:
		return "invalid"
	case ClassIneligible:
		return "ineligible"
	default:
		return "fatal"
	}
}

// Classify maps an engine error onto its ErrorClass.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassFatal
	case errors.Is(err, ErrStalePrice), errors.Is(err, ErrStaleState):
		return ClassRefresh
	case errors.Is(err, ErrNotLiquidatable),
		errors.Is(err, ErrLiquidationRewardTooSmall),
		errors.Is(err, ErrHealthCheckFailed),
		errors.Is(err, ErrWithdrawalCapReached),
		errors.Is(err, ErrInsufficientLiquidity),
		errors.Is(err, ErrBorrowingDisabled),
		errors.Is(err, ErrFlashLoansDisabled),
		errors.Is(err, ErrDepositLimitReached),
		errors.Is(err, nativecommon.ErrModulePaused):
		return ClassIneligible
	case errors.Is(err, ErrNotAuthorized),
		errors.Is(err, ErrInvalidAccount),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrArithmeticRange),
		errors.Is(err, ErrOverflow),
		errors.Is(err, ErrDuplicateFlashBorrow),
		errors.Is(err, ErrUnmatchedFlashRepay),
		errors.Is(err, ErrLiquidationPriority),
		errors.Is(err, ErrRepayTooSmall),
		errors.Is(err, ErrOperationClosed):
		return ClassInvalid
	default:
		return ClassFatal
	}
}

func fmtInvalidAccount(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidAccount}, args...)...)
}
