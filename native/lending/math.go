package lending

import (
	"fmt"
	"math"

	"github.com/holiman/uint256"
)

// maxMintDecimals bounds token precision so 10^decimals stays well inside the
// 256-bit working range.
const maxMintDecimals = 30

var minInt64Magnitude = new(uint256.Int).Lsh(uint256.NewInt(1), 63)

// CheckedInt64 converts an unsigned amount into the signed domain.
func CheckedInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d exceeds int64", ErrArithmeticRange, v)
	}
	return int64(v), nil
}

// NetAmount returns withdraw - repay as a signed value. The difference is
// taken in 256-bit two's complement so it is always exact; only the final
// narrowing to int64 can fail.
func NetAmount(withdraw, repay uint64) (int64, error) {
	var diff uint256.Int
	diff.Sub(uint256.NewInt(withdraw), uint256.NewInt(repay))
	if withdraw >= repay {
		return CheckedInt64(withdraw - repay)
	}
	var mag uint256.Int
	mag.Neg(&diff)
	switch {
	case mag.Eq(minInt64Magnitude):
		return math.MinInt64, nil
	case mag.Gt(minInt64Magnitude):
		return 0, fmt.Errorf("%w: net amount %d - %d below int64", ErrArithmeticRange, withdraw, repay)
	default:
		return -int64(mag.Uint64()), nil
	}
}

func checkedAdd(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, a, b)
	}
	return a + b, nil
}

func checkedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, fmt.Errorf("%w: %d - %d", ErrOverflow, a, b)
	}
	return a - b, nil
}

// tokenValue prices an amount of base units: amount * price / 10^decimals.
func tokenValue(amount Fraction, price Fraction, decimals uint64) (Fraction, error) {
	if decimals > maxMintDecimals {
		return Fraction{}, fmt.Errorf("%w: %d mint decimals", ErrArithmeticRange, decimals)
	}
	product, err := amount.Mul(price)
	if err != nil {
		return Fraction{}, err
	}
	var scale uint256.Int
	scale.Exp(uint256.NewInt(10), uint256.NewInt(decimals))
	var out Fraction
	out.v.Div(&product.v, &scale)
	return out, nil
}
