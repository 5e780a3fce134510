package lending

import (
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// FractionDecimals is the number of decimal places carried by a Fraction.
const FractionDecimals = 18

var (
	wad         = uint256.NewInt(1_000_000_000_000_000_000)
	halfWad     = uint256.NewInt(500_000_000_000_000_000)
	percentUnit = uint256.NewInt(10_000_000_000_000_000)
	bpsUnit     = uint256.NewInt(100_000_000_000_000)
)

var (
	errDivisionByZero = fmt.Errorf("%w: division by zero", ErrArithmeticRange)
	errNegative       = fmt.Errorf("%w: subtraction below zero", ErrOverflow)
)

// Fraction is an unsigned fixed-point number with 18 decimal places held in
// a 256-bit word. Every operation is checked; none of them wrap.
type Fraction struct {
	v uint256.Int
}

var (
	FractionZero = Fraction{}
	FractionOne  = FractionFromInt(1)
)

// FractionFromInt scales a whole number. The result always fits.
func FractionFromInt(n uint64) Fraction {
	var f Fraction
	f.v.Mul(uint256.NewInt(n), wad)
	return f
}

// FractionFromPercent returns p/100 exactly.
func FractionFromPercent(p uint64) Fraction {
	var f Fraction
	f.v.Mul(uint256.NewInt(p), percentUnit)
	return f
}

// FractionFromBps returns b/10000 exactly.
func FractionFromBps(b uint64) Fraction {
	var f Fraction
	f.v.Mul(uint256.NewInt(b), bpsUnit)
	return f
}

// NewFraction returns num/den rounded down.
func NewFraction(num, den uint64) (Fraction, error) {
	return FractionFromInt(num).DivInt(den)
}

// FractionFromBits wraps a raw scaled value.
func FractionFromBits(bits *uint256.Int) Fraction {
	var f Fraction
	if bits != nil {
		f.v.Set(bits)
	}
	return f
}

// ParseFraction parses a non-negative decimal string. Digits beyond the
// eighteenth decimal place are truncated.
func ParseFraction(s string) (Fraction, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Fraction{}, fmt.Errorf("%w: %v", ErrArithmeticRange, err)
	}
	if d.IsNegative() {
		return Fraction{}, fmt.Errorf("%w: negative fraction %s", ErrArithmeticRange, s)
	}
	scaled := d.Shift(FractionDecimals).Truncate(0)
	bits, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return Fraction{}, fmt.Errorf("%w: %s does not fit", ErrOverflow, s)
	}
	return FractionFromBits(bits), nil
}

// Bits returns a copy of the scaled representation.
func (f Fraction) Bits() *uint256.Int {
	return new(uint256.Int).Set(&f.v)
}

func (f Fraction) IsZero() bool { return f.v.IsZero() }

func (f Fraction) Cmp(o Fraction) int { return f.v.Cmp(&o.v) }

func (f Fraction) Lt(o Fraction) bool  { return f.v.Lt(&o.v) }
func (f Fraction) Lte(o Fraction) bool { return !f.v.Gt(&o.v) }
func (f Fraction) Gt(o Fraction) bool  { return f.v.Gt(&o.v) }
func (f Fraction) Gte(o Fraction) bool { return !f.v.Lt(&o.v) }

func (f Fraction) Min(o Fraction) Fraction {
	if f.Lt(o) {
		return f
	}
	return o
}

func (f Fraction) Max(o Fraction) Fraction {
	if f.Gt(o) {
		return f
	}
	return o
}

func (f Fraction) Add(o Fraction) (Fraction, error) {
	var out Fraction
	if _, overflow := out.v.AddOverflow(&f.v, &o.v); overflow {
		return Fraction{}, fmt.Errorf("%w: %s + %s", ErrOverflow, f, o)
	}
	return out, nil
}

// Sub fails when o is larger than f.
func (f Fraction) Sub(o Fraction) (Fraction, error) {
	var out Fraction
	if _, underflow := out.v.SubOverflow(&f.v, &o.v); underflow {
		return Fraction{}, fmt.Errorf("%w: %s - %s", errNegative, f, o)
	}
	return out, nil
}

// SaturatingSub returns f-o or zero.
func (f Fraction) SaturatingSub(o Fraction) Fraction {
	if f.Lte(o) {
		return Fraction{}
	}
	var out Fraction
	out.v.Sub(&f.v, &o.v)
	return out
}

// Mul multiplies two fractions, rounding the result down.
func (f Fraction) Mul(o Fraction) (Fraction, error) {
	var out Fraction
	if _, overflow := out.v.MulDivOverflow(&f.v, &o.v, wad); overflow {
		return Fraction{}, fmt.Errorf("%w: %s * %s", ErrOverflow, f, o)
	}
	return out, nil
}

// Div divides f by o, rounding the result down.
func (f Fraction) Div(o Fraction) (Fraction, error) {
	if o.IsZero() {
		return Fraction{}, errDivisionByZero
	}
	var out Fraction
	if _, overflow := out.v.MulDivOverflow(&f.v, wad, &o.v); overflow {
		return Fraction{}, fmt.Errorf("%w: %s / %s", ErrOverflow, f, o)
	}
	return out, nil
}

func (f Fraction) MulInt(n uint64) (Fraction, error) {
	var out Fraction
	if _, overflow := out.v.MulOverflow(&f.v, uint256.NewInt(n)); overflow {
		return Fraction{}, fmt.Errorf("%w: %s * %d", ErrOverflow, f, n)
	}
	return out, nil
}

func (f Fraction) DivInt(n uint64) (Fraction, error) {
	if n == 0 {
		return Fraction{}, errDivisionByZero
	}
	var out Fraction
	out.v.Div(&f.v, uint256.NewInt(n))
	return out, nil
}

// Floor converts to a whole amount, rounding down.
func (f Fraction) Floor() (uint64, error) {
	var q uint256.Int
	q.Div(&f.v, wad)
	return toUint64(&q, f)
}

// Ceil converts to a whole amount, rounding up.
func (f Fraction) Ceil() (uint64, error) {
	var q, r uint256.Int
	q.DivMod(&f.v, wad, &r)
	if !r.IsZero() {
		if _, overflow := q.AddOverflow(&q, uint256.NewInt(1)); overflow {
			return 0, fmt.Errorf("%w: ceil of %s", ErrArithmeticRange, f)
		}
	}
	return toUint64(&q, f)
}

// Round converts to a whole amount, rounding half up.
func (f Fraction) Round() (uint64, error) {
	return roundScaled(&f.v, wad, halfWad, f)
}

// ToPercent returns the value as a whole percentage rounded half up.
func (f Fraction) ToPercent() (uint64, error) {
	half := new(uint256.Int).Rsh(percentUnit, 1)
	return roundScaled(&f.v, percentUnit, half, f)
}

// ToBps returns the value in basis points rounded half up.
func (f Fraction) ToBps() (uint64, error) {
	half := new(uint256.Int).Rsh(bpsUnit, 1)
	return roundScaled(&f.v, bpsUnit, half, f)
}

func roundScaled(v, unit, half *uint256.Int, f Fraction) (uint64, error) {
	var sum uint256.Int
	if _, overflow := sum.AddOverflow(v, half); overflow {
		return 0, fmt.Errorf("%w: rounding %s", ErrArithmeticRange, f)
	}
	sum.Div(&sum, unit)
	return toUint64(&sum, f)
}

func toUint64(q *uint256.Int, f Fraction) (uint64, error) {
	if !q.IsUint64() {
		return 0, fmt.Errorf("%w: %s exceeds uint64", ErrArithmeticRange, f)
	}
	return q.Uint64(), nil
}

// Decimal renders the fraction as an exact decimal.
func (f Fraction) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(f.v.ToBig(), -FractionDecimals)
}

func (f Fraction) String() string {
	return f.Decimal().String()
}

// EncodeRLP implements rlp.Encoder.
func (f Fraction) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, f.v.ToBig())
}

// DecodeRLP implements rlp.Decoder.
func (f *Fraction) DecodeRLP(s *rlp.Stream) error {
	var b big.Int
	if err := s.Decode(&b); err != nil {
		return err
	}
	bits, overflow := uint256.FromBig(&b)
	if overflow {
		return fmt.Errorf("%w: encoded fraction exceeds 256 bits", ErrOverflow)
	}
	f.v.Set(bits)
	return nil
}

// MarshalText renders the decimal form, so fractions travel as strings in
// JSON and TOML.
func (f Fraction) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Fraction) UnmarshalText(text []byte) error {
	parsed, err := ParseFraction(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
