package domain

import (
	"encoding/json"
	"math"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the precision of the base asset and of every Amount.
const Decimals = 18

var (
	scale     = uint256.NewInt(1_000_000_000_000_000_000)
	maxNative = uint8(77)
)

// Amount is an immutable unsigned 18-decimal fixed-point number used for every
// balance, price and cap in the engine. Arithmetic is checked: overflow,
// underflow and division by zero surface as KindArithmetic errors.
type Amount struct {
	v uint256.Int
}

// Zero is the zero amount.
var Zero = Amount{}

// One is 1.0.
var One = Amount{v: *scale}

// AmountFromRaw wraps a raw integer already expressed in 18-decimal units.
func AmountFromRaw(raw *uint256.Int) Amount {
	return Amount{v: *raw}
}

// AmountFromRawUint64 wraps a raw uint64 value.
func AmountFromRawUint64(raw uint64) Amount {
	var a Amount
	a.v.SetUint64(raw)
	return a
}

// NewAmount returns n whole units.
func NewAmount(n uint64) Amount {
	var a Amount
	a.v.Mul(uint256.NewInt(n), scale)
	return a
}

// AmountFromBig converts a raw big.Int. Negative or oversized values are rejected.
func AmountFromBig(raw *big.Int) (Amount, error) {
	if raw.Sign() < 0 {
		return Zero, Errorf(ErrUnderflow, "negative amount %s", raw)
	}
	v, overflow := uint256.FromBig(raw)
	if overflow {
		return Zero, Errorf(ErrOverflow, "amount %s exceeds 256 bits", raw)
	}
	return Amount{v: *v}, nil
}

// AmountFromDecimal converts a human-readable decimal (e.g. 10.1) into an Amount,
// truncating digits beyond 18 decimals.
func AmountFromDecimal(d decimal.Decimal) (Amount, error) {
	if d.IsNegative() {
		return Zero, Errorf(ErrUnderflow, "negative amount %s", d)
	}
	return AmountFromBig(d.Shift(Decimals).Truncate(0).BigInt())
}

// ParseAmount parses a decimal string such as "5000" or "0.01".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, Errorf(ErrInvalidInput, "parse amount %q: %v", s, err)
	}
	return AmountFromDecimal(d)
}

// MustAmount is ParseAmount for constants and tests.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AmountFromFloat converts a float64 (used only at the pricing boundary).
func AmountFromFloat(f float64) (Amount, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Zero, Errorf(ErrInvalidInput, "non-finite value %v", f)
	}
	return AmountFromDecimal(decimal.NewFromFloat(f))
}

// Raw returns a copy of the underlying 18-decimal integer.
func (a Amount) Raw() *uint256.Int { return a.v.Clone() }

// Big returns the underlying 18-decimal integer as a big.Int.
func (a Amount) Big() *big.Int { return a.v.ToBig() }

// Decimal returns the human-readable value.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(a.v.ToBig(), -Decimals)
}

// Float64 is a lossy conversion used for the pricing boundary and logging.
func (a Amount) Float64() float64 {
	f, _ := a.Decimal().Float64()
	return f
}

func (a Amount) String() string { return a.Decimal().String() }

func (a Amount) IsZero() bool      { return a.v.IsZero() }
func (a Amount) Cmp(b Amount) int  { return a.v.Cmp(&b.v) }
func (a Amount) Eq(b Amount) bool  { return a.v.Eq(&b.v) }
func (a Amount) Lt(b Amount) bool  { return a.v.Lt(&b.v) }
func (a Amount) Gt(b Amount) bool  { return a.v.Gt(&b.v) }
func (a Amount) Lte(b Amount) bool { return !a.v.Gt(&b.v) }
func (a Amount) Gte(b Amount) bool { return !a.v.Lt(&b.v) }

// Add returns a+b.
func (a Amount) Add(b Amount) (Amount, error) {
	var r Amount
	if _, overflow := r.v.AddOverflow(&a.v, &b.v); overflow {
		return Zero, Errorf(ErrOverflow, "%s + %s", a, b)
	}
	return r, nil
}

// Sub returns a-b, failing when b > a.
func (a Amount) Sub(b Amount) (Amount, error) {
	var r Amount
	if _, underflow := r.v.SubOverflow(&a.v, &b.v); underflow {
		return Zero, Errorf(ErrUnderflow, "%s - %s", a, b)
	}
	return r, nil
}

// SubFloor returns max(0, a-b).
func (a Amount) SubFloor(b Amount) Amount {
	if a.Lte(b) {
		return Zero
	}
	var r Amount
	r.v.Sub(&a.v, &b.v)
	return r
}

// MulDiv returns floor(a*b/d) with a 512-bit intermediate.
func MulDiv(a, b, d Amount) (Amount, error) {
	if d.IsZero() {
		return Zero, Errorf(ErrDivisionByZero, "%s * %s / 0", a, b)
	}
	var r Amount
	if _, overflow := r.v.MulDivOverflow(&a.v, &b.v, &d.v); overflow {
		return Zero, Errorf(ErrOverflow, "%s * %s / %s", a, b, d)
	}
	return r, nil
}

// MulDivUp returns ceil(a*b/d).
func MulDivUp(a, b, d Amount) (Amount, error) {
	r, err := MulDiv(a, b, d)
	if err != nil {
		return Zero, err
	}
	var prod, rem uint256.Int
	if _, overflow := prod.MulOverflow(&a.v, &b.v); overflow {
		// The product exceeds 256 bits; recompute the remainder through big.Int.
		p := new(big.Int).Mul(a.v.ToBig(), b.v.ToBig())
		if new(big.Int).Mod(p, d.v.ToBig()).Sign() == 0 {
			return r, nil
		}
		return r.Add(Amount{v: *uint256.NewInt(1)})
	}
	rem.Mod(&prod, &d.v)
	if rem.IsZero() {
		return r, nil
	}
	return r.Add(Amount{v: *uint256.NewInt(1)})
}

// Mul returns floor(a*b) in fixed-point terms.
func (a Amount) Mul(b Amount) (Amount, error) { return MulDiv(a, b, One) }

// MulUp returns ceil(a*b) in fixed-point terms.
func (a Amount) MulUp(b Amount) (Amount, error) { return MulDivUp(a, b, One) }

// Div returns floor(a/b) in fixed-point terms.
func (a Amount) Div(b Amount) (Amount, error) { return MulDiv(a, One, b) }

// DivUp returns ceil(a/b) in fixed-point terms.
func (a Amount) DivUp(b Amount) (Amount, error) { return MulDivUp(a, One, b) }

// MinAmount returns the smaller of a and b.
func MinAmount(a, b Amount) Amount {
	if a.Lt(b) {
		return a
	}
	return b
}

// MaxAmount returns the larger of a and b.
func MaxAmount(a, b Amount) Amount {
	if a.Gt(b) {
		return a
	}
	return b
}

// SumAmounts adds every amount, failing on overflow.
func SumAmounts(amounts ...Amount) (Amount, error) {
	total := Zero
	for _, a := range amounts {
		var err error
		if total, err = total.Add(a); err != nil {
			return Zero, err
		}
	}
	return total, nil
}

// ToNative rescales an 18-decimal amount to a token's native precision. The
// result is a raw integer in native units wrapped in an Amount.
func ToNative(a Amount, decimals uint8, roundUp bool) (Amount, error) {
	if decimals > maxNative {
		return Zero, Errorf(ErrInvalidInput, "unsupported precision %d", decimals)
	}
	if decimals == Decimals {
		return a, nil
	}
	if decimals > Decimals {
		f := pow10(decimals - Decimals)
		var r Amount
		if _, overflow := r.v.MulOverflow(&a.v, f); overflow {
			return Zero, Errorf(ErrOverflow, "rescale %s to %d decimals", a, decimals)
		}
		return r, nil
	}
	f := AmountFromRaw(pow10(Decimals - decimals))
	if roundUp {
		return MulDivUp(a, AmountFromRawUint64(1), f)
	}
	return MulDiv(a, AmountFromRawUint64(1), f)
}

// FromNative rescales a raw native-unit amount to 18 decimals.
func FromNative(native Amount, decimals uint8, roundUp bool) (Amount, error) {
	if decimals > maxNative {
		return Zero, Errorf(ErrInvalidInput, "unsupported precision %d", decimals)
	}
	if decimals == Decimals {
		return native, nil
	}
	if decimals < Decimals {
		f := pow10(Decimals - decimals)
		var r Amount
		if _, overflow := r.v.MulOverflow(&native.v, f); overflow {
			return Zero, Errorf(ErrOverflow, "rescale %s from %d decimals", native, decimals)
		}
		return r, nil
	}
	f := AmountFromRaw(pow10(decimals - Decimals))
	if roundUp {
		return MulDivUp(native, AmountFromRawUint64(1), f)
	}
	return MulDiv(native, AmountFromRawUint64(1), f)
}

func pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

// MarshalJSON encodes the amount as a quoted decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a quoted decimal string or a bare JSON number.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		s = string(b)
	}
	v, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// MarshalText lets amounts be used as TOML values and map keys.
func (a Amount) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText parses a decimal string.
func (a *Amount) UnmarshalText(b []byte) error {
	v, err := ParseAmount(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Quantize truncates (or rounds up) a to the given token precision while
// keeping the 18-decimal representation.
func Quantize(a Amount, decimals uint8, roundUp bool) (Amount, error) {
	native, err := ToNative(a, decimals, roundUp)
	if err != nil {
		return Zero, err
	}
	return FromNative(native, decimals, false)
}
