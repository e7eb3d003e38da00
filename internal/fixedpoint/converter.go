// Package fixedpoint converts between decimal strings and scaled integer amounts.
// No value passes through a binary float.
package fixedpoint

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"

	"miniamm/internal/ammerr"
)

// DefaultScale is the fractional precision of every pool token.
const DefaultScale = 18

// maxScale keeps 10^scale inside a uint256 word.
const maxScale = 77

// Option configures a Converter.
type Option func(*Converter)

// Strict rejects inputs with more fractional digits than the scale instead of truncating them.
func Strict() Option {
	return func(c *Converter) { c.strict = true }
}

// Converter is immutable and safe for concurrent use.
type Converter struct {
	scale  int
	strict bool
	unit   *big.Int
}

// New builds a converter for scale fractional digits.
func New(scale int, opts ...Option) (*Converter, error) {
	if scale < 0 || scale > maxScale {
		return nil, fmt.Errorf("scale out of range: %d", scale)
	}
	c := &Converter{
		scale: scale,
		unit:  new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale)), nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Scale returns the number of fractional digits.
func (c *Converter) Scale() int {
	return c.scale
}

// Unit returns 10^scale, the scaled form of "1".
func (c *Converter) Unit() *big.Int {
	return new(big.Int).Set(c.unit)
}

// ToScaled parses a non-negative decimal string. Zero is allowed.
func (c *Converter) ToScaled(input string) (*big.Int, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return nil, ammerr.InvalidAmount("empty amount")
	}

	intPart, fracPart, hasDot := strings.Cut(s, ".")
	if hasDot && strings.Contains(fracPart, ".") {
		return nil, ammerr.InvalidAmount("malformed amount %q", input)
	}
	if intPart == "" && fracPart == "" {
		return nil, ammerr.InvalidAmount("malformed amount %q", input)
	}
	if !digitsOnly(intPart) || !digitsOnly(fracPart) {
		return nil, ammerr.InvalidAmount("malformed amount %q", input)
	}

	if len(fracPart) > c.scale {
		if c.strict {
			return nil, ammerr.InvalidAmount("amount %q exceeds %d fractional digits", input, c.scale)
		}
		fracPart = fracPart[:c.scale]
	}

	digits := intPart + fracPart + strings.Repeat("0", c.scale-len(fracPart))
	value, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, ammerr.InvalidAmount("malformed amount %q", input)
	}
	if _, overflow := uint256.FromBig(value); overflow {
		return nil, ammerr.InvalidAmount("amount %q does not fit 256 bits", input)
	}
	return value, nil
}

// ToScaledPositive is ToScaled that also rejects zero.
func (c *Converter) ToScaledPositive(input string) (*big.Int, error) {
	value, err := c.ToScaled(input)
	if err != nil {
		return nil, err
	}
	if value.Sign() == 0 {
		return nil, ammerr.InvalidAmount("amount must be positive")
	}
	return value, nil
}

// FromScaled renders the exact decimal form with the fractional part zero-padded to the scale.
func (c *Converter) FromScaled(amount *big.Int) string {
	if amount == nil {
		amount = new(big.Int)
	}
	sign := ""
	abs := amount
	if amount.Sign() < 0 {
		sign = "-"
		abs = new(big.Int).Neg(amount)
	}
	if c.scale == 0 {
		return sign + abs.String()
	}

	intPart, fracPart := new(big.Int).QuoRem(abs, c.unit, new(big.Int))
	frac := fracPart.String()
	frac = strings.Repeat("0", c.scale-len(frac)) + frac
	return sign + intPart.String() + "." + frac
}

// Format is FromScaled with trailing fractional zeros removed, for display.
func (c *Converter) Format(amount *big.Int) string {
	return Trim(c.FromScaled(amount))
}

// Trim drops trailing fractional zeros and a dangling point.
func Trim(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
