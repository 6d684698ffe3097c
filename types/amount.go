// Package types provides common value types used across Treasury.
package types

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrOverflow is returned when token arithmetic would leave the int64 range.
var ErrOverflow = errors.New("types: amount overflow")

// Amount is a token quantity in the smallest token unit.
// All arithmetic is integer-only; there is no fractional token.
type Amount = int64

// Add returns a+b, or ErrOverflow when the sum does not fit in an int64.
func Add(a, b Amount) (Amount, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, a, b)
	}
	return a + b, nil
}

// Sub returns a-b, or ErrOverflow when the difference does not fit in an int64.
func Sub(a, b Amount) (Amount, error) {
	if b == math.MinInt64 {
		return 0, fmt.Errorf("%w: %d - %d", ErrOverflow, a, b)
	}
	return Add(a, -b)
}

// Sum adds all values, stopping at the first overflow.
func Sum(values ...Amount) (Amount, error) {
	var total Amount
	for _, v := range values {
		var err error
		if total, err = Add(total, v); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Format renders an amount with a sign and thousands separators,
// e.g. "+1,250" or "-35". Zero renders as "0".
func Format(a Amount) string {
	if a == 0 {
		return "0"
	}

	sign := "+"
	u := uint64(a)
	if a < 0 {
		sign = "-"
		u = uint64(-(a + 1)) + 1
	}

	digits := strconv.FormatUint(u, 10)
	out := make([]byte, 0, len(digits)+len(digits)/3+1)
	out = append(out, sign...)
	for i := range len(digits) {
		if i > 0 && (len(digits)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, digits[i])
	}
	return string(out)
}
