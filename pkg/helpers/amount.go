// Package helpers provides amount, hex and byte utilities shared by adapters.
package helpers

import (
	"fmt"
	"math/big"
	"strings"
)

// FormatBigAmount formats an amount in smallest units as a decimal string.
// For example, FormatBigAmount(226, 8) returns "0.00000226".
func FormatBigAmount(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)

	if decimals == 0 {
		return sign(neg) + abs.String()
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(abs, divisor, new(big.Int))

	if frac.Sign() == 0 {
		return sign(neg) + whole.String()
	}

	fracStr := frac.String()
	fracStr = strings.Repeat("0", int(decimals)-len(fracStr)) + fracStr
	fracStr = strings.TrimRight(fracStr, "0")

	return fmt.Sprintf("%s%s.%s", sign(neg), whole.String(), fracStr)
}

func sign(neg bool) string {
	if neg {
		return "-"
	}
	return ""
}

// ParseBigAmount parses a decimal string to smallest units without a size limit.
// For example, ParseBigAmount("1", 8) returns 100000000.
// Digits beyond the precision of decimals are rejected rather than truncated.
func ParseBigAmount(s string, decimals uint8) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount string")
	}

	wholeStr, fracStr, _ := strings.Cut(s, ".")
	if wholeStr == "" {
		wholeStr = "0"
	}

	for _, part := range []string{wholeStr, fracStr} {
		for _, c := range part {
			if c < '0' || c > '9' {
				return nil, fmt.Errorf("invalid character in amount: %c", c)
			}
		}
	}

	if len(fracStr) > int(decimals) {
		if strings.TrimRight(fracStr[decimals:], "0") != "" {
			return nil, fmt.Errorf("amount %s has more than %d decimals", s, decimals)
		}
		fracStr = fracStr[:decimals]
	}
	fracStr += strings.Repeat("0", int(decimals)-len(fracStr))

	amount, ok := new(big.Int).SetString(wholeStr+fracStr, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", s)
	}
	return amount, nil
}
