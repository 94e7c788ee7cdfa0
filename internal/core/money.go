// Package core provides the transaction model and the pure aggregates
// computed over a partition.
//
// This file contains the parsing of user-entered amounts. Amounts are whole
// currency units with no subdivision.
package core

import (
	"math"
	"strconv"
	"strings"
	"unicode"
)

// ParseAmount converts a user-entered string to whole units.
//
// It accepts digits with optional thousands separators (space, comma or
// apostrophe) and an optional dot-separated fractional part, which is rounded
// half-up to the nearest unit. Signs, other characters, zero and values that
// overflow int64 are rejected with ErrInvalidAmount.
//
// Examples:
//
//	ParseAmount("5000")    -> 5000, nil
//	ParseAmount("5,000")   -> 5000, nil
//	ParseAmount("12.5")    -> 13, nil
//	ParseAmount("12.49")   -> 12, nil
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return 0, ErrInvalidAmount
	}
	s = strings.NewReplacer(",", "", " ", "", "'", "").Replace(s)

	intPart, fracPart, hasFrac := strings.Cut(s, ".")
	if hasFrac && strings.Contains(fracPart, ".") {
		return 0, ErrInvalidAmount
	}
	if intPart == "" {
		intPart = "0"
	}
	for _, r := range intPart + fracPart {
		if !unicode.IsDigit(r) {
			return 0, ErrInvalidAmount
		}
	}

	v, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if fracPart != "" && fracPart[0] >= '5' {
		if v == math.MaxInt64 {
			return 0, ErrInvalidAmount
		}
		v++
	}
	if v <= 0 {
		return 0, ErrInvalidAmount
	}
	return v, nil
}

// AmountFromFloat rounds a decoded JSON number to whole units. NaN, infinite,
// negative and out-of-range values yield ok=false.
func AmountFromFloat(f float64) (amount int64, ok bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(math.Round(f)), true
}
