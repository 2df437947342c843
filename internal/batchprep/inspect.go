package batchprep

import (
	"strings"

	"github.com/holiman/uint256"
)

const (
	FieldRecipients = "recipients"
	FieldAmounts    = "amounts"
)

const (
	reasonInvalidAddress = "invalid address"
	reasonNotNumeric     = "not a decimal number"
	reasonTooPrecise     = "too many decimal places"
	reasonTooLarge       = "exceeds uint256"
	reasonZero           = "amount must be greater than zero"
)

// Issue describes one token that Prepare would silently drop.
type Issue struct {
	Field  string
	Index  int // position among the non-empty tokens of Field
	Token  string
	Reason string
}

// Inspect reports every token Prepare would drop, in input order, recipients first.
// It does not report count mismatches; compare the counts of accepted tokens for that.
func Inspect(recipientsText, amountsText string, decimals uint8) []Issue {
	var out []Issue
	for i, tok := range splitTokens(recipientsText) {
		if !isWellFormedAddress(tok) {
			out = append(out, Issue{Field: FieldRecipients, Index: i, Token: tok, Reason: reasonInvalidAddress})
		}
	}
	for i, tok := range splitTokens(amountsText) {
		if _, reason := parseUnits(tok, decimals); reason != "" {
			out = append(out, Issue{Field: FieldAmounts, Index: i, Token: tok, Reason: reason})
		}
	}
	return out
}

// FormatUnits renders base units as a decimal string with trailing zeros trimmed.
func FormatUnits(v *uint256.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	s := v.Dec()
	if decimals == 0 {
		return s
	}
	d := int(decimals)
	if len(s) <= d {
		s = strings.Repeat("0", d-len(s)+1) + s
	}
	intPart, fracPart := s[:len(s)-d], strings.TrimRight(s[len(s)-d:], "0")
	if fracPart == "" {
		return intPart
	}
	return intPart + "." + fracPart
}
