// Package batchprep turns the free-text recipient and amount lists entered by
// a user into a chain-ready airdrop batch.
//
// Parsing is permissive: malformed recipients and malformed amounts are
// dropped independently, so a typo on one side surfaces as ErrLengthMismatch
// rather than as an item-level error. Callers that want per-token feedback use
// Inspect before calling Prepare.
package batchprep

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// DefaultDecimals is the token precision assumed when the token does not report one.
const DefaultDecimals = 18

var (
	ErrEmpty          = errors.New("batchprep: no valid recipients or amounts")
	ErrLengthMismatch = errors.New("batchprep: number of recipients must match number of amounts")
	ErrTotalOverflow  = errors.New("batchprep: total amount exceeds uint256")
)

// Batch is a validated airdrop: recipients[i] receives amounts[i] base units.
//
// A Batch is never mutated after Prepare returns it; accessors hand out copies.
type Batch struct {
	recipients []common.Address
	amounts    []*uint256.Int
	total      *uint256.Int
}

// Prepare parses recipientsText and amountsText (comma or newline separated)
// and scales each amount by decimals.
func Prepare(recipientsText, amountsText string, decimals uint8) (Batch, error) {
	var recipients []common.Address
	for _, tok := range splitTokens(recipientsText) {
		if !isWellFormedAddress(tok) {
			continue
		}
		recipients = append(recipients, common.HexToAddress(tok))
	}

	var amounts []*uint256.Int
	for _, tok := range splitTokens(amountsText) {
		v, reason := parseUnits(tok, decimals)
		if reason != "" {
			continue
		}
		amounts = append(amounts, v)
	}

	if len(recipients) == 0 || len(amounts) == 0 {
		return Batch{}, ErrEmpty
	}
	if len(recipients) != len(amounts) {
		return Batch{}, fmt.Errorf("%w: %d recipients, %d amounts", ErrLengthMismatch, len(recipients), len(amounts))
	}

	total := new(uint256.Int)
	for i, a := range amounts {
		if _, overflow := total.AddOverflow(total, a); overflow {
			return Batch{}, fmt.Errorf("%w: at amount index %d", ErrTotalOverflow, i)
		}
	}

	return Batch{
		recipients: recipients,
		amounts:    amounts,
		total:      total,
	}, nil
}

// Len returns the number of recipients.
func (b Batch) Len() int { return len(b.recipients) }

// IsZero reports whether b is the zero Batch.
func (b Batch) IsZero() bool { return len(b.recipients) == 0 }

// Recipients returns a copy of the recipient list.
func (b Batch) Recipients() []common.Address {
	return append([]common.Address(nil), b.recipients...)
}

// Amounts returns copies of the base-unit amounts, aligned with Recipients.
func (b Batch) Amounts() []*uint256.Int {
	out := make([]*uint256.Int, len(b.amounts))
	for i, a := range b.amounts {
		out[i] = new(uint256.Int).Set(a)
	}
	return out
}

// AmountsBig returns the amounts as big.Int values, the form ABI packing expects.
func (b Batch) AmountsBig() []*big.Int {
	out := make([]*big.Int, len(b.amounts))
	for i, a := range b.amounts {
		out[i] = a.ToBig()
	}
	return out
}

// Total returns the sum of all amounts.
func (b Batch) Total() *uint256.Int {
	if b.total == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(b.total)
}

// ID is a deterministic identifier for the batch contents:
//
//	keccak256("AIRDROP_BATCH_V1" || recipient_0 || amount_0 || ... )
//
// with addresses as 20 bytes and amounts as 32-byte big-endian words.
func (b Batch) ID() common.Hash {
	if b.IsZero() {
		return common.Hash{}
	}
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte("AIRDROP_BATCH_V1"))
	for i := range b.recipients {
		_, _ = h.Write(b.recipients[i][:])
		word := b.amounts[i].Bytes32()
		_, _ = h.Write(word[:])
	}
	return common.BytesToHash(h.Sum(nil))
}

// isWellFormedAddress accepts a 0x-prefixed 20-byte hex address. Any
// uppercase hex digit makes the token a checksummed address, which must then
// match its EIP-55 form exactly.
func isWellFormedAddress(tok string) bool {
	if !strings.HasPrefix(tok, "0x") || !common.IsHexAddress(tok) {
		return false
	}
	if strings.ToLower(tok) == tok {
		return true
	}
	return common.HexToAddress(tok).Hex() == tok
}

func splitTokens(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// parseUnits converts a plain decimal numeral into base units. A non-empty
// reason means the token is not a usable amount.
func parseUnits(tok string, decimals uint8) (*uint256.Int, string) {
	intPart, fracPart, hasDot := strings.Cut(tok, ".")
	if hasDot && strings.Contains(fracPart, ".") {
		return nil, reasonNotNumeric
	}
	if intPart == "" && fracPart == "" {
		return nil, reasonNotNumeric
	}
	if !allDigits(intPart) || !allDigits(fracPart) {
		return nil, reasonNotNumeric
	}

	fracPart = strings.TrimRight(fracPart, "0")
	if len(fracPart) > int(decimals) {
		return nil, reasonTooPrecise
	}
	digits := intPart + fracPart + strings.Repeat("0", int(decimals)-len(fracPart))
	if digits == "" {
		digits = "0"
	}

	bi, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, reasonNotNumeric
	}
	v, overflow := uint256.FromBig(bi)
	if overflow {
		return nil, reasonTooLarge
	}
	if v.IsZero() {
		return nil, reasonZero
	}
	return v, ""
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
