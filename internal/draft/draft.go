// Package draft persists the unsent airdrop form (token, recipients and
// amounts text) per owner so an operator can pick up where they left off.
package draft

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MaxFieldBytes bounds each text field of a draft.
const MaxFieldBytes = 1 << 20

var (
	ErrInvalidInput = errors.New("draft: invalid input")
	ErrNotFound     = errors.New("draft: not found")
)

// Draft is the raw form input. Fields are kept verbatim, including
// partially typed values; nothing is parsed until the airdrop starts.
type Draft struct {
	Owner      common.Address
	Token      string
	Recipients string
	Amounts    string
	UpdatedAt  time.Time
}

// Store keeps at most one draft per owner.
//
// Put replaces any existing draft and returns the stored copy with
// UpdatedAt set by the store. Delete is idempotent.
type Store interface {
	Get(ctx context.Context, owner common.Address) (Draft, error)
	Put(ctx context.Context, d Draft) (Draft, error)
	Delete(ctx context.Context, owner common.Address) error
}

// Validate checks the bounds every store enforces.
func Validate(d Draft) error {
	if d.Owner == (common.Address{}) {
		return fmt.Errorf("%w: zero owner", ErrInvalidInput)
	}
	fields := []struct {
		name string
		v    string
	}{{"token", d.Token}, {"recipients", d.Recipients}, {"amounts", d.Amounts}}
	for _, f := range fields {
		if len(f.v) > MaxFieldBytes {
			return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidInput, f.name, MaxFieldBytes)
		}
	}
	return nil
}
