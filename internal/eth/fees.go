package eth

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrInvalidFeeArgs = errors.New("eth: invalid fee args")
	// ErrFeeCapExceeded means the network asks for more than the configured ceiling.
	ErrFeeCapExceeded = errors.New("eth: fee cap exceeded")
)

// Fees is an EIP-1559 price pair.
type Fees struct {
	TipCap *big.Int
	FeeCap *big.Int
}

// Calc1559Fees prices a new transaction off the latest base fee:
// tip = max(suggestedTip, minTip), feeCap = 2*baseFee + tip.
func Calc1559Fees(baseFee, suggestedTip, minTip *big.Int) (Fees, error) {
	if baseFee == nil || suggestedTip == nil || minTip == nil {
		return Fees{}, ErrInvalidFeeArgs
	}
	if baseFee.Sign() < 0 || suggestedTip.Sign() < 0 || minTip.Sign() < 0 {
		return Fees{}, ErrInvalidFeeArgs
	}

	tip := new(big.Int).Set(suggestedTip)
	if tip.Cmp(minTip) < 0 {
		tip.Set(minTip)
	}
	fee := new(big.Int).Lsh(baseFee, 1)
	fee.Add(fee, tip)
	return Fees{TipCap: tip, FeeCap: fee}, nil
}

// Bump raises both caps by pct percent, and by at least the given absolute
// increments so small values are not rounded back to the original price.
func (f Fees) Bump(pct int, minTipBump, minFeeBump *big.Int) (Fees, error) {
	if f.TipCap == nil || f.FeeCap == nil || f.TipCap.Sign() < 0 || f.FeeCap.Sign() < 0 {
		return Fees{}, ErrInvalidFeeArgs
	}
	if pct <= 0 {
		return Fees{}, ErrInvalidFeeArgs
	}
	if (minTipBump != nil && minTipBump.Sign() < 0) || (minFeeBump != nil && minFeeBump.Sign() < 0) {
		return Fees{}, ErrInvalidFeeArgs
	}

	out := Fees{
		TipCap: bumpBy(f.TipCap, pct, minTipBump),
		FeeCap: bumpBy(f.FeeCap, pct, minFeeBump),
	}
	if out.FeeCap.Cmp(out.TipCap) < 0 {
		out.FeeCap = new(big.Int).Set(out.TipCap)
	}
	return out, nil
}

// Within fails when FeeCap is above max. A nil max means no ceiling.
func (f Fees) Within(max *big.Int) error {
	if max == nil || max.Sign() <= 0 {
		return nil
	}
	if f.FeeCap.Cmp(max) > 0 {
		return fmt.Errorf("%w: feeCap %s > max %s", ErrFeeCapExceeded, f.FeeCap, max)
	}
	return nil
}

func bumpBy(v *big.Int, pct int, minBump *big.Int) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(int64(100+pct)))
	out.Div(out, big.NewInt(100))
	if minBump != nil && minBump.Sign() > 0 {
		floor := new(big.Int).Add(v, minBump)
		if out.Cmp(floor) < 0 {
			out = floor
		}
	}
	return out
}
