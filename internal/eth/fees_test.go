package eth

import (
	"errors"
	"math/big"
	"testing"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

func TestCalc1559Fees_TipFloorAndDoubleBaseFee(t *testing.T) {
	f, err := Calc1559Fees(bi(100), bi(2), bi(5))
	if err != nil {
		t.Fatalf("Calc1559Fees: %v", err)
	}
	if f.TipCap.Cmp(bi(5)) != 0 {
		t.Fatalf("tip: got %s want 5", f.TipCap)
	}
	if f.FeeCap.Cmp(bi(205)) != 0 {
		t.Fatalf("fee: got %s want 205", f.FeeCap)
	}

	if _, err := Calc1559Fees(nil, bi(1), bi(1)); !errors.Is(err, ErrInvalidFeeArgs) {
		t.Fatalf("nil base fee: got %v", err)
	}
}

func TestFees_BumpAppliesMinimumIncrement(t *testing.T) {
	f := Fees{TipCap: bi(1), FeeCap: bi(2)}

	out, err := f.Bump(10, bi(1), bi(1))
	if err != nil {
		t.Fatalf("Bump: %v", err)
	}
	// 1.1 and 2.2 round down; the minimum increment wins.
	if out.TipCap.Cmp(bi(2)) != 0 || out.FeeCap.Cmp(bi(3)) != 0 {
		t.Fatalf("bumped: tip %s fee %s", out.TipCap, out.FeeCap)
	}
	if f.TipCap.Cmp(bi(1)) != 0 {
		t.Fatalf("Bump mutated the receiver")
	}

	large := Fees{TipCap: bi(1000), FeeCap: bi(3000)}
	out, err = large.Bump(10, bi(1), bi(1))
	if err != nil {
		t.Fatalf("Bump: %v", err)
	}
	if out.TipCap.Cmp(bi(1100)) != 0 || out.FeeCap.Cmp(bi(3300)) != 0 {
		t.Fatalf("percentage bump: tip %s fee %s", out.TipCap, out.FeeCap)
	}

	if _, err := f.Bump(0, nil, nil); !errors.Is(err, ErrInvalidFeeArgs) {
		t.Fatalf("zero percent: got %v", err)
	}
}

func TestFees_BumpKeepsFeeCapAboveTip(t *testing.T) {
	out, err := Fees{TipCap: bi(10), FeeCap: bi(10)}.Bump(10, bi(50), nil)
	if err != nil {
		t.Fatalf("Bump: %v", err)
	}
	if out.FeeCap.Cmp(out.TipCap) < 0 {
		t.Fatalf("feeCap %s below tipCap %s", out.FeeCap, out.TipCap)
	}
}

func TestFees_Within(t *testing.T) {
	f := Fees{TipCap: bi(1), FeeCap: bi(200)}
	if err := f.Within(nil); err != nil {
		t.Fatalf("nil max: %v", err)
	}
	if err := f.Within(bi(200)); err != nil {
		t.Fatalf("equal max: %v", err)
	}
	if err := f.Within(bi(199)); !errors.Is(err, ErrFeeCapExceeded) {
		t.Fatalf("below: got %v", err)
	}
}
