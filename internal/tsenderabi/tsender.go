// Package tsenderabi packs calls to ERC-20 tokens and to the batch-transfer
// dispatcher contract, and unpacks their return data.
package tsenderabi

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrInvalidInput = errors.New("tsenderabi: invalid input")

var (
	initOnce sync.Once
	initErr  error

	erc20ABI   abi.ABI
	tsenderABI abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		var err error
		erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
		if err != nil {
			initErr = fmt.Errorf("tsenderabi: parse ERC20 ABI: %w", err)
			return
		}
		tsenderABI, err = abi.JSON(strings.NewReader(tsenderABIJSON))
		if err != nil {
			initErr = fmt.Errorf("tsenderabi: parse TSender ABI: %w", err)
			return
		}
	})
	return initErr
}

// PackAllowance encodes allowance(owner, spender).
func PackAllowance(owner, spender common.Address) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("tsenderabi: pack allowance: %w", err)
	}
	return b, nil
}

// UnpackAllowance decodes the allowance return value.
func UnpackAllowance(ret []byte) (*uint256.Int, error) {
	return unpackUint256("allowance", ret)
}

// PackBalanceOf encodes balanceOf(account).
func PackBalanceOf(account common.Address) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := erc20ABI.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("tsenderabi: pack balanceOf: %w", err)
	}
	return b, nil
}

// UnpackBalanceOf decodes the balanceOf return value.
func UnpackBalanceOf(ret []byte) (*uint256.Int, error) {
	return unpackUint256("balanceOf", ret)
}

// PackDecimals encodes decimals().
func PackDecimals() ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := erc20ABI.Pack("decimals")
	if err != nil {
		return nil, fmt.Errorf("tsenderabi: pack decimals: %w", err)
	}
	return b, nil
}

// UnpackDecimals decodes the decimals return value.
func UnpackDecimals(ret []byte) (uint8, error) {
	if err := initABI(); err != nil {
		return 0, err
	}
	vals, err := erc20ABI.Unpack("decimals", ret)
	if err != nil {
		return 0, fmt.Errorf("tsenderabi: unpack decimals: %w", err)
	}
	if len(vals) != 1 {
		return 0, fmt.Errorf("%w: decimals returned %d values", ErrInvalidInput, len(vals))
	}
	d, ok := vals[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: decimals returned %T", ErrInvalidInput, vals[0])
	}
	return d, nil
}

// PackApprove encodes approve(spender, amount).
func PackApprove(spender common.Address, amount *uint256.Int) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if (spender == common.Address{}) {
		return nil, fmt.Errorf("%w: spender must be non-zero", ErrInvalidInput)
	}
	if amount == nil {
		return nil, fmt.Errorf("%w: nil amount", ErrInvalidInput)
	}
	b, err := erc20ABI.Pack("approve", spender, amount.ToBig())
	if err != nil {
		return nil, fmt.Errorf("tsenderabi: pack approve: %w", err)
	}
	return b, nil
}

// PackAirdropERC20 encodes airdropERC20(token, recipients, amounts, totalAmount).
// The dispatcher reverts unless the amounts sum to totalAmount.
func PackAirdropERC20(token common.Address, recipients []common.Address, amounts []*uint256.Int, total *uint256.Int) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if (token == common.Address{}) {
		return nil, fmt.Errorf("%w: token must be non-zero", ErrInvalidInput)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrInvalidInput)
	}
	if len(recipients) != len(amounts) {
		return nil, fmt.Errorf("%w: %d recipients, %d amounts", ErrInvalidInput, len(recipients), len(amounts))
	}
	if total == nil {
		return nil, fmt.Errorf("%w: nil total", ErrInvalidInput)
	}
	bigAmounts := make([]*big.Int, len(amounts))
	for i, a := range amounts {
		if a == nil {
			return nil, fmt.Errorf("%w: amount %d is nil", ErrInvalidInput, i)
		}
		bigAmounts[i] = a.ToBig()
	}
	b, err := tsenderABI.Pack("airdropERC20", token, recipients, bigAmounts, total.ToBig())
	if err != nil {
		return nil, fmt.Errorf("tsenderabi: pack airdropERC20: %w", err)
	}
	return b, nil
}

// AirdropCall is the decoded argument list of an airdropERC20 call.
type AirdropCall struct {
	Token      common.Address
	Recipients []common.Address
	Amounts    []*big.Int
	Total      *big.Int
}

// UnpackAirdropERC20 decodes airdropERC20 calldata, selector included.
func UnpackAirdropERC20(calldata []byte) (AirdropCall, error) {
	if err := initABI(); err != nil {
		return AirdropCall{}, err
	}
	m := tsenderABI.Methods["airdropERC20"]
	if len(calldata) < 4 || !bytes.Equal(calldata[:4], m.ID) {
		return AirdropCall{}, fmt.Errorf("%w: not an airdropERC20 call", ErrInvalidInput)
	}
	vals, err := m.Inputs.Unpack(calldata[4:])
	if err != nil {
		return AirdropCall{}, fmt.Errorf("tsenderabi: unpack airdropERC20: %w", err)
	}
	if len(vals) != 4 {
		return AirdropCall{}, fmt.Errorf("%w: airdropERC20 has %d args", ErrInvalidInput, len(vals))
	}
	var out AirdropCall
	var ok [4]bool
	out.Token, ok[0] = vals[0].(common.Address)
	out.Recipients, ok[1] = vals[1].([]common.Address)
	out.Amounts, ok[2] = vals[2].([]*big.Int)
	out.Total, ok[3] = vals[3].(*big.Int)
	if ok != [4]bool{true, true, true, true} {
		return AirdropCall{}, fmt.Errorf("%w: unexpected airdropERC20 arg types", ErrInvalidInput)
	}
	return out, nil
}

func unpackUint256(method string, ret []byte) (*uint256.Int, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	vals, err := erc20ABI.Unpack(method, ret)
	if err != nil {
		return nil, fmt.Errorf("tsenderabi: unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("%w: %s returned %d values", ErrInvalidInput, method, len(vals))
	}
	b, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: %s returned %T", ErrInvalidInput, method, vals[0])
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("%w: %s value overflows uint256", ErrInvalidInput, method)
	}
	return v, nil
}

const erc20ABIJSON = `[
  {
    "inputs": [
      {"internalType":"address","name":"owner","type":"address"},
      {"internalType":"address","name":"spender","type":"address"}
    ],
    "name":"allowance",
    "outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
    "stateMutability":"view",
    "type":"function"
  },
  {
    "inputs": [
      {"internalType":"address","name":"spender","type":"address"},
      {"internalType":"uint256","name":"value","type":"uint256"}
    ],
    "name":"approve",
    "outputs":[{"internalType":"bool","name":"","type":"bool"}],
    "stateMutability":"nonpayable",
    "type":"function"
  },
  {
    "inputs": [{"internalType":"address","name":"account","type":"address"}],
    "name":"balanceOf",
    "outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
    "stateMutability":"view",
    "type":"function"
  },
  {
    "inputs": [],
    "name":"decimals",
    "outputs":[{"internalType":"uint8","name":"","type":"uint8"}],
    "stateMutability":"view",
    "type":"function"
  }
]`

const tsenderABIJSON = `[
  {
    "inputs": [
      {"internalType":"address","name":"tokenAddress","type":"address"},
      {"internalType":"address[]","name":"recipients","type":"address[]"},
      {"internalType":"uint256[]","name":"amounts","type":"uint256[]"},
      {"internalType":"uint256","name":"totalAmount","type":"uint256"}
    ],
    "name":"airdropERC20",
    "outputs":[],
    "stateMutability":"nonpayable",
    "type":"function"
  }
]`
