// Package evm implements chain.Gateway against an Ethereum JSON-RPC node.
package evm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/tsender/airdrop/internal/chain"
	"github.com/tsender/airdrop/internal/eth"
	"github.com/tsender/airdrop/internal/tsenderabi"
)

var ErrInvalidConfig = errors.New("evm: invalid config")

// Caller runs read-only contract calls. *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Submitter sends a transaction from one wallet and waits for it to be mined.
type Submitter interface {
	Address() common.Address
	SendAndWaitMined(ctx context.Context, req eth.TxRequest) (eth.SendResult, error)
}

// Gateway implements chain.Gateway against an EVM node.
type Gateway struct {
	caller Caller
	sender Submitter
	log    *slog.Logger
}

var _ chain.Gateway = (*Gateway)(nil)

// New builds a Gateway that reads through caller and submits through sender.
func New(caller Caller, sender Submitter, log *slog.Logger) (*Gateway, error) {
	if caller == nil || sender == nil {
		return nil, fmt.Errorf("%w: nil caller or sender", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Gateway{caller: caller, sender: sender, log: log}, nil
}

// Owner is the wallet approvals and transfers are sent from.
func (g *Gateway) Owner() common.Address { return g.sender.Address() }

// ReadAllowance calls token.allowance(owner, spender).
func (g *Gateway) ReadAllowance(ctx context.Context, token, owner, spender common.Address) (*uint256.Int, error) {
	data, err := tsenderabi.PackAllowance(owner, spender)
	if err != nil {
		return nil, err
	}
	ret, err := g.call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("evm: read allowance: %w", err)
	}
	return tsenderabi.UnpackAllowance(ret)
}

// ReadBalance calls token.balanceOf(account).
func (g *Gateway) ReadBalance(ctx context.Context, token, account common.Address) (*uint256.Int, error) {
	data, err := tsenderabi.PackBalanceOf(account)
	if err != nil {
		return nil, err
	}
	ret, err := g.call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("evm: read balance: %w", err)
	}
	return tsenderabi.UnpackBalanceOf(ret)
}

// ReadDecimals calls token.decimals().
func (g *Gateway) ReadDecimals(ctx context.Context, token common.Address) (uint8, error) {
	data, err := tsenderabi.PackDecimals()
	if err != nil {
		return 0, err
	}
	ret, err := g.call(ctx, token, data)
	if err != nil {
		return 0, fmt.Errorf("evm: read decimals: %w", err)
	}
	return tsenderabi.UnpackDecimals(ret)
}

// SubmitApprove sends token.approve(spender, amount) and waits for it to be mined.
func (g *Gateway) SubmitApprove(ctx context.Context, token, spender common.Address, amount *uint256.Int) (chain.TxHandle, error) {
	data, err := tsenderabi.PackApprove(spender, amount)
	if err != nil {
		return chain.TxHandle{}, err
	}
	res, err := g.sender.SendAndWaitMined(ctx, eth.TxRequest{To: token, Data: data})
	if err != nil {
		return res.TxHash, fmt.Errorf("evm: approve: %w", err)
	}
	g.log.Info("approve mined", "token", token, "spender", spender, "amount", amount.Dec(), "tx", res.TxHash)
	return res.TxHash, nil
}

// SubmitTransfer sends the airdropERC20 call to dispatcher and waits for it to be mined.
func (g *Gateway) SubmitTransfer(ctx context.Context, dispatcher, token common.Address, recipients []common.Address, amounts []*uint256.Int, total *uint256.Int) (chain.TxHandle, error) {
	data, err := tsenderabi.PackAirdropERC20(token, recipients, amounts, total)
	if err != nil {
		return chain.TxHandle{}, err
	}
	res, err := g.sender.SendAndWaitMined(ctx, eth.TxRequest{To: dispatcher, Data: data})
	if err != nil {
		return res.TxHash, fmt.Errorf("evm: airdrop: %w", err)
	}
	g.log.Info("airdrop mined", "token", token, "dispatcher", dispatcher, "recipients", len(recipients), "total", total.Dec(), "tx", res.TxHash)
	return res.TxHash, nil
}

func (g *Gateway) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return g.caller.CallContract(ctx, ethereum.CallMsg{
		From: g.sender.Address(),
		To:   &to,
		Data: data,
	}, nil)
}
