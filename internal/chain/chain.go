// Package chain defines the only I/O surface the airdrop orchestrator uses:
// reading an ERC-20 allowance and submitting approve and batch-transfer calls.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrNoDispatcher       = errors.New("chain: no dispatcher contract configured for chain")
	ErrInvalidDispatchers = errors.New("chain: invalid dispatcher table")
)

// TxHandle references a submitted call. The orchestrator never interprets it.
type TxHandle = common.Hash

// Gateway reads contract state and submits signed calls. Every method may
// block on the network and may fail; failures are classified by txerrors.
type Gateway interface {
	ReadAllowance(ctx context.Context, token, owner, spender common.Address) (*uint256.Int, error)
	SubmitApprove(ctx context.Context, token, spender common.Address, amount *uint256.Int) (TxHandle, error)
	SubmitTransfer(ctx context.Context, dispatcher, token common.Address, recipients []common.Address, amounts []*uint256.Int, total *uint256.Int) (TxHandle, error)
}

// Dispatchers maps a chain id to the batch-transfer contract deployed on it.
type Dispatchers map[uint64]common.Address

// AnvilChainID is the default chain id of a local anvil node.
const AnvilChainID = 31337

// DefaultDispatchers holds deployments that are stable across environments:
// the first contract deployed by anvil's default account.
func DefaultDispatchers() Dispatchers {
	return Dispatchers{
		AnvilChainID: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
	}
}

// Lookup returns the dispatcher for chainID or ErrNoDispatcher.
func (d Dispatchers) Lookup(chainID uint64) (common.Address, error) {
	a, ok := d[chainID]
	if !ok || a == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w %d", ErrNoDispatcher, chainID)
	}
	return a, nil
}

// Merge returns a copy of d overlaid with other.
func (d Dispatchers) Merge(other Dispatchers) Dispatchers {
	out := make(Dispatchers, len(d)+len(other))
	for k, v := range d {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// String renders the table in the form ParseDispatchers accepts.
func (d Dispatchers) String() string {
	ids := make([]uint64, 0, len(d))
	for id := range d {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatUint(id, 10)+"="+d[id].Hex())
	}
	return strings.Join(parts, ",")
}

// ParseDispatchers parses "chainID=0xaddr,chainID=0xaddr".
func ParseDispatchers(s string) (Dispatchers, error) {
	out := make(Dispatchers)
	for i, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idStr, addrStr, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: entry %d: expected chainID=address", ErrInvalidDispatchers, i)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(idStr), 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("%w: entry %d: invalid chain id %q", ErrInvalidDispatchers, i, idStr)
		}
		addrStr = strings.TrimSpace(addrStr)
		if !common.IsHexAddress(addrStr) {
			return nil, fmt.Errorf("%w: entry %d: invalid address %q", ErrInvalidDispatchers, i, addrStr)
		}
		a := common.HexToAddress(addrStr)
		if a == (common.Address{}) {
			return nil, fmt.Errorf("%w: entry %d: zero address", ErrInvalidDispatchers, i)
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("%w: duplicate chain id %d", ErrInvalidDispatchers, id)
		}
		out[id] = a
	}
	return out, nil
}
