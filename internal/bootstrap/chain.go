// Package bootstrap wires the pieces every airdrop binary needs: the RPC
// client, the signing sender, the chain gateway, the orchestrator and the
// optional transition publisher. Flag names are shared across binaries.
package bootstrap

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/tsender/airdrop/internal/chain"
	"github.com/tsender/airdrop/internal/chain/evm"
	"github.com/tsender/airdrop/internal/eth"
	"github.com/tsender/airdrop/internal/orchestrator"
	"github.com/tsender/airdrop/internal/secrets"
)

var ErrUsage = errors.New("bootstrap: invalid flags")

const gwei = 1_000_000_000

// ChainFlags holds the chain, key and fee flags shared by the airdrop binaries.
type ChainFlags struct {
	RPCURL      string
	ChainID     uint64
	KeyRef      string
	Dispatchers string

	MinTipGwei   int64
	MaxFeeGwei   int64
	GasMult      float64
	PollInterval time.Duration
	ReplaceAfter time.Duration
	MaxReplace   int
	BumpPercent  int

	StartupTimeout time.Duration
}

// RegisterChainFlags registers the chain flags on fs.
func RegisterChainFlags(fs *flag.FlagSet) *ChainFlags {
	f := &ChainFlags{}
	fs.StringVar(&f.RPCURL, "rpc-url", "", "EVM JSON-RPC URL (required)")
	fs.Uint64Var(&f.ChainID, "chain-id", 0, "EVM chain id (required; must match the node)")
	fs.StringVar(&f.KeyRef, "key-ref", "env:AIRDROP_PRIVATE_KEY", "owner private key reference: env:NAME or aws-sm:SECRET_ID[#field]")
	fs.StringVar(&f.Dispatchers, "dispatchers", "", "extra batch-transfer contracts as chainID=0xaddr,... (overrides built-in entries)")

	fs.Int64Var(&f.MinTipGwei, "min-tip-gwei", 1, "minimum priority fee (gwei)")
	fs.Int64Var(&f.MaxFeeGwei, "max-fee-gwei", 0, "refuse to send above this fee cap (gwei); 0 disables")
	fs.Float64Var(&f.GasMult, "gas-mult", 1.2, "gas limit multiplier when estimating")
	fs.DurationVar(&f.PollInterval, "poll-interval", 2*time.Second, "receipt poll interval")
	fs.DurationVar(&f.ReplaceAfter, "replace-after", 45*time.Second, "send a fee-bumped replacement after this long without a receipt")
	fs.IntVar(&f.MaxReplace, "max-replacements", 3, "maximum number of replacement transactions")
	fs.IntVar(&f.BumpPercent, "bump-percent", 12, "replacement fee bump percentage")

	fs.DurationVar(&f.StartupTimeout, "startup-timeout", 10*time.Second, "timeout for dialing the node and loading the key")
	return f
}

// Validate checks the parsed flag values.
func (f *ChainFlags) Validate() error {
	if strings.TrimSpace(f.RPCURL) == "" || f.ChainID == 0 {
		return fmt.Errorf("%w: --rpc-url and --chain-id are required", ErrUsage)
	}
	if strings.TrimSpace(f.KeyRef) == "" {
		return fmt.Errorf("%w: --key-ref is required", ErrUsage)
	}
	if _, err := secrets.ParseRef(f.KeyRef); err != nil {
		return fmt.Errorf("%w: --key-ref: %v", ErrUsage, err)
	}
	if _, err := f.dispatchers(); err != nil {
		return fmt.Errorf("%w: --dispatchers: %v", ErrUsage, err)
	}
	if f.MinTipGwei < 0 || f.MaxFeeGwei < 0 {
		return fmt.Errorf("%w: fee flags must be >= 0", ErrUsage)
	}
	if f.GasMult <= 0 || f.PollInterval <= 0 || f.StartupTimeout <= 0 {
		return fmt.Errorf("%w: --gas-mult, --poll-interval and --startup-timeout must be > 0", ErrUsage)
	}
	if f.MaxReplace < 0 || (f.MaxReplace > 0 && (f.ReplaceAfter <= 0 || f.BumpPercent <= 0)) {
		return fmt.Errorf("%w: replacements need --replace-after and --bump-percent > 0", ErrUsage)
	}
	return nil
}

func (f *ChainFlags) dispatchers() (chain.Dispatchers, error) {
	extra, err := chain.ParseDispatchers(f.Dispatchers)
	if err != nil {
		return nil, err
	}
	return chain.DefaultDispatchers().Merge(extra), nil
}

func (f *ChainFlags) senderConfig() eth.SenderConfig {
	cfg := eth.DefaultSenderConfig(f.ChainID)
	cfg.GasLimitMultiplier = f.GasMult
	cfg.MinTipCap = new(big.Int).Mul(big.NewInt(f.MinTipGwei), big.NewInt(gwei))
	if f.MaxFeeGwei > 0 {
		cfg.MaxFeeCap = new(big.Int).Mul(big.NewInt(f.MaxFeeGwei), big.NewInt(gwei))
	}
	cfg.ReceiptPollInterval = f.PollInterval
	cfg.ReplaceAfter = f.ReplaceAfter
	cfg.MaxReplacements = f.MaxReplace
	cfg.ReplacementBumpPercent = f.BumpPercent
	cfg.MinReplacementTipBump = big.NewInt(gwei)
	cfg.MinReplacementFeeBump = big.NewInt(gwei)
	return cfg
}

// Chain is a connected gateway for one owner key on one network.
type Chain struct {
	Client      *ethclient.Client
	Gateway     *evm.Gateway
	ChainID     uint64
	Dispatchers chain.Dispatchers
}

// DialChain resolves the owner key, connects to the node and checks that it
// serves the configured chain id.
func DialChain(ctx context.Context, f *ChainFlags, resolver *secrets.Resolver, log *slog.Logger) (*Chain, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	dispatchers, err := f.dispatchers()
	if err != nil {
		return nil, err
	}
	if resolver == nil {
		resolver = &secrets.Resolver{}
	}

	startupCtx, cancel := context.WithTimeout(ctx, f.StartupTimeout)
	defer cancel()

	keyHex, err := resolver.Resolve(startupCtx, f.KeyRef)
	if err != nil {
		return nil, fmt.Errorf("resolve key: %w", err)
	}
	key, err := eth.ParsePrivateKeyHex(keyHex)
	if err != nil {
		return nil, err
	}

	client, err := ethclient.DialContext(startupCtx, f.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	got, err := client.ChainID(startupCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	if want := new(big.Int).SetUint64(f.ChainID); got.Cmp(want) != 0 {
		client.Close()
		return nil, fmt.Errorf("%w: chain id mismatch: want %s got %s", ErrUsage, want, got)
	}

	sender, err := eth.NewSender(client, eth.NewLocalSigner(key), f.senderConfig(), log)
	if err != nil {
		client.Close()
		return nil, err
	}
	gw, err := evm.New(client, sender, log)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &Chain{Client: client, Gateway: gw, ChainID: f.ChainID, Dispatchers: dispatchers}, nil
}

// Orchestrator builds an orchestrator that signs as the chain's owner.
func (c *Chain) Orchestrator(onTransition func(orchestrator.Snapshot), log *slog.Logger) (*orchestrator.Orchestrator, error) {
	return orchestrator.New(orchestrator.Config{
		ChainID:      c.ChainID,
		Owner:        c.Gateway.Owner(),
		Dispatchers:  c.Dispatchers,
		OnTransition: onTransition,
	}, c.Gateway, log)
}

// Close closes the RPC client. It is safe on a nil Chain.
func (c *Chain) Close() {
	if c != nil && c.Client != nil {
		c.Client.Close()
	}
}
