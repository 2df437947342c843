package eth

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidSigner     = errors.New("eth: invalid signer")
	ErrInvalidPrivateKey = errors.New("eth: invalid private key")
)

// Signer signs transactions for the wallet that owns the airdropped tokens.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// LocalSigner holds the key in process memory.
type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewLocalSigner wraps key.
func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	s := &LocalSigner{key: key}
	if key != nil {
		s.addr = crypto.PubkeyToAddress(key.PublicKey)
	}
	return s
}

// Address returns the key's account.
func (s *LocalSigner) Address() common.Address { return s.addr }

// SignTx signs tx for chainID with the latest signer.
func (s *LocalSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s.key == nil || tx == nil || chainID == nil || chainID.Sign() <= 0 {
		return nil, ErrInvalidSigner
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// ParsePrivateKeyHex parses a 32-byte secp256k1 key, with or without 0x.
// Errors never include key material.
func ParsePrivateKeyHex(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, ErrInvalidPrivateKey
	}
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	return key, nil
}
