package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/target/escrow-settlement/internal/domain/model"
)

var (
	// ErrInvalidPrivateKey is returned for malformed oracle keys. It never carries key material.
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	// ErrInvalidTokenAmount is returned for amounts that do not fit the token's decimals.
	ErrInvalidTokenAmount = errors.New("chain: invalid token amount")
)

// TokenDecimals is the precision payout amounts are scaled to.
const TokenDecimals = 18

var tokenScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(TokenDecimals), nil)

// ParsePrivateKey parses a hex secp256k1 key with optional 0x prefix.
func ParsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
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

// ToBaseUnits converts a decimal token amount to its integer base units.
func ToBaseUnits(amount string) (*big.Int, error) {
	r, err := model.ParseAmount(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTokenAmount, amount)
	}
	r.Mul(r, new(big.Rat).SetInt(tokenScale))
	if !r.IsInt() {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidTokenAmount, amount, TokenDecimals)
	}
	return new(big.Int).Set(r.Num()), nil
}
