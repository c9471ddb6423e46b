package webhook

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/target/escrow-settlement/internal/domain/model"
)

// SignatureHeader carries the EIP-191 signature of the request body.
const SignatureHeader = "Human-Signature"

var (
	// ErrMissingSignature is returned when the signature header is empty.
	ErrMissingSignature = errors.New("missing signature")
	// ErrInvalidSignature is returned for malformed or unrecognised signatures.
	ErrInvalidSignature = errors.New("invalid signature")
)

// Sign returns the 0x-prefixed personal_sign signature of body.
func Sign(key *ecdsa.PrivateKey, body []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(body), key)
	if err != nil {
		return "", fmt.Errorf("sign webhook: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// Recover returns the address that produced signature over body.
func Recover(body []byte, signature string) (common.Address, error) {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return common.Address{}, ErrMissingSignature
	}
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(body), sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verifier accepts bodies signed by one of a fixed set of addresses.
type Verifier struct {
	allowed map[common.Address]struct{}
}

// NewVerifier builds a Verifier from hex addresses.
func NewVerifier(signers []string) (*Verifier, error) {
	allowed := make(map[common.Address]struct{}, len(signers))
	for _, s := range signers {
		if strings.TrimSpace(s) == "" {
			continue
		}
		addr, err := model.NormalizeAddress(s)
		if err != nil {
			return nil, fmt.Errorf("allowed signer %q: %w", s, err)
		}
		allowed[common.HexToAddress(addr)] = struct{}{}
	}
	if len(allowed) == 0 {
		return nil, errors.New("verifier requires at least one allowed signer")
	}
	return &Verifier{allowed: allowed}, nil
}

// Verify implements core.SignatureVerifier.
func (v *Verifier) Verify(body []byte, signature string) error {
	addr, err := Recover(body, signature)
	if err != nil {
		return err
	}
	if _, ok := v.allowed[addr]; !ok {
		return fmt.Errorf("%w: signer %s is not allowed", ErrInvalidSignature, addr.Hex())
	}
	return nil
}
