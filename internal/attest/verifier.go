package attest

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/duelarena/escrowd/internal/domain"
)

const (
	// PubKeyLen is the compressed secp256k1 public key length.
	PubKeyLen = 33
	// SignatureLen is the R||S signature length.
	SignatureLen = 64
)

// Attestation is a signed outcome assertion that rides alongside a claim
// request: the signer's compressed public key and a 64-byte signature over
// the Keccak-256 digest of the canonical message.
type Attestation struct {
	PubKey    []byte
	Signature []byte
}

// Verifier checks attestations against one fixed oracle identity.
// Verification is stateless and has no side effects.
type Verifier struct {
	oraclePub []byte // compressed, 33 bytes
}

// NewVerifier creates a Verifier for the given hex-encoded compressed
// secp256k1 oracle public key.
func NewVerifier(oraclePubHex string) (*Verifier, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(oraclePubHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("attest: invalid oracle pubkey hex: %w", err)
	}
	if len(raw) != PubKeyLen {
		return nil, fmt.Errorf("attest: oracle pubkey must be %d bytes, got %d", PubKeyLen, len(raw))
	}
	// Reject keys that are not valid curve points up front.
	if _, err := ethcrypto.DecompressPubkey(raw); err != nil {
		return nil, fmt.Errorf("attest: oracle pubkey not on curve: %w", err)
	}
	return &Verifier{oraclePub: raw}, nil
}

// OraclePubKey returns the configured oracle key bytes.
func (v *Verifier) OraclePubKey() []byte {
	return append([]byte(nil), v.oraclePub...)
}

// Verify accepts the attestation only if the embedded public key is
// byte-for-byte the configured oracle key, the signature has the exact
// expected length, and it verifies over the Keccak-256 digest of message.
// Every failure mode collapses to ErrInvalidSignature.
func (v *Verifier) Verify(att Attestation, message []byte) error {
	if len(att.PubKey) != PubKeyLen || !bytes.Equal(att.PubKey, v.oraclePub) {
		return domain.ErrInvalidSignature
	}
	if len(att.Signature) != SignatureLen {
		return domain.ErrInvalidSignature
	}
	if len(message) == 0 {
		return domain.ErrInvalidSignature
	}
	digest := ethcrypto.Keccak256(message)
	if !ethcrypto.VerifySignature(att.PubKey, digest, att.Signature) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// VerifyCaller checks that the claim request is self-authenticated: the
// caller's public key must hash to the claimed address and the signature must
// verify over the same canonical message the oracle signed.
func VerifyCaller(addr domain.Address, pubKey, sig, message []byte) error {
	if len(pubKey) != PubKeyLen || len(sig) != SignatureLen {
		return domain.ErrUnauthorized
	}
	pub, err := ethcrypto.DecompressPubkey(pubKey)
	if err != nil {
		return domain.ErrUnauthorized
	}
	derived := domain.NormalizeAddress(ethcrypto.PubkeyToAddress(*pub).Hex())
	if derived != addr {
		return domain.ErrUnauthorized
	}
	digest := ethcrypto.Keccak256(message)
	if !ethcrypto.VerifySignature(pubKey, digest, sig) {
		return domain.ErrUnauthorized
	}
	return nil
}
