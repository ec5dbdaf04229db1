package attest

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/duelarena/escrowd/internal/domain"
)

// Signer produces attestations. It runs on the platform's result oracle, and
// in tests it doubles as the participant key used for claim
// self-authentication.
type Signer struct {
	priv *ecdsa.PrivateKey
	pub  []byte // compressed
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key (with
// or without 0x prefix).
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	priv, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("attest: invalid private key: %w", err)
	}
	return &Signer{
		priv: priv,
		pub:  ethcrypto.CompressPubkey(&priv.PublicKey),
	}, nil
}

// GenerateSigner creates a Signer with a fresh random key. Test helper.
func GenerateSigner() (*Signer, error) {
	priv, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("attest: generate key: %w", err)
	}
	return &Signer{priv: priv, pub: ethcrypto.CompressPubkey(&priv.PublicKey)}, nil
}

// Sign produces an attestation over the canonical message.
func (s *Signer) Sign(message []byte) (Attestation, error) {
	digest := ethcrypto.Keccak256(message)
	sig, err := ethcrypto.Sign(digest, s.priv)
	if err != nil {
		return Attestation{}, fmt.Errorf("attest: sign: %w", err)
	}
	// Drop the recovery byte; verification uses the explicit public key.
	return Attestation{
		PubKey:    append([]byte(nil), s.pub...),
		Signature: sig[:SignatureLen],
	}, nil
}

// PubKeyHex returns the compressed public key as hex.
func (s *Signer) PubKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// Address returns the canonical address derived from the signing key.
func (s *Signer) Address() domain.Address {
	return domain.NormalizeAddress(ethcrypto.PubkeyToAddress(s.priv.PublicKey).Hex())
}
