package attest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duelarena/escrowd/internal/domain"
)

func newTestPair(t *testing.T) (*Signer, *Verifier) {
	t.Helper()
	signer, err := GenerateSigner()
	require.NoError(t, err)
	verifier, err := NewVerifier(signer.PubKeyHex())
	require.NoError(t, err)
	return signer, verifier
}

func TestVerifyAcceptsOracleSignature(t *testing.T) {
	signer, verifier := newTestPair(t)

	msg := PrizeMessage("round-1", "0xabc", 7)
	att, err := signer.Sign(msg)
	require.NoError(t, err)

	assert.NoError(t, verifier.Verify(att, msg))
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	_, verifier := newTestPair(t)
	other, err := GenerateSigner()
	require.NoError(t, err)

	msg := PrizeMessage("round-1", "0xabc", 7)
	att, err := other.Sign(msg)
	require.NoError(t, err)

	assert.ErrorIs(t, verifier.Verify(att, msg), domain.ErrInvalidSignature)
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	signer, verifier := newTestPair(t)

	msg := PrizeMessage("round-1", "0xabc", 7)
	att, err := signer.Sign(msg)
	require.NoError(t, err)

	tampered := PrizeMessage("round-1", "0xabc", 8)
	assert.ErrorIs(t, verifier.Verify(att, tampered), domain.ErrInvalidSignature)
}

func TestVerifyRejectsCrossNamespaceReuse(t *testing.T) {
	signer, verifier := newTestPair(t)

	// A prize signature must not pass as a draw signature for the same
	// round, claimant, and nonce.
	prizeMsg := PrizeMessage("round-1", "0xabc", 7)
	att, err := signer.Sign(prizeMsg)
	require.NoError(t, err)

	drawMsg := DrawMessage("round-1", "0xabc", 7)
	assert.ErrorIs(t, verifier.Verify(att, drawMsg), domain.ErrInvalidSignature)
}

func TestVerifyRejectsMalformedAttestation(t *testing.T) {
	signer, verifier := newTestPair(t)

	msg := DrawMessage("round-1", "0xabc", 1)
	att, err := signer.Sign(msg)
	require.NoError(t, err)

	short := Attestation{PubKey: att.PubKey, Signature: att.Signature[:63]}
	assert.ErrorIs(t, verifier.Verify(short, msg), domain.ErrInvalidSignature)

	badKey := Attestation{PubKey: att.PubKey[:32], Signature: att.Signature}
	assert.ErrorIs(t, verifier.Verify(badKey, msg), domain.ErrInvalidSignature)

	assert.ErrorIs(t, verifier.Verify(att, nil), domain.ErrInvalidSignature)
}

func TestNewVerifierRejectsBadKeys(t *testing.T) {
	_, err := NewVerifier("nothex")
	assert.Error(t, err)

	_, err = NewVerifier("0x0102")
	assert.Error(t, err)
}

func TestVerifyCaller(t *testing.T) {
	caller, err := GenerateSigner()
	require.NoError(t, err)

	msg := PrizeMessage("round-1", caller.Address(), 9)
	att, err := caller.Sign(msg)
	require.NoError(t, err)

	require.NoError(t, VerifyCaller(caller.Address(), att.PubKey, att.Signature, msg))

	// A different address must not pass with the same key material.
	assert.ErrorIs(t,
		VerifyCaller("0x0000000000000000000000000000000000000001", att.PubKey, att.Signature, msg),
		domain.ErrUnauthorized)

	// Tampered message fails.
	assert.ErrorIs(t,
		VerifyCaller(caller.Address(), att.PubKey, att.Signature, []byte("other")),
		domain.ErrUnauthorized)
}
