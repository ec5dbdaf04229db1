// Package attest builds and verifies oracle attestations over round
// outcomes. The oracle signs a canonical, namespaced message binding the
// round, the claimant, and a caller-chosen nonce; the verifier checks the
// signature against a single fixed oracle public key.
package attest

import (
	"fmt"

	"github.com/duelarena/escrowd/internal/domain"
)

// PrizeMessage is the canonical message an oracle signs to attest a winner.
// The "game:" namespace keeps prize signatures unusable on the draw path.
func PrizeMessage(roundID string, winner domain.Address, nonce uint64) []byte {
	return []byte(fmt.Sprintf("game:%s:%s:%d", roundID, winner, nonce))
}

// DrawMessage is the canonical message an oracle signs to attest a draw
// refund for one claimer.
func DrawMessage(roundID string, claimer domain.Address, nonce uint64) []byte {
	return []byte(fmt.Sprintf("draw:%s:%s:%d", roundID, claimer, nonce))
}
