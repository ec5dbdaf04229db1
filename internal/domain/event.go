package domain

import "time"

// EventType names every notification the engine emits for external auditing.
type EventType string

const (
	EventRoundCreated      EventType = "round_created"
	EventPlayerJoined      EventType = "player_joined"
	EventRoundCompleted    EventType = "round_completed"
	EventRoundDraw         EventType = "round_draw"
	EventDrawRefundClaimed EventType = "draw_refund_claimed"
	EventRoundCancelled    EventType = "round_cancelled"
	EventRoundClosed       EventType = "round_closed"
	EventCommissionClaimed EventType = "commission_claimed"
)

// Event is a single round notification. Amount carries the payout, refund, or
// claimed commission where the event has one; zero otherwise.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	RoundID   string    `json:"round_id,omitempty"`
	Actor     Address   `json:"actor,omitempty"`
	Amount    uint64    `json:"amount,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// EventChannel is the bus channel round events are published on.
const EventChannel = "rounds:events"

// NewEvent stamps an event with the supplied wall-clock time.
func NewEvent(id string, typ EventType, roundID string, actor Address, amount uint64, at time.Time) Event {
	return Event{
		ID:        id,
		Type:      typ,
		RoundID:   roundID,
		Actor:     actor,
		Amount:    amount,
		Timestamp: at.Unix(),
	}
}
