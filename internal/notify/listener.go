package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/duelarena/escrowd/internal/domain"
)

// RoundEventListener subscribes to the round event channel and forwards
// lifecycle events as operator notifications.
type RoundEventListener struct {
	bus      domain.EventBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewRoundEventListener creates a listener that forwards round events from bus
// through the given notifier.
func NewRoundEventListener(bus domain.EventBus, notifier *Notifier, logger *slog.Logger) *RoundEventListener {
	return &RoundEventListener{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "round_event_listener")),
	}
}

// Run consumes events until the context is cancelled.
func (l *RoundEventListener) Run(ctx context.Context) error {
	events, err := l.bus.Subscribe(ctx, domain.EventChannel)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", domain.EventChannel, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-events:
			if !ok {
				return nil
			}
			l.handle(ctx, payload)
		}
	}
}

func (l *RoundEventListener) handle(ctx context.Context, payload []byte) {
	var ev domain.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		l.logger.WarnContext(ctx, "malformed event payload",
			slog.String("error", err.Error()))
		return
	}

	title, message := formatEvent(ev)
	if err := l.notifier.Notify(ctx, string(ev.Type), title, message); err != nil {
		l.logger.WarnContext(ctx, "notification failed",
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()))
	}
}

// formatEvent renders an event as a short operator-facing message.
func formatEvent(ev domain.Event) (title, message string) {
	switch ev.Type {
	case domain.EventRoundCreated:
		return "Round created",
			fmt.Sprintf("round %s opened by %s with stake %d", ev.RoundID, ev.Actor, ev.Amount)
	case domain.EventPlayerJoined:
		return "Player joined",
			fmt.Sprintf("round %s: %s joined, match started", ev.RoundID, ev.Actor)
	case domain.EventRoundCompleted:
		return "Round completed",
			fmt.Sprintf("round %s: %s won %d", ev.RoundID, ev.Actor, ev.Amount)
	case domain.EventRoundDraw:
		return "Round drawn",
			fmt.Sprintf("round %s ended in a draw", ev.RoundID)
	case domain.EventDrawRefundClaimed:
		return "Draw refund claimed",
			fmt.Sprintf("round %s: %s refunded %d", ev.RoundID, ev.Actor, ev.Amount)
	case domain.EventRoundCancelled:
		return "Round cancelled",
			fmt.Sprintf("round %s cancelled after timeout by %s", ev.RoundID, ev.Actor)
	case domain.EventRoundClosed:
		return "Round closed",
			fmt.Sprintf("round %s closed, reserve returned to %s", ev.RoundID, ev.Actor)
	case domain.EventCommissionClaimed:
		return "Commission claimed",
			fmt.Sprintf("%s withdrew %d from the treasury", ev.Actor, ev.Amount)
	default:
		return string(ev.Type), fmt.Sprintf("round %s: %s", ev.RoundID, ev.Actor)
	}
}
