package kafka

import (
	"context"
	"log/slog"
)

// IdempotencyStore records processed message IDs. Implementations must be
// safe for concurrent use.
type IdempotencyStore interface {
	// Contains returns true if the ID has already been processed.
	Contains(ctx context.Context, id string) (bool, error)
	// Add marks an ID as processed. Call it only after successful processing.
	Add(ctx context.Context, id string) error
}

// IdempotentHandler skips events whose EventID the store has already seen.
// A store lookup failure does not block processing.
func IdempotentHandler(store IdempotencyStore, inner Handler, logger *slog.Logger) Handler {
	return func(ctx context.Context, event *Event) error {
		if event.EventID == "" {
			return inner(ctx, event)
		}

		seen, err := store.Contains(ctx, event.EventID)
		if err != nil {
			logger.WarnContext(ctx, "idempotency store lookup failed, processing anyway",
				slog.String("event_id", event.EventID),
				slog.String("error", err.Error()),
			)
		} else if seen {
			ConsumerMessagesDuplicate.WithLabelValues(event.EventType).Inc()
			logger.DebugContext(ctx, "skipping duplicate event",
				slog.String("event_id", event.EventID),
				slog.String("event_type", event.EventType),
			)
			return nil
		}

		if err := inner(ctx, event); err != nil {
			return err
		}

		if err := store.Add(ctx, event.EventID); err != nil {
			logger.WarnContext(ctx, "failed to record event ID",
				slog.String("event_id", event.EventID),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}
}
