package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Manoj-619/cartoo-new-sub001/internal/domain"
	apperrors "github.com/Manoj-619/cartoo-new-sub001/pkg/errors"
	pkgkafka "github.com/Manoj-619/cartoo-new-sub001/pkg/kafka"
)

// DefaultRetryGroupID is the consumer group for the retry topic.
const DefaultRetryGroupID = "payment-reconciliation-retry"

// RetryApplier re-applies a queued reconciliation step.
type RetryApplier interface {
	ApplyRetry(ctx context.Context, req *domain.RetryRequest) error
}

// RetryHandler consumes reconcile_retry events.
type RetryHandler struct {
	applier RetryApplier
	logger  *slog.Logger
}

// NewRetryHandler creates a new retry handler.
func NewRetryHandler(applier RetryApplier, logger *slog.Logger) *RetryHandler {
	return &RetryHandler{
		applier: applier,
		logger:  logger,
	}
}

// Handle applies one retry request. Transient failures are returned so the
// consumer retries; anything else is permanent and goes to the DLQ.
func (h *RetryHandler) Handle(ctx context.Context, event *pkgkafka.Event) error {
	if event.EventType != TopicReconcileRetry {
		h.logger.WarnContext(ctx, "unknown event type received",
			slog.String("event_type", event.EventType),
			slog.String("event_id", event.EventID),
		)
		return nil
	}

	var req domain.RetryRequest
	if err := event.UnmarshalData(&req); err != nil {
		return pkgkafka.Permanent(fmt.Errorf("decode retry request: %w", err))
	}

	if err := h.applier.ApplyRetry(ctx, &req); err != nil {
		if apperrors.IsRetryable(err) {
			return err
		}
		return pkgkafka.Permanent(err)
	}

	h.logger.InfoContext(ctx, "reconciliation retry applied",
		slog.String("event_id", event.EventID),
		slog.String("intent", string(req.Intent)),
		slog.String("processor_order_id", req.ProcessorOrderID),
	)
	return nil
}

// Handler returns Handle wrapped with event-id dedup. store may be nil.
func (h *RetryHandler) Handler(store pkgkafka.IdempotencyStore) pkgkafka.Handler {
	if store == nil {
		return h.Handle
	}
	return pkgkafka.IdempotentHandler(store, h.Handle, h.logger)
}

// RetryConsumerConfig returns the consumer configuration for the retry topic.
func RetryConsumerConfig(brokers []string, groupID string) pkgkafka.ConsumerConfig {
	if groupID == "" {
		groupID = DefaultRetryGroupID
	}
	return pkgkafka.ConsumerConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    TopicReconcileRetry,
		MinBytes: 1,
		MaxBytes: 10e6,
	}
}

// NewRetryConsumer creates the Kafka consumer that drains the retry topic.
func NewRetryConsumer(
	cfg pkgkafka.ConsumerConfig,
	handler *RetryHandler,
	store pkgkafka.IdempotencyStore,
	dlq *pkgkafka.DLQProducer,
	logger *slog.Logger,
) *pkgkafka.Consumer {
	return pkgkafka.NewConsumer(cfg, handler.Handler(store), dlq, logger)
}
