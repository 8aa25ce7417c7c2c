// Package webhook turns signed processor notifications into reconciliation
// calls.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Manoj-619/cartoo-new-sub001/internal/domain"
	"github.com/Manoj-619/cartoo-new-sub001/internal/service"
	"github.com/Manoj-619/cartoo-new-sub001/internal/signature"
	apperrors "github.com/Manoj-619/cartoo-new-sub001/pkg/errors"
	"github.com/Manoj-619/cartoo-new-sub001/pkg/logger"
)

// Status is the acknowledgment returned to the processor.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusIgnored   Status = "ignored"
	StatusDuplicate Status = "duplicate"
)

// ErrMalformed is returned by Parse for envelopes the service cannot act on.
var ErrMalformed = errors.New("malformed webhook envelope")

// Reconciler applies an authenticated processor event.
type Reconciler interface {
	HandleWebhookEvent(ctx context.Context, ev domain.WebhookEvent) (*domain.Reconciliation, error)
}

// DeliveryStore remembers processed delivery ids.
type DeliveryStore interface {
	Contains(ctx context.Context, id string) (bool, error)
	Add(ctx context.Context, id string) error
}

type entity struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
}

type entityWrapper struct {
	Entity entity `json:"entity"`
}

type envelope struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	Payload struct {
		Payment *entityWrapper `json:"payment"`
		Order   *entityWrapper `json:"order"`
	} `json:"payload"`
}

// Parse decodes a processor envelope. The processor order id comes from the
// payment entity's order_id, falling back to the order entity's id. A known
// event without a processor order id is malformed.
func Parse(body []byte) (domain.WebhookEvent, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.Event == "" {
		return domain.WebhookEvent{}, fmt.Errorf("%w: missing event name", ErrMalformed)
	}

	ev := domain.WebhookEvent{
		DeliveryID: env.ID,
		Name:       env.Event,
		Kind:       domain.ParseEventKind(env.Event),
	}
	if p := env.Payload.Payment; p != nil {
		ev.ProcessorPaymentID = p.Entity.ID
		ev.ProcessorOrderID = p.Entity.OrderID
	}
	if ev.ProcessorOrderID == "" && env.Payload.Order != nil {
		ev.ProcessorOrderID = env.Payload.Order.Entity.ID
	}

	if ev.Kind != domain.EventUnrecognized && ev.ProcessorOrderID == "" {
		return ev, fmt.Errorf("%w: %s event has no processor order id", ErrMalformed, ev.Name)
	}
	return ev, nil
}

// Router authenticates, classifies and dispatches webhook deliveries.
type Router struct {
	auth       *signature.Authenticator
	reconciler Reconciler
	deliveries DeliveryStore
	logger     *slog.Logger
}

// NewRouter creates a webhook router. deliveries may be nil, which disables
// delivery dedup; reconciliation stays idempotent without it.
func NewRouter(auth *signature.Authenticator, reconciler Reconciler, deliveries DeliveryStore, logger *slog.Logger) *Router {
	return &Router{
		auth:       auth,
		reconciler: reconciler,
		deliveries: deliveries,
		logger:     logger,
	}
}

// Route handles one delivery. body must be the request body exactly as
// received. A bad signature is the only rejection; envelopes the service does
// not act on are acknowledged. Errors other than SignatureInvalid are
// transient and the processor should redeliver.
func (r *Router) Route(ctx context.Context, body []byte, sig string) (Status, error) {
	if !r.auth.VerifyWebhook(body, sig) {
		service.SignatureFailures.WithLabelValues(string(domain.ChannelWebhook)).Inc()
		r.logger.WarnContext(ctx, "webhook signature rejected",
			slog.Int("body_bytes", len(body)),
			slog.String("signature_fp", logger.Fingerprint(sig)),
		)
		return "", apperrors.SignatureInvalid("webhook")
	}

	ev, err := Parse(body)
	if err != nil {
		r.logger.WarnContext(ctx, "acknowledging malformed webhook",
			slog.String("event", ev.Name),
			slog.String("error", err.Error()),
		)
		return StatusIgnored, nil
	}

	if ev.Kind == domain.EventUnrecognized {
		if _, err := r.reconciler.HandleWebhookEvent(ctx, ev); err != nil {
			return "", err
		}
		return StatusIgnored, nil
	}

	if r.seen(ctx, ev.DeliveryID) {
		r.logger.InfoContext(ctx, "skipping duplicate webhook delivery",
			slog.String("delivery_id", ev.DeliveryID),
			slog.String("processor_order_id", ev.ProcessorOrderID),
		)
		return StatusDuplicate, nil
	}

	if _, err := r.reconciler.HandleWebhookEvent(ctx, ev); err != nil {
		if errors.Is(err, apperrors.ErrInvalidInput) {
			r.logger.WarnContext(ctx, "acknowledging unusable webhook",
				slog.String("event", ev.Name),
				slog.String("error", err.Error()),
			)
			return StatusIgnored, nil
		}
		return "", fmt.Errorf("reconcile %s event: %w", ev.Kind, err)
	}

	r.remember(ctx, ev.DeliveryID)
	return StatusProcessed, nil
}

func (r *Router) seen(ctx context.Context, deliveryID string) bool {
	if r.deliveries == nil || deliveryID == "" {
		return false
	}
	seen, err := r.deliveries.Contains(ctx, deliveryID)
	if err != nil {
		r.logger.WarnContext(ctx, "delivery dedup lookup failed, processing anyway",
			slog.String("delivery_id", deliveryID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return seen
}

func (r *Router) remember(ctx context.Context, deliveryID string) {
	if r.deliveries == nil || deliveryID == "" {
		return
	}
	if err := r.deliveries.Add(ctx, deliveryID); err != nil {
		r.logger.WarnContext(ctx, "failed to record delivery id",
			slog.String("delivery_id", deliveryID),
			slog.String("error", err.Error()),
		)
	}
}
