package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Manoj-619/cartoo-new-sub001/internal/domain"
	pkgkafka "github.com/Manoj-619/cartoo-new-sub001/pkg/kafka"
)

// Kafka topic constants for reconciliation events.
const (
	TopicPaymentConfirmed = "ecommerce.payment.confirmed"
	TopicOrderRemoved     = "ecommerce.order.removed"
	TopicCartCleared      = "ecommerce.cart.cleared"
	TopicReconcileRetry   = "ecommerce.payment.reconcile_retry"
)

// Aggregate type constants.
const (
	AggregateTypeOrder      = "order"
	AggregateTypeOrderGroup = "order_group"
	AggregateTypeCart       = "cart"
)

// Source identifier for events originating from the reconciliation service.
const SourceReconciliationService = "payment-reconciliation"

// ErrKafkaDisabled is returned for retry requests when no broker is configured.
var ErrKafkaDisabled = errors.New("event: kafka producer is not configured")

// PaymentConfirmedData is the payload for a payment.confirmed event.
type PaymentConfirmedData struct {
	OrderID            string         `json:"order_id"`
	ProcessorOrderID   string         `json:"processor_order_id"`
	ProcessorPaymentID string         `json:"processor_payment_id"`
	BuyerID            string         `json:"buyer_id"`
	StoreID            string         `json:"store_id"`
	Amount             int64          `json:"amount"`
	Channel            domain.Channel `json:"channel"`
	PaidAt             *time.Time     `json:"paid_at,omitempty"`
}

// OrderRemovedData is the payload for an order.removed event.
type OrderRemovedData struct {
	OrderID          string         `json:"order_id"`
	ProcessorOrderID string         `json:"processor_order_id"`
	Channel          domain.Channel `json:"channel"`
	Reason           string         `json:"reason"`
}

// CartClearedData is the payload for a cart.cleared event.
type CartClearedData struct {
	BuyerID          string `json:"buyer_id"`
	ProcessorOrderID string `json:"processor_order_id"`
	ItemsRemoved     int    `json:"items_removed"`
}

// Producer publishes reconciliation events to Kafka. A nil kafka producer
// drops informational events and refuses retry requests.
type Producer struct {
	kafka  *pkgkafka.Producer
	logger *slog.Logger
}

// NewProducer creates a new event producer for the reconciliation service.
func NewProducer(kafka *pkgkafka.Producer, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
	}
}

// PublishPaymentConfirmed publishes a payment.confirmed event for one order.
func (p *Producer) PublishPaymentConfirmed(ctx context.Context, order *domain.Order, channel domain.Channel) error {
	data := PaymentConfirmedData{
		OrderID:            order.ID,
		ProcessorOrderID:   order.ProcessorOrderID,
		ProcessorPaymentID: order.ProcessorPaymentID,
		BuyerID:            order.BuyerID,
		StoreID:            order.StoreID,
		Amount:             order.Amount,
		Channel:            channel,
		PaidAt:             order.PaidAt,
	}
	return p.publish(ctx, TopicPaymentConfirmed, order.ID, AggregateTypeOrder, data)
}

// PublishOrderRemoved publishes an order.removed event.
func (p *Producer) PublishOrderRemoved(ctx context.Context, orderID, processorOrderID string, channel domain.Channel, reason string) error {
	data := OrderRemovedData{
		OrderID:          orderID,
		ProcessorOrderID: processorOrderID,
		Channel:          channel,
		Reason:           reason,
	}
	return p.publish(ctx, TopicOrderRemoved, orderID, AggregateTypeOrder, data)
}

// PublishCartCleared publishes a cart.cleared event.
func (p *Producer) PublishCartCleared(ctx context.Context, buyerID, processorOrderID string, items int) error {
	data := CartClearedData{
		BuyerID:          buyerID,
		ProcessorOrderID: processorOrderID,
		ItemsRemoved:     items,
	}
	return p.publish(ctx, TopicCartCleared, buyerID, AggregateTypeCart, data)
}

// PublishReconcileRetry queues a failed reconciliation step. Events are keyed
// by processor order id so retries for one group are applied in order.
func (p *Producer) PublishReconcileRetry(ctx context.Context, req *domain.RetryRequest) error {
	if p.kafka == nil {
		return ErrKafkaDisabled
	}
	return p.publish(ctx, TopicReconcileRetry, req.ProcessorOrderID, AggregateTypeOrderGroup, req)
}

func (p *Producer) publish(ctx context.Context, topic, aggregateID, aggregateType string, data any) error {
	if p.kafka == nil {
		return nil
	}

	event, err := pkgkafka.NewEvent(topic, aggregateID, aggregateType, SourceReconciliationService, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}

	if err := p.kafka.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}

	p.logger.DebugContext(ctx, "published reconciliation event",
		slog.String("topic", topic),
		slog.String("aggregate_id", aggregateID),
	)
	return nil
}
