package repository

import (
	"context"

	"github.com/Manoj-619/cartoo-new-sub001/internal/domain"
)

// OrderRepository is the durable order store. Every method that changes
// payment state is a single conditional statement, so concurrent callers
// converge without holding locks across calls.
type OrderRepository interface {
	// CreateGroup inserts all orders of one checkout group atomically.
	CreateGroup(ctx context.Context, orders []domain.Order) error

	// GetByID retrieves an order by its local identifier.
	GetByID(ctx context.Context, id string) (*domain.Order, error)

	// ListByProcessorOrderID returns the orders of a checkout group, oldest first.
	ListByProcessorOrderID(ctx context.Context, processorOrderID string) ([]domain.Order, error)

	// CountRemoved returns how many orders of the group have been removed.
	CountRemoved(ctx context.Context, processorOrderID string) (int, error)

	// MarkPaid sets is_paid and the payment id only if the order is unpaid.
	// It returns the stored order and whether this call made the transition.
	// A missing order yields apperrors.ErrNotFound.
	MarkPaid(ctx context.Context, id, processorPaymentID string) (*domain.Order, bool, error)

	// DeleteIfUnpaid removes the order only if it is unpaid and reports
	// whether it did. A paid or missing order yields false.
	DeleteIfUnpaid(ctx context.Context, id, reason string) (bool, error)

	// MarkGroupPaid marks every unpaid order of the group paid and returns the
	// orders this call transitioned. An empty processorPaymentID leaves the
	// payment id unset.
	MarkGroupPaid(ctx context.Context, processorOrderID, processorPaymentID string) ([]domain.Order, error)

	// DeleteUnpaidInGroup removes every unpaid order of the group and returns
	// the removed ids. Paid orders are untouched.
	DeleteUnpaidInGroup(ctx context.Context, processorOrderID, reason string) ([]string, error)

	// ClaimCartClear stamps cart_cleared_at on the group iff it has a paid
	// order and no recorded clear. Exactly one concurrent caller gets true.
	ClaimCartClear(ctx context.Context, processorOrderID string) (bool, error)

	// ReleaseCartClear removes the stamp after a clear that did not happen,
	// so a later confirmation can claim it again.
	ReleaseCartClear(ctx context.Context, processorOrderID string) error
}

// CartRepository clears a buyer's active cart.
type CartRepository interface {
	// Clear empties the buyer's cart and returns how many items it held.
	// Clearing an empty or missing cart is a no-op.
	Clear(ctx context.Context, buyerID string) (int, error)
}
