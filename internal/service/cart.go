package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Manoj-619/cartoo-new-sub001/internal/repository"
	apperrors "github.com/Manoj-619/cartoo-new-sub001/pkg/errors"
)

// CartClearingService is the only writer of buyer carts in this service.
type CartClearingService struct {
	carts  repository.CartRepository
	orders repository.OrderRepository
	logger *slog.Logger
}

// NewCartClearingService creates a new cart clearing service.
func NewCartClearingService(
	carts repository.CartRepository,
	orders repository.OrderRepository,
	logger *slog.Logger,
) *CartClearingService {
	return &CartClearingService{
		carts:  carts,
		orders: orders,
		logger: logger,
	}
}

// Clear empties the buyer's cart. Clearing an empty cart is a no-op.
func (s *CartClearingService) Clear(ctx context.Context, buyerID string) (int, error) {
	if buyerID == "" {
		return 0, apperrors.InvalidInput("buyer id is required to clear a cart")
	}

	n, err := s.carts.Clear(ctx, buyerID)
	if err != nil {
		return 0, fmt.Errorf("clear cart: %w", err)
	}

	s.logger.InfoContext(ctx, "cart cleared",
		slog.String("buyer_id", buyerID),
		slog.Int("items", n),
	)
	return n, nil
}

// ResolveBuyer returns the buyer that owns orderID.
func (s *CartClearingService) ResolveBuyer(ctx context.Context, orderID string) (string, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("resolve buyer for order %s: %w", orderID, err)
	}
	return o.BuyerID, nil
}
