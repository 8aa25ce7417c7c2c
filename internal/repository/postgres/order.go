package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Manoj-619/cartoo-new-sub001/internal/domain"
	"github.com/Manoj-619/cartoo-new-sub001/pkg/database"
	apperrors "github.com/Manoj-619/cartoo-new-sub001/pkg/errors"
)

const orderColumns = `id, processor_order_id, buyer_id, store_id, amount, is_paid,
	COALESCE(processor_payment_id, ''), status, paid_at, cart_cleared_at, created_at, updated_at`

const (
	insertOrderSQL = `
		INSERT INTO orders (id, processor_order_id, buyer_id, store_id, amount, is_paid, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7, $8)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	listGroupSQL = `SELECT ` + orderColumns + `
		FROM orders
		WHERE processor_order_id = $1
		ORDER BY created_at, id`

	countRemovedSQL = `SELECT COUNT(*) FROM removed_orders WHERE processor_order_id = $1`

	markPaidSQL = `
		UPDATE orders
		SET is_paid = TRUE, processor_payment_id = NULLIF($2, ''), paid_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND is_paid = FALSE
		RETURNING ` + orderColumns

	markGroupPaidSQL = `
		UPDATE orders
		SET is_paid = TRUE, processor_payment_id = NULLIF($2, ''), paid_at = NOW(), updated_at = NOW()
		WHERE processor_order_id = $1 AND is_paid = FALSE
		RETURNING ` + orderColumns

	deleteUnpaidSQL = `
		WITH removed AS (
			DELETE FROM orders WHERE id = $1 AND is_paid = FALSE
			RETURNING id, processor_order_id, buyer_id
		)
		INSERT INTO removed_orders (order_id, processor_order_id, buyer_id, reason)
		SELECT id, processor_order_id, buyer_id, $2 FROM removed
		ON CONFLICT (order_id) DO UPDATE SET reason = EXCLUDED.reason, removed_at = NOW()
		RETURNING order_id`

	deleteUnpaidGroupSQL = `
		WITH removed AS (
			DELETE FROM orders WHERE processor_order_id = $1 AND is_paid = FALSE
			RETURNING id, processor_order_id, buyer_id
		)
		INSERT INTO removed_orders (order_id, processor_order_id, buyer_id, reason)
		SELECT id, processor_order_id, buyer_id, $2 FROM removed
		ON CONFLICT (order_id) DO UPDATE SET reason = EXCLUDED.reason, removed_at = NOW()
		RETURNING order_id`

	claimCartClearSQL = `
		UPDATE orders
		SET cart_cleared_at = NOW(), updated_at = NOW()
		WHERE processor_order_id = $1
		  AND cart_cleared_at IS NULL
		  AND EXISTS (SELECT 1 FROM orders WHERE processor_order_id = $1 AND is_paid)
		  AND NOT EXISTS (SELECT 1 FROM orders WHERE processor_order_id = $1 AND cart_cleared_at IS NOT NULL)`

	releaseCartClearSQL = `
		UPDATE orders
		SET cart_cleared_at = NULL, updated_at = NOW()
		WHERE processor_order_id = $1 AND cart_cleared_at IS NOT NULL`
)

// OrderRepository implements repository.OrderRepository using PostgreSQL.
type OrderRepository struct {
	db database.DBTX
}

// NewOrderRepository creates a new PostgreSQL-backed order repository.
func NewOrderRepository(db database.DBTX) *OrderRepository {
	return &OrderRepository{db: db}
}

// CreateGroup inserts the orders of one checkout group in a single transaction.
func (r *OrderRepository) CreateGroup(ctx context.Context, orders []domain.Order) (err error) {
	ctx, end := database.TraceQuery(ctx, "CreateGroup", insertOrderSQL)
	defer func() { end(err) }()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return storeError("begin create group", err)
	}

	for i := range orders {
		o := &orders[i]
		if _, err = tx.Exec(ctx, insertOrderSQL,
			o.ID,
			o.ProcessorOrderID,
			o.BuyerID,
			o.StoreID,
			o.Amount,
			o.Status,
			o.CreatedAt,
			o.UpdatedAt,
		); err != nil {
			_ = tx.Rollback(ctx)
			if database.IsUniqueViolation(err) {
				return apperrors.AlreadyExists("order", "id", o.ID)
			}
			return storeError("insert order", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return storeError("commit create group", err)
	}
	return nil
}

// GetByID retrieves an order by its ID.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (o *domain.Order, err error) {
	ctx, end := database.TraceQuery(ctx, "GetOrder", getOrderSQL)
	defer func() { end(err) }()

	o, err = scanOrder(r.db.QueryRow(ctx, getOrderSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("order", id)
		}
		return nil, storeError("get order", err)
	}
	return o, nil
}

// ListByProcessorOrderID returns every order sharing processorOrderID.
func (r *OrderRepository) ListByProcessorOrderID(ctx context.Context, processorOrderID string) (orders []domain.Order, err error) {
	ctx, end := database.TraceQuery(ctx, "ListGroup", listGroupSQL)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, listGroupSQL, processorOrderID)
	if err != nil {
		return nil, storeError("list group", err)
	}
	orders, err = collectOrders(rows)
	if err != nil {
		return nil, storeError("scan group", err)
	}
	return orders, nil
}

// CountRemoved returns how many orders of the group were removed.
func (r *OrderRepository) CountRemoved(ctx context.Context, processorOrderID string) (n int, err error) {
	ctx, end := database.TraceQuery(ctx, "CountRemoved", countRemovedSQL)
	defer func() { end(err) }()

	if err = r.db.QueryRow(ctx, countRemovedSQL, processorOrderID).Scan(&n); err != nil {
		return 0, storeError("count removed", err)
	}
	return n, nil
}

// MarkPaid performs the unpaid-to-paid compare-and-set for one order.
func (r *OrderRepository) MarkPaid(ctx context.Context, id, processorPaymentID string) (o *domain.Order, transitioned bool, err error) {
	ctx, end := database.TraceQuery(ctx, "MarkPaid", markPaidSQL)
	defer func() { end(err) }()

	o, err = scanOrder(r.db.QueryRow(ctx, markPaidSQL, id, processorPaymentID))
	switch {
	case err == nil:
		return o, true, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, false, storeError("mark order paid", err)
	}

	// No row was updated: the order is either already paid or absent.
	o, err = r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return o, false, nil
}

// DeleteIfUnpaid removes an unpaid order and records it in removed_orders.
func (r *OrderRepository) DeleteIfUnpaid(ctx context.Context, id, reason string) (deleted bool, err error) {
	ctx, end := database.TraceQuery(ctx, "DeleteIfUnpaid", deleteUnpaidSQL)
	defer func() { end(err) }()

	ids, err := r.collectIDs(ctx, deleteUnpaidSQL, id, reason)
	if err != nil {
		return false, storeError("delete unpaid order", err)
	}
	return len(ids) > 0, nil
}

// MarkGroupPaid marks every unpaid order of the group paid.
func (r *OrderRepository) MarkGroupPaid(ctx context.Context, processorOrderID, processorPaymentID string) (orders []domain.Order, err error) {
	ctx, end := database.TraceQuery(ctx, "MarkGroupPaid", markGroupPaidSQL)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, markGroupPaidSQL, processorOrderID, processorPaymentID)
	if err != nil {
		return nil, storeError("mark group paid", err)
	}
	orders, err = collectOrders(rows)
	if err != nil {
		return nil, storeError("mark group paid", err)
	}
	return orders, nil
}

// DeleteUnpaidInGroup removes every unpaid order of the group.
func (r *OrderRepository) DeleteUnpaidInGroup(ctx context.Context, processorOrderID, reason string) (ids []string, err error) {
	ctx, end := database.TraceQuery(ctx, "DeleteUnpaidInGroup", deleteUnpaidGroupSQL)
	defer func() { end(err) }()

	ids, err = r.collectIDs(ctx, deleteUnpaidGroupSQL, processorOrderID, reason)
	if err != nil {
		return nil, storeError("delete unpaid group", err)
	}
	return ids, nil
}

// ClaimCartClear stamps the group's cart clear. Concurrent claims serialise
// on the row locks and the loser re-evaluates cart_cleared_at, so only one
// statement updates any rows.
func (r *OrderRepository) ClaimCartClear(ctx context.Context, processorOrderID string) (claimed bool, err error) {
	ctx, end := database.TraceQuery(ctx, "ClaimCartClear", claimCartClearSQL)
	defer func() { end(err) }()

	tag, err := r.db.Exec(ctx, claimCartClearSQL, processorOrderID)
	if err != nil {
		return false, storeError("claim cart clear", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseCartClear clears the stamp set by ClaimCartClear.
func (r *OrderRepository) ReleaseCartClear(ctx context.Context, processorOrderID string) (err error) {
	ctx, end := database.TraceQuery(ctx, "ReleaseCartClear", releaseCartClearSQL)
	defer func() { end(err) }()

	if _, err = r.db.Exec(ctx, releaseCartClearSQL, processorOrderID); err != nil {
		return storeError("release cart clear", err)
	}
	return nil
}

func (r *OrderRepository) collectIDs(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	err := row.Scan(
		&o.ID,
		&o.ProcessorOrderID,
		&o.BuyerID,
		&o.StoreID,
		&o.Amount,
		&o.IsPaid,
		&o.ProcessorPaymentID,
		&o.Status,
		&o.PaidAt,
		&o.CartClearedAt,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func collectOrders(rows pgx.Rows) ([]domain.Order, error) {
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// storeError wraps err, marking transient database failures as retryable.
func storeError(op string, err error) error {
	if database.IsTransient(err) {
		return apperrors.ServiceUnavailable("order store unavailable", fmt.Errorf("%s: %w", op, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}
