package domain

import "time"

// Order fulfillment status constants. Fulfillment has its own lifecycle and
// is never changed by payment reconciliation.
const (
	OrderStatusPending = "pending"
)

// Order is one seller-scoped part of a checkout. Orders created from the same
// cart submission share a ProcessorOrderID and a BuyerID.
//
// IsPaid only ever moves from false to true, and ProcessorPaymentID is
// recorded at most once. A paid order is never deleted.
type Order struct {
	ID                 string     `json:"id"`
	ProcessorOrderID   string     `json:"processor_order_id"`
	BuyerID            string     `json:"buyer_id"`
	StoreID            string     `json:"store_id"`
	Amount             int64      `json:"amount"`
	IsPaid             bool       `json:"is_paid"`
	ProcessorPaymentID string     `json:"processor_payment_id,omitempty"`
	Status             string     `json:"status"`
	PaidAt             *time.Time `json:"paid_at,omitempty"`
	CartClearedAt      *time.Time `json:"cart_cleared_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// BelongsTo reports whether the order is part of the checkout group identified
// by processorOrderID and, when buyerID is non-empty, owned by that buyer.
func (o *Order) BelongsTo(processorOrderID, buyerID string) bool {
	if o.ProcessorOrderID != processorOrderID {
		return false
	}
	return buyerID == "" || o.BuyerID == buyerID
}

// Group status values reported for a checkout group.
const (
	GroupStatusPending = "pending"
	GroupStatusPaid    = "paid"
	GroupStatusRemoved = "removed"
	GroupStatusPartial = "partial"
)

// Group is the set of orders sharing one processor order id, together with
// how many of its orders have been removed.
type Group struct {
	ProcessorOrderID string  `json:"processor_order_id"`
	Orders           []Order `json:"orders"`
	RemovedCount     int     `json:"removed_count"`
}

// Status summarises the payment state of the group.
func (g *Group) Status() string {
	var paid, unpaid int
	for i := range g.Orders {
		if g.Orders[i].IsPaid {
			paid++
		} else {
			unpaid++
		}
	}

	switch {
	case paid == 0 && unpaid == 0 && g.RemovedCount > 0:
		return GroupStatusRemoved
	case paid > 0 && unpaid == 0 && g.RemovedCount == 0:
		return GroupStatusPaid
	case paid == 0 && g.RemovedCount == 0:
		return GroupStatusPending
	default:
		return GroupStatusPartial
	}
}

// PaymentIDs returns the distinct processor payment ids recorded in the group.
func (g *Group) PaymentIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	for i := range g.Orders {
		id := g.Orders[i].ProcessorPaymentID
		if id == "" {
			continue
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}
