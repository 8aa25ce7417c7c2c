package domain

// Channel identifies how a confirmation reached the service.
type Channel string

const (
	ChannelClient  Channel = "client"
	ChannelWebhook Channel = "webhook"
	ChannelRetry   Channel = "retry"
)

// Outcome is what happened to one order during a reconciliation.
type Outcome string

const (
	// OutcomeConfirmed means this call moved the order from unpaid to paid.
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeAlreadyPaid means the order was paid before this call.
	OutcomeAlreadyPaid Outcome = "already_paid"
	// OutcomeRemoved means this call deleted the unpaid order.
	OutcomeRemoved Outcome = "removed"
	// OutcomeKeptPaid means a removal was requested but the order is paid.
	OutcomeKeptPaid Outcome = "kept_paid"
	OutcomeNotFound Outcome = "not_found"
	// OutcomeMismatch means the order is not part of the claimed checkout
	// group or belongs to another buyer. It was left untouched.
	OutcomeMismatch Outcome = "mismatch"
	// OutcomeFailed means a store error prevented a decision. It is retryable.
	OutcomeFailed Outcome = "failed"
)

// OrderResult is the per-order audit record of a reconciliation.
type OrderResult struct {
	OrderID string  `json:"order_id"`
	Outcome Outcome `json:"outcome"`
	Err     error   `json:"-"`
}

// Reconciliation is the result of applying one confirmation to a checkout group.
type Reconciliation struct {
	Channel          Channel       `json:"channel"`
	ProcessorOrderID string        `json:"processor_order_id"`
	Verified         bool          `json:"verified"`
	Kind             EventKind     `json:"-"`
	Results          []OrderResult `json:"outcomes"`
	CartCleared      bool          `json:"cart_cleared"`
}

// IDs returns the ids of orders whose outcome is one of outcomes.
func (r *Reconciliation) IDs(outcomes ...Outcome) []string {
	var ids []string
	for _, res := range r.Results {
		for _, o := range outcomes {
			if res.Outcome == o {
				ids = append(ids, res.OrderID)
				break
			}
		}
	}
	return ids
}

// AnyPaid reports whether at least one order of the call ended up paid.
func (r *Reconciliation) AnyPaid() bool {
	return len(r.IDs(OutcomeConfirmed, OutcomeAlreadyPaid)) > 0
}

// RetryIntent names the step a queued retry re-applies.
type RetryIntent string

const (
	RetryConfirm   RetryIntent = "confirm"
	RetryRemove    RetryIntent = "remove"
	RetryClearCart RetryIntent = "clear_cart"
)

// RetryRequest is an already-authenticated reconciliation step that failed on
// a transient store error and is queued for another attempt.
type RetryRequest struct {
	Intent             RetryIntent `json:"intent"`
	Origin             Channel     `json:"origin"`
	ProcessorOrderID   string      `json:"processor_order_id"`
	ProcessorPaymentID string      `json:"processor_payment_id,omitempty"`
	BuyerID            string      `json:"buyer_id,omitempty"`
	OrderIDs           []string    `json:"order_ids,omitempty"`
}
