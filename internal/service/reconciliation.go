package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Manoj-619/cartoo-new-sub001/internal/domain"
	"github.com/Manoj-619/cartoo-new-sub001/internal/repository"
	"github.com/Manoj-619/cartoo-new-sub001/internal/signature"
	apperrors "github.com/Manoj-619/cartoo-new-sub001/pkg/errors"
	"github.com/Manoj-619/cartoo-new-sub001/pkg/logger"
)

// Reasons recorded with removed orders.
const (
	ReasonSignatureInvalid = "signature_invalid"
	ReasonPaymentFailed    = "payment_failed"
)

const defaultMaxParallel = 8

var errNoPublisher = errors.New("event publisher is not configured")

// EventPublisher publishes reconciliation events. Only retry requests are
// load-bearing; the other events are informational.
type EventPublisher interface {
	PublishPaymentConfirmed(ctx context.Context, order *domain.Order, channel domain.Channel) error
	PublishOrderRemoved(ctx context.Context, orderID, processorOrderID string, channel domain.Channel, reason string) error
	PublishCartCleared(ctx context.Context, buyerID, processorOrderID string, items int) error
	PublishReconcileRetry(ctx context.Context, req *domain.RetryRequest) error
}

// ClientConfirmation is a payment completion reported by the buyer's browser.
type ClientConfirmation struct {
	ProcessorOrderID   string
	ProcessorPaymentID string
	Signature          string
	OrderIDs           []string
	// BuyerID is the authenticated caller, empty for anonymous calls.
	BuyerID string
}

// claim is what a confirmation asserts about a checkout group.
type claim struct {
	processorOrderID string
	paymentID        string
	buyerID          string
}

type buyerFunc func(ctx context.Context) (string, error)

// Coordinator drives orders to paid or removed from either confirmation
// channel. Every state change is a compare-and-set in the order store, so
// concurrent and repeated confirmations converge on the same result.
type Coordinator struct {
	orders      repository.OrderRepository
	carts       *CartClearingService
	auth        *signature.Authenticator
	events      EventPublisher
	maxParallel int
	logger      *slog.Logger
	inflight    singleflight.Group
}

// NewCoordinator creates a reconciliation coordinator. events may be nil, in
// which case failed steps cannot be queued and are only reported to the caller.
func NewCoordinator(
	orders repository.OrderRepository,
	carts *CartClearingService,
	auth *signature.Authenticator,
	events EventPublisher,
	maxParallel int,
	logger *slog.Logger,
) *Coordinator {
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}
	return &Coordinator{
		orders:      orders,
		carts:       carts,
		auth:        auth,
		events:      events,
		maxParallel: maxParallel,
		logger:      logger,
	}
}

// ConfirmByClient applies a browser-side confirmation. With a valid signature
// every listed order of the group is marked paid and the buyer's cart is
// cleared. With an invalid one every listed order that is still unpaid is
// removed and a verification failure is returned alongside the result.
func (c *Coordinator) ConfirmByClient(ctx context.Context, in *ClientConfirmation) (*domain.Reconciliation, error) {
	if in.ProcessorOrderID == "" || in.ProcessorPaymentID == "" {
		return nil, apperrors.InvalidInput("processor_order_id and processor_payment_id are required")
	}
	ids := uniqueIDs(in.OrderIDs)
	if len(ids) == 0 {
		return nil, apperrors.InvalidInput("at least one order id is required")
	}

	verified := c.auth.VerifyClient(in.ProcessorOrderID, in.ProcessorPaymentID, in.Signature)
	if !verified {
		SignatureFailures.WithLabelValues(string(domain.ChannelClient)).Inc()
		c.logger.WarnContext(ctx, "client signature rejected, removing unpaid orders",
			slog.String("processor_order_id", in.ProcessorOrderID),
			slog.String("signature_fp", logger.Fingerprint(in.Signature)),
			slog.Int("orders", len(ids)),
		)
	}

	cl := claim{
		processorOrderID: in.ProcessorOrderID,
		paymentID:        in.ProcessorPaymentID,
		buyerID:          in.BuyerID,
	}
	rec := c.reconcileOrders(ctx, domain.ChannelClient, cl, ids, verified)
	if err := c.settle(ctx, rec, cl); err != nil {
		return rec, err
	}
	if !verified {
		return rec, apperrors.VerificationFailed("payment could not be verified and the pending orders were removed")
	}
	return rec, nil
}

// HandleWebhookEvent applies an authenticated processor event to the group it
// names. Concurrent deliveries of the same event share one execution. An
// unrecognized kind is a no-op.
func (c *Coordinator) HandleWebhookEvent(ctx context.Context, ev domain.WebhookEvent) (*domain.Reconciliation, error) {
	WebhookEvents.WithLabelValues(ev.Kind.String()).Inc()

	if ev.Kind == domain.EventUnrecognized {
		c.logger.InfoContext(ctx, "ignoring unrecognized webhook event",
			slog.String("event", ev.Name),
		)
		return &domain.Reconciliation{Channel: domain.ChannelWebhook, Verified: true, Kind: ev.Kind}, nil
	}
	if ev.ProcessorOrderID == "" {
		return nil, apperrors.InvalidInput("webhook event has no processor order id")
	}

	key := ev.Kind.String() + "|" + ev.ProcessorOrderID + "|" + ev.ProcessorPaymentID
	// Coalesced deliveries share this execution, so it must outlive the
	// request that happened to start it.
	shared := context.WithoutCancel(ctx)
	v, err, coalesced := c.inflight.Do(key, func() (any, error) {
		return c.applyWebhook(shared, ev)
	})
	if coalesced {
		c.logger.DebugContext(ctx, "coalesced concurrent webhook delivery",
			slog.String("processor_order_id", ev.ProcessorOrderID),
			slog.String("kind", ev.Kind.String()),
		)
	}
	rec, _ := v.(*domain.Reconciliation)
	return rec, err
}

// ApplyRetry re-applies a step queued by an earlier call. The request was
// authenticated when it was queued.
func (c *Coordinator) ApplyRetry(ctx context.Context, req *domain.RetryRequest) error {
	if req.ProcessorOrderID == "" {
		return apperrors.InvalidInput("retry request has no processor order id")
	}
	cl := claim{
		processorOrderID: req.ProcessorOrderID,
		paymentID:        req.ProcessorPaymentID,
		buyerID:          req.BuyerID,
	}

	switch req.Intent {
	case domain.RetryConfirm, domain.RetryRemove:
		ids := uniqueIDs(req.OrderIDs)
		if len(ids) == 0 {
			return apperrors.InvalidInput("retry request has no order ids")
		}
		rec := c.reconcileOrders(ctx, domain.ChannelRetry, cl, ids, req.Intent == domain.RetryConfirm)
		return c.settle(ctx, rec, cl)

	case domain.RetryClearCart:
		buyer := c.buyerOfGroup(req.ProcessorOrderID)
		if req.BuyerID != "" {
			buyer = knownBuyer(req.BuyerID)
		}
		_, err := c.clearCart(ctx, req.ProcessorOrderID, buyer)
		return err

	default:
		return apperrors.InvalidInput(fmt.Sprintf("unknown retry intent %q", req.Intent))
	}
}

// reconcileOrders confirms or removes each order independently. A failure on
// one order is recorded in its result and does not stop the others.
func (c *Coordinator) reconcileOrders(ctx context.Context, channel domain.Channel, cl claim, ids []string, verified bool) *domain.Reconciliation {
	rec := &domain.Reconciliation{
		Channel:          channel,
		ProcessorOrderID: cl.processorOrderID,
		Verified:         verified,
		Results:          make([]domain.OrderResult, len(ids)),
	}

	var g errgroup.Group
	g.SetLimit(c.maxParallel)
	for i, id := range ids {
		g.Go(func() error {
			if verified {
				rec.Results[i] = c.confirmOrder(ctx, channel, cl, id)
			} else {
				rec.Results[i] = c.removeOrder(ctx, channel, cl, id)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range rec.Results {
		c.audit(ctx, rec, res)
	}
	return rec
}

func (c *Coordinator) confirmOrder(ctx context.Context, channel domain.Channel, cl claim, id string) domain.OrderResult {
	res := domain.OrderResult{OrderID: id}

	o, err := c.orders.GetByID(ctx, id)
	if err != nil {
		return storeFailure(res, err)
	}
	if !o.BelongsTo(cl.processorOrderID, cl.buyerID) {
		res.Outcome = domain.OutcomeMismatch
		return res
	}
	if o.IsPaid {
		res.Outcome = domain.OutcomeAlreadyPaid
		return res
	}

	o, transitioned, err := c.orders.MarkPaid(ctx, id, cl.paymentID)
	if err != nil {
		return storeFailure(res, err)
	}
	if !transitioned {
		res.Outcome = domain.OutcomeAlreadyPaid
		return res
	}

	res.Outcome = domain.OutcomeConfirmed
	c.publish(ctx, "payment.confirmed", func(p EventPublisher) error {
		return p.PublishPaymentConfirmed(ctx, o, channel)
	})
	return res
}

func (c *Coordinator) removeOrder(ctx context.Context, channel domain.Channel, cl claim, id string) domain.OrderResult {
	res := domain.OrderResult{OrderID: id}

	o, err := c.orders.GetByID(ctx, id)
	if err != nil {
		return storeFailure(res, err)
	}
	if !o.BelongsTo(cl.processorOrderID, cl.buyerID) {
		res.Outcome = domain.OutcomeMismatch
		return res
	}
	if o.IsPaid {
		res.Outcome = domain.OutcomeKeptPaid
		return res
	}

	deleted, err := c.orders.DeleteIfUnpaid(ctx, id, ReasonSignatureInvalid)
	if err != nil {
		return storeFailure(res, err)
	}
	if deleted {
		res.Outcome = domain.OutcomeRemoved
		c.publish(ctx, "order.removed", func(p EventPublisher) error {
			return p.PublishOrderRemoved(ctx, id, cl.processorOrderID, channel, ReasonSignatureInvalid)
		})
		return res
	}

	// The order changed between the read and the delete.
	o, err = c.orders.GetByID(ctx, id)
	switch {
	case err != nil:
		return storeFailure(res, err)
	case o.IsPaid:
		res.Outcome = domain.OutcomeKeptPaid
	default:
		res.Outcome = domain.OutcomeFailed
		res.Err = fmt.Errorf("order %s is unpaid but was not removed", id)
	}
	return res
}

func (c *Coordinator) applyWebhook(ctx context.Context, ev domain.WebhookEvent) (*domain.Reconciliation, error) {
	rec := &domain.Reconciliation{
		Channel:          domain.ChannelWebhook,
		ProcessorOrderID: ev.ProcessorOrderID,
		Verified:         true,
		Kind:             ev.Kind,
	}

	switch ev.Kind {
	case domain.EventCaptured, domain.EventSettled:
		return rec, c.captureGroup(ctx, rec, ev.ProcessorPaymentID)
	case domain.EventFailed:
		return rec, c.failGroup(ctx, rec)
	default:
		return rec, nil
	}
}

// captureGroup marks every unpaid order of the group paid and clears the cart
// if the group has not had its cart cleared yet.
func (c *Coordinator) captureGroup(ctx context.Context, rec *domain.Reconciliation, paymentID string) error {
	confirmed, err := c.orders.MarkGroupPaid(ctx, rec.ProcessorOrderID, paymentID)
	if err != nil {
		return fmt.Errorf("mark group %s paid: %w", rec.ProcessorOrderID, err)
	}

	for i := range confirmed {
		o := &confirmed[i]
		res := domain.OrderResult{OrderID: o.ID, Outcome: domain.OutcomeConfirmed}
		rec.Results = append(rec.Results, res)
		c.audit(ctx, rec, res)
		c.publish(ctx, "payment.confirmed", func(p EventPublisher) error {
			return p.PublishPaymentConfirmed(ctx, o, domain.ChannelWebhook)
		})
	}
	if len(confirmed) == 0 {
		c.logger.InfoContext(ctx, "capture left no unpaid orders to confirm",
			slog.String("processor_order_id", rec.ProcessorOrderID),
			slog.String("kind", rec.Kind.String()),
		)
	}

	buyer := c.buyerOfGroup(rec.ProcessorOrderID)
	if len(confirmed) > 0 {
		buyer = knownBuyer(confirmed[0].BuyerID)
	}
	rec.CartCleared, err = c.clearCart(ctx, rec.ProcessorOrderID, buyer)
	if err != nil {
		return c.deferCartClear(ctx, rec, "", err)
	}
	return nil
}

// failGroup removes the group's unpaid orders. Paid orders are never touched.
func (c *Coordinator) failGroup(ctx context.Context, rec *domain.Reconciliation) error {
	ids, err := c.orders.DeleteUnpaidInGroup(ctx, rec.ProcessorOrderID, ReasonPaymentFailed)
	if err != nil {
		return fmt.Errorf("remove unpaid orders of group %s: %w", rec.ProcessorOrderID, err)
	}

	for _, id := range ids {
		res := domain.OrderResult{OrderID: id, Outcome: domain.OutcomeRemoved}
		rec.Results = append(rec.Results, res)
		c.audit(ctx, rec, res)
		c.publish(ctx, "order.removed", func(p EventPublisher) error {
			return p.PublishOrderRemoved(ctx, id, rec.ProcessorOrderID, domain.ChannelWebhook, ReasonPaymentFailed)
		})
	}
	if len(ids) == 0 {
		c.logger.InfoContext(ctx, "payment failure removed no orders",
			slog.String("processor_order_id", rec.ProcessorOrderID),
		)
	}
	return nil
}

// settle clears the cart of a confirmed group and turns per-order store
// failures into a queued retry plus a retryable error.
func (c *Coordinator) settle(ctx context.Context, rec *domain.Reconciliation, cl claim) error {
	var cartErr error
	if rec.Verified && rec.AnyPaid() {
		buyer := knownBuyer(cl.buyerID)
		if cl.buyerID == "" {
			buyer = c.buyerOfOrder(rec.IDs(domain.OutcomeConfirmed, domain.OutcomeAlreadyPaid)[0])
		}
		rec.CartCleared, cartErr = c.clearCart(ctx, rec.ProcessorOrderID, buyer)
	}

	failed := rec.IDs(domain.OutcomeFailed)
	if len(failed) == 0 {
		if cartErr != nil {
			return c.deferCartClear(ctx, rec, cl.buyerID, cartErr)
		}
		return nil
	}

	var errs []error
	for _, res := range rec.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", res.OrderID, res.Err))
		}
	}
	errs = append(errs, cartErr)

	if rec.Channel != domain.ChannelRetry {
		intent := domain.RetryRemove
		if rec.Verified {
			intent = domain.RetryConfirm
		}
		req := &domain.RetryRequest{
			Intent:             intent,
			Origin:             rec.Channel,
			ProcessorOrderID:   rec.ProcessorOrderID,
			ProcessorPaymentID: cl.paymentID,
			BuyerID:            cl.buyerID,
			OrderIDs:           failed,
		}
		if err := c.requestRetry(ctx, req); err != nil {
			c.logger.ErrorContext(ctx, "failed to queue reconciliation retry",
				slog.String("processor_order_id", rec.ProcessorOrderID),
				slog.Int("orders", len(failed)),
				slog.String("error", err.Error()),
			)
		}
	}

	return apperrors.ServiceUnavailable(
		fmt.Sprintf("%d of %d orders could not be reconciled", len(failed), len(rec.Results)),
		errors.Join(errs...),
	)
}

// clearCart clears the buyer's cart once per checkout group. The group is
// claimed first; if the clear does not happen the claim is released so a
// later confirmation can try again.
func (c *Coordinator) clearCart(ctx context.Context, processorOrderID string, buyer buyerFunc) (bool, error) {
	claimed, err := c.orders.ClaimCartClear(ctx, processorOrderID)
	if err != nil {
		return false, fmt.Errorf("claim cart clear: %w", err)
	}
	if !claimed {
		return false, nil
	}

	buyerID, err := buyer(ctx)
	var items int
	if err == nil {
		items, err = c.carts.Clear(ctx, buyerID)
	}
	if err != nil {
		if rerr := c.orders.ReleaseCartClear(ctx, processorOrderID); rerr != nil {
			c.logger.ErrorContext(ctx, "failed to release cart clear claim",
				slog.String("processor_order_id", processorOrderID),
				slog.String("error", rerr.Error()),
			)
		}
		return false, err
	}

	c.publish(ctx, "cart.cleared", func(p EventPublisher) error {
		return p.PublishCartCleared(ctx, buyerID, processorOrderID, items)
	})
	return true, nil
}

// deferCartClear queues a failed cart clear. Retries report the failure so the
// consumer tries again; other channels fail only if nothing could be queued.
func (c *Coordinator) deferCartClear(ctx context.Context, rec *domain.Reconciliation, buyerID string, cause error) error {
	if rec.Channel == domain.ChannelRetry {
		return cause
	}

	req := &domain.RetryRequest{
		Intent:           domain.RetryClearCart,
		Origin:           rec.Channel,
		ProcessorOrderID: rec.ProcessorOrderID,
		BuyerID:          buyerID,
	}
	if err := c.requestRetry(ctx, req); err != nil {
		return apperrors.ServiceUnavailable("cart could not be cleared", errors.Join(cause, err))
	}

	c.logger.WarnContext(ctx, "cart clear deferred to retry queue",
		slog.String("processor_order_id", rec.ProcessorOrderID),
		slog.String("error", cause.Error()),
	)
	return nil
}

func (c *Coordinator) requestRetry(ctx context.Context, req *domain.RetryRequest) error {
	if c.events == nil {
		return errNoPublisher
	}
	if err := c.events.PublishReconcileRetry(ctx, req); err != nil {
		return fmt.Errorf("queue %s retry: %w", req.Intent, err)
	}
	c.logger.InfoContext(ctx, "reconciliation retry queued",
		slog.String("intent", string(req.Intent)),
		slog.String("processor_order_id", req.ProcessorOrderID),
		slog.Int("orders", len(req.OrderIDs)),
	)
	return nil
}

func (c *Coordinator) publish(ctx context.Context, event string, fn func(EventPublisher) error) {
	if c.events == nil {
		return
	}
	if err := fn(c.events); err != nil {
		c.logger.WarnContext(ctx, "failed to publish event",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// audit records one order outcome in metrics and the log.
func (c *Coordinator) audit(ctx context.Context, rec *domain.Reconciliation, res domain.OrderResult) {
	OrderTransitions.WithLabelValues(string(rec.Channel), string(res.Outcome)).Inc()

	attrs := []any{
		slog.String("order_id", res.OrderID),
		slog.String("processor_order_id", rec.ProcessorOrderID),
		slog.String("channel", string(rec.Channel)),
		slog.String("outcome", string(res.Outcome)),
	}
	switch res.Outcome {
	case domain.OutcomeFailed:
		attrs = append(attrs, slog.String("error", res.Err.Error()))
		c.logger.ErrorContext(ctx, "order reconciliation failed", attrs...)
	case domain.OutcomeMismatch:
		c.logger.WarnContext(ctx, "order is not part of the confirmed checkout", attrs...)
	default:
		c.logger.InfoContext(ctx, "order reconciled", attrs...)
	}
}

func knownBuyer(id string) buyerFunc {
	return func(context.Context) (string, error) { return id, nil }
}

func (c *Coordinator) buyerOfOrder(orderID string) buyerFunc {
	return func(ctx context.Context) (string, error) {
		return c.carts.ResolveBuyer(ctx, orderID)
	}
}

func (c *Coordinator) buyerOfGroup(processorOrderID string) buyerFunc {
	return func(ctx context.Context) (string, error) {
		orders, err := c.orders.ListByProcessorOrderID(ctx, processorOrderID)
		if err != nil {
			return "", fmt.Errorf("resolve buyer for group %s: %w", processorOrderID, err)
		}
		if len(orders) == 0 {
			return "", apperrors.NotFound("checkout group", processorOrderID)
		}
		return orders[0].BuyerID, nil
	}
}

// storeFailure classifies a store error for one order. A missing order is an
// outcome, anything else is a retryable failure.
func storeFailure(res domain.OrderResult, err error) domain.OrderResult {
	if errors.Is(err, apperrors.ErrNotFound) {
		res.Outcome = domain.OutcomeNotFound
		return res
	}
	res.Outcome = domain.OutcomeFailed
	res.Err = err
	return res
}

// uniqueIDs drops blanks and duplicates, keeping first-seen order.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
