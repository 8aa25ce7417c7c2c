package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Manoj-619/cartoo-new-sub001/internal/domain"
	"github.com/Manoj-619/cartoo-new-sub001/internal/signature"
	apperrors "github.com/Manoj-619/cartoo-new-sub001/pkg/errors"
	"github.com/Manoj-619/cartoo-new-sub001/pkg/logger"
)

const (
	clientSecret  = "client-secret"
	webhookSecret = "webhook-secret"
)

type fixture struct {
	store  *memStore
	carts  *memCarts
	events *recordingPublisher
	coord  *Coordinator
}

func unpaid(id, pid, buyer string) domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ID:               id,
		ProcessorOrderID: pid,
		BuyerID:          buyer,
		StoreID:          "store-" + id,
		Amount:           1000,
		Status:           domain.OrderStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// newFixture seeds orders o1 and o2 of group P1 for buyer b1, whose cart holds
// two units of sku1.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	auth, err := signature.NewAuthenticator(clientSecret, webhookSecret)
	require.NoError(t, err)

	f := &fixture{
		store:  newMemStore(unpaid("o1", "P1", "b1"), unpaid("o2", "P1", "b1")),
		carts:  newMemCarts(),
		events: &recordingPublisher{},
	}
	f.carts.put("b1", map[string]int{"sku1": 2})

	carts := NewCartClearingService(f.carts, f.store, testLogger())
	f.coord = NewCoordinator(f.store, carts, auth, f.events, 4, testLogger())
	return f
}

func clientSig(pid, payid string) string {
	return signature.Sign([]byte(clientSecret), signature.ClientPayload(pid, payid))
}

func validClient(ids ...string) *ClientConfirmation {
	return &ClientConfirmation{
		ProcessorOrderID:   "P1",
		ProcessorPaymentID: "pay_X",
		Signature:          clientSig("P1", "pay_X"),
		OrderIDs:           ids,
	}
}

func captured(pid, payid string) domain.WebhookEvent {
	return domain.WebhookEvent{
		Name:               "payment.captured",
		Kind:               domain.EventCaptured,
		ProcessorOrderID:   pid,
		ProcessorPaymentID: payid,
	}
}

func (f *fixture) assertPaid(t *testing.T, paymentID string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		o, ok := f.store.get(id)
		require.True(t, ok, "order %s exists", id)
		assert.True(t, o.IsPaid, "order %s is paid", id)
		assert.Equal(t, paymentID, o.ProcessorPaymentID, "order %s payment id", id)
	}
}

func (f *fixture) assertRemoved(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, ok := f.store.get(id)
		assert.False(t, ok, "order %s was removed", id)
	}
}

// ─── Webhook channel ─────────────────────────────────────────────────────────

func TestCoordinator_CapturedWebhook_PaysGroupAndClearsCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.coord.HandleWebhookEvent(ctx, captured("P1", "pay_X"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"o1", "o2"}, rec.IDs(domain.OutcomeConfirmed))
	assert.True(t, rec.CartCleared)
	f.assertPaid(t, "pay_X", "o1", "o2")
	assert.Empty(t, f.carts.items("b1"))

	// Duplicate delivery changes nothing.
	rec, err = f.coord.HandleWebhookEvent(ctx, captured("P1", "pay_X"))
	require.NoError(t, err)
	assert.Empty(t, rec.Results)
	assert.False(t, rec.CartCleared)
	f.assertPaid(t, "pay_X", "o1", "o2")
	assert.Empty(t, f.carts.items("b1"))
	assert.Equal(t, 1, f.carts.calls)
	assert.Equal(t, 2, f.store.marks)
}

func TestCoordinator_DuplicateCapture_DoesNotClearRefilledCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.HandleWebhookEvent(ctx, captured("P1", "pay_X"))
	require.NoError(t, err)

	f.carts.put("b1", map[string]int{"sku9": 1})
	_, err = f.coord.HandleWebhookEvent(ctx, captured("P1", "pay_X"))
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"sku9": 1}, f.carts.items("b1"))
}

func TestCoordinator_FailedWebhook_PaidStateIsSticky(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.ConfirmByClient(ctx, validClient("o1"))
	require.NoError(t, err)

	rec, err := f.coord.HandleWebhookEvent(ctx, domain.WebhookEvent{
		Name:             "payment.failed",
		Kind:             domain.EventFailed,
		ProcessorOrderID: "P1",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"o2"}, rec.IDs(domain.OutcomeRemoved))
	f.assertPaid(t, "pay_X", "o1")
	f.assertRemoved(t, "o2")
	assert.Equal(t, []string{"o2"}, f.events.removed)
}

func TestCoordinator_FailedAfterCapture_IsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.HandleWebhookEvent(ctx, captured("P1", "pay_X"))
	require.NoError(t, err)

	rec, err := f.coord.HandleWebhookEvent(ctx, domain.WebhookEvent{Kind: domain.EventFailed, ProcessorOrderID: "P1"})
	require.NoError(t, err)
	assert.Empty(t, rec.Results)
	f.assertPaid(t, "pay_X", "o1", "o2")
}

func TestCoordinator_SettledWithoutPaymentID(t *testing.T) {
	f := newFixture(t)

	rec, err := f.coord.HandleWebhookEvent(context.Background(), domain.WebhookEvent{
		Name:             "order.paid",
		Kind:             domain.EventSettled,
		ProcessorOrderID: "P1",
	})
	require.NoError(t, err)
	assert.Len(t, rec.IDs(domain.OutcomeConfirmed), 2)
	f.assertPaid(t, "", "o1", "o2")
	assert.Empty(t, f.carts.items("b1"))
}

func TestCoordinator_SettledAfterCapture_KeepsPaymentID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.HandleWebhookEvent(ctx, captured("P1", "pay_X"))
	require.NoError(t, err)
	_, err = f.coord.HandleWebhookEvent(ctx, domain.WebhookEvent{Kind: domain.EventSettled, ProcessorOrderID: "P1"})
	require.NoError(t, err)

	f.assertPaid(t, "pay_X", "o1", "o2")
}

func TestCoordinator_UnrecognizedWebhook_IsIgnored(t *testing.T) {
	f := newFixture(t)

	rec, err := f.coord.HandleWebhookEvent(context.Background(), domain.WebhookEvent{
		Name:             "refund.created",
		Kind:             domain.EventUnrecognized,
		ProcessorOrderID: "P1",
	})
	require.NoError(t, err)
	assert.Empty(t, rec.Results)

	o, ok := f.store.get("o1")
	require.True(t, ok)
	assert.False(t, o.IsPaid)
	assert.Equal(t, map[string]int{"sku1": 2}, f.carts.items("b1"))
}

func TestCoordinator_WebhookWithoutGroup_IsInvalid(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.HandleWebhookEvent(context.Background(), captured("", "pay_X"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestCoordinator_WebhookStoreFailure_IsRetryable(t *testing.T) {
	f := newFixture(t)
	f.store.failNext("P1")

	_, err := f.coord.HandleWebhookEvent(context.Background(), captured("P1", "pay_X"))
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))

	// Redelivery succeeds.
	_, err = f.coord.HandleWebhookEvent(context.Background(), captured("P1", "pay_X"))
	require.NoError(t, err)
	f.assertPaid(t, "pay_X", "o1", "o2")
}

// ─── Client channel ──────────────────────────────────────────────────────────

func TestCoordinator_ConfirmByClient_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.coord.ConfirmByClient(ctx, validClient("o1", "o2"))
	require.NoError(t, err)
	assert.True(t, rec.Verified)
	assert.ElementsMatch(t, []string{"o1", "o2"}, rec.IDs(domain.OutcomeConfirmed))
	assert.True(t, rec.CartCleared)
	f.assertPaid(t, "pay_X", "o1", "o2")

	second := validClient("o1", "o2")
	second.ProcessorPaymentID = "pay_Y"
	second.Signature = clientSig("P1", "pay_Y")
	rec, err = f.coord.ConfirmByClient(ctx, second)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"o1", "o2"}, rec.IDs(domain.OutcomeAlreadyPaid))
	assert.False(t, rec.CartCleared)
	f.assertPaid(t, "pay_X", "o1", "o2")
	assert.Equal(t, 1, f.carts.calls)
	assert.Len(t, f.events.confirmed, 2)
}

func TestCoordinator_ConfirmByClient_ForgedSignatureRemovesUnpaid(t *testing.T) {
	f := newFixture(t)

	in := validClient("o1", "o2")
	in.Signature = clientSig("P1", "pay_TAMPERED")

	rec, err := f.coord.ConfirmByClient(context.Background(), in)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrVerificationFailed)
	assert.False(t, rec.Verified)
	assert.ElementsMatch(t, []string{"o1", "o2"}, rec.IDs(domain.OutcomeRemoved))
	f.assertRemoved(t, "o1", "o2")
	assert.Equal(t, map[string]int{"sku1": 2}, f.carts.items("b1"), "cart is untouched")

	n, err := f.store.CountRemoved(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCoordinator_ConfirmByClient_ForgedSignatureKeepsPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.ConfirmByClient(ctx, validClient("o1"))
	require.NoError(t, err)

	in := validClient("o1", "o2")
	in.Signature = "deadbeef"
	rec, err := f.coord.ConfirmByClient(ctx, in)
	assert.ErrorIs(t, err, apperrors.ErrVerificationFailed)
	assert.Equal(t, []string{"o1"}, rec.IDs(domain.OutcomeKeptPaid))
	assert.Equal(t, []string{"o2"}, rec.IDs(domain.OutcomeRemoved))
	f.assertPaid(t, "pay_X", "o1")
}

func TestCoordinator_ConfirmByClient_GroupGuard(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateGroup(context.Background(), []domain.Order{unpaid("q1", "P2", "b2")}))

	rec, err := f.coord.ConfirmByClient(context.Background(), validClient("o1", "q1", "missing"))
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, rec.IDs(domain.OutcomeConfirmed))
	assert.Equal(t, []string{"q1"}, rec.IDs(domain.OutcomeMismatch))
	assert.Equal(t, []string{"missing"}, rec.IDs(domain.OutcomeNotFound))

	q1, ok := f.store.get("q1")
	require.True(t, ok)
	assert.False(t, q1.IsPaid, "another checkout's order is untouched")
}

func TestCoordinator_ConfirmByClient_ForgedCallCannotRemoveOtherGroup(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateGroup(context.Background(), []domain.Order{unpaid("q1", "P2", "b2")}))

	in := validClient("q1")
	in.Signature = "00"
	rec, err := f.coord.ConfirmByClient(context.Background(), in)
	assert.ErrorIs(t, err, apperrors.ErrVerificationFailed)
	assert.Equal(t, []string{"q1"}, rec.IDs(domain.OutcomeMismatch))
	_, ok := f.store.get("q1")
	assert.True(t, ok)
}

func TestCoordinator_ConfirmByClient_AuthenticatedBuyer(t *testing.T) {
	f := newFixture(t)

	in := validClient("o1", "o2")
	in.BuyerID = "someone-else"
	rec, err := f.coord.ConfirmByClient(context.Background(), in)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"o1", "o2"}, rec.IDs(domain.OutcomeMismatch))
	assert.Zero(t, f.carts.calls)

	in.BuyerID = "b1"
	rec, err = f.coord.ConfirmByClient(context.Background(), in)
	require.NoError(t, err)
	assert.Len(t, rec.IDs(domain.OutcomeConfirmed), 2)
	assert.Equal(t, []string{"b1"}, f.events.cleared)
}

func TestCoordinator_ConfirmByClient_InvalidInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.ConfirmByClient(context.Background(), validClient())
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	in := validClient("o1")
	in.ProcessorPaymentID = ""
	_, err = f.coord.ConfirmByClient(context.Background(), in)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	o, _ := f.store.get("o1")
	assert.False(t, o.IsPaid)
}

func TestCoordinator_ConfirmByClient_PartialFailureQueuesRetry(t *testing.T) {
	f := newFixture(t)
	f.store.failNext("o2")

	rec, err := f.coord.ConfirmByClient(context.Background(), validClient("o1", "o2"))
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, []string{"o1"}, rec.IDs(domain.OutcomeConfirmed))
	assert.Equal(t, []string{"o2"}, rec.IDs(domain.OutcomeFailed))
	assert.True(t, rec.CartCleared, "the paid part of the group still clears the cart")

	require.Len(t, f.events.retries, 1)
	retry := f.events.retries[0]
	assert.Equal(t, domain.RetryConfirm, retry.Intent)
	assert.Equal(t, []string{"o2"}, retry.OrderIDs)
	assert.Equal(t, "pay_X", retry.ProcessorPaymentID)

	require.NoError(t, f.coord.ApplyRetry(context.Background(), &retry))
	f.assertPaid(t, "pay_X", "o1", "o2")
	assert.Equal(t, 1, f.carts.calls)
}

func TestCoordinator_ConfirmByClient_PartialFailureWithoutQueue(t *testing.T) {
	f := newFixture(t)
	f.events.retryErr = errors.New("kafka down")
	f.store.failNext("o1")

	_, err := f.coord.ConfirmByClient(context.Background(), validClient("o1", "o2"))
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))

	// The UI retries the same call.
	rec, err := f.coord.ConfirmByClient(context.Background(), validClient("o1", "o2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, rec.IDs(domain.OutcomeConfirmed))
	assert.Equal(t, []string{"o2"}, rec.IDs(domain.OutcomeAlreadyPaid))
	f.assertPaid(t, "pay_X", "o1", "o2")
}

func TestCoordinator_AnonymousClientResolvesBuyerFromOrder(t *testing.T) {
	f := newFixture(t)

	rec, err := f.coord.ConfirmByClient(context.Background(), validClient("o2"))
	require.NoError(t, err)
	assert.True(t, rec.CartCleared)
	assert.Equal(t, []string{"b1"}, f.events.cleared)
	assert.Empty(t, f.carts.items("b1"))
}

// ─── Cart clearing ───────────────────────────────────────────────────────────

func TestCoordinator_CartClearFailure_IsDeferred(t *testing.T) {
	f := newFixture(t)
	f.carts.failWith(apperrors.ServiceUnavailable("cart store unavailable", nil))

	rec, err := f.coord.HandleWebhookEvent(context.Background(), captured("P1", "pay_X"))
	require.NoError(t, err, "payment is recorded and the clear is queued")
	assert.False(t, rec.CartCleared)
	f.assertPaid(t, "pay_X", "o1", "o2")

	require.Len(t, f.events.retries, 1)
	retry := f.events.retries[0]
	assert.Equal(t, domain.RetryClearCart, retry.Intent)

	// The claim was released, so the retry can clear.
	f.carts.failWith(nil)
	require.NoError(t, f.coord.ApplyRetry(context.Background(), &retry))
	assert.Empty(t, f.carts.items("b1"))
	assert.Equal(t, []string{"b1"}, f.events.cleared)
}

func TestCoordinator_CartClearFailure_WithoutQueueFailsWebhook(t *testing.T) {
	f := newFixture(t)
	f.carts.failWith(apperrors.ServiceUnavailable("cart store unavailable", nil))
	f.events.retryErr = errors.New("kafka down")

	_, err := f.coord.HandleWebhookEvent(context.Background(), captured("P1", "pay_X"))
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))

	// Processor redelivery clears the cart although no order transitions.
	f.carts.failWith(nil)
	rec, err := f.coord.HandleWebhookEvent(context.Background(), captured("P1", "pay_X"))
	require.NoError(t, err)
	assert.Empty(t, rec.Results)
	assert.True(t, rec.CartCleared)
	assert.Empty(t, f.carts.items("b1"))
}

func TestCoordinator_ApplyRetry_Validation(t *testing.T) {
	f := newFixture(t)

	err := f.coord.ApplyRetry(context.Background(), &domain.RetryRequest{Intent: "bogus", ProcessorOrderID: "P1"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	err = f.coord.ApplyRetry(context.Background(), &domain.RetryRequest{Intent: domain.RetryConfirm, ProcessorOrderID: "P1"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestCoordinator_ApplyRetry_FailureIsReturned(t *testing.T) {
	f := newFixture(t)
	f.store.failNext("o1")

	err := f.coord.ApplyRetry(context.Background(), &domain.RetryRequest{
		Intent:             domain.RetryConfirm,
		Origin:             domain.ChannelClient,
		ProcessorOrderID:   "P1",
		ProcessorPaymentID: "pay_X",
		OrderIDs:           []string{"o1"},
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Empty(t, f.events.retries, "retries are not re-queued")
}

// ─── Concurrency ─────────────────────────────────────────────────────────────

func TestCoordinator_ClientAndWebhookRace_Converge(t *testing.T) {
	for round := 0; round < 50; round++ {
		f := newFixture(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		start := make(chan struct{})
		run := func(fn func()) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				fn()
			}()
		}
		for i := 0; i < 3; i++ {
			run(func() {
				_, err := f.coord.ConfirmByClient(ctx, validClient("o1", "o2"))
				assert.NoError(t, err)
			})
			run(func() {
				_, err := f.coord.HandleWebhookEvent(ctx, captured("P1", "pay_X"))
				assert.NoError(t, err)
			})
		}
		close(start)
		wg.Wait()

		f.assertPaid(t, "pay_X", "o1", "o2")
		assert.Equal(t, 2, f.store.marks, "each order transitions once")
		assert.Equal(t, 1, f.carts.calls, "the cart is cleared once")
		assert.Empty(t, f.carts.items("b1"))
		assert.Len(t, f.events.confirmed, 2)
	}
}

func TestCoordinator_FailedAndCapturedRace_NeverMixed(t *testing.T) {
	for round := 0; round < 50; round++ {
		f := newFixture(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.coord.HandleWebhookEvent(ctx, captured("P1", "pay_X"))
		}()
		go func() {
			defer wg.Done()
			_, _ = f.coord.HandleWebhookEvent(ctx, domain.WebhookEvent{Kind: domain.EventFailed, ProcessorOrderID: "P1"})
		}()
		wg.Wait()

		o1, ok1 := f.store.get("o1")
		o2, ok2 := f.store.get("o2")
		require.Equal(t, ok1, ok2, "both orders share one fate")
		if ok1 {
			assert.True(t, o1.IsPaid)
			assert.True(t, o2.IsPaid)
		}
	}
}

// ctxStore fails group writes whose context is already done, like a real
// driver would.
type ctxStore struct {
	*memStore
}

func (s ctxStore) MarkGroupPaid(ctx context.Context, pid, paymentID string) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.memStore.MarkGroupPaid(ctx, pid, paymentID)
}

func TestCoordinator_Webhook_CompletesAfterCallerCancels(t *testing.T) {
	f := newFixture(t)
	auth, err := signature.NewAuthenticator(clientSecret, webhookSecret)
	require.NoError(t, err)
	store := ctxStore{f.store}
	coord := NewCoordinator(store, NewCartClearingService(f.carts, store, testLogger()), auth, f.events, 4, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = coord.HandleWebhookEvent(ctx, captured("P1", "pay_X"))
	require.NoError(t, err)
	f.assertPaid(t, "pay_X", "o1", "o2")
	assert.Empty(t, f.carts.items("b1"))
}

func TestCoordinator_ForgedSignatureLoggedAsFingerprint(t *testing.T) {
	f := newFixture(t)
	auth, err := signature.NewAuthenticator(clientSecret, webhookSecret)
	require.NoError(t, err)
	var buf bytes.Buffer
	coord := NewCoordinator(f.store, NewCartClearingService(f.carts, f.store, testLogger()), auth, f.events, 4,
		slog.New(slog.NewJSONHandler(&buf, nil)))

	in := validClient("o1")
	in.Signature = clientSig("P1", "pay_TAMPERED")
	_, err = coord.ConfirmByClient(context.Background(), in)
	require.ErrorIs(t, err, apperrors.ErrVerificationFailed)

	assert.Contains(t, buf.String(), logger.Fingerprint(in.Signature))
	assert.NotContains(t, buf.String(), in.Signature)
}
