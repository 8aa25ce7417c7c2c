package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Manoj-619/cartoo-new-sub001/internal/domain"
	apperrors "github.com/Manoj-619/cartoo-new-sub001/pkg/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errStoreDown = apperrors.ServiceUnavailable("order store unavailable", errors.New("connection reset"))

// --- In-memory order store ---

// memStore is an OrderRepository whose mutations are compare-and-set under a
// single mutex, matching the conditional statements of the SQL store.
type memStore struct {
	mu      sync.Mutex
	orders  map[string]*domain.Order
	removed map[string]string
	cleared map[string]bool

	// failOnce makes the next mutation keyed by an order or group id fail.
	failOnce map[string]bool

	// marks counts successful unpaid-to-paid transitions.
	marks int
}

func newMemStore(orders ...domain.Order) *memStore {
	s := &memStore{
		orders:   make(map[string]*domain.Order),
		removed:  make(map[string]string),
		cleared:  make(map[string]bool),
		failOnce: make(map[string]bool),
	}
	for i := range orders {
		o := orders[i]
		s.orders[o.ID] = &o
	}
	return s
}

func (s *memStore) failNext(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOnce[id] = true
}

func (s *memStore) injected(id string) bool {
	if s.failOnce[id] {
		delete(s.failOnce, id)
		return true
	}
	return false
}

func (s *memStore) get(id string) (domain.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

func (s *memStore) CreateGroup(_ context.Context, orders []domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range orders {
		if _, ok := s.orders[o.ID]; ok {
			return apperrors.AlreadyExists("order", "id", o.ID)
		}
	}
	for i := range orders {
		o := orders[i]
		s.orders[o.ID] = &o
	}
	return nil
}

func (s *memStore) GetByID(_ context.Context, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, apperrors.NotFound("order", id)
	}
	cp := *o
	return &cp, nil
}

func (s *memStore) ListByProcessorOrderID(_ context.Context, pid string) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groupLocked(pid, func(*domain.Order) bool { return true }), nil
}

func (s *memStore) groupLocked(pid string, keep func(*domain.Order) bool) []domain.Order {
	var out []domain.Order
	for _, o := range s.orders {
		if o.ProcessorOrderID == pid && keep(o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) CountRemoved(_ context.Context, pid string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, p := range s.removed {
		if p == pid {
			n++
		}
	}
	return n, nil
}

func (s *memStore) markLocked(o *domain.Order, paymentID string) {
	now := time.Now().UTC()
	o.IsPaid = true
	o.ProcessorPaymentID = paymentID
	o.PaidAt = &now
	o.UpdatedAt = now
	s.marks++
}

func (s *memStore) MarkPaid(_ context.Context, id, paymentID string) (*domain.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.injected(id) {
		return nil, false, errStoreDown
	}
	o, ok := s.orders[id]
	if !ok {
		return nil, false, apperrors.NotFound("order", id)
	}
	if o.IsPaid {
		cp := *o
		return &cp, false, nil
	}
	s.markLocked(o, paymentID)
	cp := *o
	return &cp, true, nil
}

func (s *memStore) DeleteIfUnpaid(_ context.Context, id, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.injected(id) {
		return false, errStoreDown
	}
	o, ok := s.orders[id]
	if !ok || o.IsPaid {
		return false, nil
	}
	delete(s.orders, id)
	s.removed[id] = o.ProcessorOrderID
	return true, nil
}

func (s *memStore) MarkGroupPaid(_ context.Context, pid, paymentID string) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.injected(pid) {
		return nil, errStoreDown
	}
	var out []domain.Order
	for _, o := range s.groupLocked(pid, func(o *domain.Order) bool { return !o.IsPaid }) {
		stored := s.orders[o.ID]
		s.markLocked(stored, paymentID)
		out = append(out, *stored)
	}
	return out, nil
}

func (s *memStore) DeleteUnpaidInGroup(_ context.Context, pid, _ string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.injected(pid) {
		return nil, errStoreDown
	}
	var ids []string
	for _, o := range s.groupLocked(pid, func(o *domain.Order) bool { return !o.IsPaid }) {
		delete(s.orders, o.ID)
		s.removed[o.ID] = pid
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func (s *memStore) ClaimCartClear(_ context.Context, pid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleared[pid] {
		return false, nil
	}
	if len(s.groupLocked(pid, func(o *domain.Order) bool { return o.IsPaid })) == 0 {
		return false, nil
	}
	s.cleared[pid] = true
	return true, nil
}

func (s *memStore) ReleaseCartClear(_ context.Context, pid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared[pid] = false
	return nil
}

// --- In-memory carts ---

type memCarts struct {
	mu    sync.Mutex
	carts map[string]map[string]int
	calls int
	err   error
}

func newMemCarts() *memCarts {
	return &memCarts{carts: make(map[string]map[string]int)}
}

func (c *memCarts) put(buyer string, items map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.carts[buyer] = items
}

func (c *memCarts) items(buyer string) map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int)
	for k, v := range c.carts[buyer] {
		out[k] = v
	}
	return out
}

func (c *memCarts) failWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *memCarts) Clear(_ context.Context, buyerID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return 0, c.err
	}
	var n int
	for _, q := range c.carts[buyerID] {
		n += q
	}
	if n > 0 {
		c.carts[buyerID] = map[string]int{}
	}
	return n, nil
}

// --- Recording publisher ---

type recordingPublisher struct {
	mu        sync.Mutex
	confirmed []string
	removed   []string
	cleared   []string
	retries   []domain.RetryRequest
	retryErr  error
}

func (p *recordingPublisher) PublishPaymentConfirmed(_ context.Context, o *domain.Order, _ domain.Channel) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirmed = append(p.confirmed, o.ID)
	return nil
}

func (p *recordingPublisher) PublishOrderRemoved(_ context.Context, orderID, _ string, _ domain.Channel, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, orderID)
	return nil
}

func (p *recordingPublisher) PublishCartCleared(_ context.Context, buyerID, _ string, _ int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleared = append(p.cleared, buyerID)
	return nil
}

func (p *recordingPublisher) PublishReconcileRetry(_ context.Context, req *domain.RetryRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retryErr != nil {
		return p.retryErr
	}
	p.retries = append(p.retries, *req)
	return nil
}
