package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Manoj-619/cartoo-new-sub001/internal/domain"
	apperrors "github.com/Manoj-619/cartoo-new-sub001/pkg/errors"
)

const (
	cartKeyPrefix    = "cart:"
	maxClearAttempts = 3
)

var errCorruptCart = errors.New("corrupt cart document")

// CartRepository clears buyer carts stored by the cart service. Cart documents
// are JSON values under cart:<user_id>; fields this service does not model are
// written back untouched.
type CartRepository struct {
	client *redis.Client
}

// NewCartRepository creates a new Redis-backed cart repository.
func NewCartRepository(client *redis.Client) *CartRepository {
	return &CartRepository{client: client}
}

// Clear empties the buyer's cart under WATCH so a concurrent cart write is
// never overwritten with stale contents. It returns the item count that was
// removed; a missing or already-empty cart returns 0 without writing.
func (r *CartRepository) Clear(ctx context.Context, buyerID string) (int, error) {
	key := cartKeyPrefix + buyerID

	var cleared int
	clearTx := func(tx *redis.Tx) error {
		cleared = 0

		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return fmt.Errorf("redis get cart: %w", err)
		}

		doc, count, err := emptyCart(data)
		if err != nil {
			return err
		}
		if count == 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, doc, redis.SetArgs{KeepTTL: true})
			return nil
		})
		if err != nil {
			return err
		}
		cleared = count
		return nil
	}

	for attempt := 0; attempt < maxClearAttempts; attempt++ {
		err := r.client.Watch(ctx, clearTx, key)
		switch {
		case err == nil:
			return cleared, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, errCorruptCart):
			return 0, err
		default:
			return 0, apperrors.ServiceUnavailable("cart store unavailable", err)
		}
	}
	return 0, apperrors.Conflict(fmt.Sprintf("cart %s changed concurrently", buyerID))
}

// emptyCart returns the cart document with no items and a bumped version,
// together with the quantity that was removed.
func emptyCart(data []byte) ([]byte, int, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", errCorruptCart, err)
	}

	cart := domain.Cart{}
	if raw, ok := doc["items"]; ok {
		if err := json.Unmarshal(raw, &cart.Items); err != nil {
			return nil, 0, fmt.Errorf("%w: items: %w", errCorruptCart, err)
		}
	}
	if len(cart.Items) == 0 {
		return nil, 0, nil
	}
	count := cart.ItemCount()
	if count == 0 {
		count = len(cart.Items)
	}

	if raw, ok := doc["version"]; ok {
		if err := json.Unmarshal(raw, &cart.Version); err != nil {
			return nil, 0, fmt.Errorf("%w: version: %w", errCorruptCart, err)
		}
	}

	doc["items"] = json.RawMessage("[]")
	doc["version"] = json.RawMessage(fmt.Sprintf("%d", cart.Version+1))
	updatedAt, err := json.Marshal(time.Now().UTC())
	if err != nil {
		return nil, 0, fmt.Errorf("marshal updated_at: %w", err)
	}
	doc["updated_at"] = updatedAt

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal cart: %w", err)
	}
	return out, count, nil
}
