// Package cartapi clears carts through the cart service's HTTP API instead of
// writing its Redis store directly.
package cartapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	apperrors "github.com/Manoj-619/cartoo-new-sub001/pkg/errors"
	"github.com/Manoj-619/cartoo-new-sub001/pkg/httpclient"
)

// HTTPDoer executes HTTP requests. Both httpclient.Client and
// httpclient.CircuitBreakerClient satisfy it.
type HTTPDoer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Client implements repository.CartRepository against the cart service.
type Client struct {
	http    HTTPDoer
	baseURL string
}

// NewClient creates a cart service client rooted at baseURL.
func NewClient(doer HTTPDoer, baseURL string) *Client {
	return &Client{
		http:    doer,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Clear calls DELETE /api/v1/cart for the buyer. The cart service does not
// report how many items it removed, so the count is always 0. A missing cart
// is treated as already cleared.
func (c *Client) Clear(ctx context.Context, buyerID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/v1/cart", http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("create clear cart request: %w", err)
	}
	req.Header.Set("X-User-ID", buyerID)

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		if apperrors.IsRetryable(err) {
			return 0, err
		}
		return 0, apperrors.ServiceUnavailable("cart service unreachable", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusNoContent:
		_ = resp.Body.Close()
		return 0, nil
	default:
		err := httpclient.ParseResponseError(resp, "cart")
		if errors.Is(err, apperrors.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
}
