package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/Manoj-619/cartoo-new-sub001/internal/domain"
	"github.com/Manoj-619/cartoo-new-sub001/internal/service"
	"github.com/Manoj-619/cartoo-new-sub001/internal/webhook"
	apperrors "github.com/Manoj-619/cartoo-new-sub001/pkg/errors"
	"github.com/Manoj-619/cartoo-new-sub001/pkg/httputil"
	"github.com/Manoj-619/cartoo-new-sub001/pkg/middleware"
	"github.com/Manoj-619/cartoo-new-sub001/pkg/validator"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Processor-Signature"

// maxWebhookBytes bounds webhook bodies, which are read whole before parsing.
const maxWebhookBytes = 1 << 20

// PaymentConfirmer applies client-channel confirmations.
type PaymentConfirmer interface {
	ConfirmByClient(ctx context.Context, in *service.ClientConfirmation) (*domain.Reconciliation, error)
}

// WebhookRouter authenticates and dispatches processor webhooks.
type WebhookRouter interface {
	Route(ctx context.Context, body []byte, sig string) (webhook.Status, error)
}

// PaymentHandler handles HTTP requests for both confirmation channels.
type PaymentHandler struct {
	confirmer PaymentConfirmer
	webhooks  WebhookRouter
	logger    *slog.Logger
}

// NewPaymentHandler creates a new payment HTTP handler.
func NewPaymentHandler(confirmer PaymentConfirmer, webhooks WebhookRouter, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{
		confirmer: confirmer,
		webhooks:  webhooks,
		logger:    logger,
	}
}

// --- Request / Response DTOs ---

// VerifyPaymentRequest is the JSON body the storefront posts after checkout.
// An empty or wrong signature is not a validation error; it takes the
// verification-failure path.
type VerifyPaymentRequest struct {
	ProcessorOrderID   string   `json:"processor_order_id" validate:"required,processor_id"`
	ProcessorPaymentID string   `json:"processor_payment_id" validate:"required,processor_id"`
	Signature          string   `json:"signature" validate:"max=256"`
	OrderIDs           []string `json:"order_ids" validate:"required,min=1,max=50,dive,required"`
}

// VerifyPaymentResponse reports the result of a verified confirmation.
type VerifyPaymentResponse struct {
	Verified    bool                 `json:"verified"`
	Outcomes    []domain.OrderResult `json:"outcomes"`
	CartCleared bool                 `json:"cart_cleared"`
}

// WebhookResponse acknowledges a webhook delivery.
type WebhookResponse struct {
	Status webhook.Status `json:"status"`
}

// --- Handlers ---

// VerifyPayment handles POST /api/v1/payments/verify.
func (h *PaymentHandler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req VerifyPaymentRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	rec, err := h.confirmer.ConfirmByClient(r.Context(), &service.ClientConfirmation{
		ProcessorOrderID:   req.ProcessorOrderID,
		ProcessorPaymentID: req.ProcessorPaymentID,
		Signature:          req.Signature,
		OrderIDs:           req.OrderIDs,
		BuyerID:            middleware.UserIDFromContext(r.Context()),
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, VerifyPaymentResponse{
		Verified:    rec.Verified,
		Outcomes:    rec.Results,
		CartCleared: rec.CartCleared,
	})
}

// ReceiveWebhook handles POST /api/v1/payments/webhook. The body is read
// whole and passed on unparsed so the signature covers the exact bytes sent.
func (h *PaymentHandler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteJSON(w, http.StatusRequestEntityTooLarge, httputil.Response{
				Error: &httputil.ErrorResponse{Code: "PAYLOAD_TOO_LARGE", Message: "webhook body exceeds 1 MiB"},
			})
			return
		}
		httputil.WriteError(w, r, apperrors.InvalidInput("unreadable webhook body"), h.logger)
		return
	}

	status, err := h.webhooks.Route(r.Context(), body, r.Header.Get(SignatureHeader))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, WebhookResponse{Status: status})
}
