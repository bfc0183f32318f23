package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"cryptopay/internal/common/api"
	"cryptopay/internal/common/middleware"
	"cryptopay/internal/invoice"
	"cryptopay/internal/invoice/allocator"
	"cryptopay/internal/invoice/domain"
)

// Service is the invoice service as used by the HTTP layer.
type Service interface {
	CreateInvoice(ctx context.Context, req invoice.CreateInvoiceRequest) (*domain.Invoice, error)
	GetStatus(ctx context.Context, id string) (*invoice.Status, error)
	ListTransitions(ctx context.Context, id string) ([]domain.Transition, error)
	CancelWatch(ctx context.Context, id string) error
	Nudge(id string) bool
}

// Handler handles invoice HTTP requests
type Handler struct {
	service    Service
	adminKeys  map[string]string
	hintSecret []byte
	logger     *slog.Logger
}

// NewHandler creates a new invoice handler. Admin routes require one of
// adminKeys; an empty set leaves them open.
func NewHandler(service Service, adminKeys map[string]string, logger *slog.Logger) *Handler {
	return &Handler{
		service:   service,
		adminKeys: adminKeys,
		logger:    logger,
	}
}

// SetHintSecret enables the signed payment hint endpoint.
func (h *Handler) SetHintSecret(secret string) { h.hintSecret = []byte(secret) }

// Routes returns the invoice routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateInvoice)
	r.Get("/{id}", h.GetStatus)
	r.Get("/{id}/transitions", h.ListTransitions)

	// Admin routes
	r.With(middleware.APIKeyAuth(h.adminKeys)).Delete("/{id}/watch", h.CancelWatch)

	if len(h.hintSecret) > 0 {
		r.Post("/webhooks/hint", h.Hint)
	}

	return r
}

// CreateInvoiceRequest is the API request for creating an invoice
type CreateInvoiceRequest struct {
	InvoiceID        string `json:"invoice_id" validate:"omitempty,invoice_id"`
	AmountMinor      int64  `json:"amount_minor" validate:"required,gt=0"`
	Network          string `json:"network" validate:"required,oneof=mainnet testnet signet regtest"`
	Purpose          string `json:"purpose" validate:"required,oneof=onchain offchain"`
	ExpirySeconds    int64  `json:"expiry_seconds" validate:"gte=0,lte=31536000"`
	MinConfirmations *int64 `json:"min_confirmations,omitempty" validate:"omitempty,gte=0"`
	Memo             string `json:"memo" validate:"max=256"`
}

// CreateInvoice handles POST /
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := api.DecodeAndValidate(w, r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	inv, err := h.service.CreateInvoice(r.Context(), invoice.CreateInvoiceRequest{
		InvoiceID:        req.InvoiceID,
		AmountMinor:      req.AmountMinor,
		Network:          req.Network,
		Purpose:          req.Purpose,
		ExpiryWindow:     time.Duration(req.ExpirySeconds) * time.Second,
		MinConfirmations: req.MinConfirmations,
		Memo:             req.Memo,
	})
	if err != nil {
		h.writeServiceError(w, r, err, "failed to create invoice")
		return
	}

	api.WriteData(w, http.StatusCreated, inv)
}

// GetStatus handles GET /{id}
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to get invoice")
		return
	}

	api.WriteData(w, http.StatusOK, status)
}

// ListTransitions handles GET /{id}/transitions
func (h *Handler) ListTransitions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	transitions, err := h.service.ListTransitions(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list transitions")
		return
	}
	if transitions == nil {
		transitions = []domain.Transition{}
	}

	api.WriteData(w, http.StatusOK, transitions)
}

// CancelWatch handles DELETE /{id}/watch
func (h *Handler) CancelWatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.CancelWatch(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err, "failed to cancel watch")
		return
	}

	h.logger.Info("watch cancelled by operator",
		"invoice_id", id,
		"operator", middleware.GetOperator(r.Context()),
		"correlation_id", middleware.GetCorrelationID(r.Context()),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, message string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		api.NotFound(w, "invoice not found")
	case errors.Is(err, domain.ErrAlreadyExists):
		api.Conflict(w, "invoice with this id already exists with different terms")
	case errors.Is(err, domain.ErrInvalidInvoiceID),
		errors.Is(err, domain.ErrUnknownNetwork),
		errors.Is(err, domain.ErrUnknownPurpose),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, invoice.ErrInvalidExpiry),
		errors.Is(err, invoice.ErrInvalidConfirmations),
		errors.Is(err, allocator.ErrNetworkUnsupported),
		errors.Is(err, allocator.ErrRequestWindowClosed):
		api.BadRequest(w, err.Error())
	default:
		h.logger.Error(message,
			"error", err,
			"path", r.URL.Path,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
		)
		api.InternalError(w, message)
	}
}
