package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/safar/pharmacy-sales/internal/models"
	"github.com/safar/pharmacy-sales/internal/sales"
	"go.uber.org/zap"
)

// SalesService is the part of *sales.Service the HTTP layer needs.
type SalesService interface {
	CreateSale(ctx context.Context, req sales.CreateSaleRequest) (*models.Sale, error)
	GetSale(ctx context.Context, number string) (*models.Sale, error)
	RefundSale(ctx context.Context, req sales.RefundRequest) (*models.RefundReceipt, error)
}

type Handler struct {
	sales  SalesService
	logger *zap.Logger
}

func NewHandler(svc SalesService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sales: svc, logger: logger}
}

func (h *Handler) CreateSale(w http.ResponseWriter, r *http.Request) {
	var req CreateSaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
		return
	}

	sale, err := h.sales.CreateSale(r.Context(), req.toDomain())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, sale)
}

func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := h.sales.GetSale(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sale)
}

func (h *Handler) RefundSale(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
		return
	}

	receipt, err := h.sales.RefundSale(r.Context(), sales.RefundRequest{
		SaleNumber: chi.URLParam(r, "number"),
		Reason:     req.Reason,
		Amount:     req.Amount,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, receipt)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := errorResponse(err)

	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	}
	switch {
	case sales.IsClientError(err):
		h.logger.Info("request rejected", fields...)
	case sales.IsRetryable(err):
		h.logger.Warn("request aborted", fields...)
	default:
		h.logger.Error("request failed", fields...)
	}

	writeError(w, status, resp)
}

// errorResponse maps the sales error taxonomy to an HTTP status. Validation
// is checked first because an unknown item is both invalid and not found.
func errorResponse(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: err.Error()}

	var validation *sales.ValidationError
	var shortfall *sales.InsufficientStockError
	switch {
	case errors.As(err, &validation):
		resp.Field = validation.Field
		return http.StatusBadRequest, resp
	case errors.Is(err, sales.ErrNotFound):
		return http.StatusNotFound, resp
	case errors.As(err, &shortfall):
		resp.Stock = &StockShortfall{
			ItemID:    shortfall.ItemID,
			Available: shortfall.Available,
			Requested: shortfall.Requested,
		}
		return http.StatusConflict, resp
	case errors.Is(err, sales.ErrAlreadyRefunded), errors.Is(err, sales.ErrNotRefundable):
		return http.StatusConflict, resp
	case errors.Is(err, sales.ErrInvalidRefundAmount):
		return http.StatusUnprocessableEntity, resp
	case errors.Is(err, sales.ErrConcurrencyAborted):
		return http.StatusServiceUnavailable, resp
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal error"}
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	writeJSON(w, status, resp)
}
