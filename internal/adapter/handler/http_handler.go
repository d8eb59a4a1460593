package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/core/service"
	"github.com/rl1809/storefront/internal/port"
)

// HTTPHandler is the thin controller surface over the order core.
// Authentication is an external collaborator; the gateway forwards the
// caller's identity in X-User-ID and X-Admin headers.
type HTTPHandler struct {
	orders *service.OrderService
	logger *zap.Logger
}

func NewHTTPHandler(orders *service.OrderService, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{orders: orders, logger: logger}
}

func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", h.HealthCheck)
	r.Route("/api/orders", func(r chi.Router) {
		r.Post("/", h.CreateOrder)
		r.Get("/", h.ListOrders)
		r.Get("/search", h.SearchOrders)
		r.Get("/stats", h.OrderStats)
		r.Get("/{orderID}", h.GetOrder)
		r.Post("/{orderID}/status", h.TransitionOrder)
	})
	return r
}

type createOrderRequest struct {
	ShippingAddress domain.Address `json:"shipping_address"`
}

type createOrderResponse struct {
	Order   *domain.Order        `json:"order"`
	Dropped []domain.LineFailure `json:"dropped_lines,omitempty"`
}

type transitionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type listOrdersResponse struct {
	Orders     []*domain.Order `json:"orders"`
	Pagination port.Pagination `json:"pagination"`
}

type errorResponse struct {
	Error    string               `json:"error"`
	Failures []domain.LineFailure `json:"failures,omitempty"`
}

func (h *HTTPHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	order, dropped, err := h.orders.CreateOrder(r.Context(), userID, req.ShippingAddress, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createOrderResponse{Order: order, Dropped: dropped})
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, isAdmin, ok := identity(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "orderID"), userID, isAdmin)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *HTTPHandler) TransitionOrder(w http.ResponseWriter, r *http.Request) {
	userID, isAdmin, ok := identity(w, r)
	if !ok {
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	order, err := h.orders.TransitionOrder(r.Context(), chi.URLParam(r, "orderID"),
		domain.OrderStatus(req.Status), userID, isAdmin, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *HTTPHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID, isAdmin, ok := identity(w, r)
	if !ok {
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	orders, pagination, err := h.orders.ListOrders(r.Context(), filter, page, pageSize, userID, isAdmin)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if orders == nil {
		orders = []*domain.Order{}
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: orders, Pagination: pagination})
}

func (h *HTTPHandler) SearchOrders(w http.ResponseWriter, r *http.Request) {
	userID, isAdmin, ok := identity(w, r)
	if !ok {
		return
	}

	fragment := r.URL.Query().Get("number")
	if fragment == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing number parameter"})
		return
	}

	orders, err := h.orders.SearchOrders(r.Context(), fragment, userID, isAdmin)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if orders == nil {
		orders = []*domain.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *HTTPHandler) OrderStats(w http.ResponseWriter, r *http.Request) {
	_, isAdmin, ok := identity(w, r)
	if !ok {
		return
	}

	from, err := parseDate(r.URL.Query().Get("from"), false)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid from date"})
		return
	}
	to, err := parseDate(r.URL.Query().Get("to"), true)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid to date"})
		return
	}

	stats, err := h.orders.OrderStats(r.Context(), from, to, isAdmin)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Error(), Failures: ve.Failures})
	case errors.Is(err, domain.ErrEmptyCart), errors.Is(err, domain.ErrInactiveUser):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrPermissionDenied):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrItemNotFound),
		errors.Is(err, domain.ErrCartNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrImmutableOrder), errors.Is(err, domain.ErrNotCancellable),
		errors.Is(err, domain.ErrAlreadyProcessed), errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrDuplicateRequest):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrTransactionAborted):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func identity(w http.ResponseWriter, r *http.Request) (userID string, isAdmin bool, ok bool) {
	userID = r.Header.Get("X-User-ID")
	isAdmin = r.Header.Get("X-Admin") == "true"
	if userID == "" && !isAdmin {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing identity"})
		return "", false, false
	}
	return userID, isAdmin, true
}

func parseFilter(r *http.Request) (port.OrderFilter, error) {
	q := r.URL.Query()
	filter := port.OrderFilter{
		UserID: q.Get("user_id"),
		Status: domain.OrderStatus(q.Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return filter, errors.New("invalid status filter")
	}

	var err error
	if filter.DateFrom, err = parseDate(q.Get("date_from"), false); err != nil {
		return filter, errors.New("invalid date_from")
	}
	if filter.DateTo, err = parseDate(q.Get("date_to"), true); err != nil {
		return filter, errors.New("invalid date_to")
	}

	if raw := q.Get("min_amount"); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return filter, errors.New("invalid min_amount")
		}
		filter.MinAmount = &d
	}
	if raw := q.Get("max_amount"); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return filter, errors.New("invalid max_amount")
		}
		filter.MaxAmount = &d
	}
	return filter, nil
}

// parseDate reads a YYYY-MM-DD value; endOfDay pushes the bound to
// 23:59:59 so "to" filters are inclusive.
func parseDate(raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation("2006-01-02", raw, time.Local)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Second)
	}
	return &t, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
