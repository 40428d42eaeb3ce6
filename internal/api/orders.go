package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/confirmline/call-confirmation-pipeline/internal/domain"
	"github.com/confirmline/call-confirmation-pipeline/internal/storage/postgres"
)

// OrderHandler is the minimal intake surface: upstream checkout systems
// register orders here before the gateway authorization webhook lands.
type OrderHandler struct {
	repo *postgres.Repository
}

func NewOrderHandler(repo *postgres.Repository) *OrderHandler {
	return &OrderHandler{repo: repo}
}

func (h *OrderHandler) Register(mux *http.ServeMux) {
	mux.Handle("/orders", otelhttp.NewHandler(http.HandlerFunc(h.handleCreate), "orders-create"))
	mux.Handle("/orders/", otelhttp.NewHandler(http.HandlerFunc(h.handleGet), "orders-get"))
}

type createOrderRequest struct {
	ID                   string            `json:"id,omitempty"`
	CustomerName         string            `json:"customerName"`
	CustomerPhone        string            `json:"customerPhone"`
	CustomerEmail        string            `json:"customerEmail,omitempty"`
	Items                []domain.LineItem `json:"items"`
	Currency             string            `json:"currency"`
	DeliveryAddress      string            `json:"deliveryAddress"`
	DeliveryInstructions string            `json:"deliveryInstructions,omitempty"`
	PaymentType          string            `json:"paymentType"`
	BillingCycle         string            `json:"billingCycle,omitempty"`
}

func (h *OrderHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	order := &domain.Order{
		ID:                   req.ID,
		CustomerName:         req.CustomerName,
		CustomerPhone:        req.CustomerPhone,
		CustomerEmail:        req.CustomerEmail,
		Items:                req.Items,
		TotalAmount:          domain.ItemsTotal(req.Items),
		Currency:             req.Currency,
		DeliveryAddress:      req.DeliveryAddress,
		DeliveryInstructions: req.DeliveryInstructions,
		PaymentType:          domain.PaymentType(req.PaymentType),
		BillingCycle:         domain.BillingCycle(req.BillingCycle),
		PaymentStatus:        domain.OrderPaymentPending,
		Status:               domain.OrderPending,
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if err := order.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.repo.InsertOrder(r.Context(), order); err != nil {
		log.Printf("[Orders] Failed to insert order %s: %v", order.ID, err)
		http.Error(w, "failed to create order", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	respondJSON(w, map[string]any{
		"id":          order.ID,
		"totalAmount": order.TotalAmount,
		"currency":    order.Currency,
		"status":      order.Status,
	})
}

func (h *OrderHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/orders/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	order, err := h.repo.GetOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		log.Printf("[Orders] Failed to load order %s: %v", id, err)
		http.Error(w, "failed to load order", http.StatusInternalServerError)
		return
	}
	respondJSON(w, order)
}
