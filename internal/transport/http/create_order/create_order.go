package createorder

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/corray333/backend-labs/delivery/internal/service/models/order"
	"github.com/corray333/backend-labs/delivery/internal/service/services/ordersvc"
	"github.com/shopspring/decimal"
)

// service is an interface for the service layer.
type service interface {
	CreateOrder(ctx context.Context, in ordersvc.CreateOrderInput) (*order.Order, error)
}

// createOrderRequest represents a create order request.
type createOrderRequest struct {
	CustomerID      int64           `json:"customerId"`
	DeliveryAddress string          `json:"deliveryAddress"`
	TotalPrice      decimal.Decimal `json:"totalPrice"`
	Currency        string          `json:"currency"`
	PaymentMethod   string          `json:"paymentMethod"`
}

func (r *createOrderRequest) toInput() ordersvc.CreateOrderInput {
	return ordersvc.CreateOrderInput{
		CustomerID:      r.CustomerID,
		DeliveryAddress: r.DeliveryAddress,
		TotalPrice:      r.TotalPrice,
		Currency:        r.Currency,
		PaymentMethod:   r.PaymentMethod,
	}
}

// CreateOrder handles the create order request.
func CreateOrder(w http.ResponseWriter, r *http.Request, service service) {
	req := createOrderRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		slog.Error("Error decoding request body for create order", "error", err)

		return
	}

	created, err := service.CreateOrder(r.Context(), req.toInput())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ordersvc.ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		slog.Error("Error creating order", "error", err)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(created); err != nil {
		slog.Error("Error sending response for create order", "error", err)
	}
}
