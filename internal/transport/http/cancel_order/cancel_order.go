package cancelorder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/corray333/backend-labs/delivery/internal/dal/interfaces/iorderrepo"
	"github.com/corray333/backend-labs/delivery/internal/service/models/order"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type service interface {
	CancelOrder(ctx context.Context, id uuid.UUID, reason string) (*order.Order, error)
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// CancelOrder handles the cancel order request. The body is optional.
func CancelOrder(w http.ResponseWriter, r *http.Request, service service) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)

		return
	}

	req := cancelOrderRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		slog.Error("Error decoding request body for cancel order", "error", err)

		return
	}

	cancelled, err := service.CancelOrder(r.Context(), id, req.Reason)
	switch {
	case errors.Is(err, iorderrepo.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)

		return
	case errors.Is(err, order.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)

		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		slog.Error("Error cancelling order", "order_id", id, "error", err)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(cancelled); err != nil {
		slog.Error("Error sending response for cancel order", "error", err)
	}
}
