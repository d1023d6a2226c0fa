package listfailedoutbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/service/models/outbox"
	"github.com/google/uuid"
	"github.com/gorilla/schema"
)

type service interface {
	ListFailedOutbox(ctx context.Context, limit int) ([]outbox.OutboxMessage, error)
}

type listFailedOutboxRequest struct {
	Limit int `schema:"limit,omitempty"`
}

type failedMessage struct {
	ID               uuid.UUID `json:"id"`
	EventType        string    `json:"eventType"`
	OccurredOnUtc    time.Time `json:"occurredOnUtc"`
	AttemptCount     int       `json:"attemptCount"`
	MaxAttemptCount  int       `json:"maxAttemptCount"`
	LastErrorMessage string    `json:"lastErrorMessage"`
}

func fromModel(m outbox.OutboxMessage) failedMessage {
	out := failedMessage{
		ID:              m.ID,
		EventType:       m.EventType,
		OccurredOnUtc:   m.OccurredOnUtc,
		AttemptCount:    m.AttemptCount,
		MaxAttemptCount: m.MaxAttemptCount,
	}
	if m.LastErrorMessage != nil {
		out.LastErrorMessage = *m.LastErrorMessage
	}

	return out
}

// ListFailedOutbox lists outbox messages that exhausted their attempts.
func ListFailedOutbox(w http.ResponseWriter, r *http.Request, service service) {
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)

	query := &listFailedOutboxRequest{}
	if err := decoder.Decode(query, r.URL.Query()); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		slog.Error("Error decoding request", "error", err)

		return
	}

	msgs, err := service.ListFailedOutbox(r.Context(), query.Limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		slog.Error("Error listing failed outbox messages", "error", err)

		return
	}

	resp := make([]failedMessage, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, fromModel(m))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Error sending response", "error", err)
	}
}
