package inbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/service/retry"
	"github.com/google/uuid"
)

var (
	ErrAlreadyProcessed = errors.New("inbox message already processed")
	ErrDuplicate        = errors.New("inbox message already received")
)

// InboxMessage is the de-duplication marker for a received message, keyed by
// the upstream message id.
type InboxMessage struct {
	MessageID        uuid.UUID
	EventType        string
	Content          []byte
	ReceivedOnUtc    time.Time
	ProcessedOnUtc   *time.Time
	AttemptCount     int
	MaxAttempts      int
	NextAttemptOnUtc *time.Time
	LastErrorMessage *string
}

// New creates an unprocessed inbox record for an upstream message.
func New(messageID uuid.UUID, eventType string, content []byte, receivedOn time.Time, maxAttempts int) InboxMessage {
	if maxAttempts <= 0 {
		maxAttempts = retry.DefaultMaxAttempts
	}

	return InboxMessage{
		MessageID:     messageID,
		EventType:     eventType,
		Content:       content,
		ReceivedOnUtc: receivedOn.UTC(),
		MaxAttempts:   maxAttempts,
	}
}

// Processed reports whether the business effect has run.
func (m *InboxMessage) Processed() bool {
	return m.ProcessedOnUtc != nil
}

// PermanentlyFailed reports whether the retry budget is exhausted.
func (m *InboxMessage) PermanentlyFailed() bool {
	return m.ProcessedOnUtc == nil && m.AttemptCount >= m.MaxAttempts
}

// CanRetry reports whether deferred processing may run at now.
func (m *InboxMessage) CanRetry(now time.Time) bool {
	return m.ProcessedOnUtc == nil && m.AttemptCount < m.MaxAttempts &&
		(m.NextAttemptOnUtc == nil || !now.Before(*m.NextAttemptOnUtc))
}

// MarkProcessed records that the business effect has run.
func (m *InboxMessage) MarkProcessed(now time.Time) error {
	if m.ProcessedOnUtc != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyProcessed, m.MessageID)
	}

	processedOn := now.UTC()
	m.ProcessedOnUtc = &processedOn
	m.NextAttemptOnUtc = nil

	return nil
}

// RecordFailedAttempt records a failed deferred processing attempt.
func (m *InboxMessage) RecordFailedAttempt(cause error, now time.Time, policy retry.Policy) error {
	if m.ProcessedOnUtc != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyProcessed, m.MessageID)
	}
	if m.AttemptCount < m.MaxAttempts {
		m.AttemptCount++
	}

	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	if m.AttemptCount >= m.MaxAttempts {
		msg := fmt.Sprintf("Max attempt (%d) reached: %s", m.MaxAttempts, reason)
		m.LastErrorMessage = &msg
		m.NextAttemptOnUtc = nil

		return nil
	}

	next := policy.NextAttempt(m.AttemptCount, now.UTC())
	m.LastErrorMessage = &reason
	m.NextAttemptOnUtc = &next

	return nil
}
