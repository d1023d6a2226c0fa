package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/service/events"
	"github.com/corray333/backend-labs/delivery/internal/service/retry"
	"github.com/google/uuid"
)

var (
	ErrNotClaimable = errors.New("outbox message is not claimable")
	ErrClaimSettled = errors.New("outbox claim already settled")
)

// State is the derived lifecycle state of an outbox message.
type State string

const (
	StatePending           State = "PENDING"
	StateClaimed           State = "CLAIMED"
	StatePendingRetry      State = "PENDING_RETRY"
	StateProcessed         State = "PROCESSED"
	StatePermanentlyFailed State = "PERMANENTLY_FAILED"
)

// OutboxMessage is an event written in the same transaction as the business
// change it describes, waiting to be published.
type OutboxMessage struct {
	ID               uuid.UUID
	EventType        string
	Content          []byte
	OccurredOnUtc    time.Time
	ClaimedOnUtc     *time.Time
	ProcessedOnUtc   *time.Time
	AttemptCount     int
	MaxAttemptCount  int
	NextAttemptOnUtc *time.Time
	LastErrorMessage *string
}

// New serializes ev into a pending outbox message.
func New(ev events.Event, occurredOn time.Time, maxAttempts int) (OutboxMessage, error) {
	content, err := json.Marshal(ev)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("failed to marshal %s: %w", ev.EventType(), err)
	}
	if maxAttempts <= 0 {
		maxAttempts = retry.DefaultMaxAttempts
	}

	return OutboxMessage{
		ID:              uuid.New(),
		EventType:       ev.EventType(),
		Content:         content,
		OccurredOnUtc:   occurredOn.UTC(),
		MaxAttemptCount: maxAttempts,
	}, nil
}

// NewBatch serializes every event with the same occurrence time.
func NewBatch(evs []events.Event, occurredOn time.Time, maxAttempts int) ([]OutboxMessage, error) {
	msgs := make([]OutboxMessage, 0, len(evs))
	for _, ev := range evs {
		msg, err := New(ev, occurredOn, maxAttempts)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}

	return msgs, nil
}

// CanRetry reports whether the message may be attempted at now.
func (m *OutboxMessage) CanRetry(now time.Time) bool {
	return m.AttemptCount < m.MaxAttemptCount &&
		(m.NextAttemptOnUtc == nil || !now.Before(*m.NextAttemptOnUtc))
}

// State derives the lifecycle state at now.
func (m *OutboxMessage) State(now time.Time) State {
	switch {
	case m.ProcessedOnUtc != nil:
		return StateProcessed
	case m.AttemptCount >= m.MaxAttemptCount:
		return StatePermanentlyFailed
	case m.ClaimedOnUtc != nil:
		return StateClaimed
	case m.NextAttemptOnUtc != nil && now.Before(*m.NextAttemptOnUtc):
		return StatePendingRetry
	default:
		return StatePending
	}
}

// Claim takes ownership of the message for one delivery attempt. The returned
// Claim is the only way to settle the attempt.
func (m *OutboxMessage) Claim(now time.Time) (*Claim, error) {
	if m.ProcessedOnUtc != nil || m.ClaimedOnUtc != nil || !m.CanRetry(now) {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotClaimable, m.ID, m.State(now))
	}

	claimedOn := now.UTC()
	m.ClaimedOnUtc = &claimedOn

	return &Claim{msg: m}, nil
}

// Claim is a held outbox message. It can be settled exactly once.
type Claim struct {
	msg     *OutboxMessage
	settled bool
}

// Message returns a copy of the claimed message in its current state.
func (c *Claim) Message() OutboxMessage {
	return *c.msg
}

// MarkProcessed records a successful delivery.
func (c *Claim) MarkProcessed(now time.Time) error {
	if c.settled {
		return ErrClaimSettled
	}
	c.settled = true

	processedOn := now.UTC()
	c.msg.ProcessedOnUtc = &processedOn
	c.msg.NextAttemptOnUtc = nil

	return nil
}

// RecordFailedAttempt records a failed delivery and releases the claim.
// Reaching the attempt ceiling freezes the message as permanently failed.
func (c *Claim) RecordFailedAttempt(cause error, now time.Time, policy retry.Policy) error {
	if c.settled {
		return ErrClaimSettled
	}
	c.settled = true

	m := c.msg
	m.ClaimedOnUtc = nil
	if m.AttemptCount < m.MaxAttemptCount {
		m.AttemptCount++
	}

	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	if m.AttemptCount >= m.MaxAttemptCount {
		msg := fmt.Sprintf("Max attempt (%d) reached: %s", m.MaxAttemptCount, reason)
		m.LastErrorMessage = &msg
		m.NextAttemptOnUtc = nil

		return nil
	}

	next := policy.NextAttempt(m.AttemptCount, now.UTC())
	m.LastErrorMessage = &reason
	m.NextAttemptOnUtc = &next

	return nil
}

// Stats summarizes the outbox queue for operators.
type Stats struct {
	Pending           int64
	PermanentlyFailed int64
	OldestPendingAge  time.Duration
}
