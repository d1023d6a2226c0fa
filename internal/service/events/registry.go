package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrUnknownEventType  = errors.New("unknown event type")
	ErrEventTypeRequired = errors.New("event type is required")
	ErrAlreadyRegistered = errors.New("event type already registered")
	ErrMalformedPayload  = errors.New("malformed event payload")
)

// DecodeFunc turns a serialized payload into its concrete event.
type DecodeFunc func(content []byte) (Event, error)

// Registry maps event type discriminators to decoders.
// It is built once at startup and injected where needed.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]DecodeFunc)}
}

// NewDefaultRegistry creates a registry with every event known to the system.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	MustRegisterJSON[OrderCreated](r)
	MustRegisterJSON[OrderCancelled](r)
	MustRegisterJSON[PaymentCompleted](r)
	MustRegisterJSON[PaymentFailed](r)
	MustRegisterJSON[PaymentRefunded](r)

	return r
}

// Register adds a decoder for eventType.
func (r *Registry) Register(eventType string, decode DecodeFunc) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}
	if decode == nil {
		return fmt.Errorf("decoder for %s is nil", eventType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.decoders[eventType]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, eventType)
	}
	r.decoders[eventType] = decode

	return nil
}

// RegisterJSON registers a JSON decoder for the event type T reports.
func RegisterJSON[T Event](r *Registry) error {
	var zero T

	return r.Register(zero.EventType(), func(content []byte) (Event, error) {
		var ev T
		if err := json.Unmarshal(content, &ev); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformedPayload, zero.EventType(), err)
		}

		return ev, nil
	})
}

// MustRegisterJSON is RegisterJSON that panics on error.
func MustRegisterJSON[T Event](r *Registry) {
	if err := RegisterJSON[T](r); err != nil {
		panic(err)
	}
}

// Decode resolves eventType and decodes content with the registered decoder.
func (r *Registry) Decode(eventType string, content []byte) (Event, error) {
	r.mu.RLock()
	decode, ok := r.decoders[strings.TrimSpace(eventType)]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}

	return decode(content)
}

// Known reports whether eventType has a decoder.
func (r *Registry) Known(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[eventType]

	return ok
}

// Types returns the registered discriminators.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.decoders))
	for t := range r.decoders {
		types = append(types, t)
	}

	return types
}
