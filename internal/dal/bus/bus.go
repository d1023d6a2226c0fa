// Package bus holds the failure classification shared by the publishers.
package bus

import (
	"errors"

	"github.com/streadway/amqp"
)

// ErrUnavailable marks a publish that failed because the broker could not be
// reached at all, as opposed to a rejection of one message.
var ErrUnavailable = errors.New("bus unavailable")

// IsUnavailable reports whether err means the broker connection is gone.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, amqp.ErrClosed)
}
