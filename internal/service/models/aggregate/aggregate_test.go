package aggregate

import (
	"testing"

	"github.com/corray333/backend-labs/delivery/internal/service/events"
	"github.com/stretchr/testify/assert"
)

func TestPullEventsDrainsRoot(t *testing.T) {
	var r Root
	r.AppendEvent(events.OrderCancelled{Reason: "a"})
	r.AppendEvent(events.OrderCancelled{Reason: "b"})

	assert.Len(t, r.PendingEvents(), 2)

	evs := r.PullEvents()
	assert.Len(t, evs, 2)
	assert.Equal(t, "a", evs[0].(events.OrderCancelled).Reason)
	assert.Empty(t, r.PullEvents())
}
