package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBroadcastToZeroViewers(t *testing.T) {
	reg := NewRegistry()
	delivered := reg.Broadcast([]byte(`{"line":"hello"}`))
	assert.Zero(t, delivered, "broadcast with no viewers must succeed and deliver to nobody")
	assert.Zero(t, reg.Count())
}

func TestBroadcastFanOut(t *testing.T) {
	reg := NewRegistry()
	a := reg.Subscribe()
	b := reg.Subscribe()
	assert.Equal(t, 2, reg.Count())

	payload := []byte(`{"line":"hello"}`)
	delivered := reg.Broadcast(payload)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, payload, <-a)
	assert.Equal(t, payload, <-b)
}

func TestUnsubscribeRemovesViewer(t *testing.T) {
	reg := NewRegistry()
	a := reg.Subscribe()
	b := reg.Subscribe()

	reg.Unsubscribe(a)
	assert.Equal(t, 1, reg.Count())

	delivered := reg.Broadcast([]byte("x"))
	assert.Equal(t, 1, delivered)
	assert.Equal(t, []byte("x"), <-b)

	// Closed channel reads zero value immediately.
	_, open := <-a
	assert.False(t, open)

	// Double unsubscribe is harmless.
	reg.Unsubscribe(a)
}

func TestSlowViewerDropsInsteadOfBlocking(t *testing.T) {
	reg := NewRegistry()
	slow := reg.Subscribe()

	// Fill the viewer's buffer without draining it.
	for i := 0; i < subscriberBuffer; i++ {
		reg.Broadcast([]byte("fill"))
	}
	// Buffer full: this broadcast must not block, and must not deliver.
	delivered := reg.Broadcast([]byte("overflow"))
	assert.Zero(t, delivered)

	// The viewer still has the earlier payloads.
	assert.Equal(t, []byte("fill"), <-slow)
}
