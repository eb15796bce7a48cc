// Package relay implements the broadcast relay: an independent process that
// fans inbound payloads out to every currently connected live viewer,
// best-effort. No delivery guarantee, no buffering for disconnected viewers,
// no per-session filtering: every viewer receives every broadcast.
package relay

import (
	"sync"

	"github.com/calldeck/backend/telemetry"
)

// subscriberBuffer is the per-viewer channel depth. A viewer that falls this
// far behind starts dropping payloads rather than stalling the fan-out.
const subscriberBuffer = 16

// Registry is the set of connected viewer channels. It is owned by the relay
// process and injected explicitly into the endpoint handlers.
type Registry struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[chan []byte]struct{})}
}

// Subscribe registers a new viewer and returns its delivery channel.
func (reg *Registry) Subscribe() chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	reg.mu.Lock()
	reg.subs[ch] = struct{}{}
	n := len(reg.subs)
	reg.mu.Unlock()
	telemetry.SetViewers(n)
	return ch
}

// Unsubscribe removes a viewer and closes its channel. Safe to call for a
// channel that was already removed.
func (reg *Registry) Unsubscribe(ch chan []byte) {
	reg.mu.Lock()
	if _, ok := reg.subs[ch]; ok {
		delete(reg.subs, ch)
		close(ch)
	}
	n := len(reg.subs)
	reg.mu.Unlock()
	telemetry.SetViewers(n)
}

// Broadcast sends payload to every subscriber, non-blocking, and returns how
// many viewers received it. Zero subscribers is a successful no-op.
func (reg *Registry) Broadcast(payload []byte) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delivered := 0
	for ch := range reg.subs {
		select {
		case ch <- payload:
			delivered++
		default:
			// viewer too slow; drop for them, keep going
		}
	}
	return delivered
}

// Count returns the current number of subscribers.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.subs)
}
