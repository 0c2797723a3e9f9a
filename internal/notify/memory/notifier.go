// Package memory contains an in-memory notifier for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
)

// Notifier stores events for inspection.
type Notifier struct {
	mu     sync.RWMutex
	events []harvest.Event
}

// New returns a memory Notifier.
func New() *Notifier {
	return &Notifier{}
}

// Notify records the event.
func (n *Notifier) Notify(_ context.Context, event harvest.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (n *Notifier) Events() []harvest.Event {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]harvest.Event, len(n.events))
	copy(out, n.events)
	return out
}

// Kinds returns the recorded event kinds in order.
func (n *Notifier) Kinds() []harvest.EventKind {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]harvest.EventKind, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Kind)
	}
	return out
}
