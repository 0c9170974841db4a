// Package bridge connects low-level commit signals to live session
// fan-out: a Notifier carries "row committed" signals scoped by entity
// name, a sharded Registry tracks which sessions subscribed to which
// entities, and the Bridge turns signals into log reads and pushes.
package bridge

import (
	"sync"
)

// CommitKind distinguishes whole-entity from field-level commits.
type CommitKind int

const (
	CommitEntity CommitKind = iota
	CommitField
)

// CommitSignal is the low-level notification emitted after a change log
// append commits. Version is the assigned (per-entity or global) version.
type CommitSignal struct {
	Entity  string
	Kind    CommitKind
	Version int64
}

// Notifier is the in-process commit-notification primitive. The host
// application's write path publishes a signal after each commit; the
// Bridge subscribes per entity name. Delivery is best-effort: a slow
// subscriber misses signals rather than blocking the write path, and
// clients recover missed pushes via catch-up reads on reconnect.
type Notifier struct {
	mu   sync.RWMutex
	subs map[string][]chan CommitSignal
}

// NewNotifier creates an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[string][]chan CommitSignal)}
}

// Subscribe returns a channel receiving commit signals for one entity.
// The channel is buffered; signals that cannot be buffered are dropped.
func (n *Notifier) Subscribe(entity string) <-chan CommitSignal {
	ch := make(chan CommitSignal, 64)
	n.mu.Lock()
	n.subs[entity] = append(n.subs[entity], ch)
	n.mu.Unlock()
	return ch
}

// Publish delivers a commit signal to every subscriber of its entity.
// Never blocks: a full subscriber buffer drops the signal.
func (n *Notifier) Publish(sig CommitSignal) {
	n.mu.RLock()
	subs := n.subs[sig.Entity]
	n.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- sig:
		default:
		}
	}
}
