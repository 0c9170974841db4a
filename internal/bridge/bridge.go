package bridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hyperengineering/courier/pkg/wire"
)

// fanoutBatch bounds how many records one commit signal reads at a time.
const fanoutBatch = 256

// ChangeSource is the log-read surface the bridge needs. Implemented by
// store.Store.
type ChangeSource interface {
	GetChangesSince(ctx context.Context, entity string, since int64, limit int) ([]wire.ChangeRecord, error)
	GetFieldChangesSince(ctx context.Context, entity string, since int64, limit int) ([]wire.FieldChangeRecord, error)
	LatestVersion(ctx context.Context, entity string) (int64, error)
	LatestFieldSequence(ctx context.Context) (int64, error)
}

// Bridge subscribes to commit signals per entity and turns each one into
// a log read plus a push to every registered session. Delivery is
// at-least-once per live connection: a missed signal is not retried, and
// clients recover through catch-up reads on reconnect.
type Bridge struct {
	source   ChangeSource
	notifier *Notifier
	registry *Registry

	mu      sync.Mutex
	ctx     context.Context
	watched map[string]struct{}
}

// New creates a bridge over the given source, notifier and registry.
func New(source ChangeSource, notifier *Notifier, registry *Registry) *Bridge {
	return &Bridge{
		source:   source,
		notifier: notifier,
		registry: registry,
		watched:  make(map[string]struct{}),
	}
}

// Start binds the bridge to its lifetime context. Watchers started by
// EnsureWatch exit when the context is cancelled.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()
}

// Registry exposes the fan-out table for session registration.
func (b *Bridge) Registry() *Registry {
	return b.registry
}

// Notifier exposes the commit-signal primitive for the write path.
func (b *Bridge) Notifier() *Notifier {
	return b.notifier
}

// EnsureWatch starts the watcher goroutine for an entity if one is not
// already running. Called on the first subscription to an entity; live
// delivery starts from the log position at watch time, history is the
// catch-up path's job.
func (b *Bridge) EnsureWatch(entity string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		b.ctx = context.Background()
	}
	if _, ok := b.watched[entity]; ok {
		return
	}
	b.watched[entity] = struct{}{}

	signals := b.notifier.Subscribe(entity)
	lastVersion, err := b.source.LatestVersion(b.ctx, entity)
	if err != nil {
		slog.Warn("bridge: failed to read latest version, starting from zero",
			"component", "bridge", "entity", entity, "error", err)
	}
	lastField, err := b.source.LatestFieldSequence(b.ctx)
	if err != nil {
		slog.Warn("bridge: failed to read latest field sequence, starting from zero",
			"component", "bridge", "entity", entity, "error", err)
	}

	go b.watch(b.ctx, entity, signals, lastVersion, lastField)
}

func (b *Bridge) watch(ctx context.Context, entity string, signals <-chan CommitSignal, lastVersion, lastField int64) {
	slog.Info("bridge watcher started", "component", "bridge", "entity", entity)
	for {
		select {
		case <-ctx.Done():
			slog.Info("bridge watcher stopped", "component", "bridge", "entity", entity)
			return
		case sig := <-signals:
			switch sig.Kind {
			case CommitEntity:
				lastVersion = b.fanOutChanges(ctx, entity, lastVersion)
			case CommitField:
				lastField = b.fanOutFieldChanges(ctx, entity, lastField)
			}
		}
	}
}

// fanOutChanges reads records committed after since and pushes them to
// every subscriber except the originating client. Returns the new
// high-water mark.
func (b *Bridge) fanOutChanges(ctx context.Context, entity string, since int64) int64 {
	for {
		records, err := b.source.GetChangesSince(ctx, entity, since, fanoutBatch)
		if err != nil {
			slog.Error("bridge: change read failed",
				"component", "bridge", "entity", entity, "since", since, "error", err)
			return since
		}
		if len(records) == 0 {
			return since
		}

		subs := b.registry.Subscribers(entity)
		for _, rec := range records {
			for _, sub := range subs {
				if sub.ClientID() == rec.ClientID {
					continue
				}
				sub.DeliverChange(rec)
			}
			since = rec.Version
		}
		if len(records) < fanoutBatch {
			return since
		}
	}
}

func (b *Bridge) fanOutFieldChanges(ctx context.Context, entity string, since int64) int64 {
	for {
		records, err := b.source.GetFieldChangesSince(ctx, entity, since, fanoutBatch)
		if err != nil {
			slog.Error("bridge: field change read failed",
				"component", "bridge", "entity", entity, "since", since, "error", err)
			return since
		}
		if len(records) == 0 {
			return since
		}

		subs := b.registry.Subscribers(entity)
		for _, rec := range records {
			for _, sub := range subs {
				if sub.ClientID() == rec.ClientID {
					continue
				}
				sub.DeliverFieldChange(rec)
			}
			since = rec.Version
		}
		if len(records) < fanoutBatch {
			return since
		}
	}
}

// BroadcastConflict pushes an unresolved conflict to every subscriber of
// the entity, including the originator, which also receives it in its
// push_ack. Emitted by the keep-both strategy.
func (b *Bridge) BroadcastConflict(entity string, c wire.Conflict) {
	for _, sub := range b.registry.Subscribers(entity) {
		sub.DeliverConflict(c)
	}
}
