package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/courier/pkg/wire"
)

// fakeSource serves scripted log records.
type fakeSource struct {
	mu      sync.Mutex
	changes []wire.ChangeRecord
	fields  []wire.FieldChangeRecord
}

func (f *fakeSource) append(rec wire.ChangeRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.Version = int64(len(f.changes) + 1)
	f.changes = append(f.changes, rec)
}

func (f *fakeSource) appendField(rec wire.FieldChangeRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.Version = int64(len(f.fields) + 1)
	f.fields = append(f.fields, rec)
}

func (f *fakeSource) GetChangesSince(_ context.Context, entity string, since int64, limit int) ([]wire.ChangeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.ChangeRecord
	for _, rec := range f.changes {
		if rec.Entity == entity && rec.Version > since && len(out) < limit {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeSource) GetFieldChangesSince(_ context.Context, entity string, since int64, limit int) ([]wire.FieldChangeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.FieldChangeRecord
	for _, rec := range f.fields {
		if rec.Entity == entity && rec.Version > since && len(out) < limit {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeSource) LatestVersion(context.Context, string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.changes)), nil
}

func (f *fakeSource) LatestFieldSequence(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.fields)), nil
}

// fakeSubscriber records deliveries.
type fakeSubscriber struct {
	id string

	mu        sync.Mutex
	changes   []wire.ChangeRecord
	fields    []wire.FieldChangeRecord
	conflicts []wire.Conflict
}

func (s *fakeSubscriber) ClientID() string { return s.id }

func (s *fakeSubscriber) DeliverChange(rec wire.ChangeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, rec)
}

func (s *fakeSubscriber) DeliverFieldChange(rec wire.FieldChangeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields = append(s.fields, rec)
}

func (s *fakeSubscriber) DeliverConflict(c wire.Conflict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = append(s.conflicts, c)
}

func (s *fakeSubscriber) changeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.changes)
}

// waitFor polls until the condition holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRegistry_AddRemove(t *testing.T) {
	// Given: An empty registry
	r := NewRegistry()
	sub := &fakeSubscriber{id: "client-a"}

	// When: Adding a subscriber twice
	r.Add("todos", sub)
	r.Add("todos", sub)

	// Then: It is registered once
	if r.Count("todos") != 1 {
		t.Errorf("expected 1 subscriber, got %d", r.Count("todos"))
	}

	// When: Removing it
	r.Remove("todos", sub)

	// Then: The entity entry is gone
	if r.Count("todos") != 0 {
		t.Errorf("expected 0 subscribers, got %d", r.Count("todos"))
	}
}

func TestRegistry_RemoveAllSpansEntities(t *testing.T) {
	// Given: A subscriber registered on several entities
	r := NewRegistry()
	sub := &fakeSubscriber{id: "client-a"}
	other := &fakeSubscriber{id: "client-b"}
	for _, entity := range []string{"todos", "notes", "tags"} {
		r.Add(entity, sub)
	}
	r.Add("todos", other)

	// When: Removing the subscriber everywhere
	r.RemoveAll(sub)

	// Then: Only the other subscriber remains
	if r.Count("todos") != 1 {
		t.Errorf("expected 1 subscriber on todos, got %d", r.Count("todos"))
	}
	if r.Count("notes") != 0 || r.Count("tags") != 0 {
		t.Error("expected subscriber removed from all entities")
	}
}

func TestBridge_FanOutDeliversCommittedChanges(t *testing.T) {
	// Given: A running bridge with two subscribers on one entity
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &fakeSource{}
	b := New(source, NewNotifier(), NewRegistry())
	b.Start(ctx)
	b.EnsureWatch("todos")

	subA := &fakeSubscriber{id: "client-a"}
	subB := &fakeSubscriber{id: "client-b"}
	b.Registry().Add("todos", subA)
	b.Registry().Add("todos", subB)

	// When: A change from a third client commits and is signalled
	source.append(wire.ChangeRecord{
		Entity: "todos", EntityID: "todo-1",
		Action: wire.ActionCreate, Data: json.RawMessage(`{}`), ClientID: "client-c",
	})
	b.Notifier().Publish(CommitSignal{Entity: "todos", Kind: CommitEntity, Version: 1})

	// Then: Both subscribers receive it
	waitFor(t, func() bool { return subA.changeCount() == 1 && subB.changeCount() == 1 })
}

func TestBridge_OriginClientExcluded(t *testing.T) {
	// Given: A running bridge with the originator and a bystander subscribed
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &fakeSource{}
	b := New(source, NewNotifier(), NewRegistry())
	b.Start(ctx)
	b.EnsureWatch("todos")

	origin := &fakeSubscriber{id: "client-a"}
	other := &fakeSubscriber{id: "client-b"}
	b.Registry().Add("todos", origin)
	b.Registry().Add("todos", other)

	// When: The originator's change commits
	source.append(wire.ChangeRecord{
		Entity: "todos", EntityID: "todo-1",
		Action: wire.ActionUpdate, ClientID: "client-a",
	})
	b.Notifier().Publish(CommitSignal{Entity: "todos", Kind: CommitEntity, Version: 1})

	// Then: Only the bystander receives it
	waitFor(t, func() bool { return other.changeCount() == 1 })
	if origin.changeCount() != 0 {
		t.Errorf("originator should not receive its own change, got %d", origin.changeCount())
	}
}

func TestBridge_LiveDeliveryStartsAtWatchPosition(t *testing.T) {
	// Given: History recorded before the watcher starts
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &fakeSource{}
	source.append(wire.ChangeRecord{Entity: "todos", EntityID: "old", Action: wire.ActionCreate, ClientID: "client-c"})
	source.append(wire.ChangeRecord{Entity: "todos", EntityID: "old", Action: wire.ActionUpdate, ClientID: "client-c"})

	b := New(source, NewNotifier(), NewRegistry())
	b.Start(ctx)
	b.EnsureWatch("todos")

	sub := &fakeSubscriber{id: "client-a"}
	b.Registry().Add("todos", sub)

	// When: A new change commits after the watch began
	source.append(wire.ChangeRecord{Entity: "todos", EntityID: "new", Action: wire.ActionCreate, ClientID: "client-c"})
	b.Notifier().Publish(CommitSignal{Entity: "todos", Kind: CommitEntity, Version: 3})

	// Then: Only the new change is delivered; history is catch-up's job
	waitFor(t, func() bool { return sub.changeCount() == 1 })
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.changes[0].EntityID != "new" {
		t.Errorf("expected only the new record, got %q", sub.changes[0].EntityID)
	}
}

func TestBridge_FieldChangeFanOut(t *testing.T) {
	// Given: A running bridge with one subscriber
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &fakeSource{}
	b := New(source, NewNotifier(), NewRegistry())
	b.Start(ctx)
	b.EnsureWatch("todos")

	sub := &fakeSubscriber{id: "client-a"}
	b.Registry().Add("todos", sub)

	// When: A field change from another client commits
	source.appendField(wire.FieldChangeRecord{
		Entity: "todos", EntityID: "todo-1", Field: "title",
		Value: json.RawMessage(`"x"`), Action: wire.ActionUpdate, ClientID: "client-b",
	})
	b.Notifier().Publish(CommitSignal{Entity: "todos", Kind: CommitField, Version: 1})

	// Then: The field record is delivered
	waitFor(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return len(sub.fields) == 1
	})
}

func TestBridge_BroadcastConflictIncludesOriginator(t *testing.T) {
	// Given: Two subscribers, one of them the conflicting writer
	b := New(&fakeSource{}, NewNotifier(), NewRegistry())

	origin := &fakeSubscriber{id: "client-a"}
	other := &fakeSubscriber{id: "client-b"}
	b.Registry().Add("todos", origin)
	b.Registry().Add("todos", other)

	// When: Broadcasting a conflict
	b.BroadcastConflict("todos", wire.Conflict{
		Entity: "todos", EntityID: "todo-1", Field: "title",
	})

	// Then: Everyone receives it, originator included
	origin.mu.Lock()
	originGot := len(origin.conflicts)
	origin.mu.Unlock()
	other.mu.Lock()
	otherGot := len(other.conflicts)
	other.mu.Unlock()
	if originGot != 1 || otherGot != 1 {
		t.Errorf("expected both to receive the conflict, got %d and %d", originGot, otherGot)
	}
}

func TestNotifier_PublishNeverBlocks(t *testing.T) {
	// Given: A subscriber that never drains its channel
	n := NewNotifier()
	n.Subscribe("todos")

	// When: Publishing far more signals than the buffer holds
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			n.Publish(CommitSignal{Entity: "todos", Kind: CommitEntity, Version: int64(i)})
		}
		close(done)
	}()

	// Then: The publisher completes; overflow is dropped, not blocked on
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}
