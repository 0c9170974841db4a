package client

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestTabs_SiblingReceivesAnnouncement(t *testing.T) {
	// Given: Two coordinators on one broadcaster
	bus := NewInProcessBroadcaster()
	a := NewTabCoordinator(bus)
	b := NewTabCoordinator(bus)

	done := make(chan struct{})
	defer close(done)

	received := make(chan TabMessage, 1)
	go b.Run(done, func(msg TabMessage) { received <- msg })
	time.Sleep(20 * time.Millisecond)

	// When: Tab A announces a change
	a.Announce("todos", "todo-1", json.RawMessage(`{"title":"x"}`), false)

	// Then: Tab B applies it
	select {
	case msg := <-received:
		if msg.Entity != "todos" || msg.EntityID != "todo-1" || msg.OriginTab != a.TabID() {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the sibling tab to receive the announcement")
	}
}

func TestTabs_OwnAnnouncementIgnored(t *testing.T) {
	// Given: A coordinator consuming its own broadcaster
	bus := NewInProcessBroadcaster()
	a := NewTabCoordinator(bus)

	done := make(chan struct{})
	defer close(done)

	var mu sync.Mutex
	applied := 0
	go a.Run(done, func(TabMessage) {
		mu.Lock()
		applied++
		mu.Unlock()
	})
	time.Sleep(20 * time.Millisecond)

	// When: The tab announces a change
	a.Announce("todos", "todo-1", json.RawMessage(`{}`), false)
	time.Sleep(100 * time.Millisecond)

	// Then: It never applies its own announcement
	mu.Lock()
	defer mu.Unlock()
	if applied != 0 {
		t.Errorf("tab applied its own announcement %d times", applied)
	}
}

func TestTabs_RemoteApplicationIsNotReannounced(t *testing.T) {
	// Given: Two coordinators where applying on B triggers B's own
	// announce path, as a change callback would
	bus := NewInProcessBroadcaster()
	a := NewTabCoordinator(bus)
	b := NewTabCoordinator(bus)

	done := make(chan struct{})
	defer close(done)

	aReceived := make(chan TabMessage, 8)
	go a.Run(done, func(msg TabMessage) { aReceived <- msg })
	go b.Run(done, func(msg TabMessage) {
		b.Announce(msg.Entity, msg.EntityID, msg.Data, msg.Deleted)
	})
	time.Sleep(20 * time.Millisecond)

	// When: Tab A announces once
	a.Announce("todos", "todo-1", json.RawMessage(`{}`), false)
	time.Sleep(100 * time.Millisecond)

	// Then: The announcement does not echo back to A; the loop is broken
	select {
	case msg := <-aReceived:
		t.Fatalf("announcement echoed back: %+v", msg)
	default:
	}
}

func TestTabs_FieldAnnouncementCarriesFieldName(t *testing.T) {
	// Given: Two coordinators on one broadcaster
	bus := NewInProcessBroadcaster()
	a := NewTabCoordinator(bus)
	b := NewTabCoordinator(bus)

	done := make(chan struct{})
	defer close(done)

	received := make(chan TabMessage, 2)
	go b.Run(done, func(msg TabMessage) { received <- msg })
	time.Sleep(20 * time.Millisecond)

	// When: Tab A announces a field write and a field delete
	a.AnnounceField("todos", "todo-1", "done", json.RawMessage(`true`))
	a.AnnounceField("todos", "todo-1", "note", nil)

	// Then: Both arrive keyed by field, the nil value marked as a delete
	for i := 0; i < 2; i++ {
		select {
		case msg := <-received:
			switch msg.Field {
			case "done":
				if msg.Deleted || string(msg.Data) != `true` {
					t.Errorf("unexpected field write: %+v", msg)
				}
			case "note":
				if !msg.Deleted {
					t.Errorf("expected nil value to announce a field delete: %+v", msg)
				}
			default:
				t.Errorf("unexpected field %q", msg.Field)
			}
		case <-time.After(time.Second):
			t.Fatal("expected both field announcements to arrive")
		}
	}
}

func TestTabs_CoordinatorsHaveDistinctIdentities(t *testing.T) {
	bus := NewInProcessBroadcaster()
	a := NewTabCoordinator(bus)
	b := NewTabCoordinator(bus)
	if a.TabID() == b.TabID() {
		t.Error("expected distinct tab identities")
	}
	if a.TabID() == "" {
		t.Error("expected a non-empty tab identity")
	}
}
