package client

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// TabMessage is a change announcement shared between tabs of the same
// application. OriginTab identifies the sender so tabs can ignore their
// own announcements. Field is set for field-granularity writes.
// Authoritative marks server-confirmed state relayed by the tab holding
// the connection, as opposed to an optimistic local write.
type TabMessage struct {
	OriginTab     string          `json:"origin_tab"`
	Entity        string          `json:"entity"`
	EntityID      string          `json:"entity_id"`
	Field         string          `json:"field,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Deleted       bool            `json:"deleted,omitempty"`
	Authoritative bool            `json:"authoritative,omitempty"`
}

// Broadcaster carries TabMessages between coordinators. Implementations
// may bridge OS processes or browser tabs; InProcessBroadcaster serves
// same-process fan-out.
type Broadcaster interface {
	Publish(msg TabMessage)
	Subscribe() <-chan TabMessage
}

// InProcessBroadcaster fans TabMessages out to every subscriber in the
// same process, including the publisher's own subscription.
type InProcessBroadcaster struct {
	mu   sync.RWMutex
	subs []chan TabMessage
}

// NewInProcessBroadcaster creates an empty broadcaster.
func NewInProcessBroadcaster() *InProcessBroadcaster {
	return &InProcessBroadcaster{}
}

// Publish delivers msg to all subscribers without blocking.
func (b *InProcessBroadcaster) Publish(msg TabMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribe returns a channel receiving every published message.
func (b *InProcessBroadcaster) Subscribe() <-chan TabMessage {
	ch := make(chan TabMessage, 32)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// TabCoordinator keeps sibling tabs consistent without each one talking
// to the server. Exactly one announcement per local change; announcements
// received from other tabs are applied locally but never re-announced,
// which breaks the broadcast loop.
type TabCoordinator struct {
	tabID string
	bus   Broadcaster

	mu       sync.Mutex
	applying bool
}

// NewTabCoordinator creates a coordinator with a fresh tab identity.
func NewTabCoordinator(bus Broadcaster) *TabCoordinator {
	return &TabCoordinator{
		tabID: uuid.NewString(),
		bus:   bus,
	}
}

// TabID returns this coordinator's identity.
func (t *TabCoordinator) TabID() string { return t.tabID }

// Announce broadcasts a locally originated optimistic change to sibling
// tabs. Suppressed while a remote announcement is being applied.
func (t *TabCoordinator) Announce(entity, entityID string, data json.RawMessage, deleted bool) {
	t.publish(TabMessage{
		Entity:   entity,
		EntityID: entityID,
		Data:     data,
		Deleted:  deleted,
	})
}

// AnnounceField broadcasts an optimistic single-field write. A nil value
// announces a field delete.
func (t *TabCoordinator) AnnounceField(entity, entityID, field string, value json.RawMessage) {
	t.publish(TabMessage{
		Entity:   entity,
		EntityID: entityID,
		Field:    field,
		Data:     value,
		Deleted:  value == nil,
	})
}

// AnnounceAuthoritative broadcasts server-confirmed state received over
// this tab's connection, so sibling tabs without a socket stay current.
func (t *TabCoordinator) AnnounceAuthoritative(entity, entityID string, data json.RawMessage, deleted bool) {
	t.publish(TabMessage{
		Entity:        entity,
		EntityID:      entityID,
		Data:          data,
		Deleted:       deleted,
		Authoritative: true,
	})
}

func (t *TabCoordinator) publish(msg TabMessage) {
	t.mu.Lock()
	applying := t.applying
	t.mu.Unlock()
	if applying {
		return
	}
	msg.OriginTab = t.tabID
	t.bus.Publish(msg)
}

// Run consumes announcements from sibling tabs, ignoring this tab's own,
// and applies each through the given callback. Returns when the
// broadcaster's channel is closed or ctx-free callers stop the goroutine
// by closing done.
func (t *TabCoordinator) Run(done <-chan struct{}, apply func(TabMessage)) {
	ch := t.bus.Subscribe()
	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.OriginTab == t.tabID {
				continue
			}
			t.applyRemote(msg, apply)
		}
	}
}

func (t *TabCoordinator) applyRemote(msg TabMessage, apply func(TabMessage)) {
	t.mu.Lock()
	t.applying = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.applying = false
		t.mu.Unlock()
	}()
	apply(msg)
}
