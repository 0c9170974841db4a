// Package client is the Courier SDK: a local-first mirror of server
// state with live sync over websocket, HTTP fallback, offline capture,
// and cross-tab coordination.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/courier/pkg/wire"
)

// Config configures a Client.
type Config struct {
	// ServerURL is the Courier base URL, e.g. "https://sync.example.com".
	ServerURL string

	// APIKey authenticates every request.
	APIKey string

	// LocalPath is the local cache database path.
	LocalPath string

	// ClientID identifies this client for origin exclusion. Defaults to a
	// fresh ULID; supply a stable id to survive restarts.
	ClientID string

	// Entities lists the entity types to synchronize.
	Entities []string

	// TabBus, when set, connects this client to sibling tabs of the same
	// application. Nil disables cross-tab coordination.
	TabBus Broadcaster

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration

	// DegradedAfter is the number of consecutive failed dials before the
	// client falls back to HTTP polling.
	DegradedAfter int

	CompressionEnabled   bool
	CompressionThreshold int
	HTTPTimeout          time.Duration
}

// Client is the Courier synchronization client.
type Client struct {
	cfg      Config
	clientID string

	cache   *LocalCache
	queue   *OfflineQueue
	overlay *OptimisticOverlay
	bus     *EventBus
	http    *httpTransport
	conn    *connectionManager
	tabs    *TabCoordinator

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a client. The local cache is opened immediately; the
// network side starts with Start.
func New(cfg Config) (*Client, error) {
	if cfg.LocalPath == "" {
		return nil, errors.New("LocalPath is required")
	}
	if cfg.ServerURL == "" {
		return nil, errors.New("ServerURL is required")
	}
	if len(cfg.Entities) == 0 {
		return nil, errors.New("at least one entity is required")
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = ulid.Make().String()
	}

	cache, err := NewLocalCache(cfg.LocalPath)
	if err != nil {
		return nil, err
	}

	codec, err := wire.NewCodec(cfg.CompressionEnabled, cfg.CompressionThreshold)
	if err != nil {
		cache.Close()
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		clientID: clientID,
		cache:    cache,
		queue:    NewOfflineQueue(cache.DB()),
		overlay:  NewOptimisticOverlay(),
		bus:      NewEventBus(),
		http:     newHTTPTransport(cfg.ServerURL, cfg.APIKey, cfg.HTTPTimeout),
		done:     make(chan struct{}),
	}
	c.conn = newConnectionManager(cfg, clientID, codec, c.http, cache, c.queue, c.overlay, c.bus)

	if cfg.TabBus != nil {
		c.tabs = NewTabCoordinator(cfg.TabBus)
		// Authoritative changes arrive only on the tab holding the socket;
		// relay them so sibling tabs stay current.
		c.conn.announce = func(rec wire.ChangeRecord) {
			c.tabs.AnnounceAuthoritative(rec.Entity, rec.EntityID, rec.Data, rec.Action == wire.ActionDelete)
		}
	}

	return c, nil
}

// ClientID returns the identity used for origin exclusion.
func (c *Client) ClientID() string { return c.clientID }

// Events returns the client's event bus.
func (c *Client) Events() *EventBus { return c.bus }

// State returns the current connection state.
func (c *Client) State() ConnState { return c.conn.State() }

// Start launches the connection manager and, when configured, the tab
// coordinator. Idempotent.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.conn.Run(runCtx)
	}()

	if c.tabs != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.tabs.Run(c.done, c.applyTabMessage)
		}()
	}

	return nil
}

// Close stops the network side and closes the local cache. Queued
// mutations stay on disk for the next run.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.cache.Close()
}

// Get reads a record: unconfirmed local writes first, then the cache.
// Pending field writes are merged over the base object. An optimistic
// delete and an uncached record both return ErrNotCached.
func (c *Client) Get(entity, entityID string) (json.RawMessage, error) {
	if data, ok := c.overlay.Get(entity, entityID); ok {
		if data == nil {
			return nil, ErrNotCached
		}
		return c.mergeFieldOverlay(entity, entityID, data), nil
	}
	data, _, err := c.cache.Get(entity, entityID)
	if err != nil {
		if errors.Is(err, ErrNotCached) {
			if merged := c.mergeFieldOverlay(entity, entityID, nil); merged != nil {
				return merged, nil
			}
		}
		return nil, err
	}
	return c.mergeFieldOverlay(entity, entityID, data), nil
}

// mergeFieldOverlay applies pending field writes over a base JSON object.
// A nil pending value removes the field. Non-object payloads are returned
// as-is; field sync presumes object-shaped records.
func (c *Client) mergeFieldOverlay(entity, entityID string, base json.RawMessage) json.RawMessage {
	fields := c.overlay.FieldOverlay(entity, entityID)
	if len(fields) == 0 {
		return base
	}
	obj := make(map[string]json.RawMessage)
	if base != nil {
		if err := json.Unmarshal(base, &obj); err != nil {
			return base
		}
	}
	for f, v := range fields {
		if v == nil {
			delete(obj, f)
		} else {
			obj[f] = v
		}
	}
	merged, err := json.Marshal(obj)
	if err != nil {
		return base
	}
	return merged
}

// Push submits a whole-entity mutation. The write is visible locally at
// once through the optimistic overlay; when the socket is down it is
// queued durably and replayed in order on reconnect.
func (c *Client) Push(entity, entityID, action string, data json.RawMessage) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !wire.ValidAction(action) {
		return errors.New("invalid action")
	}

	if action == wire.ActionDelete {
		c.overlay.Apply(entity, entityID, nil)
	} else {
		c.overlay.Apply(entity, entityID, data)
	}
	if c.tabs != nil {
		c.tabs.Announce(entity, entityID, data, action == wire.ActionDelete)
	}
	c.bus.Publish(TopicEntityChanged, wire.ChangeRecord{
		Entity:   entity,
		EntityID: entityID,
		Action:   action,
		Data:     data,
		ClientID: c.clientID,
	})

	if c.conn.State() == StateConnected {
		if c.conn.sendPush(entity, entityID, action, data) {
			return nil
		}
	}
	return c.queue.Enqueue(entity, entityID, action, data)
}

// PushField submits one field-level mutation, stamped with the capture
// time so server-side merge compares write times rather than arrival
// order.
func (c *Client) PushField(entity, entityID, field, action string, value json.RawMessage) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if field == "" || !wire.ValidFieldAction(action) {
		return errors.New("invalid field write")
	}

	var overlayValue json.RawMessage
	if action != wire.ActionDelete {
		overlayValue = value
	}
	c.overlay.ApplyField(entity, entityID, field, overlayValue)
	if c.tabs != nil {
		c.tabs.AnnounceField(entity, entityID, field, overlayValue)
	}
	c.bus.Publish(TopicEntityChanged, wire.FieldChangeRecord{
		Entity:   entity,
		EntityID: entityID,
		Field:    field,
		Value:    value,
		Action:   action,
		ClientID: c.clientID,
	})

	ts := time.Now().UTC()
	if c.conn.State() == StateConnected {
		sent := c.conn.sendMessage(wire.PushFieldsMessage{
			Entity:   entity,
			EntityID: entityID,
			Fields: []wire.FieldWrite{{
				Field:     field,
				Value:     value,
				Action:    action,
				Timestamp: ts,
			}},
		})
		if sent {
			return nil
		}
	}
	return c.queue.EnqueueField(entity, entityID, field, action, value, ts)
}

// Resync discards local state for an entity and refetches from version
// zero over HTTP.
func (c *Client) Resync(ctx context.Context, entity string) error {
	if err := c.cache.Reset(entity); err != nil {
		return err
	}
	return c.conn.catchUp(ctx, entity)
}

// QueueLen reports the number of mutations waiting for replay.
func (c *Client) QueueLen() (int, error) {
	return c.queue.Len()
}

// applyTabMessage lands a sibling tab's announcement in the overlay so
// this tab's reads see it without a round trip to the server. The
// server's authoritative change follows and supersedes the entry.
func (c *Client) applyTabMessage(msg TabMessage) {
	if msg.Field != "" {
		var value json.RawMessage
		if !msg.Deleted {
			value = msg.Data
		}
		c.overlay.ApplyField(msg.Entity, msg.EntityID, msg.Field, value)
		c.bus.Publish(TopicEntityChanged, wire.FieldChangeRecord{
			Entity:   msg.Entity,
			EntityID: msg.EntityID,
			Field:    msg.Field,
			Value:    msg.Data,
			Action:   wire.ActionUpdate,
		})
		return
	}
	if msg.Deleted {
		c.overlay.Apply(msg.Entity, msg.EntityID, nil)
	} else {
		c.overlay.Apply(msg.Entity, msg.EntityID, msg.Data)
	}
	c.bus.Publish(TopicEntityChanged, wire.ChangeRecord{
		Entity:   msg.Entity,
		EntityID: msg.EntityID,
		Action:   wire.ActionUpdate,
		Data:     msg.Data,
	})
}
