package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyperengineering/courier/pkg/wire"
)

// ConnState is the connection manager's lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDegraded
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultPongTimeout       = 10 * time.Second
	defaultBackoffBase       = time.Second
	defaultBackoffMax        = 30 * time.Second
	defaultDegradedAfter     = 3
	catchUpPage              = 500
)

// connectionManager owns the socket lifecycle: dialing, catch-up on
// connect, queue replay, heartbeat, and reconnection with exponential
// backoff. When the socket stays down it degrades to HTTP polling while
// the redial attempts continue.
type connectionManager struct {
	cfg      Config
	clientID string
	codec    *wire.Codec
	http     *httpTransport
	cache    *LocalCache
	queue    *OfflineQueue
	overlay  *OptimisticOverlay
	bus      *EventBus

	// announce relays authoritative changes to sibling tabs. Nil when no
	// tab coordination is configured.
	announce func(rec wire.ChangeRecord)

	state atomic.Int32

	mu   sync.Mutex
	conn *websocket.Conn
	send chan wire.Frame

	inflightMu sync.Mutex
	inflight   map[string]inflightPush
}

// inflightPush remembers the payload of a live push so the push_ack can
// land it in the cache. The server excludes the originating client from
// fan-out, so the ack is the only confirmation the origin receives.
type inflightPush struct {
	data    json.RawMessage
	deleted bool
}

func inflightKey(entity, entityID string) string {
	return entity + "\x00" + entityID
}

func newConnectionManager(cfg Config, clientID string, codec *wire.Codec, transport *httpTransport,
	cache *LocalCache, queue *OfflineQueue, overlay *OptimisticOverlay, bus *EventBus) *connectionManager {
	return &connectionManager{
		cfg:      cfg,
		clientID: clientID,
		codec:    codec,
		http:     transport,
		cache:    cache,
		queue:    queue,
		overlay:  overlay,
		bus:      bus,
		inflight: make(map[string]inflightPush),
	}
}

// State returns the current connection state.
func (m *connectionManager) State() ConnState {
	return ConnState(m.state.Load())
}

func (m *connectionManager) setState(s ConnState) {
	if ConnState(m.state.Swap(int32(s))) == s {
		return
	}
	m.bus.Publish(TopicConnectionState, s)
}

// Run drives the reconnect loop until ctx is cancelled. Backoff grows
// exponentially per consecutive failure and resets only after a
// connection is established.
func (m *connectionManager) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}

		if attempt == 0 {
			m.setState(StateConnecting)
		}

		conn, err := m.dial(ctx)
		if err != nil {
			attempt++
			if attempt >= m.degradedAfter() {
				m.setState(StateDegraded)
			} else {
				m.setState(StateReconnecting)
			}
			slog.Debug("dial failed",
				"component", "client", "attempt", attempt, "error", err)
			if !m.waitBackoff(ctx, attempt) {
				m.setState(StateDisconnected)
				return
			}
			continue
		}

		attempt = 0
		m.setState(StateConnected)
		m.runSession(ctx, conn)

		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}
		m.setState(StateReconnecting)
	}
}

func (m *connectionManager) degradedAfter() int {
	if m.cfg.DegradedAfter > 0 {
		return m.cfg.DegradedAfter
	}
	return defaultDegradedAfter
}

// backoffDelay returns min(base * 2^(attempt-1), max).
func (m *connectionManager) backoffDelay(attempt int) time.Duration {
	base := m.cfg.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	max := m.cfg.BackoffMax
	if max <= 0 {
		max = defaultBackoffMax
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// waitBackoff sleeps the backoff delay. In degraded state the wait doubles
// as a polling slot: entities keep advancing over HTTP even though the
// socket is down. Returns false when ctx was cancelled.
func (m *connectionManager) waitBackoff(ctx context.Context, attempt int) bool {
	if m.State() == StateDegraded {
		m.pollOnce(ctx)
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(m.backoffDelay(attempt)):
		return true
	}
}

// pollOnce runs one HTTP catch-up round over all configured entities.
func (m *connectionManager) pollOnce(ctx context.Context) {
	for _, entity := range m.cfg.Entities {
		if err := m.catchUp(ctx, entity); err != nil {
			slog.Debug("poll failed",
				"component", "client", "entity", entity, "error", err)
		}
	}
}

func (m *connectionManager) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := m.socketURL()
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.cfg.APIKey)

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return conn, nil
}

func (m *connectionManager) socketURL() (string, error) {
	u, err := url.Parse(m.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/sync/ws"
	q := u.Query()
	q.Set("client_id", m.clientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// runSession owns one established connection: catch-up, subscribe, queue
// replay, then live reads with heartbeat. Returns when the connection
// drops or ctx is cancelled.
func (m *connectionManager) runSession(ctx context.Context, conn *websocket.Conn) {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	m.conn = conn
	m.send = make(chan wire.Frame, 64)
	send := m.send
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.send = nil
		m.mu.Unlock()
		conn.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.writeLoop(sessCtx, conn, send)
	}()

	pongCh := make(chan struct{}, 1)
	go func() {
		defer wg.Done()
		m.heartbeatLoop(sessCtx, conn, pongCh)
	}()

	// Close the known gap before going live, then replay offline writes.
	for _, entity := range m.cfg.Entities {
		if err := m.catchUp(sessCtx, entity); err != nil {
			slog.Warn("catch-up failed",
				"component", "client", "entity", entity, "error", err)
		}
	}
	m.sendMessage(wire.SubscribeMessage{Entities: m.cfg.Entities})
	if err := m.flushQueue(sessCtx); err != nil {
		slog.Warn("queue replay failed", "component", "client", "error", err)
	}

	m.readLoop(sessCtx, conn, pongCh)

	cancel()
	wg.Wait()
}

func (m *connectionManager) writeLoop(ctx context.Context, conn *websocket.Conn, send <-chan wire.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-send:
			messageType := websocket.TextMessage
			if frame.Kind == wire.FrameBinary {
				messageType = websocket.BinaryMessage
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(messageType, frame.Data); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// heartbeatLoop sends a ping every interval and arms a pong timeout. A
// missed pong closes the connection, which surfaces as a read error and
// triggers the reconnect path.
func (m *connectionManager) heartbeatLoop(ctx context.Context, conn *websocket.Conn, pongCh <-chan struct{}) {
	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	pongTimeout := m.cfg.PongTimeout
	if pongTimeout <= 0 {
		pongTimeout = defaultPongTimeout
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sendMessage(wire.PingMessage{})
			timer := time.AfterFunc(pongTimeout, func() {
				slog.Warn("heartbeat pong timeout", "component", "client")
				conn.Close()
			})
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-pongCh:
				timer.Stop()
			case <-time.After(pongTimeout + time.Second):
				timer.Stop()
				return
			}
		}
	}
}

func (m *connectionManager) readLoop(ctx context.Context, conn *websocket.Conn, pongCh chan<- struct{}) {
	for {
		if ctx.Err() != nil {
			return
		}
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		frame := wire.Frame{Kind: wire.FrameText, Data: data}
		if messageType == websocket.BinaryMessage {
			frame.Kind = wire.FrameBinary
		}

		payload, err := m.codec.Decode(frame)
		if err != nil {
			slog.Warn("undecodable frame, dropping connection",
				"component", "client", "error", err)
			return
		}
		msg, err := wire.DecodeMessage(payload)
		if err != nil {
			slog.Warn("unknown frame, dropping connection",
				"component", "client", "error", err)
			return
		}

		m.handle(ctx, msg, pongCh)
	}
}

func (m *connectionManager) handle(ctx context.Context, msg wire.Message, pongCh chan<- struct{}) {
	switch v := msg.(type) {
	case wire.ChangeMessage:
		m.applyChange(v.Change)

	case wire.FieldChangeMessage:
		m.overlay.ClearField(v.Change.Entity, v.Change.EntityID, v.Change.Field)
		m.bus.Publish(TopicEntityChanged, v.Change)

	case wire.ConflictMessage:
		m.bus.Publish(TopicConflict, v.Conflict)

	case wire.PushAckMessage:
		m.handlePushAck(v)

	case wire.PingMessage:
		m.sendMessage(wire.PongMessage{})

	case wire.PongMessage:
		select {
		case pongCh <- struct{}{}:
		default:
		}

	case wire.ErrorMessage:
		slog.Warn("server reported error", "component", "client", "message", v.Message)

	default:
		slog.Warn("unexpected message kind", "component", "client", "kind", msg.Kind())
	}
}

// handlePushAck confirms a live push. The server never echoes a change
// back to its originator, so the acked payload must be landed in the
// cache here or the origin's next read would see its pre-push state. A
// zero version acknowledges a field batch; the record-level cache entry
// is untouched and only the pending field entries are confirmed.
func (m *connectionManager) handlePushAck(ack wire.PushAckMessage) {
	if ack.Version > 0 {
		m.inflightMu.Lock()
		push, ok := m.inflight[inflightKey(ack.Entity, ack.EntityID)]
		if ok {
			delete(m.inflight, inflightKey(ack.Entity, ack.EntityID))
		}
		m.inflightMu.Unlock()

		if ok {
			m.applyAcked(ack, push)
		}
		m.overlay.Clear(ack.Entity, ack.EntityID)
	} else {
		m.overlay.ClearFields(ack.Entity, ack.EntityID)
	}
	for _, c := range ack.Conflicts {
		m.bus.Publish(TopicConflict, c)
	}
}

func (m *connectionManager) applyAcked(ack wire.PushAckMessage, push inflightPush) {
	action := wire.ActionUpdate
	if push.deleted {
		action = wire.ActionDelete
	}
	rec := wire.ChangeRecord{
		Entity:   ack.Entity,
		EntityID: ack.EntityID,
		Action:   action,
		Data:     push.data,
		Version:  ack.Version,
		ClientID: m.clientID,
	}
	applied, err := m.cache.ApplyChange(rec.Entity, rec.EntityID, rec.Data, rec.Version, push.deleted)
	if err != nil {
		slog.Error("cache apply failed",
			"component", "client", "entity", rec.Entity, "error", err)
		return
	}
	if !applied {
		return
	}
	if m.announce != nil {
		m.announce(rec)
	}
	m.bus.Publish(TopicEntityChanged, rec)
}

// applyChange lands one authoritative change in the cache, supersedes any
// optimistic overlay entry for the record, and notifies subscribers.
func (m *connectionManager) applyChange(rec wire.ChangeRecord) {
	applied, err := m.cache.ApplyChange(rec.Entity, rec.EntityID, rec.Data, rec.Version, rec.Action == wire.ActionDelete)
	if err != nil {
		slog.Error("cache apply failed",
			"component", "client", "entity", rec.Entity, "error", err)
		return
	}
	if !applied {
		return
	}
	m.overlay.Clear(rec.Entity, rec.EntityID)
	if m.announce != nil {
		m.announce(rec)
	}
	m.bus.Publish(TopicEntityChanged, rec)
}

// sendPush queues one push on the live socket and remembers its payload
// until the ack arrives. Returns false when no connection is up, in
// which case nothing is tracked and the caller falls back to the queue.
func (m *connectionManager) sendPush(entity, entityID, action string, data json.RawMessage) bool {
	key := inflightKey(entity, entityID)
	m.inflightMu.Lock()
	m.inflight[key] = inflightPush{data: data, deleted: action == wire.ActionDelete}
	m.inflightMu.Unlock()

	sent := m.sendMessage(wire.PushMessage{
		Entity:   entity,
		EntityID: entityID,
		Action:   action,
		Data:     data,
	})
	if !sent {
		m.inflightMu.Lock()
		delete(m.inflight, key)
		m.inflightMu.Unlock()
	}
	return sent
}

// catchUp pages through the HTTP catch-up endpoint from the stored cursor.
// A version gap resets the entity and restarts from zero.
func (m *connectionManager) catchUp(ctx context.Context, entity string) error {
	since, err := m.cache.LastVersion(entity)
	if err != nil {
		return err
	}

	for {
		page, err := m.http.Changes(ctx, entity, since, catchUpPage)
		if err != nil {
			if errors.Is(err, ErrVersionGap) {
				slog.Warn("version gap, resyncing from zero",
					"component", "client", "entity", entity)
				if resetErr := m.cache.Reset(entity); resetErr != nil {
					return resetErr
				}
				since = 0
				continue
			}
			return err
		}

		for _, rec := range page.Changes {
			m.applyChange(rec)
			since = rec.Version
		}
		if len(page.Changes) < catchUpPage {
			return nil
		}
	}
}

// flushQueue replays pending offline mutations in capture order over
// HTTP. Each mutation is acknowledged individually; the first failure
// stops the replay and leaves the tail queued.
func (m *connectionManager) flushQueue(ctx context.Context) error {
	pending, err := m.queue.Pending()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	for _, mut := range pending {
		switch mut.Kind {
		case MutationField:
			result, err := m.http.PushField(ctx, m.clientID, mut)
			if err != nil {
				return err
			}
			for _, c := range result.Conflicts {
				m.bus.Publish(TopicConflict, c)
			}
		default:
			if _, err := m.http.Push(ctx, m.clientID, mut); err != nil {
				return err
			}
		}
		if err := m.queue.Ack(mut.ID); err != nil {
			return err
		}
	}

	m.bus.Publish(TopicQueueFlushed, len(pending))
	slog.Info("offline queue flushed", "component", "client", "mutations", len(pending))
	return nil
}

// sendMessage encodes and queues one outbound message on the live socket.
// Dropped silently when no connection is up.
func (m *connectionManager) sendMessage(msg wire.Message) bool {
	payload, err := wire.EncodeMessage(msg)
	if err != nil {
		slog.Error("encode failed", "component", "client", "kind", msg.Kind(), "error", err)
		return false
	}
	frame := m.codec.Encode(payload)

	m.mu.Lock()
	send := m.send
	m.mu.Unlock()
	if send == nil {
		return false
	}
	select {
	case send <- frame:
		return true
	default:
		return false
	}
}
