// Package session implements the server-side protocol state machine: one
// SyncSession per live websocket connection, layered on the notification
// bridge and the change logs.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyperengineering/courier/internal/bridge"
	"github.com/hyperengineering/courier/internal/merge"
	"github.com/hyperengineering/courier/internal/store"
	"github.com/hyperengineering/courier/pkg/wire"
)

// Session lifecycle states.
const (
	stateOpen int32 = iota
	stateSubscribed
	stateClosing
)

const (
	// sendBuffer bounds queued outbound frames per session. Live delivery
	// is best-effort; a client that cannot keep up recovers via catch-up.
	sendBuffer = 128

	writeTimeout = 10 * time.Second
	readTimeout  = 90 * time.Second
)

// Applier is the business write path contract: it must persist the state
// change and append to the change log inside the same transaction, then
// return the assigned record. store.Store satisfies it directly.
type Applier interface {
	RecordChange(ctx context.Context, entity, entityID, action string, data []byte, clientID string) (*wire.ChangeRecord, error)
}

// FieldStore is the field-granularity surface a session needs.
type FieldStore interface {
	RecordFieldChange(ctx context.Context, entity, entityID, field string, value []byte, action string, timestamp time.Time, clientID string) (*wire.FieldChangeRecord, error)
	RecordDisputedFieldChange(ctx context.Context, entity, entityID, field string, value []byte, action string, timestamp time.Time, clientID string) (*wire.FieldChangeRecord, error)
	GetFieldMetadata(ctx context.Context, entity, entityID, field string) (*wire.FieldMetadata, error)
	GetLatestFieldValues(ctx context.Context, entity, entityID string) (map[string]json.RawMessage, error)
}

// Session is one live connection's protocol state machine:
// Open -> Subscribed -> Closing.
type Session struct {
	conn     *websocket.Conn
	clientID string

	applier  Applier
	fields   FieldStore
	bridge   *bridge.Bridge
	strategy merge.Strategy
	codec    *wire.Codec

	state      atomic.Int32
	send       chan wire.Frame
	done       chan struct{}
	subscribed map[string]struct{}

	// writeMu serializes writes to the connection. The write loop is the
	// normal writer; protocolError writes its final frame directly so the
	// error reaches the peer before the close.
	writeMu sync.Mutex
}

// New creates a session for an upgraded websocket connection.
func New(conn *websocket.Conn, clientID string, applier Applier, fields FieldStore, b *bridge.Bridge, strategy merge.Strategy, codec *wire.Codec) *Session {
	return &Session{
		conn:       conn,
		clientID:   clientID,
		applier:    applier,
		fields:     fields,
		bridge:     b,
		strategy:   strategy,
		codec:      codec,
		send:       make(chan wire.Frame, sendBuffer),
		done:       make(chan struct{}),
		subscribed: make(map[string]struct{}),
	}
}

// ClientID implements bridge.Subscriber.
func (s *Session) ClientID() string { return s.clientID }

// Run drives the session until the connection closes or ctx is cancelled.
// It owns both the read and write side of the websocket.
func (s *Session) Run(ctx context.Context) {
	slog.Info("session opened", "component", "session", "client_id", s.clientID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.writeLoop(ctx)

	s.readLoop(ctx)

	s.close()
	slog.Info("session closed", "component", "session", "client_id", s.clientID)
}

// close transitions to Closing and removes all fan-out registrations.
// No further writes occur once the state is Closing.
func (s *Session) close() {
	if s.state.Swap(stateClosing) == stateClosing {
		return
	}
	close(s.done)
	s.bridge.Registry().RemoveAll(s)
	s.conn.Close()
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		frame := wire.Frame{Kind: wire.FrameText, Data: data}
		if messageType == websocket.BinaryMessage {
			frame.Kind = wire.FrameBinary
		}

		payload, err := s.codec.Decode(frame)
		if err != nil {
			// Undecodable binary frame: protocol error, close the session.
			s.protocolError(fmt.Sprintf("bad frame: %s", err))
			return
		}

		msg, err := wire.DecodeMessage(payload)
		if err != nil {
			s.protocolError(err.Error())
			return
		}

		if err := s.handle(ctx, msg); err != nil {
			s.protocolError(err.Error())
			return
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case frame := <-s.send:
			if err := s.writeFrame(frame); err != nil {
				slog.Debug("session write failed",
					"component", "session", "client_id", s.clientID, "error", err)
				s.conn.Close()
				return
			}
		}
	}
}

// handle dispatches one decoded message. The union is closed: every
// client-originated kind has a case, anything else is a protocol error.
func (s *Session) handle(ctx context.Context, msg wire.Message) error {
	switch m := msg.(type) {
	case wire.SubscribeMessage:
		s.handleSubscribe(m)
	case wire.PushMessage:
		return s.handlePush(ctx, m)
	case wire.PushFieldsMessage:
		return s.handlePushFields(ctx, m)
	case wire.PingMessage:
		s.enqueue(wire.PongMessage{})
	case wire.PongMessage:
		// client replied to a server heartbeat; nothing to do
	default:
		return fmt.Errorf("unexpected message kind %q", msg.Kind())
	}
	return nil
}

// handleSubscribe registers this session for fan-out on each entity.
// Idempotent: re-subscribing to an entity is a no-op.
func (s *Session) handleSubscribe(m wire.SubscribeMessage) {
	for _, entity := range m.Entities {
		if _, ok := s.subscribed[entity]; ok {
			continue
		}
		s.subscribed[entity] = struct{}{}
		s.bridge.EnsureWatch(entity)
		s.bridge.Registry().Add(entity, s)
	}
	s.state.CompareAndSwap(stateOpen, stateSubscribed)
	slog.Info("session subscribed",
		"component", "session",
		"client_id", s.clientID,
		"entities", len(s.subscribed),
	)
}

// handlePush delegates to the write path, acknowledges with the assigned
// version, and signals the bridge so every other subscriber receives the
// change.
func (s *Session) handlePush(ctx context.Context, m wire.PushMessage) error {
	if m.Entity == "" || m.EntityID == "" {
		return errors.New("push: entity and entity_id are required")
	}
	if !wire.ValidAction(m.Action) {
		return fmt.Errorf("push: invalid action %q", m.Action)
	}

	rec, err := s.applier.RecordChange(ctx, m.Entity, m.EntityID, m.Action, m.Data, s.clientID)
	if err != nil {
		// Storage failure propagates to the caller as a rejected push, not
		// a dropped one.
		slog.Error("push failed",
			"component", "session",
			"client_id", s.clientID,
			"entity", m.Entity,
			"error", err,
		)
		s.enqueue(wire.ErrorMessage{Message: "push failed"})
		return nil
	}

	s.enqueue(wire.PushAckMessage{
		Entity:   rec.Entity,
		EntityID: rec.EntityID,
		Version:  rec.Version,
	})
	s.bridge.Notifier().Publish(bridge.CommitSignal{
		Entity:  rec.Entity,
		Kind:    bridge.CommitEntity,
		Version: rec.Version,
	})
	return nil
}

// handlePushFields resolves each incoming field against the recorded
// metadata using the configured strategy, in the submitted order.
func (s *Session) handlePushFields(ctx context.Context, m wire.PushFieldsMessage) error {
	if m.Entity == "" || m.EntityID == "" {
		return errors.New("push_fields: entity and entity_id are required")
	}

	latest, err := s.fields.GetLatestFieldValues(ctx, m.Entity, m.EntityID)
	if err != nil {
		slog.Error("push_fields: latest values read failed",
			"component", "session", "client_id", s.clientID, "entity", m.Entity, "error", err)
		s.enqueue(wire.ErrorMessage{Message: "push_fields failed"})
		return nil
	}

	applied := 0
	var conflicts []wire.Conflict
	var lastVersion int64

	for _, fw := range m.Fields {
		if fw.Field == "" || !wire.ValidFieldAction(fw.Action) {
			return fmt.Errorf("push_fields: invalid field write %q/%q", fw.Field, fw.Action)
		}

		meta, err := s.fields.GetFieldMetadata(ctx, m.Entity, m.EntityID, fw.Field)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.enqueue(wire.ErrorMessage{Message: "push_fields failed"})
			return nil
		}
		if errors.Is(err, store.ErrNotFound) {
			meta = nil
		}

		conflict := wire.Conflict{
			Entity:          m.Entity,
			EntityID:        m.EntityID,
			Field:           fw.Field,
			ClientValue:     fw.Value,
			ClientTimestamp: fw.Timestamp,
		}
		if meta != nil {
			conflict.ServerValue = latest[fw.Field]
			conflict.ServerTimestamp = meta.UpdatedAt
		}

		switch s.strategy.Resolve(fw, meta) {
		case merge.OutcomeApply:
			rec, err := s.fields.RecordFieldChange(ctx, m.Entity, m.EntityID, fw.Field, fw.Value, fw.Action, fw.Timestamp, s.clientID)
			if err != nil {
				slog.Error("push_fields: record failed",
					"component", "session", "client_id", s.clientID, "entity", m.Entity,
					"field", fw.Field, "error", err)
				s.enqueue(wire.ErrorMessage{Message: "push_fields failed"})
				return nil
			}
			applied++
			lastVersion = rec.Version
			latest[fw.Field] = fw.Value

		case merge.OutcomeReject:
			conflicts = append(conflicts, conflict)

		case merge.OutcomeConflict:
			// keep-both: retain the value in the log, choose no winner,
			// surface the conflict to everyone.
			if _, err := s.fields.RecordDisputedFieldChange(ctx, m.Entity, m.EntityID, fw.Field, fw.Value, fw.Action, fw.Timestamp, s.clientID); err != nil {
				slog.Error("push_fields: disputed record failed",
					"component", "session", "client_id", s.clientID, "entity", m.Entity,
					"field", fw.Field, "error", err)
				s.enqueue(wire.ErrorMessage{Message: "push_fields failed"})
				return nil
			}
			conflicts = append(conflicts, conflict)
			s.bridge.BroadcastConflict(m.Entity, conflict)
		}
	}

	s.enqueue(wire.PushAckMessage{
		Entity:    m.Entity,
		EntityID:  m.EntityID,
		Applied:   applied,
		Conflicts: conflicts,
	})
	if applied > 0 {
		s.bridge.Notifier().Publish(bridge.CommitSignal{
			Entity:  m.Entity,
			Kind:    bridge.CommitField,
			Version: lastVersion,
		})
	}
	return nil
}

// DeliverChange implements bridge.Subscriber.
func (s *Session) DeliverChange(rec wire.ChangeRecord) {
	s.enqueue(wire.ChangeMessage{Change: rec})
}

// DeliverFieldChange implements bridge.Subscriber.
func (s *Session) DeliverFieldChange(rec wire.FieldChangeRecord) {
	s.enqueue(wire.FieldChangeMessage{Change: rec})
}

// DeliverConflict implements bridge.Subscriber.
func (s *Session) DeliverConflict(c wire.Conflict) {
	s.enqueue(wire.ConflictMessage{Conflict: c})
}

// enqueue encodes and queues one outbound message. Never blocks; when the
// buffer is full the frame is dropped and the client recovers by catch-up.
func (s *Session) enqueue(msg wire.Message) {
	if s.state.Load() == stateClosing {
		return
	}
	payload, err := wire.EncodeMessage(msg)
	if err != nil {
		slog.Error("session encode failed",
			"component", "session", "client_id", s.clientID, "kind", msg.Kind(), "error", err)
		return
	}
	frame := s.codec.Encode(payload)
	select {
	case s.send <- frame:
	default:
		slog.Warn("session send buffer full, dropping frame",
			"component", "session", "client_id", s.clientID, "kind", msg.Kind())
	}
}

// writeFrame performs one deadline-bounded write. writeMu keeps the write
// loop and protocolError from writing concurrently.
func (s *Session) writeFrame(frame wire.Frame) error {
	messageType := websocket.TextMessage
	if frame.Kind == wire.FrameBinary {
		messageType = websocket.BinaryMessage
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(messageType, frame.Data)
}

// protocolError reports a malformed or unexpected message and closes the
// session without crashing the process. The error frame is written
// synchronously so it reaches the peer before the close.
func (s *Session) protocolError(detail string) {
	slog.Warn("protocol error",
		"component", "session",
		"client_id", s.clientID,
		"detail", detail,
	)
	if s.state.Load() != stateClosing {
		payload, err := wire.EncodeMessage(wire.ErrorMessage{Message: detail})
		if err == nil {
			if werr := s.writeFrame(s.codec.Encode(payload)); werr != nil {
				slog.Debug("protocol error frame not delivered",
					"component", "session", "client_id", s.clientID, "error", werr)
			}
		}
	}
	s.close()
}
