package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyperengineering/courier/internal/bridge"
	"github.com/hyperengineering/courier/internal/merge"
	"github.com/hyperengineering/courier/internal/store"
	"github.com/hyperengineering/courier/pkg/wire"
)

// sessionServer runs real sessions over real websockets against a real
// store, the way the ws handler wires them in production.
type sessionServer struct {
	url    string
	store  *store.Store
	bridge *bridge.Bridge
	codec  *wire.Codec
}

func newSessionServer(t *testing.T) *sessionServer {
	t.Helper()

	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := bridge.New(s, bridge.NewNotifier(), bridge.NewRegistry())
	b.Start(ctx)

	codec, err := wire.NewCodec(true, 512)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		clientID := r.URL.Query().Get("client_id")
		sess := New(conn, clientID, s, s, b, merge.LastWriteWins{}, codec)
		sess.Run(r.Context())
	}))
	t.Cleanup(srv.Close)

	return &sessionServer{
		url:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		store:  s,
		bridge: b,
		codec:  codec,
	}
}

func (ss *sessionServer) dial(t *testing.T, clientID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ss.url+"?client_id="+clientID, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (ss *sessionServer) send(t *testing.T, conn *websocket.Conn, msg wire.Message) {
	t.Helper()
	payload, err := wire.EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	frame := ss.codec.Encode(payload)
	messageType := websocket.TextMessage
	if frame.Kind == wire.FrameBinary {
		messageType = websocket.BinaryMessage
	}
	if err := conn.WriteMessage(messageType, frame.Data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func (ss *sessionServer) read(t *testing.T, conn *websocket.Conn) wire.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	frame := wire.Frame{Kind: wire.FrameText, Data: data}
	if messageType == websocket.BinaryMessage {
		frame.Kind = wire.FrameBinary
	}
	payload, err := ss.codec.Decode(frame)
	if err != nil {
		t.Fatalf("frame decode failed: %v", err)
	}
	msg, err := wire.DecodeMessage(payload)
	if err != nil {
		t.Fatalf("message decode failed: %v", err)
	}
	return msg
}

func TestSession_PushIsAckedAndPersisted(t *testing.T) {
	// Given: A connected client
	ss := newSessionServer(t)
	conn := ss.dial(t, "client-a")

	// When: Pushing a change over the socket
	ss.send(t, conn, wire.PushMessage{
		Entity:   "todos",
		EntityID: "todo-1",
		Action:   wire.ActionCreate,
		Data:     json.RawMessage(`{"title":"buy milk"}`),
	})

	// Then: The ack carries the assigned version
	msg := ss.read(t, conn)
	ack, ok := msg.(wire.PushAckMessage)
	if !ok {
		t.Fatalf("expected PushAckMessage, got %T", msg)
	}
	if ack.Version != 1 {
		t.Errorf("expected version 1, got %d", ack.Version)
	}

	// And: The change is in the log
	changes, err := ss.store.GetChangesSince(context.Background(), "todos", 0, 10)
	if err != nil {
		t.Fatalf("GetChangesSince failed: %v", err)
	}
	if len(changes) != 1 || changes[0].EntityID != "todo-1" {
		t.Errorf("expected persisted change, got %+v", changes)
	}
}

func TestSession_SubscriberReceivesOtherClientsChanges(t *testing.T) {
	// Given: Client A subscribed to todos, client B connected
	ss := newSessionServer(t)
	connA := ss.dial(t, "client-a")
	connB := ss.dial(t, "client-b")

	ss.send(t, connA, wire.SubscribeMessage{Entities: []string{"todos"}})
	// Subscribe has no ack; give the registry a moment.
	time.Sleep(50 * time.Millisecond)

	// When: Client B pushes a change
	ss.send(t, connB, wire.PushMessage{
		Entity:   "todos",
		EntityID: "todo-1",
		Action:   wire.ActionCreate,
		Data:     json.RawMessage(`{"title":"from b"}`),
	})
	if _, ok := ss.read(t, connB).(wire.PushAckMessage); !ok {
		t.Fatal("expected ack on the pushing connection")
	}

	// Then: Client A receives the committed change
	msg := ss.read(t, connA)
	change, ok := msg.(wire.ChangeMessage)
	if !ok {
		t.Fatalf("expected ChangeMessage, got %T", msg)
	}
	if change.Change.EntityID != "todo-1" || change.Change.ClientID != "client-b" {
		t.Errorf("unexpected change delivered: %+v", change.Change)
	}
}

func TestSession_OriginDoesNotReceiveOwnChange(t *testing.T) {
	// Given: Both clients subscribed to todos
	ss := newSessionServer(t)
	connA := ss.dial(t, "client-a")
	connB := ss.dial(t, "client-b")

	ss.send(t, connA, wire.SubscribeMessage{Entities: []string{"todos"}})
	ss.send(t, connB, wire.SubscribeMessage{Entities: []string{"todos"}})
	time.Sleep(50 * time.Millisecond)

	// When: Client A pushes
	ss.send(t, connA, wire.PushMessage{
		Entity:   "todos",
		EntityID: "todo-1",
		Action:   wire.ActionCreate,
		Data:     json.RawMessage(`{}`),
	})

	// Then: B receives the change, A only its own ack
	if _, ok := ss.read(t, connB).(wire.ChangeMessage); !ok {
		t.Fatal("expected change on the bystander connection")
	}
	msg := ss.read(t, connA)
	if _, ok := msg.(wire.PushAckMessage); !ok {
		t.Fatalf("expected only the ack on the origin, got %T", msg)
	}
	connA.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := connA.ReadMessage(); err == nil {
		t.Error("origin should not receive its own change")
	}
}

func TestSession_PingPong(t *testing.T) {
	// Given: A connected client
	ss := newSessionServer(t)
	conn := ss.dial(t, "client-a")

	// When: Sending a protocol ping
	ss.send(t, conn, wire.PingMessage{})

	// Then: A pong comes back
	if _, ok := ss.read(t, conn).(wire.PongMessage); !ok {
		t.Fatal("expected pong")
	}
}

func TestSession_PushFieldsResolvesConflicts(t *testing.T) {
	// Given: A field already recorded with a newer timestamp
	ss := newSessionServer(t)
	serverTime := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if _, err := ss.store.RecordFieldChange(context.Background(), "todos", "todo-1", "title",
		json.RawMessage(`"server"`), wire.ActionUpdate, serverTime, "client-x"); err != nil {
		t.Fatalf("RecordFieldChange failed: %v", err)
	}

	conn := ss.dial(t, "client-a")

	// When: Pushing one stale and one fresh field write
	ss.send(t, conn, wire.PushFieldsMessage{
		Entity:   "todos",
		EntityID: "todo-1",
		Fields: []wire.FieldWrite{
			{Field: "title", Value: json.RawMessage(`"stale"`), Action: wire.ActionUpdate,
				Timestamp: serverTime.Add(-time.Minute)},
			{Field: "done", Value: json.RawMessage(`true`), Action: wire.ActionUpdate,
				Timestamp: serverTime.Add(time.Minute)},
		},
	})

	// Then: The ack reports one applied, one conflict with the server value
	msg := ss.read(t, conn)
	ack, ok := msg.(wire.PushAckMessage)
	if !ok {
		t.Fatalf("expected PushAckMessage, got %T", msg)
	}
	if ack.Applied != 1 || len(ack.Conflicts) != 1 {
		t.Fatalf("expected 1 applied, 1 conflict; got %d/%d", ack.Applied, len(ack.Conflicts))
	}
	if string(ack.Conflicts[0].ServerValue) != `"server"` {
		t.Errorf("conflict missing server value, got %s", ack.Conflicts[0].ServerValue)
	}
}

func TestSession_InvalidPushClosesWithError(t *testing.T) {
	// Given: A connected client
	ss := newSessionServer(t)
	conn := ss.dial(t, "client-a")

	// When: Pushing with an invalid action
	ss.send(t, conn, wire.PushMessage{Entity: "todos", EntityID: "todo-1", Action: "upsert"})

	// Then: An error frame arrives and the server closes the connection
	msg := ss.read(t, conn)
	errMsg, ok := msg.(wire.ErrorMessage)
	if !ok {
		t.Fatalf("expected ErrorMessage, got %T", msg)
	}
	if !strings.Contains(errMsg.Message, "invalid action") {
		t.Errorf("expected invalid action detail, got %q", errMsg.Message)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to be closed after a protocol error")
	}
}

func TestSession_UnexpectedKindIsProtocolError(t *testing.T) {
	// Given: A connected client
	ss := newSessionServer(t)
	conn := ss.dial(t, "client-a")

	// When: Sending a server-only kind
	ss.send(t, conn, wire.ErrorMessage{Message: "client should not send this"})

	// Then: The session reports the protocol error and closes
	msg := ss.read(t, conn)
	if _, ok := msg.(wire.ErrorMessage); !ok {
		t.Fatalf("expected ErrorMessage, got %T", msg)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to be closed")
	}
}
