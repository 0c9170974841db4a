package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyperengineering/courier/pkg/wire"
)

func newTestManager(t *testing.T) *connectionManager {
	t.Helper()
	cache, err := NewLocalCache(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("NewLocalCache failed: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	codec, err := wire.NewCodec(false, 0)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}

	cfg := Config{ServerURL: "https://sync.example.com", Entities: []string{"todos"}}
	transport := newHTTPTransport(cfg.ServerURL, "test-key", 0)
	return newConnectionManager(cfg, "client-a", codec, transport,
		cache, NewOfflineQueue(cache.DB()), NewOptimisticOverlay(), NewEventBus())
}

func TestBackoffDelay_DoublesPerAttemptUpToMax(t *testing.T) {
	// Given: A manager with explicit backoff bounds
	m := &connectionManager{cfg: Config{
		BackoffBase: time.Second,
		BackoffMax:  30 * time.Second,
	}}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := m.backoffDelay(tc.attempt); got != tc.want {
			t.Errorf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

func TestBackoffDelay_DefaultsWhenUnconfigured(t *testing.T) {
	// Given: A manager with zero-value backoff config
	m := &connectionManager{cfg: Config{}}

	// Then: The documented defaults apply
	if got := m.backoffDelay(1); got != defaultBackoffBase {
		t.Errorf("expected default base %v, got %v", defaultBackoffBase, got)
	}
	if got := m.backoffDelay(100); got != defaultBackoffMax {
		t.Errorf("expected default max %v, got %v", defaultBackoffMax, got)
	}
}

func TestSocketURL_SchemeConversion(t *testing.T) {
	cases := []struct {
		server string
		want   string
	}{
		{"http://sync.example.com", "ws://sync.example.com/sync/ws?client_id=client-a"},
		{"https://sync.example.com", "wss://sync.example.com/sync/ws?client_id=client-a"},
		{"wss://sync.example.com", "wss://sync.example.com/sync/ws?client_id=client-a"},
		{"https://sync.example.com/courier/", "wss://sync.example.com/courier/sync/ws?client_id=client-a"},
	}
	for _, tc := range cases {
		m := &connectionManager{cfg: Config{ServerURL: tc.server}, clientID: "client-a"}
		got, err := m.socketURL()
		if err != nil {
			t.Fatalf("socketURL(%q) failed: %v", tc.server, err)
		}
		if got != tc.want {
			t.Errorf("socketURL(%q) = %q, want %q", tc.server, got, tc.want)
		}
	}
}

func TestSocketURL_RejectsUnknownScheme(t *testing.T) {
	m := &connectionManager{cfg: Config{ServerURL: "ftp://sync.example.com"}, clientID: "client-a"}
	if _, err := m.socketURL(); err == nil {
		t.Fatal("expected error for unsupported scheme, got nil")
	}
}

func TestHandlePushAck_LandsConfirmedWriteInCache(t *testing.T) {
	// Given: A cached record at version 1 and a live push of a new value.
	// The server never echoes a change back to its origin, so the ack is
	// the only confirmation this client will see.
	m := newTestManager(t)
	if _, err := m.cache.ApplyChange("todos", "todo-1",
		json.RawMessage(`{"title":"old"}`), 1, false); err != nil {
		t.Fatalf("ApplyChange failed: %v", err)
	}
	m.overlay.Apply("todos", "todo-1", json.RawMessage(`{"title":"new"}`))
	m.send = make(chan wire.Frame, 1)
	if !m.sendPush("todos", "todo-1", wire.ActionUpdate, json.RawMessage(`{"title":"new"}`)) {
		t.Fatal("sendPush failed with a live send channel")
	}

	// When: The server acknowledges the push at version 2
	m.handle(context.Background(),
		wire.PushAckMessage{Entity: "todos", EntityID: "todo-1", Version: 2}, nil)

	// Then: The confirmed value is in the cache at the acked version
	data, version, err := m.cache.Get("todos", "todo-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != `{"title":"new"}` {
		t.Errorf("expected the acked value in the cache, got %s", data)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}

	// And: The cursor advanced so catch-up starts past the ack
	since, err := m.cache.LastVersion("todos")
	if err != nil {
		t.Fatalf("LastVersion failed: %v", err)
	}
	if since != 2 {
		t.Errorf("expected cursor 2, got %d", since)
	}

	// And: The overlay entry is superseded
	if m.overlay.Len() != 0 {
		t.Errorf("expected empty overlay after ack, got %d entries", m.overlay.Len())
	}
}

func TestHandlePushAck_DeleteRemovesRecord(t *testing.T) {
	// Given: A cached record and a live delete push
	m := newTestManager(t)
	if _, err := m.cache.ApplyChange("todos", "todo-1",
		json.RawMessage(`{}`), 1, false); err != nil {
		t.Fatalf("ApplyChange failed: %v", err)
	}
	m.send = make(chan wire.Frame, 1)
	if !m.sendPush("todos", "todo-1", wire.ActionDelete, nil) {
		t.Fatal("sendPush failed with a live send channel")
	}

	// When: The delete is acknowledged
	m.handle(context.Background(),
		wire.PushAckMessage{Entity: "todos", EntityID: "todo-1", Version: 2}, nil)

	// Then: The record is gone from the cache
	if _, _, err := m.cache.Get("todos", "todo-1"); err == nil {
		t.Error("expected the record to be deleted after the ack")
	}
}

func TestHandlePushAck_FieldBatchClearsOnlyFieldEntries(t *testing.T) {
	// Given: A pending field write and a record-level write
	m := newTestManager(t)
	m.overlay.Apply("todos", "todo-1", json.RawMessage(`{"title":"whole"}`))
	m.overlay.ApplyField("todos", "todo-1", "done", json.RawMessage(`true`))

	// When: A zero-version ack confirms the field batch
	m.handle(context.Background(),
		wire.PushAckMessage{Entity: "todos", EntityID: "todo-1", Applied: 1}, nil)

	// Then: Field entries are confirmed, the record entry stays pending
	if m.overlay.FieldOverlay("todos", "todo-1") != nil {
		t.Error("expected field entries cleared by the batch ack")
	}
	if _, ok := m.overlay.Get("todos", "todo-1"); !ok {
		t.Error("expected the record-level entry to stay pending")
	}
}

func TestFlushQueue_ReplaysOfflineEditsInOrder(t *testing.T) {
	// Given: A server recording every replayed mutation, and edits "a"
	// then "b" captured while disconnected
	var mu sync.Mutex
	var received []string
	version := int64(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/field-sync/") {
			var body struct {
				Fields []struct {
					Value json.RawMessage `json:"value"`
				} `json:"fields"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			for _, f := range body.Fields {
				received = append(received, string(f.Value))
			}
			mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{"applied": len(body.Fields)})
			return
		}
		var body struct {
			Changes []struct {
				Data json.RawMessage `json:"data"`
			} `json:"changes"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		for _, c := range body.Changes {
			received = append(received, string(c.Data))
			version++
		}
		v := version
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"accepted": 1, "versions": []int64{v}})
	}))
	defer srv.Close()

	m := newTestManager(t)
	m.http = newHTTPTransport(srv.URL, "test-key", 0)
	flushed := m.bus.Subscribe(TopicQueueFlushed)

	now := time.Now().UTC()
	if err := m.queue.Enqueue("todos", "todo-1", wire.ActionUpdate, json.RawMessage(`{"title":"a"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := m.queue.Enqueue("todos", "todo-1", wire.ActionUpdate, json.RawMessage(`{"title":"b"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := m.queue.EnqueueField("todos", "todo-1", "done", wire.ActionUpdate, json.RawMessage(`true`), now); err != nil {
		t.Fatalf("EnqueueField failed: %v", err)
	}

	// When: Replaying on reconnect
	if err := m.flushQueue(context.Background()); err != nil {
		t.Fatalf("flushQueue failed: %v", err)
	}

	// Then: Every mutation was sent in capture order, "b" after "a"
	mu.Lock()
	got := append([]string(nil), received...)
	mu.Unlock()
	want := []string{`{"title":"a"}`, `{"title":"b"}`, `true`}
	if len(got) != len(want) {
		t.Fatalf("expected %d replayed mutations, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("replay position %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	// And: The queue is drained and the flush event fired
	n, err := m.queue.Len()
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty queue after replay, got %d", n)
	}
	select {
	case ev := <-flushed:
		if ev.Payload.(int) != 3 {
			t.Errorf("expected flush event for 3 mutations, got %v", ev.Payload)
		}
	default:
		t.Error("expected a queue-flushed event")
	}
}

func TestFlushQueue_FailureLeavesTailQueued(t *testing.T) {
	// Given: A server that rejects every push
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := newTestManager(t)
	m.http = newHTTPTransport(srv.URL, "test-key", 0)
	if err := m.queue.Enqueue("todos", "todo-1", wire.ActionUpdate, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// When: The replay hits the failure
	if err := m.flushQueue(context.Background()); err == nil {
		t.Fatal("expected flushQueue to surface the push failure")
	}

	// Then: The mutation stays queued for the next attempt
	n, err := m.queue.Len()
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected the mutation to stay queued, got %d", n)
	}
}

func TestHeartbeatLoop_ClosesConnectionOnMissedPong(t *testing.T) {
	// Given: A server that accepts the socket but never answers pings
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	m := newTestManager(t)
	m.cfg.HeartbeatInterval = 20 * time.Millisecond
	m.cfg.PongTimeout = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.heartbeatLoop(ctx, conn, make(chan struct{}))

	// Then: The missed pong closes the connection, which surfaces as a
	// read error and triggers the reconnect path
	readErr := make(chan error, 1)
	go func() {
		_, _, err := conn.ReadMessage()
		readErr <- err
	}()
	select {
	case err := <-readErr:
		if err == nil {
			t.Error("expected a read error after the pong timeout")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection still open after the missed pong")
	}
}
