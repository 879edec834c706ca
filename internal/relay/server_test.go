package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/pagesync/pagesync/internal/config"
	"github.com/pagesync/pagesync/internal/protocol"
	"github.com/pagesync/pagesync/internal/storage"
)

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()
	store := storage.NewMemory()
	if err := store.Connect(context.Background()); err != nil {
		t.Fatalf("connecting memory store: %v", err)
	}
	cfg := &config.Config{JWTSecret: "test-secret-key-of-at-least-32-chars!!"}
	s := New(cfg, store, nil)
	ts := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	t.Cleanup(ts.Close)
	return ts
}

func dialRelay(t *testing.T, ts *httptest.Server) *gorilla.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ws, _, err := gorilla.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing relay: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *gorilla.Conn, msgType string, payload map[string]interface{}) {
	t.Helper()
	frame, err := protocol.Encode(msgType, payload, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("encoding %s: %v", msgType, err)
	}
	if err := ws.WriteMessage(gorilla.BinaryMessage, frame); err != nil {
		t.Fatalf("writing %s: %v", msgType, err)
	}
}

func recv(t *testing.T, ws *gorilla.Conn) *protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decoding frame: %v", err)
	}
	return msg
}

// recvType reads frames until one of the wanted type arrives.
func recvType(t *testing.T, ws *gorilla.Conn, msgType string) *protocol.Message {
	t.Helper()
	for i := 0; i < 10; i++ {
		msg := recv(t, ws)
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("no %s frame within 10 frames", msgType)
	return nil
}

func handshake(t *testing.T, ws *gorilla.Conn, userID, clientID, pageID string) {
	t.Helper()
	send(t, ws, protocol.TypeAuth, map[string]interface{}{
		"userId":   userID,
		"clientId": clientID,
	})
	if msg := recv(t, ws); msg.Type != protocol.TypeAuthSuccess {
		t.Fatalf("auth reply = %q, want %q", msg.Type, protocol.TypeAuthSuccess)
	}
	send(t, ws, protocol.TypeSubscribe, map[string]interface{}{
		"pageId": pageID,
	})
	if msg := recvType(t, ws, protocol.TypeSyncResponse); msg.Field("pageId") != pageID {
		t.Fatalf("sync_response pageId = %q, want %q", msg.Field("pageId"), pageID)
	}
}

func TestRelayDeltaRoundTrip(t *testing.T) {
	ts := startRelay(t)

	alice := dialRelay(t, ts)
	bob := dialRelay(t, ts)
	handshake(t, alice, "alice", "client-a", "page-1")
	handshake(t, bob, "bob", "client-b", "page-1")

	delta := base64.StdEncoding.EncodeToString([]byte("opaque"))
	send(t, alice, protocol.TypeDelta, map[string]interface{}{
		"pageId": "page-1",
		"delta":  delta,
	})

	if msg := recvType(t, alice, protocol.TypeAck); msg.Field("pageId") != "page-1" {
		t.Errorf("ack pageId = %q, want page-1", msg.Field("pageId"))
	}

	relayed := recvType(t, bob, protocol.TypeDelta)
	if relayed.Field("delta") != delta {
		t.Errorf("relayed delta = %q, want %q", relayed.Field("delta"), delta)
	}
	if relayed.Field("clientId") != "client-a" {
		t.Errorf("relayed clientId = %q, want client-a", relayed.Field("clientId"))
	}
}

func TestRelayPresenceJoin(t *testing.T) {
	ts := startRelay(t)

	alice := dialRelay(t, ts)
	handshake(t, alice, "alice", "client-a", "page-1")

	bob := dialRelay(t, ts)
	handshake(t, bob, "bob", "client-b", "page-1")

	join := recvType(t, alice, protocol.TypePresenceJoin)
	if join.Field("userId") != "bob" {
		t.Errorf("presence_join userId = %q, want bob", join.Field("userId"))
	}
	sync := recvType(t, alice, protocol.TypePresenceSync)
	peers, _ := sync.Payload["peers"].([]interface{})
	if len(peers) != 2 {
		t.Errorf("presence_sync peers = %d, want 2", len(peers))
	}
}

func TestHealthEndpoint(t *testing.T) {
	store := storage.NewMemory()
	if err := store.Connect(context.Background()); err != nil {
		t.Fatalf("connecting memory store: %v", err)
	}
	s := New(&config.Config{JWTSecret: "test-secret-key-of-at-least-32-chars!!"}, store, nil)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %v, want healthy", body["status"])
	}
}
