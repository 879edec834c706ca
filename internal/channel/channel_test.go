package channel

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pagesync/pagesync/internal/protocol"
)

var upgrader = websocket.Upgrader{}

// scriptedRelay runs fn against each accepted connection.
func scriptedRelay(t *testing.T, fn func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		fn(conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// acceptHandshake consumes the auth and subscribe frames and replies with
// auth_success. Returns the decoded subscribe message.
func acceptHandshake(t *testing.T, conn *websocket.Conn) *protocol.Message {
	t.Helper()

	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Errorf("reading auth frame: %v", err)
		return nil
	}
	msg, err := protocol.Decode(raw)
	if err != nil || msg.Type != protocol.TypeAuth {
		t.Errorf("expected auth frame, got %v (err=%v)", msg, err)
		return nil
	}

	reply, _ := protocol.Encode(protocol.TypeAuthSuccess, map[string]interface{}{
		"id": msg.ID,
	}, time.Now().UnixMilli())
	if err := conn.WriteMessage(websocket.BinaryMessage, reply); err != nil {
		t.Errorf("writing auth_success: %v", err)
		return nil
	}

	_, raw, err = conn.ReadMessage()
	if err != nil {
		t.Errorf("reading subscribe frame: %v", err)
		return nil
	}
	sub, err := protocol.Decode(raw)
	if err != nil || sub.Type != protocol.TypeSubscribe {
		t.Errorf("expected subscribe frame, got %v (err=%v)", sub, err)
		return nil
	}
	return sub
}

func sendFrame(t *testing.T, conn *websocket.Conn, messageType string, payload map[string]interface{}) {
	t.Helper()
	frame, err := protocol.Encode(messageType, payload, time.Now().UnixMilli())
	if err != nil {
		t.Errorf("encoding %s: %v", messageType, err)
		return
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Errorf("writing %s: %v", messageType, err)
	}
}

func waitEvent[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestConnect_ReceivesEvents(t *testing.T) {
	snapshots := make(chan []byte, 1)
	deltas := make(chan DeltaEvent, 2)
	cursors := make(chan CursorEvent, 1)
	syncs := make(chan []Peer, 1)

	srv := scriptedRelay(t, func(conn *websocket.Conn) {
		defer conn.Close()
		sub := acceptHandshake(t, conn)
		if sub == nil {
			return
		}
		if got := sub.Field("pageId"); got != "page-1" {
			t.Errorf("subscribe pageId = %q, want %q", got, "page-1")
		}

		sendFrame(t, conn, protocol.TypeSyncResponse, map[string]interface{}{
			"pageId": "page-1",
			"state":  base64.StdEncoding.EncodeToString([]byte("snapshot")),
		})
		// Own broadcast must be excluded.
		sendFrame(t, conn, protocol.TypeDelta, map[string]interface{}{
			"pageId":   "page-1",
			"clientId": "client-self",
			"delta":    base64.StdEncoding.EncodeToString([]byte("echo")),
		})
		sendFrame(t, conn, protocol.TypeDelta, map[string]interface{}{
			"pageId":   "page-1",
			"clientId": "client-peer",
			"userId":   "user-2",
			"delta":    base64.StdEncoding.EncodeToString([]byte("peer-delta")),
		})
		sendFrame(t, conn, protocol.TypeCursor, map[string]interface{}{
			"pageId":   "page-1",
			"clientId": "client-peer",
			"userId":   "user-2",
			"offset":   4,
			"seq":      2,
		})
		sendFrame(t, conn, protocol.TypePresenceSync, map[string]interface{}{
			"pageId": "page-1",
			"peers": []interface{}{
				map[string]interface{}{"clientId": "client-peer", "userId": "user-2", "displayName": "Two"},
			},
		})

		// Keep the connection open until the client closes it.
		conn.ReadMessage()
	})
	defer srv.Close()

	c, err := Connect(context.Background(), Config{
		URL:      wsURL(srv),
		PageID:   "page-1",
		ClientID: "client-self",
		Handlers: Handlers{
			OnSnapshot:     func(s []byte) { snapshots <- s },
			OnDelta:        func(ev DeltaEvent) { deltas <- ev },
			OnCursor:       func(ev CursorEvent) { cursors <- ev },
			OnPresenceSync: func(peers []Peer) { syncs <- peers },
		},
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	if got := string(waitEvent(t, snapshots, "snapshot")); got != "snapshot" {
		t.Errorf("snapshot = %q, want %q", got, "snapshot")
	}

	ev := waitEvent(t, deltas, "peer delta")
	if ev.ClientID != "client-peer" || string(ev.Delta) != "peer-delta" {
		t.Errorf("delta event = %+v, want peer-delta from client-peer", ev)
	}
	if ev.UserID != "user-2" {
		t.Errorf("delta UserID = %q, want %q", ev.UserID, "user-2")
	}

	cur := waitEvent(t, cursors, "cursor")
	if cur.Offset != 4 || cur.Seq != 2 || cur.UserID != "user-2" {
		t.Errorf("cursor event = %+v, want offset 4 seq 2 from user-2", cur)
	}

	peers := waitEvent(t, syncs, "presence sync")
	if len(peers) != 1 || peers[0].UserID != "user-2" || peers[0].DisplayName != "Two" {
		t.Errorf("presence sync = %+v, want one peer user-2/Two", peers)
	}

	// The self-addressed delta must not have been delivered.
	select {
	case ev := <-deltas:
		t.Errorf("received own broadcast: %+v", ev)
	default:
	}
}

func TestPublishDelta_ReachesRelay(t *testing.T) {
	received := make(chan *protocol.Message, 1)

	srv := scriptedRelay(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if acceptHandshake(t, conn) == nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msg, err := protocol.Decode(raw); err == nil {
			received <- msg
		}
	})
	defer srv.Close()

	c, err := Connect(context.Background(), Config{URL: wsURL(srv), PageID: "page-1", ClientID: "client-self"})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	if err := c.PublishDelta([]byte{1, 2, 3}); err != nil {
		t.Fatalf("PublishDelta failed: %v", err)
	}

	msg := waitEvent(t, received, "published delta")
	if msg.Type != protocol.TypeDelta {
		t.Errorf("Type = %q, want %q", msg.Type, protocol.TypeDelta)
	}
	raw, err := base64.StdEncoding.DecodeString(msg.Field("delta"))
	if err != nil || len(raw) != 3 || raw[0] != 1 {
		t.Errorf("delta payload = %v (err=%v), want [1 2 3]", raw, err)
	}
	if msg.Field("clientId") != "client-self" {
		t.Errorf("clientId = %q, want %q", msg.Field("clientId"), "client-self")
	}
}

func TestPublishCursor_SequenceIncreases(t *testing.T) {
	received := make(chan *protocol.Message, 2)

	srv := scriptedRelay(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if acceptHandshake(t, conn) == nil {
			return
		}
		for i := 0; i < 2; i++ {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msg, err := protocol.Decode(raw); err == nil {
				received <- msg
			}
		}
	})
	defer srv.Close()

	c, err := Connect(context.Background(), Config{URL: wsURL(srv), PageID: "page-1", ClientID: "client-self"})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	if err := c.PublishCursor(3); err != nil {
		t.Fatalf("PublishCursor failed: %v", err)
	}
	if err := c.PublishCursor(7); err != nil {
		t.Fatalf("PublishCursor failed: %v", err)
	}

	first := waitEvent(t, received, "first cursor")
	second := waitEvent(t, received, "second cursor")

	seq1, _ := first.UintField("seq")
	seq2, _ := second.UintField("seq")
	if seq2 <= seq1 {
		t.Errorf("seq did not increase: %d then %d", seq1, seq2)
	}
	if offset, _ := second.IntField("offset"); offset != 7 {
		t.Errorf("offset = %d, want 7", offset)
	}
}

func TestPublish_DroppedWhileOffline(t *testing.T) {
	states := make(chan State, 4)

	srv := scriptedRelay(t, func(conn *websocket.Conn) {
		if acceptHandshake(t, conn) == nil {
			return
		}
		conn.Close() // drop immediately after handshake
	})
	defer srv.Close()

	c, err := Connect(context.Background(), Config{
		URL:            wsURL(srv),
		PageID:         "page-1",
		ClientID:       "client-self",
		ReconnectDelay: time.Hour, // stay offline for the duration of the test
		Handlers: Handlers{
			OnStateChange: func(s State) { states <- s },
		},
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	for {
		if s := waitEvent(t, states, "offline state"); s == StateOffline {
			break
		}
	}

	if err := c.PublishDelta([]byte{1}); !errors.Is(err, ErrOffline) {
		t.Errorf("PublishDelta while offline = %v, want ErrOffline", err)
	}
	if err := c.PublishCursor(0); !errors.Is(err, ErrOffline) {
		t.Errorf("PublishCursor while offline = %v, want ErrOffline", err)
	}
}

func TestConnect_AuthRejected(t *testing.T) {
	srv := scriptedRelay(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			return
		}
		reply, _ := protocol.Encode(protocol.TypeAuthError, map[string]interface{}{
			"id":    msg.ID,
			"error": "Invalid or expired token",
			"code":  "INVALID_TOKEN",
		}, time.Now().UnixMilli())
		conn.WriteMessage(websocket.BinaryMessage, reply)
	})
	defer srv.Close()

	_, err := Connect(context.Background(), Config{URL: wsURL(srv), PageID: "page-1", Token: "bad-token"})
	if err == nil {
		t.Fatal("expected Connect to fail on auth rejection")
	}
	if !strings.Contains(err.Error(), "auth rejected") {
		t.Errorf("error = %v, want auth rejection", err)
	}
}
