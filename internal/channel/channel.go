// Package channel is the client side of the update broadcast channel: a
// per-document websocket connection to the relay carrying opaque document
// deltas and ephemeral cursor/presence events.
//
// Delivery guarantees are deliberately weak. Ordering across senders is not
// guaranteed, and publishes while offline are dropped rather than queued; the
// replicated document's order-independent merge is what makes that safe for
// deltas, and cursors are latest-wins with a per-sender sequence guard.
package channel

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pagesync/pagesync/internal/protocol"

	"github.com/google/uuid"
)

// Errors returned by publish operations.
var (
	ErrOffline = errors.New("channel offline: event dropped")
	ErrClosed  = errors.New("channel closed")
)

// State is the channel's connection state.
type State int

const (
	StateConnecting State = iota
	StateOnline
	StateOffline
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// DeltaEvent is a peer's document delta.
type DeltaEvent struct {
	ClientID string
	UserID   string
	Delta    []byte
}

// CursorEvent is a peer's cursor broadcast.
type CursorEvent struct {
	ClientID string
	UserID   string
	Offset   int
	Seq      uint64
}

// Peer is one entry of a presence snapshot or join event.
type Peer struct {
	ClientID     string
	UserID       string
	DisplayName  string
	AvatarRef    string
	CursorOffset *int
	CursorSeq    uint64
}

// Handlers receive channel events. All handlers are optional; they are
// invoked from the channel's reader goroutine. Errors arrive on OnError as
// data, never as panics into the caller.
type Handlers struct {
	OnDelta         func(DeltaEvent)
	OnSnapshot      func(state []byte)
	OnCursor        func(CursorEvent)
	OnPresenceSync  func([]Peer)
	OnPresenceJoin  func(Peer)
	OnPresenceLeave func(userID string)
	OnStateChange   func(State)
	OnError         func(error)
}

// Config configures a channel connection.
type Config struct {
	URL      string // relay websocket endpoint, e.g. ws://host:8080/ws
	PageID   string
	ClientID string // one per open document per client process
	Token    string // JWT channel token; empty connects anonymously

	// ReconnectDelay is the fixed backoff between reconnect attempts.
	ReconnectDelay time.Duration

	Handlers Handlers
	Dialer   *websocket.Dialer
}

const (
	defaultReconnectDelay = 2 * time.Second
	handshakeTimeout      = 10 * time.Second
)

// Channel is a connected broadcast channel handle.
type Channel struct {
	cfg Config

	mu        sync.Mutex // guards conn, state, cursorSeq
	conn      *websocket.Conn
	state     State
	cursorSeq uint64

	writeMu sync.Mutex
	done    chan struct{}
}

// Connect dials the relay, authenticates, and subscribes to the document.
// The returned channel keeps itself subscribed across transient disconnects;
// missed deltas are not replayed, so the session must re-merge from the
// persisted snapshot delivered on each (re)subscribe.
func Connect(ctx context.Context, cfg Config) (*Channel, error) {
	if cfg.PageID == "" {
		return nil, errors.New("channel: PageID is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	c := &Channel{
		cfg:   cfg,
		state: StateConnecting,
		done:  make(chan struct{}),
	}

	conn, err := c.handshake(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateOnline)

	go c.readLoop(conn)
	return c, nil
}

// ClientID returns the channel's client id.
func (c *Channel) ClientID() string { return c.cfg.ClientID }

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PublishDelta broadcasts an opaque document delta. While offline the event
// is dropped and ErrOffline returned; the local replica keeps the edit and
// reconciliation happens from the durable snapshot after reconnect.
func (c *Channel) PublishDelta(delta []byte) error {
	return c.send(protocol.TypeDelta, map[string]interface{}{
		"id":       uuid.NewString(),
		"pageId":   c.cfg.PageID,
		"clientId": c.cfg.ClientID,
		"delta":    base64.StdEncoding.EncodeToString(delta),
	})
}

// PublishCursor broadcasts the local caret offset as an ephemeral event with
// a monotonic per-sender sequence number, so receivers can drop reordered
// cursor updates.
func (c *Channel) PublishCursor(offset int) error {
	c.mu.Lock()
	c.cursorSeq++
	seq := c.cursorSeq
	c.mu.Unlock()

	return c.send(protocol.TypeCursor, map[string]interface{}{
		"id":       uuid.NewString(),
		"pageId":   c.cfg.PageID,
		"clientId": c.cfg.ClientID,
		"offset":   offset,
		"seq":      seq,
	})
}

// Close unsubscribes and shuts the channel down. Safe to call twice.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	conn := c.conn
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		conn.Close()
	}
	c.notifyState(StateClosed)
	return nil
}

func (c *Channel) send(messageType string, payload map[string]interface{}) error {
	c.mu.Lock()
	state := c.state
	conn := c.conn
	c.mu.Unlock()

	switch state {
	case StateClosed:
		return ErrClosed
	case StateOnline:
		// proceed
	default:
		return ErrOffline
	}

	frame, err := protocol.Encode(messageType, payload, time.Now().UnixMilli())
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("channel write failed: %w", err)
	}
	return nil
}

// handshake dials, authenticates, and subscribes on a fresh connection.
func (c *Channel) handshake(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("channel dial failed: %w", err)
	}

	authFrame, err := protocol.Encode(protocol.TypeAuth, map[string]interface{}{
		"id":       uuid.NewString(),
		"token":    c.cfg.Token,
		"clientId": c.cfg.ClientID,
	}, time.Now().UnixMilli())
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, authFrame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("channel auth write failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("channel auth read failed: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	reply, err := protocol.Decode(raw)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("channel auth reply malformed: %w", err)
	}
	switch reply.Type {
	case protocol.TypeAuthSuccess:
	case protocol.TypeAuthError:
		conn.Close()
		return nil, fmt.Errorf("channel auth rejected: %s", reply.Field("error"))
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake reply %q", reply.Type)
	}

	subFrame, err := protocol.Encode(protocol.TypeSubscribe, map[string]interface{}{
		"id":     uuid.NewString(),
		"pageId": c.cfg.PageID,
	}, time.Now().UnixMilli())
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, subFrame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("channel subscribe write failed: %w", err)
	}

	return conn, nil
}

// readLoop consumes frames until the connection drops, then hands off to the
// reconnect loop.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			select {
			case <-c.done:
				return
			default:
			}
			c.setState(StateOffline)
			c.reportError(fmt.Errorf("channel connection lost: %w", err))
			c.reconnectLoop()
			return
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			c.reportError(fmt.Errorf("channel received malformed frame: %w", err))
			continue
		}
		c.dispatch(msg)
	}
}

// reconnectLoop re-dials on a fixed delay. On success it re-subscribes,
// which re-announces presence and triggers a fresh snapshot from the relay;
// deltas missed while offline are not replayed.
func (c *Channel) reconnectLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		conn, err := c.handshake(ctx)
		cancel()
		if err != nil {
			c.reportError(fmt.Errorf("channel reconnect failed: %w", err))
			continue
		}

		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateOnline)

		go c.readLoop(conn)
		return
	}
}

// dispatch routes one decoded frame to its handler, always excluding our own
// broadcasts.
func (c *Channel) dispatch(msg *protocol.Message) {
	h := c.cfg.Handlers
	switch msg.Type {
	case protocol.TypeDelta:
		if msg.Field("clientId") == c.cfg.ClientID {
			return
		}
		raw, err := base64.StdEncoding.DecodeString(msg.Field("delta"))
		if err != nil {
			c.reportError(fmt.Errorf("channel delta payload malformed: %w", err))
			return
		}
		if h.OnDelta != nil {
			h.OnDelta(DeltaEvent{
				ClientID: msg.Field("clientId"),
				UserID:   msg.Field("userId"),
				Delta:    raw,
			})
		}

	case protocol.TypeSyncResponse:
		raw, err := base64.StdEncoding.DecodeString(msg.Field("state"))
		if err != nil {
			c.reportError(fmt.Errorf("channel snapshot payload malformed: %w", err))
			return
		}
		if h.OnSnapshot != nil {
			h.OnSnapshot(raw)
		}

	case protocol.TypeCursor:
		if msg.Field("clientId") == c.cfg.ClientID {
			return
		}
		offset, ok := msg.IntField("offset")
		if !ok {
			return
		}
		seq, _ := msg.UintField("seq")
		if h.OnCursor != nil {
			h.OnCursor(CursorEvent{
				ClientID: msg.Field("clientId"),
				UserID:   msg.Field("userId"),
				Offset:   offset,
				Seq:      seq,
			})
		}

	case protocol.TypePresenceSync:
		peers := decodePeers(msg.Payload["peers"])
		if h.OnPresenceSync != nil {
			h.OnPresenceSync(peers)
		}

	case protocol.TypePresenceJoin:
		if h.OnPresenceJoin != nil {
			h.OnPresenceJoin(decodePeer(msg.Payload))
		}

	case protocol.TypePresenceLeave:
		if h.OnPresenceLeave != nil {
			h.OnPresenceLeave(msg.Field("userId"))
		}

	case protocol.TypeAck, protocol.TypePong:
		// nothing to do

	case protocol.TypeError:
		c.reportError(fmt.Errorf("relay error: %s (%s)", msg.Field("error"), msg.Field("code")))
	}
}

func decodePeers(v interface{}) []Peer {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	peers := make([]Peer, 0, len(list))
	for _, entry := range list {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		peers = append(peers, decodePeer(m))
	}
	return peers
}

func decodePeer(m map[string]interface{}) Peer {
	p := Peer{}
	if v, ok := m["clientId"].(string); ok {
		p.ClientID = v
	}
	if v, ok := m["userId"].(string); ok {
		p.UserID = v
	}
	if v, ok := m["displayName"].(string); ok {
		p.DisplayName = v
	}
	if v, ok := m["avatarRef"].(string); ok {
		p.AvatarRef = v
	}
	if v, ok := m["cursorOffset"].(float64); ok {
		offset := int(v)
		p.CursorOffset = &offset
	}
	if v, ok := m["cursorSeq"].(float64); ok && v >= 0 {
		p.CursorSeq = uint64(v)
	}
	return p
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.notifyState(s)
}

func (c *Channel) notifyState(s State) {
	if c.cfg.Handlers.OnStateChange != nil {
		c.cfg.Handlers.OnStateChange(s)
	}
}

func (c *Channel) reportError(err error) {
	if c.cfg.Handlers.OnError != nil {
		c.cfg.Handlers.OnError(err)
	}
}
