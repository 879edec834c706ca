// Package hub implements the relay side of the update broadcast channel: it
// tracks per-page subscribers, relays opaque document deltas and ephemeral
// cursor events with sender self-exclusion, and maintains the authoritative
// presence snapshot it pushes to every subscriber on membership changes.
package hub

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"log"
	"sync"
	"time"

	"github.com/pagesync/pagesync/internal/auth"
	"github.com/pagesync/pagesync/internal/protocol"
	"github.com/pagesync/pagesync/internal/security"
	"github.com/pagesync/pagesync/internal/storage"
)

const storeTimeout = 5 * time.Second

// peerState is one client's presence entry for a page.
type peerState struct {
	ClientID     string
	UserID       string
	DisplayName  string
	AvatarRef    string
	CursorOffset *int
	CursorSeq    uint64
}

// Hub maintains active connections and relays document traffic between them.
type Hub struct {
	jwtSecret string
	store     storage.Store
	fanout    *Fanout // nil when running single-instance
	limiter   *security.RateLimiter

	mu          sync.RWMutex
	connections map[string]*Connection
	subscribers map[string]map[string]bool // pageID -> connectionID

	peersMu sync.RWMutex
	peers   map[string]map[string]*peerState // pageID -> clientID

	Register      chan *Connection
	Unregister    chan *Connection
	HandleMessage chan *MessageEvent
}

// MessageEvent pairs an incoming message with its connection.
type MessageEvent struct {
	Connection *Connection
	Message    *protocol.Message
}

// NewHub creates a Hub. store serves the catch-up snapshot on subscribe;
// fanout may be nil.
func NewHub(jwtSecret string, store storage.Store, fanout *Fanout) *Hub {
	return &Hub{
		jwtSecret:     jwtSecret,
		store:         store,
		fanout:        fanout,
		limiter:       security.NewRateLimiter(),
		connections:   make(map[string]*Connection),
		subscribers:   make(map[string]map[string]bool),
		peers:         make(map[string]map[string]*peerState),
		Register:      make(chan *Connection),
		Unregister:    make(chan *Connection),
		HandleMessage: make(chan *MessageEvent, 256),
	}
}

// Run processes hub events. Call it once, in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()

		case conn := <-h.Unregister:
			h.dropConnection(conn)

		case event := <-h.HandleMessage:
			h.handleMessage(event.Connection, event.Message)
		}
	}
}

func (h *Hub) dropConnection(conn *Connection) {
	h.mu.Lock()
	if _, ok := h.connections[conn.ID]; !ok {
		h.mu.Unlock()
		return
	}
	pages := make([]string, 0, len(conn.Pages))
	for pageID := range conn.Pages {
		pages = append(pages, pageID)
		if subs, exists := h.subscribers[pageID]; exists {
			delete(subs, conn.ID)
			if len(subs) == 0 {
				delete(h.subscribers, pageID)
			}
		}
	}
	delete(h.connections, conn.ID)
	close(conn.send)
	h.mu.Unlock()

	h.limiter.RemoveConnection(conn.ID)

	// A dropped connection leaves every page it was on; subscribers get a
	// leave event plus the authoritative full sync.
	for _, pageID := range pages {
		h.removePeer(pageID, conn.ClientID)
		h.broadcastPresenceLeave(pageID, conn.UserID)
		h.broadcastPresenceSync(pageID)
		h.releaseFanout(pageID)
	}
}

func (h *Hub) handleMessage(conn *Connection, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		conn.SendMessage(protocol.TypePong, map[string]interface{}{
			"id": msg.ID,
		})

	case protocol.TypeAuth:
		h.handleAuth(conn, msg)

	case protocol.TypeSubscribe:
		h.handleSubscribe(conn, msg)

	case protocol.TypeUnsubscribe:
		h.handleUnsubscribe(conn, msg)

	case protocol.TypeDelta:
		h.handleDelta(conn, msg)

	case protocol.TypeCursor:
		h.handleCursor(conn, msg)
	}
}

func (h *Hub) handleAuth(conn *Connection, msg *protocol.Message) {
	token := msg.Field("token")

	if token != "" {
		claims, err := auth.VerifyToken(token, h.jwtSecret)
		if err != nil {
			conn.SendMessage(protocol.TypeAuthError, map[string]interface{}{
				"id":    msg.ID,
				"error": "Invalid or expired token",
				"code":  "INVALID_TOKEN",
			})
			return
		}
		conn.Authenticated = true
		conn.UserID = claims.UserID
		conn.Claims = claims
	} else {
		// Anonymous connection: full access, no admin.
		conn.Authenticated = true
		conn.UserID = msg.Field("userId")
		if conn.UserID == "" {
			conn.UserID = "anonymous"
		}
		conn.Claims = &auth.TokenClaims{
			UserID:      conn.UserID,
			Permissions: auth.MemberPermissions([]string{"*"}, []string{"*"}),
		}
	}

	if clientID := msg.Field("clientId"); clientID != "" {
		conn.ClientID = clientID
	} else {
		conn.ClientID = generateID()
	}

	conn.SendMessage(protocol.TypeAuthSuccess, map[string]interface{}{
		"id":     msg.ID,
		"userId": conn.UserID,
		"permissions": map[string]interface{}{
			"canRead":  conn.Claims.Permissions.CanRead,
			"canWrite": conn.Claims.Permissions.CanWrite,
			"isAdmin":  conn.Claims.Permissions.IsAdmin,
		},
	})
}

func (h *Hub) handleSubscribe(conn *Connection, msg *protocol.Message) {
	pageID := msg.Field("pageId")
	if !security.ValidPageID(pageID) {
		conn.SendError("Invalid pageId", "INVALID_REQUEST")
		return
	}
	if !auth.CanReadPage(conn.Claims, pageID) {
		conn.SendError("Not authorized to read this page", "FORBIDDEN")
		return
	}

	conn.Pages[pageID] = true
	h.mu.Lock()
	if _, exists := h.subscribers[pageID]; !exists {
		h.subscribers[pageID] = make(map[string]bool)
	}
	h.subscribers[pageID][conn.ID] = true
	h.mu.Unlock()
	h.acquireFanout(pageID)

	// Catch-up: the durable snapshot is the only replay mechanism; deltas
	// missed while away are never resent.
	state := h.loadSnapshot(pageID)
	conn.SendMessage(protocol.TypeSyncResponse, map[string]interface{}{
		"id":     msg.ID,
		"pageId": pageID,
		"state":  base64.StdEncoding.EncodeToString(state),
	})

	h.addPeer(pageID, &peerState{
		ClientID:    conn.ClientID,
		UserID:      conn.UserID,
		DisplayName: conn.Claims.DisplayName,
		AvatarRef:   conn.Claims.AvatarRef,
	})
	h.broadcastPresenceJoin(pageID, conn)
	h.broadcastPresenceSync(pageID)
}

func (h *Hub) handleUnsubscribe(conn *Connection, msg *protocol.Message) {
	pageID := msg.Field("pageId")
	if pageID == "" || !conn.Pages[pageID] {
		return
	}

	delete(conn.Pages, pageID)
	h.mu.Lock()
	if subs, exists := h.subscribers[pageID]; exists {
		delete(subs, conn.ID)
		if len(subs) == 0 {
			delete(h.subscribers, pageID)
		}
	}
	h.mu.Unlock()

	h.removePeer(pageID, conn.ClientID)
	h.broadcastPresenceLeave(pageID, conn.UserID)
	h.broadcastPresenceSync(pageID)
	h.releaseFanout(pageID)
}

func (h *Hub) handleDelta(conn *Connection, msg *protocol.Message) {
	pageID := msg.Field("pageId")
	if pageID == "" {
		conn.SendError("Missing pageId", "INVALID_REQUEST")
		return
	}
	if !auth.CanWritePage(conn.Claims, pageID) {
		conn.SendError("Not authorized to write this page", "FORBIDDEN")
		return
	}
	encoded := msg.Field("delta")
	if encoded == "" || len(encoded) > security.Limits.MaxDeltaSize {
		conn.SendError("Invalid delta", "INVALID_REQUEST")
		return
	}

	// The relay never interprets deltas; it annotates the sender and moves
	// the bytes along.
	payload := map[string]interface{}{
		"id":       msg.ID,
		"pageId":   pageID,
		"clientId": conn.ClientID,
		"userId":   conn.UserID,
		"delta":    encoded,
	}
	h.broadcast(pageID, protocol.TypeDelta, payload, conn.ID)
	h.mirror(pageID, protocol.TypeDelta, payload)

	conn.SendMessage(protocol.TypeAck, map[string]interface{}{
		"id":     msg.ID,
		"pageId": pageID,
	})
}

func (h *Hub) handleCursor(conn *Connection, msg *protocol.Message) {
	pageID := msg.Field("pageId")
	if pageID == "" || !conn.Pages[pageID] {
		return
	}
	offset, ok := msg.IntField("offset")
	if !ok {
		return
	}
	seq, _ := msg.UintField("seq")

	h.updatePeerCursor(pageID, conn.ClientID, offset, seq)

	payload := map[string]interface{}{
		"id":       msg.ID,
		"pageId":   pageID,
		"clientId": conn.ClientID,
		"userId":   conn.UserID,
		"offset":   offset,
		"seq":      seq,
	}
	h.broadcast(pageID, protocol.TypeCursor, payload, conn.ID)
	h.mirror(pageID, protocol.TypeCursor, payload)
}

// loadSnapshot fetches the persisted replica state for a page; a missing or
// failing store yields an empty snapshot rather than a failed subscribe.
func (h *Hub) loadSnapshot(pageID string) []byte {
	if h.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	doc, err := h.store.LoadDocument(ctx, pageID)
	if err != nil {
		log.Printf("hub: loading snapshot for %s: %v", pageID, err)
		return nil
	}
	if doc == nil {
		return nil
	}
	return doc.CRDTState
}

// broadcast sends a message to every subscriber of a page except the sender.
func (h *Hub) broadcast(pageID, messageType string, payload map[string]interface{}, senderConnID string) {
	h.mu.RLock()
	subs := h.subscribers[pageID]
	connIDs := make([]string, 0, len(subs))
	for connID := range subs {
		if connID != senderConnID {
			connIDs = append(connIDs, connID)
		}
	}
	h.mu.RUnlock()

	for _, connID := range connIDs {
		h.mu.RLock()
		conn := h.connections[connID]
		h.mu.RUnlock()
		if conn != nil {
			conn.SendMessage(messageType, payload)
		}
	}
}

// mirror forwards a frame to peer relay instances through Redis.
func (h *Hub) mirror(pageID, messageType string, payload map[string]interface{}) {
	if h.fanout == nil {
		return
	}
	frame, err := protocol.Encode(messageType, payload, time.Now().UnixMilli())
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.fanout.PublishFrame(ctx, pageID, frame); err != nil {
		log.Printf("hub: mirroring %s frame for %s: %v", messageType, pageID, err)
	}
}

// acquireFanout subscribes to the page's Redis channel when the first local
// subscriber arrives.
func (h *Hub) acquireFanout(pageID string) {
	if h.fanout == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := h.fanout.SubscribePage(ctx, pageID, func(frame []byte) {
		h.deliverMirrored(pageID, frame)
	})
	if err != nil {
		log.Printf("hub: subscribing fanout for %s: %v", pageID, err)
	}
}

// releaseFanout unsubscribes once no local subscriber remains.
func (h *Hub) releaseFanout(pageID string) {
	if h.fanout == nil {
		return
	}
	h.mu.RLock()
	remaining := len(h.subscribers[pageID])
	h.mu.RUnlock()
	if remaining > 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	h.fanout.UnsubscribePage(ctx, pageID)
}

// deliverMirrored relays a frame received from a peer relay to all local
// subscribers. The original sender is not connected here, so nobody is
// excluded.
func (h *Hub) deliverMirrored(pageID string, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		log.Printf("hub: mirrored frame malformed: %v", err)
		return
	}
	h.broadcast(pageID, msg.Type, msg.Payload, "")
}

// --- presence -------------------------------------------------------------

func (h *Hub) addPeer(pageID string, peer *peerState) {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	if h.peers[pageID] == nil {
		h.peers[pageID] = make(map[string]*peerState)
	}
	h.peers[pageID][peer.ClientID] = peer
}

func (h *Hub) removePeer(pageID, clientID string) {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	if peers, ok := h.peers[pageID]; ok {
		delete(peers, clientID)
		if len(peers) == 0 {
			delete(h.peers, pageID)
		}
	}
}

func (h *Hub) updatePeerCursor(pageID, clientID string, offset int, seq uint64) {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	peer, ok := h.peers[pageID][clientID]
	if !ok || seq <= peer.CursorSeq {
		return
	}
	peer.CursorOffset = &offset
	peer.CursorSeq = seq
}

// peerSnapshot builds the presence_sync payload entry list for a page.
func (h *Hub) peerSnapshot(pageID string) []interface{} {
	h.peersMu.RLock()
	defer h.peersMu.RUnlock()

	peers := make([]interface{}, 0, len(h.peers[pageID]))
	for _, p := range h.peers[pageID] {
		entry := map[string]interface{}{
			"clientId":    p.ClientID,
			"userId":      p.UserID,
			"displayName": p.DisplayName,
			"avatarRef":   p.AvatarRef,
			"cursorSeq":   p.CursorSeq,
		}
		if p.CursorOffset != nil {
			entry["cursorOffset"] = *p.CursorOffset
		}
		peers = append(peers, entry)
	}
	return peers
}

// broadcastPresenceSync pushes the full authoritative peer list to every
// subscriber, replacing whatever membership they had accumulated.
func (h *Hub) broadcastPresenceSync(pageID string) {
	h.broadcast(pageID, protocol.TypePresenceSync, map[string]interface{}{
		"id":     generateID(),
		"pageId": pageID,
		"peers":  h.peerSnapshot(pageID),
	}, "")
}

func (h *Hub) broadcastPresenceJoin(pageID string, conn *Connection) {
	h.broadcast(pageID, protocol.TypePresenceJoin, map[string]interface{}{
		"id":          generateID(),
		"pageId":      pageID,
		"clientId":    conn.ClientID,
		"userId":      conn.UserID,
		"displayName": conn.Claims.DisplayName,
		"avatarRef":   conn.Claims.AvatarRef,
	}, conn.ID)
}

func (h *Hub) broadcastPresenceLeave(pageID, userID string) {
	h.broadcast(pageID, protocol.TypePresenceLeave, map[string]interface{}{
		"id":     generateID(),
		"pageId": pageID,
		"userId": userID,
	}, "")
}

func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
