// Package session ties one open page together: the local CRDT replica, the
// broadcast channel, presence, cursor overlays, edit highlights and the
// autosave coordinator. Sessions are created per page view and disposed when
// the view closes; nothing here is process-global.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pagesync/pagesync/internal/autosave"
	"github.com/pagesync/pagesync/internal/channel"
	"github.com/pagesync/pagesync/internal/crdt"
	"github.com/pagesync/pagesync/internal/highlight"
	"github.com/pagesync/pagesync/internal/identity"
	"github.com/pagesync/pagesync/internal/overlay"
	"github.com/pagesync/pagesync/internal/presence"
	"github.com/pagesync/pagesync/internal/storage"
)

var (
	ErrClosed        = errors.New("session closed")
	ErrMissingPageID = errors.New("session: PageID is required")
	ErrMissingStore  = errors.New("session: Store is required")
)

// Options configures an open page session.
type Options struct {
	PageID string

	// RelayURL is the relay websocket endpoint. Empty opens the session
	// offline: edits apply locally and persist, nothing is broadcast.
	RelayURL string
	Token    string

	Store    storage.Store
	Identity identity.Provider

	Debounce       time.Duration
	RetryDelay     time.Duration
	ReconnectDelay time.Duration
	HighlightDecay time.Duration

	// OnSaveResult receives the outcome of every autosave attempt.
	OnSaveResult func(error)
	// OnChange fires after the document content changes for any reason.
	OnChange func()
}

// Session is one user's open view of a collaborative page.
type Session struct {
	opts     Options
	clientID string
	self     identity.Profile

	doc     *crdt.Document
	ch      *channel.Channel // nil when offline
	tracker *presence.Tracker
	saver   *autosave.Coordinator
	ident   identity.Provider

	mu          sync.Mutex
	prevTree    *highlight.Tree
	annotations []highlight.Annotation
	closed      bool
}

// Open creates a session for a page, loads the persisted snapshot and, when a
// relay URL is configured, connects the broadcast channel.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.PageID == "" {
		return nil, ErrMissingPageID
	}
	if opts.Store == nil {
		return nil, ErrMissingStore
	}
	ident := opts.Identity
	if ident == nil {
		ident = &identity.StaticProvider{
			SelfProfile: identity.Profile{ID: "anonymous", DisplayName: "Anonymous"},
		}
	}
	if opts.HighlightDecay == 0 {
		opts.HighlightDecay = highlight.DefaultDecay
	}

	s := &Session{
		opts:     opts,
		clientID: uuid.NewString(),
		self:     ident.Self(),
		ident:    ident,
	}
	s.doc = crdt.New(s.clientID)
	s.tracker = presence.NewTracker(s.self.ID)

	// Durable snapshot first: offline opens still show the last saved state.
	doc, err := opts.Store.LoadDocument(ctx, opts.PageID)
	if err != nil {
		return nil, err
	}
	if doc != nil && len(doc.CRDTState) > 0 {
		if err := s.doc.Load(doc.CRDTState); err != nil {
			return nil, err
		}
	}
	s.prevTree = highlight.TreeFromText(s.doc.Content())

	s.saver = autosave.New(autosave.Config{
		Debounce:   opts.Debounce,
		RetryDelay: opts.RetryDelay,
		Save:       s.persist,
		OnResult:   opts.OnSaveResult,
	})

	if opts.RelayURL != "" {
		ch, err := channel.Connect(ctx, channel.Config{
			URL:            opts.RelayURL,
			PageID:         opts.PageID,
			ClientID:       s.clientID,
			Token:          opts.Token,
			ReconnectDelay: opts.ReconnectDelay,
			Handlers: channel.Handlers{
				OnDelta:         s.handleDelta,
				OnSnapshot:      s.handleSnapshot,
				OnCursor:        s.handleCursor,
				OnPresenceSync:  s.handlePresenceSync,
				OnPresenceJoin:  s.handlePresenceJoin,
				OnPresenceLeave: s.handlePresenceLeave,
				OnError: func(err error) {
					log.Printf("session %s: channel: %v", opts.PageID, err)
				},
			},
		})
		if err != nil {
			s.saver.Close()
			return nil, err
		}
		s.ch = ch
	}

	return s, nil
}

// ClientID returns the replica id this session edits under.
func (s *Session) ClientID() string { return s.clientID }

// Content returns the current visible text.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Content()
}

// Len returns the visible text length in runes.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Len()
}

// Insert applies a local insert, schedules persistence and broadcasts the
// delta. Broadcast failures while offline are silent; the edit stays local
// and reconciles on reconnect.
func (s *Session) Insert(offset int, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	delta, err := s.doc.InsertAt(offset, text)
	if err != nil || delta == nil {
		// Empty text yields no delta; nothing to save or broadcast.
		s.mu.Unlock()
		return err
	}
	s.afterLocalEdit()
	s.mu.Unlock()

	s.publishDelta(delta)
	return nil
}

// Delete applies a local delete of n runes at offset.
func (s *Session) Delete(offset, n int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	delta, err := s.doc.DeleteAt(offset, n)
	if err != nil || delta == nil {
		// A zero-length delete yields no delta; nothing to save or broadcast.
		s.mu.Unlock()
		return err
	}
	s.afterLocalEdit()
	s.mu.Unlock()

	s.publishDelta(delta)
	return nil
}

// SetCursor broadcasts the local caret position. No-op while offline.
func (s *Session) SetCursor(offset int) {
	if s.ch == nil {
		return
	}
	if err := s.ch.PublishCursor(offset); err != nil && !errors.Is(err, channel.ErrOffline) {
		log.Printf("session %s: publishing cursor: %v", s.opts.PageID, err)
	}
}

// ActiveUsers returns presence records for everyone else on the page.
func (s *Session) ActiveUsers() []presence.Record {
	return s.tracker.ActiveUsers()
}

// CursorDecorations renders remote carets against the current document.
func (s *Session) CursorDecorations() []overlay.Decoration {
	records := s.tracker.ActiveUsers()
	cursors := make([]overlay.Cursor, 0, len(records))
	for _, r := range records {
		if r.CursorOffset == nil {
			continue
		}
		cursors = append(cursors, overlay.Cursor{
			UserID: r.UserID,
			Offset: *r.CursorOffset,
			Color:  r.ColorTag,
			Label:  r.DisplayName,
		})
	}
	return overlay.Render(cursors, s.Len())
}

// Annotations returns the edit highlights still inside their decay window.
func (s *Session) Annotations(now time.Time) []highlight.Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return highlight.Active(s.annotations, now, s.opts.HighlightDecay)
}

// Flush forces any pending autosave to complete.
func (s *Session) Flush(ctx context.Context) error {
	return s.saver.Flush(ctx)
}

// Close flushes pending saves and disposes the channel. The session must not
// be used afterwards.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.saver.Flush(ctx)
	s.saver.Close()
	if s.ch != nil {
		if cerr := s.ch.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// afterLocalEdit refreshes the highlight baseline and schedules persistence.
// Caller holds s.mu.
func (s *Session) afterLocalEdit() {
	s.prevTree = highlight.TreeFromText(s.doc.Content())
	s.saver.Schedule(s.doc.Save())
}

func (s *Session) publishDelta(delta crdt.Delta) {
	if s.ch == nil {
		return
	}
	if err := s.ch.PublishDelta(delta); err != nil && !errors.Is(err, channel.ErrOffline) {
		log.Printf("session %s: publishing delta: %v", s.opts.PageID, err)
	}
}

// persist writes a replica snapshot to the durable store. It rebuilds the
// plain text from the snapshot so content and CRDT state always match.
func (s *Session) persist(ctx context.Context, payload []byte) error {
	scratch := crdt.New("snapshot")
	if err := scratch.Load(payload); err != nil {
		return err
	}
	_, err := s.opts.Store.SaveDocument(ctx, s.opts.PageID, scratch.Content(), payload)
	return err
}

// --- channel handlers -----------------------------------------------------

func (s *Session) handleDelta(ev channel.DeltaEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	before := s.prevTree
	if err := s.doc.ApplyDelta(ev.Delta); err != nil {
		s.mu.Unlock()
		log.Printf("session %s: applying remote delta: %v", s.opts.PageID, err)
		return
	}
	after := highlight.TreeFromText(s.doc.Content())
	s.prevTree = after

	now := time.Now()
	editors := []highlight.Attribution{{
		UserID: ev.UserID,
		Color:  s.colorFor(ev.UserID),
	}}
	fresh := highlight.Compute(before, after, editors, now)
	s.annotations = append(highlight.Active(s.annotations, now, s.opts.HighlightDecay), fresh...)

	s.saver.Schedule(s.doc.Save())
	s.mu.Unlock()

	s.notifyChange()
}

// handleSnapshot reconciles with the relay's authoritative snapshot. It runs
// on first subscribe and after every reconnect; merging is idempotent, and
// any offline edits are pushed back so peers converge too.
func (s *Session) handleSnapshot(state []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// Cells, not Len: a replica whose offline edits were all deletions is
	// visibly empty but still holds tombstones the peers need.
	hadLocal := s.doc.Cells() > 0

	if len(state) > 0 {
		if err := s.doc.ApplyDelta(state); err != nil {
			s.mu.Unlock()
			log.Printf("session %s: merging snapshot: %v", s.opts.PageID, err)
			return
		}
	}
	s.prevTree = highlight.TreeFromText(s.doc.Content())

	var resync crdt.Delta
	if hadLocal {
		resync = s.doc.Save()
	}
	s.saver.Schedule(s.doc.Save())
	s.mu.Unlock()

	if resync != nil {
		s.publishDelta(resync)
	}
	s.notifyChange()
}

func (s *Session) handleCursor(ev channel.CursorEvent) {
	s.tracker.UpdateCursor(ev.UserID, ev.Offset, ev.Seq)
}

func (s *Session) handlePresenceSync(peers []channel.Peer) {
	records := make([]presence.Record, 0, len(peers))
	for _, p := range peers {
		records = append(records, s.peerRecord(p))
	}
	s.tracker.OnSync(records)
}

func (s *Session) handlePresenceJoin(peer channel.Peer) {
	s.tracker.OnJoin(s.peerRecord(peer))
}

func (s *Session) handlePresenceLeave(userID string) {
	s.tracker.OnLeave(userID)
}

// peerRecord enriches a wire peer with the identity service's profile when
// one is known.
func (s *Session) peerRecord(p channel.Peer) presence.Record {
	displayName := p.DisplayName
	avatarRef := p.AvatarRef
	if profile, ok := s.ident.Member(p.UserID); ok {
		if profile.DisplayName != "" {
			displayName = profile.DisplayName
		}
		if profile.AvatarRef != "" {
			avatarRef = profile.AvatarRef
		}
	}
	return presence.Record{
		UserID:       p.UserID,
		ClientID:     p.ClientID,
		DisplayName:  displayName,
		ColorTag:     identity.ColorFor(p.UserID),
		AvatarRef:    avatarRef,
		CursorOffset: p.CursorOffset,
		CursorSeq:    p.CursorSeq,
		LastSeenAt:   time.Now(),
	}
}

func (s *Session) colorFor(userID string) string {
	if r, ok := s.tracker.Get(userID); ok && r.ColorTag != "" {
		return r.ColorTag
	}
	return identity.ColorFor(userID)
}

func (s *Session) notifyChange() {
	if s.opts.OnChange != nil {
		s.opts.OnChange()
	}
}
