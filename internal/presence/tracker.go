// Package presence tracks the set of users connected to a document session.
// Presence is ephemeral: the canonical record set is replaced wholesale by
// each full sync from the transport, so nothing here survives a session.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Record is one connected user's presence state.
type Record struct {
	UserID       string
	ClientID     string
	DisplayName  string
	ColorTag     string
	AvatarRef    string
	CursorOffset *int
	CursorSeq    uint64
	LastSeenAt   time.Time
}

// Tracker holds the presence records for one document session. Methods are
// safe for concurrent use; the record set is mutated only through transport
// events and read by the cursor renderer and header UI.
type Tracker struct {
	selfID  string
	mu      sync.RWMutex
	records map[string]*Record
}

// NewTracker creates a tracker for a session owned by selfID.
func NewTracker(selfID string) *Tracker {
	return &Tracker{
		selfID:  selfID,
		records: make(map[string]*Record),
	}
}

// OnSync replaces the entire record set from a full presence snapshot. This
// is the authoritative path; join and leave events are advisory only.
func (t *Tracker) OnSync(records []Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := make(map[string]*Record, len(records))
	for _, r := range records {
		r := r
		if r.LastSeenAt.IsZero() {
			r.LastSeenAt = time.Now()
		}
		// Carry over a fresher cursor than the snapshot's, so a sync
		// racing a cursor broadcast cannot move a cursor backward.
		if prev, ok := t.records[r.UserID]; ok && prev.CursorSeq > r.CursorSeq {
			r.CursorOffset = prev.CursorOffset
			r.CursorSeq = prev.CursorSeq
		}
		next[r.UserID] = &r
	}
	t.records = next
}

// OnJoin upserts a record ahead of the next full sync.
func (t *Tracker) OnJoin(record Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if record.LastSeenAt.IsZero() {
		record.LastSeenAt = time.Now()
	}
	t.records[record.UserID] = &record
}

// OnLeave removes a user's record, and with it any cursor the renderer would
// have drawn for them.
func (t *Tracker) OnLeave(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, userID)
}

// UpdateCursor records a cursor broadcast. Events with a sequence number at
// or below the last applied one are stale and dropped. Returns whether the
// cursor moved.
func (t *Tracker) UpdateCursor(userID string, offset int, seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[userID]
	if !ok {
		return false
	}
	if seq <= r.CursorSeq {
		return false
	}
	r.CursorOffset = &offset
	r.CursorSeq = seq
	r.LastSeenAt = time.Now()
	return true
}

// ActiveUsers returns everyone but self, ordered by user id for stable
// rendering.
func (t *Tracker) ActiveUsers() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Record, 0, len(t.records))
	for id, r := range t.records {
		if id == t.selfID {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Get returns one user's record.
func (t *Tracker) Get(userID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.records[userID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}
