// Package crdt implements the replicated document store: a sequence CRDT
// holding rich-text content as a run of characters with per-insertion
// identifiers, so replicas that exchange deltas in any order converge to
// identical content.
package crdt

import (
	"errors"
	"fmt"
)

// Errors returned by document operations.
var (
	ErrOutOfRange     = errors.New("offset out of range")
	ErrMalformedDelta = errors.New("malformed delta")
)

// ID uniquely identifies one inserted character across all replicas.
// Counter is a Lamport-style logical clock; Client breaks ties. The total
// order (Counter, then Client) is what makes concurrent sibling insertions
// converge identically everywhere.
type ID struct {
	Client  string
	Counter uint64
}

// less reports whether a orders before b.
func (a ID) less(b ID) bool {
	if a.Counter != b.Counter {
		return a.Counter < b.Counter
	}
	return a.Client < b.Client
}

// head is the sentinel parent of the first character.
var head = ID{}

// cell is one character in the sequence. Deleted cells become tombstones and
// are never physically removed, so concurrent operations that reference them
// still resolve.
type cell struct {
	id      ID
	r       rune
	deleted bool
	// children are cells inserted directly after this one, kept in
	// descending ID order so newer concurrent insertions sort first.
	children []*cell
}

// Document is one replica of a collaboratively edited page body.
//
// A Document is exclusively owned by the editing session that created it and
// is not safe for concurrent use; remote replicas influence it only through
// ApplyDelta.
type Document struct {
	clientID string
	counter  uint64

	root  *cell // sentinel; holds no rune
	cells map[ID]*cell

	// pending buffers operations whose parent (insert) or target (delete)
	// has not arrived yet. They replay as soon as the missing cell appears.
	pendingInserts map[ID][]op
	pendingDeletes map[ID]bool

	order []*cell // visible cells in document order; nil when stale

	subs    map[int]func()
	nextSub int
}

// New creates an empty replica owned by clientID.
func New(clientID string) *Document {
	root := &cell{id: head}
	return &Document{
		clientID:       clientID,
		root:           root,
		cells:          map[ID]*cell{head: root},
		pendingInserts: make(map[ID][]op),
		pendingDeletes: make(map[ID]bool),
		subs:           make(map[int]func()),
	}
}

// ClientID returns the replica's owner id.
func (d *Document) ClientID() string { return d.clientID }

// Subscribe registers fn to run after every content change, local or remote.
// The returned function removes the registration.
func (d *Document) Subscribe(fn func()) func() {
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	return func() { delete(d.subs, id) }
}

func (d *Document) notify() {
	for _, fn := range d.subs {
		fn()
	}
}

// InsertAt inserts text at the given visible offset and returns the delta to
// broadcast to peers. Offset 0 is before the first character; Len() appends.
func (d *Document) InsertAt(offset int, text string) (Delta, error) {
	visible := d.visible()
	if offset < 0 || offset > len(visible) {
		return nil, fmt.Errorf("insert at %d in document of length %d: %w", offset, len(visible), ErrOutOfRange)
	}
	if text == "" {
		return nil, nil
	}

	parent := head
	if offset > 0 {
		parent = visible[offset-1].id
	}

	ops := make([]op, 0, len(text))
	for _, r := range text {
		d.counter++
		id := ID{Client: d.clientID, Counter: d.counter}
		o := op{kind: opInsert, id: id, parent: parent, r: r}
		d.applyInsert(o)
		ops = append(ops, o)
		parent = id
	}

	d.order = nil
	d.notify()
	return encodeOps(ops), nil
}

// DeleteAt tombstones n visible characters starting at offset and returns the
// delta to broadcast.
func (d *Document) DeleteAt(offset, n int) (Delta, error) {
	visible := d.visible()
	if offset < 0 || n < 0 || offset+n > len(visible) {
		return nil, fmt.Errorf("delete [%d,%d) in document of length %d: %w", offset, offset+n, len(visible), ErrOutOfRange)
	}
	if n == 0 {
		return nil, nil
	}

	ops := make([]op, 0, n)
	for _, c := range visible[offset : offset+n] {
		c.deleted = true
		ops = append(ops, op{kind: opDelete, id: c.id})
	}

	d.order = nil
	d.notify()
	return encodeOps(ops), nil
}

// ApplyDelta merges a delta produced by any replica (including this one).
// Application is idempotent and order-independent: duplicates are no-ops and
// operations arriving before their dependencies are buffered. A delta that
// fails to decode is rejected whole; no partial application occurs.
func (d *Document) ApplyDelta(delta []byte) error {
	ops, err := decodeOps(delta)
	if err != nil {
		return err
	}

	changed := false
	for _, o := range ops {
		if d.applyOp(o) {
			changed = true
		}
	}

	if changed {
		d.order = nil
		d.notify()
	}
	return nil
}

// applyOp applies one remote operation, returning whether content changed.
func (d *Document) applyOp(o op) bool {
	// Keep the logical clock ahead of everything observed.
	if o.id.Counter > d.counter {
		d.counter = o.id.Counter
	}

	switch o.kind {
	case opInsert:
		if _, seen := d.cells[o.id]; seen {
			return false
		}
		if _, ok := d.cells[o.parent]; !ok {
			d.pendingInserts[o.parent] = append(d.pendingInserts[o.parent], o)
			return false
		}
		d.applyInsert(o)
		d.flushPending(o.id)
		return true

	case opDelete:
		c, ok := d.cells[o.id]
		if !ok {
			d.pendingDeletes[o.id] = true
			return false
		}
		if c.deleted {
			return false
		}
		c.deleted = true
		return true
	}
	return false
}

// applyInsert links a new cell under its parent. The parent must exist.
func (d *Document) applyInsert(o op) {
	parent := d.cells[o.parent]
	c := &cell{id: o.id, r: o.r}
	if d.pendingDeletes[o.id] {
		c.deleted = true
		delete(d.pendingDeletes, o.id)
	}
	d.cells[o.id] = c

	// Insert into the sibling list keeping descending ID order.
	i := 0
	for i < len(parent.children) && o.id.less(parent.children[i].id) {
		i++
	}
	parent.children = append(parent.children, nil)
	copy(parent.children[i+1:], parent.children[i:])
	parent.children[i] = c
}

// flushPending replays buffered inserts that were waiting on id, cascading
// through any chains they unblock.
func (d *Document) flushPending(id ID) {
	queue := []ID{id}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		waiting := d.pendingInserts[next]
		if len(waiting) == 0 {
			continue
		}
		delete(d.pendingInserts, next)
		for _, o := range waiting {
			if _, seen := d.cells[o.id]; seen {
				continue
			}
			d.applyInsert(o)
			queue = append(queue, o.id)
		}
	}
}

// visible returns the visible cells in document order, rebuilding the cached
// linearization if stale. Order is a depth-first walk: each cell is followed
// by its children (newest sibling first), which realizes the insert-after
// semantics deterministically on every replica.
func (d *Document) visible() []*cell {
	if d.order != nil {
		return d.order
	}

	out := make([]*cell, 0, len(d.cells))
	var stack []*cell
	for i := len(d.root.children) - 1; i >= 0; i-- {
		stack = append(stack, d.root.children[i])
	}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !c.deleted {
			out = append(out, c)
		}
		for i := len(c.children) - 1; i >= 0; i-- {
			stack = append(stack, c.children[i])
		}
	}

	d.order = out
	return out
}

// Content returns the current visible text.
func (d *Document) Content() string {
	visible := d.visible()
	runes := make([]rune, len(visible))
	for i, c := range visible {
		runes[i] = c.r
	}
	return string(runes)
}

// Len returns the number of visible characters.
func (d *Document) Len() int { return len(d.visible()) }

// Cells returns the number of insertions the replica has absorbed, tombstones
// included. Unlike Len it is nonzero for a replica whose every character has
// been deleted, which is how callers tell "empty" from "emptied".
func (d *Document) Cells() int { return len(d.cells) - 1 }

// Save serializes the full replica state (tombstones included) as a delta.
// Loading it into any replica via ApplyDelta merges the two states, which is
// what the post-reconnect reconciliation path relies on.
func (d *Document) Save() []byte {
	ops := make([]op, 0, 2*len(d.cells))

	// Pre-order walk emits every parent before its children, so the ops
	// replay without buffering.
	var stack []*cell
	for i := len(d.root.children) - 1; i >= 0; i-- {
		stack = append(stack, d.root.children[i])
	}
	parents := map[ID]ID{}
	for _, c := range d.root.children {
		parents[c.id] = head
	}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		ops = append(ops, op{kind: opInsert, id: c.id, parent: parents[c.id], r: c.r})
		if c.deleted {
			ops = append(ops, op{kind: opDelete, id: c.id})
		}
		for i := len(c.children) - 1; i >= 0; i-- {
			parents[c.children[i].id] = c.id
			stack = append(stack, c.children[i])
		}
	}

	return encodeOps(ops)
}

// Load merges a previously saved state into the replica.
func (d *Document) Load(state []byte) error {
	if len(state) == 0 {
		return nil
	}
	return d.ApplyDelta(state)
}
