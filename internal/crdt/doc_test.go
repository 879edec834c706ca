package crdt

import (
	"errors"
	"testing"
)

func mustInsert(t *testing.T, d *Document, offset int, text string) Delta {
	t.Helper()
	delta, err := d.InsertAt(offset, text)
	if err != nil {
		t.Fatalf("InsertAt(%d, %q) failed: %v", offset, text, err)
	}
	return delta
}

func mustDelete(t *testing.T, d *Document, offset, n int) Delta {
	t.Helper()
	delta, err := d.DeleteAt(offset, n)
	if err != nil {
		t.Fatalf("DeleteAt(%d, %d) failed: %v", offset, n, err)
	}
	return delta
}

func mustApply(t *testing.T, d *Document, delta []byte) {
	t.Helper()
	if err := d.ApplyDelta(delta); err != nil {
		t.Fatalf("ApplyDelta failed: %v", err)
	}
}

func TestInsertAndDelete_Local(t *testing.T) {
	d := New("a")
	mustInsert(t, d, 0, "Hello")
	if got := d.Content(); got != "Hello" {
		t.Errorf("Content = %q, want %q", got, "Hello")
	}

	mustInsert(t, d, 5, " World")
	if got := d.Content(); got != "Hello World" {
		t.Errorf("Content = %q, want %q", got, "Hello World")
	}

	mustDelete(t, d, 0, 6)
	if got := d.Content(); got != "World" {
		t.Errorf("Content = %q, want %q", got, "World")
	}
	if d.Len() != 5 {
		t.Errorf("Len = %d, want 5", d.Len())
	}
}

func TestInsertAt_OutOfRange(t *testing.T) {
	d := New("a")
	mustInsert(t, d, 0, "hi")

	if _, err := d.InsertAt(3, "x"); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
	if _, err := d.InsertAt(-1, "x"); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
	if _, err := d.DeleteAt(1, 5); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

// Concurrent edits from the same base converge to "Hi Hello World" on both
// replicas, whichever order the deltas arrive in.
func TestConvergence_ConcurrentInsert(t *testing.T) {
	a := New("a")
	b := New("b")

	base := mustInsert(t, a, 0, "Hello")
	mustApply(t, b, base)

	deltaA := mustInsert(t, a, 5, " World")
	deltaB := mustInsert(t, b, 0, "Hi ")

	mustApply(t, a, deltaB)
	mustApply(t, b, deltaA)

	const want = "Hi Hello World"
	if got := a.Content(); got != want {
		t.Errorf("replica a = %q, want %q", got, want)
	}
	if got := b.Content(); got != want {
		t.Errorf("replica b = %q, want %q", got, want)
	}
}

// Merge commutativity: applying D1 then D2 equals D2 then D1.
func TestConvergence_Commutative(t *testing.T) {
	source := New("s")
	base := mustInsert(t, source, 0, "shared")

	a := New("a")
	b := New("b")
	mustApply(t, a, base)
	mustApply(t, b, base)

	d1 := mustInsert(t, a, 6, "!")
	d2 := mustInsert(t, b, 0, ">")

	left := New("l")
	mustApply(t, left, base)
	mustApply(t, left, d1)
	mustApply(t, left, d2)

	right := New("r")
	mustApply(t, right, base)
	mustApply(t, right, d2)
	mustApply(t, right, d1)

	if left.Content() != right.Content() {
		t.Errorf("order-dependent merge: %q vs %q", left.Content(), right.Content())
	}
}

// Idempotence: applying a delta twice equals applying it once.
func TestApplyDelta_Idempotent(t *testing.T) {
	a := New("a")
	b := New("b")

	delta := mustInsert(t, a, 0, "abc")
	mustApply(t, b, delta)
	mustApply(t, b, delta)

	if got := b.Content(); got != "abc" {
		t.Errorf("Content = %q, want %q", got, "abc")
	}

	del := mustDelete(t, a, 1, 1)
	mustApply(t, b, del)
	mustApply(t, b, del)
	if got := b.Content(); got != "ac" {
		t.Errorf("Content = %q, want %q", got, "ac")
	}
}

// Three replicas each edit once and exchange all deltas pairwise in different
// arrival orders; all converge.
func TestConvergence_ThreeReplicas(t *testing.T) {
	source := New("s")
	base := mustInsert(t, source, 0, "doc")

	a, b, c := New("a"), New("b"), New("c")
	for _, d := range []*Document{a, b, c} {
		mustApply(t, d, base)
	}

	da := mustInsert(t, a, 0, "A")
	db := mustInsert(t, b, 3, "B")
	dc := mustDelete(t, c, 1, 1)

	// Each replica receives the other two deltas in a different order.
	mustApply(t, a, db)
	mustApply(t, a, dc)

	mustApply(t, b, dc)
	mustApply(t, b, da)

	mustApply(t, c, da)
	mustApply(t, c, db)

	if a.Content() != b.Content() || b.Content() != c.Content() {
		t.Errorf("replicas diverged: a=%q b=%q c=%q", a.Content(), b.Content(), c.Content())
	}
}

// Deltas arriving before their dependencies are buffered and replayed.
func TestApplyDelta_OutOfOrder(t *testing.T) {
	a := New("a")
	first := mustInsert(t, a, 0, "x")
	second := mustInsert(t, a, 1, "y")
	third := mustInsert(t, a, 2, "z")

	b := New("b")
	mustApply(t, b, third)
	if got := b.Content(); got != "" {
		t.Errorf("Content before dependencies = %q, want empty", got)
	}
	mustApply(t, b, second)
	mustApply(t, b, first)

	if got := b.Content(); got != "xyz" {
		t.Errorf("Content = %q, want %q", got, "xyz")
	}
}

// A delete arriving before its insert tombstones the cell on arrival.
func TestApplyDelta_DeleteBeforeInsert(t *testing.T) {
	a := New("a")
	ins := mustInsert(t, a, 0, "q")
	del := mustDelete(t, a, 0, 1)

	b := New("b")
	mustApply(t, b, del)
	mustApply(t, b, ins)

	if got := b.Content(); got != "" {
		t.Errorf("Content = %q, want empty", got)
	}
}

func TestSubscribe_NotifiesOnChange(t *testing.T) {
	a := New("a")
	b := New("b")

	calls := 0
	unsubscribe := b.Subscribe(func() { calls++ })

	delta := mustInsert(t, a, 0, "hi")
	mustApply(t, b, delta)
	if calls != 1 {
		t.Errorf("calls after remote apply = %d, want 1", calls)
	}

	// Duplicate application changes nothing and stays silent.
	mustApply(t, b, delta)
	if calls != 1 {
		t.Errorf("calls after duplicate apply = %d, want 1", calls)
	}

	unsubscribe()
	mustInsert(t, b, 0, "x")
	if calls != 1 {
		t.Errorf("calls after unsubscribe = %d, want 1", calls)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	a := New("a")
	mustInsert(t, a, 0, "Hello World")
	mustDelete(t, a, 5, 6)

	b := New("b")
	if err := b.Load(a.Save()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got := b.Content(); got != a.Content() {
		t.Errorf("loaded content = %q, want %q", got, a.Content())
	}
}

// Loading a snapshot into a replica that kept editing offline merges the two
// states; loading the merged state back converges the other replica too.
func TestSaveLoad_MergesDivergedReplicas(t *testing.T) {
	a := New("a")
	b := New("b")
	base := mustInsert(t, a, 0, "base")
	mustApply(t, b, base)

	mustInsert(t, a, 4, "-a")
	mustInsert(t, b, 4, "-b")

	if err := a.Load(b.Save()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := b.Load(a.Save()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if a.Content() != b.Content() {
		t.Errorf("replicas diverged after snapshot merge: %q vs %q", a.Content(), b.Content())
	}
}

func TestLoad_Empty(t *testing.T) {
	d := New("a")
	if err := d.Load(nil); err != nil {
		t.Errorf("Load(nil) = %v, want nil", err)
	}
}
