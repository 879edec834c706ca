package autosave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recorder is a SaveFunc that records payloads and can fail on demand.
type recorder struct {
	mu       sync.Mutex
	payloads [][]byte
	failures int // fail this many leading attempts
	block    chan struct{} // when set, saves wait here
}

func (r *recorder) save(ctx context.Context, payload []byte) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, append([]byte(nil), payload...))
	if len(r.payloads) <= r.failures {
		return errors.New("storage unavailable")
	}
	return nil
}

func (r *recorder) calls() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.payloads))
	copy(out, r.payloads)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// Ten rapid schedules inside the debounce window coalesce into exactly one
// save carrying the last payload.
func TestSchedule_Coalesces(t *testing.T) {
	rec := &recorder{}
	c := New(Config{Debounce: 30 * time.Millisecond, RetryDelay: time.Hour, Save: rec.save})
	defer c.Close()

	for i := 0; i < 10; i++ {
		c.Schedule([]byte{byte(i)})
	}

	waitFor(t, time.Second, func() bool { return len(rec.calls()) >= 1 })
	time.Sleep(60 * time.Millisecond) // no second save should follow

	calls := rec.calls()
	if len(calls) != 1 {
		t.Fatalf("save calls = %d, want 1", len(calls))
	}
	if calls[0][0] != 9 {
		t.Errorf("saved payload = %d, want 9 (the last scheduled)", calls[0][0])
	}
	if got := c.State(); got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

// A save that fails once then succeeds results in exactly two attempts and a
// final idle state.
func TestSchedule_RetriesOnFailure(t *testing.T) {
	rec := &recorder{failures: 1}

	var results []error
	var resultsMu sync.Mutex
	c := New(Config{
		Debounce:   10 * time.Millisecond,
		RetryDelay: 20 * time.Millisecond,
		Save:       rec.save,
		OnResult: func(err error) {
			resultsMu.Lock()
			results = append(results, err)
			resultsMu.Unlock()
		},
	})
	defer c.Close()

	c.Schedule([]byte("payload"))

	waitFor(t, time.Second, func() bool { return len(rec.calls()) >= 2 })
	waitFor(t, time.Second, func() bool { return c.State() == StateIdle })

	if calls := rec.calls(); len(calls) != 2 {
		t.Errorf("save attempts = %d, want 2", len(calls))
	}

	resultsMu.Lock()
	defer resultsMu.Unlock()
	if len(results) != 2 || results[0] == nil || results[1] != nil {
		t.Errorf("results = %v, want [error nil]", results)
	}
}

// A schedule during an in-flight save does not restart it; the newer payload
// saves after the in-flight call completes.
func TestSchedule_DirtyDuringSave(t *testing.T) {
	gate := make(chan struct{})
	rec := &recorder{block: gate}
	c := New(Config{Debounce: 5 * time.Millisecond, RetryDelay: time.Hour, Save: rec.save})
	defer c.Close()

	c.Schedule([]byte("first"))
	waitFor(t, time.Second, func() bool { return c.State() == StateSaving })

	c.Schedule([]byte("second"))
	if got := c.State(); got != StateSaving {
		t.Errorf("state during in-flight save = %v, want saving", got)
	}

	gate <- struct{}{} // release first save
	gate <- struct{}{} // release follow-up save

	waitFor(t, time.Second, func() bool { return len(rec.calls()) >= 2 })
	calls := rec.calls()
	if string(calls[0]) != "first" || string(calls[1]) != "second" {
		t.Errorf("payloads = [%s %s], want [first second]", calls[0], calls[1])
	}
}

func TestCancel_DropsPendingSave(t *testing.T) {
	rec := &recorder{}
	c := New(Config{Debounce: 20 * time.Millisecond, RetryDelay: time.Hour, Save: rec.save})
	defer c.Close()

	c.Schedule([]byte("doomed"))
	c.Cancel()

	time.Sleep(50 * time.Millisecond)
	if calls := rec.calls(); len(calls) != 0 {
		t.Errorf("save calls after cancel = %d, want 0", len(calls))
	}
	if got := c.State(); got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

// Cancel during an in-flight save that then fails must not resurrect the
// canceled payload into a retry.
func TestCancel_DuringFailingSave(t *testing.T) {
	gate := make(chan struct{})
	rec := &recorder{block: gate, failures: 10}
	c := New(Config{Debounce: 5 * time.Millisecond, RetryDelay: 10 * time.Millisecond, Save: rec.save})
	defer c.Close()

	c.Schedule([]byte("doomed"))
	waitFor(t, time.Second, func() bool { return c.State() == StateSaving })

	c.Cancel()
	gate <- struct{}{} // release the save; it fails

	waitFor(t, time.Second, func() bool { return c.State() == StateIdle })
	time.Sleep(40 * time.Millisecond) // past the retry delay

	if calls := rec.calls(); len(calls) != 1 {
		t.Errorf("save attempts = %d, want 1 (no retry of canceled payload)", len(calls))
	}
}

func TestFlush_SavesPendingImmediately(t *testing.T) {
	rec := &recorder{}
	c := New(Config{Debounce: time.Hour, RetryDelay: time.Hour, Save: rec.save})
	defer c.Close()

	c.Schedule([]byte("final"))
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	calls := rec.calls()
	if len(calls) != 1 || string(calls[0]) != "final" {
		t.Errorf("calls = %v, want one save of %q", calls, "final")
	}
}

func TestFlush_NothingPending(t *testing.T) {
	rec := &recorder{}
	c := New(Config{Save: rec.save})
	defer c.Close()

	if err := c.Flush(context.Background()); err != nil {
		t.Errorf("Flush = %v, want nil", err)
	}
	if len(rec.calls()) != 0 {
		t.Error("Flush with nothing pending should not save")
	}
}

func TestClose_RejectsFurtherScheduling(t *testing.T) {
	rec := &recorder{}
	c := New(Config{Debounce: 5 * time.Millisecond, Save: rec.save})

	c.Close()
	c.Schedule([]byte("late"))

	time.Sleep(30 * time.Millisecond)
	if len(rec.calls()) != 0 {
		t.Error("schedule after close should be ignored")
	}
}
