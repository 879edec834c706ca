// Package autosave debounces local document mutations into periodic
// persistence calls. At most one save is in flight per document; edits that
// arrive mid-save mark the coordinator dirty and re-schedule once the
// in-flight call completes. Failures retry on a fixed delay for the life of
// the session and surface as non-fatal warnings, never as interruptions to
// editing.
package autosave

import (
	"context"
	"sync"
	"time"
)

// SaveFunc persists one payload against the page storage collaborator.
type SaveFunc func(ctx context.Context, payload []byte) error

// State is the coordinator's lifecycle state.
type State int

const (
	StateIdle State = iota
	StatePending
	StateSaving
	StateRetryPending
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateSaving:
		return "saving"
	case StateRetryPending:
		return "retry-pending"
	}
	return "unknown"
}

// Default timings.
const (
	DefaultDebounce   = 2 * time.Second
	DefaultRetryDelay = 5 * time.Second
)

// Config configures a Coordinator.
type Config struct {
	Debounce   time.Duration
	RetryDelay time.Duration
	Save       SaveFunc
	// OnResult is invoked after every save attempt with its error (nil on
	// success). The UI layer uses it for the transient save warning.
	OnResult func(error)
}

// task is one pending persistence operation.
type task struct {
	payload     []byte
	scheduledAt time.Time
	attempt     int
}

// Coordinator runs the autosave state machine for one document.
type Coordinator struct {
	cfg Config

	mu       sync.Mutex
	state    State
	pending  *task
	dirty    bool
	timer    *time.Timer
	saveDone chan struct{} // closed when the in-flight save completes
	closed   bool
}

// New creates a Coordinator. cfg.Save is required.
func New(cfg Config) *Coordinator {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Coordinator{cfg: cfg}
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Schedule coalesces a mutation into the next save. Rapid consecutive calls
// within the debounce window collapse into one persistence call carrying the
// last payload. A call during an in-flight save does not restart that save;
// it re-triggers scheduling when the save completes.
func (c *Coordinator) Schedule(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.pending = &task{payload: payload, scheduledAt: time.Now()}

	switch c.state {
	case StateIdle:
		c.state = StatePending
		c.timer = time.AfterFunc(c.cfg.Debounce, c.fire)
	case StatePending:
		c.timer.Stop()
		c.timer = time.AfterFunc(c.cfg.Debounce, c.fire)
	case StateSaving:
		c.dirty = true
	case StateRetryPending:
		// The retry timer keeps running; it will pick up the newer payload.
	}
}

// Cancel drops any pending save. An in-flight save is allowed to complete but
// no follow-up is scheduled.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
}

// Close cancels like Cancel and rejects all future scheduling.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
	c.closed = true
}

func (c *Coordinator) cancelLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.pending = nil
	c.dirty = false
	if c.state != StateSaving {
		c.state = StateIdle
	}
}

// Flush synchronously persists anything outstanding: it waits out an
// in-flight save, then saves the latest pending payload, if any. Used on
// session close.
func (c *Coordinator) Flush(ctx context.Context) error {
	for {
		c.mu.Lock()
		switch c.state {
		case StateSaving:
			done := c.saveDone
			c.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}

		case StatePending, StateRetryPending:
			c.timer.Stop()
			t := c.pending
			c.pending = nil
			c.dirty = false
			c.state = StateIdle
			c.mu.Unlock()
			if t == nil {
				return nil
			}
			err := c.cfg.Save(ctx, t.payload)
			c.report(err)
			return err

		default:
			c.mu.Unlock()
			return nil
		}
	}
}

// fire runs when the debounce or retry timer expires: it moves the pending
// task into an asynchronous save.
func (c *Coordinator) fire() {
	c.mu.Lock()
	if c.closed || c.pending == nil || c.state == StateSaving {
		c.mu.Unlock()
		return
	}
	t := c.pending
	t.attempt++
	c.state = StateSaving
	c.saveDone = make(chan struct{})
	c.mu.Unlock()

	go func() {
		err := c.cfg.Save(context.Background(), t.payload)
		c.complete(t, err)
	}()
}

// complete applies the outcome of a finished save attempt.
func (c *Coordinator) complete(t *task, err error) {
	c.report(err)

	c.mu.Lock()
	defer c.mu.Unlock()

	close(c.saveDone)
	if c.closed {
		// Session ended mid-save; the result is ignored.
		c.state = StateIdle
		return
	}

	if err != nil {
		// Cancel during the in-flight save cleared pending; the failed
		// payload stays dropped.
		if c.pending == nil {
			c.state = StateIdle
			return
		}
		// Retry the failed payload on a fixed delay, unless a newer one
		// superseded it while the save was in flight.
		if !c.dirty {
			c.pending = t
		}
		c.dirty = false
		c.state = StateRetryPending
		c.timer = time.AfterFunc(c.cfg.RetryDelay, c.fire)
		return
	}

	if c.dirty {
		c.dirty = false
		c.pending.attempt = 0
		c.state = StatePending
		c.timer = time.AfterFunc(c.cfg.Debounce, c.fire)
		return
	}

	c.pending = nil
	c.state = StateIdle
}

func (c *Coordinator) report(err error) {
	if c.cfg.OnResult != nil {
		c.cfg.OnResult(err)
	}
}
