// Package presence owns the process-wide online/offline state for the
// active session. Transitions come from user activity, an inactivity
// timeout, and app-lifecycle signals; remote writes are serialized through
// a single writer goroutine so rapid toggling cannot reorder them.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNoSession is returned when a transition needs a bound user but no
// session is active.
var ErrNoSession = errors.New("no active session")

// StatusWriter persists one user's presence remotely.
type StatusWriter interface {
	SetPresence(ctx context.Context, userID string, online bool) error
}

// DefaultInactivity is how long without activity before the user is
// written offline.
const DefaultInactivity = 60 * time.Second

type write struct {
	userID string
	online bool
}

// Tracker is the single presence instance for the running process. Only one
// session may be bound at a time; binding is explicit via Activate.
type Tracker struct {
	writer       StatusWriter
	logger       *zap.Logger
	inactivity   time.Duration
	writeTimeout time.Duration

	mu     sync.Mutex
	userID string
	online bool
	timer  *time.Timer

	writes chan write
	wg     sync.WaitGroup
	closed bool
}

// New creates a tracker. Close must be called to stop the writer goroutine.
func New(writer StatusWriter, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		writer:       writer,
		logger:       logger,
		inactivity:   DefaultInactivity,
		writeTimeout: 10 * time.Second,
		writes:       make(chan write, 16),
	}
	t.wg.Add(1)
	go t.writeLoop()
	return t
}

func (t *Tracker) writeLoop() {
	defer t.wg.Done()
	for w := range t.writes {
		ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
		err := t.writer.SetPresence(ctx, w.userID, w.online)
		cancel()
		if err != nil {
			// Recoverable by the next transition; never surfaced.
			t.logger.Error("presence write failed",
				zap.String("user_id", w.userID),
				zap.Bool("online", w.online),
				zap.Error(err))
		}
	}
}

// Activate binds the session user, writes online and starts the
// inactivity timer.
func (t *Tracker) Activate(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.userID = userID
	t.online = true
	t.enqueueLocked(userID, true)
	t.restartTimerLocked()
}

// RecordActivity notes user interaction. It re-asserts online when the
// tracker has gone offline and always restarts the inactivity timer. It is
// a no-op without a bound user.
func (t *Tracker) RecordActivity() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.userID == "" {
		return
	}
	if !t.online {
		t.online = true
		t.enqueueLocked(t.userID, true)
	}
	t.restartTimerLocked()
}

// Background handles the foreground→background lifecycle transition:
// an immediate offline write plus timer cancellation. The user stays bound.
func (t *Tracker) Background() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.userID == "" {
		return
	}
	t.stopTimerLocked()
	if t.online {
		t.online = false
		t.enqueueLocked(t.userID, false)
	}
}

// Foreground handles the background→foreground transition: equivalent to
// Activate for the bound user, if one is set.
func (t *Tracker) Foreground() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.userID == "" {
		return
	}
	if !t.online {
		t.online = true
		t.enqueueLocked(t.userID, true)
	}
	t.restartTimerLocked()
}

// Deactivate ends the session: one final offline write, timer cancelled,
// user cleared. No further writes happen until the next Activate.
func (t *Tracker) Deactivate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.userID == "" {
		return
	}
	t.stopTimerLocked()
	t.enqueueLocked(t.userID, false)
	t.userID = ""
	t.online = false
}

// Close deactivates and stops the writer goroutine after draining
// queued writes.
func (t *Tracker) Close() {
	t.Deactivate()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	close(t.writes)
	t.wg.Wait()
}

func (t *Tracker) onIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.userID == "" || !t.online {
		return
	}
	t.online = false
	t.enqueueLocked(t.userID, false)
}

// enqueueLocked hands one write to the writer goroutine. One write per
// transition; the channel preserves transition order.
func (t *Tracker) enqueueLocked(userID string, online bool) {
	if t.closed {
		return
	}
	select {
	case t.writes <- write{userID: userID, online: online}:
	default:
		t.logger.Warn("presence write queue full, dropping",
			zap.String("user_id", userID), zap.Bool("online", online))
	}
}

func (t *Tracker) restartTimerLocked() {
	t.stopTimerLocked()
	t.timer = time.AfterFunc(t.inactivity, t.onIdle)
}

func (t *Tracker) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
