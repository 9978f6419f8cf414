// Package typing implements the ephemeral typing-signal protocol for one
// conversation: an explicit start broadcast with a send-side debounce, and a
// receive-side decay timer instead of an explicit stop signal, so lost
// "stopped typing" messages cannot wedge the peer state.
package typing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Transport broadcasts a typing signal authored by userID on one
// conversation's channel.
type Transport interface {
	Send(ctx context.Context, userID string) error
}

const (
	// DefaultDebounce is how long after the last keystroke the sender
	// leaves the "typing" state.
	DefaultDebounce = 2 * time.Second
	// DefaultDecay is how long after the last received signal the peer is
	// considered to have stopped typing.
	DefaultDecay = 3 * time.Second
)

// Composer is the sender side. One instance per open conversation.
type Composer struct {
	transport Transport
	userID    string
	logger    *zap.Logger
	debounce  time.Duration

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
}

// NewComposer creates the sender side for userID.
func NewComposer(transport Transport, userID string, logger *zap.Logger) *Composer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{
		transport: transport,
		userID:    userID,
		logger:    logger,
		debounce:  DefaultDebounce,
	}
}

// Keystroke notes one typed character. Entering the typing state broadcasts
// a signal; staying in it only restarts the debounce timer. Exit is silent —
// receivers decay on their own.
func (c *Composer) Keystroke(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.typing {
		c.typing = true
		if err := c.transport.Send(ctx, c.userID); err != nil {
			c.logger.Error("typing broadcast failed", zap.Error(err))
		}
	}

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, func() {
		c.mu.Lock()
		c.typing = false
		c.mu.Unlock()
	})
}

// Stop cancels the debounce timer. Called on conversation teardown.
func (c *Composer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.typing = false
}

// Monitor is the receiver side: a decaying "peer is typing" boolean.
type Monitor struct {
	selfID string
	decay  time.Duration

	mu      sync.Mutex
	typing  bool
	timer   *time.Timer
	updates chan bool
	stopped bool
}

// NewMonitor creates the receiver side. Signals authored by selfID are
// ignored (defense against transports that echo the sender).
func NewMonitor(selfID string) *Monitor {
	return &Monitor{
		selfID:  selfID,
		decay:   DefaultDecay,
		updates: make(chan bool, 16),
	}
}

// Observe processes one inbound typing signal.
func (m *Monitor) Observe(userID string) {
	if userID == m.selfID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	if !m.typing {
		m.typing = true
		m.notifyLocked(true)
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.decay, m.onDecay)
}

func (m *Monitor) onDecay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || !m.typing {
		return
	}
	m.typing = false
	m.notifyLocked(false)
}

// Typing reports the current peer-typing state.
func (m *Monitor) Typing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typing
}

// Updates delivers state flips (true = peer started, false = decayed).
func (m *Monitor) Updates() <-chan bool {
	return m.updates
}

// Stop cancels the decay timer and closes the updates channel.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	close(m.updates)
}

func (m *Monitor) notifyLocked(state bool) {
	select {
	case m.updates <- state:
	default:
	}
}
