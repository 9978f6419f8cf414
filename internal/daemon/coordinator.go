package daemon

import (
	"sync"
	"time"

	"github.com/nkamdem/palabre/internal/auth"
	"github.com/nkamdem/palabre/internal/bus"
	"go.uber.org/zap"
)

// PresenceController is the presence surface the coordinator drives.
type PresenceController interface {
	Activate(userID string)
	RecordActivity()
	Foreground()
	Background()
	Deactivate()
}

// CacheClearer wipes the local cache on sign-out.
type CacheClearer interface {
	ClearAll() error
}

// Coordinator keys the daemon's per-user machinery off session and
// app-state transitions: sign-in activates presence and the session-scoped
// services, sign-out deactivates them and wipes the cache.
type Coordinator struct {
	provider auth.Provider
	presence PresenceController
	store    CacheClearer
	bus      *bus.Bus
	logger   *zap.Logger

	// onSignIn / onSignOut build and tear down the session-scoped services
	// (contacts, forum, open conversations). Either may be nil.
	onSignIn  func(auth.Session)
	onSignOut func()

	cancelSub func()
	done      chan struct{}
	started   bool
	closeOnce sync.Once
}

// NewCoordinator creates an unstarted coordinator.
func NewCoordinator(provider auth.Provider, presence PresenceController, store CacheClearer,
	b *bus.Bus, logger *zap.Logger, onSignIn func(auth.Session), onSignOut func()) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		provider:  provider,
		presence:  presence,
		store:     store,
		bus:       b,
		logger:    logger,
		onSignIn:  onSignIn,
		onSignOut: onSignOut,
		done:      make(chan struct{}),
	}
}

// Start subscribes to session changes and applies the current session
// immediately, so a daemon restarted mid-session comes back online.
func (c *Coordinator) Start() {
	if c.started {
		return
	}
	c.started = true

	changes, cancel := c.provider.Changes(8)
	c.cancelSub = cancel

	if sess := c.provider.Current(); sess != nil {
		c.handleSignIn(*sess)
	}
	go c.loop(changes)
}

func (c *Coordinator) loop(changes <-chan *auth.Session) {
	defer close(c.done)
	for sess := range changes {
		if sess != nil {
			c.handleSignIn(*sess)
		} else {
			c.handleSignOut()
		}
	}
}

func (c *Coordinator) handleSignIn(sess auth.Session) {
	c.logger.Info("session signed in", zap.String("user", sess.UserID))
	c.presence.Activate(sess.UserID)
	if c.onSignIn != nil {
		c.onSignIn(sess)
	}
	c.publish("session.signed_in", sess)
}

func (c *Coordinator) handleSignOut() {
	c.logger.Info("session signed out")
	c.presence.Deactivate()
	if c.onSignOut != nil {
		c.onSignOut()
	}
	// Cached rows belong to the account, not the device.
	if err := c.store.ClearAll(); err != nil {
		c.logger.Error("cache wipe failed", zap.Error(err))
	}
	c.publish("session.signed_out", nil)
}

// Foreground reports the app moving to the foreground.
func (c *Coordinator) Foreground() {
	c.presence.Foreground()
}

// Background reports the app leaving the foreground.
func (c *Coordinator) Background() {
	c.presence.Background()
}

// Activity reports one user interaction.
func (c *Coordinator) Activity() {
	c.presence.RecordActivity()
}

// Close stops the coordinator. The active session, if any, is signed out
// of presence but the cache is left intact: a daemon stop is not a
// sign-out.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		if c.cancelSub != nil {
			c.cancelSub()
		}
		if c.started {
			<-c.done
		}
		c.presence.Deactivate()
	})
}

func (c *Coordinator) publish(kind string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
