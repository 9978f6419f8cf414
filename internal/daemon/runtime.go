package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nkamdem/palabre/internal/auth"
	"github.com/nkamdem/palabre/internal/bus"
	"github.com/nkamdem/palabre/internal/cache"
	"github.com/nkamdem/palabre/internal/calls"
	"github.com/nkamdem/palabre/internal/chat"
	"github.com/nkamdem/palabre/internal/contacts"
	"github.com/nkamdem/palabre/internal/forum"
	"github.com/nkamdem/palabre/internal/notify"
	"github.com/nkamdem/palabre/internal/presence"
	"github.com/nkamdem/palabre/internal/remote"
	"go.uber.org/zap"
)

// ErrSignedOut is returned for operations that need an active session.
var ErrSignedOut = fmt.Errorf("no active session")

// resyncInterval paces the background refresh of the directory and feed
// between realtime events.
const resyncInterval = 5 * time.Minute

// Runtime holds the session-scoped services. The coordinator builds them on
// sign-in and tears them down on sign-out; everything here is nil while
// signed out.
type Runtime struct {
	store    *cache.Store
	realtime *remote.Realtime
	users    *remote.Users
	messages *remote.Messages
	forumSvc *remote.Forum
	callsSvc *remote.Calls
	storage  *remote.Storage
	tracker  *presence.Tracker
	push     notify.Sender
	bus      *bus.Bus
	logger   *zap.Logger

	mu       sync.Mutex
	self     *auth.Session
	contacts *contacts.Service
	forum    *forum.Service
	calls    *calls.Service
	sessions map[string]*chat.Session
	resync   chan struct{}
}

// NewRuntime creates a signed-out runtime.
func NewRuntime(store *cache.Store, rt *remote.Realtime, users *remote.Users,
	messages *remote.Messages, forumSvc *remote.Forum, callsSvc *remote.Calls,
	storage *remote.Storage, tracker *presence.Tracker, push notify.Sender,
	b *bus.Bus, logger *zap.Logger) *Runtime {
	return &Runtime{
		store:    store,
		realtime: rt,
		users:    users,
		messages: messages,
		forumSvc: forumSvc,
		callsSvc: callsSvc,
		storage:  storage,
		tracker:  tracker,
		push:     push,
		bus:      b,
		logger:   logger,
	}
}

// signIn builds the session-scoped services.
func (r *Runtime) signIn(sess auth.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.self != nil {
		return
	}
	r.self = &sess
	r.sessions = make(map[string]*chat.Session)

	ctx := context.Background()
	r.contacts = contacts.New(sess.UserID, r.users, r.realtime, r.store, r.bus, r.logger)
	if err := r.contacts.Start(ctx); err != nil {
		r.logger.Error("contacts start failed", zap.Error(err))
	}
	r.forum = forum.New(sess.UserID, r.forumSvc, r.storage, r.store, r.bus, r.logger)
	if err := r.forum.Start(ctx, r.realtime); err != nil {
		r.logger.Error("forum start failed", zap.Error(err))
	}
	r.calls = calls.New(sess.UserID, sess.DisplayName, r.callsSvc, r.push, r.logger)

	r.resync = make(chan struct{})
	go r.warmProfile(sess.UserID)
	go r.resyncLoop(r.contacts, r.forum, r.resync)
}

// warmProfile primes the profile cache with the signed-in user's own row.
func (r *Runtime) warmProfile(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	row, err := r.users.Get(ctx, userID)
	if err != nil {
		r.logger.Warn("profile warm-up failed", zap.Error(err))
		return
	}
	if err := r.store.Put(cache.ClassProfile, userID, row); err != nil {
		r.logger.Error("cache write failed", zap.Error(err))
	}
}

// resyncLoop refreshes the directory and feed on a slow cadence, catching
// anything the realtime feeds missed while disconnected.
func (r *Runtime) resyncLoop(contactsSvc *contacts.Service, forumSvc *forum.Service, stop <-chan struct{}) {
	ticker := time.NewTicker(resyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := contactsSvc.Refresh(ctx); err != nil {
				r.logger.Warn("directory resync failed", zap.Error(err))
			}
			if err := forumSvc.Refresh(ctx); err != nil {
				r.logger.Warn("feed resync failed", zap.Error(err))
			}
			cancel()
		case <-stop:
			return
		}
	}
}

// signOut closes every session-scoped service.
func (r *Runtime) signOut() {
	r.mu.Lock()
	self := r.self
	r.self = nil
	contactsSvc := r.contacts
	forumSvc := r.forum
	sessions := r.sessions
	resync := r.resync
	r.contacts = nil
	r.forum = nil
	r.calls = nil
	r.sessions = nil
	r.resync = nil
	r.mu.Unlock()

	if self == nil {
		return
	}
	if resync != nil {
		close(resync)
	}
	for _, s := range sessions {
		s.Close()
	}
	if contactsSvc != nil {
		contactsSvc.Close()
	}
	if forumSvc != nil {
		forumSvc.Close()
	}
}

// Contacts returns the directory service for the active session.
func (r *Runtime) Contacts() (*contacts.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.contacts == nil {
		return nil, ErrSignedOut
	}
	return r.contacts, nil
}

// Forum returns the feed service for the active session.
func (r *Runtime) Forum() (*forum.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.forum == nil {
		return nil, ErrSignedOut
	}
	return r.forum, nil
}

// PlaceCall records an outgoing call to peerID.
func (r *Runtime) PlaceCall(ctx context.Context, peerID, callType string) error {
	r.mu.Lock()
	callsSvc := r.calls
	contactsSvc := r.contacts
	r.mu.Unlock()
	if callsSvc == nil || contactsSvc == nil {
		return ErrSignedOut
	}
	peer, err := contactsSvc.Profile(ctx, peerID)
	if err != nil {
		return err
	}
	return callsSvc.Place(ctx, peer, callType)
}

// OpenConversation opens (or returns the already-open) chat session with
// peerID.
func (r *Runtime) OpenConversation(ctx context.Context, peerID string) (*chat.Session, error) {
	r.mu.Lock()
	self := r.self
	contactsSvc := r.contacts
	r.mu.Unlock()
	if self == nil {
		return nil, ErrSignedOut
	}

	key := chat.Key(self.UserID, peerID)
	r.mu.Lock()
	if s, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	peer, err := contactsSvc.Profile(ctx, peerID)
	if err != nil {
		return nil, fmt.Errorf("resolve peer: %w", err)
	}
	typingCh, err := r.realtime.Typing(ctx, key)
	if err != nil {
		r.logger.Warn("typing channel unavailable", zap.Error(err))
		typingCh = nil
	}

	var typingT chat.TypingTransport
	if typingCh != nil {
		typingT = typingCh
	}
	s := chat.NewSession(chat.Config{
		ConversationKey: key,
		SelfID:          self.UserID,
		SelfName:        self.DisplayName,
		Peer:            peer,
		Backend:         r.messages,
		Feed:            r.realtime,
		Cache:           r.store,
		Typing:          typingT,
		Uploader:        r.storage,
		Push:            r.push,
		Bus:             r.bus,
		Logger:          r.logger,
		Activity:        r.tracker.RecordActivity,
	})
	if err := s.Start(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.sessions == nil {
		// Signed out while we were opening.
		r.mu.Unlock()
		s.Close()
		return nil, ErrSignedOut
	}
	if existing, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		s.Close()
		return existing, nil
	}
	r.sessions[key] = s
	r.mu.Unlock()
	return s, nil
}

// CloseConversation closes the chat session with peerID, if open.
func (r *Runtime) CloseConversation(peerID string) {
	r.mu.Lock()
	if r.self == nil {
		r.mu.Unlock()
		return
	}
	key := chat.Key(r.self.UserID, peerID)
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

// RegisterPushToken stores the device push token for the signed-in user.
func (r *Runtime) RegisterPushToken(ctx context.Context, token string) error {
	r.mu.Lock()
	self := r.self
	r.mu.Unlock()
	if self == nil {
		return ErrSignedOut
	}
	return r.users.SetPushToken(ctx, self.UserID, token)
}
