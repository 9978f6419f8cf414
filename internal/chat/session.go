// Package chat implements the per-conversation sync engine: cache-first
// loading with remote confirmation, optimistic sends with rollback, and
// reconciliation of realtime row changes into a single ordered,
// duplicate-free message list.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nkamdem/palabre/internal/bus"
	"github.com/nkamdem/palabre/internal/cache"
	"github.com/nkamdem/palabre/internal/notify"
	"github.com/nkamdem/palabre/internal/remote"
	"github.com/nkamdem/palabre/internal/typing"
	"go.uber.org/zap"
)

// State is a conversation session's lifecycle state.
type State string

const (
	StateClosed  State = "CLOSED"
	StateLoading State = "LOADING"
	StateReady   State = "READY"
)

// Ready→Ready re-confirms after the authoritative fetch lands.
var validTransitions = map[State][]State{
	StateClosed:  {StateLoading},
	StateLoading: {StateReady, StateClosed},
	StateReady:   {StateReady, StateClosed},
}

// ErrClosed is returned for operations on a closed session.
var ErrClosed = errors.New("conversation session closed")

// ErrEmptyMessage is returned when a send carries neither text nor media.
var ErrEmptyMessage = errors.New("empty message")

// Backend is the remote messages capability the session needs.
type Backend interface {
	List(ctx context.Context, conversationKey string) ([]remote.MessageRow, error)
	Insert(ctx context.Context, row remote.NewMessage) (remote.MessageRow, error)
	MarkRead(ctx context.Context, conversationKey, receiverID string) error
}

// Feed subscribes to row changes. Cancelling a feed stops delivery before
// the cancel func returns.
type Feed interface {
	MessageChanges(ctx context.Context, conversationKey string) (<-chan remote.Change, func(), error)
	UserChanges(ctx context.Context, userID string) (<-chan remote.Change, func(), error)
}

// Uploader stores media bytes and resolves their public URL.
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte, opts remote.UploadOptions) error
	PublicURL(path string) string
}

// TypingTransport is the ephemeral typing-signal channel for this
// conversation.
type TypingTransport interface {
	Send(ctx context.Context, userID string) error
	Signals(buf int) (<-chan remote.TypingSignal, func())
	Close()
}

// Config assembles a session's collaborators. Backend, Feed and Cache are
// required; the rest degrade gracefully when nil.
type Config struct {
	ConversationKey string
	SelfID          string
	SelfName        string
	Peer            remote.UserRow

	Backend  Backend
	Feed     Feed
	Cache    *cache.Store
	Typing   TypingTransport
	Uploader Uploader
	Push     notify.Sender
	Bus      *bus.Bus
	Logger   *zap.Logger

	// Activity is invoked on every user interaction (keystrokes, sends) so
	// the presence tracker can extend its inactivity deadline.
	Activity func()
}

// Session owns one conversation's in-memory message list and its cache
// entry while open. All mutations are serialized: realtime events through
// the event loop, sends through the session mutex.
type Session struct {
	key      string
	selfID   string
	selfName string

	backend  Backend
	feed     Feed
	store    *cache.Store
	typingT  TypingTransport
	uploader Uploader
	push     notify.Sender
	bus      *bus.Bus
	logger   *zap.Logger
	activity func()

	// dedupWindow bounds the timestamp proximity for matching a bus echo
	// to an optimistic entry when no client key is present.
	dedupWindow time.Duration
	// readDelay batches mark-read updates: one remote write per unread burst.
	readDelay time.Duration

	mu        sync.Mutex
	state     State
	messages  []Message
	peer      remote.UserRow
	readTimer *time.Timer

	composer *typing.Composer
	monitor  *typing.Monitor

	changes       <-chan remote.Change
	peerChanges   <-chan remote.Change
	typingSignals <-chan remote.TypingSignal
	cancels       []func()

	ctx         context.Context
	cancel      context.CancelFunc
	loopStarted bool
	loopDone    chan struct{}
	closeOnce   sync.Once
}

// NewSession creates a closed session; Start opens it.
func NewSession(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		key:         cfg.ConversationKey,
		selfID:      cfg.SelfID,
		selfName:    cfg.SelfName,
		peer:        cfg.Peer,
		backend:     cfg.Backend,
		feed:        cfg.Feed,
		store:       cfg.Cache,
		typingT:     cfg.Typing,
		uploader:    cfg.Uploader,
		push:        cfg.Push,
		bus:         cfg.Bus,
		logger:      logger.With(zap.String("conversation", cfg.ConversationKey)),
		activity:    cfg.Activity,
		dedupWindow: 5 * time.Second,
		readDelay:   500 * time.Millisecond,
		state:       StateClosed,
		loopDone:    make(chan struct{}),
	}
	if cfg.Typing != nil {
		s.composer = typing.NewComposer(cfg.Typing, cfg.SelfID, s.logger)
		s.monitor = typing.NewMonitor(cfg.SelfID)
	}
	return s
}

// Start opens the session: subscribes to the conversation's feeds, serves
// cached messages immediately when present, and confirms against the remote
// store in the background.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateClosed {
		s.mu.Unlock()
		return fmt.Errorf("session already started (state %s)", s.state)
	}
	s.transitionLocked(StateLoading)
	s.mu.Unlock()

	// Subscribe before the initial fetch so no event falls in the gap.
	changes, cancelChanges, err := s.feed.MessageChanges(ctx, s.key)
	if err != nil {
		s.mu.Lock()
		s.transitionLocked(StateClosed)
		s.mu.Unlock()
		return fmt.Errorf("subscribe message changes: %w", err)
	}
	s.changes = changes
	s.cancels = append(s.cancels, cancelChanges)

	if s.peer.ID != "" {
		peerChanges, cancelPeer, err := s.feed.UserChanges(ctx, s.peer.ID)
		if err != nil {
			s.logger.Warn("peer status subscription failed", zap.Error(err))
		} else {
			s.peerChanges = peerChanges
			s.cancels = append(s.cancels, cancelPeer)
		}
	}

	if s.typingT != nil {
		signals, cancelSignals := s.typingT.Signals(64)
		s.typingSignals = signals
		s.cancels = append(s.cancels, cancelSignals)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	var cached []Message
	ok, err := s.store.Get(cache.ClassMessages, s.key, &cached)
	if err != nil {
		s.logger.Error("cache read failed", zap.Error(err))
	}
	if ok {
		s.mu.Lock()
		s.messages = cached
		s.transitionLocked(StateReady)
		s.mu.Unlock()
	}

	s.loopStarted = true
	go s.loop()
	go s.refresh()
	return nil
}

// refresh fetches the authoritative list, merges it with local state, and
// (re-)confirms Ready. The snapshot is a lower bound, not the truth: feed
// events applied while List was in flight postdate it and must survive.
func (s *Session) refresh() {
	rows, err := s.backend.List(s.ctx, s.key)
	if err != nil {
		// Transient: whatever the cache gave us stays visible.
		s.logger.Warn("initial message fetch failed, serving cached state", zap.Error(err))
		s.mu.Lock()
		if s.state != StateClosed {
			s.transitionLocked(StateReady)
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	fresh := make([]Message, 0, len(rows))
	fetched := make(map[string]bool, len(rows))
	for _, row := range rows {
		msg := fromRow(row)
		fresh = append(fresh, msg)
		fetched[msg.ID] = true
	}
	// Carry forward everything the snapshot predates: optimistic entries the
	// server has not confirmed, and confirmed entries the feed delivered
	// while List was in flight.
	for _, m := range s.messages {
		if m.Pending() {
			if !containsEquivalent(fresh, m, s.dedupWindow) {
				fresh = append(fresh, m)
			}
			continue
		}
		if !fetched[m.ID] {
			fresh = append(fresh, m)
		}
	}
	sortMessages(fresh)
	s.messages = fresh
	s.persistLocked()
	s.transitionLocked(StateReady)
	unread := s.hasUnreadLocked()
	if unread {
		s.scheduleMarkReadLocked()
	}
	s.mu.Unlock()

	s.publish("chat.message_upserted", UpsertNote{ConversationKey: s.key})
}

func (s *Session) loop() {
	defer close(s.loopDone)

	changes := s.changes
	peerChanges := s.peerChanges
	typingSignals := s.typingSignals
	var monitorUpdates <-chan bool
	if s.monitor != nil {
		monitorUpdates = s.monitor.Updates()
	}

	for {
		select {
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.handleChange(c)
		case c, ok := <-peerChanges:
			if !ok {
				peerChanges = nil
				continue
			}
			s.handlePeerChange(c)
		case sig, ok := <-typingSignals:
			if !ok {
				typingSignals = nil
				continue
			}
			s.monitor.Observe(sig.UserID)
		case flip, ok := <-monitorUpdates:
			if !ok {
				monitorUpdates = nil
				continue
			}
			s.publish("chat.peer_typing", TypingNote{ConversationKey: s.key, Typing: flip})
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) handlePeerChange(c remote.Change) {
	if c.Type != remote.ChangeUpdate {
		return
	}
	var row remote.UserRow
	if err := json.Unmarshal(c.Record, &row); err != nil {
		s.logger.Warn("bad peer change payload", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.peer = row
	s.mu.Unlock()
	s.publish("chat.peer_updated", row)
}

// Keystroke notes one typed character: extends the presence deadline and
// drives the typing broadcast debounce.
func (s *Session) Keystroke(ctx context.Context) {
	if s.activity != nil {
		s.activity()
	}
	if s.composer != nil {
		s.composer.Keystroke(ctx)
	}
}

// PeerTyping reports the decaying peer-typing state.
func (s *Session) PeerTyping() bool {
	return s.monitor != nil && s.monitor.Typing()
}

// Messages returns a snapshot of the current list, ordered by createdAt
// ascending.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Peer returns the latest observed peer row.
func (s *Session) Peer() remote.UserRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// State returns the session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close tears the session down. Feed subscriptions are cancelled and timers
// stopped before Close returns, so no stale handler can mutate state
// afterwards.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.transitionLocked(StateClosed)
		if s.readTimer != nil {
			s.readTimer.Stop()
			s.readTimer = nil
		}
		s.mu.Unlock()

		for _, cancel := range s.cancels {
			cancel()
		}
		if s.composer != nil {
			s.composer.Stop()
		}
		if s.monitor != nil {
			s.monitor.Stop()
		}
		if s.typingT != nil {
			s.typingT.Close()
		}
		if s.cancel != nil {
			s.cancel()
		}
		if s.loopStarted {
			<-s.loopDone
		}
	})
}

func (s *Session) transitionLocked(to State) {
	if s.state == to && to != StateReady {
		return
	}
	for _, allowed := range validTransitions[s.state] {
		if allowed == to {
			s.state = to
			return
		}
	}
	if s.state != to {
		s.logger.Warn("invalid state transition ignored",
			zap.String("from", string(s.state)), zap.String("to", string(to)))
	}
}

// persistLocked rewrites the conversation's cache entry. Cache failures are
// recoverable on the next cycle and never surface.
func (s *Session) persistLocked() {
	if err := s.store.Put(cache.ClassMessages, s.key, s.messages); err != nil {
		s.logger.Error("cache write failed", zap.Error(err))
	}
}

func (s *Session) hasUnreadLocked() bool {
	for _, m := range s.messages {
		if m.ReceiverID == s.selfID && !m.IsRead && !m.Pending() {
			return true
		}
	}
	return false
}

func (s *Session) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// UpsertNote is the bus payload for chat.message_upserted.
type UpsertNote struct {
	ConversationKey string
	MessageID       string
}

// TypingNote is the bus payload for chat.peer_typing.
type TypingNote struct {
	ConversationKey string
	Typing          bool
}

// SendFailure is the bus payload for chat.send_failed.
type SendFailure struct {
	ConversationKey string
	PendingID       string
	Err             string
}
