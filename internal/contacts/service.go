// Package contacts maintains the user directory: a cache-first list of all
// other users, kept current from the realtime users feed.
package contacts

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nkamdem/palabre/internal/bus"
	"github.com/nkamdem/palabre/internal/cache"
	"github.com/nkamdem/palabre/internal/remote"
	"go.uber.org/zap"
)

// Directory is the remote users capability the service needs.
type Directory interface {
	Get(ctx context.Context, id string) (remote.UserRow, error)
	ListOthers(ctx context.Context, selfID string) ([]remote.UserRow, error)
}

// Feed subscribes to users-table row changes.
type Feed interface {
	UserChanges(ctx context.Context, userID string) (<-chan remote.Change, func(), error)
}

// Service owns the directory snapshot for one signed-in user.
type Service struct {
	selfID string
	dir    Directory
	feed   Feed
	store  *cache.Store
	bus    *bus.Bus
	logger *zap.Logger

	mu    sync.Mutex
	users []remote.UserRow

	ctx       context.Context
	cancel    context.CancelFunc
	cancelSub func()
	loopDone  chan struct{}
	started   bool
	closeOnce sync.Once
}

// New creates an unstarted directory service.
func New(selfID string, dir Directory, feed Feed, store *cache.Store, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		selfID:   selfID,
		dir:      dir,
		feed:     feed,
		store:    store,
		bus:      b,
		logger:   logger,
		loopDone: make(chan struct{}),
	}
}

// Start subscribes to the users feed, serves the cached directory when
// present, and refreshes from the remote store in the background.
func (s *Service) Start(ctx context.Context) error {
	if s.started {
		return fmt.Errorf("contacts service already started")
	}
	s.started = true

	changes, cancelSub, err := s.feed.UserChanges(ctx, "")
	if err != nil {
		return fmt.Errorf("subscribe user changes: %w", err)
	}
	s.cancelSub = cancelSub
	s.ctx, s.cancel = context.WithCancel(context.Background())

	var cached []remote.UserRow
	ok, err := s.store.Get(cache.ClassContacts, s.selfID, &cached)
	if err != nil {
		s.logger.Error("cache read failed", zap.Error(err))
	}
	if ok {
		s.mu.Lock()
		s.users = cached
		s.mu.Unlock()
	}

	go s.loop(changes)
	go func() {
		if err := s.Refresh(s.ctx); err != nil {
			s.logger.Warn("directory refresh failed, serving cached state", zap.Error(err))
		}
	}()
	return nil
}

// Refresh replaces the snapshot with the remote list.
func (s *Service) Refresh(ctx context.Context) error {
	rows, err := s.dir.ListOthers(ctx, s.selfID)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	sortUsers(rows)

	s.mu.Lock()
	s.users = rows
	s.persistLocked()
	s.mu.Unlock()

	s.publishChanged()
	return nil
}

// List returns a snapshot of the directory, sorted by name.
func (s *Service) List() []remote.UserRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.UserRow, len(s.users))
	copy(out, s.users)
	return out
}

// Profile returns one user's row, cache-first with the profile TTL.
func (s *Service) Profile(ctx context.Context, id string) (remote.UserRow, error) {
	var row remote.UserRow
	ok, err := s.store.Get(cache.ClassProfile, id, &row)
	if err != nil {
		s.logger.Error("cache read failed", zap.Error(err))
	}
	if ok {
		return row, nil
	}

	row, err = s.dir.Get(ctx, id)
	if err != nil {
		return remote.UserRow{}, fmt.Errorf("fetch profile %s: %w", id, err)
	}
	if err := s.store.Put(cache.ClassProfile, id, row); err != nil {
		s.logger.Error("cache write failed", zap.Error(err))
	}
	return row, nil
}

// Close stops the feed and waits for the apply loop to drain.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		if s.cancelSub != nil {
			s.cancelSub()
		}
		if s.cancel != nil {
			s.cancel()
		}
		if s.started {
			<-s.loopDone
		}
	})
}

func (s *Service) loop(changes <-chan remote.Change) {
	defer close(s.loopDone)
	for {
		select {
		case c, ok := <-changes:
			if !ok {
				return
			}
			s.apply(c)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) apply(c remote.Change) {
	switch c.Type {
	case remote.ChangeInsert, remote.ChangeUpdate:
		var row remote.UserRow
		if err := json.Unmarshal(c.Record, &row); err != nil {
			s.logger.Warn("bad user change payload", zap.Error(err))
			return
		}
		if row.ID == "" || row.ID == s.selfID {
			return
		}
		s.upsert(row)
	case remote.ChangeDelete:
		var old remote.UserRow
		if len(c.OldRecord) > 0 {
			if err := json.Unmarshal(c.OldRecord, &old); err != nil {
				s.logger.Warn("bad user delete payload", zap.Error(err))
				return
			}
		}
		if old.ID == "" {
			return
		}
		s.remove(old.ID)
	}
}

func (s *Service) upsert(row remote.UserRow) {
	s.mu.Lock()
	replaced := false
	for i, u := range s.users {
		if u.ID == row.ID {
			s.users[i] = row
			replaced = true
			break
		}
	}
	if !replaced {
		s.users = append(s.users, row)
		sortUsers(s.users)
	}
	s.persistLocked()
	s.mu.Unlock()

	// Keep any cached standalone profile in step with the directory.
	if err := s.store.Put(cache.ClassProfile, row.ID, row); err != nil {
		s.logger.Error("cache write failed", zap.Error(err))
	}
	s.publishChanged()
}

func (s *Service) remove(id string) {
	s.mu.Lock()
	kept := s.users[:0]
	removed := false
	for _, u := range s.users {
		if u.ID == id {
			removed = true
			continue
		}
		kept = append(kept, u)
	}
	s.users = kept
	if removed {
		s.persistLocked()
	}
	s.mu.Unlock()

	if removed {
		if err := s.store.Invalidate(cache.ClassProfile, id); err != nil {
			s.logger.Error("cache invalidate failed", zap.Error(err))
		}
		s.publishChanged()
	}
}

func (s *Service) persistLocked() {
	if err := s.store.Put(cache.ClassContacts, s.selfID, s.users); err != nil {
		s.logger.Error("cache write failed", zap.Error(err))
	}
}

func (s *Service) publishChanged() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: "contacts.changed", Timestamp: time.Now()})
}

func sortUsers(users []remote.UserRow) {
	sort.Slice(users, func(i, j int) bool {
		return users[i].Name < users[j].Name
	})
}
