// Package forum serves the community feed: cached post lists with the
// caller's like state folded in, refreshed when the realtime feed reports
// any forum-table change.
package forum

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nkamdem/palabre/internal/bus"
	"github.com/nkamdem/palabre/internal/cache"
	"github.com/nkamdem/palabre/internal/remote"
	"go.uber.org/zap"
)

// DefaultFeedLimit bounds one feed page.
const DefaultFeedLimit = 50

// refreshDelay coalesces a burst of forum changes into one refetch.
const refreshDelay = 250 * time.Millisecond

// Backend is the remote forum capability the service needs.
type Backend interface {
	ListPosts(ctx context.Context, limit int) ([]remote.ForumPostRow, error)
	LikedPostIDs(ctx context.Context, userID string) (map[string]bool, error)
	InsertPost(ctx context.Context, userID, title, content string, imageURL *string) error
	UpdatePost(ctx context.Context, postID, title, content string, imageURL *string) error
	DeletePost(ctx context.Context, postID string) error
	Like(ctx context.Context, postID, userID string) error
	Unlike(ctx context.Context, postID, userID string) error
	ListComments(ctx context.Context, postID string) ([]remote.ForumCommentRow, error)
	InsertComment(ctx context.Context, postID, userID, content string) error
}

// Feed subscribes to forum-table row changes.
type Feed interface {
	ForumChanges(ctx context.Context) (<-chan remote.Change, func(), error)
}

// Uploader stores post images.
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte, opts remote.UploadOptions) error
	PublicURL(path string) string
}

// Post is one feed entry with the caller's like state resolved.
type Post struct {
	remote.ForumPostRow
	Liked bool
}

// Service owns the feed snapshot for one signed-in user.
type Service struct {
	selfID   string
	backend  Backend
	uploader Uploader
	store    *cache.Store
	bus      *bus.Bus
	logger   *zap.Logger
	limit    int

	mu           sync.Mutex
	posts        []Post
	refreshTimer *time.Timer

	ctx       context.Context
	cancel    context.CancelFunc
	cancelSub func()
	loopDone  chan struct{}
	started   bool
	closeOnce sync.Once
}

// New creates an unstarted feed service.
func New(selfID string, backend Backend, uploader Uploader, store *cache.Store, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		selfID:   selfID,
		backend:  backend,
		uploader: uploader,
		store:    store,
		bus:      b,
		logger:   logger,
		limit:    DefaultFeedLimit,
		loopDone: make(chan struct{}),
	}
}

// Start subscribes to forum changes, serves the cached feed when present,
// and refreshes in the background.
func (s *Service) Start(ctx context.Context, feed Feed) error {
	if s.started {
		return fmt.Errorf("forum service already started")
	}
	s.started = true

	changes, cancelSub, err := feed.ForumChanges(ctx)
	if err != nil {
		return fmt.Errorf("subscribe forum changes: %w", err)
	}
	s.cancelSub = cancelSub
	s.ctx, s.cancel = context.WithCancel(context.Background())

	var cached []Post
	ok, err := s.store.Get(cache.ClassForum, s.selfID, &cached)
	if err != nil {
		s.logger.Error("cache read failed", zap.Error(err))
	}
	if ok {
		s.mu.Lock()
		s.posts = cached
		s.mu.Unlock()
	}

	go s.loop(changes)
	go func() {
		if err := s.Refresh(s.ctx); err != nil {
			s.logger.Warn("feed refresh failed, serving cached state", zap.Error(err))
		}
	}()
	return nil
}

// Refresh refetches the feed and the caller's like set.
func (s *Service) Refresh(ctx context.Context) error {
	rows, err := s.backend.ListPosts(ctx, s.limit)
	if err != nil {
		return fmt.Errorf("list posts: %w", err)
	}
	liked, err := s.backend.LikedPostIDs(ctx, s.selfID)
	if err != nil {
		return fmt.Errorf("list likes: %w", err)
	}

	posts := make([]Post, 0, len(rows))
	for _, row := range rows {
		posts = append(posts, Post{ForumPostRow: row, Liked: liked[row.ID]})
	}

	s.mu.Lock()
	s.posts = posts
	s.persistLocked()
	s.mu.Unlock()

	s.publishInvalidated()
	return nil
}

// Posts returns the current feed snapshot, newest first.
func (s *Service) Posts() []Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Post, len(s.posts))
	copy(out, s.posts)
	return out
}

// CreatePost publishes a post, uploading the image first when one is given.
func (s *Service) CreatePost(ctx context.Context, title, content string, image []byte, contentType string) error {
	title = strings.TrimSpace(title)
	content = strings.TrimSpace(content)
	if title == "" || content == "" {
		return fmt.Errorf("post needs a title and content")
	}

	var imageURL *string
	if len(image) > 0 {
		url, err := s.uploadImage(ctx, image, contentType)
		if err != nil {
			return err
		}
		imageURL = &url
	}
	if err := s.backend.InsertPost(ctx, s.selfID, title, content, imageURL); err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	return s.Refresh(ctx)
}

// EditPost updates a post's text, keeping or replacing its image.
func (s *Service) EditPost(ctx context.Context, postID, title, content string, imageURL *string) error {
	if err := s.backend.UpdatePost(ctx, postID, strings.TrimSpace(title), strings.TrimSpace(content), imageURL); err != nil {
		return fmt.Errorf("update post: %w", err)
	}
	return s.Refresh(ctx)
}

// RemovePost deletes a post.
func (s *Service) RemovePost(ctx context.Context, postID string) error {
	if err := s.backend.DeletePost(ctx, postID); err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	return s.Refresh(ctx)
}

// ToggleLike flips the caller's like on a post. The flip is applied locally
// first and rolled back when the remote write fails.
func (s *Service) ToggleLike(ctx context.Context, postID string) (bool, error) {
	s.mu.Lock()
	idx := -1
	for i, p := range s.posts {
		if p.ID == postID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false, fmt.Errorf("unknown post %s", postID)
	}
	liking := !s.posts[idx].Liked
	s.applyLikeLocked(idx, liking)
	s.mu.Unlock()
	s.publishInvalidated()

	var err error
	if liking {
		err = s.backend.Like(ctx, postID, s.selfID)
	} else {
		err = s.backend.Unlike(ctx, postID, s.selfID)
	}
	if err != nil {
		s.mu.Lock()
		for i, p := range s.posts {
			if p.ID == postID {
				s.applyLikeLocked(i, !liking)
				break
			}
		}
		s.mu.Unlock()
		s.publishInvalidated()
		return !liking, fmt.Errorf("toggle like: %w", err)
	}
	return liking, nil
}

// Comments lists a post's comments, oldest first.
func (s *Service) Comments(ctx context.Context, postID string) ([]remote.ForumCommentRow, error) {
	rows, err := s.backend.ListComments(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return rows, nil
}

// AddComment appends a comment to a post.
func (s *Service) AddComment(ctx context.Context, postID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("empty comment")
	}
	if err := s.backend.InsertComment(ctx, postID, s.selfID, content); err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

// Close stops the feed and waits for the invalidation loop.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.refreshTimer != nil {
			s.refreshTimer.Stop()
			s.refreshTimer = nil
		}
		s.mu.Unlock()
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
		case _, ok := <-changes:
			if !ok {
				return
			}
			s.scheduleRefresh()
		case <-s.ctx.Done():
			return
		}
	}
}

// scheduleRefresh coalesces change bursts: the first change arms the timer,
// the rest ride along.
func (s *Service) scheduleRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshTimer != nil {
		return
	}
	s.refreshTimer = time.AfterFunc(refreshDelay, func() {
		s.mu.Lock()
		s.refreshTimer = nil
		s.mu.Unlock()
		if s.ctx.Err() != nil {
			return
		}
		if err := s.Refresh(s.ctx); err != nil {
			s.logger.Warn("feed refresh failed", zap.Error(err))
		}
	})
}

func (s *Service) applyLikeLocked(i int, liked bool) {
	if s.posts[i].Liked == liked {
		return
	}
	s.posts[i].Liked = liked
	if liked {
		s.posts[i].LikesCount++
	} else if s.posts[i].LikesCount > 0 {
		s.posts[i].LikesCount--
	}
	s.persistLocked()
}

func (s *Service) uploadImage(ctx context.Context, data []byte, contentType string) (string, error) {
	if s.uploader == nil {
		return "", fmt.Errorf("image uploads not configured")
	}
	path := fmt.Sprintf("forum/%s_%d.jpg", s.selfID, time.Now().UnixMilli())
	if err := s.uploader.Upload(ctx, path, data, remote.UploadOptions{
		ContentType: contentType,
		Overwrite:   true,
	}); err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	return s.uploader.PublicURL(path), nil
}

func (s *Service) persistLocked() {
	if err := s.store.Put(cache.ClassForum, s.selfID, s.posts); err != nil {
		s.logger.Error("cache write failed", zap.Error(err))
	}
}

func (s *Service) publishInvalidated() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: "forum.invalidated", Timestamp: time.Now()})
}
