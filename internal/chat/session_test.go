package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nkamdem/palabre/internal/cache"
	"github.com/nkamdem/palabre/internal/remote"
)

type fakeBackend struct {
	mu        sync.Mutex
	listRows  []remote.MessageRow
	listErr   error
	listBlock chan struct{} // when set, List waits on it
	inserted  []remote.NewMessage
	insertErr error
	block     chan struct{} // when set, Insert waits on it
	marks     int
	seq       int
}

func (b *fakeBackend) List(_ context.Context, _ string) ([]remote.MessageRow, error) {
	b.mu.Lock()
	block := b.listBlock
	b.mu.Unlock()
	if block != nil {
		<-block
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	out := make([]remote.MessageRow, len(b.listRows))
	copy(out, b.listRows)
	return out, nil
}

func (b *fakeBackend) Insert(_ context.Context, row remote.NewMessage) (remote.MessageRow, error) {
	b.mu.Lock()
	b.inserted = append(b.inserted, row)
	block := b.block
	b.mu.Unlock()

	if block != nil {
		<-block
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.insertErr != nil {
		return remote.MessageRow{}, b.insertErr
	}
	b.seq++
	return remote.MessageRow{
		ID:         fmt.Sprintf("srv-%d", b.seq),
		ChatKey:    row.ChatKey,
		SenderID:   row.SenderID,
		ReceiverID: row.ReceiverID,
		Message:    row.Message,
		ImageURL:   row.ImageURL,
		ClientKey:  row.ClientKey,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func (b *fakeBackend) MarkRead(_ context.Context, _, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marks++
	return nil
}

func (b *fakeBackend) markCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.marks
}

func (b *fakeBackend) lastInsert() (remote.NewMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.inserted) == 0 {
		return remote.NewMessage{}, false
	}
	return b.inserted[len(b.inserted)-1], true
}

type fakeFeed struct {
	mu        sync.Mutex
	msgCh     chan remote.Change
	userCh    chan remote.Change
	cancelled int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		msgCh:  make(chan remote.Change, 16),
		userCh: make(chan remote.Change, 16),
	}
}

func (f *fakeFeed) MessageChanges(_ context.Context, _ string) (<-chan remote.Change, func(), error) {
	return f.msgCh, f.noteCancel, nil
}

func (f *fakeFeed) UserChanges(_ context.Context, _ string) (<-chan remote.Change, func(), error) {
	return f.userCh, f.noteCancel, nil
}

func (f *fakeFeed) noteCancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
}

func (f *fakeFeed) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *fakeFeed) pushInsert(t *testing.T, row remote.MessageRow) {
	t.Helper()
	raw, err := json.Marshal(row)
	if err != nil {
		t.Fatalf("marshal change: %v", err)
	}
	f.msgCh <- remote.Change{Type: remote.ChangeInsert, Table: "messages", Record: raw}
}

func (f *fakeFeed) pushUpdate(t *testing.T, row remote.MessageRow) {
	t.Helper()
	raw, err := json.Marshal(row)
	if err != nil {
		t.Fatalf("marshal change: %v", err)
	}
	f.msgCh <- remote.Change{Type: remote.ChangeUpdate, Table: "messages", Record: raw}
}

func testStore(t *testing.T) *cache.Store {
	t.Helper()
	s, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), cache.DefaultMaxBytes, nil)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestSession(t *testing.T, backend *fakeBackend, feed *fakeFeed) *Session {
	t.Helper()
	s := NewSession(Config{
		ConversationKey: Key("self", "peer"),
		SelfID:          "self",
		SelfName:        "Self",
		Peer:            remote.UserRow{ID: "peer", Name: "Peer"},
		Backend:         backend,
		Feed:            feed,
		Cache:           testStore(t),
	})
	s.readDelay = 20 * time.Millisecond
	t.Cleanup(s.Close)
	return s
}

func startSession(t *testing.T, s *Session) {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitFor(t, "session ready", func() bool { return s.State() == StateReady })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ptr(s string) *string { return &s }

func TestStartServesRemoteMessages(t *testing.T) {
	backend := &fakeBackend{listRows: []remote.MessageRow{
		{ID: "m1", ChatKey: Key("self", "peer"), SenderID: "peer", ReceiverID: "self",
			Message: ptr("salut"), IsRead: true, CreatedAt: time.Now().Add(-time.Minute)},
	}}
	s := newTestSession(t, backend, newFakeFeed())
	startSession(t, s)

	waitFor(t, "remote message", func() bool { return len(s.Messages()) == 1 })
	if got := s.Messages()[0].ID; got != "m1" {
		t.Errorf("message id = %q, want m1", got)
	}
}

func TestStartServesCacheWhenRemoteFails(t *testing.T) {
	key := Key("self", "peer")
	store := testStore(t)
	cached := []Message{{ID: "m1", ConversationKey: key, SenderID: "peer",
		ReceiverID: "self", Body: ptr("cached"), IsRead: true, CreatedAt: time.Now()}}
	if err := store.Put(cache.ClassMessages, key, cached); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	backend := &fakeBackend{listErr: fmt.Errorf("network down")}
	s := NewSession(Config{
		ConversationKey: key,
		SelfID:          "self",
		Peer:            remote.UserRow{ID: "peer"},
		Backend:         backend,
		Feed:            newFakeFeed(),
		Cache:           store,
	})
	t.Cleanup(s.Close)
	startSession(t, s)

	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("messages = %+v, want the cached entry", msgs)
	}
}

func TestSendTextConfirmsOptimisticEntry(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestSession(t, backend, newFakeFeed())
	startSession(t, s)

	if err := s.SendText(context.Background(), "  hello  "); err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].Pending() {
		t.Error("message still pending after confirmed send")
	}
	if msgs[0].ID != "srv-1" {
		t.Errorf("id = %q, want server id", msgs[0].ID)
	}
	if *msgs[0].Body != "hello" {
		t.Errorf("body = %q, want trimmed text", *msgs[0].Body)
	}
	if ins, ok := backend.lastInsert(); !ok || ins.ClientKey == "" {
		t.Error("insert did not carry a client key")
	}
}

func TestSendTextRollsBackOnFailure(t *testing.T) {
	backend := &fakeBackend{insertErr: fmt.Errorf("insert rejected")}
	s := newTestSession(t, backend, newFakeFeed())
	startSession(t, s)

	if err := s.SendText(context.Background(), "hello"); err == nil {
		t.Fatal("send succeeded against a failing backend")
	}
	if got := len(s.Messages()); got != 0 {
		t.Fatalf("messages = %d after rollback, want 0", got)
	}

	var persisted []Message
	ok, err := s.store.Get(cache.ClassMessages, s.key, &persisted)
	if err != nil {
		t.Fatalf("cache read: %v", err)
	}
	if ok && len(persisted) != 0 {
		t.Errorf("cache retains %d entries after rollback", len(persisted))
	}
}

func TestSendRejectsEmptyText(t *testing.T) {
	s := newTestSession(t, &fakeBackend{}, newFakeFeed())
	startSession(t, s)

	if err := s.SendText(context.Background(), "   "); err != ErrEmptyMessage {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestEchoBeforeResponseLeavesSingleMessage(t *testing.T) {
	// The realtime echo of our own insert can land before the HTTP response.
	// Whichever path wins, exactly one copy of the message stays visible.
	backend := &fakeBackend{block: make(chan struct{})}
	feed := newFakeFeed()
	s := newTestSession(t, backend, feed)
	startSession(t, s)

	done := make(chan error, 1)
	go func() { done <- s.SendText(context.Background(), "hi") }()

	waitFor(t, "insert captured", func() bool {
		_, ok := backend.lastInsert()
		return ok
	})
	ins, _ := backend.lastInsert()

	echo := remote.MessageRow{
		ID:         "srv-1",
		ChatKey:    s.key,
		SenderID:   "self",
		ReceiverID: "peer",
		Message:    ptr("hi"),
		ClientKey:  ins.ClientKey,
		CreatedAt:  time.Now().UTC(),
	}
	feed.pushInsert(t, echo)
	waitFor(t, "echo confirmation", func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && msgs[0].ID == "srv-1"
	})

	close(backend.block)
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d after echo + response, want 1", len(msgs))
	}
	if msgs[0].Pending() {
		t.Error("message still pending")
	}
}

func TestRefreshKeepsFeedInsertsAppliedDuringFetch(t *testing.T) {
	// A confirmed message can arrive on the feed while the initial List is
	// still in flight. The older snapshot must not un-apply it.
	backend := &fakeBackend{listBlock: make(chan struct{})}
	feed := newFakeFeed()
	s := newTestSession(t, backend, feed)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start session: %v", err)
	}

	feed.pushInsert(t, remote.MessageRow{
		ID: "m1", ChatKey: s.key, SenderID: "peer", ReceiverID: "self",
		Message: ptr("salut"), IsRead: true, CreatedAt: time.Now().UTC(),
	})
	waitFor(t, "feed insert applied", func() bool { return len(s.Messages()) == 1 })

	// The snapshot lands after the insert and predates it.
	close(backend.listBlock)
	waitFor(t, "session ready", func() bool { return s.State() == StateReady })

	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("messages = %+v after refresh, want the feed insert kept", msgs)
	}
}

func TestDuplicateInsertIgnored(t *testing.T) {
	feed := newFakeFeed()
	s := newTestSession(t, &fakeBackend{}, feed)
	startSession(t, s)

	row := remote.MessageRow{ID: "m1", ChatKey: s.key, SenderID: "peer",
		ReceiverID: "self", Message: ptr("yo"), IsRead: true, CreatedAt: time.Now()}
	feed.pushInsert(t, row)
	feed.pushInsert(t, row)

	waitFor(t, "insert applied", func() bool { return len(s.Messages()) >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := len(s.Messages()); got != 1 {
		t.Errorf("messages = %d after duplicate insert, want 1", got)
	}
}

func TestHeuristicConfirmsKeylessEcho(t *testing.T) {
	feed := newFakeFeed()
	s := newTestSession(t, &fakeBackend{}, feed)
	startSession(t, s)

	now := time.Now().UTC()
	s.mu.Lock()
	s.messages = append(s.messages, Message{
		ID: PendingPrefix + "x", ConversationKey: s.key, SenderID: "self",
		ReceiverID: "peer", Body: ptr("hi"), CreatedAt: now, IsPending: true,
	})
	s.mu.Unlock()

	// Echo written by a client that attaches no client key.
	feed.pushInsert(t, remote.MessageRow{
		ID: "m9", ChatKey: s.key, SenderID: "self", ReceiverID: "peer",
		Message: ptr("hi"), CreatedAt: now.Add(2 * time.Second),
	})

	waitFor(t, "heuristic confirmation", func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && msgs[0].ID == "m9" && !msgs[0].Pending()
	})
}

func TestUpdatePreservesOrdering(t *testing.T) {
	feed := newFakeFeed()
	s := newTestSession(t, &fakeBackend{}, feed)
	startSession(t, s)

	early := time.Now().Add(-time.Hour)
	feed.pushInsert(t, remote.MessageRow{ID: "m1", ChatKey: s.key, SenderID: "self",
		ReceiverID: "peer", Message: ptr("first"), IsRead: false, CreatedAt: early})
	feed.pushInsert(t, remote.MessageRow{ID: "m2", ChatKey: s.key, SenderID: "self",
		ReceiverID: "peer", Message: ptr("second"), IsRead: false, CreatedAt: early.Add(time.Minute)})
	waitFor(t, "inserts applied", func() bool { return len(s.Messages()) == 2 })

	// Read receipt arrives with a drifted created_at; ordering must hold.
	feed.pushUpdate(t, remote.MessageRow{ID: "m1", ChatKey: s.key, SenderID: "self",
		ReceiverID: "peer", Message: ptr("first"), IsRead: true, CreatedAt: time.Now()})

	waitFor(t, "update applied", func() bool {
		msgs := s.Messages()
		return len(msgs) == 2 && msgs[0].IsRead
	})
	msgs := s.Messages()
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Errorf("order = [%s %s], want [m1 m2]", msgs[0].ID, msgs[1].ID)
	}
	if !msgs[0].CreatedAt.Equal(early) {
		t.Error("update replaced the original createdAt")
	}
}

func TestIncomingUnreadTriggersMarkRead(t *testing.T) {
	backend := &fakeBackend{}
	feed := newFakeFeed()
	s := newTestSession(t, backend, feed)
	startSession(t, s)

	for i := 0; i < 3; i++ {
		feed.pushInsert(t, remote.MessageRow{
			ID: fmt.Sprintf("m%d", i), ChatKey: s.key, SenderID: "peer",
			ReceiverID: "self", Message: ptr("msg"), CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		})
	}

	waitFor(t, "mark read flush", func() bool { return backend.markCount() >= 1 })
	time.Sleep(60 * time.Millisecond)
	if got := backend.markCount(); got != 1 {
		t.Errorf("mark read calls = %d for one burst, want 1", got)
	}
}

func TestCloseStopsTheSession(t *testing.T) {
	feed := newFakeFeed()
	s := newTestSession(t, &fakeBackend{}, feed)
	startSession(t, s)

	s.Close()
	s.Close() // idempotent

	if got := feed.cancelCount(); got == 0 {
		t.Error("feed subscriptions not cancelled on close")
	}
	if err := s.SendText(context.Background(), "late"); err != ErrClosed {
		t.Errorf("send after close: err = %v, want ErrClosed", err)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", s.State())
	}
}

func TestPeerUpdateIsObserved(t *testing.T) {
	feed := newFakeFeed()
	s := newTestSession(t, &fakeBackend{}, feed)
	startSession(t, s)

	raw, err := json.Marshal(remote.UserRow{ID: "peer", Name: "Peer", IsOnline: true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	feed.userCh <- remote.Change{Type: remote.ChangeUpdate, Table: "users", Record: raw}

	waitFor(t, "peer update", func() bool { return s.Peer().IsOnline })
}
