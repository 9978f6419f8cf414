package contacts

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

type fakeDirectory struct {
	mu      sync.Mutex
	users   []remote.UserRow
	listErr error
	gets    int
}

func (d *fakeDirectory) Get(_ context.Context, id string) (remote.UserRow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gets++
	for _, u := range d.users {
		if u.ID == id {
			return u, nil
		}
	}
	return remote.UserRow{}, remote.ErrNoRows
}

func (d *fakeDirectory) ListOthers(_ context.Context, selfID string) ([]remote.UserRow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listErr != nil {
		return nil, d.listErr
	}
	var out []remote.UserRow
	for _, u := range d.users {
		if u.ID != selfID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (d *fakeDirectory) getCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gets
}

type fakeFeed struct {
	ch chan remote.Change
}

func (f *fakeFeed) UserChanges(_ context.Context, _ string) (<-chan remote.Change, func(), error) {
	return f.ch, func() {}, nil
}

func (f *fakeFeed) push(t *testing.T, typ remote.ChangeType, row remote.UserRow) {
	t.Helper()
	raw, err := json.Marshal(row)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c := remote.Change{Type: typ, Table: "users", Record: raw}
	if typ == remote.ChangeDelete {
		c = remote.Change{Type: typ, Table: "users", OldRecord: raw}
	}
	f.ch <- c
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

func startService(t *testing.T, dir *fakeDirectory, store *cache.Store) (*Service, *fakeFeed) {
	t.Helper()
	feed := &fakeFeed{ch: make(chan remote.Change, 16)}
	svc := New("self", dir, feed, store, nil, nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc, feed
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

func TestStartLoadsDirectory(t *testing.T) {
	dir := &fakeDirectory{users: []remote.UserRow{
		{ID: "self", Name: "Self"},
		{ID: "u2", Name: "Bea"},
		{ID: "u3", Name: "Ada"},
	}}
	svc, _ := startService(t, dir, testStore(t))

	waitFor(t, "directory load", func() bool { return len(svc.List()) == 2 })
	users := svc.List()
	if users[0].Name != "Ada" || users[1].Name != "Bea" {
		t.Errorf("order = [%s %s], want name-sorted", users[0].Name, users[1].Name)
	}
	for _, u := range users {
		if u.ID == "self" {
			t.Error("directory includes self")
		}
	}
}

func TestStartServesCacheWhenRemoteFails(t *testing.T) {
	store := testStore(t)
	cached := []remote.UserRow{{ID: "u2", Name: "Bea"}}
	if err := store.Put(cache.ClassContacts, "self", cached); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	dir := &fakeDirectory{listErr: fmt.Errorf("offline")}
	svc, _ := startService(t, dir, store)

	if got := len(svc.List()); got != 1 {
		t.Fatalf("list = %d entries, want cached entry", got)
	}
}

func TestFeedUpsertsAndRemoves(t *testing.T) {
	dir := &fakeDirectory{}
	svc, feed := startService(t, dir, testStore(t))

	feed.push(t, remote.ChangeInsert, remote.UserRow{ID: "u2", Name: "Bea"})
	waitFor(t, "insert", func() bool { return len(svc.List()) == 1 })

	feed.push(t, remote.ChangeUpdate, remote.UserRow{ID: "u2", Name: "Bea", IsOnline: true})
	waitFor(t, "update", func() bool {
		l := svc.List()
		return len(l) == 1 && l[0].IsOnline
	})

	feed.push(t, remote.ChangeDelete, remote.UserRow{ID: "u2"})
	waitFor(t, "delete", func() bool { return len(svc.List()) == 0 })
}

func TestFeedIgnoresSelf(t *testing.T) {
	svc, feed := startService(t, &fakeDirectory{}, testStore(t))

	feed.push(t, remote.ChangeUpdate, remote.UserRow{ID: "self", Name: "Self"})
	time.Sleep(30 * time.Millisecond)
	if got := len(svc.List()); got != 0 {
		t.Errorf("list = %d, own row must not join the directory", got)
	}
}

func TestProfileIsCached(t *testing.T) {
	dir := &fakeDirectory{users: []remote.UserRow{{ID: "u2", Name: "Bea"}}}
	svc, _ := startService(t, dir, testStore(t))

	ctx := context.Background()
	if _, err := svc.Profile(ctx, "u2"); err != nil {
		t.Fatalf("first profile fetch: %v", err)
	}
	first := dir.getCount()
	if _, err := svc.Profile(ctx, "u2"); err != nil {
		t.Fatalf("second profile fetch: %v", err)
	}
	if dir.getCount() != first {
		t.Error("second fetch hit the remote store despite a fresh cache entry")
	}
}
