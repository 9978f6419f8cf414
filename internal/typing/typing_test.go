package typing

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	mu    sync.Mutex
	sends []string
}

func (f *fakeTransport) Send(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, userID)
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func TestComposerBroadcastsOncePerBurst(t *testing.T) {
	tr := &fakeTransport{}
	c := NewComposer(tr, "u1", nil)
	c.debounce = 50 * time.Millisecond
	defer c.Stop()

	ctx := context.Background()
	c.Keystroke(ctx)
	c.Keystroke(ctx)
	c.Keystroke(ctx)

	if got := tr.count(); got != 1 {
		t.Errorf("broadcasts = %d for one burst, want 1", got)
	}
}

func TestComposerRebroadcastsAfterDebounce(t *testing.T) {
	tr := &fakeTransport{}
	c := NewComposer(tr, "u1", nil)
	c.debounce = 30 * time.Millisecond
	defer c.Stop()

	ctx := context.Background()
	c.Keystroke(ctx)
	time.Sleep(60 * time.Millisecond) // debounce fires, typing state exits
	c.Keystroke(ctx)

	if got := tr.count(); got != 2 {
		t.Errorf("broadcasts = %d across two bursts, want 2", got)
	}
}

func TestComposerDebounceResetsOnKeystroke(t *testing.T) {
	tr := &fakeTransport{}
	c := NewComposer(tr, "u1", nil)
	c.debounce = 60 * time.Millisecond
	defer c.Stop()

	ctx := context.Background()
	c.Keystroke(ctx)
	time.Sleep(40 * time.Millisecond)
	c.Keystroke(ctx) // still within debounce, resets it
	time.Sleep(40 * time.Millisecond)
	c.Keystroke(ctx) // still one burst

	if got := tr.count(); got != 1 {
		t.Errorf("broadcasts = %d, want 1 (debounce keeps resetting)", got)
	}
}

func TestMonitorSetsAndDecays(t *testing.T) {
	m := NewMonitor("self")
	m.decay = 40 * time.Millisecond
	defer m.Stop()

	m.Observe("peer")
	if !m.Typing() {
		t.Fatal("Typing() = false after signal")
	}

	select {
	case state := <-m.Updates():
		if !state {
			t.Error("first update should be true")
		}
	case <-time.After(time.Second):
		t.Fatal("no update for typing start")
	}

	select {
	case state := <-m.Updates():
		if state {
			t.Error("decay update should be false")
		}
	case <-time.After(time.Second):
		t.Fatal("no decay update")
	}
	if m.Typing() {
		t.Error("Typing() = true after decay")
	}
}

func TestMonitorIgnoresSelf(t *testing.T) {
	m := NewMonitor("self")
	defer m.Stop()

	m.Observe("self")
	if m.Typing() {
		t.Error("self signal must not set peer typing")
	}
}

func TestMonitorDecayRestartsOnSignal(t *testing.T) {
	m := NewMonitor("self")
	m.decay = 60 * time.Millisecond
	defer m.Stop()

	m.Observe("peer")
	time.Sleep(40 * time.Millisecond)
	m.Observe("peer") // restarts decay
	time.Sleep(40 * time.Millisecond)

	if !m.Typing() {
		t.Error("peer typing decayed despite a fresh signal")
	}
}

func TestMonitorStopIsFinal(t *testing.T) {
	m := NewMonitor("self")
	m.Stop()
	m.Stop() // idempotent
	m.Observe("peer")
	if m.Typing() {
		t.Error("Observe after Stop must not set state")
	}
}
