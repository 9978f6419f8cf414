package presence

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordedWrite struct {
	userID string
	online bool
	at     time.Time
}

type fakeWriter struct {
	mu     sync.Mutex
	writes []recordedWrite
}

func (f *fakeWriter) SetPresence(_ context.Context, userID string, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{userID: userID, online: online, at: time.Now()})
	return nil
}

func (f *fakeWriter) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func testTracker(t *testing.T, inactivity time.Duration) (*Tracker, *fakeWriter) {
	t.Helper()
	w := &fakeWriter{}
	tr := New(w, nil)
	tr.inactivity = inactivity
	t.Cleanup(tr.Close)
	return tr, w
}

func waitForWrites(t *testing.T, w *fakeWriter, n int) []recordedWrite {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := w.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d writes, have %d", n, len(w.snapshot()))
	return nil
}

func TestActivateWritesOnline(t *testing.T) {
	tr, w := testTracker(t, time.Hour)
	tr.Activate("u1")

	writes := waitForWrites(t, w, 1)
	if writes[0].userID != "u1" || !writes[0].online {
		t.Errorf("first write = %+v, want u1 online", writes[0])
	}
}

func TestInactivityTimeoutWritesOfflineOnce(t *testing.T) {
	tr, w := testTracker(t, 50*time.Millisecond)
	tr.Activate("u1")

	writes := waitForWrites(t, w, 2)
	if writes[1].online {
		t.Error("second write should be offline")
	}
	if d := writes[1].at.Sub(writes[0].at); d < 40*time.Millisecond {
		t.Errorf("offline write arrived after %v, want >= ~50ms", d)
	}

	// No further writes after the single timeout.
	time.Sleep(120 * time.Millisecond)
	if got := w.snapshot(); len(got) != 2 {
		t.Errorf("got %d writes, want exactly 2", len(got))
	}
}

func TestRecordActivityPostponesTimeout(t *testing.T) {
	tr, w := testTracker(t, 80*time.Millisecond)
	tr.Activate("u1")

	// Two rapid activity signals, both before the timer fires.
	time.Sleep(30 * time.Millisecond)
	tr.RecordActivity()
	time.Sleep(30 * time.Millisecond)
	tr.RecordActivity()
	lastActivity := time.Now()

	writes := waitForWrites(t, w, 2)
	if writes[1].online {
		t.Error("expected offline write after timeout")
	}
	if writes[1].at.Before(lastActivity.Add(70 * time.Millisecond)) {
		t.Error("offline write fired before the timeout measured from the last activity")
	}
	// Activity while already online must not produce extra online writes.
	for _, wr := range writes[:1] {
		if !wr.online {
			t.Errorf("unexpected early offline write %+v", wr)
		}
	}
	if len(writes) != 2 {
		t.Errorf("got %d writes, want 2 (online, offline)", len(writes))
	}
}

func TestActivityAfterTimeoutReassertsOnline(t *testing.T) {
	tr, w := testTracker(t, 40*time.Millisecond)
	tr.Activate("u1")

	waitForWrites(t, w, 2) // online, offline
	tr.RecordActivity()

	writes := waitForWrites(t, w, 3)
	if !writes[2].online {
		t.Error("activity after idle should write online again")
	}
}

func TestDeactivateClearsUser(t *testing.T) {
	tr, w := testTracker(t, time.Hour)
	tr.Activate("u1")
	tr.Deactivate()

	writes := waitForWrites(t, w, 2)
	if writes[1].online {
		t.Error("deactivate should write offline")
	}

	// Tracker is unbound; activity must not write.
	tr.RecordActivity()
	time.Sleep(30 * time.Millisecond)
	if got := w.snapshot(); len(got) != 2 {
		t.Errorf("got %d writes after deactivate+activity, want 2", len(got))
	}
}

func TestBackgroundForeground(t *testing.T) {
	tr, w := testTracker(t, time.Hour)
	tr.Activate("u1")
	tr.Background()

	writes := waitForWrites(t, w, 2)
	if writes[1].online {
		t.Error("background should write offline")
	}

	tr.Foreground()
	writes = waitForWrites(t, w, 3)
	if !writes[2].online {
		t.Error("foreground should write online")
	}
}

func TestBackgroundCancelsTimer(t *testing.T) {
	tr, w := testTracker(t, 40*time.Millisecond)
	tr.Activate("u1")
	tr.Background()

	waitForWrites(t, w, 2)
	time.Sleep(100 * time.Millisecond)
	// The inactivity timer must not have produced a third write.
	if got := w.snapshot(); len(got) != 2 {
		t.Errorf("got %d writes, want 2 (timer should be cancelled)", len(got))
	}
}

func TestWritesAreOrdered(t *testing.T) {
	tr, w := testTracker(t, time.Hour)
	tr.Activate("u1")
	tr.Background()
	tr.Foreground()
	tr.Deactivate()

	writes := waitForWrites(t, w, 4)
	want := []bool{true, false, true, false}
	for i, online := range want {
		if writes[i].online != online {
			t.Errorf("write %d online = %v, want %v", i, writes[i].online, online)
		}
	}
}
