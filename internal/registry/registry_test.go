package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/devconnect-labs/devconnect/internal/ledger"
	"github.com/devconnect-labs/devconnect/internal/session"
)

var (
	dev    = ledger.Address{0xd1}
	client = ledger.Address{0xc1}
)

func testConfig() Config {
	return Config{Retention: 5 * time.Minute, SweepInterval: time.Minute, WatcherBuffer: 16}
}

func requested(id int64, seq uint64) ledger.Event {
	return ledger.Event{Kind: ledger.EventCallRequested, RequestID: id, Developer: dev, Client: client, Seq: seq}
}

func accepted(id int64, seq uint64) ledger.Event {
	return ledger.Event{Kind: ledger.EventCallAccepted, RequestID: id, Developer: dev, Client: client, RoomID: "room-1", Seq: seq}
}

func TestApplyCreatesOnRequested(t *testing.T) {
	r := New(testConfig())

	snap, res, err := r.Apply(requested(1, 1))
	if err != nil || !res.Changed {
		t.Fatalf("apply: got res=%+v err=%v, want created", res, err)
	}
	if snap.Phase != session.PhaseRequested {
		t.Errorf("phase: got %s, want Requested", snap.Phase)
	}

	got, ok := r.Get(1)
	if !ok || got.RequestID != 1 {
		t.Errorf("get: got ok=%v id=%d, want session 1", ok, got.RequestID)
	}
}

// TestApplyUnknownRequest makes sure a response never fabricates a session.
func TestApplyUnknownRequest(t *testing.T) {
	r := New(testConfig())

	_, _, err := r.Apply(accepted(42, 1))
	if !errors.Is(err, ledger.ErrUnknownRequest) {
		t.Fatalf("apply for unknown id: got %v, want ErrUnknownRequest", err)
	}
	if _, ok := r.Get(42); ok {
		t.Error("session was fabricated from a response event")
	}
}

func TestLocalRoundTrip(t *testing.T) {
	r := New(testConfig())
	r.Apply(requested(1, 1))

	snap, res, err := r.ApplyLocal(1, true)
	if err != nil || !res.Changed {
		t.Fatalf("local accept: got res=%+v err=%v", res, err)
	}
	if snap.Phase != session.PhaseAccepted || !snap.Optimistic {
		t.Fatalf("after local accept: got %s optimistic=%v", snap.Phase, snap.Optimistic)
	}

	snap, res, err = r.RevertLocal(1)
	if err != nil || !res.Changed {
		t.Fatalf("revert: got res=%+v err=%v", res, err)
	}
	if snap.Phase != session.PhaseRequested || snap.Optimistic {
		t.Errorf("after revert: got %s optimistic=%v", snap.Phase, snap.Optimistic)
	}

	if _, _, err := r.ApplyLocal(99, true); !errors.Is(err, ledger.ErrUnknownRequest) {
		t.Errorf("local on unknown id: got %v, want ErrUnknownRequest", err)
	}
}

// TestWatcherReceivesUpdates checks both the global and the filtered feed,
// and the conflict flag riding along.
func TestWatcherReceivesUpdates(t *testing.T) {
	r := New(testConfig())

	all := r.Watch(0)
	defer all.Close()
	only2 := r.Watch(2)
	defer only2.Close()

	r.Apply(requested(1, 1))
	r.Apply(requested(2, 2))

	up := recvUpdate(t, all)
	if up.Snapshot.RequestID != 1 {
		t.Errorf("first global update: got id %d, want 1", up.Snapshot.RequestID)
	}
	up = recvUpdate(t, all)
	if up.Snapshot.RequestID != 2 {
		t.Errorf("second global update: got id %d, want 2", up.Snapshot.RequestID)
	}

	up = recvUpdate(t, only2)
	if up.Snapshot.RequestID != 2 {
		t.Errorf("filtered update: got id %d, want 2", up.Snapshot.RequestID)
	}
	select {
	case extra := <-only2.Updates():
		t.Errorf("filtered watcher got unexpected update for id %d", extra.Snapshot.RequestID)
	default:
	}

	// A chain override surfaces as a conflict on the feed.
	r.ApplyLocal(1, true)
	recvUpdate(t, all) // optimistic accept
	r.Apply(ledger.Event{Kind: ledger.EventCallRejected, RequestID: 1, Developer: dev, Client: client, Seq: 3})
	up = recvUpdate(t, all)
	if !up.Conflict {
		t.Error("override update should carry the conflict flag")
	}
}

func recvUpdate(t *testing.T, w *Watcher) Update {
	t.Helper()
	select {
	case up := <-w.Updates():
		return up
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
		return Update{}
	}
}

func TestHasActive(t *testing.T) {
	r := New(testConfig())
	if r.HasActive() {
		t.Error("empty registry reported active sessions")
	}

	r.Apply(requested(1, 1))
	if !r.HasActive() {
		t.Error("requested session should count as active")
	}

	r.Apply(ledger.Event{Kind: ledger.EventCallRejected, RequestID: 1, Developer: dev, Client: client, Seq: 2})
	if r.HasActive() {
		t.Error("rejected session should not count as active")
	}
}

// TestSweepEvictsSettledSessions drives the clock past retention and makes
// sure the evict hook fires for dropped ids only.
func TestSweepEvictsSettledSessions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	var evicted []int64
	r := New(testConfig(), WithClock(clock), WithEvictHook(func(id int64) {
		evicted = append(evicted, id)
	}))

	r.Apply(requested(1, 1))
	r.Apply(requested(2, 2))
	r.Apply(ledger.Event{Kind: ledger.EventCallRejected, RequestID: 1, Developer: dev, Client: client, Seq: 3})

	// Inside retention: nothing goes.
	now = now.Add(time.Minute)
	if got := r.Sweep(); len(got) != 0 {
		t.Fatalf("early sweep evicted %v", got)
	}

	now = now.Add(10 * time.Minute)
	got := r.Sweep()
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("sweep: got %v, want [1]", got)
	}
	if len(evicted) != 1 || evicted[0] != 1 {
		t.Errorf("evict hook: got %v, want [1]", evicted)
	}

	if _, ok := r.Get(1); ok {
		t.Error("evicted session still present")
	}
	if _, ok := r.Get(2); !ok {
		t.Error("live session was evicted")
	}
}

func TestListOrdered(t *testing.T) {
	r := New(testConfig())
	r.Apply(requested(3, 1))
	r.Apply(requested(1, 2))
	r.Apply(requested(2, 3))

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("list length: got %d, want 3", len(list))
	}
	for i, want := range []int64{1, 2, 3} {
		if list[i].RequestID != want {
			t.Errorf("list[%d]: got %d, want %d", i, list[i].RequestID, want)
		}
	}
}
