package eventsource

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devconnect-labs/devconnect/internal/ledger"
	"github.com/devconnect-labs/devconnect/internal/ledger/ledgertest"
)

var (
	dev    = ledger.Address{0xd1}
	client = ledger.Address{0xc1}
)

func testConfig() Config {
	return Config{
		PollInterval:       time.Hour, // poll driven manually in tests
		ParkTimeout:        30 * time.Second,
		ResubscribeBackoff: 10 * time.Millisecond,
		SubscriberBuffer:   16,
	}
}

func requested(id int64, tx string) ledger.Event {
	return ledger.Event{Kind: ledger.EventCallRequested, RequestID: id, Developer: dev, Client: client, TxHash: ledger.TxHash(tx)}
}

func accepted(id int64, tx string) ledger.Event {
	return ledger.Event{Kind: ledger.EventCallAccepted, RequestID: id, Developer: dev, Client: client, RoomID: "room-1", TxHash: ledger.TxHash(tx)}
}

func recv(t *testing.T, sub *Subscription) ledger.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return ledger.Event{}
	}
}

func expectNone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event: %s for request %d", ev.Kind, ev.RequestID)
	case <-time.After(20 * time.Millisecond):
	}
}

// TestDedupAcrossFeeds delivers the same logical event from both feeds and
// expects a single delivery.
func TestDedupAcrossFeeds(t *testing.T) {
	s := New(ledgertest.New(), testConfig())
	sub := s.Subscribe()
	defer sub.Close()

	s.deliver(requested(1, "0xaa"), false) // push copy
	s.deliver(requested(1, "0xaa"), false) // poll copy

	ev := recv(t, sub)
	if ev.Kind != ledger.EventCallRequested || ev.Seq != 1 {
		t.Errorf("first delivery: got kind=%s seq=%d, want CallRequested seq=1", ev.Kind, ev.Seq)
	}
	expectNone(t, sub)
}

// TestResponseParkedUntilRequested covers the reorder window: the accept
// arrives first, the request later, and the consumer still sees them in
// lifecycle order.
func TestResponseParkedUntilRequested(t *testing.T) {
	s := New(ledgertest.New(), testConfig())
	sub := s.Subscribe()
	defer sub.Close()

	s.deliver(accepted(1, "0xbb"), false)
	expectNone(t, sub)

	s.deliver(requested(1, "0xaa"), false)

	first := recv(t, sub)
	second := recv(t, sub)
	if first.Kind != ledger.EventCallRequested || second.Kind != ledger.EventCallAccepted {
		t.Fatalf("order: got %s then %s, want CallRequested then CallAccepted", first.Kind, second.Kind)
	}
	if second.Stale {
		t.Error("released event wrongly flagged stale")
	}
	if first.Seq >= second.Seq {
		t.Errorf("seq order: got %d then %d", first.Seq, second.Seq)
	}
}

// TestParkTimeoutDeliversStale expires the park window and expects the
// response delivered flagged, not dropped.
func TestParkTimeoutDeliversStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(ledgertest.New(), testConfig(), WithClock(func() time.Time { return now }))
	sub := s.Subscribe()
	defer sub.Close()

	s.deliver(accepted(7, "0xcc"), false)
	s.releaseExpired()
	expectNone(t, sub)

	now = now.Add(time.Minute)
	s.releaseExpired()

	ev := recv(t, sub)
	if ev.Kind != ledger.EventCallAccepted || !ev.Stale {
		t.Errorf("expired release: got kind=%s stale=%v, want CallAccepted stale", ev.Kind, ev.Stale)
	}
}

// TestParkedDuplicateCollapses parks the same response from both feeds and
// expects one delivery after release.
func TestParkedDuplicateCollapses(t *testing.T) {
	s := New(ledgertest.New(), testConfig())
	sub := s.Subscribe()
	defer sub.Close()

	s.deliver(accepted(1, "0xbb"), false)
	s.deliver(accepted(1, "0xbb"), false)
	s.deliver(requested(1, "0xaa"), false)

	recv(t, sub) // requested
	recv(t, sub) // accepted, once
	expectNone(t, sub)
}

// TestAuxEventsKeyedByTransaction allows repeated roster events across
// transactions while still collapsing cross-feed copies.
func TestAuxEventsKeyedByTransaction(t *testing.T) {
	s := New(ledgertest.New(), testConfig())
	sub := s.Subscribe()
	defer sub.Close()

	toggle := func(tx string) ledger.Event {
		return ledger.Event{Kind: ledger.EventAvailabilityToggled, Developer: dev, TxHash: ledger.TxHash(tx)}
	}

	s.deliver(toggle("0x01"), false)
	s.deliver(toggle("0x01"), false) // other feed
	s.deliver(toggle("0x02"), false) // later toggle

	recv(t, sub)
	ev := recv(t, sub)
	if ev.TxHash != "0x02" {
		t.Errorf("second delivery: got tx %s, want 0x02", ev.TxHash)
	}
	expectNone(t, sub)
}

// TestForgetReleasesDedupState re-admits a request id after its state was
// dropped.
func TestForgetReleasesDedupState(t *testing.T) {
	s := New(ledgertest.New(), testConfig())
	sub := s.Subscribe()
	defer sub.Close()

	s.deliver(requested(1, "0xaa"), false)
	recv(t, sub)

	s.Forget(1)

	s.deliver(requested(1, "0xaa"), false)
	ev := recv(t, sub)
	if ev.Kind != ledger.EventCallRequested {
		t.Errorf("re-delivery after forget: got %s", ev.Kind)
	}
}

// TestCloseDuringFanout races subscriber churn against concurrent
// deliveries: detaching one consumer must never panic the stream or
// disturb the others.
func TestCloseDuringFanout(t *testing.T) {
	s := New(ledgertest.New(), testConfig())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				id := int64(g*1_000_000 + i)
				s.deliver(requested(id, "0xaa"), false)
			}
		}(g)
	}

	for i := 0; i < 500; i++ {
		subs := make([]*Subscription, 8)
		for j := range subs {
			subs[j] = s.Subscribe()
		}
		for _, sub := range subs {
			go sub.Close()
		}
	}
	close(stop)
	wg.Wait()

	// The stream still serves a fresh consumer afterwards.
	keeper := s.Subscribe()
	defer keeper.Close()
	s.deliver(requested(-1, "0xbb"), false)
	drainUntil(t, keeper, -1)
}

func drainUntil(t *testing.T, sub *Subscription, id int64) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatal("subscription closed unexpectedly")
			}
			if ev.RequestID == id {
				return
			}
		case <-deadline:
			t.Fatalf("event for request %d never arrived", id)
		}
	}
}

// TestPushActivationRefCounted attaches and detaches consumers and watches
// the live subscription follow.
func TestPushActivationRefCounted(t *testing.T) {
	fake := ledgertest.New()
	cfg := testConfig()
	s := New(fake, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return subCalls(fake) == 0 })

	sub := s.Subscribe()
	waitFor(t, func() bool { return subCalls(fake) == 1 })

	fake.Pushed <- requested(1, "0xaa")
	ev := recv(t, sub)
	if ev.RequestID != 1 {
		t.Errorf("push delivery: got id %d, want 1", ev.RequestID)
	}

	sub.Close()
	sub2 := s.Subscribe()
	defer sub2.Close()
	// A fresh consumer forces a fresh upstream subscription.
	waitFor(t, func() bool { return subCalls(fake) >= 2 })

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

// TestPollGate keeps the poll feed quiet with no consumers and no active
// sessions.
func TestPollGate(t *testing.T) {
	fake := ledgertest.New()
	cfg := testConfig()
	cfg.PollInterval = 10 * time.Millisecond

	var active atomic.Bool
	s := New(fake, cfg, WithPollGate(active.Load))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	if n := filterCalls(fake); n != 0 {
		t.Fatalf("gated poll ran %d times", n)
	}

	active.Store(true)
	waitFor(t, func() bool { return filterCalls(fake) > 0 })
}

func subCalls(f *ledgertest.Fake) int {
	n, _, _ := f.Stats()
	return n
}

func filterCalls(f *ledgertest.Fake) int {
	_, n, _ := f.Stats()
	return n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
