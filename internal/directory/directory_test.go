package directory

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/devconnect-labs/devconnect/internal/ledger"
	"github.com/devconnect-labs/devconnect/internal/ledger/ledgertest"
)

func testRoster() []ledger.Developer {
	return []ledger.Developer{
		{
			Address:       ledger.Address{0xd1},
			Name:          "ada",
			Expertise:     "distributed systems",
			HourlyRateWei: big.NewInt(5000),
			IsAvailable:   true,
			IsRegistered:  true,
		},
		{
			Address:      ledger.Address{0xd2},
			Name:         "ghost",
			IsRegistered: false,
		},
		{
			Address:       ledger.Address{0xd3},
			Name:          "lin",
			Expertise:     "solidity",
			HourlyRateWei: big.NewInt(9000),
			IsRegistered:  true,
		},
	}
}

func newTestCache(t *testing.T, fake *ledgertest.Fake) *Cache {
	t.Helper()
	c, err := New(context.Background(), fake, Config{TTL: time.Minute})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

// TestWalkFiltersUnregistered keeps entries the contract marks registered.
func TestWalkFiltersUnregistered(t *testing.T) {
	fake := ledgertest.New()
	fake.Roster = testRoster()
	c := newTestCache(t, fake)

	roster, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(roster) != 2 {
		t.Fatalf("roster size: got %d, want 2", len(roster))
	}
	for _, d := range roster {
		if !d.IsRegistered {
			t.Errorf("unregistered developer %s in roster", d.Name)
		}
	}
}

func TestListCachedWithinTTL(t *testing.T) {
	fake := ledgertest.New()
	fake.Roster = testRoster()
	c := newTestCache(t, fake)

	for i := 0; i < 3; i++ {
		if _, err := c.List(context.Background()); err != nil {
			t.Fatalf("list %d failed: %v", i, err)
		}
	}
	if _, _, walks := fake.Stats(); walks != 1 {
		t.Errorf("chain walks: got %d, want 1", walks)
	}
}

// TestConcurrentMissesCollapse sends many cold readers through at once and
// expects a single chain walk.
func TestConcurrentMissesCollapse(t *testing.T) {
	fake := ledgertest.New()
	fake.Roster = testRoster()
	c := newTestCache(t, fake)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.List(context.Background()); err != nil {
				t.Errorf("list failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if _, _, walks := fake.Stats(); walks != 1 {
		t.Errorf("chain walks: got %d, want 1", walks)
	}
}

func TestInvalidateForcesRewalk(t *testing.T) {
	fake := ledgertest.New()
	fake.Roster = testRoster()
	c := newTestCache(t, fake)

	ctx := context.Background()
	if _, err := c.List(ctx); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	c.Invalidate(ctx)
	if _, err := c.List(ctx); err != nil {
		t.Fatalf("list after invalidate failed: %v", err)
	}

	if _, _, walks := fake.Stats(); walks != 2 {
		t.Errorf("chain walks: got %d, want 2", walks)
	}
}

func TestTTLExpiryForcesRewalk(t *testing.T) {
	fake := ledgertest.New()
	fake.Roster = testRoster()
	c := newTestCache(t, fake)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	ctx := context.Background()
	c.List(ctx)
	now = now.Add(30 * time.Second)
	c.List(ctx)
	now = now.Add(2 * time.Minute)
	c.List(ctx)

	if _, _, walks := fake.Stats(); walks != 2 {
		t.Errorf("chain walks: got %d, want 2", walks)
	}
}

func TestGetAndDisplayName(t *testing.T) {
	fake := ledgertest.New()
	fake.Roster = testRoster()
	c := newTestCache(t, fake)

	ctx := context.Background()
	d, ok, err := c.Get(ctx, ledger.Address{0xd1})
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if d.Name != "ada" || d.HourlyRateWei.Int64() != 5000 {
		t.Errorf("profile: got name=%q rate=%s", d.Name, d.HourlyRateWei)
	}

	if got := c.DisplayName(ledger.Address{0xd1}); got != "ada" {
		t.Errorf("known display name: got %q, want ada", got)
	}
	unknown := ledger.Address{0x99}
	if got := c.DisplayName(unknown); got != unknown.Short() {
		t.Errorf("unknown display name: got %q, want %q", got, unknown.Short())
	}
}
