// Package ledgertest provides an in-memory Client for tests.
package ledgertest

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/devconnect-labs/devconnect/internal/ledger"
)

// Fake is a controllable in-memory contract client. Zero-value fields mean
// "succeed": submissions return generated hashes, WaitMined returns nil,
// reads serve the configured roster.
type Fake struct {
	mu  sync.Mutex
	seq int

	AccountAddr ledger.Address

	// SubmitErr fails every write operation before a hash exists.
	SubmitErr error
	// WaitErr is returned by WaitMined after WaitDelay.
	WaitErr   error
	WaitDelay time.Duration

	Roster    []ledger.Developer
	WalkCalls int

	Block       uint64
	Backlog     []ledger.Event
	FilterErr   error
	FilterCalls int

	SubErr   error
	SubCalls int
	// Pushed feeds the live subscription; the fake forwards it to every
	// subscriber until their context ends.
	Pushed chan ledger.Event
}

// New builds a Fake with an open push feed.
func New() *Fake {
	return &Fake{Pushed: make(chan ledger.Event, 64)}
}

var _ ledger.Client = (*Fake)(nil)

func (f *Fake) Account() ledger.Address { return f.AccountAddr }

func (f *Fake) submit() (ledger.TxHash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	f.seq++
	return ledger.TxHash(fmt.Sprintf("0xfake%04d", f.seq)), nil
}

func (f *Fake) RegisterDeveloper(context.Context, string, string, *big.Int) (ledger.TxHash, error) {
	return f.submit()
}

func (f *Fake) BookCall(context.Context, ledger.Address, *big.Int) (ledger.TxHash, error) {
	return f.submit()
}

func (f *Fake) RespondToCallRequest(context.Context, int64, bool) (ledger.TxHash, error) {
	return f.submit()
}

func (f *Fake) ToggleAvailability(context.Context) (ledger.TxHash, error) {
	return f.submit()
}

func (f *Fake) CompleteCall(context.Context, int64, int64) (ledger.TxHash, error) {
	return f.submit()
}

func (f *Fake) WaitMined(ctx context.Context, _ ledger.TxHash) error {
	f.mu.Lock()
	delay, err := f.WaitDelay, f.WaitErr
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *Fake) DeveloperCount(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.WalkCalls++
	return int64(len(f.Roster)), nil
}

func (f *Fake) DeveloperAddress(_ context.Context, index int64) (ledger.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 0 || index >= int64(len(f.Roster)) {
		return ledger.Address{}, fmt.Errorf("developer index %d out of range", index)
	}
	return f.Roster[index].Address, nil
}

func (f *Fake) DeveloperDetails(_ context.Context, addr ledger.Address) (ledger.Developer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.Roster {
		if d.Address == addr {
			return d, nil
		}
	}
	return ledger.Developer{}, fmt.Errorf("developer %s not found", addr.Short())
}

func (f *Fake) IsDeveloper(_ context.Context, addr ledger.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.Roster {
		if d.Address == addr {
			return d.IsRegistered, nil
		}
	}
	return false, nil
}

func (f *Fake) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Block, nil
}

// FilterEvents drains the configured backlog once.
func (f *Fake) FilterEvents(context.Context, uint64) ([]ledger.Event, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FilterCalls++
	if f.FilterErr != nil {
		return nil, 0, f.FilterErr
	}
	events := f.Backlog
	f.Backlog = nil
	return events, f.Block, nil
}

// SetSubmitErr swaps the submission failure under the fake's lock.
func (f *Fake) SetSubmitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubmitErr = err
}

// SetWaitErr swaps the confirmation failure under the fake's lock.
func (f *Fake) SetWaitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.WaitErr = err
}

// Stats returns call counters under the fake's lock.
func (f *Fake) Stats() (subCalls, filterCalls, walkCalls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.SubCalls, f.FilterCalls, f.WalkCalls
}

func (f *Fake) SubscribeEvents(ctx context.Context) (<-chan ledger.Event, error) {
	f.mu.Lock()
	f.SubCalls++
	err := f.SubErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(chan ledger.Event, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-f.Pushed:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
