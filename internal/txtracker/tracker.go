// Package txtracker wraps contract write calls and tracks each submission
// through confirmation. A Pending handle exists only between successful
// submission and resolution; rejected submissions leave nothing behind.
package txtracker

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/devconnect-labs/devconnect/internal/ledger"
	"github.com/devconnect-labs/devconnect/internal/logging"
)

// Kind classifies the submitted operation.
type Kind int

const (
	KindRequest Kind = iota
	KindRespond
	KindRegister
	KindToggle
	KindComplete
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindRespond:
		return "respond"
	case KindRegister:
		return "register"
	case KindToggle:
		return "toggle"
	case KindComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Outcome is the resolution state of a pending transaction.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeConfirmed
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Pending is the handle for one submitted transaction. It resolves exactly
// once; Await after resolution returns the cached outcome.
type Pending struct {
	LocalID     string
	Kind        Kind
	Hash        ledger.TxHash
	SubmittedAt time.Time

	// RequestID is set for respond operations so the caller can correlate
	// a failed confirmation back to the session it optimistically changed.
	RequestID int64

	done chan struct{}

	mu      sync.Mutex
	outcome Outcome
	err     error
}

// Await blocks until the transaction resolves or ctx expires. Idempotent:
// it never re-submits and always reports the same resolution.
func (p *Pending) Await(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return OutcomePending, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome, p.err
}

// Outcome returns the current resolution state without blocking.
func (p *Pending) Outcome() Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome
}

// Done is closed when the transaction resolves.
func (p *Pending) Done() <-chan struct{} { return p.done }

func (p *Pending) resolve(outcome Outcome, err error) {
	p.mu.Lock()
	if p.outcome != OutcomePending {
		p.mu.Unlock()
		return
	}
	p.outcome = outcome
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

// Tracker submits operations to the contract and watches each one to
// confirmation.
type Tracker struct {
	client         ledger.Client
	confirmTimeout time.Duration
	log            *logrus.Entry

	mu       sync.Mutex
	inFlight map[string]*Pending
}

// New creates a Tracker. confirmTimeout bounds the receipt wait per
// transaction; it stands in for the provider's own timeout.
func New(client ledger.Client, confirmTimeout time.Duration) *Tracker {
	return &Tracker{
		client:         client,
		confirmTimeout: confirmTimeout,
		log:            logging.Component("txtracker"),
		inFlight:       make(map[string]*Pending),
	}
}

// BookCall submits a paid booking for the given developer.
func (t *Tracker) BookCall(ctx context.Context, developer ledger.Address, amountWei *big.Int) (*Pending, error) {
	return t.submit(ctx, KindRequest, 0, func() (ledger.TxHash, error) {
		return t.client.BookCall(ctx, developer, amountWei)
	})
}

// Respond submits the developer's accept/reject for a request.
func (t *Tracker) Respond(ctx context.Context, requestID int64, accept bool) (*Pending, error) {
	return t.submit(ctx, KindRespond, requestID, func() (ledger.TxHash, error) {
		return t.client.RespondToCallRequest(ctx, requestID, accept)
	})
}

// RegisterDeveloper submits a profile registration.
func (t *Tracker) RegisterDeveloper(ctx context.Context, name, expertise string, rateWei *big.Int) (*Pending, error) {
	return t.submit(ctx, KindRegister, 0, func() (ledger.TxHash, error) {
		return t.client.RegisterDeveloper(ctx, name, expertise, rateWei)
	})
}

// ToggleAvailability flips the local developer's availability flag.
func (t *Tracker) ToggleAvailability(ctx context.Context) (*Pending, error) {
	return t.submit(ctx, KindToggle, 0, func() (ledger.TxHash, error) {
		return t.client.ToggleAvailability(ctx)
	})
}

// CompleteCall reports a finished call back to the contract.
func (t *Tracker) CompleteCall(ctx context.Context, callID, durationSec int64) (*Pending, error) {
	return t.submit(ctx, KindComplete, callID, func() (ledger.TxHash, error) {
		return t.client.CompleteCall(ctx, callID, durationSec)
	})
}

// InFlight returns the transactions not yet resolved.
func (t *Tracker) InFlight() []*Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Pending, 0, len(t.inFlight))
	for _, p := range t.inFlight {
		out = append(out, p)
	}
	return out
}

func (t *Tracker) submit(ctx context.Context, kind Kind, requestID int64, send func() (ledger.TxHash, error)) (*Pending, error) {
	hash, err := send()
	if err != nil {
		// No hash, no handle: the caller surfaces the rejection directly.
		t.log.WithFields(logrus.Fields{"kind": kind.String()}).WithError(err).Warn("submission failed")
		return nil, err
	}

	p := &Pending{
		LocalID:     uuid.NewString(),
		Kind:        kind,
		Hash:        hash,
		RequestID:   requestID,
		SubmittedAt: time.Now(),
		done:        make(chan struct{}),
	}

	t.mu.Lock()
	t.inFlight[p.LocalID] = p
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"kind":  kind.String(),
		"tx":    string(hash),
		"local": p.LocalID,
	}).Info("transaction submitted")

	go t.watch(p)
	return p, nil
}

// watch resolves the pending transaction and drops it from the in-flight
// set; the outcome lives on in the handle held by the caller.
func (t *Tracker) watch(p *Pending) {
	ctx, cancel := context.WithTimeout(context.Background(), t.confirmTimeout)
	defer cancel()

	err := t.client.WaitMined(ctx, p.Hash)

	t.mu.Lock()
	delete(t.inFlight, p.LocalID)
	t.mu.Unlock()

	if err != nil {
		t.log.WithFields(logrus.Fields{"tx": string(p.Hash)}).WithError(err).Warn("transaction failed")
		p.resolve(OutcomeFailed, err)
		return
	}
	t.log.WithFields(logrus.Fields{"tx": string(p.Hash)}).Info("transaction confirmed")
	p.resolve(OutcomeConfirmed, nil)
}
