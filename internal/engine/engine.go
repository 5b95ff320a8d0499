// Package engine orchestrates the call lifecycle: it consumes the merged
// event stream, drives session state through the registry, submits local
// actions through the transaction tracker, and moves confirmed accepted
// sessions into media rooms exactly once. All event handling runs on a
// single loop, so session mutations from the chain are naturally ordered.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/devconnect-labs/devconnect/internal/directory"
	"github.com/devconnect-labs/devconnect/internal/eventsource"
	"github.com/devconnect-labs/devconnect/internal/ledger"
	"github.com/devconnect-labs/devconnect/internal/logging"
	"github.com/devconnect-labs/devconnect/internal/media"
	"github.com/devconnect-labs/devconnect/internal/registry"
	"github.com/devconnect-labs/devconnect/internal/session"
	"github.com/devconnect-labs/devconnect/internal/txtracker"
)

// Config tunes engine timeouts.
type Config struct {
	RoomReadyTimeout   time.Duration `env:"ROOM_READY_TIMEOUT" envDefault:"30s"`
	NotificationBuffer int           `env:"NOTIFICATION_BUFFER" envDefault:"128"`
}

// Severity grades a notification.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// Notification is a user-facing message about a session or transaction.
type Notification struct {
	Severity  Severity
	RequestID int64
	Message   string
}

// Engine is the lifecycle orchestrator for one local account.
type Engine struct {
	cfg     Config
	client  ledger.Client
	tracker *txtracker.Tracker
	source  *eventsource.Source
	reg     *registry.Registry
	dir     *directory.Cache
	rooms   media.Provider
	log     *logrus.Entry
	account ledger.Address

	notifications chan Notification

	mu          sync.Mutex
	joined      map[int64]bool
	enteredAt   map[int64]time.Time
	requestByTx map[ledger.TxHash]int64
	amountByTx  map[ledger.TxHash]*big.Int

	wg sync.WaitGroup
}

// New wires an Engine over its collaborators. The caller owns the
// collaborators' construction; the engine owns their runtime.
func New(cfg Config, client ledger.Client, tracker *txtracker.Tracker, source *eventsource.Source, reg *registry.Registry, dir *directory.Cache, rooms media.Provider) *Engine {
	return &Engine{
		cfg:           cfg,
		client:        client,
		tracker:       tracker,
		source:        source,
		reg:           reg,
		dir:           dir,
		rooms:         rooms,
		log:           logging.Component("engine"),
		account:       client.Account(),
		notifications: make(chan Notification, cfg.NotificationBuffer),
		joined:        make(map[int64]bool),
		enteredAt:     make(map[int64]time.Time),
		requestByTx:   make(map[ledger.TxHash]int64),
		amountByTx:    make(map[ledger.TxHash]*big.Int),
	}
}

// Account is the local wallet address.
func (e *Engine) Account() ledger.Address { return e.account }

// Notifications is the user-facing message feed. It stays open for the
// engine's lifetime; consumers stop on their own context.
func (e *Engine) Notifications() <-chan Notification { return e.notifications }

// Sessions returns the current session table rendered for the local
// account.
func (e *Engine) Sessions() []session.View {
	snaps := e.reg.List()
	views := make([]session.View, 0, len(snaps))
	for _, s := range snaps {
		views = append(views, s.ViewFor(e.account))
	}
	return views
}

// ForgetSession drops the engine's per-session state after the registry
// evicted the session. Wired as part of the registry's evict hook, next to
// the event source's Forget.
func (e *Engine) ForgetSession(requestID int64) {
	e.mu.Lock()
	delete(e.joined, requestID)
	delete(e.enteredAt, requestID)
	e.mu.Unlock()
}

// Developers returns the cached roster.
func (e *Engine) Developers(ctx context.Context) ([]ledger.Developer, error) {
	return e.dir.List(ctx)
}

// Run drives the engine until ctx ends: the event source, the registry
// sweeper, and the event loop. Blocks until teardown completes.
func (e *Engine) Run(ctx context.Context) {
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.source.Run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.reg.RunSweeper(ctx)
	}()

	sub := e.source.Subscribe()
	e.eventLoop(ctx, sub)
	sub.Close()

	e.wg.Wait()
}

// eventLoop is the single consumer of the merged stream.
func (e *Engine) eventLoop(ctx context.Context, sub *eventsource.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			e.handleEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev ledger.Event) {
	switch ev.Kind {
	case ledger.EventCallRequested:
		e.onRequested(ev)
	case ledger.EventCallBooked:
		e.onBooked(ev)
	case ledger.EventCallAccepted, ledger.EventCallRejected:
		e.onResponse(ctx, ev)
	case ledger.EventCallCompleted:
		e.onCompleted(ev)
	case ledger.EventDeveloperRegistered, ledger.EventAvailabilityToggled:
		e.onRosterChange(ctx, ev)
	}
}

func (e *Engine) onRequested(ev ledger.Event) {
	snap, res, err := e.reg.Apply(ev)
	if err != nil || !res.Changed {
		return
	}

	// bookCall emits CallBooked alongside CallRequested in the same
	// transaction; fold the payment in whichever order the two arrived.
	e.mu.Lock()
	e.requestByTx[ev.TxHash] = ev.RequestID
	amount := e.amountByTx[ev.TxHash]
	if amount != nil {
		delete(e.amountByTx, ev.TxHash)
		delete(e.requestByTx, ev.TxHash)
	}
	e.mu.Unlock()
	if amount != nil {
		e.reg.Apply(ledger.Event{
			Kind:      ledger.EventCallBooked,
			RequestID: ev.RequestID,
			Developer: ev.Developer,
			Client:    ev.Client,
			Amount:    amount,
			TxHash:    ev.TxHash,
		})
	}

	if snap.Developer == e.account {
		e.notify(SeverityInfo, ev.RequestID,
			fmt.Sprintf("incoming call request %d from %s", ev.RequestID, e.dir.DisplayName(snap.Client)))
	}
}

func (e *Engine) onBooked(ev ledger.Event) {
	e.mu.Lock()
	id, ok := e.requestByTx[ev.TxHash]
	if ok {
		delete(e.requestByTx, ev.TxHash)
	} else if ev.Amount != nil {
		e.amountByTx[ev.TxHash] = ev.Amount
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	ev.RequestID = id
	e.reg.Apply(ev)
}

func (e *Engine) onResponse(ctx context.Context, ev ledger.Event) {
	snap, res, err := e.reg.Apply(ev)
	if errors.Is(err, ledger.ErrUnknownRequest) {
		// The response outlived its request's ordering window and no session
		// exists. Surface it; never fabricate a session from a response.
		e.notify(SeverityWarn, ev.RequestID,
			fmt.Sprintf("%s for unknown request %d (stale)", ev.Kind, ev.RequestID))
		return
	}
	if err != nil || res.Duplicate {
		return
	}

	if res.Conflict {
		e.notify(SeverityWarn, ev.RequestID,
			fmt.Sprintf("request %d settled as %s on chain, overriding local response", ev.RequestID, snap.Phase))
	}
	if ev.Stale {
		e.notify(SeverityWarn, ev.RequestID,
			fmt.Sprintf("late %s applied to request %d", ev.Kind, ev.RequestID))
	}

	if snap.Phase == session.PhaseAccepted && !snap.Optimistic {
		e.maybeEnterRoom(ctx, snap)
	}
	if snap.Phase == session.PhaseRejected && !snap.Optimistic && !res.Conflict {
		e.notify(SeverityInfo, ev.RequestID, fmt.Sprintf("request %d was rejected", ev.RequestID))
	}
}

func (e *Engine) onCompleted(ev ledger.Event) {
	if _, res, err := e.reg.Complete(ev.RequestID); err == nil && res.Changed {
		e.notify(SeverityInfo, ev.RequestID, fmt.Sprintf("call %d completed on chain", ev.RequestID))
	}
}

func (e *Engine) onRosterChange(ctx context.Context, ev ledger.Event) {
	e.dir.Invalidate(ctx)
	if ev.Kind == ledger.EventDeveloperRegistered && ev.Developer == e.account {
		e.notify(SeverityInfo, 0, "developer profile registered")
	}
}

// maybeEnterRoom starts the room join for a confirmed accepted session.
// Guarded so replays and the accept-then-enter race produce one join.
func (e *Engine) maybeEnterRoom(ctx context.Context, snap session.Snapshot) {
	if snap.Developer != e.account && snap.Client != e.account {
		return
	}

	e.mu.Lock()
	if e.joined[snap.RequestID] {
		e.mu.Unlock()
		return
	}
	e.joined[snap.RequestID] = true
	e.mu.Unlock()

	roomID := snap.RoomID
	if roomID == "" {
		roomID = media.RoomID(snap.RequestID)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runRoom(ctx, snap.RequestID, roomID)
	}()
}

// runRoom joins the room, marks the session live once ready, and settles it
// when either side leaves.
func (e *Engine) runRoom(ctx context.Context, requestID int64, roomID string) {
	room, err := e.rooms.Open(ctx, roomID)
	if err != nil {
		e.notify(SeverityError, requestID, fmt.Sprintf("opening room %s failed: %v", roomID, err))
		return
	}

	readyCtx, cancel := context.WithTimeout(ctx, e.cfg.RoomReadyTimeout)
	err = room.Ready(readyCtx)
	cancel()
	if err != nil {
		e.notify(SeverityError, requestID, fmt.Sprintf("room %s never became ready: %v", roomID, err))
		return
	}

	if _, res, err := e.reg.EnterRoom(requestID, roomID); err != nil || !res.Changed {
		return
	}
	e.mu.Lock()
	e.enteredAt[requestID] = time.Now()
	e.mu.Unlock()
	e.notify(SeverityInfo, requestID, fmt.Sprintf("call %d live in room %s", requestID, roomID))

	select {
	case <-room.Departed():
	case <-ctx.Done():
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = room.Leave(leaveCtx)
		cancel()
		return
	}

	e.settleCall(ctx, requestID)
}

// settleCall moves the session to Completed and, when the local account is
// the paying client, reports the duration back to the contract. The report
// is best effort: the session is already settled locally either way.
func (e *Engine) settleCall(ctx context.Context, requestID int64) {
	snap, res, err := e.reg.Complete(requestID)
	if err != nil || !res.Changed {
		return
	}
	e.notify(SeverityInfo, requestID, fmt.Sprintf("call %d ended", requestID))

	if snap.Client != e.account {
		return
	}

	e.mu.Lock()
	started := e.enteredAt[requestID]
	delete(e.enteredAt, requestID)
	e.mu.Unlock()

	duration := int64(0)
	if !started.IsZero() {
		duration = int64(time.Since(started) / time.Second)
	}

	p, err := e.tracker.CompleteCall(ctx, requestID, duration)
	if err != nil {
		e.notify(SeverityWarn, requestID, fmt.Sprintf("completion report rejected: %v", err))
		return
	}
	e.awaitAndNotify(p, "completion report")
}

// BookCall submits a paid booking at the developer's registered rate.
func (e *Engine) BookCall(ctx context.Context, dev ledger.Address) (*txtracker.Pending, error) {
	d, ok, err := e.dir.Get(ctx, dev)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("developer %s is not registered", dev.Short())
	}
	if !d.IsAvailable {
		return nil, fmt.Errorf("developer %s is not accepting calls", e.dir.DisplayName(dev))
	}

	p, err := e.tracker.BookCall(ctx, dev, d.HourlyRateWei)
	if err != nil {
		return nil, err
	}
	e.awaitAndNotify(p, "booking")
	return p, nil
}

// Respond applies the developer's accept/reject optimistically, then
// submits it. The optimistic phase is rolled back if submission is refused
// or confirmation fails; a confirmed chain event settles it.
func (e *Engine) Respond(ctx context.Context, requestID int64, accept bool) (*txtracker.Pending, error) {
	if _, res, err := e.reg.ApplyLocal(requestID, accept); err != nil {
		return nil, err
	} else if !res.Changed {
		return nil, fmt.Errorf("request %d is not awaiting a response", requestID)
	}

	p, err := e.tracker.Respond(ctx, requestID, accept)
	if err != nil {
		e.reg.RevertLocal(requestID)
		return nil, err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		outcome, err := p.Await(context.Background())
		if outcome == txtracker.OutcomeFailed {
			if _, res, rerr := e.reg.RevertLocal(requestID); rerr == nil && res.Changed {
				e.notify(SeverityError, requestID,
					fmt.Sprintf("response for request %d failed to confirm, reverted: %v", requestID, err))
			}
		}
	}()
	return p, nil
}

// RegisterDeveloper submits the local account's profile.
func (e *Engine) RegisterDeveloper(ctx context.Context, name, expertise string, rateWei *big.Int) (*txtracker.Pending, error) {
	p, err := e.tracker.RegisterDeveloper(ctx, name, expertise, rateWei)
	if err != nil {
		return nil, err
	}
	e.awaitAndNotify(p, "registration")
	return p, nil
}

// ToggleAvailability flips the local developer's availability.
func (e *Engine) ToggleAvailability(ctx context.Context) (*txtracker.Pending, error) {
	p, err := e.tracker.ToggleAvailability(ctx)
	if err != nil {
		return nil, err
	}
	e.awaitAndNotify(p, "availability toggle")
	return p, nil
}

// awaitAndNotify reports the eventual outcome of a fire-and-observe
// transaction through the notification feed.
func (e *Engine) awaitAndNotify(p *txtracker.Pending, label string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		outcome, err := p.Await(context.Background())
		switch outcome {
		case txtracker.OutcomeConfirmed:
			e.notify(SeverityInfo, p.RequestID, label+" confirmed")
		case txtracker.OutcomeFailed:
			e.notify(SeverityError, p.RequestID, fmt.Sprintf("%s failed: %v", label, err))
		}
	}()
}

func (e *Engine) notify(sev Severity, requestID int64, msg string) {
	n := Notification{Severity: sev, RequestID: requestID, Message: msg}
	select {
	case e.notifications <- n:
	default:
		e.log.WithField("msg", msg).Warn("notification feed full, dropping")
	}
}
