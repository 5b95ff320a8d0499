// Package eventsource merges the contract's two delivery channels, the
// live log subscription and a fixed-interval poll, into one deduplicated,
// ordered event stream. Both feeds may deliver the same logical event; both
// may deliver events out of order relative to each other. Downstream
// consumers see each logical event once, with CallRequested always ahead of
// its accept/reject, and with a sequence number assigned by arrival order.
package eventsource

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/devconnect-labs/devconnect/internal/ledger"
	"github.com/devconnect-labs/devconnect/internal/logging"
)

// Config tunes the feeds.
type Config struct {
	PollInterval       time.Duration `env:"EVENT_POLL_INTERVAL" envDefault:"10s"`
	ParkTimeout        time.Duration `env:"EVENT_PARK_TIMEOUT" envDefault:"30s"`
	ResubscribeBackoff time.Duration `env:"EVENT_RESUBSCRIBE_BACKOFF" envDefault:"5s"`
	ReplayBlocks       uint64        `env:"EVENT_REPLAY_BLOCKS" envDefault:"0"`
	SubscriberBuffer   int           `env:"EVENT_SUBSCRIBER_BUFFER" envDefault:"256"`
}

// dedupKey identifies one logical event across feeds. Lifecycle events are
// keyed by (kind, requestId, parties) as the request id disambiguates
// repeats; auxiliary events have no request id, so the transaction hash
// stands in.
type dedupKey struct {
	kind      ledger.EventKind
	requestID int64
	developer ledger.Address
	client    ledger.Address
	aux       ledger.TxHash
}

func keyFor(ev ledger.Event) dedupKey {
	k := dedupKey{
		kind:      ev.Kind,
		requestID: ev.RequestID,
		developer: ev.Developer,
		client:    ev.Client,
	}
	if !ev.LifecycleEvent() {
		k.aux = ev.TxHash
	}
	return k
}

// needsPredecessor reports whether the event must wait for CallRequested of
// the same request id before delivery.
func needsPredecessor(k ledger.EventKind) bool {
	return k == ledger.EventCallAccepted || k == ledger.EventCallRejected
}

type parkedEvent struct {
	ev       ledger.Event
	deadline time.Time
}

// Subscription is one consumer's view of the stream. Closing it does not
// affect other consumers.
type Subscription struct {
	ch   chan ledger.Event
	src  *Source
	once sync.Once
}

// Events returns the consumer's delivery channel. It is closed when the
// subscription is closed or the source shuts down.
func (s *Subscription) Events() <-chan ledger.Event { return s.ch }

// Close detaches this consumer. The push feed is released when the last
// consumer departs.
func (s *Subscription) Close() {
	s.src.unsubscribe(s)
}

func (s *Subscription) closeChan() {
	s.once.Do(func() { close(s.ch) })
}

// Option configures a Source.
type Option func(*Source)

// WithPollGate supplies a predicate consulted when no consumer is attached:
// the poll feed keeps running only while the gate reports outstanding work
// (some session still non-terminal).
func WithPollGate(gate func() bool) Option {
	return func(s *Source) { s.gate = gate }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// Source owns the subscription lifecycle for both feeds and the serialized
// dedup/ordering state between them.
type Source struct {
	client ledger.Client
	cfg    Config
	log    *logrus.Entry
	gate   func() bool
	now    func() time.Time

	mu          sync.Mutex
	subs        map[*Subscription]struct{}
	seen        map[dedupKey]struct{}
	known       map[int64]bool
	parked      []parkedEvent
	nextSeq     uint64
	fromBlock   uint64
	baselineSet bool
	pollFailCnt int
	pollHoldOff time.Time

	runCtx     context.Context
	pushCancel context.CancelFunc
}

// New builds a Source over the given ledger client.
func New(client ledger.Client, cfg Config, opts ...Option) *Source {
	s := &Source{
		client: client,
		cfg:    cfg,
		log:    logging.Component("eventsource"),
		now:    time.Now,
		subs:   make(map[*Subscription]struct{}),
		seen:   make(map[dedupKey]struct{}),
		known:  make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe attaches a consumer. The push feed is activated lazily on the
// first subscriber.
func (s *Source) Subscribe() *Subscription {
	sub := &Subscription{
		ch:  make(chan ledger.Event, s.cfg.SubscriberBuffer),
		src: s,
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	first := len(s.subs) == 1
	if first && s.runCtx != nil && s.pushCancel == nil {
		s.startPushLocked()
	}
	s.mu.Unlock()

	return sub
}

func (s *Source) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		if len(s.subs) == 0 && s.pushCancel != nil {
			s.pushCancel()
			s.pushCancel = nil
		}
	}
	s.mu.Unlock()
	sub.closeChan()
}

// Forget drops the dedup and ordering state for a request id. Called after
// the registry evicts the session, so memory stays bounded.
func (s *Source) Forget(requestID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.known, requestID)
	for k := range s.seen {
		if k.requestID == requestID {
			delete(s.seen, k)
		}
	}
}

// Run drives the poll feed and the park-timeout sweeper until ctx ends.
// All subscriptions are closed deterministically on exit.
func (s *Source) Run(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	if len(s.subs) > 0 && s.pushCancel == nil {
		s.startPushLocked()
	}
	s.mu.Unlock()

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()

	parkTick := s.cfg.ParkTimeout / 4
	if parkTick < 10*time.Millisecond {
		parkTick = 10 * time.Millisecond
	}
	park := time.NewTicker(parkTick)
	defer park.Stop()

	// Establish the poll baseline immediately rather than waiting a full
	// interval.
	s.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-poll.C:
			s.pollOnce(ctx)
		case <-park.C:
			s.releaseExpired()
		}
	}
}

func (s *Source) shutdown() {
	s.mu.Lock()
	if s.pushCancel != nil {
		s.pushCancel()
		s.pushCancel = nil
	}
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*Subscription]struct{})
	s.mu.Unlock()

	for _, sub := range subs {
		sub.closeChan()
	}
}

// startPushLocked launches the push feed loop; the caller holds s.mu.
func (s *Source) startPushLocked() {
	ctx, cancel := context.WithCancel(s.runCtx)
	s.pushCancel = cancel
	go s.pushLoop(ctx)
}

// pushLoop keeps one live log subscription open, resubscribing with backoff
// after failures, until its context is cancelled by the last consumer
// leaving or the source shutting down.
func (s *Source) pushLoop(ctx context.Context) {
	for {
		ch, err := s.client.SubscribeEvents(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Warn("push subscribe failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.ResubscribeBackoff):
			}
			continue
		}

		s.log.Debug("push feed attached")
		for ev := range ch {
			s.deliver(ev, false)
		}
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("push feed dropped, resubscribing")
	}
}

// pollActive reports whether the poll feed should run right now: always
// while consumers are attached, otherwise only while the gate says some
// session is still in flight.
func (s *Source) pollActive() bool {
	s.mu.Lock()
	hasSubs := len(s.subs) > 0
	s.mu.Unlock()
	if hasSubs {
		return true
	}
	if s.gate == nil {
		return false
	}
	return s.gate()
}

// pollOnce re-derives events for the window since the last observed block.
// The dedup layer makes the overlap with the push feed safe.
func (s *Source) pollOnce(ctx context.Context) {
	if !s.pollActive() {
		return
	}

	s.mu.Lock()
	holdOff := s.pollHoldOff
	baseline := s.baselineSet
	from := s.fromBlock
	s.mu.Unlock()

	if s.now().Before(holdOff) {
		return
	}

	if !baseline {
		latest, err := s.client.BlockNumber(ctx)
		if err != nil {
			s.pollFailed(err)
			return
		}
		from = 0
		if latest+1 > s.cfg.ReplayBlocks {
			from = latest + 1 - s.cfg.ReplayBlocks
		}
		s.mu.Lock()
		s.fromBlock = from
		s.baselineSet = true
		s.mu.Unlock()
	}

	events, latest, err := s.client.FilterEvents(ctx, from)
	if err != nil {
		s.pollFailed(err)
		return
	}

	s.mu.Lock()
	s.pollFailCnt = 0
	s.pollHoldOff = time.Time{}
	if latest+1 > s.fromBlock {
		s.fromBlock = latest + 1
	}
	s.mu.Unlock()

	for _, ev := range events {
		s.deliver(ev, false)
	}
}

// pollFailed backs off exponentially, capped at eight intervals.
func (s *Source) pollFailed(err error) {
	s.mu.Lock()
	s.pollFailCnt++
	backoff := s.cfg.PollInterval << min(s.pollFailCnt-1, 3)
	s.pollHoldOff = s.now().Add(backoff)
	s.mu.Unlock()
	s.log.WithError(err).Warn("poll failed, backing off")
}

// deliver is the single serialization point for both feeds. force marks a
// parked event released by timeout, which bypasses the predecessor check
// and carries the staleness flag.
func (s *Source) deliver(ev ledger.Event, force bool) {
	s.mu.Lock()

	key := keyFor(ev)
	if _, dup := s.seen[key]; dup {
		s.mu.Unlock()
		return
	}

	if !force && needsPredecessor(ev.Kind) && !s.known[ev.RequestID] {
		for _, p := range s.parked {
			if keyFor(p.ev) == key {
				s.mu.Unlock()
				return
			}
		}
		s.parked = append(s.parked, parkedEvent{ev: ev, deadline: s.now().Add(s.cfg.ParkTimeout)})
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{
			"kind":    ev.Kind.String(),
			"request": ev.RequestID,
		}).Info("event parked awaiting CallRequested")
		return
	}

	s.seen[key] = struct{}{}
	s.nextSeq++
	ev.Seq = s.nextSeq
	ev.Stale = force

	var released []ledger.Event
	if ev.Kind == ledger.EventCallRequested {
		s.known[ev.RequestID] = true
		released = s.takeParkedLocked(ev.RequestID)
	}

	// Send under the lock: unsubscribe removes and closes under the same
	// lock, so no send can race a channel close.
	for sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			// Slow consumer; drop rather than stall the stream.
			s.log.WithField("seq", ev.Seq).Warn("dropping event for slow subscriber")
		}
	}
	s.mu.Unlock()

	for _, r := range released {
		s.deliver(r, false)
	}
}

// takeParkedLocked removes and returns parked events for a request id; the
// caller holds s.mu.
func (s *Source) takeParkedLocked(requestID int64) []ledger.Event {
	var released []ledger.Event
	kept := s.parked[:0]
	for _, p := range s.parked {
		if p.ev.RequestID == requestID {
			released = append(released, p.ev)
		} else {
			kept = append(kept, p)
		}
	}
	s.parked = kept
	return released
}

// releaseExpired delivers parked events whose wait ran out, flagged stale
// rather than dropped.
func (s *Source) releaseExpired() {
	now := s.now()

	s.mu.Lock()
	var expired []ledger.Event
	kept := s.parked[:0]
	for _, p := range s.parked {
		if now.After(p.deadline) {
			expired = append(expired, p.ev)
		} else {
			kept = append(kept, p)
		}
	}
	s.parked = kept
	s.mu.Unlock()

	for _, ev := range expired {
		s.log.WithFields(logrus.Fields{
			"kind":    ev.Kind.String(),
			"request": ev.RequestID,
		}).Warn("park timeout elapsed, delivering stale")
		s.deliver(ev, true)
	}
}
