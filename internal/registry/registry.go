// Package registry holds the live session table. It is the only writer of
// session state: every chain event and every local action funnels through
// its lock, so the session package itself stays lock-free. Observers get
// immutable snapshots, either by query or through watchers.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/devconnect-labs/devconnect/internal/ledger"
	"github.com/devconnect-labs/devconnect/internal/logging"
	"github.com/devconnect-labs/devconnect/internal/session"
)

// Config tunes retention of settled sessions.
type Config struct {
	Retention     time.Duration `env:"SESSION_RETENTION" envDefault:"5m"`
	SweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"30s"`
	WatcherBuffer int           `env:"SESSION_WATCHER_BUFFER" envDefault:"64"`
}

// Update is what watchers receive after a session changed.
type Update struct {
	Snapshot session.Snapshot
	// Conflict marks the chain overriding an optimistic local phase.
	Conflict bool
	// Stale marks an update driven by an event delivered past its ordering
	// window.
	Stale bool
}

// Watcher is one observer's update feed. A zero requestID watches every
// session.
type Watcher struct {
	ch        chan Update
	requestID int64
	reg       *Registry
	once      sync.Once
}

// Updates returns the watcher's channel. Closed on Close or registry
// shutdown.
func (w *Watcher) Updates() <-chan Update { return w.ch }

// Close detaches the watcher.
func (w *Watcher) Close() {
	w.reg.mu.Lock()
	delete(w.reg.watchers, w)
	w.reg.mu.Unlock()
	w.closeChan()
}

func (w *Watcher) closeChan() {
	w.once.Do(func() { close(w.ch) })
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithEvictHook registers a callback run for each request id dropped by the
// sweeper, so upstream dedup state can be released with it.
func WithEvictHook(hook func(requestID int64)) Option {
	return func(r *Registry) { r.onEvict = hook }
}

// Registry is the session table.
type Registry struct {
	cfg     Config
	log     *logrus.Entry
	now     func() time.Time
	onEvict func(int64)

	mu       sync.RWMutex
	sessions map[int64]*session.Session
	watchers map[*Watcher]struct{}
}

// New builds an empty Registry.
func New(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:      cfg,
		log:      logging.Component("registry"),
		now:      time.Now,
		sessions: make(map[int64]*session.Session),
		watchers: make(map[*Watcher]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Watch attaches an observer. requestID zero receives updates for all
// sessions.
func (r *Registry) Watch(requestID int64) *Watcher {
	w := &Watcher{
		ch:        make(chan Update, r.cfg.WatcherBuffer),
		requestID: requestID,
		reg:       r,
	}
	r.mu.Lock()
	r.watchers[w] = struct{}{}
	r.mu.Unlock()
	return w
}

// Apply folds one confirmed chain event into the table. CallRequested for
// an unknown id creates the session; any other kind for an unknown id
// returns ErrUnknownRequest and the caller decides how to surface it.
func (r *Registry) Apply(ev ledger.Event) (session.Snapshot, session.Result, error) {
	now := r.now()

	r.mu.Lock()
	s, ok := r.sessions[ev.RequestID]
	if !ok {
		if ev.Kind != ledger.EventCallRequested {
			r.mu.Unlock()
			return session.Snapshot{}, session.Result{}, ledger.ErrUnknownRequest
		}
		s = session.New(ev, now)
		s.LastEventSeq = ev.Seq
		r.sessions[ev.RequestID] = s
		snap := s.Snapshot()
		r.notifyLocked(snap, session.Result{Changed: true}, ev.Stale)
		r.mu.Unlock()
		r.log.WithFields(logrus.Fields{
			"request": ev.RequestID,
			"client":  ev.Client.Short(),
		}).Info("session created")
		return snap, session.Result{Changed: true}, nil
	}

	res := s.ApplyEvent(ev, now)
	snap := s.Snapshot()
	if res.Changed {
		r.notifyLocked(snap, res, ev.Stale)
	}
	r.mu.Unlock()

	if res.Conflict {
		r.log.WithFields(logrus.Fields{
			"request": ev.RequestID,
			"phase":   snap.Phase.String(),
		}).Warn("chain overrode optimistic response")
	}
	return snap, res, nil
}

// ApplyLocal records the developer's optimistic accept/reject.
func (r *Registry) ApplyLocal(requestID int64, accept bool) (session.Snapshot, session.Result, error) {
	return r.mutate(requestID, func(s *session.Session, now time.Time) session.Result {
		return s.ApplyLocal(accept, now)
	})
}

// RevertLocal rolls back an optimistic response after its transaction
// failed to confirm.
func (r *Registry) RevertLocal(requestID int64) (session.Snapshot, session.Result, error) {
	return r.mutate(requestID, func(s *session.Session, now time.Time) session.Result {
		return s.RevertLocal(now)
	})
}

// EnterRoom moves a confirmed accepted session into the live call.
func (r *Registry) EnterRoom(requestID int64, roomID string) (session.Snapshot, session.Result, error) {
	return r.mutate(requestID, func(s *session.Session, now time.Time) session.Result {
		return s.EnterRoom(roomID, now)
	})
}

// Complete settles a live call.
func (r *Registry) Complete(requestID int64) (session.Snapshot, session.Result, error) {
	return r.mutate(requestID, func(s *session.Session, now time.Time) session.Result {
		return s.Complete(now)
	})
}

func (r *Registry) mutate(requestID int64, f func(*session.Session, time.Time) session.Result) (session.Snapshot, session.Result, error) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[requestID]
	if !ok {
		return session.Snapshot{}, session.Result{}, ledger.ErrUnknownRequest
	}
	res := f(s, now)
	snap := s.Snapshot()
	if res.Changed {
		r.notifyLocked(snap, res, false)
	}
	return snap, res, nil
}

// Get returns a snapshot of one session.
func (r *Registry) Get(requestID int64) (session.Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[requestID]
	if !ok {
		return session.Snapshot{}, false
	}
	return s.Snapshot(), true
}

// List returns snapshots of every tracked session, ordered by request id.
func (r *Registry) List() []session.Snapshot {
	r.mu.RLock()
	out := make([]session.Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out
}

// HasActive reports whether any session is still in a non-terminal phase.
// The event source's poll gate hangs off this.
func (r *Registry) HasActive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if !s.Phase.Terminal() {
			return true
		}
	}
	return false
}

// Sweep evicts terminal sessions whose last change is older than the
// retention window. Returns the evicted ids.
func (r *Registry) Sweep() []int64 {
	cutoff := r.now().Add(-r.cfg.Retention)

	r.mu.Lock()
	var evicted []int64
	for id, s := range r.sessions {
		if s.Phase.Terminal() && s.UpdatedAt.Before(cutoff) {
			delete(r.sessions, id)
			evicted = append(evicted, id)
		}
	}
	r.mu.Unlock()

	for _, id := range evicted {
		if r.onEvict != nil {
			r.onEvict(id)
		}
		r.log.WithField("request", id).Debug("session evicted")
	}
	return evicted
}

// RunSweeper runs Sweep on an interval until ctx ends, then closes all
// watchers.
func (r *Registry) RunSweeper(ctx context.Context) {
	t := time.NewTicker(r.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.closeWatchers()
			return
		case <-t.C:
			r.Sweep()
		}
	}
}

func (r *Registry) closeWatchers() {
	r.mu.Lock()
	ws := make([]*Watcher, 0, len(r.watchers))
	for w := range r.watchers {
		ws = append(ws, w)
	}
	r.watchers = make(map[*Watcher]struct{})
	r.mu.Unlock()

	for _, w := range ws {
		w.closeChan()
	}
}

// notifyLocked fans an update out to matching watchers; the caller holds
// r.mu. Slow watchers lose updates rather than block the writer.
func (r *Registry) notifyLocked(snap session.Snapshot, res session.Result, stale bool) {
	up := Update{Snapshot: snap, Conflict: res.Conflict, Stale: stale}
	for w := range r.watchers {
		if w.requestID != 0 && w.requestID != snap.RequestID {
			continue
		}
		select {
		case w.ch <- up:
		default:
			r.log.WithField("request", snap.RequestID).Warn("dropping update for slow watcher")
		}
	}
}
