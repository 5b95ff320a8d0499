// Package session implements the per-request call state machine. Sessions
// carry no locking of their own: the registry serializes all mutation, and
// readers only ever see copied Snapshots.
package session

import (
	"fmt"
	"math/big"
	"time"

	"github.com/devconnect-labs/devconnect/internal/ledger"
)

// Phase is the lifecycle position of a call session. The zero value stands
// for the virtual Idle state in which no record exists.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseRequested
	PhaseAccepted
	PhaseRejected
	PhaseInSession
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseRequested:
		return "Requested"
	case PhaseAccepted:
		return "Accepted"
	case PhaseRejected:
		return "Rejected"
	case PhaseInSession:
		return "InSession"
	case PhaseCompleted:
		return "Completed"
	default:
		return "None"
	}
}

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseRejected || p == PhaseCompleted
}

// rank orders phases along Requested < {Accepted|Rejected} < InSession <
// Completed. Sessions never move to a lower rank.
func (p Phase) rank() int {
	switch p {
	case PhaseRequested:
		return 1
	case PhaseAccepted, PhaseRejected:
		return 2
	case PhaseInSession:
		return 3
	case PhaseCompleted:
		return 4
	default:
		return 0
	}
}

// Session is the mutable record for one request id.
type Session struct {
	RequestID int64
	Developer ledger.Address
	Client    ledger.Address
	Phase     Phase

	// Optimistic marks a phase applied from a local action that the chain
	// has not yet confirmed.
	Optimistic bool

	RoomID       string
	AmountWei    *big.Int
	LastEventSeq uint64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Snapshot is an immutable copy handed to observers.
type Snapshot struct {
	RequestID    int64
	Developer    ledger.Address
	Client       ledger.Address
	Phase        Phase
	Optimistic   bool
	RoomID       string
	AmountWei    *big.Int
	LastEventSeq uint64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Result describes what a transition attempt did.
type Result struct {
	Changed bool
	// Duplicate marks a replayed or out-of-order input folded into a no-op.
	Duplicate bool
	// Conflict marks an optimistic local phase overridden by the chain's
	// confirmed value.
	Conflict bool
}

// New creates a session from its first observed CallRequested event.
func New(ev ledger.Event, now time.Time) *Session {
	return &Session{
		RequestID: ev.RequestID,
		Developer: ev.Developer,
		Client:    ev.Client,
		Phase:     PhaseRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Snapshot returns a copy safe to share outside the registry's writer.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		RequestID:    s.RequestID,
		Developer:    s.Developer,
		Client:       s.Client,
		Phase:        s.Phase,
		Optimistic:   s.Optimistic,
		RoomID:       s.RoomID,
		LastEventSeq: s.LastEventSeq,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
	if s.AmountWei != nil {
		snap.AmountWei = new(big.Int).Set(s.AmountWei)
	}
	return snap
}

// ApplyEvent folds one confirmed chain event into the session. Duplicate
// and stale-ordered events are no-ops; transitions attempted from a
// terminal phase are no-ops.
func (s *Session) ApplyEvent(ev ledger.Event, now time.Time) Result {
	if ev.Seq > s.LastEventSeq {
		s.LastEventSeq = ev.Seq
	}

	switch ev.Kind {
	case ledger.EventCallRequested:
		// The creating event; anything at or past Requested has seen it.
		return Result{Duplicate: true}

	case ledger.EventCallBooked:
		if s.AmountWei == nil && ev.Amount != nil {
			s.AmountWei = new(big.Int).Set(ev.Amount)
			s.UpdatedAt = now
			return Result{Changed: true}
		}
		return Result{Duplicate: true}

	case ledger.EventCallAccepted:
		return s.confirmResponse(PhaseAccepted, ev.RoomID, now)

	case ledger.EventCallRejected:
		return s.confirmResponse(PhaseRejected, "", now)

	default:
		return Result{Duplicate: true}
	}
}

// confirmResponse reconciles a confirmed accept/reject against the current
// phase. The chain always wins over an optimistic local value.
func (s *Session) confirmResponse(confirmed Phase, roomID string, now time.Time) Result {
	switch {
	case s.Phase == PhaseRequested:
		s.Phase = confirmed
		s.Optimistic = false
		if roomID != "" {
			s.RoomID = roomID
		}
		s.UpdatedAt = now
		return Result{Changed: true}

	case s.Phase == confirmed && s.Optimistic:
		// Local optimistic value matches the chain; settle it.
		s.Optimistic = false
		if roomID != "" {
			s.RoomID = roomID
		}
		s.UpdatedAt = now
		return Result{Changed: true}

	case s.Phase.rank() == confirmed.rank() && s.Phase != confirmed && s.Optimistic:
		// Optimistic accept vs confirmed reject (or the reverse): the chain
		// overrides and the caller raises a conflict to the UI.
		s.Phase = confirmed
		s.Optimistic = false
		if roomID != "" {
			s.RoomID = roomID
		}
		s.UpdatedAt = now
		return Result{Changed: true, Conflict: true}

	default:
		// Already settled at this rank or beyond; duplicates are fine.
		return Result{Duplicate: true}
	}
}

// ApplyLocal applies the developer's optimistic accept/reject. Valid only
// from Requested; anything else is a no-op.
func (s *Session) ApplyLocal(accept bool, now time.Time) Result {
	if s.Phase != PhaseRequested {
		return Result{Duplicate: true}
	}
	if accept {
		s.Phase = PhaseAccepted
	} else {
		s.Phase = PhaseRejected
	}
	s.Optimistic = true
	s.UpdatedAt = now
	return Result{Changed: true}
}

// RevertLocal undoes an unconfirmed optimistic response after the backing
// transaction failed.
func (s *Session) RevertLocal(now time.Time) Result {
	if !s.Optimistic {
		return Result{Duplicate: true}
	}
	s.Phase = PhaseRequested
	s.Optimistic = false
	s.UpdatedAt = now
	return Result{Changed: true}
}

// EnterRoom moves a confirmed Accepted session into the live call once the
// media room reported ready.
func (s *Session) EnterRoom(roomID string, now time.Time) Result {
	if s.Phase != PhaseAccepted || s.Optimistic {
		return Result{Duplicate: true}
	}
	s.Phase = PhaseInSession
	if roomID != "" {
		s.RoomID = roomID
	}
	s.UpdatedAt = now
	return Result{Changed: true}
}

// Complete ends the live call after either party left the room.
func (s *Session) Complete(now time.Time) Result {
	if s.Phase != PhaseInSession {
		return Result{Duplicate: true}
	}
	s.Phase = PhaseCompleted
	s.UpdatedAt = now
	return Result{Changed: true}
}

// Role is the viewer's relationship to a session.
type Role int

const (
	RoleObserver Role = iota
	RoleClient
	RoleDeveloper
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleDeveloper:
		return "developer"
	default:
		return "observer"
	}
}

// View is the per-party presentation of a session: same phase, different
// counterparty and affordances.
type View struct {
	Snapshot
	Role         Role
	Counterparty ledger.Address
	// AwaitingResponse is the developer-side label for Requested: the
	// accept/reject affordance is shown to this viewer.
	AwaitingResponse bool
}

// ViewFor renders the session for a specific viewer address.
func (s Snapshot) ViewFor(viewer ledger.Address) View {
	v := View{Snapshot: s}
	switch viewer {
	case s.Client:
		v.Role = RoleClient
		v.Counterparty = s.Developer
	case s.Developer:
		v.Role = RoleDeveloper
		v.Counterparty = s.Client
		v.AwaitingResponse = s.Phase == PhaseRequested
	}
	return v
}

func (s Snapshot) String() string {
	label := s.Phase.String()
	if s.Optimistic {
		label += " (optimistic)"
	}
	return fmt.Sprintf("request %d: %s", s.RequestID, label)
}
