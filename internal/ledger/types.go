// Package ledger defines the engine's view of the DevConnect contract: the
// typed event variant, developer and call-request records, and the Client
// interface the rest of the engine programs against.
package ledger

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Address is a 20-byte account address.
type Address [20]byte

// ParseAddress parses a 0x-prefixed hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) != 40 {
		return a, fmt.Errorf("address must be 20 bytes, got %q", s)
	}
	b, err := hex.DecodeString(strings.ToLower(s))
	if err != nil {
		return a, fmt.Errorf("invalid address %q: %w", s, err)
	}
	copy(a[:], b)
	return a, nil
}

// Hex returns the 0x-prefixed lowercase hex form.
func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Short returns an abbreviated form for display, e.g. 0x1234…abcd.
func (a Address) Short() string {
	h := hex.EncodeToString(a[:])
	return "0x" + h[:4] + "…" + h[36:]
}

// IsZero reports whether the address is all zero bytes.
func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) String() string { return a.Hex() }

// TxHash identifies a submitted transaction.
type TxHash string

// Developer is the contract's registration record for one address. Owned by
// the contract; the directory cache holds an eventually-consistent copy.
type Developer struct {
	Address       Address
	Name          string
	Expertise     string
	HourlyRateWei *big.Int
	IsAvailable   bool
	IsRegistered  bool
}

// CallRequest is the immutable fact created by a confirmed bookCall.
type CallRequest struct {
	RequestID int64
	Developer Address
	Client    Address
	AmountWei *big.Int
	CreatedAt time.Time
}

// EventKind discriminates the tagged event variant.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventCallRequested
	EventCallAccepted
	EventCallRejected
	EventCallBooked
	EventCallCompleted
	EventDeveloperRegistered
	EventAvailabilityToggled
)

func (k EventKind) String() string {
	switch k {
	case EventCallRequested:
		return "CallRequested"
	case EventCallAccepted:
		return "CallAccepted"
	case EventCallRejected:
		return "CallRejected"
	case EventCallBooked:
		return "CallBooked"
	case EventCallCompleted:
		return "CallCompleted"
	case EventDeveloperRegistered:
		return "DeveloperRegistered"
	case EventAvailabilityToggled:
		return "AvailabilityToggled"
	default:
		return "Unknown"
	}
}

// Event is one decoded contract log. Fields beyond Kind are populated per
// kind: RequestID for the call lifecycle events, RoomID only for
// CallAccepted, Amount only for CallBooked.
type Event struct {
	Kind      EventKind
	RequestID int64
	Developer Address
	Client    Address
	RoomID    string
	Amount    *big.Int

	// Seq is assigned by the event source in arrival order, not by the
	// chain. Stale marks an event released past the park timeout.
	Seq   uint64
	Stale bool

	BlockNumber uint64
	TxHash      TxHash
}

// LifecycleEvent reports whether the event advances a call session.
func (e Event) LifecycleEvent() bool {
	switch e.Kind {
	case EventCallRequested, EventCallAccepted, EventCallRejected:
		return true
	}
	return false
}
