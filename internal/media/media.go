// Package media abstracts the call room layer. The engine only needs two
// things from it: open a room for an accepted request and know when the
// room is ready to join. The loopback provider satisfies both without any
// external service, which is what local and test runs use.
package media

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RoomID derives the canonical room name for a request. The contract emits
// the same derivation in CallAccepted, so both parties converge on one room
// without coordination.
func RoomID(requestID int64) string {
	return fmt.Sprintf("room-%d", requestID)
}

// Room is one live call room.
type Room interface {
	// ID is the room name both parties join.
	ID() string
	// Ready blocks until the room can be joined or ctx expires.
	Ready(ctx context.Context) error
	// Leave tears down this party's attachment.
	Leave(ctx context.Context) error
	// Departed is closed when the counterparty leaves the room.
	Departed() <-chan struct{}
}

// Provider opens rooms.
type Provider interface {
	Open(ctx context.Context, roomID string) (Room, error)
	Close() error
}

// Loopback is an in-process Provider: rooms are ready immediately and
// departure is signalled by Leave. Useful wherever a real media backend is
// out of reach.
type Loopback struct {
	// ReadyDelay simulates room spin-up.
	ReadyDelay time.Duration

	mu    sync.Mutex
	rooms map[string]*loopbackRoom
}

// NewLoopback builds an in-process provider.
func NewLoopback() *Loopback {
	return &Loopback{rooms: make(map[string]*loopbackRoom)}
}

func (l *Loopback) Open(ctx context.Context, roomID string) (Room, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.rooms[roomID]; ok {
		return r, nil
	}
	r := &loopbackRoom{
		id:       roomID,
		provider: l,
		readyAt:  time.Now().Add(l.ReadyDelay),
		departed: make(chan struct{}),
	}
	l.rooms[roomID] = r
	return r, nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	rooms := make([]*loopbackRoom, 0, len(l.rooms))
	for _, r := range l.rooms {
		rooms = append(rooms, r)
	}
	l.rooms = make(map[string]*loopbackRoom)
	l.mu.Unlock()

	for _, r := range rooms {
		r.signalDeparted()
	}
	return nil
}

type loopbackRoom struct {
	id       string
	provider *Loopback
	readyAt  time.Time

	once     sync.Once
	departed chan struct{}
}

func (r *loopbackRoom) ID() string { return r.id }

func (r *loopbackRoom) Ready(ctx context.Context) error {
	wait := time.Until(r.readyAt)
	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *loopbackRoom) Leave(ctx context.Context) error {
	r.provider.mu.Lock()
	delete(r.provider.rooms, r.id)
	r.provider.mu.Unlock()
	r.signalDeparted()
	return nil
}

func (r *loopbackRoom) Departed() <-chan struct{} { return r.departed }

func (r *loopbackRoom) signalDeparted() {
	r.once.Do(func() { close(r.departed) })
}
