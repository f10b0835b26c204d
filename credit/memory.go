// memory.go - In-memory Ledger implementation (for testing/dev)
package credit

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type holdState string

const (
	holdReserved  holdState = "reserved"
	holdCommitted holdState = "committed"
	holdReleased  holdState = "released"
)

// MemoryLedger is an in-memory Ledger. The balance starts at the grant
// passed to NewMemoryLedger; reservations deduct optimistically and
// release restores.
type MemoryLedger struct {
	mu      sync.Mutex
	balance int64
	holds   map[ReservationID]holdState
}

func NewMemoryLedger(grant int64) *MemoryLedger {
	return &MemoryLedger{
		balance: grant,
		holds:   make(map[ReservationID]holdState),
	}
}

func (l *MemoryLedger) ReserveCredit(_ context.Context) (ReservationID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balance <= 0 {
		return "", &InsufficientCreditError{Available: l.balance}
	}
	id := ReservationID(uuid.NewString())
	l.balance--
	l.holds[id] = holdReserved
	return id, nil
}

func (l *MemoryLedger) CommitReservation(_ context.Context, id ReservationID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.holds[id] {
	case holdReserved:
		l.holds[id] = holdCommitted
		return nil
	case holdCommitted:
		return nil // idempotent
	case holdReleased:
		return ErrAlreadyResolved
	default:
		return ErrUnknownReservation
	}
}

func (l *MemoryLedger) ReleaseReservation(_ context.Context, id ReservationID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.holds[id] {
	case holdReserved:
		l.holds[id] = holdReleased
		l.balance++
		return nil
	case holdReleased:
		return nil // idempotent
	case holdCommitted:
		return ErrAlreadyResolved
	default:
		return ErrUnknownReservation
	}
}

func (l *MemoryLedger) AvailableBalance(_ context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance, nil
}

// Grant adds credits to the balance (a purchase or promotional grant
// arriving from another part of the system).
func (l *MemoryLedger) Grant(n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balance += n
}
