/*
Package credit implements the scan-credit reservation protocol.

PURPOSE:
  Scan credits are a scarce metered resource. Before an asynchronous
  receipt scan starts, one credit is reserved (optimistically deducted
  from the visible balance); when the scan resolves, the reservation is
  either confirmed into a permanent charge or refunded in full. This
  package owns that two-phase protocol and is the ONLY component
  permitted to mutate the available-credit counter.

CRITICAL INVARIANTS:
  1. At most one outstanding reservation per edit session
  2. Every reservation is resolved exactly once: confirm OR refund,
     never both, never neither
  3. Confirm and Refund are idempotent per reservation id
  4. An unconfirmed reservation is never silently committed; when in
     doubt (crash, lost result) the default is refund

KEY TYPES:
  Ledger:  Interface to the external credit ledger (source of truth)
  Manager: The reserve → confirm/refund orchestration over a Ledger

SEE ALSO:
  - manager.go: Manager implementation
  - memory.go: In-memory Ledger for tests and development
  - store/sqlite: Durable Ledger implementation
*/
package credit

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// ReservationID identifies one provisional hold against the ledger.
// Minted by the Ledger on reserve; opaque to everyone else.
type ReservationID string

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrInsufficientCredit is returned by reserve when the ledger
	// reports zero balance. User-facing; blocks the scan from starting.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrUnknownReservation is returned when a reservation id was never
	// issued by this ledger.
	ErrUnknownReservation = errors.New("unknown reservation")

	// ErrAlreadyResolved is returned by a Ledger when a reservation was
	// already committed or released. The Manager treats it as a no-op.
	ErrAlreadyResolved = errors.New("reservation already resolved")
)

// InsufficientCreditError carries the balance observed at reserve time.
type InsufficientCreditError struct {
	Available int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit: %d available", e.Available)
}

func (e *InsufficientCreditError) Unwrap() error { return ErrInsufficientCredit }

// =============================================================================
// LEDGER - External credit ledger interface
// =============================================================================

// Ledger is the source of truth for the credit balance. Only the
// Manager calls it; no other component may read-modify-write the
// counter directly.
type Ledger interface {
	// ReserveCredit optimistically deducts one credit and returns the
	// reservation id. Fails with ErrInsufficientCredit (wrapped in
	// InsufficientCreditError) when the balance is zero.
	ReserveCredit(ctx context.Context) (ReservationID, error)

	// CommitReservation converts the hold into a permanent charge.
	// Committing an already-committed reservation is a no-op; committing
	// a released one returns ErrAlreadyResolved.
	CommitReservation(ctx context.Context, id ReservationID) error

	// ReleaseReservation restores the optimistic deduction. Releasing an
	// already-released reservation is a no-op; releasing a committed one
	// returns ErrAlreadyResolved.
	ReleaseReservation(ctx context.Context, id ReservationID) error

	// AvailableBalance returns the externally-visible counter:
	// credits granted minus committed charges minus outstanding holds.
	AvailableBalance(ctx context.Context) (int64, error)
}
