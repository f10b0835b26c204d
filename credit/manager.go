/*
manager.go - Reserve → confirm/refund orchestration

PURPOSE:
  Manager sits between the session orchestrator and the credit Ledger.
  It enforces the resolution invariant (exactly one of confirm/refund
  per reservation) in-process, on top of whatever guarantees the Ledger
  gives, so a double callback or a retried operation can never turn
  into a double charge or a double refund.

RESOLUTION TRACKING:
  The Manager remembers the resolution of every reservation it issued
  this process lifetime. A repeat of the same resolution is a silent
  no-op; the opposite resolution after the fact is a logged no-op,
  never an error that could wedge the session.

CRASH RECOVERY:
  ResolveInterrupted is the recovery entry point: given a reservation
  restored from persistence with no corroborated outcome, it refunds.
  The Manager never commits a reservation it cannot corroborate.

SEE ALSO:
  - credit.go: Ledger interface and invariants
  - session/orchestrator.go: The only caller
*/
package credit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

type resolution string

const (
	resolutionCommitted resolution = "committed"
	resolutionReleased  resolution = "released"
)

// Manager implements the two-phase credit protocol over a Ledger.
// Safe for concurrent use.
type Manager struct {
	ledger Ledger
	log    zerolog.Logger

	mu       sync.Mutex
	resolved map[ReservationID]resolution
}

func NewManager(ledger Ledger, log zerolog.Logger) *Manager {
	return &Manager{
		ledger:   ledger,
		log:      log.With().Str("component", "credit").Logger(),
		resolved: make(map[ReservationID]resolution),
	}
}

// Reserve creates a new reservation, optimistically deducting one
// credit from the visible balance. Called exactly once per scan
// attempt, at the image_pending → scanning transition.
func (m *Manager) Reserve(ctx context.Context) (ReservationID, error) {
	id, err := m.ledger.ReserveCredit(ctx)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredit) {
			m.log.Info().Msg("reserve rejected: insufficient credit")
			return "", err
		}
		return "", fmt.Errorf("reserve credit: %w", err)
	}
	m.log.Info().Str("reservation", string(id)).Msg("credit reserved")
	return id, nil
}

// Confirm converts the reservation into a permanent charge. Idempotent:
// confirming twice is a no-op. Confirming after a refund is a logged
// no-op (the invariant says never both; refund won).
func (m *Manager) Confirm(ctx context.Context, id ReservationID) error {
	m.mu.Lock()
	prior, seen := m.resolved[id]
	if !seen {
		m.resolved[id] = resolutionCommitted
	}
	m.mu.Unlock()

	if seen {
		if prior == resolutionReleased {
			m.log.Warn().Str("reservation", string(id)).
				Msg("confirm after refund ignored")
		}
		return nil
	}

	if err := m.ledger.CommitReservation(ctx, id); err != nil {
		if errors.Is(err, ErrAlreadyResolved) {
			m.log.Warn().Str("reservation", string(id)).
				Msg("ledger reports reservation already resolved on commit")
			return nil
		}
		// Roll back the local mark so a retry can resolve it.
		m.mu.Lock()
		delete(m.resolved, id)
		m.mu.Unlock()
		return fmt.Errorf("commit reservation %s: %w", id, err)
	}
	m.log.Info().Str("reservation", string(id)).Msg("credit committed")
	return nil
}

// Refund releases the reservation, restoring the optimistic counter.
// Idempotent; refunding after a confirm is a logged no-op.
func (m *Manager) Refund(ctx context.Context, id ReservationID) error {
	m.mu.Lock()
	prior, seen := m.resolved[id]
	if !seen {
		m.resolved[id] = resolutionReleased
	}
	m.mu.Unlock()

	if seen {
		if prior == resolutionCommitted {
			m.log.Warn().Str("reservation", string(id)).
				Msg("refund after confirm ignored")
		}
		return nil
	}

	if err := m.ledger.ReleaseReservation(ctx, id); err != nil {
		if errors.Is(err, ErrAlreadyResolved) {
			m.log.Warn().Str("reservation", string(id)).
				Msg("ledger reports reservation already resolved on release")
			return nil
		}
		m.mu.Lock()
		delete(m.resolved, id)
		m.mu.Unlock()
		return fmt.Errorf("release reservation %s: %w", id, err)
	}
	m.log.Info().Str("reservation", string(id)).Msg("credit refunded")
	return nil
}

// ResolveInterrupted handles a reservation restored from persistence
// whose scan outcome could not be corroborated. Policy: refund, never
// commit. The user must not be charged for a scan they cannot see.
func (m *Manager) ResolveInterrupted(ctx context.Context, id ReservationID) error {
	m.log.Warn().Str("reservation", string(id)).
		Msg("uncorroborated in-flight reservation, refunding")
	return m.Refund(ctx, id)
}

// Balance returns the externally-visible available-credit counter.
func (m *Manager) Balance(ctx context.Context) (int64, error) {
	return m.ledger.AvailableBalance(ctx)
}
