/*
collaborators.go - Interfaces to the external collaborators

PURPOSE:
  The session engine consumes four external services. This file defines
  their interfaces at the boundary; concrete implementations live in
  their own packages (persist, scan, store/sqlite). Keeping the
  interfaces here lets the orchestrator be tested with in-memory fakes
  and keeps the dependency arrows pointing inward.

SEE ALSO:
  - persist: Persister implementations (memory + sqlite envelope)
  - scan: Scanner and TaskRegistry implementations
  - store/sqlite: TransactionStore implementation
*/
package session

import (
	"context"

	"github.com/ledgerlens/session-engine/credit"
)

// =============================================================================
// PERSISTER - Durability for the active record itself
// =============================================================================

// Persister serializes the active record across navigation and process
// restarts. Writes are best-effort-synchronous after every
// state-affecting mutation; Load happens once, at cold start, before
// any edit intent is accepted.
type Persister interface {
	// Save writes the record. Must be atomic: a reader never observes a
	// partially-written record.
	Save(ctx context.Context, record *ActiveRecord) error

	// Load returns the persisted record, or ok=false when none exists.
	Load(ctx context.Context) (record *ActiveRecord, ok bool, err error)

	// Clear removes the persisted record.
	Clear(ctx context.Context) error
}

// =============================================================================
// SCANNER - The asynchronous receipt-scan service
// =============================================================================

// Scanner is the opaque async scan operation. A rejection is reported
// as a *ScanFailure with a classified reason; any other error is
// treated as ScanFailureNetwork by the orchestrator.
type Scanner interface {
	StartScan(ctx context.Context, image ImageRef) (*ExtractionResult, error)
}

// =============================================================================
// TASK REGISTRY - Corroboration for in-flight scans
// =============================================================================

// TaskRegistry tracks scan calls that are genuinely in flight in this
// process. It is the corroborating evidence consulted by crash
// recovery: a persisted record claiming state = scanning whose
// reservation is not registered here cannot be resumed, so its
// reservation is refunded.
type TaskRegistry interface {
	Register(id credit.ReservationID)
	Resolve(id credit.ReservationID)
	InFlight(id credit.ReservationID) bool
}

// =============================================================================
// TRANSACTION STORE - Durable saved-transaction storage
// =============================================================================

// TransactionStore is the durable catalog of saved transactions.
// Consumed on save only (plus Get when opening an existing record).
type TransactionStore interface {
	Create(ctx context.Context, id RecordID, data DraftData) error
	Update(ctx context.Context, id RecordID, data DraftData) error

	// Get returns ErrRecordNotFound (wrapped) when id is unknown.
	Get(ctx context.Context, id RecordID) (DraftData, error)
}
