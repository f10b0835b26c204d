/*
Package session implements the active-transaction edit session engine.

PURPOSE:
  This package owns the single in-progress edit session of the expense
  tracker: the record being created or edited, its lifecycle state
  machine, the conflict rules for competing edit intents, and the
  orchestrator that is the sole mutator of all of it.

KEY CONCEPTS IN THIS FILE (types.go):
  - ActiveRecord: The one exclusively-owned in-progress edit session
  - DraftData: The mutable transaction fields being edited
  - DraftPatch: A partial update merged into DraftData
  - ExtractionResult: Structured fields produced by a receipt scan

DESIGN PRINCIPLES:
  1. Single ownership: there is never more than one ActiveRecord
  2. Precision: money uses decimal.Decimal, never float64
  3. Derived state: HasUnsavedChanges is computed, never stored
  4. Type safety: typed IDs prevent mixing record and image refs

SEE ALSO:
  - state.go: Lifecycle states and the transition table
  - conflict.go: Rules for competing edit intents
  - orchestrator.go: The only mutator of ActiveRecord
*/
package session

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerlens/session-engine/credit"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// RecordID identifies a saved transaction in the durable store.
type RecordID string

// ImageRef is an opaque reference to an attached receipt image.
type ImageRef string

// SourceKind says whether the session started from a fresh capture or
// from opening a previously saved record.
type SourceKind string

const (
	SourceNew      SourceKind = "new"
	SourceExisting SourceKind = "existing"
)

// =============================================================================
// SCAN OUTCOME
// =============================================================================

type ScanOutcome string

const (
	ScanNone      ScanOutcome = ""
	ScanInFlight  ScanOutcome = "in_flight"
	ScanSucceeded ScanOutcome = "succeeded"
	ScanFailed    ScanOutcome = "failed"
)

// =============================================================================
// DRAFT DATA - The transaction fields under edit
// =============================================================================

// LineItem is a single purchased item on the draft.
type LineItem struct {
	Description string
	Quantity    int
	Amount      decimal.Decimal
}

func (li LineItem) Equal(other LineItem) bool {
	return li.Description == other.Description &&
		li.Quantity == other.Quantity &&
		li.Amount.Equal(other.Amount)
}

// DraftData holds the mutable, partially-edited transaction fields.
// Owned exclusively by the ActiveRecord while a session is live; copied
// into the durable store only on a successful save.
type DraftData struct {
	Merchant   string
	Category   string
	LineItems  []LineItem
	Total      decimal.Decimal
	Currency   string
	Location   string
	OccurredAt time.Time
}

// Clone returns a deep copy. LineItems is the only reference field.
func (d DraftData) Clone() DraftData {
	out := d
	if d.LineItems != nil {
		out.LineItems = make([]LineItem, len(d.LineItems))
		copy(out.LineItems, d.LineItems)
	}
	return out
}

// Equal compares field by field. Decimal comparison is by value, so
// "12.50" and "12.5" are the same total.
func (d DraftData) Equal(other DraftData) bool {
	if d.Merchant != other.Merchant ||
		d.Category != other.Category ||
		d.Currency != other.Currency ||
		d.Location != other.Location ||
		!d.OccurredAt.Equal(other.OccurredAt) ||
		!d.Total.Equal(other.Total) {
		return false
	}
	if len(d.LineItems) != len(other.LineItems) {
		return false
	}
	for i := range d.LineItems {
		if !d.LineItems[i].Equal(other.LineItems[i]) {
			return false
		}
	}
	return true
}

// DraftPatch is a partial update. Nil fields are left unchanged.
type DraftPatch struct {
	Merchant   *string
	Category   *string
	LineItems  *[]LineItem
	Total      *decimal.Decimal
	Currency   *string
	Location   *string
	OccurredAt *time.Time
}

// Apply merges the patch into the draft.
func (d *DraftData) Apply(p DraftPatch) {
	if p.Merchant != nil {
		d.Merchant = *p.Merchant
	}
	if p.Category != nil {
		d.Category = *p.Category
	}
	if p.LineItems != nil {
		items := make([]LineItem, len(*p.LineItems))
		copy(items, *p.LineItems)
		d.LineItems = items
	}
	if p.Total != nil {
		d.Total = *p.Total
	}
	if p.Currency != nil {
		d.Currency = *p.Currency
	}
	if p.Location != nil {
		d.Location = *p.Location
	}
	if p.OccurredAt != nil {
		d.OccurredAt = *p.OccurredAt
	}
}

// =============================================================================
// EXTRACTION RESULT - What a successful receipt scan produces
// =============================================================================

// ExtractionResult carries the structured fields extracted from a
// receipt image. Zero-valued fields were not recognized and leave the
// corresponding draft field untouched on merge.
type ExtractionResult struct {
	Merchant   string
	Category   string
	LineItems  []LineItem
	Total      decimal.Decimal
	Currency   string
	Location   string
	OccurredAt time.Time
}

// mergeInto overwrites draft fields the scan actually recognized.
func (e ExtractionResult) mergeInto(d *DraftData) {
	if e.Merchant != "" {
		d.Merchant = e.Merchant
	}
	if e.Category != "" {
		d.Category = e.Category
	}
	if len(e.LineItems) > 0 {
		items := make([]LineItem, len(e.LineItems))
		copy(items, e.LineItems)
		d.LineItems = items
	}
	if !e.Total.IsZero() {
		d.Total = e.Total
	}
	if e.Currency != "" {
		d.Currency = e.Currency
	}
	if e.Location != "" {
		d.Location = e.Location
	}
	if !e.OccurredAt.IsZero() {
		d.OccurredAt = e.OccurredAt
	}
}

// =============================================================================
// ACTIVE RECORD - The single in-progress edit session
// =============================================================================

// ActiveRecord is the exclusively-owned entity representing the
// in-progress edit session. There is never more than one instance
// system-wide; the Orchestrator is its only mutator.
type ActiveRecord struct {
	State            State
	SourceKind       SourceKind
	ExistingRecordID RecordID // set only when SourceKind == SourceExisting
	Draft            DraftData
	Baseline         DraftData // snapshot of Draft at session start
	PendingImage     ImageRef
	ScanOutcome      ScanOutcome
	ScanFailure      string // reason, set only when ScanOutcome == ScanFailed

	// ReservationID is set only while a credit reservation is
	// outstanding, between reserve and confirm/refund. At most one
	// outstanding reservation per record.
	ReservationID credit.ReservationID

	// CreditCommitted becomes true on a successful confirm and is never
	// reset except by destroying the record.
	CreditCommitted bool

	LastPersistedAt time.Time
}

// HasUnsavedChanges reports whether the draft differs from the baseline
// or an image is attached but not yet saved.
func (r *ActiveRecord) HasUnsavedChanges() bool {
	if r == nil {
		return false
	}
	return !r.Draft.Equal(r.Baseline) || r.PendingImage != ""
}

// Clone returns a deep copy, safe to hand to observers.
func (r *ActiveRecord) Clone() *ActiveRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Draft = r.Draft.Clone()
	out.Baseline = r.Baseline.Clone()
	return &out
}

// =============================================================================
// SNAPSHOT - Immutable view handed to observers
// =============================================================================

// Snapshot is what subscribers and API callers see. Record is nil when
// the session is idle.
type Snapshot struct {
	State             State
	Record            *ActiveRecord
	HasUnsavedChanges bool
}
