/*
Package persist serializes the active edit session across navigation
and process restarts.

PURPOSE:
  The persisted session is a versioned serialization format, not a raw
  dump of the in-memory types. A schema tag lets future field additions
  migrate old persisted records instead of discarding a user's
  half-finished edit after an app update.

FORMAT:
  A single JSON envelope:

    {"schema_version": 2, "record": { ... }}

  Version history:
    v1  initial format; no credit_committed, no last_persisted_at
    v2  adds credit_committed, last_persisted_at, scan_failure

MIGRATION:
  v1 records are upgraded on read. A v1 record whose scan succeeded had
  its credit charged, so credit_committed is backfilled to true in that
  one case; everything else defaults conservatively.

SEE ALSO:
  - memory.go: In-memory Persister (tests, dev)
  - store/sqlite: Durable Persister using this codec
*/
package persist

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerlens/session-engine/credit"
	"github.com/ledgerlens/session-engine/session"
)

// SchemaVersion is the version written by Encode.
const SchemaVersion = 2

// =============================================================================
// WIRE TYPES
// =============================================================================

type envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Record        json.RawMessage `json:"record"`
}

type lineItemJSON struct {
	Description string          `json:"description"`
	Quantity    int             `json:"quantity"`
	Amount      decimal.Decimal `json:"amount"`
}

type draftJSON struct {
	Merchant   string          `json:"merchant"`
	Category   string          `json:"category"`
	LineItems  []lineItemJSON  `json:"line_items"`
	Total      decimal.Decimal `json:"total"`
	Currency   string          `json:"currency"`
	Location   string          `json:"location"`
	OccurredAt time.Time       `json:"occurred_at"`
}

type recordV2 struct {
	State            string    `json:"state"`
	SourceKind       string    `json:"source_kind"`
	ExistingRecordID string    `json:"existing_record_id,omitempty"`
	Draft            draftJSON `json:"draft"`
	Baseline         draftJSON `json:"baseline"`
	PendingImage     string    `json:"pending_image,omitempty"`
	ScanOutcome      string    `json:"scan_outcome,omitempty"`
	ScanFailure      string    `json:"scan_failure,omitempty"`
	ReservationID    string    `json:"credit_reservation_id,omitempty"`
	CreditCommitted  bool      `json:"credit_committed"`
	LastPersistedAt  time.Time `json:"last_persisted_at"`
}

// recordV1 is the pre-credit-tracking layout, kept for migration.
type recordV1 struct {
	State            string    `json:"state"`
	SourceKind       string    `json:"source_kind"`
	ExistingRecordID string    `json:"existing_record_id,omitempty"`
	Draft            draftJSON `json:"draft"`
	Baseline         draftJSON `json:"baseline"`
	PendingImage     string    `json:"pending_image,omitempty"`
	ScanOutcome      string    `json:"scan_outcome,omitempty"`
	ReservationID    string    `json:"credit_reservation_id,omitempty"`
}

// =============================================================================
// CODEC
// =============================================================================

// Encode serializes the record into the current envelope version.
func Encode(rec *session.ActiveRecord) ([]byte, error) {
	body, err := json.Marshal(toWire(rec))
	if err != nil {
		return nil, fmt.Errorf("encode session record: %w", err)
	}
	return json.Marshal(envelope{SchemaVersion: SchemaVersion, Record: body})
}

// Decode parses an envelope of any supported version, migrating as
// needed.
func Decode(data []byte) (*session.ActiveRecord, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode session envelope: %w", err)
	}

	switch env.SchemaVersion {
	case 2:
		var w recordV2
		if err := json.Unmarshal(env.Record, &w); err != nil {
			return nil, fmt.Errorf("decode v2 record: %w", err)
		}
		return fromWire(w), nil

	case 1:
		var w recordV1
		if err := json.Unmarshal(env.Record, &w); err != nil {
			return nil, fmt.Errorf("decode v1 record: %w", err)
		}
		return fromWire(migrateV1(w)), nil

	default:
		return nil, fmt.Errorf("unsupported session schema version %d", env.SchemaVersion)
	}
}

// migrateV1 upgrades a v1 record. A v1 session whose scan succeeded was
// charged, so the committed flag is backfilled in that one case.
func migrateV1(w recordV1) recordV2 {
	return recordV2{
		State:            w.State,
		SourceKind:       w.SourceKind,
		ExistingRecordID: w.ExistingRecordID,
		Draft:            w.Draft,
		Baseline:         w.Baseline,
		PendingImage:     w.PendingImage,
		ScanOutcome:      w.ScanOutcome,
		ReservationID:    w.ReservationID,
		CreditCommitted:  session.ScanOutcome(w.ScanOutcome) == session.ScanSucceeded,
	}
}

// =============================================================================
// CONVERSION
// =============================================================================

func toWire(rec *session.ActiveRecord) recordV2 {
	return recordV2{
		State:            string(rec.State),
		SourceKind:       string(rec.SourceKind),
		ExistingRecordID: string(rec.ExistingRecordID),
		Draft:            draftToWire(rec.Draft),
		Baseline:         draftToWire(rec.Baseline),
		PendingImage:     string(rec.PendingImage),
		ScanOutcome:      string(rec.ScanOutcome),
		ScanFailure:      rec.ScanFailure,
		ReservationID:    string(rec.ReservationID),
		CreditCommitted:  rec.CreditCommitted,
		LastPersistedAt:  rec.LastPersistedAt,
	}
}

func fromWire(w recordV2) *session.ActiveRecord {
	return &session.ActiveRecord{
		State:            session.State(w.State),
		SourceKind:       session.SourceKind(w.SourceKind),
		ExistingRecordID: session.RecordID(w.ExistingRecordID),
		Draft:            draftFromWire(w.Draft),
		Baseline:         draftFromWire(w.Baseline),
		PendingImage:     session.ImageRef(w.PendingImage),
		ScanOutcome:      session.ScanOutcome(w.ScanOutcome),
		ScanFailure:      w.ScanFailure,
		ReservationID:    credit.ReservationID(w.ReservationID),
		CreditCommitted:  w.CreditCommitted,
		LastPersistedAt:  w.LastPersistedAt,
	}
}

// EncodeDraft serializes draft fields alone, for the durable
// transaction store's payload column.
func EncodeDraft(d session.DraftData) ([]byte, error) {
	return json.Marshal(draftToWire(d))
}

// DecodeDraft is the inverse of EncodeDraft.
func DecodeDraft(data []byte) (session.DraftData, error) {
	var w draftJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return session.DraftData{}, fmt.Errorf("decode draft payload: %w", err)
	}
	return draftFromWire(w), nil
}

func draftToWire(d session.DraftData) draftJSON {
	out := draftJSON{
		Merchant:   d.Merchant,
		Category:   d.Category,
		Total:      d.Total,
		Currency:   d.Currency,
		Location:   d.Location,
		OccurredAt: d.OccurredAt,
	}
	for _, li := range d.LineItems {
		out.LineItems = append(out.LineItems, lineItemJSON(li))
	}
	return out
}

func draftFromWire(w draftJSON) session.DraftData {
	out := session.DraftData{
		Merchant:   w.Merchant,
		Category:   w.Category,
		Total:      w.Total,
		Currency:   w.Currency,
		Location:   w.Location,
		OccurredAt: w.OccurredAt,
	}
	for _, li := range w.LineItems {
		out.LineItems = append(out.LineItems, session.LineItem(li))
	}
	return out
}
