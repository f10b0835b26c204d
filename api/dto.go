/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types
  decouple the internal session model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers and the session engine, not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerlens/session-engine/session"
)

// =============================================================================
// SESSION
// =============================================================================

// SessionDTO is the snapshot of the active session returned by every
// mutating endpoint.
type SessionDTO struct {
	State             string     `json:"state"`
	HasUnsavedChanges bool       `json:"has_unsaved_changes"`
	Record            *RecordDTO `json:"record,omitempty"`
}

type RecordDTO struct {
	SourceKind       string   `json:"source_kind"`
	ExistingRecordID string   `json:"existing_record_id,omitempty"`
	Draft            DraftDTO `json:"draft"`
	PendingImage     string   `json:"pending_image,omitempty"`
	ScanOutcome      string   `json:"scan_outcome,omitempty"`
	ScanFailure      string   `json:"scan_failure,omitempty"`
	CreditCommitted  bool     `json:"credit_committed"`
}

type DraftDTO struct {
	Merchant   string        `json:"merchant"`
	Category   string        `json:"category"`
	LineItems  []LineItemDTO `json:"line_items"`
	Total      string        `json:"total"`
	Currency   string        `json:"currency"`
	Location   string        `json:"location"`
	OccurredAt string        `json:"occurred_at,omitempty"`
}

type LineItemDTO struct {
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	Amount      string `json:"amount"`
}

// =============================================================================
// REQUESTS
// =============================================================================

// UpdateDraftRequest is a partial update; absent fields stay unchanged.
type UpdateDraftRequest struct {
	Merchant   *string        `json:"merchant"`
	Category   *string        `json:"category"`
	LineItems  *[]LineItemDTO `json:"line_items"`
	Total      *string        `json:"total"`
	Currency   *string        `json:"currency"`
	Location   *string        `json:"location"`
	OccurredAt *string        `json:"occurred_at"`
}

type AttachImageRequest struct {
	ImageRef string `json:"image_ref"`
}

type DiscardRequest struct {
	Confirmed bool `json:"confirmed"`
}

// ScanResultRequest delivers an externally-run scan outcome. Either
// the extraction or an error classification, not both.
type ScanResultRequest struct {
	Result       *DraftDTO `json:"result,omitempty"`
	ErrorClass   string    `json:"error_class,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// ConfirmationDTO describes a pending discard confirmation.
type ConfirmationDTO struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ConflictDTO describes a conflict awaiting user resolution.
type ConflictDTO struct {
	CurrentState      string   `json:"current_state"`
	CurrentSource     string   `json:"current_source"`
	CurrentRecordID   string   `json:"current_record_id,omitempty"`
	HasUnsavedChanges bool     `json:"has_unsaved_changes"`
	CreditCommitted   bool     `json:"credit_committed"`
	ScanInFlight      bool     `json:"scan_in_flight"`
	Options           []string `json:"options"`
}

type GuardDTO struct {
	HasUnsavedChanges bool             `json:"has_unsaved_changes"`
	Confirmation      *ConfirmationDTO `json:"confirmation,omitempty"`
}

type SaveResponse struct {
	RecordID string `json:"record_id"`
}

type DiscardResponse struct {
	Discarded    bool             `json:"discarded"`
	Confirmation *ConfirmationDTO `json:"confirmation,omitempty"`
}

type BalanceDTO struct {
	Available int64 `json:"available"`
}

type TransactionDTO struct {
	ID        string   `json:"id"`
	Draft     DraftDTO `json:"draft"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

type ErrorDTO struct {
	Error    string       `json:"error"`
	Kind     string       `json:"kind"`
	Missing  []string     `json:"missing,omitempty"`
	Invalid  []string     `json:"invalid,omitempty"`
	Conflict *ConflictDTO `json:"conflict,omitempty"`
}

// =============================================================================
// CONVERSION
// =============================================================================

func toSessionDTO(snap session.Snapshot) SessionDTO {
	dto := SessionDTO{
		State:             string(snap.State),
		HasUnsavedChanges: snap.HasUnsavedChanges,
	}
	if snap.Record != nil {
		dto.Record = &RecordDTO{
			SourceKind:       string(snap.Record.SourceKind),
			ExistingRecordID: string(snap.Record.ExistingRecordID),
			Draft:            toDraftDTO(snap.Record.Draft),
			PendingImage:     string(snap.Record.PendingImage),
			ScanOutcome:      string(snap.Record.ScanOutcome),
			ScanFailure:      snap.Record.ScanFailure,
			CreditCommitted:  snap.Record.CreditCommitted,
		}
	}
	return dto
}

func toDraftDTO(d session.DraftData) DraftDTO {
	dto := DraftDTO{
		Merchant: d.Merchant,
		Category: d.Category,
		Total:    d.Total.String(),
		Currency: d.Currency,
		Location: d.Location,
	}
	if !d.OccurredAt.IsZero() {
		dto.OccurredAt = d.OccurredAt.Format(time.RFC3339)
	}
	for _, li := range d.LineItems {
		dto.LineItems = append(dto.LineItems, LineItemDTO{
			Description: li.Description,
			Quantity:    li.Quantity,
			Amount:      li.Amount.String(),
		})
	}
	return dto
}

func toConfirmationDTO(desc *session.ConfirmationDescriptor) *ConfirmationDTO {
	if desc == nil {
		return nil
	}
	return &ConfirmationDTO{Kind: string(desc.Kind), Message: desc.Message}
}

func toConflictDTO(desc *session.ConflictDescriptor) *ConflictDTO {
	if desc == nil {
		return nil
	}
	dto := &ConflictDTO{
		CurrentState:      string(desc.CurrentState),
		CurrentSource:     string(desc.CurrentSource),
		CurrentRecordID:   string(desc.CurrentRecordID),
		HasUnsavedChanges: desc.HasUnsavedChanges,
		CreditCommitted:   desc.CreditCommitted,
		ScanInFlight:      desc.ScanInFlight,
	}
	for _, opt := range desc.Options {
		dto.Options = append(dto.Options, string(opt))
	}
	return dto
}

// toExtraction converts an externally-delivered scan payload. Invalid
// decimals or timestamps are reported, not silently dropped.
func toExtraction(d DraftDTO) (*session.ExtractionResult, error) {
	out := &session.ExtractionResult{
		Merchant: d.Merchant,
		Category: d.Category,
		Currency: d.Currency,
		Location: d.Location,
	}
	if d.Total != "" {
		total, err := decimal.NewFromString(d.Total)
		if err != nil {
			return nil, err
		}
		out.Total = total
	}
	if d.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, d.OccurredAt)
		if err != nil {
			return nil, err
		}
		out.OccurredAt = t
	}
	for _, li := range d.LineItems {
		amount, err := decimal.NewFromString(li.Amount)
		if err != nil {
			return nil, err
		}
		out.LineItems = append(out.LineItems, session.LineItem{
			Description: li.Description,
			Quantity:    li.Quantity,
			Amount:      amount,
		})
	}
	return out, nil
}

// toDraftPatch converts the request into a session patch. Invalid
// decimals or timestamps are reported, not silently dropped.
func toDraftPatch(req UpdateDraftRequest) (session.DraftPatch, error) {
	var patch session.DraftPatch
	patch.Merchant = req.Merchant
	patch.Category = req.Category
	patch.Currency = req.Currency
	patch.Location = req.Location

	if req.Total != nil {
		total, err := decimal.NewFromString(*req.Total)
		if err != nil {
			return patch, err
		}
		patch.Total = &total
	}
	if req.OccurredAt != nil {
		t, err := time.Parse(time.RFC3339, *req.OccurredAt)
		if err != nil {
			return patch, err
		}
		patch.OccurredAt = &t
	}
	if req.LineItems != nil {
		items := make([]session.LineItem, 0, len(*req.LineItems))
		for _, li := range *req.LineItems {
			amount, err := decimal.NewFromString(li.Amount)
			if err != nil {
				return patch, err
			}
			items = append(items, session.LineItem{
				Description: li.Description,
				Quantity:    li.Quantity,
				Amount:      amount,
			})
		}
		patch.LineItems = &items
	}
	return patch, nil
}
