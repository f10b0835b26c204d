/*
handlers.go - HTTP API handlers for the session engine

PURPOSE:
  Exposes the session engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the
  Orchestrator; no session state lives here.

REQUEST FLOW:
  1. Parse HTTP request
  2. Call the Orchestrator (the only mutator)
  3. Serialize the snapshot or map the typed error

ERROR HANDLING:
  Errors are returned as JSON with the engine's error taxonomy mapped
  to HTTP status:
  - 400: Malformed input
  - 402: Insufficient credit
  - 404: Record not found
  - 409: Illegal transition, conflict pending
  - 422: Validation error on save
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ledgerlens/session-engine/credit"
	"github.com/ledgerlens/session-engine/session"
	"github.com/ledgerlens/session-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Orchestrator *session.Orchestrator
	Credits      *credit.Manager
	Store        *sqlite.Store
	Log          zerolog.Logger
}

// NewHandler creates a new handler.
func NewHandler(orch *session.Orchestrator, credits *credit.Manager, store *sqlite.Store, log zerolog.Logger) *Handler {
	return &Handler{
		Orchestrator: orch,
		Credits:      credits,
		Store:        store,
		Log:          log.With().Str("component", "api").Logger(),
	}
}

// =============================================================================
// SESSION ENDPOINTS
// =============================================================================

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toSessionDTO(h.Orchestrator.Snapshot()))
}

func (h *Handler) StartNew(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Orchestrator.RequestStartNew(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(snap))
}

func (h *Handler) StartExisting(w http.ResponseWriter, r *http.Request) {
	id := session.RecordID(chi.URLParam(r, "id"))
	snap, err := h.Orchestrator.RequestStartExisting(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(snap))
}

func (h *Handler) UpdateDraft(w http.ResponseWriter, r *http.Request) {
	var req UpdateDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: "invalid JSON body", Kind: "bad_request"})
		return
	}
	patch, err := toDraftPatch(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: err.Error(), Kind: "bad_request"})
		return
	}
	snap, err := h.Orchestrator.UpdateDraft(r.Context(), patch)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(snap))
}

func (h *Handler) AttachImage(w http.ResponseWriter, r *http.Request) {
	var req AttachImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: "invalid JSON body", Kind: "bad_request"})
		return
	}
	snap, err := h.Orchestrator.AttachImage(r.Context(), session.ImageRef(req.ImageRef))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(snap))
}

func (h *Handler) RequestScan(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Orchestrator.RequestScan(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toSessionDTO(snap))
}

// ReportScanResult accepts a scan outcome from a driver that ran the
// scan call itself instead of using the built-in background task.
func (h *Handler) ReportScanResult(w http.ResponseWriter, r *http.Request) {
	var req ScanResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: "invalid JSON body", Kind: "bad_request"})
		return
	}

	var (
		result  *session.ExtractionResult
		scanErr error
	)
	switch {
	case req.ErrorClass != "":
		scanErr = &session.ScanFailure{
			Class:   session.ScanFailureClass(req.ErrorClass),
			Message: req.ErrorMessage,
		}
	case req.Result != nil:
		var err error
		result, err = toExtraction(*req.Result)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: err.Error(), Kind: "bad_request"})
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: "result or error_class required", Kind: "bad_request"})
		return
	}

	snap, err := h.Orchestrator.ReportScanResult(r.Context(), result, scanErr)
	if err != nil {
		var sf *session.ScanFailure
		if errors.As(err, &sf) {
			// The failure was applied to the session; answer with the
			// resulting snapshot rather than a transport error.
			writeJSON(w, http.StatusOK, toSessionDTO(snap))
			return
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(snap))
}

func (h *Handler) RetryScan(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Orchestrator.RetryScan(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toSessionDTO(snap))
}

func (h *Handler) OpenForm(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Orchestrator.OpenForm(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(snap))
}

func (h *Handler) Save(w http.ResponseWriter, r *http.Request) {
	id, err := h.Orchestrator.Save(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SaveResponse{RecordID: string(id)})
}

func (h *Handler) Discard(w http.ResponseWriter, r *http.Request) {
	var req DiscardRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: "invalid JSON body", Kind: "bad_request"})
			return
		}
	}
	desc, err := h.Orchestrator.Discard(r.Context(), req.Confirmed)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DiscardResponse{
		Discarded:    desc == nil,
		Confirmation: toConfirmationDTO(desc),
	})
}

// NavigationGuard serves the navigation layer: whether back-navigation
// needs to intercept, and with which confirmation.
func (h *Handler) NavigationGuard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, GuardDTO{
		HasUnsavedChanges: h.Orchestrator.HasUnsavedChanges(),
		Confirmation:      toConfirmationDTO(h.Orchestrator.RequestDiscardConfirmation()),
	})
}

// =============================================================================
// CREDITS, TRANSACTIONS, ADMIN
// =============================================================================

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.Credits.Balance(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{Available: balance})
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	records, err := h.Store.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]TransactionDTO, 0, len(records))
	for _, rec := range records {
		out = append(out, TransactionDTO{
			ID:        string(rec.ID),
			Draft:     toDraftDTO(rec.Data),
			CreatedAt: rec.CreatedAt.Format(time.RFC3339),
			UpdatedAt: rec.UpdatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestrator.Reset(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(h.Orchestrator.Snapshot()))
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var (
		stateErr    *session.StateError
		scanErr     *session.ScanFailure
		validErr    *session.ValidationError
		conflictErr *session.ConflictPendingError
	)

	switch {
	case errors.As(err, &conflictErr):
		writeJSON(w, http.StatusConflict, ErrorDTO{
			Error:    conflictErr.Error(),
			Kind:     "conflict_pending",
			Conflict: toConflictDTO(conflictErr.Descriptor),
		})
	case errors.As(err, &stateErr):
		writeJSON(w, http.StatusConflict, ErrorDTO{Error: stateErr.Error(), Kind: "state_error"})
	case errors.Is(err, credit.ErrInsufficientCredit):
		writeJSON(w, http.StatusPaymentRequired, ErrorDTO{Error: err.Error(), Kind: "insufficient_credit"})
	case errors.As(err, &validErr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorDTO{
			Error:   validErr.Error(),
			Kind:    "validation_error",
			Missing: validErr.Missing,
			Invalid: validErr.Invalid,
		})
	case errors.As(err, &scanErr):
		writeJSON(w, http.StatusBadGateway, ErrorDTO{Error: scanErr.Error(), Kind: "scan_failure"})
	case errors.Is(err, session.ErrRecordNotFound):
		writeJSON(w, http.StatusNotFound, ErrorDTO{Error: err.Error(), Kind: "not_found"})
	default:
		h.Log.Error().Err(err).Msg("internal error")
		writeJSON(w, http.StatusInternalServerError, ErrorDTO{Error: "internal error", Kind: "internal"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
