/*
errors.go - Centralized error types for the session engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every Orchestrator method returns one of these rather than letting a
  collaborator's error escape untyped.

ERROR CATEGORIES:
  1. StateError       - Illegal transition (programming/UI bug, always logged)
  2. ScanFailure      - Classified scan service failure, recoverable via retry
  3. ValidationError  - Save blocked by missing/invalid fields
  4. ConflictPendingError - Second edit intent needs user resolution

  InsufficientCredit lives in the credit package; check it with
  errors.Is(err, credit.ErrInsufficientCredit).

USAGE:
  Sentinels work with errors.Is, structured types with errors.As:

    var sf *session.ScanFailure
    if errors.As(err, &sf) && sf.Class == session.ScanFailureQuota { ... }

SEE ALSO:
  - orchestrator.go: Where these surface
  - credit/credit.go: ErrInsufficientCredit
*/
package session

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrIllegalTransition is the sentinel behind every StateError.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrScanFailed is the sentinel behind every ScanFailure.
	ErrScanFailed = errors.New("scan failed")

	// ErrValidationFailed is the sentinel behind every ValidationError.
	ErrValidationFailed = errors.New("validation failed")

	// ErrConflictPending is returned instead of proceeding when a second
	// edit intent needs user resolution.
	ErrConflictPending = errors.New("conflict pending")

	// ErrRecordNotFound is returned when a start-existing intent names a
	// record the durable store does not have.
	ErrRecordNotFound = errors.New("record not found")
)

// =============================================================================
// STATE ERROR - Illegal transition
// =============================================================================

// StateError names the offending event and the state it was attempted
// in. The record is always left unchanged.
type StateError struct {
	Event Event
	From  State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("illegal transition: event %q in state %q", e.Event, e.From)
}

func (e *StateError) Unwrap() error { return ErrIllegalTransition }

// =============================================================================
// SCAN FAILURE - Classified scan service error
// =============================================================================

// ScanFailureClass classifies why a scan failed. The class decides the
// user-facing message and whether retry is worth offering.
type ScanFailureClass string

const (
	ScanFailureNetwork      ScanFailureClass = "network"
	ScanFailureQuota        ScanFailureClass = "quota"
	ScanFailureUnrecognized ScanFailureClass = "unrecognized"

	// ScanFailureInterrupted is the recovery classification: the process
	// died while scanning and the outcome could not be corroborated.
	ScanFailureInterrupted ScanFailureClass = "interrupted"
)

// ScanFailure is a classified failure of the scan service. It always
// triggers a refund of the reservation created for the scan.
type ScanFailure struct {
	Class   ScanFailureClass
	Message string
}

func (e *ScanFailure) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("scan failed: %s", e.Class)
	}
	return fmt.Sprintf("scan failed (%s): %s", e.Class, e.Message)
}

func (e *ScanFailure) Unwrap() error { return ErrScanFailed }

// =============================================================================
// VALIDATION ERROR - Save blocked
// =============================================================================

// ValidationError lists the fields blocking a save. Purely
// informational: the record is left unchanged.
type ValidationError struct {
	Missing []string
	Invalid []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid: "+strings.Join(e.Invalid, ", "))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// =============================================================================
// CONFLICT PENDING - Second edit intent needs resolution
// =============================================================================

// ConflictPendingError carries the descriptor the UI needs to render
// the conflict dialog. No state change happened.
type ConflictPendingError struct {
	Descriptor *ConflictDescriptor
}

func (e *ConflictPendingError) Error() string {
	return "conflict pending: an edit session is already active"
}

func (e *ConflictPendingError) Unwrap() error { return ErrConflictPending }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsInformational reports whether err left the record unchanged and
// needs no recovery, only a user decision or corrected input.
func IsInformational(err error) bool {
	return errors.Is(err, ErrValidationFailed) ||
		errors.Is(err, ErrConflictPending)
}
