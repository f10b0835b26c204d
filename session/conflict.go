/*
conflict.go - Rules for competing edit intents

PURPOSE:
  Decides whether a new edit request may proceed, must prompt the user,
  or must be rejected, given the currently active session. Also computes
  the discard confirmation policy, so the wording logic stays testable
  without a running UI.

RULES (priority order):
  1. No active session            → Proceed
  2. Intent targets same session  → Proceed (no-op replacement)
  3. Current session disposable   → Proceed (silent replace)
     (no unsaved changes AND no outstanding reservation)
  4. Otherwise                    → PromptConflict with three options

DISCARD CONFIRMATION (strongest warning wins):
  credit committed   → a charged credit will be wasted
  unsaved changes    → unsaved edits will be lost
  only image pending → lighter "discard image?" prompt
  none               → no confirmation, discard immediately

SEE ALSO:
  - orchestrator.go: Consults Evaluate before starting sessions
  - state.go: The lifecycle the resolver reasons about
*/
package session

// =============================================================================
// INTENTS - Closed tagged variants submitted by the UI layer
// =============================================================================

// Intent is a sealed set; the resolver can switch exhaustively.
type Intent interface {
	isIntent()
}

// StartNewIntent asks to begin a fresh capture/manual entry.
type StartNewIntent struct{}

// StartExistingIntent asks to open a previously saved record.
type StartExistingIntent struct {
	RecordID RecordID
}

func (StartNewIntent) isIntent()      {}
func (StartExistingIntent) isIntent() {}

// =============================================================================
// RESOLUTION
// =============================================================================

type ResolutionKind string

const (
	ResolutionProceed ResolutionKind = "proceed"
	ResolutionPrompt  ResolutionKind = "prompt"
	ResolutionReject  ResolutionKind = "reject"
)

// Resolution is the resolver's verdict on an incoming intent.
type Resolution struct {
	Kind     ResolutionKind
	Conflict *ConflictDescriptor // set when Kind == ResolutionPrompt
	Reason   string              // set when Kind == ResolutionReject
}

// ConflictOption is one of the resolutions offered to the user when a
// conflict is prompted.
type ConflictOption string

const (
	OptionContinueCurrent   ConflictOption = "continue_current"
	OptionViewReadOnly      ConflictOption = "view_read_only"
	OptionDiscardAndProceed ConflictOption = "discard_and_proceed"
)

// ConflictDescriptor carries everything the UI needs to render the
// conflict dialog: what is active, why it is not disposable, and the
// choices on offer. The discard option re-enters the discard
// confirmation policy.
type ConflictDescriptor struct {
	CurrentState      State
	CurrentSource     SourceKind
	CurrentRecordID   RecordID
	HasUnsavedChanges bool
	CreditCommitted   bool
	ScanInFlight      bool
	Options           []ConflictOption
}

// =============================================================================
// CONFIRMATION DESCRIPTOR - Discard warning policy
// =============================================================================

type ConfirmationKind string

const (
	ConfirmCreditCommitted ConfirmationKind = "credit_committed"
	ConfirmUnsavedChanges  ConfirmationKind = "unsaved_changes"
	ConfirmImageOnly       ConfirmationKind = "image_only"
)

// ConfirmationDescriptor tells the UI which warning to show before a
// discard goes through. A nil descriptor means no confirmation needed.
type ConfirmationDescriptor struct {
	Kind    ConfirmationKind
	Message string
}

// =============================================================================
// RESOLVER
// =============================================================================

// Resolver is stateless; it reads the record, never mutates it.
type Resolver struct{}

// Evaluate applies the priority rules to an incoming intent.
func (Resolver) Evaluate(current *ActiveRecord, intent Intent) Resolution {
	// Rule 0: malformed intents never get to disturb an active session.
	if se, ok := intent.(StartExistingIntent); ok && se.RecordID == "" {
		return Resolution{Kind: ResolutionReject, Reason: "empty record id"}
	}

	// Rule 1: nothing active.
	if current == nil || current.State == StateIdle {
		return Resolution{Kind: ResolutionProceed}
	}

	// Rule 2: same record already active.
	if se, ok := intent.(StartExistingIntent); ok {
		if current.SourceKind == SourceExisting && current.ExistingRecordID == se.RecordID {
			return Resolution{Kind: ResolutionProceed}
		}
	}

	// Rule 3: current session is disposable.
	if !current.HasUnsavedChanges() && current.ReservationID == "" {
		return Resolution{Kind: ResolutionProceed}
	}

	// Rule 4: prompt.
	return Resolution{
		Kind: ResolutionPrompt,
		Conflict: &ConflictDescriptor{
			CurrentState:      current.State,
			CurrentSource:     current.SourceKind,
			CurrentRecordID:   current.ExistingRecordID,
			HasUnsavedChanges: current.HasUnsavedChanges(),
			CreditCommitted:   current.CreditCommitted,
			ScanInFlight:      current.ScanOutcome == ScanInFlight,
			Options: []ConflictOption{
				OptionContinueCurrent,
				OptionViewReadOnly,
				OptionDiscardAndProceed,
			},
		},
	}
}

// DiscardConfirmation computes the warning required before discarding
// the record. Returns nil when discard may proceed without asking.
func (Resolver) DiscardConfirmation(current *ActiveRecord) *ConfirmationDescriptor {
	if current == nil || current.State == StateIdle {
		return nil
	}

	if current.CreditCommitted {
		return &ConfirmationDescriptor{
			Kind:    ConfirmCreditCommitted,
			Message: "A scan credit has already been charged for this receipt. Discarding will waste it.",
		}
	}

	changed := !current.Draft.Equal(current.Baseline)
	imageOnly := !changed && current.PendingImage != ""

	if imageOnly {
		return &ConfirmationDescriptor{
			Kind:    ConfirmImageOnly,
			Message: "Discard the attached receipt image?",
		}
	}
	if current.HasUnsavedChanges() {
		return &ConfirmationDescriptor{
			Kind:    ConfirmUnsavedChanges,
			Message: "You have unsaved edits. Discarding will lose them.",
		}
	}
	return nil
}
