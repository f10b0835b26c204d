/*
state.go - Lifecycle states and the transition table

PURPOSE:
  Defines the finite set of lifecycle states for the active edit
  session and the closed table of legal transitions between them.
  Every mutation of ActiveRecord.State goes through Next(); an event
  missing from the table is a StateError, never a silent fallthrough.

STATE DIAGRAM:

              start new                 attach image        request scan
   ┌─────┐ ─────────────▶ ┌───────┐ ─────────────▶ ┌───────────────┐ ──────┐
   │idle │                │ draft │                │ image_pending │       │
   └─────┘ ─────────────▶ └───────┘                └───────────────┘       ▼
      ▲     start existing     │                                     ┌──────────┐
      │         │              │                      retry scan     │ scanning │
      │         ▼              │                   ┌───────────────▶ └──────────┘
      │    ┌─────────┐         │                   │                   │      │
      │    │ editing │ ◀───────┼──────────┐   ┌────────────┐  fails    │      │ succeeds
      │    └─────────┘  user opens form   │   │ scan_error │ ◀─────────┘      ▼
      │         │                         │   └────────────┘        ┌───────────────┐
      │         │ save / discard          └─────────────────────────│ scan_complete │
      └─────────┴───────────────── (every non-idle state) ──────────└───────────────┘

  idle is the sole initial and sole terminal state: every path returns
  there via save or discard.

SEE ALSO:
  - orchestrator.go: The only caller of Next()
  - errors.go: StateError definition
*/
package session

// =============================================================================
// STATES
// =============================================================================

type State string

const (
	StateIdle         State = "idle"
	StateDraft        State = "draft"
	StateImagePending State = "image_pending"
	StateScanning     State = "scanning"
	StateScanComplete State = "scan_complete"
	StateScanError    State = "scan_error"
	StateEditing      State = "editing"
)

// =============================================================================
// EVENTS
// =============================================================================

// Event is a closed set; the transition table below is the single
// source of truth for which event is legal in which state.
type Event string

const (
	EventStartNew      Event = "start_new"
	EventStartExisting Event = "start_existing"
	EventUpdateDraft   Event = "update_draft"
	EventAttachImage   Event = "attach_image"
	EventRequestScan   Event = "request_scan"
	EventScanSucceeded Event = "scan_succeeded"
	EventScanFailed    Event = "scan_failed"
	EventRetryScan     Event = "retry_scan"
	EventOpenForm      Event = "open_form"
	EventSave          Event = "save"
	EventDiscard       Event = "discard"
)

// =============================================================================
// TRANSITION TABLE
// =============================================================================

// transitions maps (current state, event) to the next state.
// Self-loops for EventUpdateDraft gate which states accept draft edits;
// there is deliberately no scanning → scanning edge and no draft edit
// while scanning.
var transitions = map[State]map[Event]State{
	StateIdle: {
		EventStartNew:      StateDraft,
		EventStartExisting: StateEditing,
	},
	StateDraft: {
		EventUpdateDraft: StateDraft,
		EventAttachImage: StateImagePending,
		EventSave:        StateIdle,
		EventDiscard:     StateIdle,
	},
	StateImagePending: {
		EventUpdateDraft: StateImagePending,
		EventRequestScan: StateScanning,
		EventSave:        StateIdle,
		EventDiscard:     StateIdle,
	},
	StateScanning: {
		EventScanSucceeded: StateScanComplete,
		EventScanFailed:    StateScanError,
		EventDiscard:       StateIdle,
	},
	StateScanComplete: {
		EventUpdateDraft: StateScanComplete,
		EventOpenForm:    StateEditing,
		EventDiscard:     StateIdle,
	},
	StateScanError: {
		EventUpdateDraft: StateScanError,
		EventRetryScan:   StateScanning,
		EventSave:        StateIdle,
		EventDiscard:     StateIdle,
	},
	StateEditing: {
		EventUpdateDraft: StateEditing,
		EventSave:        StateIdle,
		EventDiscard:     StateIdle,
	},
}

// Next returns the state reached by applying event in from.
// An event not in the table returns a *StateError and the caller must
// leave the record unchanged.
func Next(from State, event Event) (State, error) {
	if row, ok := transitions[from]; ok {
		if to, ok := row[event]; ok {
			return to, nil
		}
	}
	return from, &StateError{Event: event, From: from}
}

// CanApply reports whether event is legal in from without consuming it.
func CanApply(from State, event Event) bool {
	_, err := Next(from, event)
	return err == nil
}

// States returns every defined state, for exhaustive table tests.
func States() []State {
	return []State{
		StateIdle, StateDraft, StateImagePending, StateScanning,
		StateScanComplete, StateScanError, StateEditing,
	}
}

// Events returns every defined event, for exhaustive table tests.
func Events() []Event {
	return []Event{
		EventStartNew, EventStartExisting, EventUpdateDraft,
		EventAttachImage, EventRequestScan, EventScanSucceeded,
		EventScanFailed, EventRetryScan, EventOpenForm,
		EventSave, EventDiscard,
	}
}
