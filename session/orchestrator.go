/*
orchestrator.go - The single mutator of the active edit session

PURPOSE:
  Composes the state machine, conflict resolver, credit manager, and
  persistence into the operations the UI layer consumes. The
  Orchestrator owns the one ActiveRecord; nothing else mutates it.

CONCURRENCY MODEL:
  One logical actor: a mutex serializes every operation, so no two
  operations interleave their read-modify-write of the record. The scan
  call is the only long-running suspension point; it runs in a
  background goroutine tagged with the session epoch, and its eventual
  result is ignored - except for the obligatory refund - if the session
  it belonged to is gone by then (discard, replace, restart). Discard
  does not cancel the underlying network call; it detaches from it.

ORDERING GUARANTEE:
  The persistence write happens before observers are notified and
  strictly after the state mutation that caused it. A reader never
  observes a state more advanced than the last successful write.
  Persistence failures are retried once, then logged as a non-fatal
  warning; losing the next incremental edit is preferable to corrupting
  the active record.

CREDIT WIRING:
  reserve  happens on image_pending → scanning (and retry_scan)
  confirm  happens on scanning → scan_complete
  refund   happens on scanning → scan_error, on discard while a
           reservation is outstanding, on detached scan completion, and
           on uncorroborated recovery

SEE ALSO:
  - state.go: Transition legality
  - conflict.go: Competing intents and discard confirmation
  - credit/manager.go: The reserve/confirm/refund trio
*/
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ledgerlens/session-engine/credit"
)

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Options wires the orchestrator's collaborators.
type Options struct {
	Credits   *credit.Manager
	Scanner   Scanner
	Tasks     TaskRegistry
	Persister Persister
	Store     TransactionStore
	Logger    zerolog.Logger

	// ScanTimeout bounds the background scan call. Zero means 2 minutes.
	ScanTimeout time.Duration
}

type Orchestrator struct {
	credits     *credit.Manager
	scanner     Scanner
	tasks       TaskRegistry
	persister   Persister
	store       TransactionStore
	resolver    Resolver
	log         zerolog.Logger
	scanTimeout time.Duration

	mu     sync.Mutex
	record *ActiveRecord
	// epoch identifies the current session generation. It increments
	// whenever the record is created, replaced, or destroyed, so a scan
	// completion from a dead session can never touch a live one.
	epoch uint64

	subs    map[int]func(Snapshot)
	nextSub int
}

func NewOrchestrator(opts Options) *Orchestrator {
	timeout := opts.ScanTimeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &Orchestrator{
		credits:     opts.Credits,
		scanner:     opts.Scanner,
		tasks:       opts.Tasks,
		persister:   opts.Persister,
		store:       opts.Store,
		log:         opts.Logger.With().Str("component", "session").Logger(),
		scanTimeout: timeout,
		subs:        make(map[int]func(Snapshot)),
	}
}

// =============================================================================
// OBSERVERS
// =============================================================================

// Subscribe registers fn to be called with a snapshot after every
// committed mutation. Returns an unsubscribe func. fn is invoked
// outside the orchestrator's lock and may call back into it.
func (o *Orchestrator) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}

// Snapshot returns the current session state. Record is a deep copy.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	state := StateIdle
	if o.record != nil {
		state = o.record.State
	}
	return Snapshot{
		State:             state,
		Record:            o.record.Clone(),
		HasUnsavedChanges: o.record.HasUnsavedChanges(),
	}
}

// pendingNotify carries the post-commit fan-out so subscribers run
// outside the lock.
type pendingNotify struct {
	snap Snapshot
	fns  []func(Snapshot)
}

func (p pendingNotify) fire() {
	for _, fn := range p.fns {
		fn(p.snap)
	}
}

// commitLocked persists the current record (or clears persistence when
// the record is gone), then prepares the observer fan-out. Persistence
// failures are retried once and otherwise downgraded to a warning.
func (o *Orchestrator) commitLocked(ctx context.Context) pendingNotify {
	if o.record == nil {
		if err := o.persister.Clear(ctx); err != nil {
			if err = o.persister.Clear(ctx); err != nil {
				o.log.Warn().Err(err).Msg("clearing persisted session failed")
			}
		}
	} else {
		prev := o.record.LastPersistedAt
		o.record.LastPersistedAt = time.Now().UTC()
		err := o.persister.Save(ctx, o.record)
		if err != nil {
			err = o.persister.Save(ctx, o.record)
		}
		if err != nil {
			o.record.LastPersistedAt = prev
			o.log.Warn().Err(err).Msg("persisting session failed, continuing with in-memory state")
		}
	}

	fns := make([]func(Snapshot), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	return pendingNotify{snap: o.snapshotLocked(), fns: fns}
}

// transitionLocked applies event to the current record. StateErrors are
// always logged before being returned.
func (o *Orchestrator) transitionLocked(event Event) error {
	from := StateIdle
	if o.record != nil {
		from = o.record.State
	}
	next, err := Next(from, event)
	if err != nil {
		o.log.Error().Str("event", string(event)).Str("state", string(from)).
			Msg("illegal transition rejected")
		return err
	}
	o.record.State = next
	o.log.Debug().Str("event", string(event)).
		Str("from", string(from)).Str("to", string(next)).
		Msg("transition")
	return nil
}

// =============================================================================
// COLD START
// =============================================================================

// Recover seeds the orchestrator from persistence. Call once, before
// any edit intent is accepted. A restored record stuck in scanning
// whose scan cannot be corroborated has its reservation refunded and
// lands in scan_error, keeping the draft and image so the user can
// retry; it is never left scanning forever and its reservation is
// never silently committed.
func (o *Orchestrator) Recover(ctx context.Context) error {
	o.mu.Lock()

	rec, ok, err := o.persister.Load(ctx)
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("load persisted session: %w", err)
	}
	if !ok {
		o.mu.Unlock()
		return nil
	}

	if rec.State == StateScanning {
		corroborated := rec.ReservationID != "" && o.tasks.InFlight(rec.ReservationID)
		if !corroborated {
			if rec.ReservationID != "" {
				if err := o.credits.ResolveInterrupted(ctx, rec.ReservationID); err != nil {
					o.log.Error().Err(err).Msg("recovery refund failed, reservation kept for later resolution")
					o.mu.Unlock()
					return fmt.Errorf("recovery refund: %w", err)
				}
			}
			rec.State = StateScanError
			rec.ScanOutcome = ScanFailed
			rec.ScanFailure = string(ScanFailureInterrupted)
			rec.ReservationID = ""
			o.log.Warn().Msg("recovered interrupted scan as scan_error")
		}
	}

	o.record = rec
	o.epoch++
	notify := o.commitLocked(ctx)
	o.mu.Unlock()
	notify.fire()
	return nil
}

// =============================================================================
// STARTING SESSIONS
// =============================================================================

// RequestStartNew begins a fresh capture/manual-entry session. When a
// non-disposable session is active it returns a ConflictPendingError
// instead of proceeding.
func (o *Orchestrator) RequestStartNew(ctx context.Context) (Snapshot, error) {
	return o.start(ctx, StartNewIntent{})
}

// RequestStartExisting opens a previously saved record for editing.
// Re-opening the record already active is a no-op.
func (o *Orchestrator) RequestStartExisting(ctx context.Context, id RecordID) (Snapshot, error) {
	return o.start(ctx, StartExistingIntent{RecordID: id})
}

func (o *Orchestrator) start(ctx context.Context, intent Intent) (Snapshot, error) {
	o.mu.Lock()

	res := o.resolver.Evaluate(o.record, intent)
	switch res.Kind {
	case ResolutionReject:
		o.mu.Unlock()
		return Snapshot{}, fmt.Errorf("edit intent rejected: %s", res.Reason)
	case ResolutionPrompt:
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, &ConflictPendingError{Descriptor: res.Conflict}
	}

	// Proceed. Re-opening the same record changes nothing.
	if se, ok := intent.(StartExistingIntent); ok {
		if o.record != nil && o.record.SourceKind == SourceExisting &&
			o.record.ExistingRecordID == se.RecordID {
			snap := o.snapshotLocked()
			o.mu.Unlock()
			return snap, nil
		}
	}

	// Silent replacement of a disposable session. The resolver only
	// proceeds here when no reservation is outstanding.
	if o.record != nil {
		o.log.Info().Msg("replacing disposable session")
	}

	switch it := intent.(type) {
	case StartNewIntent:
		o.record = &ActiveRecord{State: StateIdle, SourceKind: SourceNew}
		if err := o.transitionLocked(EventStartNew); err != nil {
			o.record = nil
			o.mu.Unlock()
			return Snapshot{}, err
		}
	case StartExistingIntent:
		data, err := o.store.Get(ctx, it.RecordID)
		if err != nil {
			o.mu.Unlock()
			return Snapshot{}, fmt.Errorf("open record %s: %w", it.RecordID, err)
		}
		o.record = &ActiveRecord{
			State:            StateIdle,
			SourceKind:       SourceExisting,
			ExistingRecordID: it.RecordID,
			Draft:            data.Clone(),
			Baseline:         data.Clone(),
		}
		if err := o.transitionLocked(EventStartExisting); err != nil {
			o.record = nil
			o.mu.Unlock()
			return Snapshot{}, err
		}
	}

	o.epoch++
	notify := o.commitLocked(ctx)
	snap := notify.snap
	o.mu.Unlock()
	notify.fire()
	return snap, nil
}

// =============================================================================
// DRAFT EDITING
// =============================================================================

// UpdateDraft merges a partial update into the draft. Rejected with a
// StateError while scanning or idle.
func (o *Orchestrator) UpdateDraft(ctx context.Context, patch DraftPatch) (Snapshot, error) {
	o.mu.Lock()
	if err := o.transitionLocked(EventUpdateDraft); err != nil {
		o.mu.Unlock()
		return Snapshot{}, err
	}
	o.record.Draft.Apply(patch)
	notify := o.commitLocked(ctx)
	snap := notify.snap
	o.mu.Unlock()
	notify.fire()
	return snap, nil
}

// AttachImage attaches a captured receipt image to a draft session.
func (o *Orchestrator) AttachImage(ctx context.Context, ref ImageRef) (Snapshot, error) {
	o.mu.Lock()
	if ref == "" {
		o.mu.Unlock()
		return Snapshot{}, fmt.Errorf("attach image: empty image ref")
	}
	if err := o.transitionLocked(EventAttachImage); err != nil {
		o.mu.Unlock()
		return Snapshot{}, err
	}
	o.record.PendingImage = ref
	notify := o.commitLocked(ctx)
	snap := notify.snap
	o.mu.Unlock()
	notify.fire()
	return snap, nil
}

// OpenForm moves a completed scan into the editing form.
func (o *Orchestrator) OpenForm(ctx context.Context) (Snapshot, error) {
	o.mu.Lock()
	if err := o.transitionLocked(EventOpenForm); err != nil {
		o.mu.Unlock()
		return Snapshot{}, err
	}
	notify := o.commitLocked(ctx)
	snap := notify.snap
	o.mu.Unlock()
	notify.fire()
	return snap, nil
}

// =============================================================================
// SCAN SUB-FLOW
// =============================================================================

// RequestScan reserves a credit and starts the asynchronous scan.
// On credit.ErrInsufficientCredit the scan does not start and the state
// machine does not transition.
func (o *Orchestrator) RequestScan(ctx context.Context) (Snapshot, error) {
	return o.beginScan(ctx, EventRequestScan)
}

// RetryScan re-enters scanning from scan_error with a fresh
// reservation.
func (o *Orchestrator) RetryScan(ctx context.Context) (Snapshot, error) {
	return o.beginScan(ctx, EventRetryScan)
}

func (o *Orchestrator) beginScan(ctx context.Context, event Event) (Snapshot, error) {
	o.mu.Lock()

	from := StateIdle
	if o.record != nil {
		from = o.record.State
	}
	if !CanApply(from, event) {
		o.mu.Unlock()
		err := &StateError{Event: event, From: from}
		o.log.Error().Str("event", string(event)).Str("state", string(from)).
			Msg("illegal transition rejected")
		return Snapshot{}, err
	}
	if o.record.PendingImage == "" {
		o.mu.Unlock()
		return Snapshot{}, fmt.Errorf("request scan: no image attached")
	}

	// A confirm that failed at the ledger can leave a reservation behind
	// in scan_error. Resolve it before holding a second one.
	if o.record.ReservationID != "" {
		if err := o.credits.Refund(ctx, o.record.ReservationID); err != nil {
			o.mu.Unlock()
			return Snapshot{}, fmt.Errorf("release stale reservation: %w", err)
		}
		o.record.ReservationID = ""
	}

	resID, err := o.credits.Reserve(ctx)
	if err != nil {
		o.mu.Unlock()
		return Snapshot{}, err
	}

	if err := o.transitionLocked(event); err != nil {
		// Unreachable given the CanApply check above, but a reservation
		// must never leak.
		_ = o.credits.Refund(ctx, resID)
		o.mu.Unlock()
		return Snapshot{}, err
	}
	o.record.ReservationID = resID
	o.record.ScanOutcome = ScanInFlight
	o.record.ScanFailure = ""

	epoch := o.epoch
	image := o.record.PendingImage
	o.tasks.Register(resID)

	notify := o.commitLocked(ctx)
	snap := notify.snap
	o.mu.Unlock()
	notify.fire()

	go o.runScan(epoch, resID, image)
	return snap, nil
}

// runScan executes the scan call off the actor and reports back. The
// orchestrator is the sole awaiter of this task.
func (o *Orchestrator) runScan(epoch uint64, resID credit.ReservationID, image ImageRef) {
	ctx, cancel := context.WithTimeout(context.Background(), o.scanTimeout)
	defer cancel()

	result, err := o.scanner.StartScan(ctx, image)
	o.completeScan(context.Background(), epoch, resID, result, err)
}

// ReportScanResult applies an externally-delivered scan outcome to the
// in-flight scan. Drivers that run the scan call themselves use this
// instead of the built-in background task.
func (o *Orchestrator) ReportScanResult(ctx context.Context, result *ExtractionResult, scanErr error) (Snapshot, error) {
	o.mu.Lock()
	if o.record == nil || o.record.State != StateScanning {
		from := StateIdle
		if o.record != nil {
			from = o.record.State
		}
		o.mu.Unlock()
		err := &StateError{Event: EventScanSucceeded, From: from}
		o.log.Error().Str("state", string(from)).Msg("scan result reported outside scanning")
		return Snapshot{}, err
	}
	epoch := o.epoch
	resID := o.record.ReservationID
	o.mu.Unlock()

	return o.completeScan(ctx, epoch, resID, result, scanErr)
}

// completeScan lands the scan outcome. Exactly one of confirm/refund is
// invoked for resID on every path through here, including the detached
// one.
func (o *Orchestrator) completeScan(ctx context.Context, epoch uint64, resID credit.ReservationID, result *ExtractionResult, scanErr error) (Snapshot, error) {
	o.tasks.Resolve(resID)

	o.mu.Lock()
	detached := o.epoch != epoch || o.record == nil || o.record.ReservationID != resID
	if detached {
		o.mu.Unlock()
		// The session this scan belonged to is gone. Its result is
		// ignored, but the reservation must still be resolved; Refund is
		// a no-op if a confirm already happened.
		if err := o.credits.Refund(ctx, resID); err != nil {
			o.log.Error().Err(err).Str("reservation", string(resID)).
				Msg("refund of detached scan failed")
		}
		o.log.Info().Str("reservation", string(resID)).Msg("detached scan result dropped")
		return Snapshot{}, nil
	}

	if scanErr != nil {
		failure := classifyScanError(scanErr)
		if err := o.credits.Refund(ctx, resID); err != nil {
			o.log.Error().Err(err).Str("reservation", string(resID)).Msg("refund failed")
		}
		if err := o.transitionLocked(EventScanFailed); err != nil {
			o.mu.Unlock()
			return Snapshot{}, err
		}
		o.record.ScanOutcome = ScanFailed
		o.record.ScanFailure = string(failure.Class)
		o.record.ReservationID = ""
		notify := o.commitLocked(ctx)
		snap := notify.snap
		o.mu.Unlock()
		notify.fire()
		return snap, failure
	}

	if err := o.credits.Confirm(ctx, resID); err != nil {
		// The scan succeeded but the ledger is unreachable. Surfacing a
		// silent charge is worse than asking the user to retry: land in
		// scan_error and keep the reservation for a later refund.
		o.log.Error().Err(err).Str("reservation", string(resID)).Msg("confirm failed")
		if terr := o.transitionLocked(EventScanFailed); terr != nil {
			o.mu.Unlock()
			return Snapshot{}, terr
		}
		o.record.ScanOutcome = ScanFailed
		o.record.ScanFailure = string(ScanFailureNetwork)
		notify := o.commitLocked(ctx)
		snap := notify.snap
		o.mu.Unlock()
		notify.fire()
		return snap, &ScanFailure{Class: ScanFailureNetwork, Message: "credit confirmation failed"}
	}

	if err := o.transitionLocked(EventScanSucceeded); err != nil {
		o.mu.Unlock()
		return Snapshot{}, err
	}
	if result != nil {
		result.mergeInto(&o.record.Draft)
	}
	o.record.ScanOutcome = ScanSucceeded
	o.record.ScanFailure = ""
	o.record.CreditCommitted = true
	o.record.ReservationID = ""
	o.record.PendingImage = "" // consumed by the scan

	notify := o.commitLocked(ctx)
	snap := notify.snap
	o.mu.Unlock()
	notify.fire()
	return snap, nil
}

func classifyScanError(err error) *ScanFailure {
	var sf *ScanFailure
	if errors.As(err, &sf) {
		return sf
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ScanFailure{Class: ScanFailureNetwork, Message: "scan timed out"}
	}
	return &ScanFailure{Class: ScanFailureNetwork, Message: err.Error()}
}

// =============================================================================
// SAVE AND DISCARD
// =============================================================================

// Save validates the draft, writes it to the durable transaction store,
// and returns the session to idle. Validation failures change nothing.
func (o *Orchestrator) Save(ctx context.Context) (RecordID, error) {
	o.mu.Lock()

	from := StateIdle
	if o.record != nil {
		from = o.record.State
	}
	if !CanApply(from, EventSave) {
		o.mu.Unlock()
		err := &StateError{Event: EventSave, From: from}
		o.log.Error().Str("state", string(from)).Msg("illegal transition rejected")
		return "", err
	}

	if verr := o.record.Draft.ValidateForSave(); verr != nil {
		o.mu.Unlock()
		return "", verr
	}

	// A reservation can only still be outstanding here after a failed
	// confirm. Never silently commit it.
	if o.record.ReservationID != "" {
		o.log.Warn().Str("reservation", string(o.record.ReservationID)).
			Msg("refunding unresolved reservation on save")
		if err := o.credits.Refund(ctx, o.record.ReservationID); err != nil {
			o.mu.Unlock()
			return "", fmt.Errorf("refund before save: %w", err)
		}
		o.record.ReservationID = ""
	}

	var id RecordID
	var err error
	if o.record.SourceKind == SourceExisting {
		id = o.record.ExistingRecordID
		err = o.store.Update(ctx, id, o.record.Draft.Clone())
	} else {
		id = RecordID(uuid.NewString())
		err = o.store.Create(ctx, id, o.record.Draft.Clone())
	}
	if err != nil {
		o.mu.Unlock()
		return "", fmt.Errorf("save transaction: %w", err)
	}

	o.record = nil
	o.epoch++
	notify := o.commitLocked(ctx)
	o.mu.Unlock()
	notify.fire()
	o.log.Info().Str("record", string(id)).Msg("session saved")
	return id, nil
}

// Discard terminates the session without saving. When a confirmation is
// required and confirmed is false, the descriptor is returned and
// nothing changes. Discarding an idle session is a safe no-op.
func (o *Orchestrator) Discard(ctx context.Context, confirmed bool) (*ConfirmationDescriptor, error) {
	o.mu.Lock()

	if o.record == nil {
		o.mu.Unlock()
		o.log.Debug().Msg("discard on idle session")
		return nil, nil
	}

	if desc := o.resolver.DiscardConfirmation(o.record); desc != nil && !confirmed {
		o.mu.Unlock()
		return desc, nil
	}

	notify, err := o.destroyLocked(ctx, "discarded")
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	notify.fire()
	return nil, nil
}

// Reset is the administrative reset (sign-out): unconditional discard,
// no confirmation.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.mu.Lock()
	if o.record == nil {
		o.mu.Unlock()
		return nil
	}
	notify, err := o.destroyLocked(ctx, "reset")
	o.mu.Unlock()
	if err != nil {
		return err
	}
	notify.fire()
	return nil
}

// destroyLocked refunds any outstanding reservation, then clears the
// record and persistence. Refund first: the record must not disappear
// while a hold is live.
func (o *Orchestrator) destroyLocked(ctx context.Context, reason string) (pendingNotify, error) {
	if o.record.ReservationID != "" {
		if err := o.credits.Refund(ctx, o.record.ReservationID); err != nil {
			return pendingNotify{}, fmt.Errorf("refund on %s: %w", reason, err)
		}
		o.record.ReservationID = ""
	}
	o.record = nil
	o.epoch++
	notify := o.commitLocked(ctx)
	o.log.Info().Str("reason", reason).Msg("session cleared")
	return notify, nil
}

// =============================================================================
// NAVIGATION GUARD
// =============================================================================

// HasUnsavedChanges is exposed to the navigation layer so back
// navigation can be intercepted.
func (o *Orchestrator) HasUnsavedChanges() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.record.HasUnsavedChanges()
}

// RequestDiscardConfirmation returns the confirmation the navigation
// guard must show before discarding, or nil when none is needed.
func (o *Orchestrator) RequestDiscardConfirmation() *ConfirmationDescriptor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resolver.DiscardConfirmation(o.record)
}
