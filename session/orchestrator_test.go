package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerlens/session-engine/credit"
	"github.com/ledgerlens/session-engine/logging"
	"github.com/ledgerlens/session-engine/persist"
	"github.com/ledgerlens/session-engine/scan"
	"github.com/ledgerlens/session-engine/session"
)

// =============================================================================
// TEST FIXTURE
// =============================================================================

// scriptedScanner returns a scripted outcome, optionally blocking until
// released so tests can observe the scanning state.
type scriptedScanner struct {
	mu     sync.Mutex
	result *session.ExtractionResult
	err    error
	block  chan struct{}
}

func (s *scriptedScanner) StartScan(ctx context.Context, _ session.ImageRef) (*session.ExtractionResult, error) {
	s.mu.Lock()
	block, result, err := s.block, s.result, s.err
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return result, err
}

func (s *scriptedScanner) script(result *session.ExtractionResult, err error) {
	s.mu.Lock()
	s.result, s.err = result, err
	s.mu.Unlock()
}

// memTxStore is an in-memory TransactionStore.
type memTxStore struct {
	mu      sync.Mutex
	records map[session.RecordID]session.DraftData
}

func newMemTxStore() *memTxStore {
	return &memTxStore{records: make(map[session.RecordID]session.DraftData)}
}

func (m *memTxStore) Create(_ context.Context, id session.RecordID, data session.DraftData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[id]; exists {
		return fmt.Errorf("record %s already exists", id)
	}
	m.records[id] = data.Clone()
	return nil
}

func (m *memTxStore) Update(_ context.Context, id session.RecordID, data session.DraftData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[id]; !exists {
		return fmt.Errorf("record %s: %w", id, session.ErrRecordNotFound)
	}
	m.records[id] = data.Clone()
	return nil
}

func (m *memTxStore) Get(_ context.Context, id session.RecordID) (session.DraftData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, exists := m.records[id]
	if !exists {
		return session.DraftData{}, fmt.Errorf("record %s: %w", id, session.ErrRecordNotFound)
	}
	return data.Clone(), nil
}

type fixture struct {
	orch      *session.Orchestrator
	ledger    *credit.MemoryLedger
	credits   *credit.Manager
	persister *persist.Memory
	txStore   *memTxStore
	scanner   *scriptedScanner
	tasks     *scan.Registry
	updates   chan session.Snapshot
}

func newFixture(t *testing.T, creditGrant int64) *fixture {
	t.Helper()

	f := &fixture{
		ledger:    credit.NewMemoryLedger(creditGrant),
		persister: persist.NewMemory(),
		txStore:   newMemTxStore(),
		scanner:   &scriptedScanner{},
		tasks:     scan.NewRegistry(time.Minute),
		updates:   make(chan session.Snapshot, 64),
	}
	f.credits = credit.NewManager(f.ledger, logging.Nop())
	f.orch = session.NewOrchestrator(session.Options{
		Credits:     f.credits,
		Scanner:     f.scanner,
		Tasks:       f.tasks,
		Persister:   f.persister,
		Store:       f.txStore,
		Logger:      logging.Nop(),
		ScanTimeout: 2 * time.Second,
	})
	unsub := f.orch.Subscribe(func(s session.Snapshot) { f.updates <- s })
	t.Cleanup(unsub)
	return f
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.ledger.AvailableBalance(context.Background())
	require.NoError(t, err)
	return b
}

// waitForState drains update notifications until the wanted state shows
// up. Fails the test after two seconds.
func waitForState(t *testing.T, f *fixture, want session.State) session.Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-f.updates:
			if snap.State == want {
				return snap
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s (currently %s)", want, f.orch.Snapshot().State)
		}
	}
}

// toScanning walks a fresh session to the scanning state.
func toScanning(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	_, err := f.orch.RequestStartNew(ctx)
	require.NoError(t, err)
	_, err = f.orch.AttachImage(ctx, "receipt.jpg")
	require.NoError(t, err)
	_, err = f.orch.RequestScan(ctx)
	require.NoError(t, err)
}

func extraction() *session.ExtractionResult {
	return &session.ExtractionResult{
		Merchant: "Cafe Oslo",
		Category: "Dining",
		Total:    decimal.RequireFromString("12.50"),
		Currency: "EUR",
		LineItems: []session.LineItem{
			{Description: "Flat white", Quantity: 2, Amount: decimal.RequireFromString("8.00")},
			{Description: "Croissant", Quantity: 1, Amount: decimal.RequireFromString("4.50")},
		},
	}
}

// =============================================================================
// SESSION LIFECYCLE
// =============================================================================

func TestStartNew_CreatesDraftSession(t *testing.T) {
	f := newFixture(t, 0)

	snap, err := f.orch.RequestStartNew(context.Background())

	require.NoError(t, err)
	assert.Equal(t, session.StateDraft, snap.State)
	assert.Equal(t, session.SourceNew, snap.Record.SourceKind)
	assert.False(t, snap.HasUnsavedChanges)
}

func TestStartExisting_SeedsDraftAndBaselineFromStore(t *testing.T) {
	f := newFixture(t, 0)
	stored := draftWith("Grocer", "30.00")
	require.NoError(t, f.txStore.Create(context.Background(), "tx-1", stored))

	snap, err := f.orch.RequestStartExisting(context.Background(), "tx-1")

	require.NoError(t, err)
	assert.Equal(t, session.StateEditing, snap.State)
	assert.Equal(t, session.SourceExisting, snap.Record.SourceKind)
	assert.True(t, snap.Record.Draft.Equal(stored))
	assert.False(t, snap.HasUnsavedChanges, "opening a record is not an edit")
}

func TestStartExisting_UnknownRecord(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.orch.RequestStartExisting(context.Background(), "nope")

	assert.ErrorIs(t, err, session.ErrRecordNotFound)
	assert.Equal(t, session.StateIdle, f.orch.Snapshot().State)
}

func TestUpdateDraft_MergesAndMarksUnsaved(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.orch.RequestStartNew(context.Background())
	require.NoError(t, err)

	merchant := "Bakery"
	snap, err := f.orch.UpdateDraft(context.Background(), session.DraftPatch{Merchant: &merchant})

	require.NoError(t, err)
	assert.Equal(t, "Bakery", snap.Record.Draft.Merchant)
	assert.True(t, snap.HasUnsavedChanges)
	assert.True(t, f.orch.HasUnsavedChanges())
}

func TestUpdateDraft_WhileIdle_StateError(t *testing.T) {
	f := newFixture(t, 0)

	merchant := "Bakery"
	_, err := f.orch.UpdateDraft(context.Background(), session.DraftPatch{Merchant: &merchant})

	var se *session.StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, session.StateIdle, se.From)
}

func TestAttachImage_OnlyFromDraft(t *testing.T) {
	f := newFixture(t, 0)
	stored := draftWith("Grocer", "30.00")
	require.NoError(t, f.txStore.Create(context.Background(), "tx-1", stored))
	_, err := f.orch.RequestStartExisting(context.Background(), "tx-1")
	require.NoError(t, err)

	_, err = f.orch.AttachImage(context.Background(), "receipt.jpg")

	assert.ErrorIs(t, err, session.ErrIllegalTransition)
}

// =============================================================================
// SCAN SUB-FLOW
// =============================================================================

func TestRequestScan_NoCredit_BlockedWithoutTransition(t *testing.T) {
	// GIVEN: an image attached but zero credit
	f := newFixture(t, 0)
	ctx := context.Background()
	_, err := f.orch.RequestStartNew(ctx)
	require.NoError(t, err)
	_, err = f.orch.AttachImage(ctx, "receipt.jpg")
	require.NoError(t, err)

	// WHEN: requesting a scan
	_, err = f.orch.RequestScan(ctx)

	// THEN: typed error, no transition, no reservation
	assert.ErrorIs(t, err, credit.ErrInsufficientCredit)
	snap := f.orch.Snapshot()
	assert.Equal(t, session.StateImagePending, snap.State)
	assert.Empty(t, snap.Record.ReservationID)
}

func TestRequestScan_WhileScanning_Rejected(t *testing.T) {
	f := newFixture(t, 2)
	f.scanner.block = make(chan struct{})
	defer close(f.scanner.block)
	f.scanner.script(extraction(), nil)
	toScanning(t, f)

	_, err := f.orch.RequestScan(context.Background())

	assert.ErrorIs(t, err, session.ErrIllegalTransition)
	assert.Equal(t, int64(1), f.balance(t), "no second reservation while scanning")
}

func TestUpdateDraft_WhileScanning_Rejected(t *testing.T) {
	f := newFixture(t, 1)
	f.scanner.block = make(chan struct{})
	defer close(f.scanner.block)
	f.scanner.script(extraction(), nil)
	toScanning(t, f)

	merchant := "Bakery"
	_, err := f.orch.UpdateDraft(context.Background(), session.DraftPatch{Merchant: &merchant})

	assert.ErrorIs(t, err, session.ErrIllegalTransition)
}

func TestReportScanResult_OutsideScanning_StateError(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.orch.ReportScanResult(context.Background(), extraction(), nil)

	assert.ErrorIs(t, err, session.ErrIllegalTransition)
}

func TestDiscardWhileScanning_DetachesAndRefunds(t *testing.T) {
	// GIVEN: a scan in flight
	f := newFixture(t, 1)
	f.scanner.block = make(chan struct{})
	f.scanner.script(extraction(), nil)
	toScanning(t, f)
	require.Equal(t, int64(0), f.balance(t))

	// WHEN: the user discards mid-scan (confirmation required: image only)
	desc, err := f.orch.Discard(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, desc, "discard mid-scan must ask for confirmation")

	_, err = f.orch.Discard(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, f.orch.Snapshot().State)
	assert.Equal(t, int64(1), f.balance(t), "reservation refunded on discard")

	// AND WHEN: the underlying call eventually resolves successfully
	close(f.scanner.block)
	time.Sleep(50 * time.Millisecond)

	// THEN: the late result is ignored and nothing is charged
	assert.Equal(t, session.StateIdle, f.orch.Snapshot().State)
	assert.Equal(t, int64(1), f.balance(t), "late result must not re-charge")
}

// =============================================================================
// SAVE AND DISCARD
// =============================================================================

func TestSave_ValidationBlocksWithoutStateChange(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.orch.RequestStartNew(context.Background())
	require.NoError(t, err)

	_, err = f.orch.Save(context.Background())

	var verr *session.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Missing, "merchant")
	assert.Contains(t, verr.Missing, "line_items")
	assert.Equal(t, session.StateDraft, f.orch.Snapshot().State)
}

func TestSave_NewRecord_WritesStoreAndClearsSession(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	_, err := f.orch.RequestStartNew(ctx)
	require.NoError(t, err)

	d := draftWith("Grocer", "30.00")
	_, err = f.orch.UpdateDraft(ctx, session.DraftPatch{
		Merchant:  &d.Merchant,
		LineItems: &d.LineItems,
		Total:     &d.Total,
	})
	require.NoError(t, err)

	id, err := f.orch.Save(ctx)

	require.NoError(t, err)
	require.NotEmpty(t, id)
	saved, err := f.txStore.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Grocer", saved.Merchant)
	assert.Equal(t, session.StateIdle, f.orch.Snapshot().State)

	_, ok, err := f.persister.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "persistence cleared after save")
}

func TestSave_ExistingRecord_Updates(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.txStore.Create(ctx, "tx-1", draftWith("Grocer", "30.00")))
	_, err := f.orch.RequestStartExisting(ctx, "tx-1")
	require.NoError(t, err)

	merchant := "Grocer Deluxe"
	_, err = f.orch.UpdateDraft(ctx, session.DraftPatch{Merchant: &merchant})
	require.NoError(t, err)

	id, err := f.orch.Save(ctx)

	require.NoError(t, err)
	assert.Equal(t, session.RecordID("tx-1"), id)
	saved, err := f.txStore.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "Grocer Deluxe", saved.Merchant)
}

func TestDiscard_Idempotent(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.orch.RequestStartNew(context.Background())
	require.NoError(t, err)

	desc, err := f.orch.Discard(context.Background(), true)
	require.NoError(t, err)
	assert.Nil(t, desc)

	// Second discard is a safe no-op.
	desc, err = f.orch.Discard(context.Background(), true)
	require.NoError(t, err)
	assert.Nil(t, desc)
	assert.Equal(t, session.StateIdle, f.orch.Snapshot().State)
}

func TestDiscard_UnconfirmedReturnsDescriptorWithoutActing(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	_, err := f.orch.RequestStartNew(ctx)
	require.NoError(t, err)
	merchant := "Bakery"
	_, err = f.orch.UpdateDraft(ctx, session.DraftPatch{Merchant: &merchant})
	require.NoError(t, err)

	desc, err := f.orch.Discard(ctx, false)

	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.Equal(t, session.ConfirmUnsavedChanges, desc.Kind)
	assert.Equal(t, session.StateDraft, f.orch.Snapshot().State, "record untouched")
}

func TestReset_ClearsUnconditionally(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	_, err := f.orch.RequestStartNew(ctx)
	require.NoError(t, err)
	merchant := "Bakery"
	_, err = f.orch.UpdateDraft(ctx, session.DraftPatch{Merchant: &merchant})
	require.NoError(t, err)

	require.NoError(t, f.orch.Reset(ctx))

	assert.Equal(t, session.StateIdle, f.orch.Snapshot().State)
}

// =============================================================================
// PERSISTENCE ORDERING AND RETRY
// =============================================================================

func TestPersistFailure_RetriedOnceThenNonFatal(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	// First write fails once; the retry succeeds.
	f.persister.FailNextSaves = 1
	snap, err := f.orch.RequestStartNew(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.StateDraft, snap.State)

	rec, ok, err := f.persister.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, session.StateDraft, rec.State)

	// Both attempts fail: the mutation stands, only durability is lost.
	f.persister.FailNextSaves = 2
	merchant := "Bakery"
	_, err = f.orch.UpdateDraft(ctx, session.DraftPatch{Merchant: &merchant})
	require.NoError(t, err)
	assert.Equal(t, "Bakery", f.orch.Snapshot().Record.Draft.Merchant)
}

func TestSubscribe_NotifiedAfterEveryCommit(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.orch.RequestStartNew(context.Background())
	require.NoError(t, err)

	snap := waitForState(t, f, session.StateDraft)
	assert.NotNil(t, snap.Record)
}

// =============================================================================
// MUTUAL EXCLUSION
// =============================================================================

func TestMutualExclusion_ConcurrentStarts(t *testing.T) {
	// Hammer the orchestrator with competing starts; at every observed
	// point there is at most one live session and it is internally
	// consistent.
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.txStore.Create(ctx, "tx-1", draftWith("Grocer", "30.00")))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = f.orch.RequestStartNew(ctx)
			} else {
				_, _ = f.orch.RequestStartExisting(ctx, "tx-1")
			}
		}(i)
	}
	wg.Wait()

	snap := f.orch.Snapshot()
	require.NotNil(t, snap.Record)
	assert.Contains(t, []session.State{session.StateDraft, session.StateEditing}, snap.State)
	if snap.State == session.StateEditing {
		assert.Equal(t, session.RecordID("tx-1"), snap.Record.ExistingRecordID)
	}
}
