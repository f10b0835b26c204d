package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerlens/session-engine/credit"
	"github.com/ledgerlens/session-engine/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testDraft(merchant string) session.DraftData {
	return session.DraftData{
		Merchant: merchant,
		Category: "Dining",
		LineItems: []session.LineItem{
			{Description: "item", Quantity: 1, Amount: decimal.RequireFromString("9.99")},
		},
		Total:    decimal.RequireFromString("9.99"),
		Currency: "EUR",
	}
}

// =============================================================================
// ACTIVE SESSION PERSISTENCE
// =============================================================================

func TestActiveSession_SaveLoadClear(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	rec := &session.ActiveRecord{
		State:         session.StateScanning,
		SourceKind:    session.SourceNew,
		Draft:         testDraft("Cafe Oslo"),
		PendingImage:  "receipt.jpg",
		ScanOutcome:   session.ScanInFlight,
		ReservationID: credit.ReservationID("res-1"),
	}
	require.NoError(t, store.Save(ctx, rec))

	got, ok, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, session.StateScanning, got.State)
	assert.Equal(t, credit.ReservationID("res-1"), got.ReservationID)
	assert.True(t, rec.Draft.Equal(got.Draft))

	require.NoError(t, store.Clear(ctx))
	_, ok, err = store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestActiveSession_SaveOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &session.ActiveRecord{
		State: session.StateDraft, SourceKind: session.SourceNew,
	}))
	require.NoError(t, store.Save(ctx, &session.ActiveRecord{
		State: session.StateEditing, SourceKind: session.SourceExisting, ExistingRecordID: "tx-1",
	}))

	got, ok, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, session.StateEditing, got.State, "a single row per session key")
}

func TestActiveSession_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	store, err := New(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, &session.ActiveRecord{
		State:      session.StateDraft,
		SourceKind: session.SourceNew,
		Draft:      session.DraftData{Merchant: "Half-typed"},
	}))
	require.NoError(t, store.Close())

	reopened, err := New(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Half-typed", got.Draft.Merchant)
}

// =============================================================================
// TRANSACTION CATALOG
// =============================================================================

func TestTransactions_CreateGetUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, "tx-1", testDraft("Grocer")))

	got, err := store.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "Grocer", got.Merchant)

	updated := testDraft("Grocer Deluxe")
	require.NoError(t, store.Update(ctx, "tx-1", updated))
	got, err = store.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "Grocer Deluxe", got.Merchant)
}

func TestTransactions_GetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "nope")

	assert.ErrorIs(t, err, session.ErrRecordNotFound)
}

func TestTransactions_UpdateMissing(t *testing.T) {
	store := newTestStore(t)

	err := store.Update(context.Background(), "nope", testDraft("Grocer"))

	assert.ErrorIs(t, err, session.ErrRecordNotFound)
}

func TestTransactions_CreateDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "tx-1", testDraft("Grocer")))

	err := store.Create(ctx, "tx-1", testDraft("Other"))

	assert.Error(t, err, "primary key rejects a duplicate id")
}

func TestTransactions_ListNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, "tx-1", testDraft("First")))
	time.Sleep(5 * time.Millisecond) // distinct updated_at timestamps
	require.NoError(t, store.Create(ctx, "tx-2", testDraft("Second")))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Update(ctx, "tx-1", testDraft("First, revised")))

	list, err := store.List(ctx)

	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, session.RecordID("tx-1"), list[0].ID, "most recently updated first")
	assert.Equal(t, "First, revised", list[0].Data.Merchant)
	assert.Equal(t, session.RecordID("tx-2"), list[1].ID)
	assert.False(t, list[0].UpdatedAt.IsZero())
}

// =============================================================================
// CREDIT LEDGER
// =============================================================================

func TestLedger_ReserveDeductsAndRecordsHold(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Grant(ctx, 2))

	id, err := store.ReserveCredit(ctx)

	require.NoError(t, err)
	assert.NotEmpty(t, id)
	b, err := store.AvailableBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b)
}

func TestLedger_ReserveInsufficient(t *testing.T) {
	store := newTestStore(t)

	_, err := store.ReserveCredit(context.Background())

	assert.ErrorIs(t, err, credit.ErrInsufficientCredit)
	var ice *credit.InsufficientCreditError
	require.ErrorAs(t, err, &ice)
	assert.Equal(t, int64(0), ice.Available)
}

func TestLedger_CommitIsPermanent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Grant(ctx, 1))
	id, err := store.ReserveCredit(ctx)
	require.NoError(t, err)

	require.NoError(t, store.CommitReservation(ctx, id))
	require.NoError(t, store.CommitReservation(ctx, id), "idempotent")

	b, err := store.AvailableBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b)
}

func TestLedger_ReleaseRestoresOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Grant(ctx, 1))
	id, err := store.ReserveCredit(ctx)
	require.NoError(t, err)

	require.NoError(t, store.ReleaseReservation(ctx, id))
	require.NoError(t, store.ReleaseReservation(ctx, id), "idempotent")

	b, err := store.AvailableBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b, "double release must not mint credit")
}

func TestLedger_OppositeResolutionRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Grant(ctx, 2))

	committed, err := store.ReserveCredit(ctx)
	require.NoError(t, err)
	require.NoError(t, store.CommitReservation(ctx, committed))
	assert.ErrorIs(t, store.ReleaseReservation(ctx, committed), credit.ErrAlreadyResolved)

	released, err := store.ReserveCredit(ctx)
	require.NoError(t, err)
	require.NoError(t, store.ReleaseReservation(ctx, released))
	assert.ErrorIs(t, store.CommitReservation(ctx, released), credit.ErrAlreadyResolved)

	b, err := store.AvailableBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b, "one charged, one restored")
}

func TestLedger_UnknownReservation(t *testing.T) {
	store := newTestStore(t)

	err := store.CommitReservation(context.Background(), "no-such-id")

	assert.ErrorIs(t, err, credit.ErrUnknownReservation)
}

func TestLedger_ReservationStateSurvivesReopen(t *testing.T) {
	// A reservation resolved in a previous process stays resolved: the
	// recovery path relies on the ledger remembering across restarts.
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	store, err := New(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Grant(ctx, 1))
	id, err := store.ReserveCredit(ctx)
	require.NoError(t, err)
	require.NoError(t, store.CommitReservation(ctx, id))
	require.NoError(t, store.Close())

	reopened, err := New(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	assert.ErrorIs(t, reopened.ReleaseReservation(ctx, id), credit.ErrAlreadyResolved)
	b, err := reopened.AvailableBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b)
}
