/*
Package sqlite provides the SQLite-backed implementations of the
storage interfaces.

PURPOSE:
  One database file backs all three durable concerns of the session
  engine. In production, the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  session.Persister:        The active session row (versioned envelope)
  session.TransactionStore: Saved transactions (create/update on save)
  credit.Ledger:            Credit balance and reservation rows

KEY TABLES:
  active_session:      At most one row per session key; the persisted
                       ActiveRecord as a schema-tagged JSON envelope
  transactions:        Saved transactions, draft payload as JSON
  credit_balance:      The single available-credit counter row
  credit_reservations: One row per reservation with its resolution state

RESERVATION STATES:
  reserved → committed   (confirm; permanent charge)
  reserved → released    (refund; counter restored)
  Both resolutions are terminal; re-applying the same one is a no-op
  and applying the opposite one returns credit.ErrAlreadyResolved.

CONCURRENCY:
  Uses sync.Mutex around multi-statement sequences. In production with
  PostgreSQL, database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better
  concurrency and crash recovery.

USAGE:
  store, err := sqlite.New("./data/ledgerlens.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - session/collaborators.go: Interface definitions
  - credit/credit.go: Ledger contract
  - persist/envelope.go: Envelope codec used for the session row
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ledgerlens/session-engine/credit"
	"github.com/ledgerlens/session-engine/persist"
	"github.com/ledgerlens/session-engine/session"
)

// defaultSessionKey keys the active-session row when no explicit user
// session is configured (single-user deployment).
const defaultSessionKey = "default"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db         *sql.DB
	mu         sync.Mutex
	sessionKey string
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, sessionKey: defaultSessionKey}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- The single persisted active-session row per session key
	CREATE TABLE IF NOT EXISTS active_session (
		session_key TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Saved transactions (the durable catalog)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_updated_at
		ON transactions(updated_at DESC);

	-- The available-credit counter (single row)
	CREATE TABLE IF NOT EXISTS credit_balance (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		balance INTEGER NOT NULL
	);

	INSERT OR IGNORE INTO credit_balance (id, balance) VALUES (1, 0);

	-- One row per reservation with its resolution
	CREATE TABLE IF NOT EXISTS credit_reservations (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL CHECK (state IN ('reserved', 'committed', 'released')),
		created_at TEXT NOT NULL,
		resolved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_credit_reservations_state
		ON credit_reservations(state);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SESSION PERSISTER - session.Persister
// =============================================================================

func (s *Store) Save(ctx context.Context, rec *session.ActiveRecord) error {
	payload, err := persist.Encode(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO active_session (session_key, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		s.sessionKey, string(payload), now())
	if err != nil {
		return fmt.Errorf("save active session: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context) (*session.ActiveRecord, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM active_session WHERE session_key = ?`,
		s.sessionKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load active session: %w", err)
	}

	rec, err := persist.Decode([]byte(payload))
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM active_session WHERE session_key = ?`, s.sessionKey)
	if err != nil {
		return fmt.Errorf("clear active session: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTION STORE - session.TransactionStore
// =============================================================================

// SavedTransaction is a row of the durable catalog, for listing.
type SavedTransaction struct {
	ID        session.RecordID
	Data      session.DraftData
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *Store) Create(ctx context.Context, id session.RecordID, data session.DraftData) error {
	payload, err := persist.EncodeDraft(data)
	if err != nil {
		return err
	}
	ts := now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		string(id), string(payload), ts, ts)
	if err != nil {
		return fmt.Errorf("create transaction %s: %w", id, err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, id session.RecordID, data session.DraftData) error {
	payload, err := persist.EncodeDraft(data)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET payload = ?, updated_at = ? WHERE id = ?`,
		string(payload), now(), string(id))
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("transaction %s: %w", id, session.ErrRecordNotFound)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id session.RecordID) (session.DraftData, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM transactions WHERE id = ?`, string(id)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return session.DraftData{}, fmt.Errorf("transaction %s: %w", id, session.ErrRecordNotFound)
	}
	if err != nil {
		return session.DraftData{}, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return persist.DecodeDraft([]byte(payload))
}

// List returns saved transactions, most recently updated first.
func (s *Store) List(ctx context.Context) ([]SavedTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, created_at, updated_at
		FROM transactions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []SavedTransaction
	for rows.Next() {
		var id, payload, createdAt, updatedAt string
		if err := rows.Scan(&id, &payload, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		data, err := persist.DecodeDraft([]byte(payload))
		if err != nil {
			return nil, err
		}
		out = append(out, SavedTransaction{
			ID:        session.RecordID(id),
			Data:      data,
			CreatedAt: parseTime(createdAt),
			UpdatedAt: parseTime(updatedAt),
		})
	}
	return out, rows.Err()
}

// =============================================================================
// CREDIT LEDGER - credit.Ledger
// =============================================================================

func (s *Store) ReserveCredit(ctx context.Context) (credit.ReservationID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("reserve credit: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	if err := tx.QueryRowContext(ctx,
		`SELECT balance FROM credit_balance WHERE id = 1`).Scan(&balance); err != nil {
		return "", fmt.Errorf("reserve credit: read balance: %w", err)
	}
	if balance <= 0 {
		return "", &credit.InsufficientCreditError{Available: balance}
	}

	id := credit.ReservationID(uuid.NewString())
	if _, err := tx.ExecContext(ctx,
		`UPDATE credit_balance SET balance = balance - 1 WHERE id = 1`); err != nil {
		return "", fmt.Errorf("reserve credit: deduct: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_reservations (id, state, created_at)
		VALUES (?, 'reserved', ?)`, string(id), now()); err != nil {
		return "", fmt.Errorf("reserve credit: record hold: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("reserve credit: %w", err)
	}
	return id, nil
}

func (s *Store) CommitReservation(ctx context.Context, id credit.ReservationID) error {
	return s.resolveReservation(ctx, id, "committed", false)
}

func (s *Store) ReleaseReservation(ctx context.Context, id credit.ReservationID) error {
	return s.resolveReservation(ctx, id, "released", true)
}

// resolveReservation moves a reservation to its terminal state.
// restoreBalance is true for release (the optimistic deduction comes
// back) and false for commit (it becomes a permanent charge).
func (s *Store) resolveReservation(ctx context.Context, id credit.ReservationID, target string, restoreBalance bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("resolve reservation: %w", err)
	}
	defer tx.Rollback()

	var state string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM credit_reservations WHERE id = ?`, string(id)).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reservation %s: %w", id, credit.ErrUnknownReservation)
	}
	if err != nil {
		return fmt.Errorf("resolve reservation: %w", err)
	}

	switch state {
	case target:
		return nil // idempotent
	case "reserved":
		// fall through to resolve
	default:
		return fmt.Errorf("reservation %s is %s: %w", id, state, credit.ErrAlreadyResolved)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_reservations SET state = ?, resolved_at = ? WHERE id = ?`,
		target, now(), string(id)); err != nil {
		return fmt.Errorf("resolve reservation: %w", err)
	}
	if restoreBalance {
		if _, err := tx.ExecContext(ctx,
			`UPDATE credit_balance SET balance = balance + 1 WHERE id = 1`); err != nil {
			return fmt.Errorf("resolve reservation: restore balance: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) AvailableBalance(ctx context.Context) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM credit_balance WHERE id = 1`).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// Grant adds credits to the balance (a purchase or promotional grant
// arriving from outside the reservation protocol).
func (s *Store) Grant(ctx context.Context, n int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE credit_balance SET balance = balance + ? WHERE id = 1`, n)
	if err != nil {
		return fmt.Errorf("grant credits: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
