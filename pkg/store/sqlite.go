package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/veridian-labs/mandate/pkg/mandate"
	"github.com/veridian-labs/mandate/pkg/money"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists mandates in SQLite. Mandate payloads are stored
// as their JSON form next to the indexed workflow columns; the JSON is
// the signed artifact, the columns are derived.
type SQLiteStore struct {
	db           *sql.DB
	replayWindow time.Duration
}

// OpenSQLite opens (or creates) a SQLite store at path.
func OpenSQLite(path string, replayWindow time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// The CAS updates rely on serialized writers.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db, replayWindow)
}

// NewSQLiteStore wraps an existing connection and runs migrations.
func NewSQLiteStore(db *sql.DB, replayWindow time.Duration) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, replayWindow: replayWindow}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS intents (
		id TEXT PRIMARY KEY,
		mandate JSON NOT NULL,
		verified INTEGER NOT NULL DEFAULT 0,
		consumed INTEGER NOT NULL DEFAULT 0,
		active_cart_id TEXT NOT NULL DEFAULT '',
		expires_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS carts (
		id TEXT PRIMARY KEY,
		intent_id TEXT NOT NULL,
		mandate JSON NOT NULL,
		state TEXT NOT NULL,
		expires_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_carts_intent ON carts(intent_id);
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		cart_id TEXT NOT NULL,
		status TEXT NOT NULL,
		amount_minor INTEGER NOT NULL,
		currency TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		processor_reference TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		completed_at DATETIME,
		failure_reason TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_tx_cart ON transactions(cart_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tx_cart_completed
		ON transactions(cart_id) WHERE status = 'completed';
	`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutIntent(ctx context.Context, rec *mandate.IntentRecord) error {
	blob, err := json.Marshal(rec.Mandate)
	if err != nil {
		return fmt.Errorf("store: marshal intent: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO intents (id, mandate, verified, consumed, active_cart_id, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Mandate.ID, blob, rec.Verified, rec.Consumed, rec.ActiveCartID, rec.Mandate.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: insert intent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetIntent(ctx context.Context, id string) (*mandate.IntentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT mandate, verified, consumed, active_cart_id FROM intents WHERE id = ?`, id)

	var blob []byte
	var rec mandate.IntentRecord
	err := row.Scan(&blob, &rec.Verified, &rec.Consumed, &rec.ActiveCartID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: intent %s", mandate.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get intent: %w", err)
	}
	if err := json.Unmarshal(blob, &rec.Mandate); err != nil {
		return nil, fmt.Errorf("store: unmarshal intent: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) MarkIntentVerified(ctx context.Context, id string) error {
	return s.updateIntentFlag(ctx, `UPDATE intents SET verified = 1 WHERE id = ?`, id)
}

func (s *SQLiteStore) MarkIntentConsumed(ctx context.Context, id string) error {
	return s.updateIntentFlag(ctx, `UPDATE intents SET consumed = 1, active_cart_id = '' WHERE id = ?`, id)
}

func (s *SQLiteStore) updateIntentFlag(ctx context.Context, query, id string) error {
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("store: update intent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: intent %s", mandate.ErrNotFound, id)
	}
	return nil
}

// ActivateCart claims the slot with a single conditional UPDATE; the
// WHERE clause is the compare of the compare-and-set.
func (s *SQLiteStore) ActivateCart(ctx context.Context, intentID, cartID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE intents SET active_cart_id = ?
		 WHERE id = ? AND active_cart_id = '' AND consumed = 0`,
		cartID, intentID)
	if err != nil {
		return fmt.Errorf("store: activate cart: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// Lost the race or the intent is unusable; distinguish for the caller.
	rec, err := s.GetIntent(ctx, intentID)
	if err != nil {
		return err
	}
	if rec.Consumed {
		return mandate.ErrIntentConsumed
	}
	return mandate.ErrCartAlreadyActive
}

func (s *SQLiteStore) ReleaseCart(ctx context.Context, intentID, cartID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE intents SET active_cart_id = '' WHERE id = ? AND active_cart_id = ?`,
		intentID, cartID)
	if err != nil {
		return fmt.Errorf("store: release cart: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutCart(ctx context.Context, rec *mandate.CartRecord) error {
	blob, err := json.Marshal(rec.Mandate)
	if err != nil {
		return fmt.Errorf("store: marshal cart: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO carts (id, intent_id, mandate, state, expires_at) VALUES (?, ?, ?, ?, ?)`,
		rec.Mandate.ID, rec.Mandate.IntentMandateID, blob, string(rec.State), rec.Mandate.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: insert cart: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCart(ctx context.Context, id string) (*mandate.CartRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT mandate, state FROM carts WHERE id = ?`, id)

	var blob []byte
	var state string
	err := row.Scan(&blob, &state)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: cart %s", mandate.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get cart: %w", err)
	}
	rec := &mandate.CartRecord{State: mandate.State(state)}
	if err := json.Unmarshal(blob, &rec.Mandate); err != nil {
		return nil, fmt.Errorf("store: unmarshal cart: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) SetCartState(ctx context.Context, cartID string, state mandate.State) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE carts SET state = ? WHERE id = ?`, string(state), cartID)
	if err != nil {
		return fmt.Errorf("store: set cart state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: cart %s", mandate.ErrNotFound, cartID)
	}
	return nil
}

// TransitionCartState is a conditional UPDATE; the WHERE clause on the
// current state is the compare of the compare-and-set.
func (s *SQLiteStore) TransitionCartState(ctx context.Context, cartID string, from, to mandate.State) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE carts SET state = ? WHERE id = ? AND state = ?`,
		string(to), cartID, string(from))
	if err != nil {
		return fmt.Errorf("store: transition cart state: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	rec, err := s.GetCart(ctx, cartID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cart in state %s", mandate.ErrInvalidTransition, rec.State)
}

func (s *SQLiteStore) PutTransaction(ctx context.Context, tx *mandate.PaymentTransaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions
		 (id, cart_id, status, amount_minor, currency, idempotency_key, processor_reference, created_at, completed_at, failure_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.CartMandateID, string(tx.Status), tx.Amount.AmountMinor, tx.Amount.Currency,
		tx.IdempotencyKey, tx.ProcessorReference, tx.CreatedAt, tx.CompletedAt, tx.FailureReason)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCompletion
		}
		return fmt.Errorf("store: insert transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateTransaction(ctx context.Context, tx *mandate.PaymentTransaction) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET status = ?, processor_reference = ?, completed_at = ?, failure_reason = ?
		 WHERE id = ?`,
		string(tx.Status), tx.ProcessorReference, tx.CompletedAt, tx.FailureReason, tx.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCompletion
		}
		return fmt.Errorf("store: update transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: transaction %s", mandate.ErrNotFound, tx.ID)
	}
	return nil
}

func (s *SQLiteStore) GetTransaction(ctx context.Context, id string) (*mandate.PaymentTransaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, cart_id, status, amount_minor, currency, idempotency_key, processor_reference, created_at, completed_at, failure_reason
		 FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: transaction %s", mandate.ErrNotFound, id)
	}
	return tx, err
}

func (s *SQLiteStore) TransactionsByCart(ctx context.Context, cartID string) ([]*mandate.PaymentTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cart_id, status, amount_minor, currency, idempotency_key, processor_reference, created_at, completed_at, failure_reason
		 FROM transactions WHERE cart_id = ? ORDER BY created_at`, cartID)
	if err != nil {
		return nil, fmt.Errorf("store: list transactions: %w", err)
	}
	defer rows.Close()

	var out []*mandate.PaymentTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	deadline := cutoff.Add(-s.replayWindow)
	res, err := s.db.ExecContext(ctx, `DELETE FROM intents WHERE expires_at < ?`, deadline)
	if err != nil {
		return 0, fmt.Errorf("store: purge intents: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM transactions WHERE cart_id IN (SELECT id FROM carts WHERE expires_at < ?)`, deadline); err != nil {
		return 0, fmt.Errorf("store: purge transactions: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM carts WHERE expires_at < ?`, deadline); err != nil {
		return 0, fmt.Errorf("store: purge carts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*mandate.PaymentTransaction, error) {
	var tx mandate.PaymentTransaction
	var status, currency string
	var amountMinor int64
	var completedAt sql.NullTime
	err := row.Scan(&tx.ID, &tx.CartMandateID, &status, &amountMinor, &currency,
		&tx.IdempotencyKey, &tx.ProcessorReference, &tx.CreatedAt, &completedAt, &tx.FailureReason)
	if err != nil {
		return nil, err
	}
	tx.Amount = money.New(amountMinor, currency)
	tx.Status = mandate.TransactionStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		tx.CompletedAt = &t
	}
	return &tx, nil
}
