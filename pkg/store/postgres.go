package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/veridian-labs/mandate/pkg/mandate"
)

// PostgresStore persists mandates in PostgreSQL for multi-node
// deployments. The active-cart CAS is a single conditional UPDATE, so
// concurrent workflow instances on different nodes contend safely.
type PostgresStore struct {
	db           *sql.DB
	replayWindow time.Duration
}

// OpenPostgres connects with lib/pq and runs migrations.
func OpenPostgres(dsn string, replayWindow time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	return NewPostgresStore(db, replayWindow)
}

// NewPostgresStore wraps an existing connection and runs migrations.
func NewPostgresStore(db *sql.DB, replayWindow time.Duration) (*PostgresStore, error) {
	s := &PostgresStore{db: db, replayWindow: replayWindow}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS intents (
		id TEXT PRIMARY KEY,
		mandate JSONB NOT NULL,
		verified BOOLEAN NOT NULL DEFAULT FALSE,
		consumed BOOLEAN NOT NULL DEFAULT FALSE,
		active_cart_id TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS carts (
		id TEXT PRIMARY KEY,
		intent_id TEXT NOT NULL,
		mandate JSONB NOT NULL,
		state TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_carts_intent ON carts(intent_id);
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		cart_id TEXT NOT NULL,
		status TEXT NOT NULL,
		amount_minor BIGINT NOT NULL,
		currency TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		processor_reference TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		failure_reason TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_tx_cart ON transactions(cart_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tx_cart_completed
		ON transactions(cart_id) WHERE status = 'completed';
	`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutIntent(ctx context.Context, rec *mandate.IntentRecord) error {
	blob, err := json.Marshal(rec.Mandate)
	if err != nil {
		return fmt.Errorf("store: marshal intent: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO intents (id, mandate, verified, consumed, active_cart_id, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.Mandate.ID, blob, rec.Verified, rec.Consumed, rec.ActiveCartID, rec.Mandate.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: insert intent: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIntent(ctx context.Context, id string) (*mandate.IntentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT mandate, verified, consumed, active_cart_id FROM intents WHERE id = $1`, id)

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

func (s *PostgresStore) MarkIntentVerified(ctx context.Context, id string) error {
	return s.updateIntentFlag(ctx, `UPDATE intents SET verified = TRUE WHERE id = $1`, id)
}

func (s *PostgresStore) MarkIntentConsumed(ctx context.Context, id string) error {
	return s.updateIntentFlag(ctx, `UPDATE intents SET consumed = TRUE, active_cart_id = '' WHERE id = $1`, id)
}

func (s *PostgresStore) updateIntentFlag(ctx context.Context, query, id string) error {
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("store: update intent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: intent %s", mandate.ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) ActivateCart(ctx context.Context, intentID, cartID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE intents SET active_cart_id = $1
		 WHERE id = $2 AND active_cart_id = '' AND consumed = FALSE`,
		cartID, intentID)
	if err != nil {
		return fmt.Errorf("store: activate cart: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	rec, err := s.GetIntent(ctx, intentID)
	if err != nil {
		return err
	}
	if rec.Consumed {
		return mandate.ErrIntentConsumed
	}
	return mandate.ErrCartAlreadyActive
}

func (s *PostgresStore) ReleaseCart(ctx context.Context, intentID, cartID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE intents SET active_cart_id = '' WHERE id = $1 AND active_cart_id = $2`,
		intentID, cartID)
	if err != nil {
		return fmt.Errorf("store: release cart: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutCart(ctx context.Context, rec *mandate.CartRecord) error {
	blob, err := json.Marshal(rec.Mandate)
	if err != nil {
		return fmt.Errorf("store: marshal cart: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO carts (id, intent_id, mandate, state, expires_at) VALUES ($1, $2, $3, $4, $5)`,
		rec.Mandate.ID, rec.Mandate.IntentMandateID, blob, string(rec.State), rec.Mandate.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: insert cart: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCart(ctx context.Context, id string) (*mandate.CartRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT mandate, state FROM carts WHERE id = $1`, id)

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

func (s *PostgresStore) SetCartState(ctx context.Context, cartID string, state mandate.State) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE carts SET state = $1 WHERE id = $2`, string(state), cartID)
	if err != nil {
		return fmt.Errorf("store: set cart state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: cart %s", mandate.ErrNotFound, cartID)
	}
	return nil
}

func (s *PostgresStore) TransitionCartState(ctx context.Context, cartID string, from, to mandate.State) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE carts SET state = $1 WHERE id = $2 AND state = $3`,
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

func (s *PostgresStore) PutTransaction(ctx context.Context, tx *mandate.PaymentTransaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions
		 (id, cart_id, status, amount_minor, currency, idempotency_key, processor_reference, created_at, completed_at, failure_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
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

func (s *PostgresStore) UpdateTransaction(ctx context.Context, tx *mandate.PaymentTransaction) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET status = $1, processor_reference = $2, completed_at = $3, failure_reason = $4
		 WHERE id = $5`,
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

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*mandate.PaymentTransaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, cart_id, status, amount_minor, currency, idempotency_key, processor_reference, created_at, completed_at, failure_reason
		 FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: transaction %s", mandate.ErrNotFound, id)
	}
	return tx, err
}

func (s *PostgresStore) TransactionsByCart(ctx context.Context, cartID string) ([]*mandate.PaymentTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cart_id, status, amount_minor, currency, idempotency_key, processor_reference, created_at, completed_at, failure_reason
		 FROM transactions WHERE cart_id = $1 ORDER BY created_at`, cartID)
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

func (s *PostgresStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	deadline := cutoff.Add(-s.replayWindow)
	res, err := s.db.ExecContext(ctx, `DELETE FROM intents WHERE expires_at < $1`, deadline)
	if err != nil {
		return 0, fmt.Errorf("store: purge intents: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM transactions WHERE cart_id IN (SELECT id FROM carts WHERE expires_at < $1)`, deadline); err != nil {
		return 0, fmt.Errorf("store: purge transactions: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM carts WHERE expires_at < $1`, deadline); err != nil {
		return 0, fmt.Errorf("store: purge carts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation matches the partial unique index on completed
// transactions for both backends.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
