package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-labs/mandate/pkg/mandate"
	"github.com/veridian-labs/mandate/pkg/money"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS intents").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := NewPostgresStore(db, 10*time.Minute)
	require.NoError(t, err)
	return s, mock
}

func TestPostgresGetIntent(t *testing.T) {
	s, mock := newMockStore(t)

	rec := sampleIntent("intent-1", time.Now().UTC().Add(10*time.Minute))
	blob, err := json.Marshal(rec.Mandate)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT mandate, verified, consumed, active_cart_id FROM intents").
		WithArgs("intent-1").
		WillReturnRows(sqlmock.NewRows([]string{"mandate", "verified", "consumed", "active_cart_id"}).
			AddRow(blob, true, false, "cart-9"))

	got, err := s.GetIntent(context.Background(), "intent-1")
	require.NoError(t, err)
	assert.True(t, got.Verified)
	assert.Equal(t, "cart-9", got.ActiveCartID)
	assert.Equal(t, rec.Mandate.MaxAmount, got.Mandate.MaxAmount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetIntentNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT mandate, verified, consumed, active_cart_id FROM intents").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"mandate", "verified", "consumed", "active_cart_id"}))

	_, err := s.GetIntent(context.Background(), "missing")
	assert.ErrorIs(t, err, mandate.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresActivateCartWins(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE intents SET active_cart_id").
		WithArgs("cart-1", "intent-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, s.ActivateCart(context.Background(), "intent-1", "cart-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresActivateCartLosesRace(t *testing.T) {
	s, mock := newMockStore(t)

	rec := sampleIntent("intent-1", time.Now().UTC().Add(10*time.Minute))
	blob, err := json.Marshal(rec.Mandate)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE intents SET active_cart_id").
		WithArgs("cart-2", "intent-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT mandate, verified, consumed, active_cart_id FROM intents").
		WithArgs("intent-1").
		WillReturnRows(sqlmock.NewRows([]string{"mandate", "verified", "consumed", "active_cart_id"}).
			AddRow(blob, true, false, "cart-1"))

	err = s.ActivateCart(context.Background(), "intent-1", "cart-2")
	assert.ErrorIs(t, err, mandate.ErrCartAlreadyActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresActivateCartConsumedIntent(t *testing.T) {
	s, mock := newMockStore(t)

	rec := sampleIntent("intent-1", time.Now().UTC().Add(10*time.Minute))
	blob, err := json.Marshal(rec.Mandate)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE intents SET active_cart_id").
		WithArgs("cart-2", "intent-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT mandate, verified, consumed, active_cart_id FROM intents").
		WithArgs("intent-1").
		WillReturnRows(sqlmock.NewRows([]string{"mandate", "verified", "consumed", "active_cart_id"}).
			AddRow(blob, true, true, ""))

	err = s.ActivateCart(context.Background(), "intent-1", "cart-2")
	assert.ErrorIs(t, err, mandate.ErrIntentConsumed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionCartState(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE carts SET state").
		WithArgs("PAYMENT_EXECUTING", "cart-1", "CART_VERIFIED").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.TransitionCartState(context.Background(), "cart-1",
		mandate.StateCartVerified, mandate.StatePaymentExecuting)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionCartStateLosesRace(t *testing.T) {
	s, mock := newMockStore(t)

	cart := sampleCart("cart-1", "intent-1", time.Now().UTC().Add(10*time.Minute))
	blob, err := json.Marshal(cart.Mandate)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE carts SET state").
		WithArgs("PAYMENT_EXECUTING", "cart-1", "CART_VERIFIED").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT mandate, state FROM carts").
		WithArgs("cart-1").
		WillReturnRows(sqlmock.NewRows([]string{"mandate", "state"}).
			AddRow(blob, "PAYMENT_EXECUTING"))

	err = s.TransitionCartState(context.Background(), "cart-1",
		mandate.StateCartVerified, mandate.StatePaymentExecuting)
	assert.ErrorIs(t, err, mandate.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDuplicateCompletion(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO transactions").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "idx_tx_cart_completed"})

	done := time.Now().UTC()
	err := s.PutTransaction(context.Background(), &mandate.PaymentTransaction{
		ID: "tx-2", CartMandateID: "cart-1", Status: mandate.TransactionCompleted,
		Amount: money.New(5000, "USD"), IdempotencyKey: "idem-1",
		CreatedAt: done, CompletedAt: &done,
	})
	assert.ErrorIs(t, err, ErrDuplicateCompletion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkIntentVerifiedNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE intents SET verified = TRUE").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.MarkIntentVerified(context.Background(), "missing")
	assert.ErrorIs(t, err, mandate.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
