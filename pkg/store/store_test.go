package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-labs/mandate/pkg/mandate"
	"github.com/veridian-labs/mandate/pkg/money"
)

// The memory and SQLite stores must behave identically; every test below
// runs against both.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore(10 * time.Minute)
		defer s.Close()
		fn(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "mandates.db"), 10*time.Minute)
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func sampleIntent(id string, expiresAt time.Time) *mandate.IntentRecord {
	return &mandate.IntentRecord{
		Mandate: mandate.IntentMandate{
			ID:         id,
			UserID:     "user-1",
			AgentID:    "agent-1",
			BusinessID: "biz-1",
			MaxAmount:  money.New(10000, "USD"),
			Nonce:      "nonce-" + id,
			CreatedAt:  expiresAt.Add(-10 * time.Minute),
			ExpiresAt:  expiresAt,
			Algorithm:  mandate.AlgPS256,
			KeyID:      "key-1",
			Signature:  "c2ln",
		},
	}
}

func sampleCart(id, intentID string, expiresAt time.Time) *mandate.CartRecord {
	unit := money.New(2500, "USD")
	return &mandate.CartRecord{
		Mandate: mandate.CartMandate{
			ID:              id,
			IntentMandateID: intentID,
			BusinessID:      "biz-1",
			LineItems:       []mandate.LineItem{{Description: "beans", UnitAmount: unit, Quantity: 2}},
			TotalAmount:     money.New(5000, "USD"),
			CreatedAt:       expiresAt.Add(-5 * time.Minute),
			ExpiresAt:       expiresAt,
			Algorithm:       mandate.AlgPS256,
			KeyID:           "key-2",
			Signature:       "c2ln",
		},
		State: mandate.StateCartCreated,
	}
}

func TestIntentRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		expires := time.Now().UTC().Add(10 * time.Minute).Truncate(time.Second)

		rec := sampleIntent("intent-1", expires)
		require.NoError(t, s.PutIntent(ctx, rec))

		got, err := s.GetIntent(ctx, "intent-1")
		require.NoError(t, err)
		assert.Equal(t, rec.Mandate.ID, got.Mandate.ID)
		assert.Equal(t, rec.Mandate.MaxAmount, got.Mandate.MaxAmount)
		assert.Equal(t, rec.Mandate.Signature, got.Mandate.Signature)
		assert.False(t, got.Verified)
		assert.False(t, got.Consumed)

		require.NoError(t, s.MarkIntentVerified(ctx, "intent-1"))
		got, err = s.GetIntent(ctx, "intent-1")
		require.NoError(t, err)
		assert.True(t, got.Verified)

		_, err = s.GetIntent(ctx, "missing")
		assert.ErrorIs(t, err, mandate.ErrNotFound)

		err = s.PutIntent(ctx, rec)
		assert.Error(t, err, "duplicate intent id must be rejected")
	})
}

func TestCartRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		expires := time.Now().UTC().Add(5 * time.Minute).Truncate(time.Second)

		require.NoError(t, s.PutIntent(ctx, sampleIntent("intent-1", expires)))
		cart := sampleCart("cart-1", "intent-1", expires)
		require.NoError(t, s.PutCart(ctx, cart))

		got, err := s.GetCart(ctx, "cart-1")
		require.NoError(t, err)
		assert.Equal(t, mandate.StateCartCreated, got.State)
		assert.Equal(t, cart.Mandate.TotalAmount, got.Mandate.TotalAmount)
		require.Len(t, got.Mandate.LineItems, 1)

		require.NoError(t, s.SetCartState(ctx, "cart-1", mandate.StateCartVerified))
		got, err = s.GetCart(ctx, "cart-1")
		require.NoError(t, err)
		assert.Equal(t, mandate.StateCartVerified, got.State)

		assert.ErrorIs(t, s.SetCartState(ctx, "missing", mandate.StateVoided), mandate.ErrNotFound)
	})
}

func TestTransitionCartState(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		expires := time.Now().UTC().Add(5 * time.Minute)

		require.NoError(t, s.PutIntent(ctx, sampleIntent("intent-1", expires)))
		require.NoError(t, s.PutCart(ctx, sampleCart("cart-1", "intent-1", expires)))

		require.NoError(t, s.TransitionCartState(ctx, "cart-1",
			mandate.StateCartCreated, mandate.StateCartVerified))

		// The compare leg: the recorded state no longer matches.
		err := s.TransitionCartState(ctx, "cart-1",
			mandate.StateCartCreated, mandate.StateCartVerified)
		assert.ErrorIs(t, err, mandate.ErrInvalidTransition)

		got, err := s.GetCart(ctx, "cart-1")
		require.NoError(t, err)
		assert.Equal(t, mandate.StateCartVerified, got.State)

		err = s.TransitionCartState(ctx, "missing",
			mandate.StateCartCreated, mandate.StateCartVerified)
		assert.ErrorIs(t, err, mandate.ErrNotFound)
	})
}

func TestActivateCartCAS(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		expires := time.Now().UTC().Add(10 * time.Minute)
		require.NoError(t, s.PutIntent(ctx, sampleIntent("intent-1", expires)))

		require.NoError(t, s.ActivateCart(ctx, "intent-1", "cart-a"))
		assert.ErrorIs(t, s.ActivateCart(ctx, "intent-1", "cart-b"), mandate.ErrCartAlreadyActive)

		// Release by the wrong cart id is a no-op.
		require.NoError(t, s.ReleaseCart(ctx, "intent-1", "cart-b"))
		assert.ErrorIs(t, s.ActivateCart(ctx, "intent-1", "cart-b"), mandate.ErrCartAlreadyActive)

		require.NoError(t, s.ReleaseCart(ctx, "intent-1", "cart-a"))
		require.NoError(t, s.ActivateCart(ctx, "intent-1", "cart-b"))

		require.NoError(t, s.MarkIntentConsumed(ctx, "intent-1"))
		assert.ErrorIs(t, s.ActivateCart(ctx, "intent-1", "cart-c"), mandate.ErrIntentConsumed)
	})
}

func TestActivateCartConcurrentSingleWinner(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		expires := time.Now().UTC().Add(10 * time.Minute)
		require.NoError(t, s.PutIntent(ctx, sampleIntent("intent-1", expires)))

		const attempts = 16
		errs := make([]error, attempts)
		var wg sync.WaitGroup
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.ActivateCart(ctx, "intent-1", "cart-"+string(rune('a'+i)))
			}(i)
		}
		wg.Wait()

		var won int
		for _, err := range errs {
			switch {
			case err == nil:
				won++
			case errors.Is(err, mandate.ErrCartAlreadyActive):
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, won)
	})
}

func TestTransactionRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		created := time.Now().UTC().Truncate(time.Second)

		tx := &mandate.PaymentTransaction{
			ID:             "tx-1",
			CartMandateID:  "cart-1",
			Status:         mandate.TransactionPending,
			Amount:         money.New(5000, "USD"),
			IdempotencyKey: "idem-1",
			CreatedAt:      created,
		}
		require.NoError(t, s.PutTransaction(ctx, tx))

		got, err := s.GetTransaction(ctx, "tx-1")
		require.NoError(t, err)
		assert.Equal(t, mandate.TransactionPending, got.Status)
		assert.Equal(t, money.New(5000, "USD"), got.Amount)
		assert.Nil(t, got.CompletedAt)

		done := created.Add(time.Second)
		tx.Status = mandate.TransactionCompleted
		tx.ProcessorReference = "proc-1"
		tx.CompletedAt = &done
		require.NoError(t, s.UpdateTransaction(ctx, tx))

		got, err = s.GetTransaction(ctx, "tx-1")
		require.NoError(t, err)
		assert.Equal(t, mandate.TransactionCompleted, got.Status)
		assert.Equal(t, "proc-1", got.ProcessorReference)
		require.NotNil(t, got.CompletedAt)

		list, err := s.TransactionsByCart(ctx, "cart-1")
		require.NoError(t, err)
		assert.Len(t, list, 1)

		_, err = s.GetTransaction(ctx, "missing")
		assert.ErrorIs(t, err, mandate.ErrNotFound)
	})
}

// The store enforces at most one completed transaction per cart no
// matter how the application layer misbehaves.
func TestDuplicateCompletionRejected(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		created := time.Now().UTC()
		done := created.Add(time.Second)

		first := &mandate.PaymentTransaction{
			ID: "tx-1", CartMandateID: "cart-1", Status: mandate.TransactionCompleted,
			Amount: money.New(5000, "USD"), IdempotencyKey: "idem-1",
			CreatedAt: created, CompletedAt: &done,
		}
		require.NoError(t, s.PutTransaction(ctx, first))

		second := &mandate.PaymentTransaction{
			ID: "tx-2", CartMandateID: "cart-1", Status: mandate.TransactionCompleted,
			Amount: money.New(5000, "USD"), IdempotencyKey: "idem-1",
			CreatedAt: created, CompletedAt: &done,
		}
		assert.ErrorIs(t, s.PutTransaction(ctx, second), ErrDuplicateCompletion)

		// Upgrading a second pending transaction to completed hits the
		// same constraint.
		third := &mandate.PaymentTransaction{
			ID: "tx-3", CartMandateID: "cart-1", Status: mandate.TransactionPending,
			Amount: money.New(5000, "USD"), IdempotencyKey: "idem-1", CreatedAt: created,
		}
		require.NoError(t, s.PutTransaction(ctx, third))
		third.Status = mandate.TransactionCompleted
		third.CompletedAt = &done
		assert.ErrorIs(t, s.UpdateTransaction(ctx, third), ErrDuplicateCompletion)

		// A completed transaction on a different cart is unaffected.
		other := &mandate.PaymentTransaction{
			ID: "tx-4", CartMandateID: "cart-2", Status: mandate.TransactionCompleted,
			Amount: money.New(100, "USD"), IdempotencyKey: "idem-2",
			CreatedAt: created, CompletedAt: &done,
		}
		assert.NoError(t, s.PutTransaction(ctx, other))
	})
}

func TestPurgeExpired(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		// Expired long enough ago that the replay window has lapsed too.
		old := sampleIntent("intent-old", now.Add(-time.Hour))
		require.NoError(t, s.PutIntent(ctx, old))
		require.NoError(t, s.PutCart(ctx, sampleCart("cart-old", "intent-old", now.Add(-time.Hour))))
		require.NoError(t, s.PutTransaction(ctx, &mandate.PaymentTransaction{
			ID: "tx-old", CartMandateID: "cart-old", Status: mandate.TransactionFailed,
			Amount: money.New(100, "USD"), IdempotencyKey: "idem-old", CreatedAt: now.Add(-time.Hour),
		}))

		// Expired, but still inside the replay window; must be retained.
		recent := sampleIntent("intent-recent", now.Add(-time.Minute))
		require.NoError(t, s.PutIntent(ctx, recent))

		live := sampleIntent("intent-live", now.Add(time.Hour))
		require.NoError(t, s.PutIntent(ctx, live))

		purged, err := s.PurgeExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, purged)

		_, err = s.GetIntent(ctx, "intent-old")
		assert.ErrorIs(t, err, mandate.ErrNotFound)
		_, err = s.GetCart(ctx, "cart-old")
		assert.ErrorIs(t, err, mandate.ErrNotFound)
		_, err = s.GetTransaction(ctx, "tx-old")
		assert.ErrorIs(t, err, mandate.ErrNotFound)

		_, err = s.GetIntent(ctx, "intent-recent")
		assert.NoError(t, err)
		_, err = s.GetIntent(ctx, "intent-live")
		assert.NoError(t, err)
	})
}
