// Package store persists intent mandates, cart mandates and payment
// transactions through the mandate's expiry plus the replay window, for
// audit and dispute resolution.
//
// The store owns the two transactional guarantees the workflow relies on:
// the at-most-one-active-cart compare-and-set on an intent's cart slot,
// and the at-most-one-completed-transaction rule per cart.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/veridian-labs/mandate/pkg/mandate"
)

// ErrDuplicateCompletion rejects a second COMPLETED transaction for the
// same cart.
var ErrDuplicateCompletion = errors.New("store: cart already has a completed transaction")

// Store is the full persistence surface. It satisfies both
// mandate.IntentStore and mandate.CartStore.
type Store interface {
	PutIntent(ctx context.Context, rec *mandate.IntentRecord) error
	GetIntent(ctx context.Context, id string) (*mandate.IntentRecord, error)
	MarkIntentVerified(ctx context.Context, id string) error
	// MarkIntentConsumed marks the intent spent after a completed payment
	// and clears the active-cart slot.
	MarkIntentConsumed(ctx context.Context, id string) error

	// ActivateCart claims the intent's active-cart slot. Under concurrent
	// attempts exactly one succeeds; the rest get ErrCartAlreadyActive
	// (or ErrIntentConsumed once the intent is spent).
	ActivateCart(ctx context.Context, intentID, cartID string) error
	// ReleaseCart clears the slot iff it is held by cartID.
	ReleaseCart(ctx context.Context, intentID, cartID string) error

	PutCart(ctx context.Context, rec *mandate.CartRecord) error
	GetCart(ctx context.Context, id string) (*mandate.CartRecord, error)
	SetCartState(ctx context.Context, cartID string, state mandate.State) error
	// TransitionCartState moves the cart from exactly the given state to
	// the next one. Under concurrent attempts exactly one succeeds; the
	// rest get mandate.ErrInvalidTransition.
	TransitionCartState(ctx context.Context, cartID string, from, to mandate.State) error

	PutTransaction(ctx context.Context, tx *mandate.PaymentTransaction) error
	// UpdateTransaction persists status changes. Moving a transaction to
	// completed fails with ErrDuplicateCompletion if another completed
	// transaction already exists for the cart.
	UpdateTransaction(ctx context.Context, tx *mandate.PaymentTransaction) error
	GetTransaction(ctx context.Context, id string) (*mandate.PaymentTransaction, error)
	TransactionsByCart(ctx context.Context, cartID string) ([]*mandate.PaymentTransaction, error)

	// PurgeExpired removes records whose retention deadline (mandate
	// expiry plus replay window) is before cutoff. Returns the number of
	// intents purged.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// retentionDeadline is the instant a record becomes purgeable.
func retentionDeadline(expiresAt time.Time, replayWindow time.Duration) time.Time {
	return expiresAt.Add(replayWindow)
}
