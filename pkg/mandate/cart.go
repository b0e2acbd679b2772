package mandate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// CartStore is the persistence the cart service needs. ActivateCart is a
// compare-and-set on the intent's active-cart slot: under concurrent
// attempts exactly one succeeds and all others get ErrCartAlreadyActive.
type CartStore interface {
	GetIntent(ctx context.Context, id string) (*IntentRecord, error)
	ActivateCart(ctx context.Context, intentID, cartID string) error
	ReleaseCart(ctx context.Context, intentID, cartID string) error
	PutCart(ctx context.Context, rec *CartRecord) error
	GetCart(ctx context.Context, id string) (*CartRecord, error)
	SetCartState(ctx context.Context, cartID string, state State) error
}

// CartService creates and validates cart mandates bound to verified intents.
type CartService struct {
	signer *Signer
	store  CartStore
	audit  AuditLog
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time
}

// CartServiceOption configures a CartService.
type CartServiceOption func(*CartService)

// WithCartClock overrides the time source (tests).
func WithCartClock(now func() time.Time) CartServiceOption {
	return func(s *CartService) { s.now = now }
}

// WithCartTTL sets how long a cart stays executable. The effective expiry
// is always capped by the intent's own expiry.
func WithCartTTL(d time.Duration) CartServiceOption {
	return func(s *CartService) { s.ttl = d }
}

// NewCartService constructs the service.
func NewCartService(signer *Signer, store CartStore, audit AuditLog, opts ...CartServiceOption) *CartService {
	s := &CartService{
		signer: signer,
		store:  store,
		audit:  audit,
		logger: slog.Default().With("component", "cart_service"),
		ttl:    5 * time.Minute,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create builds, signs and persists a cart against a verified intent.
// The intent's active-cart slot is claimed first; a concurrent second
// attempt fails with ErrCartAlreadyActive rather than overwriting.
func (s *CartService) Create(ctx context.Context, intentID string, items []LineItem) (*CartMandate, error) {
	rec, err := s.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	intent := &rec.Mandate

	if !rec.Verified {
		return nil, ErrIntentNotVerified
	}
	if rec.Consumed {
		return nil, ErrIntentConsumed
	}
	now := s.now().UTC()
	if intent.Expired(now) {
		return nil, ErrMandateExpired
	}

	total, err := SumLineItems(items)
	if err != nil {
		return nil, err
	}

	cartID := uuid.NewString()
	if err := s.store.ActivateCart(ctx, intentID, cartID); err != nil {
		return nil, err
	}

	expiresAt := now.Add(s.ttl)
	if intent.ExpiresAt.Before(expiresAt) {
		expiresAt = intent.ExpiresAt
	}
	cart := &CartMandate{
		ID:              cartID,
		IntentMandateID: intentID,
		BusinessID:      intent.BusinessID,
		LineItems:       items,
		TotalAmount:     total,
		CreatedAt:       now,
		ExpiresAt:       expiresAt,
	}
	if err := s.signer.SignCart(cart); err != nil {
		s.releaseSlot(ctx, intentID, cartID)
		return nil, err
	}
	if err := s.store.PutCart(ctx, &CartRecord{Mandate: *cart, State: StateCartCreated}); err != nil {
		s.releaseSlot(ctx, intentID, cartID)
		return nil, fmt.Errorf("persist cart: %w", err)
	}

	s.logger.InfoContext(ctx, "cart created",
		"cart_id", cart.ID, "intent_id", intentID, "total", total.String(), "items", len(items))
	_ = s.audit.Append(intent.BusinessID, "cart.created", map[string]any{
		"cart_id": cart.ID, "intent_id": intentID, "total": total.String(),
	})
	return cart, nil
}

// Verify drives the CART_CREATED -> CART_VERIFIED transition: signature,
// expiry, derived total, currency containment and amount containment.
// A failure is terminal for this cart and releases the intent's
// active-cart slot; the intent remains usable for a new attempt.
func (s *CartService) Verify(ctx context.Context, cartID string) error {
	cartRec, err := s.store.GetCart(ctx, cartID)
	if err != nil {
		return err
	}
	cart := &cartRec.Mandate
	if cartRec.State != StateCartCreated {
		return fmt.Errorf("%w: cart in state %s", ErrInvalidTransition, cartRec.State)
	}

	intentRec, err := s.store.GetIntent(ctx, cart.IntentMandateID)
	if err != nil {
		return err
	}
	intent := &intentRec.Mandate

	if err := s.check(ctx, cart, intent); err != nil {
		s.terminate(ctx, cart, err)
		return err
	}

	if err := s.store.SetCartState(ctx, cartID, StateCartVerified); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	s.logger.InfoContext(ctx, "cart verified", "cart_id", cart.ID, "intent_id", intent.ID)
	return nil
}

func (s *CartService) check(ctx context.Context, cart *CartMandate, intent *IntentMandate) error {
	ok, err := s.signer.VerifyCart(cart)
	if err != nil {
		return err
	}
	if !ok {
		s.securityEvent(ctx, cart, "cart.signature_invalid")
		return ErrMandateInvalid
	}
	if cart.Expired(s.now().UTC()) {
		return ErrMandateExpired
	}
	if cart.BusinessID != intent.BusinessID {
		s.securityEvent(ctx, cart, "cart.business_mismatch")
		return ErrMandateInvalid
	}

	derived, err := SumLineItems(cart.LineItems)
	if err != nil {
		return err
	}
	if derived.Currency != cart.TotalAmount.Currency || derived.Cmp(cart.TotalAmount) != 0 {
		s.securityEvent(ctx, cart, "cart.total_mismatch")
		return ErrMandateInvalid
	}
	if !cart.TotalAmount.SameCurrency(intent.MaxAmount) {
		return ErrCurrencyMismatch
	}
	if cart.TotalAmount.Cmp(intent.MaxAmount) > 0 {
		return ErrAmountExceedsIntent
	}
	return nil
}

// Void cancels a non-terminal cart, releasing the intent's active-cart slot.
func (s *CartService) Void(ctx context.Context, cartID, reason string) error {
	cartRec, err := s.store.GetCart(ctx, cartID)
	if err != nil {
		return err
	}
	if cartRec.State.Terminal() {
		return fmt.Errorf("%w: cart in state %s", ErrInvalidTransition, cartRec.State)
	}
	if err := s.store.SetCartState(ctx, cartID, StateVoided); err != nil {
		return err
	}
	s.releaseSlot(ctx, cartRec.Mandate.IntentMandateID, cartID)
	s.logger.InfoContext(ctx, "cart voided", "cart_id", cartID, "reason", reason)
	_ = s.audit.Append(cartRec.Mandate.BusinessID, "cart.voided", map[string]any{
		"cart_id": cartID, "intent_id": cartRec.Mandate.IntentMandateID, "reason": reason,
	})
	return nil
}

// Get returns the stored record for a cart.
func (s *CartService) Get(ctx context.Context, cartID string) (*CartRecord, error) {
	return s.store.GetCart(ctx, cartID)
}

// terminate voids a cart that failed verification and frees the slot.
func (s *CartService) terminate(ctx context.Context, cart *CartMandate, cause error) {
	if err := s.store.SetCartState(ctx, cart.ID, StateVoided); err != nil &&
		!errors.Is(err, ErrNotFound) {
		s.logger.ErrorContext(ctx, "failed to void rejected cart", "cart_id", cart.ID, "error", err)
	}
	s.releaseSlot(ctx, cart.IntentMandateID, cart.ID)
	_ = s.audit.Append(cart.BusinessID, "cart.rejected", map[string]any{
		"cart_id": cart.ID, "intent_id": cart.IntentMandateID, "reason": cause.Error(),
	})
}

func (s *CartService) releaseSlot(ctx context.Context, intentID, cartID string) {
	if err := s.store.ReleaseCart(ctx, intentID, cartID); err != nil {
		s.logger.ErrorContext(ctx, "failed to release cart slot",
			"intent_id", intentID, "cart_id", cartID, "error", err)
	}
}

func (s *CartService) securityEvent(ctx context.Context, cart *CartMandate, action string) {
	s.logger.WarnContext(ctx, "security event", "action", action,
		"cart_id", cart.ID, "intent_id", cart.IntentMandateID, "business_id", cart.BusinessID)
	_ = s.audit.Append(cart.BusinessID, action, map[string]any{
		"cart_id": cart.ID, "intent_id": cart.IntentMandateID,
	})
}
