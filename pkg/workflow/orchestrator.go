// Package workflow drives the end-to-end payment state machine:
// intent -> cart -> payment -> completion or rollback. The orchestrator
// exclusively owns CartMandate and PaymentTransaction state transitions;
// intent mandates are immutable and only referenced.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/veridian-labs/mandate/pkg/canonical"
	"github.com/veridian-labs/mandate/pkg/mandate"
	"github.com/veridian-labs/mandate/pkg/store"
	"github.com/veridian-labs/mandate/pkg/webhook"
)

// Orchestrator composes the mandate services, the store and the
// settlement collaborator into the payment workflow.
type Orchestrator struct {
	intents    *mandate.IntentService
	carts      *mandate.CartService
	store      store.Store
	settlement SettlementClient
	audit      mandate.AuditLog
	logger     *slog.Logger
	now        func() time.Time

	maxAttempts   int
	baseBackoff   time.Duration
	settleTimeout time.Duration

	tracer    trace.Tracer
	completed metric.Int64Counter
	failed    metric.Int64Counter
	rejected  metric.Int64Counter
	settleLat metric.Float64Histogram
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxAttempts bounds settlement retries (default 3).
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) { o.maxAttempts = n }
}

// WithBackoff sets the base backoff between settlement retries.
func WithBackoff(d time.Duration) Option {
	return func(o *Orchestrator) { o.baseBackoff = d }
}

// WithSettlementTimeout bounds each individual settlement call.
func WithSettlementTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.settleTimeout = d }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New constructs the orchestrator.
func New(intents *mandate.IntentService, carts *mandate.CartService, st store.Store,
	settlement SettlementClient, auditLog mandate.AuditLog, opts ...Option) *Orchestrator {

	o := &Orchestrator{
		intents:       intents,
		carts:         carts,
		store:         st,
		settlement:    settlement,
		audit:         auditLog,
		logger:        slog.Default().With("component", "orchestrator"),
		now:           time.Now,
		maxAttempts:   3,
		baseBackoff:   250 * time.Millisecond,
		settleTimeout: 10 * time.Second,
		tracer:        otel.Tracer("workflow"),
	}
	meter := otel.Meter("workflow")
	o.completed, _ = meter.Int64Counter("payments.completed",
		metric.WithDescription("Settlements that reached PAYMENT_COMPLETED"))
	o.failed, _ = meter.Int64Counter("payments.failed",
		metric.WithDescription("Settlements that reached PAYMENT_FAILED"))
	o.rejected, _ = meter.Int64Counter("mandates.rejected",
		metric.WithDescription("Mandate verifications rejected"))
	o.settleLat, _ = meter.Float64Histogram("settlement.duration_seconds",
		metric.WithDescription("End-to-end settlement latency"))

	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateIntentMandate signs and persists a new intent mandate.
func (o *Orchestrator) CreateIntentMandate(ctx context.Context, p mandate.CreateIntentParams) (*mandate.IntentMandate, error) {
	return o.intents.Create(ctx, p)
}

// CreateCartMandate binds a new cart to an intent and verifies it,
// driving INTENT_CREATED -> INTENT_VERIFIED (on first presentation) and
// CART_CREATED -> CART_VERIFIED. On return the cart is ready for payment.
func (o *Orchestrator) CreateCartMandate(ctx context.Context, intentID string, items []mandate.LineItem) (*mandate.CartMandate, error) {
	ctx, span := o.tracer.Start(ctx, "workflow.create_cart",
		trace.WithAttributes(attribute.String("intent.id", intentID)))
	defer span.End()

	rec, err := o.intents.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if !rec.Verified {
		if err := o.intents.Verify(ctx, intentID); err != nil {
			o.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "intent")))
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	cart, err := o.carts.Create(ctx, intentID, items)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := o.carts.Verify(ctx, cart.ID); err != nil {
		o.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "cart")))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return cart, nil
}

// IdempotencyKey derives the settlement idempotency key for a cart.
// Deterministic across retries and workflow instances.
func IdempotencyKey(cartMandateID string) string {
	return canonical.HashBytes([]byte("settle:" + cartMandateID))[:32]
}

// ExecutePayment drives CART_VERIFIED -> PAYMENT_EXECUTING and on to a
// terminal state. Transient settlement failures are retried with bounded
// exponential backoff; an ambiguous outcome triggers a status query and
// never a blind retry.
func (o *Orchestrator) ExecutePayment(ctx context.Context, cartID, paymentMethodToken string) (*mandate.PaymentTransaction, error) {
	ctx, span := o.tracer.Start(ctx, "workflow.execute_payment",
		trace.WithAttributes(attribute.String("cart.id", cartID)))
	defer span.End()
	started := o.now()

	cartRec, err := o.store.GetCart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if cartRec.State != mandate.StateCartVerified {
		return nil, fmt.Errorf("%w: cart in state %s", mandate.ErrInvalidTransition, cartRec.State)
	}
	cart := &cartRec.Mandate
	now := o.now().UTC()
	if cart.Expired(now) {
		// Expiry discovered at execution time voids the cart and frees
		// the intent for a fresh attempt.
		_ = o.carts.Void(ctx, cartID, "expired before execution")
		return nil, mandate.ErrMandateExpired
	}

	// The transition is a compare-and-set so only one of two concurrent
	// callers dispatches a settlement.
	if err := o.store.TransitionCartState(ctx, cartID, mandate.StateCartVerified, mandate.StatePaymentExecuting); err != nil {
		return nil, err
	}

	tx := &mandate.PaymentTransaction{
		ID:             uuid.NewString(),
		CartMandateID:  cartID,
		Status:         mandate.TransactionPending,
		Amount:         cart.TotalAmount,
		IdempotencyKey: IdempotencyKey(cartID),
		CreatedAt:      now,
	}
	if err := o.store.PutTransaction(ctx, tx); err != nil {
		return nil, err
	}

	req := SettlementRequest{
		CartMandateID:      cartID,
		Amount:             cart.TotalAmount,
		IdempotencyKey:     tx.IdempotencyKey,
		PaymentMethodToken: paymentMethodToken,
	}

	err = o.settle(ctx, cart, tx, req)
	o.settleLat.Record(ctx, o.now().Sub(started).Seconds())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return tx, err
	}
	return tx, nil
}

// settle runs the retry loop and finalizes the transaction.
func (o *Orchestrator) settle(ctx context.Context, cart *mandate.CartMandate, tx *mandate.PaymentTransaction, req SettlementRequest) error {
	backoff := o.baseBackoff
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, o.settleTimeout)
		res, err := o.settlement.Execute(callCtx, req)
		cancel()

		switch {
		case err == nil && res.Status == SettlementCompleted:
			return o.complete(ctx, cart, tx, res.ProcessorReference)

		case err == nil && res.Status == SettlementFailed:
			return o.fail(ctx, cart, tx, res.Reason)

		case err == nil && res.Status == SettlementPending:
			// The call landed but has not settled; same resolution path
			// as an ambiguous outcome.
			return o.resolveUnknown(ctx, cart, tx)

		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil,
			errors.Is(err, mandate.ErrSettlementOutcomeUnknown):
			// Timeout with the payment possibly in flight: query status,
			// never blindly retry a payment whose outcome is unknown.
			return o.resolveUnknown(ctx, cart, tx)

		case errors.Is(err, mandate.ErrSettlementUnavailable):
			if attempt >= o.maxAttempts {
				return o.fail(ctx, cart, tx, "settlement unavailable, retries exhausted")
			}
			o.logger.WarnContext(ctx, "settlement unavailable, retrying",
				"cart_id", cart.ID, "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return o.resolveUnknown(ctx, cart, tx)
			case <-time.After(backoff):
			}
			backoff *= 2

		case errors.Is(err, mandate.ErrSettlementDeclined):
			return o.fail(ctx, cart, tx, err.Error())

		default:
			// The call was dispatched; a cancelled context or an
			// unclassified transport error leaves the outcome unknown.
			// Cancel means stop waiting, not that the charge is undone,
			// so the cart must not fail and free the intent's slot.
			return o.resolveUnknown(ctx, cart, tx)
		}
	}
}

// resolveUnknown handles the outcome-unknown sub-state: query the
// network's view of the idempotency key and finalize from that.
func (o *Orchestrator) resolveUnknown(ctx context.Context, cart *mandate.CartMandate, tx *mandate.PaymentTransaction) error {
	// The parent context may already be cancelled; resolution must still
	// run so a dispatched settlement is never abandoned.
	statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.settleTimeout)
	defer cancel()

	res, err := o.settlement.Status(statusCtx, tx.IdempotencyKey)
	if err != nil {
		return o.markUnknown(ctx, cart, tx, fmt.Sprintf("status query failed: %v", err))
	}
	switch res.Status {
	case SettlementCompleted:
		return o.complete(ctx, cart, tx, res.ProcessorReference)
	case SettlementFailed:
		return o.fail(ctx, cart, tx, res.Reason)
	default:
		return o.markUnknown(ctx, cart, tx, "settlement still pending")
	}
}

func (o *Orchestrator) markUnknown(ctx context.Context, cart *mandate.CartMandate, tx *mandate.PaymentTransaction, reason string) error {
	tx.Status = mandate.TransactionUnknown
	tx.FailureReason = reason
	if err := o.store.UpdateTransaction(ctx, tx); err != nil {
		o.logger.ErrorContext(ctx, "failed to record unknown outcome", "tx_id", tx.ID, "error", err)
	}
	// Cart stays in PAYMENT_EXECUTING; Resolve or an inbound webhook
	// finishes the job.
	o.logger.WarnContext(ctx, "settlement outcome unknown",
		"cart_id", cart.ID, "tx_id", tx.ID, "reason", reason)
	_ = o.audit.Append(cart.BusinessID, "payment.outcome_unknown", map[string]any{
		"cart_id": cart.ID, "transaction_id": tx.ID, "reason": reason,
	})
	return mandate.ErrSettlementOutcomeUnknown
}

func (o *Orchestrator) complete(ctx context.Context, cart *mandate.CartMandate, tx *mandate.PaymentTransaction, processorRef string) error {
	// Idempotency is verified, not assumed: a completed outcome whose
	// processor reference diverges from one recorded earlier for the
	// same key means two settlements may exist upstream.
	if tx.ProcessorReference != "" && processorRef != "" && tx.ProcessorReference != processorRef {
		return o.markUnknown(ctx, cart, tx,
			fmt.Sprintf("processor reference diverged: %s vs %s", tx.ProcessorReference, processorRef))
	}

	now := o.now().UTC()
	tx.Status = mandate.TransactionCompleted
	tx.ProcessorReference = processorRef
	tx.CompletedAt = &now
	tx.FailureReason = ""
	if err := o.store.UpdateTransaction(ctx, tx); err != nil {
		if errors.Is(err, store.ErrDuplicateCompletion) {
			// Another attempt already completed this cart; this one must
			// not produce a second COMPLETED transaction.
			return o.markUnknown(ctx, cart, tx, "another transaction already completed this cart")
		}
		return err
	}
	if err := o.store.SetCartState(ctx, cart.ID, mandate.StatePaymentCompleted); err != nil {
		return err
	}
	if err := o.store.MarkIntentConsumed(ctx, cart.IntentMandateID); err != nil {
		return err
	}

	o.completed.Add(ctx, 1)
	o.logger.InfoContext(ctx, "payment completed",
		"cart_id", cart.ID, "tx_id", tx.ID, "amount", tx.Amount.String(), "processor_ref", processorRef)
	_ = o.audit.Append(cart.BusinessID, "payment.completed", map[string]any{
		"cart_id": cart.ID, "intent_id": cart.IntentMandateID,
		"transaction_id": tx.ID, "processor_ref": processorRef, "amount": tx.Amount.String(),
	})
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, cart *mandate.CartMandate, tx *mandate.PaymentTransaction, reason string) error {
	tx.Status = mandate.TransactionFailed
	tx.FailureReason = reason
	if err := o.store.UpdateTransaction(ctx, tx); err != nil {
		return err
	}
	if err := o.store.SetCartState(ctx, cart.ID, mandate.StatePaymentFailed); err != nil {
		return err
	}
	// Free the intent's slot so a new cart may be attempted while the
	// intent is still valid.
	if err := o.store.ReleaseCart(ctx, cart.IntentMandateID, cart.ID); err != nil {
		o.logger.ErrorContext(ctx, "failed to release cart slot", "cart_id", cart.ID, "error", err)
	}

	o.failed.Add(ctx, 1)
	o.logger.WarnContext(ctx, "payment failed", "cart_id", cart.ID, "tx_id", tx.ID, "reason", reason)
	_ = o.audit.Append(cart.BusinessID, "payment.failed", map[string]any{
		"cart_id": cart.ID, "intent_id": cart.IntentMandateID,
		"transaction_id": tx.ID, "reason": reason,
	})
	return fmt.Errorf("%w: %s", mandate.ErrSettlementDeclined, reason)
}

// Resolve finalizes a cart stuck in PAYMENT_EXECUTING after an unknown
// outcome, by querying settlement status.
func (o *Orchestrator) Resolve(ctx context.Context, cartID string) error {
	cartRec, err := o.store.GetCart(ctx, cartID)
	if err != nil {
		return err
	}
	if cartRec.State != mandate.StatePaymentExecuting {
		return fmt.Errorf("%w: cart in state %s", mandate.ErrInvalidTransition, cartRec.State)
	}
	tx, err := o.latestTransaction(ctx, cartID)
	if err != nil {
		return err
	}
	return o.resolveUnknown(ctx, &cartRec.Mandate, tx)
}

// Void cancels a non-terminal cart. An already-dispatched settlement
// still resolves through Resolve or the webhook path.
func (o *Orchestrator) Void(ctx context.Context, cartID, reason string) error {
	return o.carts.Void(ctx, cartID, reason)
}

// HandleWebhook applies a validated payment-status delivery. The
// envelope must have passed webhook.Validator first; this method trusts
// its fields.
func (o *Orchestrator) HandleWebhook(ctx context.Context, env *webhook.Envelope) error {
	cartID, _ := env.Data["cartMandateId"].(string)
	if cartID == "" {
		return fmt.Errorf("%w: delivery %s carries no cartMandateId", mandate.ErrNotFound, env.ID)
	}
	cartRec, err := o.store.GetCart(ctx, cartID)
	if err != nil {
		return err
	}
	if cartRec.Mandate.BusinessID != env.BusinessID {
		_ = o.audit.Append(env.BusinessID, "webhook.business_mismatch", map[string]any{
			"delivery_id": env.ID, "cart_id": cartID,
		})
		return fmt.Errorf("%w: delivery business %s does not own cart %s", mandate.ErrMandateInvalid, env.BusinessID, cartID)
	}

	tx, err := o.latestTransaction(ctx, cartID)
	if err != nil {
		return err
	}
	if cartRec.State.Terminal() {
		// Late notification for a finished cart: audit, no state change.
		_ = o.audit.Append(env.BusinessID, "webhook.after_terminal", map[string]any{
			"delivery_id": env.ID, "cart_id": cartID, "state": string(cartRec.State), "type": env.Type,
		})
		return nil
	}

	switch env.Type {
	case "payment.completed":
		ref, _ := env.Data["processorReference"].(string)
		return o.complete(ctx, &cartRec.Mandate, tx, ref)
	case "payment.failed":
		reason, _ := env.Data["reason"].(string)
		return o.fail(ctx, &cartRec.Mandate, tx, reason)
	default:
		o.logger.InfoContext(ctx, "ignoring webhook type", "type", env.Type, "delivery_id", env.ID)
		return nil
	}
}

func (o *Orchestrator) latestTransaction(ctx context.Context, cartID string) (*mandate.PaymentTransaction, error) {
	txs, err := o.store.TransactionsByCart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("%w: no transactions for cart %s", mandate.ErrNotFound, cartID)
	}
	return txs[len(txs)-1], nil
}
