package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-labs/mandate/pkg/audit"
	"github.com/veridian-labs/mandate/pkg/keys"
	"github.com/veridian-labs/mandate/pkg/mandate"
	"github.com/veridian-labs/mandate/pkg/money"
	"github.com/veridian-labs/mandate/pkg/replayguard"
	"github.com/veridian-labs/mandate/pkg/store"
	"github.com/veridian-labs/mandate/pkg/webhook"
	"github.com/veridian-labs/mandate/pkg/workflow"
)

const (
	testAgent    = "agent-test"
	testBusiness = "biz-test"
	testUser     = "user-test"
)

type testEnv struct {
	mu      sync.Mutex
	current time.Time

	store *store.MemoryStore
	audit *audit.MemoryLog
	orch  *workflow.Orchestrator
}

func (e *testEnv) now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = e.current.Add(d)
}

func newTestEnv(t *testing.T, settlement workflow.SettlementClient) *testEnv {
	t.Helper()

	env := &testEnv{current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	km, err := keys.NewManager(keys.WithClock(env.now))
	require.NoError(t, err)
	_, err = km.GenerateKey(testAgent)
	require.NoError(t, err)
	_, err = km.GenerateKey(testBusiness)
	require.NoError(t, err)

	signer := mandate.NewSigner(km)
	env.store = store.NewMemoryStore(20 * time.Minute)
	guard := replayguard.NewMemoryGuard(20 * time.Minute)
	t.Cleanup(guard.Close)
	env.audit = audit.NewMemoryLog()

	intents := mandate.NewIntentService(signer, env.store, guard, env.audit,
		mandate.WithIntentClock(env.now))
	carts := mandate.NewCartService(signer, env.store, env.audit,
		mandate.WithCartClock(env.now))

	env.orch = workflow.New(intents, carts, env.store, settlement, env.audit,
		workflow.WithClock(env.now),
		workflow.WithBackoff(time.Millisecond),
		workflow.WithSettlementTimeout(100*time.Millisecond))
	return env
}

func (e *testEnv) createIntent(t *testing.T, maxAmount string) *mandate.IntentMandate {
	t.Helper()
	max, err := money.Parse(maxAmount, "USD")
	require.NoError(t, err)
	m, err := e.orch.CreateIntentMandate(context.Background(), mandate.CreateIntentParams{
		UserID:      testUser,
		AgentID:     testAgent,
		BusinessID:  testBusiness,
		Description: "coffee subscription",
		MaxAmount:   max,
		TTL:         10 * time.Minute,
	})
	require.NoError(t, err)
	return m
}

func usdItems(unit string, qty int64) []mandate.LineItem {
	amount, _ := money.Parse(unit, "USD")
	return []mandate.LineItem{{Description: "item", UnitAmount: amount, Quantity: qty}}
}

func (e *testEnv) cartState(t *testing.T, cartID string) mandate.State {
	t.Helper()
	rec, err := e.store.GetCart(context.Background(), cartID)
	require.NoError(t, err)
	return rec.State
}

// fakeSettlement is a programmable collaborator for failure-path tests.
type fakeSettlement struct {
	mu       sync.Mutex
	attempts int
	execute  func(attempt int) (workflow.SettlementResult, error)
	status   func() (workflow.SettlementResult, error)
}

func (f *fakeSettlement) Execute(_ context.Context, _ workflow.SettlementRequest) (workflow.SettlementResult, error) {
	f.mu.Lock()
	f.attempts++
	n := f.attempts
	f.mu.Unlock()
	return f.execute(n)
}

func (f *fakeSettlement) Status(_ context.Context, _ string) (workflow.SettlementResult, error) {
	if f.status == nil {
		return workflow.SettlementResult{Status: workflow.SettlementPending}, nil
	}
	return f.status()
}

func (f *fakeSettlement) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func TestExecutePaymentHappyPath(t *testing.T) {
	stub := workflow.NewStubSettlement()
	env := newTestEnv(t, stub)
	ctx := context.Background()

	intent := env.createIntent(t, "100.00")
	cart, err := env.orch.CreateCartMandate(ctx, intent.ID, usdItems("50.00", 2))
	require.NoError(t, err)
	assert.Equal(t, mandate.StateCartVerified, env.cartState(t, cart.ID))

	tx, err := env.orch.ExecutePayment(ctx, cart.ID, "tok_visa")
	require.NoError(t, err)
	assert.Equal(t, mandate.TransactionCompleted, tx.Status)
	assert.NotEmpty(t, tx.ProcessorReference)
	assert.Equal(t, workflow.IdempotencyKey(cart.ID), tx.IdempotencyKey)
	assert.Equal(t, mandate.StatePaymentCompleted, env.cartState(t, cart.ID))

	// Exactly one settlement reached the network.
	assert.Equal(t, 1, stub.Calls(tx.IdempotencyKey))

	// The intent is consumed; no further carts.
	intentRec, err := env.store.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.True(t, intentRec.Consumed)

	_, err = env.orch.CreateCartMandate(ctx, intent.ID, usdItems("10.00", 1))
	assert.ErrorIs(t, err, mandate.ErrIntentConsumed)
}

func TestCreateCartMandateVerifiesIntentOnce(t *testing.T) {
	env := newTestEnv(t, workflow.NewStubSettlement())
	ctx := context.Background()

	intent := env.createIntent(t, "100.00")
	cart, err := env.orch.CreateCartMandate(ctx, intent.ID, usdItems("10.00", 1))
	require.NoError(t, err)

	// The second cart reuses the already-verified intent; re-presenting
	// the nonce would otherwise trip the replay guard.
	require.NoError(t, env.orch.Void(ctx, cart.ID, "retry"))
	_, err = env.orch.CreateCartMandate(ctx, intent.ID, usdItems("20.00", 1))
	assert.NoError(t, err)
}

func TestCreateCartMandateOverLimit(t *testing.T) {
	env := newTestEnv(t, workflow.NewStubSettlement())
	ctx := context.Background()

	intent := env.createIntent(t, "100.00")
	_, err := env.orch.CreateCartMandate(ctx, intent.ID, usdItems("100.01", 1))
	assert.ErrorIs(t, err, mandate.ErrAmountExceedsIntent)

	// The intent stays usable after the rejection.
	_, err = env.orch.CreateCartMandate(ctx, intent.ID, usdItems("100.00", 1))
	assert.NoError(t, err)
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	a := workflow.IdempotencyKey("cart-1")
	assert.Equal(t, a, workflow.IdempotencyKey("cart-1"))
	assert.NotEqual(t, a, workflow.IdempotencyKey("cart-2"))
	assert.Len(t, a, 32)
}

func TestSettlementRetriesThenSucceeds(t *testing.T) {
	fake := &fakeSettlement{
		execute: func(attempt int) (workflow.SettlementResult, error) {
			if attempt < 3 {
				return workflow.SettlementResult{}, fmt.Errorf("%w: 503", mandate.ErrSettlementUnavailable)
			}
			return workflow.SettlementResult{
				Status:             workflow.SettlementCompleted,
				ProcessorReference: "proc-1",
			}, nil
		},
	}
	env := newTestEnv(t, fake)
	ctx := context.Background()

	intent := env.createIntent(t, "100.00")
	cart, err := env.orch.CreateCartMandate(ctx, intent.ID, usdItems("50.00", 1))
	require.NoError(t, err)

	tx, err := env.orch.ExecutePayment(ctx, cart.ID, "tok_visa")
	require.NoError(t, err)
	assert.Equal(t, mandate.TransactionCompleted, tx.Status)
	assert.Equal(t, "proc-1", tx.ProcessorReference)
	assert.Equal(t, 3, fake.calls())
}

func TestSettlementRetriesExhausted(t *testing.T) {
	fake := &fakeSettlement{
		execute: func(int) (workflow.SettlementResult, error) {
			return workflow.SettlementResult{}, mandate.ErrSettlementUnavailable
		},
	}
	env := newTestEnv(t, fake)
	ctx := context.Background()

	intent := env.createIntent(t, "100.00")
	cart, err := env.orch.CreateCartMandate(ctx, intent.ID, usdItems("50.00", 1))
	require.NoError(t, err)

	tx, err := env.orch.ExecutePayment(ctx, cart.ID, "tok_visa")
	assert.ErrorIs(t, err, mandate.ErrSettlementDeclined)
	assert.Equal(t, mandate.TransactionFailed, tx.Status)
	assert.Equal(t, mandate.StatePaymentFailed, env.cartState(t, cart.ID))
	assert.Equal(t, 3, fake.calls())

	// The failure released the slot; the intent admits a fresh cart.
	_, err = env.orch.CreateCartMandate(ctx, intent.ID, usdItems("25.00", 1))
	assert.NoError(t, err)
}

func TestSettlementDeclined(t *testing.T) {
	fake := &fakeSettlement{
		execute: func(int) (workflow.SettlementResult, error) {
			return workflow.SettlementResult{
				Status: workflow.SettlementFailed,
				Reason: "insufficient funds",
			}, nil
		},
	}
	env := newTestEnv(t, fake)
	ctx := context.Background()

	intent := env.createIntent(t, "100.00")
	cart, err := env.orch.CreateCartMandate(ctx, intent.ID, usdItems("50.00", 1))
	require.NoError(t, err)

	tx, err := env.orch.ExecutePayment(ctx, cart.ID, "tok_visa")
	assert.ErrorIs(t, err, mandate.ErrSettlementDeclined)
	assert.Contains(t, err.Error(), "insufficient funds")
	assert.Equal(t, mandate.TransactionFailed, tx.Status)
	assert.Equal(t, 1, fake.calls(), "declines are never retried")
}

// A settlement timeout means the payment may exist upstream; the
// orchestrator must query status, never re-dispatch.
func TestUnknownOutcomeResolvedByStatusQuery(t *testing.T) {
	fake := &fakeSettlement{
		execute: func(int) (workflow.SettlementResult, error) {
			return workflow.SettlementResult{}, context.DeadlineExceeded
		},
		status: func() (workflow.SettlementResult, error) {
			return workflow.SettlementResult{
				Status:             workflow.SettlementCompleted,
				ProcessorReference: "proc-late",
			}, nil
		},
	}
	env := newTestEnv(t, fake)
	ctx := context.Background()

	intent := env.createIntent(t, "100.00")
	cart, err := env.orch.CreateCartMandate(ctx, intent.ID, usdItems("50.00", 1))
	require.NoError(t, err)

	tx, err := env.orch.ExecutePayment(ctx, cart.ID, "tok_visa")
	require.NoError(t, err)
	assert.Equal(t, mandate.TransactionCompleted, tx.Status)
	assert.Equal(t, "proc-late", tx.ProcessorReference)
	assert.Equal(t, 1, fake.calls(), "an unknown outcome is never blindly retried")
	assert.Equal(t, mandate.StatePaymentCompleted, env.cartState(t, cart.ID))
}

func TestUnknownOutcomeStaysPendingUntilResolve(t *testing.T) {
	var settled bool
	var mu sync.Mutex
	fake := &fakeSettlement{
		execute: func(int) (workflow.SettlementResult, error) {
			return workflow.SettlementResult{}, context.DeadlineExceeded
		},
	}
	fake.status = func() (workflow.SettlementResult, error) {
		mu.Lock()
		defer mu.Unlock()
		if settled {
			return workflow.SettlementResult{
				Status:             workflow.SettlementCompleted,
				ProcessorReference: "proc-resolved",
			}, nil
		}
		return workflow.SettlementResult{Status: workflow.SettlementPending}, nil
	}
	env := newTestEnv(t, fake)
	ctx := context.Background()

	intent := env.createIntent(t, "100.00")
	cart, err := env.orch.CreateCartMandate(ctx, intent.ID, usdItems("50.00", 1))
	require.NoError(t, err)

	tx, err := env.orch.ExecutePayment(ctx, cart.ID, "tok_visa")
	assert.ErrorIs(t, err, mandate.ErrSettlementOutcomeUnknown)
	assert.Equal(t, mandate.TransactionUnknown, tx.Status)

	// The cart is parked in PAYMENT_EXECUTING, not failed: failing it
	// would free the intent while a settlement may still land.
	assert.Equal(t, mandate.StatePaymentExecuting, env.cartState(t, cart.ID))

	// Once the network reports an outcome, Resolve finalizes.
	mu.Lock()
	settled = true
	mu.Unlock()
	require.NoError(t, env.orch.Resolve(ctx, cart.ID))
	assert.Equal(t, mandate.StatePaymentCompleted, env.cartState(t, cart.ID))

	got, err := env.store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, mandate.TransactionCompleted, got.Status)
	assert.Equal(t, "proc-resolved", got.ProcessorReference)
}

// A caller that gives up while Execute is in flight must not fail the
// cart: the dispatched charge may still land upstream, and failing would
// free the intent's slot for a second cart against the same funds.
func TestCancelledExecuteLeavesOutcomeUnknown(t *testing.T) {
	fake := &fakeSettlement{
		execute: func(int) (workflow.SettlementResult, error) {
			return workflow.SettlementResult{}, context.Canceled
		},
	}
	env := newTestEnv(t, fake)
	ctx := context.Background()

	intent := env.createIntent(t, "100.00")
	cart, err := env.orch.CreateCartMandate(ctx, intent.ID, usdItems("50.00", 1))
	require.NoError(t, err)

	tx, err := env.orch.ExecutePayment(ctx, cart.ID, "tok_visa")
	assert.ErrorIs(t, err, mandate.ErrSettlementOutcomeUnknown)
	assert.Equal(t, mandate.TransactionUnknown, tx.Status)
	assert.Equal(t, mandate.StatePaymentExecuting, env.cartState(t, cart.ID))
	assert.Equal(t, 1, fake.calls())

	// The slot stays held until the outcome is known.
	_, err = env.orch.CreateCartMandate(ctx, intent.ID, usdItems("10.00", 1))
	assert.ErrorIs(t, err, mandate.ErrCartAlreadyActive)
}

func TestUnclassifiedExecuteErrorResolvedByStatusQuery(t *testing.T) {
	fake := &fakeSettlement{
		execute: func(int) (workflow.SettlementResult, error) {
			return workflow.SettlementResult{}, errors.New("connection reset by peer")
		},
		status: func() (workflow.SettlementResult, error) {
			return workflow.SettlementResult{
				Status:             workflow.SettlementCompleted,
				ProcessorReference: "proc-reset",
			}, nil
		},
	}
	env := newTestEnv(t, fake)
	ctx := context.Background()

	intent := env.createIntent(t, "100.00")
	cart, err := env.orch.CreateCartMandate(ctx, intent.ID, usdItems("50.00", 1))
	require.NoError(t, err)

	tx, err := env.orch.ExecutePayment(ctx, cart.ID, "tok_visa")
	require.NoError(t, err)
	assert.Equal(t, mandate.TransactionCompleted, tx.Status)
	assert.Equal(t, "proc-reset", tx.ProcessorReference)
	assert.Equal(t, 1, fake.calls(), "a transport error after dispatch is never blindly retried")
	assert.Equal(t, mandate.StatePaymentCompleted, env.cartState(t, cart.ID))
}

func TestConcurrentExecutePaymentSingleDispatch(t *testing.T) {
	block := make(chan struct{})
	fake := &fakeSettlement{
		execute: func(int) (workflow.SettlementResult, error) {
			<-block
			return workflow.SettlementResult{
				Status:             workflow.SettlementCompleted,
				ProcessorReference: "proc-1",
			}, nil
		},
	}
	env := newTestEnv(t, fake)
	ctx := context.Background()

	intent := env.createIntent(t, "100.00")
	cart, err := env.orch.CreateCartMandate(ctx, intent.ID, usdItems("50.00", 1))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.orch.ExecutePayment(ctx, cart.ID, "tok_visa")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(block)
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, mandate.ErrInvalidTransition):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, lost)
	assert.Equal(t, 1, fake.calls())
	assert.Equal(t, mandate.StatePaymentCompleted, env.cartState(t, cart.ID))
}

func TestResolveRequiresExecutingState(t *testing.T) {
	env := newTestEnv(t, workflow.NewStubSettlement())
	ctx := context.Background()

	intent := env.createIntent(t, "100.00")
	cart, err := env.orch.CreateCartMandate(ctx, intent.ID, usdItems("50.00", 1))
	require.NoError(t, err)

	err = env.orch.Resolve(ctx, cart.ID)
	assert.ErrorIs(t, err, mandate.ErrInvalidTransition)
}

func TestExecutePaymentRequiresVerifiedCart(t *testing.T) {
	env := newTestEnv(t, workflow.NewStubSettlement())
	ctx := context.Background()

	intent := env.createIntent(t, "100.00")
	cart, err := env.orch.CreateCartMandate(ctx, intent.ID, usdItems("50.00", 1))
	require.NoError(t, err)
	require.NoError(t, env.orch.Void(ctx, cart.ID, "cancelled"))

	_, err = env.orch.ExecutePayment(ctx, cart.ID, "tok_visa")
	assert.ErrorIs(t, err, mandate.ErrInvalidTransition)
}

func TestExecutePaymentExpiredCart(t *testing.T) {
	env := newTestEnv(t, workflow.NewStubSettlement())
	ctx := context.Background()

	intent := env.createIntent(t, "100.00")
	cart, err := env.orch.CreateCartMandate(ctx, intent.ID, usdItems("50.00", 1))
	require.NoError(t, err)

	env.advance(6 * time.Minute)
	_, err = env.orch.ExecutePayment(ctx, cart.ID, "tok_visa")
	assert.ErrorIs(t, err, mandate.ErrMandateExpired)
	assert.Equal(t, mandate.StateVoided, env.cartState(t, cart.ID))

	// The slot is free and the intent still has 4 minutes to live.
	_, err = env.orch.CreateCartMandate(ctx, intent.ID, usdItems("25.00", 1))
	assert.NoError(t, err)
}

func webhookEnvelope(cartID, eventType string, extra map[string]any) *webhook.Envelope {
	data := map[string]any{"cartMandateId": cartID}
	for k, v := range extra {
		data[k] = v
	}
	return &webhook.Envelope{
		Type:       eventType,
		ID:         "evt_1",
		Created:    time.Now().Unix(),
		Data:       data,
		BusinessID: testBusiness,
	}
}

func TestHandleWebhookCompletesExecutingCart(t *testing.T) {
	fake := &fakeSettlement{
		execute: func(int) (workflow.SettlementResult, error) {
			return workflow.SettlementResult{}, context.DeadlineExceeded
		},
	}
	env := newTestEnv(t, fake)
	ctx := context.Background()

	intent := env.createIntent(t, "100.00")
	cart, err := env.orch.CreateCartMandate(ctx, intent.ID, usdItems("50.00", 1))
	require.NoError(t, err)

	_, err = env.orch.ExecutePayment(ctx, cart.ID, "tok_visa")
	require.ErrorIs(t, err, mandate.ErrSettlementOutcomeUnknown)

	delivery := webhookEnvelope(cart.ID, "payment.completed", map[string]any{"processorReference": "proc-wh"})
	require.NoError(t, env.orch.HandleWebhook(ctx, delivery))
	assert.Equal(t, mandate.StatePaymentCompleted, env.cartState(t, cart.ID))

	intentRec, err := env.store.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.True(t, intentRec.Consumed)

	// A duplicate delivery for the finished cart changes nothing.
	require.NoError(t, env.orch.HandleWebhook(ctx, delivery))
	assert.Equal(t, mandate.StatePaymentCompleted, env.cartState(t, cart.ID))
}

func TestHandleWebhookFailsExecutingCart(t *testing.T) {
	fake := &fakeSettlement{
		execute: func(int) (workflow.SettlementResult, error) {
			return workflow.SettlementResult{}, context.DeadlineExceeded
		},
	}
	env := newTestEnv(t, fake)
	ctx := context.Background()

	intent := env.createIntent(t, "100.00")
	cart, err := env.orch.CreateCartMandate(ctx, intent.ID, usdItems("50.00", 1))
	require.NoError(t, err)
	_, err = env.orch.ExecutePayment(ctx, cart.ID, "tok_visa")
	require.ErrorIs(t, err, mandate.ErrSettlementOutcomeUnknown)

	envFail := webhookEnvelope(cart.ID, "payment.failed", map[string]any{"reason": "card declined"})
	err = env.orch.HandleWebhook(ctx, envFail)
	assert.ErrorIs(t, err, mandate.ErrSettlementDeclined)
	assert.Equal(t, mandate.StatePaymentFailed, env.cartState(t, cart.ID))
}

func TestHandleWebhookBusinessMismatch(t *testing.T) {
	env := newTestEnv(t, workflow.NewStubSettlement())
	ctx := context.Background()

	intent := env.createIntent(t, "100.00")
	cart, err := env.orch.CreateCartMandate(ctx, intent.ID, usdItems("50.00", 1))
	require.NoError(t, err)
	_, err = env.orch.ExecutePayment(ctx, cart.ID, "tok_visa")
	require.NoError(t, err)

	envelope := webhookEnvelope(cart.ID, "payment.completed", nil)
	envelope.BusinessID = "biz-impostor"
	err = env.orch.HandleWebhook(ctx, envelope)
	assert.ErrorIs(t, err, mandate.ErrMandateInvalid)
}

func TestHandleWebhookUnknownCart(t *testing.T) {
	env := newTestEnv(t, workflow.NewStubSettlement())

	err := env.orch.HandleWebhook(context.Background(), webhookEnvelope("no-such-cart", "payment.completed", nil))
	assert.ErrorIs(t, err, mandate.ErrNotFound)

	envelope := webhookEnvelope("", "payment.completed", nil)
	envelope.Data = map[string]any{}
	err = env.orch.HandleWebhook(context.Background(), envelope)
	assert.ErrorIs(t, err, mandate.ErrNotFound)
}

func TestRateLimitedClientPassesThrough(t *testing.T) {
	stub := workflow.NewStubSettlement()
	limited := workflow.NewRateLimitedClient(stub, 100, 10)

	res, err := limited.Execute(context.Background(), workflow.SettlementRequest{
		CartMandateID:  "cart-1",
		Amount:         money.New(100, "USD"),
		IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.SettlementCompleted, res.Status)

	// A cancelled wait surfaces as outcome-unknown, not as a retryable error.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = limited.Execute(cancelled, workflow.SettlementRequest{IdempotencyKey: "idem-2"})
	assert.ErrorIs(t, err, mandate.ErrSettlementOutcomeUnknown)
	assert.False(t, errors.Is(err, mandate.ErrSettlementUnavailable))
}

func TestStubSettlementIdempotency(t *testing.T) {
	stub := workflow.NewStubSettlement()
	ctx := context.Background()

	req := workflow.SettlementRequest{IdempotencyKey: "idem-1", CartMandateID: "cart-1"}
	first, err := stub.Execute(ctx, req)
	require.NoError(t, err)
	second, err := stub.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ProcessorReference, second.ProcessorReference)
	assert.Equal(t, 1, stub.Calls("idem-1"))

	status, err := stub.Status(ctx, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.SettlementCompleted, status.Status)

	status, err = stub.Status(ctx, "never-seen")
	require.NoError(t, err)
	assert.Equal(t, workflow.SettlementPending, status.Status)
}
