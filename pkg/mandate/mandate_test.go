package mandate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veridian-labs/mandate/pkg/audit"
	"github.com/veridian-labs/mandate/pkg/keys"
	"github.com/veridian-labs/mandate/pkg/mandate"
	"github.com/veridian-labs/mandate/pkg/money"
	"github.com/veridian-labs/mandate/pkg/replayguard"
	"github.com/veridian-labs/mandate/pkg/store"
)

const (
	testAgent    = "agent-test"
	testBusiness = "biz-test"
	testUser     = "user-test"
)

// testEnv wires the services against in-memory infrastructure with a
// controllable clock.
type testEnv struct {
	mu      sync.Mutex
	current time.Time

	keys    *keys.Manager
	signer  *mandate.Signer
	store   *store.MemoryStore
	guard   *replayguard.MemoryGuard
	audit   *audit.MemoryLog
	intents *mandate.IntentService
	carts   *mandate.CartService
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

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	km, err := keys.NewManager(keys.WithClock(env.now))
	require.NoError(t, err)
	_, err = km.GenerateKey(testAgent)
	require.NoError(t, err)
	_, err = km.GenerateKey(testBusiness)
	require.NoError(t, err)

	env.keys = km
	env.signer = mandate.NewSigner(km)
	env.store = store.NewMemoryStore(20 * time.Minute)
	env.guard = replayguard.NewMemoryGuard(20 * time.Minute)
	t.Cleanup(env.guard.Close)
	env.audit = audit.NewMemoryLog()

	env.intents = mandate.NewIntentService(env.signer, env.store, env.guard, env.audit,
		mandate.WithIntentClock(env.now))
	env.carts = mandate.NewCartService(env.signer, env.store, env.audit,
		mandate.WithCartClock(env.now))
	return env
}

func (e *testEnv) createIntent(t *testing.T, maxAmount string) *mandate.IntentMandate {
	t.Helper()
	max, err := money.Parse(maxAmount, "USD")
	require.NoError(t, err)
	m, err := e.intents.Create(context.Background(), mandate.CreateIntentParams{
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

func (e *testEnv) createVerifiedIntent(t *testing.T, maxAmount string) *mandate.IntentMandate {
	t.Helper()
	m := e.createIntent(t, maxAmount)
	require.NoError(t, e.intents.Verify(context.Background(), m.ID))
	return m
}

func (e *testEnv) auditActions(t *testing.T) []string {
	t.Helper()
	events, err := e.audit.Entries()
	require.NoError(t, err)
	actions := make([]string, 0, len(events))
	for _, ev := range events {
		actions = append(actions, ev.Action)
	}
	return actions
}

func usdItems(unit string, qty int64) []mandate.LineItem {
	amount, _ := money.Parse(unit, "USD")
	return []mandate.LineItem{{Description: "item", UnitAmount: amount, Quantity: qty}}
}
