package workflow

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/veridian-labs/mandate/pkg/mandate"
	"github.com/veridian-labs/mandate/pkg/money"
)

// SettlementStatus is the payment network's reported outcome.
type SettlementStatus string

const (
	SettlementCompleted SettlementStatus = "completed"
	SettlementFailed    SettlementStatus = "failed"
	SettlementPending   SettlementStatus = "pending"
)

// SettlementRequest is the outbound settlement payload.
type SettlementRequest struct {
	CartMandateID      string      `json:"cartMandateId"`
	Amount             money.Money `json:"amount"`
	IdempotencyKey     string      `json:"idempotencyKey"`
	PaymentMethodToken string      `json:"paymentMethodToken"`
}

// SettlementResult is the network's response.
type SettlementResult struct {
	Status             SettlementStatus `json:"status"`
	ProcessorReference string           `json:"processorReference"`
	Reason             string           `json:"reason,omitempty"`
}

// SettlementClient is the payment-network collaborator. Execute must
// honor context cancellation as "stop waiting": the external side effect
// may still occur, which is why Status exists.
//
// Execute errors: wrap mandate.ErrSettlementUnavailable for transient
// failures (retryable with backoff) and mandate.ErrSettlementDeclined
// for non-retryable rejections. A context deadline means the outcome is
// unknown and must be resolved through Status, never by a blind retry.
type SettlementClient interface {
	Execute(ctx context.Context, req SettlementRequest) (SettlementResult, error)
	Status(ctx context.Context, idempotencyKey string) (SettlementResult, error)
}

// RateLimitedClient wraps a SettlementClient with an outbound rate limit.
type RateLimitedClient struct {
	inner   SettlementClient
	limiter *rate.Limiter
}

// NewRateLimitedClient caps outbound settlement calls at rps with the
// given burst.
func NewRateLimitedClient(inner SettlementClient, rps float64, burst int) *RateLimitedClient {
	return &RateLimitedClient{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (c *RateLimitedClient) Execute(ctx context.Context, req SettlementRequest) (SettlementResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return SettlementResult{}, fmt.Errorf("%w: rate limiter: %v", mandate.ErrSettlementOutcomeUnknown, err)
	}
	return c.inner.Execute(ctx, req)
}

func (c *RateLimitedClient) Status(ctx context.Context, idempotencyKey string) (SettlementResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return SettlementResult{}, err
	}
	return c.inner.Status(ctx, idempotencyKey)
}

// StubSettlement is an in-process settlement network with programmable
// behavior, used by the demo binary and tests. It honors idempotency:
// repeated Execute calls with a known key return the recorded outcome.
type StubSettlement struct {
	mu       sync.Mutex
	outcomes map[string]SettlementResult // idempotency key -> final outcome
	calls    map[string]int

	// Behavior hooks; nil means "complete immediately".
	ExecuteFunc func(req SettlementRequest, attempt int) (SettlementResult, error)
}

// NewStubSettlement creates an empty stub.
func NewStubSettlement() *StubSettlement {
	return &StubSettlement{
		outcomes: make(map[string]SettlementResult),
		calls:    make(map[string]int),
	}
}

func (s *StubSettlement) Execute(_ context.Context, req SettlementRequest) (SettlementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.outcomes[req.IdempotencyKey]; ok {
		return res, nil
	}
	s.calls[req.IdempotencyKey]++

	if s.ExecuteFunc != nil {
		res, err := s.ExecuteFunc(req, s.calls[req.IdempotencyKey])
		if err != nil {
			return res, err
		}
		if res.Status != SettlementPending {
			s.outcomes[req.IdempotencyKey] = res
		}
		return res, nil
	}

	res := SettlementResult{
		Status:             SettlementCompleted,
		ProcessorReference: "stub-" + req.IdempotencyKey,
	}
	s.outcomes[req.IdempotencyKey] = res
	return res, nil
}

func (s *StubSettlement) Status(_ context.Context, idempotencyKey string) (SettlementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.outcomes[idempotencyKey]; ok {
		return res, nil
	}
	return SettlementResult{Status: SettlementPending}, nil
}

// Record fixes the outcome for an idempotency key (tests).
func (s *StubSettlement) Record(idempotencyKey string, res SettlementResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[idempotencyKey] = res
}

// Calls returns how many Execute attempts reached the network for a key.
func (s *StubSettlement) Calls(idempotencyKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[idempotencyKey]
}
