package mandate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veridian-labs/mandate/pkg/money"
)

// ReplayGuard rejects nonces seen within the trailing replay window.
// CheckAndRecord must be a single atomic operation.
type ReplayGuard interface {
	CheckAndRecord(ctx context.Context, nonce string, ts time.Time) (bool, error)
}

// AuditLog records security-relevant events for dispute resolution.
type AuditLog interface {
	Append(actor, action string, payload any) error
}

// IntentStore is the persistence the intent service needs.
type IntentStore interface {
	PutIntent(ctx context.Context, rec *IntentRecord) error
	GetIntent(ctx context.Context, id string) (*IntentRecord, error)
	MarkIntentVerified(ctx context.Context, id string) error
}

// CreateIntentParams are the caller-supplied fields of a new intent mandate.
type CreateIntentParams struct {
	UserID      string
	AgentID     string
	BusinessID  string
	Description string
	MaxAmount   money.Money
	TTL         time.Duration
}

// IntentService creates and validates intent mandates.
type IntentService struct {
	signer *Signer
	store  IntentStore
	guard  ReplayGuard
	audit  AuditLog
	logger *slog.Logger
	maxTTL time.Duration
	now    func() time.Time
}

// IntentServiceOption configures an IntentService.
type IntentServiceOption func(*IntentService)

// WithIntentClock overrides the time source (tests).
func WithIntentClock(now func() time.Time) IntentServiceOption {
	return func(s *IntentService) { s.now = now }
}

// WithMaxIntentTTL caps the TTL a caller may request. The key manager's
// rotation grace period and the replay window must both cover this value.
func WithMaxIntentTTL(d time.Duration) IntentServiceOption {
	return func(s *IntentService) { s.maxTTL = d }
}

// NewIntentService constructs the service.
func NewIntentService(signer *Signer, store IntentStore, guard ReplayGuard, audit AuditLog, opts ...IntentServiceOption) *IntentService {
	s := &IntentService{
		signer: signer,
		store:  store,
		guard:  guard,
		audit:  audit,
		logger: slog.Default().With("component", "intent_service"),
		maxTTL: 15 * time.Minute,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create signs and persists a new intent mandate in INTENT_CREATED state.
func (s *IntentService) Create(ctx context.Context, p CreateIntentParams) (*IntentMandate, error) {
	if !p.MaxAmount.IsPositive() {
		return nil, fmt.Errorf("%w: max amount must be positive", ErrMandateInvalid)
	}
	if p.UserID == "" || p.AgentID == "" || p.BusinessID == "" {
		return nil, fmt.Errorf("%w: missing principal", ErrMandateInvalid)
	}
	ttl := p.TTL
	if ttl <= 0 || ttl > s.maxTTL {
		ttl = s.maxTTL
	}

	now := s.now().UTC()
	m := &IntentMandate{
		ID:          uuid.NewString(),
		UserID:      p.UserID,
		AgentID:     p.AgentID,
		BusinessID:  p.BusinessID,
		Description: p.Description,
		MaxAmount:   p.MaxAmount,
		Nonce:       uuid.NewString(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := s.signer.SignIntent(m); err != nil {
		return nil, err
	}
	if err := s.store.PutIntent(ctx, &IntentRecord{Mandate: *m}); err != nil {
		return nil, fmt.Errorf("persist intent: %w", err)
	}

	s.logger.InfoContext(ctx, "intent created",
		"intent_id", m.ID, "agent_id", m.AgentID, "business_id", m.BusinessID,
		"max_amount", m.MaxAmount.String(), "expires_at", m.ExpiresAt)
	_ = s.audit.Append(m.AgentID, "intent.created", map[string]any{
		"intent_id": m.ID, "nonce": m.Nonce, "max_amount": m.MaxAmount.String(),
	})
	return m, nil
}

// Verify drives the INTENT_CREATED -> INTENT_VERIFIED transition: the
// signature must verify, the mandate must be unexpired, and the nonce
// must not have been seen inside the replay window. All failures are
// terminal for the intent and never retried.
func (s *IntentService) Verify(ctx context.Context, intentID string) error {
	rec, err := s.store.GetIntent(ctx, intentID)
	if err != nil {
		return err
	}
	m := &rec.Mandate

	ok, err := s.signer.VerifyIntent(m)
	if err != nil {
		return err
	}
	if !ok {
		s.securityEvent(ctx, m, "intent.signature_invalid")
		return ErrMandateInvalid
	}
	if !m.ExpiresAt.After(m.CreatedAt) || !m.MaxAmount.IsPositive() {
		s.securityEvent(ctx, m, "intent.malformed")
		return ErrMandateInvalid
	}
	if m.Expired(s.now().UTC()) {
		return ErrMandateExpired
	}

	fresh, err := s.guard.CheckAndRecord(ctx, m.Nonce, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("replay guard: %w", err)
	}
	if !fresh {
		s.securityEvent(ctx, m, "intent.replay_detected")
		return ErrReplayDetected
	}

	if err := s.store.MarkIntentVerified(ctx, intentID); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	s.logger.InfoContext(ctx, "intent verified", "intent_id", m.ID, "agent_id", m.AgentID)
	return nil
}

// Get returns the stored record for an intent.
func (s *IntentService) Get(ctx context.Context, intentID string) (*IntentRecord, error) {
	return s.store.GetIntent(ctx, intentID)
}

func (s *IntentService) securityEvent(ctx context.Context, m *IntentMandate, action string) {
	// Mandate id, nonce and principal are enough for audit; never the
	// signature material itself.
	s.logger.WarnContext(ctx, "security event", "action", action,
		"intent_id", m.ID, "nonce", m.Nonce, "agent_id", m.AgentID)
	_ = s.audit.Append(m.AgentID, action, map[string]any{
		"intent_id": m.ID, "nonce": m.Nonce,
	})
}
