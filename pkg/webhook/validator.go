// Package webhook verifies inbound asynchronous payment-status
// notifications. Validation is a precondition gate: no field of a
// delivery is trusted and no business logic executes until the envelope
// shape, the delivery timestamp, the HMAC signature and the delivery
// nonce have all been checked.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/veridian-labs/mandate/pkg/mandate"
)

// Rejection reasons. All of them reject the delivery outright; none
// mutate state.
var (
	ErrMissingSignature  = errors.New("webhook: missing signature header")
	ErrSignatureInvalid  = errors.New("webhook: signature mismatch")
	ErrStaleTimestamp    = errors.New("webhook: timestamp outside replay window")
	ErrMalformedEnvelope = errors.New("webhook: malformed delivery envelope")
	ErrReplayedDelivery  = errors.New("webhook: delivery id already seen")
)

// Envelope is the bit-exact delivery format the payment network sends.
type Envelope struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Created    int64          `json:"created"` // unix seconds
	Data       map[string]any `json:"data"`
	BusinessID string         `json:"businessId"`
}

const envelopeSchema = `{
	"type": "object",
	"required": ["type", "id", "created", "data", "businessId"],
	"properties": {
		"type":       {"type": "string", "minLength": 1},
		"id":         {"type": "string", "minLength": 1},
		"created":    {"type": "integer"},
		"data":       {"type": "object"},
		"businessId": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

// SecretProvider resolves the shared HMAC secret for a business.
type SecretProvider interface {
	Secret(businessID string) ([]byte, error)
}

// Validator gates inbound deliveries.
type Validator struct {
	secrets SecretProvider
	guard   mandate.ReplayGuard // nil disables delivery-id replay checks
	schema  *jsonschema.Schema
	window  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithReplayGuard enables delivery-id replay rejection.
func WithReplayGuard(g mandate.ReplayGuard) Option {
	return func(v *Validator) { v.guard = g }
}

// WithWindow overrides the timestamp replay window (default 5 minutes).
func WithWindow(d time.Duration) Option {
	return func(v *Validator) { v.window = d }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// NewValidator creates a validator over the given secret provider.
func NewValidator(secrets SecretProvider, opts ...Option) *Validator {
	v := &Validator{
		secrets: secrets,
		schema:  jsonschema.MustCompileString("envelope.json", envelopeSchema),
		window:  5 * time.Minute,
		logger:  slog.Default().With("component", "webhook_validator"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks a raw delivery against its signature and timestamp
// headers and returns the parsed envelope only if every gate passes.
func (v *Validator) Validate(ctx context.Context, rawBody []byte, signatureHeader, timestampHeader string) (*Envelope, error) {
	if strings.TrimSpace(signatureHeader) == "" {
		v.reject(ctx, "missing_signature", "")
		return nil, ErrMissingSignature
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(timestampHeader), 10, 64)
	if err != nil {
		v.reject(ctx, "bad_timestamp", "")
		return nil, fmt.Errorf("%w: bad timestamp header", ErrStaleTimestamp)
	}
	now := v.now().UTC()
	delivered := time.Unix(ts, 0).UTC()
	if delivered.Before(now.Add(-v.window)) || delivered.After(now.Add(v.window)) {
		v.reject(ctx, "stale_timestamp", "")
		return nil, ErrStaleTimestamp
	}

	// Envelope shape is checked before anything in it is used to look up
	// the secret. This is parsing, not business logic.
	var generic any
	if err := json.Unmarshal(rawBody, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := v.schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	var env Envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	secret, err := v.secrets.Secret(env.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("webhook: resolve secret: %w", err)
	}
	if !verifyHMAC(secret, timestampHeader, rawBody, signatureHeader) {
		v.reject(ctx, "signature_mismatch", env.ID)
		return nil, ErrSignatureInvalid
	}

	if v.guard != nil {
		fresh, err := v.guard.CheckAndRecord(ctx, "webhook:"+env.ID, delivered)
		if err != nil {
			return nil, fmt.Errorf("webhook: replay guard: %w", err)
		}
		if !fresh {
			v.reject(ctx, "replayed_delivery", env.ID)
			return nil, ErrReplayedDelivery
		}
	}
	return &env, nil
}

func (v *Validator) reject(ctx context.Context, reason, deliveryID string) {
	v.logger.WarnContext(ctx, "webhook rejected", "reason", reason, "delivery_id", deliveryID)
}

// Sign computes the signature header value for a delivery: HMAC-SHA256
// over "<timestamp>.<body>", hex encoded with a sha256= prefix. Exposed
// for the outbound side and tests.
func Sign(secret []byte, timestampHeader string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestampHeader))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func verifyHMAC(secret []byte, timestampHeader string, body []byte, signatureHeader string) bool {
	sig := strings.TrimSpace(signatureHeader)
	if after, ok := strings.CutPrefix(strings.ToLower(sig), "sha256="); ok {
		sig = after
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestampHeader))
	mac.Write([]byte("."))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
