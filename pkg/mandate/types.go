// Package mandate implements the mandate data model and services: signed
// Intent Mandates (bounded spending authorizations), signed Cart Mandates
// (concrete purchase commitments), and the RSA-PSS signing and
// verification primitives over their canonical serializations.
package mandate

import (
	"fmt"
	"time"

	"github.com/veridian-labs/mandate/pkg/money"
)

// Algorithm tags the signature scheme carried in a mandate header.
// Verification dispatches on this tag.
type Algorithm string

const (
	// AlgPS256 is RSA-PSS over SHA-256, MGF1(SHA-256), maximum salt length.
	AlgPS256 Algorithm = "PS256"
	// AlgRS256 is RSA PKCS#1 v1.5 over SHA-256, accepted for verification
	// of mandates issued by older signers.
	AlgRS256 Algorithm = "RS256"
)

// State is a workflow state of a cart mandate (and, for the two intent
// states, of the intent that precedes it).
type State string

const (
	StateIntentCreated    State = "INTENT_CREATED"
	StateIntentVerified   State = "INTENT_VERIFIED"
	StateCartCreated      State = "CART_CREATED"
	StateCartVerified     State = "CART_VERIFIED"
	StatePaymentExecuting State = "PAYMENT_EXECUTING"
	StatePaymentCompleted State = "PAYMENT_COMPLETED"
	StatePaymentFailed    State = "PAYMENT_FAILED"
	StateVoided           State = "VOIDED"
)

// Terminal reports whether no further transitions are permitted.
func (s State) Terminal() bool {
	switch s {
	case StatePaymentCompleted, StatePaymentFailed, StateVoided:
		return true
	}
	return false
}

// IntentMandate is a user's bounded authorization to spend, signed by the
// user-agent's key. Immutable once signed.
type IntentMandate struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	AgentID     string      `json:"agent_id"`
	BusinessID  string      `json:"business_id"`
	Description string      `json:"description"`
	MaxAmount   money.Money `json:"max_amount"`
	Nonce       string      `json:"nonce"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`

	// Signature envelope. Algorithm and KeyID are part of the signed
	// payload; Signature covers everything above plus both of them.
	Algorithm Algorithm `json:"algorithm"`
	KeyID     string    `json:"key_id"`
	Signature string    `json:"signature"` // base64 raw-url
}

// Expired reports whether the mandate is past its expiry at the given time.
func (m *IntentMandate) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// signingPayload returns the mandate with its signature stripped, the
// exact structure whose canonical form is signed.
func (m *IntentMandate) signingPayload() IntentMandate {
	p := *m
	p.Signature = ""
	return p
}

// LineItem is one priced entry in a cart mandate.
type LineItem struct {
	Description string      `json:"description"`
	UnitAmount  money.Money `json:"unit_amount"`
	Quantity    int64       `json:"quantity"`
}

// CartMandate is a concrete, itemized purchase commitment bound to
// exactly one IntentMandate, signed by the executing business.
type CartMandate struct {
	ID              string      `json:"id"`
	IntentMandateID string      `json:"intent_mandate_id"`
	BusinessID      string      `json:"business_id"`
	LineItems       []LineItem  `json:"line_items"`
	TotalAmount     money.Money `json:"total_amount"`
	CreatedAt       time.Time   `json:"created_at"`
	ExpiresAt       time.Time   `json:"expires_at"`

	Algorithm Algorithm `json:"algorithm"`
	KeyID     string    `json:"key_id"`
	Signature string    `json:"signature"`
}

// Expired reports whether the cart is past its expiry at the given time.
func (c *CartMandate) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

func (c *CartMandate) signingPayload() CartMandate {
	p := *c
	p.Signature = ""
	return p
}

// SumLineItems computes the total of a line item sequence, enforcing a
// single shared currency, positive unit amounts and quantities, and
// overflow-free arithmetic. A total that wraps negative would otherwise
// pass the intent's amount bound.
func SumLineItems(items []LineItem) (money.Money, error) {
	if len(items) == 0 {
		return money.Money{}, ErrMandateInvalid
	}
	total := money.New(0, items[0].UnitAmount.Currency)
	for _, it := range items {
		if it.Quantity <= 0 || !it.UnitAmount.IsPositive() {
			return money.Money{}, ErrMandateInvalid
		}
		if !total.SameCurrency(it.UnitAmount) {
			return money.Money{}, ErrCurrencyMismatch
		}
		line, err := it.UnitAmount.MulQuantity(it.Quantity)
		if err != nil {
			return money.Money{}, fmt.Errorf("%w: %v", ErrMandateInvalid, err)
		}
		total, err = total.Add(line)
		if err != nil {
			return money.Money{}, fmt.Errorf("%w: %v", ErrMandateInvalid, err)
		}
	}
	return total, nil
}

// TransactionStatus is the settlement status of a PaymentTransaction.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
	// TransactionUnknown marks an attempt whose outcome could not be
	// determined (settlement timeout); it must be resolved by a status
	// query, never by a blind retry.
	TransactionUnknown TransactionStatus = "unknown"
)

// PaymentTransaction records one attempted settlement against a cart.
type PaymentTransaction struct {
	ID                 string            `json:"id"`
	CartMandateID      string            `json:"cart_mandate_id"`
	Status             TransactionStatus `json:"status"`
	Amount             money.Money       `json:"amount"`
	IdempotencyKey     string            `json:"idempotency_key"`
	ProcessorReference string            `json:"processor_reference,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	FailureReason      string            `json:"failure_reason,omitempty"`
}
