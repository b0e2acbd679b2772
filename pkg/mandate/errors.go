package mandate

import "errors"

// Rejection taxonomy. Cryptographic and replay failures are never retried
// automatically; they are surfaced distinctly from transient settlement
// failures, which are retried with bounded backoff.
var (
	// ErrMandateInvalid indicates a bad signature or malformed payload.
	// Non-retryable.
	ErrMandateInvalid = errors.New("mandate: invalid signature or payload")

	// ErrMandateExpired indicates the mandate is past its expiry. The
	// caller must request a fresh mandate.
	ErrMandateExpired = errors.New("mandate: expired")

	// ErrReplayDetected indicates nonce reuse inside the replay window.
	// Logged as a security event.
	ErrReplayDetected = errors.New("mandate: replay detected")

	// ErrAmountExceedsIntent rejects a cart whose total exceeds the
	// intent's spending bound. The intent remains usable.
	ErrAmountExceedsIntent = errors.New("mandate: cart total exceeds intent max amount")

	// ErrCurrencyMismatch rejects a cart whose currency differs from the
	// intent's. The intent remains usable.
	ErrCurrencyMismatch = errors.New("mandate: currency mismatch")

	// ErrCartAlreadyActive rejects a concurrent cart creation attempt
	// while another cart for the same intent is non-terminal.
	ErrCartAlreadyActive = errors.New("mandate: intent already has an active cart")

	// ErrIntentConsumed rejects cart creation against an intent that
	// already settled a payment.
	ErrIntentConsumed = errors.New("mandate: intent already consumed")

	// ErrIntentNotVerified rejects cart creation before the intent's
	// signature and nonce have been verified.
	ErrIntentNotVerified = errors.New("mandate: intent not verified")

	// ErrSettlementUnavailable indicates a transient settlement failure,
	// retryable with bounded backoff.
	ErrSettlementUnavailable = errors.New("mandate: settlement unavailable")

	// ErrSettlementOutcomeUnknown indicates an ambiguous settlement
	// outcome; it triggers a status query, never a blind retry.
	ErrSettlementOutcomeUnknown = errors.New("mandate: settlement outcome unknown")

	// ErrSettlementDeclined indicates a non-retryable settlement failure.
	ErrSettlementDeclined = errors.New("mandate: settlement declined")

	// ErrNotFound indicates a referenced mandate or transaction does not exist.
	ErrNotFound = errors.New("mandate: not found")

	// ErrInvalidTransition rejects a state machine transition the
	// workflow does not permit.
	ErrInvalidTransition = errors.New("mandate: invalid state transition")
)
