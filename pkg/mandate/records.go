package mandate

// IntentRecord is the persisted form of an intent mandate plus the
// mutable workflow flags the store owns. The mandate itself is immutable
// once signed; only the flags change.
type IntentRecord struct {
	Mandate IntentMandate `json:"mandate"`

	// Verified is set after the INTENT_CREATED -> INTENT_VERIFIED
	// transition succeeds.
	Verified bool `json:"verified"`

	// Consumed is set when a cart bound to this intent completes
	// payment; no further carts are permitted.
	Consumed bool `json:"consumed"`

	// ActiveCartID is the at-most-one-active-cart slot. Set and cleared
	// only through the store's compare-and-set operations.
	ActiveCartID string `json:"active_cart_id,omitempty"`
}

// CartRecord is the persisted form of a cart mandate plus its workflow state.
type CartRecord struct {
	Mandate CartMandate `json:"mandate"`
	State   State       `json:"state"`
}
