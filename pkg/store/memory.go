package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/veridian-labs/mandate/pkg/mandate"
)

// MemoryStore is an in-process Store for single-node deployments and
// tests. All methods are safe for concurrent use; the active-cart CAS is
// serialized under the store mutex.
type MemoryStore struct {
	mu           sync.RWMutex
	intents      map[string]*mandate.IntentRecord
	carts        map[string]*mandate.CartRecord
	transactions map[string]*mandate.PaymentTransaction
	byCart       map[string][]string // cartID -> transaction ids
	replayWindow time.Duration
}

// NewMemoryStore creates an empty store. The replay window extends
// retention past each mandate's expiry.
func NewMemoryStore(replayWindow time.Duration) *MemoryStore {
	return &MemoryStore{
		intents:      make(map[string]*mandate.IntentRecord),
		carts:        make(map[string]*mandate.CartRecord),
		transactions: make(map[string]*mandate.PaymentTransaction),
		byCart:       make(map[string][]string),
		replayWindow: replayWindow,
	}
}

func (s *MemoryStore) PutIntent(_ context.Context, rec *mandate.IntentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.intents[rec.Mandate.ID]; exists {
		return fmt.Errorf("store: intent %s already exists", rec.Mandate.ID)
	}
	cp := *rec
	s.intents[rec.Mandate.ID] = &cp
	return nil
}

func (s *MemoryStore) GetIntent(_ context.Context, id string) (*mandate.IntentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.intents[id]
	if !ok {
		return nil, fmt.Errorf("%w: intent %s", mandate.ErrNotFound, id)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) MarkIntentVerified(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.intents[id]
	if !ok {
		return fmt.Errorf("%w: intent %s", mandate.ErrNotFound, id)
	}
	rec.Verified = true
	return nil
}

func (s *MemoryStore) MarkIntentConsumed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.intents[id]
	if !ok {
		return fmt.Errorf("%w: intent %s", mandate.ErrNotFound, id)
	}
	rec.Consumed = true
	rec.ActiveCartID = ""
	return nil
}

func (s *MemoryStore) ActivateCart(_ context.Context, intentID, cartID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.intents[intentID]
	if !ok {
		return fmt.Errorf("%w: intent %s", mandate.ErrNotFound, intentID)
	}
	if rec.Consumed {
		return mandate.ErrIntentConsumed
	}
	if rec.ActiveCartID != "" {
		return mandate.ErrCartAlreadyActive
	}
	rec.ActiveCartID = cartID
	return nil
}

func (s *MemoryStore) ReleaseCart(_ context.Context, intentID, cartID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.intents[intentID]
	if !ok {
		return fmt.Errorf("%w: intent %s", mandate.ErrNotFound, intentID)
	}
	if rec.ActiveCartID == cartID {
		rec.ActiveCartID = ""
	}
	return nil
}

func (s *MemoryStore) PutCart(_ context.Context, rec *mandate.CartRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.carts[rec.Mandate.ID]; exists {
		return fmt.Errorf("store: cart %s already exists", rec.Mandate.ID)
	}
	cp := *rec
	cp.Mandate.LineItems = append([]mandate.LineItem(nil), rec.Mandate.LineItems...)
	s.carts[rec.Mandate.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCart(_ context.Context, id string) (*mandate.CartRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.carts[id]
	if !ok {
		return nil, fmt.Errorf("%w: cart %s", mandate.ErrNotFound, id)
	}
	cp := *rec
	cp.Mandate.LineItems = append([]mandate.LineItem(nil), rec.Mandate.LineItems...)
	return &cp, nil
}

func (s *MemoryStore) SetCartState(_ context.Context, cartID string, state mandate.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.carts[cartID]
	if !ok {
		return fmt.Errorf("%w: cart %s", mandate.ErrNotFound, cartID)
	}
	rec.State = state
	return nil
}

func (s *MemoryStore) TransitionCartState(_ context.Context, cartID string, from, to mandate.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.carts[cartID]
	if !ok {
		return fmt.Errorf("%w: cart %s", mandate.ErrNotFound, cartID)
	}
	if rec.State != from {
		return fmt.Errorf("%w: cart in state %s", mandate.ErrInvalidTransition, rec.State)
	}
	rec.State = to
	return nil
}

func (s *MemoryStore) PutTransaction(_ context.Context, tx *mandate.PaymentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.transactions[tx.ID]; exists {
		return fmt.Errorf("store: transaction %s already exists", tx.ID)
	}
	if tx.Status == mandate.TransactionCompleted && s.completedExistsLocked(tx.CartMandateID, tx.ID) {
		return ErrDuplicateCompletion
	}
	cp := *tx
	s.transactions[tx.ID] = &cp
	s.byCart[tx.CartMandateID] = append(s.byCart[tx.CartMandateID], tx.ID)
	return nil
}

func (s *MemoryStore) UpdateTransaction(_ context.Context, tx *mandate.PaymentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[tx.ID]; !ok {
		return fmt.Errorf("%w: transaction %s", mandate.ErrNotFound, tx.ID)
	}
	if tx.Status == mandate.TransactionCompleted && s.completedExistsLocked(tx.CartMandateID, tx.ID) {
		return ErrDuplicateCompletion
	}
	cp := *tx
	s.transactions[tx.ID] = &cp
	return nil
}

func (s *MemoryStore) completedExistsLocked(cartID, excludeTxID string) bool {
	for _, id := range s.byCart[cartID] {
		if id == excludeTxID {
			continue
		}
		if s.transactions[id].Status == mandate.TransactionCompleted {
			return true
		}
	}
	return false
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*mandate.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", mandate.ErrNotFound, id)
	}
	cp := *tx
	return &cp, nil
}

func (s *MemoryStore) TransactionsByCart(_ context.Context, cartID string) ([]*mandate.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byCart[cartID]
	out := make([]*mandate.PaymentTransaction, 0, len(ids))
	for _, id := range ids {
		cp := *s.transactions[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, rec := range s.intents {
		if !retentionDeadline(rec.Mandate.ExpiresAt, s.replayWindow).Before(cutoff) {
			continue
		}
		delete(s.intents, id)
		purged++
		for cartID, cart := range s.carts {
			if cart.Mandate.IntentMandateID != id {
				continue
			}
			delete(s.carts, cartID)
			for _, txID := range s.byCart[cartID] {
				delete(s.transactions, txID)
			}
			delete(s.byCart, cartID)
		}
	}
	return purged, nil
}

func (s *MemoryStore) Close() error { return nil }
