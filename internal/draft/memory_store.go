package draft

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-memory draft store for tests and single-process use.
// It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	drafts map[common.Address]Draft
}

// NewMemoryStore returns an empty store. A nil now uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, drafts: make(map[common.Address]Draft)}
}

// Get returns the draft saved for owner or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, owner common.Address) (Draft, error) {
	if owner == (common.Address{}) {
		return Draft{}, fmt.Errorf("%w: zero owner", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[owner]
	if !ok {
		return Draft{}, ErrNotFound
	}
	return d, nil
}

// Put validates and saves d, stamping UpdatedAt.
func (s *MemoryStore) Put(_ context.Context, d Draft) (Draft, error) {
	if err := Validate(d); err != nil {
		return Draft{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d.UpdatedAt = s.now().UTC()
	s.drafts[d.Owner] = d
	return d, nil
}

// Delete removes owner's draft. Deleting a missing draft is not an error.
func (s *MemoryStore) Delete(_ context.Context, owner common.Address) error {
	if owner == (common.Address{}) {
		return fmt.Errorf("%w: zero owner", ErrInvalidInput)
	}
	s.mu.Lock()
	delete(s.drafts, owner)
	s.mu.Unlock()
	return nil
}
