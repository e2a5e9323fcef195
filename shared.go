package spill

import (
	"context"
	"sync"

	"github.com/unkn0wn-root/spill/store"
)

// SharedStore lets several managers use one backend instance. The backend is
// started by the first Start and stopped by the Stop that releases the last
// reference, so one cache stopping leaves the others running.
type SharedStore struct {
	store.Store

	mu   sync.Mutex
	refs int
}

var _ store.Store = (*SharedStore)(nil)

func NewSharedStore(s store.Store) *SharedStore {
	return &SharedStore{Store: s}
}

func (s *SharedStore) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		if err := s.Store.Start(ctx); err != nil {
			return err
		}
	}
	s.refs++
	return nil
}

func (s *SharedStore) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return nil
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	return s.Store.Stop(ctx)
}

// Refs returns the number of managers holding the store.
func (s *SharedStore) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}
