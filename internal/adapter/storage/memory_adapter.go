package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rl1809/allocation-service/internal/core/domain"
	"github.com/rl1809/allocation-service/internal/port"
)

// MemoryStore keeps products in process. Readers get detached copies, so two
// units of work racing on one product behave like they would against a
// database.
type MemoryStore struct {
	mu       sync.RWMutex
	products map[string]*domain.Product
	skus     []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{products: make(map[string]*domain.Product)}
}

// UnitOfWork matches port.UnitOfWorkFactory.
func (m *MemoryStore) UnitOfWork() port.UnitOfWork {
	return newUnitOfWork(m)
}

func (m *MemoryStore) begin(context.Context) (session, error) {
	return memorySession{store: m}, nil
}

type memorySession struct {
	store *MemoryStore
}

func (s memorySession) load(_ context.Context, sku string) (*domain.Product, error) {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()

	p, ok := s.store.products[sku]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

func (s memorySession) skuOf(_ context.Context, ref string) (string, error) {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	return s.ownerLocked(ref), nil
}

func (s memorySession) ownerLocked(ref string) string {
	for _, sku := range s.store.skus {
		if _, ok := s.store.products[sku].Batch(ref); ok {
			return sku
		}
	}
	return ""
}

func (s memorySession) skus(context.Context) ([]string, error) {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	return slices.Clone(s.store.skus), nil
}

func (s memorySession) flush(_ context.Context, changes []*tracked) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	claimed := make(map[string]string)
	for _, c := range changes {
		stored, exists := s.store.products[c.product.SKU]
		switch {
		case c.isNew && exists:
			return port.ErrConcurrencyConflict
		case !c.isNew && (!exists || stored.Version != c.readVersion):
			return port.ErrConcurrencyConflict
		}

		// batch references are unique across skus
		for _, b := range c.product.Batches() {
			if _, known := c.readBatches[b.Reference]; known {
				continue
			}
			sku, ok := claimed[b.Reference]
			if !ok {
				sku = s.ownerLocked(b.Reference)
			}
			if sku != "" && sku != c.product.SKU {
				return fmt.Errorf("%w: batch %s exists under sku %s", port.ErrConcurrencyConflict, b.Reference, sku)
			}
			claimed[b.Reference] = c.product.SKU
		}
	}

	for _, c := range changes {
		if c.isNew {
			s.store.skus = append(s.store.skus, c.product.SKU)
		}
		s.store.products[c.product.SKU] = c.product.Clone()
	}
	return nil
}

func (memorySession) rollback() error { return nil }
