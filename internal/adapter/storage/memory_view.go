package storage

import (
	"context"
	"sync"

	"github.com/rl1809/allocation-service/internal/port"
)

// MemoryAllocationView mirrors RedisAllocationView for tests and for running
// without Redis.
type MemoryAllocationView struct {
	mu     sync.RWMutex
	orders map[string]map[string]string
}

func NewMemoryAllocationView() *MemoryAllocationView {
	return &MemoryAllocationView{orders: make(map[string]map[string]string)}
}

func (v *MemoryAllocationView) Add(_ context.Context, orderID, sku, batchRef string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	lines, ok := v.orders[orderID]
	if !ok {
		lines = make(map[string]string)
		v.orders[orderID] = lines
	}
	lines[sku] = batchRef
	return nil
}

func (v *MemoryAllocationView) Remove(_ context.Context, orderID, sku, batchRef string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	lines := v.orders[orderID]
	if lines[sku] != batchRef {
		return nil
	}
	delete(lines, sku)
	if len(lines) == 0 {
		delete(v.orders, orderID)
	}
	return nil
}

func (v *MemoryAllocationView) ForOrder(_ context.Context, orderID string) ([]port.Allocation, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return toAllocations(v.orders[orderID]), nil
}
