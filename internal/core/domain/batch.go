package domain

import (
	"slices"
	"time"
)

// Batch is a receivable quantity of one SKU. A nil ETA means the stock is
// already in the warehouse.
type Batch struct {
	Reference string
	SKU       string
	ETA       *time.Time

	purchased   int
	allocations map[OrderLine]struct{}
	// allocation order, most recent last
	lines []OrderLine
}

// NewBatch builds a batch. Allocations are replayed in the given order, which
// is how the storage adapters rebuild a persisted batch.
func NewBatch(ref, sku string, qty int, eta *time.Time, allocations ...OrderLine) *Batch {
	b := &Batch{
		Reference:   ref,
		SKU:         sku,
		ETA:         eta,
		purchased:   qty,
		allocations: make(map[OrderLine]struct{}, len(allocations)),
	}
	for _, line := range allocations {
		b.allocate(line)
	}
	return b
}

func (b *Batch) PurchasedQuantity() int {
	return b.purchased
}

func (b *Batch) AllocatedQuantity() int {
	total := 0
	for _, line := range b.lines {
		total += line.Qty
	}
	return total
}

func (b *Batch) AvailableQuantity() int {
	return b.purchased - b.AllocatedQuantity()
}

func (b *Batch) CanAllocate(line OrderLine) bool {
	return b.SKU == line.SKU && b.AvailableQuantity() >= line.Qty
}

func (b *Batch) Holds(line OrderLine) bool {
	_, ok := b.allocations[line]
	return ok
}

// Allocations returns the allocated lines in allocation order.
func (b *Batch) Allocations() []OrderLine {
	return slices.Clone(b.lines)
}

func (b *Batch) allocate(line OrderLine) {
	if b.Holds(line) {
		return
	}
	b.allocations[line] = struct{}{}
	b.lines = append(b.lines, line)
}

func (b *Batch) deallocate(line OrderLine) bool {
	if !b.Holds(line) {
		return false
	}
	delete(b.allocations, line)
	b.lines = slices.DeleteFunc(b.lines, func(l OrderLine) bool { return l == line })
	return true
}

// deallocateLatest removes the most recently allocated line.
func (b *Batch) deallocateLatest() (OrderLine, bool) {
	if len(b.lines) == 0 {
		return OrderLine{}, false
	}
	line := b.lines[len(b.lines)-1]
	b.deallocate(line)
	return line, true
}

func (b *Batch) clone() *Batch {
	var eta *time.Time
	if b.ETA != nil {
		t := *b.ETA
		eta = &t
	}
	return NewBatch(b.Reference, b.SKU, b.purchased, eta, b.lines...)
}

// compareBatches orders warehouse stock first, then shipments by ETA.
func compareBatches(a, b *Batch) int {
	switch {
	case a.ETA == nil && b.ETA == nil:
		return 0
	case a.ETA == nil:
		return -1
	case b.ETA == nil:
		return 1
	default:
		return a.ETA.Compare(*b.ETA)
	}
}
