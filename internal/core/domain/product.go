package domain

import (
	"fmt"
	"slices"
)

// Product is the aggregate root for every batch of one SKU. Batches are only
// mutated through it. Version is the optimistic-concurrency token checked by
// the storage adapters on commit.
type Product struct {
	SKU     string
	Version int

	batches []*Batch
}

func NewProduct(sku string, version int, batches ...*Batch) *Product {
	return &Product{
		SKU:     sku,
		Version: version,
		batches: slices.Clone(batches),
	}
}

// Batches returns the batches in insertion order.
func (p *Product) Batches() []*Batch {
	return slices.Clone(p.batches)
}

func (p *Product) Batch(ref string) (*Batch, bool) {
	for _, b := range p.batches {
		if b.Reference == ref {
			return b, true
		}
	}
	return nil, false
}

// AddBatch appends a batch. A batch whose reference is already known is
// ignored so replayed BatchCreated events stay harmless.
func (p *Product) AddBatch(b *Batch) (bool, error) {
	if b.SKU != p.SKU {
		return false, fmt.Errorf("%w: batch %s has sku %s, product is %s", ErrSKUMismatch, b.Reference, b.SKU, p.SKU)
	}
	if b.PurchasedQuantity() < 0 {
		return false, fmt.Errorf("%w: batch %s quantity %d", ErrInvalidQuantity, b.Reference, b.PurchasedQuantity())
	}
	if _, ok := p.Batch(b.Reference); ok {
		return false, nil
	}
	p.batches = append(p.batches, b)
	p.Version++
	return true, nil
}

// Allocate binds line to the preferred batch that can take it and returns the
// batch reference. Re-allocating a line that is already held returns the
// holding batch unchanged. When no batch can take the line the returned
// events carry a single OutOfStock.
func (p *Product) Allocate(line OrderLine) (string, []Event, error) {
	if line.SKU != p.SKU {
		return "", nil, fmt.Errorf("%w: line sku %s, product is %s", ErrSKUMismatch, line.SKU, p.SKU)
	}
	if line.Qty <= 0 {
		return "", nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, line.Qty)
	}

	for _, b := range p.batches {
		if b.Holds(line) {
			return b.Reference, nil, nil
		}
	}

	candidates := make([]*Batch, 0, len(p.batches))
	for _, b := range p.batches {
		if b.CanAllocate(line) {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return "", []Event{OutOfStock{SKU: line.SKU}}, &OutOfStockError{SKU: line.SKU}
	}

	// MinFunc keeps the first of equal elements, so ties go to the older batch.
	batch := slices.MinFunc(candidates, compareBatches)
	batch.allocate(line)
	p.Version++

	return batch.Reference, []Event{line.allocatedTo(batch.Reference)}, nil
}

// Deallocate releases line from whichever batch holds it.
func (p *Product) Deallocate(line OrderLine) []Event {
	for _, b := range p.batches {
		if b.deallocate(line) {
			p.Version++
			return []Event{line.deallocatedFrom(b.Reference)}
		}
	}
	return nil
}

// ChangeBatchQuantity sets the purchased quantity of a batch. Lines that no
// longer fit are released most recent first, one Deallocated event each.
func (p *Product) ChangeBatchQuantity(ref string, qty int) ([]Event, error) {
	if qty < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, qty)
	}
	batch, ok := p.Batch(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, ref)
	}

	batch.purchased = qty
	p.Version++

	var events []Event
	for batch.AvailableQuantity() < 0 {
		line, ok := batch.deallocateLatest()
		if !ok {
			break
		}
		events = append(events, line.deallocatedFrom(batch.Reference))
	}
	return events, nil
}

// Clone returns a deep copy, used by stores that hand out detached aggregates.
func (p *Product) Clone() *Product {
	batches := make([]*Batch, len(p.batches))
	for i, b := range p.batches {
		batches[i] = b.clone()
	}
	return &Product{SKU: p.SKU, Version: p.Version, batches: batches}
}
