package port

import "context"

type Allocation struct {
	SKU      string `json:"sku"`
	BatchRef string `json:"batchref"`
}

type AllocationView interface {
	// Add records that the order's line for sku sits in batchRef
	Add(ctx context.Context, orderID, sku, batchRef string) error

	// Remove drops the entry only while it still points at batchRef
	Remove(ctx context.Context, orderID, sku, batchRef string) error

	ForOrder(ctx context.Context, orderID string) ([]Allocation, error)
}

// Deduplicator tracks delivery ids of inbound messages.
type Deduplicator interface {
	FirstSeen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}
