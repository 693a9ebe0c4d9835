package port

import (
	"context"
	"errors"

	"github.com/rl1809/allocation-service/internal/core/domain"
)

// ErrConcurrencyConflict is returned by Commit when a product changed in the
// store after it was read.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

type ProductRepository interface {
	// Get returns the product for sku, or nil when none exists
	Get(ctx context.Context, sku string) (*domain.Product, error)

	// GetByBatchReference returns the product owning the batch, or nil
	GetByBatchReference(ctx context.Context, ref string) (*domain.Product, error)

	// Add registers a new product to be inserted on commit
	Add(ctx context.Context, product *domain.Product) error

	List(ctx context.Context) ([]*domain.Product, error)
}

// Tx is the scope handed to a UnitOfWork closure.
type Tx interface {
	Products() ProductRepository

	// Record stages events raised by product; they are released by
	// CollectNewEvents only if the scope commits. Events recorded with a nil
	// product, or one the scope never loaded or added, are released after
	// the events of every tracked product.
	Record(product *domain.Product, events ...domain.Event)

	// Commit flushes every touched product atomically
	Commit(ctx context.Context) error
}

// UnitOfWork runs closures as atomic operations. A closure that returns
// without committing is rolled back, as is one that fails or panics.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// CollectNewEvents drains events of committed scopes, grouped by product
	// in first-touched order and followed by untracked events
	CollectNewEvents() []domain.Event
}

type UnitOfWorkFactory func() UnitOfWork
