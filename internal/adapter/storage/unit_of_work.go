package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/rl1809/allocation-service/internal/core/domain"
	"github.com/rl1809/allocation-service/internal/port"
)

var (
	ErrScopeClosed      = errors.New("unit of work scope already committed")
	ErrDuplicateProduct = errors.New("product already tracked")
)

// session is one atomic scope against a backing store.
type session interface {
	// load returns the stored product for sku, or nil
	load(ctx context.Context, sku string) (*domain.Product, error)

	// skuOf returns the sku owning batch ref, or ""
	skuOf(ctx context.Context, ref string) (string, error)

	skus(ctx context.Context) ([]string, error)

	// flush writes every change atomically or fails with
	// port.ErrConcurrencyConflict when a product moved underneath
	flush(ctx context.Context, changes []*tracked) error

	rollback() error
}

type backend interface {
	begin(ctx context.Context) (session, error)
}

type unitOfWork struct {
	backend backend
	pending []domain.Event
}

func newUnitOfWork(b backend) *unitOfWork {
	return &unitOfWork{backend: b}
}

func (u *unitOfWork) Do(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	s, err := u.backend.begin(ctx)
	if err != nil {
		return fmt.Errorf("begin scope: %w", err)
	}

	sc := &scope{session: s, tracker: newTracker()}
	defer func() {
		if sc.committed {
			u.pending = append(u.pending, sc.tracker.events()...)
			return
		}
		// runs on error, early return and panic alike
		_ = s.rollback()
	}()

	return fn(ctx, sc)
}

func (u *unitOfWork) CollectNewEvents() []domain.Event {
	events := u.pending
	u.pending = nil
	return events
}

// scope is both the Tx and its product repository.
type scope struct {
	session   session
	tracker   *tracker
	committed bool
}

func (s *scope) Products() port.ProductRepository {
	return s
}

func (s *scope) Record(product *domain.Product, events ...domain.Event) {
	s.tracker.record(product, events)
}

func (s *scope) Commit(ctx context.Context) error {
	if s.committed {
		return ErrScopeClosed
	}
	if err := s.session.flush(ctx, s.tracker.changes()); err != nil {
		return err
	}
	s.committed = true
	return nil
}

func (s *scope) Get(ctx context.Context, sku string) (*domain.Product, error) {
	if p, ok := s.tracker.lookup(sku); ok {
		return p, nil
	}
	p, err := s.session.load(ctx, sku)
	if err != nil {
		return nil, fmt.Errorf("load product %s: %w", sku, err)
	}
	if p == nil {
		return nil, nil
	}
	s.tracker.track(p)
	return p, nil
}

func (s *scope) GetByBatchReference(ctx context.Context, ref string) (*domain.Product, error) {
	if p, ok := s.tracker.owner(ref); ok {
		return p, nil
	}
	sku, err := s.session.skuOf(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("find batch %s: %w", ref, err)
	}
	if sku == "" {
		return nil, nil
	}
	return s.Get(ctx, sku)
}

func (s *scope) Add(_ context.Context, product *domain.Product) error {
	if _, ok := s.tracker.lookup(product.SKU); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProduct, product.SKU)
	}
	s.tracker.trackNew(product)
	return nil
}

func (s *scope) List(ctx context.Context) ([]*domain.Product, error) {
	skus, err := s.session.skus(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	products := make([]*domain.Product, 0, len(skus))
	for _, sku := range skus {
		p, err := s.Get(ctx, sku)
		if err != nil {
			return nil, err
		}
		if p != nil {
			products = append(products, p)
		}
	}
	return products, nil
}
