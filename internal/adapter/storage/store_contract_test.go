package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/allocation-service/internal/core/domain"
	"github.com/rl1809/allocation-service/internal/port"
)

// runStoreContract exercises behaviour every product store must share.
func runStoreContract(t *testing.T, newUoW port.UnitOfWorkFactory) {
	ctx := context.Background()
	eta := time.Date(2026, 11, 3, 0, 0, 0, 0, time.UTC)

	seed := func(t *testing.T, p *domain.Product) {
		t.Helper()
		err := newUoW().Do(ctx, func(ctx context.Context, tx port.Tx) error {
			if err := tx.Products().Add(ctx, p); err != nil {
				return err
			}
			return tx.Commit(ctx)
		})
		require.NoError(t, err)
	}

	load := func(t *testing.T, sku string) *domain.Product {
		t.Helper()
		var p *domain.Product
		err := newUoW().Do(ctx, func(ctx context.Context, tx port.Tx) error {
			var err error
			p, err = tx.Products().Get(ctx, sku)
			return err
		})
		require.NoError(t, err)
		return p
	}

	t.Run("round trip keeps batches and allocations", func(t *testing.T) {
		p := domain.NewProduct("ROUND-TABLE", 0,
			domain.NewBatch("rt-batch-1", "ROUND-TABLE", 20, nil,
				domain.OrderLine{OrderID: "o2", SKU: "ROUND-TABLE", Qty: 3},
				domain.OrderLine{OrderID: "o1", SKU: "ROUND-TABLE", Qty: 5},
			),
			domain.NewBatch("rt-batch-2", "ROUND-TABLE", 7, &eta),
		)
		seed(t, p)

		got := load(t, "ROUND-TABLE")
		require.NotNil(t, got)
		assert.Equal(t, 0, got.Version)

		batches := got.Batches()
		require.Len(t, batches, 2)
		assert.Equal(t, "rt-batch-1", batches[0].Reference)
		assert.Nil(t, batches[0].ETA)
		assert.Equal(t, 12, batches[0].AvailableQuantity())
		assert.Equal(t, []domain.OrderLine{
			{OrderID: "o2", SKU: "ROUND-TABLE", Qty: 3},
			{OrderID: "o1", SKU: "ROUND-TABLE", Qty: 5},
		}, batches[0].Allocations())

		assert.Equal(t, "rt-batch-2", batches[1].Reference)
		require.NotNil(t, batches[1].ETA)
		assert.True(t, eta.Equal(*batches[1].ETA))
		assert.Equal(t, 7, batches[1].PurchasedQuantity())
	})

	t.Run("missing product is nil", func(t *testing.T) {
		assert.Nil(t, load(t, "NO-SUCH-SKU"))
	})

	t.Run("lookup by batch reference", func(t *testing.T) {
		seed(t, domain.NewProduct("BY-REF-LAMP", 0, domain.NewBatch("by-ref-batch", "BY-REF-LAMP", 5, nil)))

		err := newUoW().Do(ctx, func(ctx context.Context, tx port.Tx) error {
			p, err := tx.Products().GetByBatchReference(ctx, "by-ref-batch")
			require.NoError(t, err)
			require.NotNil(t, p)
			assert.Equal(t, "BY-REF-LAMP", p.SKU)

			missing, err := tx.Products().GetByBatchReference(ctx, "no-such-batch")
			require.NoError(t, err)
			assert.Nil(t, missing)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("list returns stored products", func(t *testing.T) {
		seed(t, domain.NewProduct("LIST-A", 0))
		seed(t, domain.NewProduct("LIST-B", 0))

		var skus []string
		err := newUoW().Do(ctx, func(ctx context.Context, tx port.Tx) error {
			products, err := tx.Products().List(ctx)
			for _, p := range products {
				skus = append(skus, p.SKU)
			}
			return err
		})
		require.NoError(t, err)
		assert.Contains(t, skus, "LIST-A")
		assert.Contains(t, skus, "LIST-B")
	})

	t.Run("allocation is persisted with the version", func(t *testing.T) {
		seed(t, domain.NewProduct("PERSIST-RUG", 0, domain.NewBatch("persist-batch", "PERSIST-RUG", 10, nil)))

		err := newUoW().Do(ctx, func(ctx context.Context, tx port.Tx) error {
			p, err := tx.Products().Get(ctx, "PERSIST-RUG")
			if err != nil {
				return err
			}
			if _, _, err := p.Allocate(domain.OrderLine{OrderID: "o1", SKU: "PERSIST-RUG", Qty: 4}); err != nil {
				return err
			}
			return tx.Commit(ctx)
		})
		require.NoError(t, err)

		got := load(t, "PERSIST-RUG")
		assert.Equal(t, 1, got.Version)
		b, _ := got.Batch("persist-batch")
		assert.Equal(t, 6, b.AvailableQuantity())
	})

	t.Run("quantity change and new batch are persisted", func(t *testing.T) {
		seed(t, domain.NewProduct("SHRINK-SOFA", 0,
			domain.NewBatch("shrink-batch", "SHRINK-SOFA", 10, nil,
				domain.OrderLine{OrderID: "o1", SKU: "SHRINK-SOFA", Qty: 4},
				domain.OrderLine{OrderID: "o2", SKU: "SHRINK-SOFA", Qty: 4},
			),
		))

		err := newUoW().Do(ctx, func(ctx context.Context, tx port.Tx) error {
			p, err := tx.Products().GetByBatchReference(ctx, "shrink-batch")
			if err != nil {
				return err
			}
			if _, err := p.ChangeBatchQuantity("shrink-batch", 5); err != nil {
				return err
			}
			if _, err := p.AddBatch(domain.NewBatch("shrink-batch-2", "SHRINK-SOFA", 3, &eta)); err != nil {
				return err
			}
			return tx.Commit(ctx)
		})
		require.NoError(t, err)

		got := load(t, "SHRINK-SOFA")
		assert.Equal(t, 2, got.Version)
		batches := got.Batches()
		require.Len(t, batches, 2)
		assert.Equal(t, 5, batches[0].PurchasedQuantity())
		assert.Equal(t, []domain.OrderLine{{OrderID: "o1", SKU: "SHRINK-SOFA", Qty: 4}}, batches[0].Allocations())
		assert.Equal(t, "shrink-batch-2", batches[1].Reference)
	})

	t.Run("scope without commit is discarded", func(t *testing.T) {
		err := newUoW().Do(ctx, func(ctx context.Context, tx port.Tx) error {
			return tx.Products().Add(ctx, domain.NewProduct("FORGOTTEN", 0))
		})
		require.NoError(t, err)
		assert.Nil(t, load(t, "FORGOTTEN"))
	})

	t.Run("failing scope is rolled back", func(t *testing.T) {
		boom := errors.New("boom")
		err := newUoW().Do(ctx, func(ctx context.Context, tx port.Tx) error {
			if err := tx.Products().Add(ctx, domain.NewProduct("ROLLED-BACK", 0)); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Nil(t, load(t, "ROLLED-BACK"))
	})

	t.Run("panicking scope is rolled back", func(t *testing.T) {
		assert.Panics(t, func() {
			newUoW().Do(ctx, func(ctx context.Context, tx port.Tx) error {
				tx.Products().Add(ctx, domain.NewProduct("PANICKED", 0))
				panic("boom")
			})
		})
		assert.Nil(t, load(t, "PANICKED"))
	})

	t.Run("events are released only for committed scopes", func(t *testing.T) {
		uow := newUoW()
		committed := domain.OutOfStock{SKU: "EVENTS-A"}
		dropped := domain.OutOfStock{SKU: "EVENTS-B"}
		afterCommit := errors.New("after commit")

		err := uow.Do(ctx, func(ctx context.Context, tx port.Tx) error {
			p := domain.NewProduct("EVENTS-A", 0)
			if err := tx.Products().Add(ctx, p); err != nil {
				return err
			}
			tx.Record(p, committed)
			if err := tx.Commit(ctx); err != nil {
				return err
			}
			return afterCommit
		})
		assert.ErrorIs(t, err, afterCommit)

		_ = uow.Do(ctx, func(ctx context.Context, tx port.Tx) error {
			tx.Record(nil, dropped)
			return nil
		})

		assert.Equal(t, []domain.Event{committed}, uow.CollectNewEvents())
		assert.Empty(t, uow.CollectNewEvents(), "collect drains")
	})

	t.Run("events drain by product in first-touched order", func(t *testing.T) {
		uow := newUoW()
		a1 := domain.OutOfStock{SKU: "ORDER-A1"}
		a2 := domain.OutOfStock{SKU: "ORDER-A2"}
		b1 := domain.OutOfStock{SKU: "ORDER-B1"}

		err := uow.Do(ctx, func(ctx context.Context, tx port.Tx) error {
			b := domain.NewProduct("ORDER-B", 0)
			a := domain.NewProduct("ORDER-A", 0)
			if err := tx.Products().Add(ctx, b); err != nil {
				return err
			}
			if err := tx.Products().Add(ctx, a); err != nil {
				return err
			}
			tx.Record(a, a1)
			tx.Record(b, b1)
			tx.Record(a, a2)
			return tx.Commit(ctx)
		})
		require.NoError(t, err)

		assert.Equal(t, []domain.Event{b1, a1, a2}, uow.CollectNewEvents())
	})

	t.Run("events without a tracked product drain last", func(t *testing.T) {
		uow := newUoW()
		first := domain.OutOfStock{SKU: "LOOSE-FIRST"}
		owned := domain.OutOfStock{SKU: "LOOSE-OWNED"}
		stranger := domain.OutOfStock{SKU: "LOOSE-STRANGER"}

		err := uow.Do(ctx, func(ctx context.Context, tx port.Tx) error {
			tx.Record(nil, first)
			p := domain.NewProduct("LOOSE-OWNER", 0)
			if err := tx.Products().Add(ctx, p); err != nil {
				return err
			}
			tx.Record(domain.NewProduct("LOOSE-UNTRACKED", 0), stranger)
			tx.Record(p, owned)
			return tx.Commit(ctx)
		})
		require.NoError(t, err)

		assert.Equal(t, []domain.Event{owned, first, stranger}, uow.CollectNewEvents())
	})

	t.Run("batch reference owned by another sku conflicts", func(t *testing.T) {
		seed(t, domain.NewProduct("DUP-A", 0, domain.NewBatch("dup-batch", "DUP-A", 5, nil)))

		err := newUoW().Do(ctx, func(ctx context.Context, tx port.Tx) error {
			if err := tx.Products().Add(ctx, domain.NewProduct("DUP-B", 0,
				domain.NewBatch("dup-batch", "DUP-B", 7, nil))); err != nil {
				return err
			}
			return tx.Commit(ctx)
		})
		assert.ErrorIs(t, err, port.ErrConcurrencyConflict)

		err = newUoW().Do(ctx, func(ctx context.Context, tx port.Tx) error {
			owner, err := tx.Products().GetByBatchReference(ctx, "dup-batch")
			require.NoError(t, err)
			require.NotNil(t, owner)
			assert.Equal(t, "DUP-A", owner.SKU)
			assert.Equal(t, 5, owner.Batches()[0].PurchasedQuantity())
			return nil
		})
		require.NoError(t, err)
		assert.Nil(t, load(t, "DUP-B"))
	})

	t.Run("batch reference claimed twice in one commit conflicts", func(t *testing.T) {
		err := newUoW().Do(ctx, func(ctx context.Context, tx port.Tx) error {
			if err := tx.Products().Add(ctx, domain.NewProduct("TWIN-A", 0,
				domain.NewBatch("twin-batch", "TWIN-A", 1, nil))); err != nil {
				return err
			}
			if err := tx.Products().Add(ctx, domain.NewProduct("TWIN-B", 0,
				domain.NewBatch("twin-batch", "TWIN-B", 1, nil))); err != nil {
				return err
			}
			return tx.Commit(ctx)
		})
		assert.ErrorIs(t, err, port.ErrConcurrencyConflict)
		assert.Nil(t, load(t, "TWIN-A"))
		assert.Nil(t, load(t, "TWIN-B"))
	})

	t.Run("adding an existing sku conflicts", func(t *testing.T) {
		seed(t, domain.NewProduct("TAKEN-SKU", 0))

		err := newUoW().Do(ctx, func(ctx context.Context, tx port.Tx) error {
			if err := tx.Products().Add(ctx, domain.NewProduct("TAKEN-SKU", 0)); err != nil {
				return err
			}
			return tx.Commit(ctx)
		})
		assert.ErrorIs(t, err, port.ErrConcurrencyConflict)
	})

	t.Run("second commit is refused", func(t *testing.T) {
		err := newUoW().Do(ctx, func(ctx context.Context, tx port.Tx) error {
			if err := tx.Commit(ctx); err != nil {
				return err
			}
			return tx.Commit(ctx)
		})
		assert.ErrorIs(t, err, ErrScopeClosed)
	})
}
