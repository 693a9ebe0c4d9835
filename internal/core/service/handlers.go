package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rl1809/allocation-service/internal/core/domain"
	"github.com/rl1809/allocation-service/internal/core/messagebus"
	"github.com/rl1809/allocation-service/internal/port"
)

const DefaultStockTeam = "stock@made.com"

var (
	ErrInvalidSKU    = errors.New("invalid sku")
	ErrNoAllocations = errors.New("no allocations for order")
)

type InvalidSKUError struct {
	SKU string
}

func (e *InvalidSKUError) Error() string {
	return fmt.Sprintf("Invalid sku %s", e.SKU)
}

func (e *InvalidSKUError) Is(target error) bool {
	return target == ErrInvalidSKU
}

// Handlers holds the collaborators message handlers reach outside the unit
// of work. Nil collaborators disable the handlers that need them.
type Handlers struct {
	notifier  port.Notifier
	publisher port.EventPublisher
	view      port.AllocationView
	stockTeam string
	logger    *zap.Logger
}

type Option func(*Handlers)

func WithNotifier(n port.Notifier, destination string) Option {
	return func(h *Handlers) {
		h.notifier = n
		if destination != "" {
			h.stockTeam = destination
		}
	}
}

func WithPublisher(p port.EventPublisher) Option {
	return func(h *Handlers) { h.publisher = p }
}

func WithAllocationView(v port.AllocationView) Option {
	return func(h *Handlers) { h.view = v }
}

func NewHandlers(logger *zap.Logger, opts ...Option) *Handlers {
	h := &Handlers{stockTeam: DefaultStockTeam, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register wires every handler into r. Deallocated handlers run view first
// so a reallocation's Allocated lands on a clean entry.
func (h *Handlers) Register(r *messagebus.Registry) {
	messagebus.OnCommand(r, h.AddBatch)
	messagebus.OnCommand(r, h.Allocate)
	messagebus.OnCommand(r, h.ChangeBatchQuantity)

	messagebus.OnEvent(r, func(ctx context.Context, evt domain.BatchCreated, uow port.UnitOfWork) error {
		_, err := h.AddBatch(ctx, domain.CreateBatch(evt), uow)
		return err
	})

	if h.view != nil {
		messagebus.OnEvent(r, h.RecordAllocation)
		messagebus.OnEvent(r, h.ForgetAllocation)
	}
	messagebus.OnEvent(r, h.Reallocate)

	if h.notifier != nil {
		messagebus.OnEvent(r, h.NotifyOutOfStock)
	}
	if h.publisher != nil {
		messagebus.OnEvent(r, publish[domain.Allocated](h.publisher))
		messagebus.OnEvent(r, publish[domain.Deallocated](h.publisher))
		messagebus.OnEvent(r, publish[domain.OutOfStock](h.publisher))
	}
}

// AddBatch creates the product on first sight of a sku. It reports whether
// the batch was new; a known reference is left untouched. A reference held by
// another sku fails with domain.ErrDuplicateBatch.
func (h *Handlers) AddBatch(ctx context.Context, cmd domain.CreateBatch, uow port.UnitOfWork) (bool, error) {
	var added bool
	err := uow.Do(ctx, func(ctx context.Context, tx port.Tx) error {
		owner, err := tx.Products().GetByBatchReference(ctx, cmd.Reference)
		if err != nil {
			return err
		}
		if owner != nil && owner.SKU != cmd.SKU {
			return fmt.Errorf("%w: %s belongs to sku %s", domain.ErrDuplicateBatch, cmd.Reference, owner.SKU)
		}

		product, err := tx.Products().Get(ctx, cmd.SKU)
		if err != nil {
			return err
		}
		if product == nil {
			product = domain.NewProduct(cmd.SKU, 0)
			if err := tx.Products().Add(ctx, product); err != nil {
				return err
			}
		}

		added, err = product.AddBatch(domain.NewBatch(cmd.Reference, cmd.SKU, cmd.Qty, cmd.ETA))
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return false, err
	}

	if added {
		h.logger.Info("batch added",
			zap.String("ref", cmd.Reference),
			zap.String("sku", cmd.SKU),
			zap.Int("qty", cmd.Qty),
		)
	}
	return added, nil
}

// Allocate returns the reference of the batch holding the line. A failed
// attempt is still committed so its OutOfStock event goes out.
func (h *Handlers) Allocate(ctx context.Context, cmd domain.AllocateOrderLine, uow port.UnitOfWork) (string, error) {
	line := domain.OrderLine{OrderID: cmd.OrderID, SKU: cmd.SKU, Qty: cmd.Qty}

	var batchRef string
	err := uow.Do(ctx, func(ctx context.Context, tx port.Tx) error {
		product, err := tx.Products().Get(ctx, line.SKU)
		if err != nil {
			return err
		}
		if product == nil {
			return &InvalidSKUError{SKU: line.SKU}
		}

		ref, events, err := product.Allocate(line)
		tx.Record(product, events...)
		if errors.Is(err, domain.ErrOutOfStock) {
			if cerr := tx.Commit(ctx); cerr != nil {
				return cerr
			}
			return err
		}
		if err != nil {
			return err
		}

		batchRef = ref
		return tx.Commit(ctx)
	})
	if err != nil {
		return "", err
	}
	return batchRef, nil
}

// ChangeBatchQuantity returns how many lines were released from the batch.
func (h *Handlers) ChangeBatchQuantity(ctx context.Context, cmd domain.ChangeBatchQuantity, uow port.UnitOfWork) (int, error) {
	var released int
	err := uow.Do(ctx, func(ctx context.Context, tx port.Tx) error {
		product, err := tx.Products().GetByBatchReference(ctx, cmd.Reference)
		if err != nil {
			return err
		}
		if product == nil {
			return fmt.Errorf("%w: %s", domain.ErrBatchNotFound, cmd.Reference)
		}

		events, err := product.ChangeBatchQuantity(cmd.Reference, cmd.Qty)
		if err != nil {
			return err
		}
		tx.Record(product, events...)
		released = len(events)
		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

// Reallocate puts a released line back through allocation.
func (h *Handlers) Reallocate(ctx context.Context, evt domain.Deallocated, uow port.UnitOfWork) error {
	_, err := h.Allocate(ctx, domain.AllocateOrderLine{OrderID: evt.OrderID, SKU: evt.SKU, Qty: evt.Qty}, uow)
	return err
}

func (h *Handlers) NotifyOutOfStock(ctx context.Context, evt domain.OutOfStock, _ port.UnitOfWork) error {
	return h.notifier.Send(ctx, h.stockTeam, fmt.Sprintf("Out of stock for %s", evt.SKU))
}

func (h *Handlers) RecordAllocation(ctx context.Context, evt domain.Allocated, _ port.UnitOfWork) error {
	return h.view.Add(ctx, evt.OrderID, evt.SKU, evt.BatchRef)
}

func (h *Handlers) ForgetAllocation(ctx context.Context, evt domain.Deallocated, _ port.UnitOfWork) error {
	return h.view.Remove(ctx, evt.OrderID, evt.SKU, evt.BatchRef)
}

// Allocations reads the order's allocations from the view.
func (h *Handlers) Allocations(ctx context.Context, orderID string) ([]port.Allocation, error) {
	if h.view == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoAllocations, orderID)
	}
	allocations, err := h.view.ForOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(allocations) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAllocations, orderID)
	}
	return allocations, nil
}

func publish[E domain.Event](p port.EventPublisher) func(context.Context, E, port.UnitOfWork) error {
	return func(ctx context.Context, evt E, _ port.UnitOfWork) error {
		return p.Publish(ctx, evt)
	}
}
