package domain

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfStock      = errors.New("out of stock")
	ErrSKUMismatch     = errors.New("sku mismatch")
	ErrBatchNotFound   = errors.New("batch not found")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrDuplicateBatch  = errors.New("batch reference already in use")
)

// OutOfStockError is returned when no batch of a product can take a line.
type OutOfStockError struct {
	SKU string
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("Out of stock for sku %s", e.SKU)
}

func (e *OutOfStockError) Is(target error) bool {
	return target == ErrOutOfStock
}
