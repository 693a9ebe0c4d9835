package handler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/allocation-service/internal/core/domain"
	"github.com/rl1809/allocation-service/internal/port"
)

// mockDispatcher replays scripted outcomes, then repeats the last one.
type mockDispatcher struct {
	mu       sync.Mutex
	results  []any
	errs     []error
	received []domain.Message
}

func (m *mockDispatcher) Handle(ctx context.Context, msg domain.Message) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := min(len(m.received), len(m.errs)-1)
	m.received = append(m.received, msg)

	var result any
	if i < len(m.results) {
		result = m.results[i]
	}
	return result, m.errs[i]
}

var fastRetry = RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond}

func TestDispatch_RetriesConflicts(t *testing.T) {
	d := &mockDispatcher{
		results: []any{nil, nil, "batch-001"},
		errs:    []error{port.ErrConcurrencyConflict, port.ErrConcurrencyConflict, nil},
	}

	result, err := dispatch(context.Background(), d, fastRetry, domain.AllocateOrderLine{OrderID: "o1", SKU: "LAMP", Qty: 1})

	require.NoError(t, err)
	assert.Equal(t, "batch-001", result)
	assert.Len(t, d.received, 3)
}

func TestDispatch_GivesUpAfterMaxAttempts(t *testing.T) {
	d := &mockDispatcher{errs: []error{port.ErrConcurrencyConflict}}

	_, err := dispatch(context.Background(), d, fastRetry, domain.AllocateOrderLine{OrderID: "o1", SKU: "LAMP", Qty: 1})

	assert.ErrorIs(t, err, port.ErrConcurrencyConflict)
	assert.Len(t, d.received, 3)
}

func TestDispatch_DoesNotRetryOtherErrors(t *testing.T) {
	d := &mockDispatcher{errs: []error{&domain.OutOfStockError{SKU: "LAMP"}}}

	_, err := dispatch(context.Background(), d, fastRetry, domain.AllocateOrderLine{OrderID: "o1", SKU: "LAMP", Qty: 1})

	assert.ErrorIs(t, err, domain.ErrOutOfStock)
	assert.Len(t, d.received, 1)
}

func TestDispatch_ZeroPolicyTriesOnce(t *testing.T) {
	d := &mockDispatcher{errs: []error{errors.New("x"), nil}}

	_, err := dispatch(context.Background(), d, RetryPolicy{}, domain.CreateBatch{Reference: "b1", SKU: "LAMP", Qty: 1})

	assert.Error(t, err)
	assert.Len(t, d.received, 1)
}
