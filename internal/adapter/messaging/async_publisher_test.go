package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/allocation-service/internal/core/domain"
)

type recordingPublisher struct {
	mu      sync.Mutex
	events  []domain.Event
	traces  []trace.TraceID
	release chan struct{}
	delay   func(domain.Event) time.Duration
	err     error
}

func (r *recordingPublisher) Publish(ctx context.Context, event domain.Event) error {
	if r.release != nil {
		<-r.release
	}
	if r.delay != nil {
		time.Sleep(r.delay(event))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.traces = append(r.traces, trace.SpanContextFromContext(ctx).TraceID())
	return r.err
}

func (r *recordingPublisher) published() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func TestAsyncPublisher_DrainsOnClose(t *testing.T) {
	next := &recordingPublisher{}
	p := NewAsyncPublisher(next, 3, 100, time.Second, zap.NewNop())

	for i := 0; i < 20; i++ {
		require.NoError(t, p.Publish(context.Background(), domain.OutOfStock{SKU: "LAMP"}))
	}
	p.Close()

	assert.Len(t, next.published(), 20)
	assert.ErrorIs(t, p.Publish(context.Background(), domain.OutOfStock{SKU: "LAMP"}), ErrPublisherClosed)

	// second close is a no-op
	p.Close()
}

func TestAsyncPublisher_QueueFull(t *testing.T) {
	next := &recordingPublisher{release: make(chan struct{})}
	p := NewAsyncPublisher(next, 1, 1, time.Second, zap.NewNop())

	ctx := context.Background()
	// the worker takes the first event and blocks, the second fills the queue
	require.NoError(t, p.Publish(ctx, domain.OutOfStock{SKU: "A"}))
	require.Eventually(t, func() bool { return len(p.queues[0]) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Publish(ctx, domain.OutOfStock{SKU: "B"}))

	assert.ErrorIs(t, p.Publish(ctx, domain.OutOfStock{SKU: "C"}), ErrQueueFull)

	close(next.release)
	p.Close()
	assert.Equal(t, []domain.Event{domain.OutOfStock{SKU: "A"}, domain.OutOfStock{SKU: "B"}}, next.published())
}

func TestAsyncPublisher_FailureIsLoggedNotReturned(t *testing.T) {
	next := &recordingPublisher{err: errors.New("broker down")}
	p := NewAsyncPublisher(next, 1, 10, time.Second, zap.NewNop())

	require.NoError(t, p.Publish(context.Background(), domain.OutOfStock{SKU: "LAMP"}))
	p.Close()

	assert.Len(t, next.published(), 1)
}

func TestAsyncPublisher_CarriesTrace(t *testing.T) {
	next := &recordingPublisher{}
	p := NewAsyncPublisher(next, 1, 10, time.Second, zap.NewNop())

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0xab},
		SpanID:     trace.SpanID{0xcd},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	require.NoError(t, p.Publish(ctx, domain.OutOfStock{SKU: "LAMP"}))
	p.Close()

	require.Len(t, next.traces, 1)
	assert.Equal(t, sc.TraceID(), next.traces[0])
}

func TestAsyncPublisher_KeepsOrderPerSKU(t *testing.T) {
	allocated := domain.Allocated{OrderID: "o1", SKU: "LAMP", Qty: 1, BatchRef: "b1"}
	deallocated := domain.Deallocated{OrderID: "o1", SKU: "LAMP", Qty: 1, BatchRef: "b1"}
	next := &recordingPublisher{delay: func(e domain.Event) time.Duration {
		if e == domain.Event(allocated) {
			return 50 * time.Millisecond
		}
		return 0
	}}
	p := NewAsyncPublisher(next, 10, 10, time.Second, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, p.Publish(ctx, allocated))
	require.NoError(t, p.Publish(ctx, deallocated))
	for _, sku := range []string{"RUG", "SOFA", "CHAIR", "TABLE", "VASE"} {
		require.NoError(t, p.Publish(ctx, domain.OutOfStock{SKU: sku}))
	}
	p.Close()

	var lamp []domain.Event
	for _, e := range next.published() {
		if partitionKey(e) == "LAMP" {
			lamp = append(lamp, e)
		}
	}
	assert.Equal(t, []domain.Event{allocated, deallocated}, lamp)
	assert.Len(t, next.published(), 7)
}

func TestAsyncPublisher_SameKeySameWorker(t *testing.T) {
	p := NewAsyncPublisher(&recordingPublisher{}, 8, 1, time.Second, zap.NewNop())
	defer p.Close()

	shard := p.shard(domain.Allocated{SKU: "LAMP"})
	assert.Equal(t, shard, p.shard(domain.Deallocated{SKU: "LAMP"}))
	assert.Equal(t, shard, p.shard(domain.OutOfStock{SKU: "LAMP"}))
	assert.GreaterOrEqual(t, shard, 0)
	assert.Less(t, shard, 8)
}
