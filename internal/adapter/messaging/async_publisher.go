package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/allocation-service/internal/core/domain"
	"github.com/rl1809/allocation-service/internal/port"
)

var ErrPublisherClosed = errors.New("publisher closed")

var ErrQueueFull = errors.New("publish queue full")

type outgoing struct {
	event domain.Event
	span  trace.SpanContext
}

// AsyncPublisher hands events to a fixed pool of workers so a slow broker
// never holds up a request. Each worker owns a queue and events are routed by
// partition key, so events of one sku go out in the order they were
// published. Close drains every queue before returning.
type AsyncPublisher struct {
	next     port.EventPublisher
	queues   []chan outgoing
	shards   []int
	balancer *kafka.Hash
	timeout  time.Duration
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsyncPublisher starts workers, each buffering up to queueSize events.
func NewAsyncPublisher(next port.EventPublisher, workers, queueSize int, timeout time.Duration, logger *zap.Logger) *AsyncPublisher {
	workers = max(workers, 1)
	p := &AsyncPublisher{
		next:     next,
		queues:   make([]chan outgoing, workers),
		shards:   make([]int, workers),
		balancer: &kafka.Hash{},
		timeout:  timeout,
		logger:   logger,
	}
	for i := range p.queues {
		p.queues[i] = make(chan outgoing, queueSize)
		p.shards[i] = i
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.workerLoop(id)
		}(i)
	}
	return p
}

// Publish enqueues event. It fails fast with ErrQueueFull rather than block.
func (p *AsyncPublisher) Publish(ctx context.Context, event domain.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}

	queue := p.queues[p.shard(event)]
	select {
	case queue <- outgoing{event: event, span: trace.SpanContextFromContext(ctx)}:
		return nil
	default:
		return ErrQueueFull
	}
}

// shard picks the worker for event the way the writer picks a partition.
func (p *AsyncPublisher) shard(event domain.Event) int {
	return p.balancer.Balance(kafka.Message{Key: []byte(partitionKey(event))}, p.shards...)
}

func (p *AsyncPublisher) workerLoop(id int) {
	for out := range p.queues[id] {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if out.span.IsValid() {
			ctx = trace.ContextWithRemoteSpanContext(ctx, out.span)
		}

		if err := p.next.Publish(ctx, out.event); err != nil {
			p.logger.Error("publish failed",
				zap.Int("worker", id),
				zap.String("event", out.event.Name()),
				zap.Error(err),
			)
		}
		cancel()
	}
}

func (p *AsyncPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
}
