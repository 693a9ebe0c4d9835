package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/rl1809/allocation-service/internal/core/domain"
	"github.com/rl1809/allocation-service/internal/port"
)

// MessageReader is the slice of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Dispatcher hands decoded events to the message bus.
type Dispatcher interface {
	Handle(ctx context.Context, msg domain.Message) (any, error)
}

// batchCreatedPayload is what the purchasing side sends. eta is a date or
// null.
type batchCreatedPayload struct {
	Ref string  `json:"ref"`
	SKU string  `json:"sku"`
	Qty int     `json:"qty"`
	ETA *string `json:"eta"`
}

// BatchConsumer turns BatchCreated events from Kafka into CreateBatch
// commands on the bus. Offsets
// are committed after handling, so delivery is at least once; a
// Deduplicator, when set, drops replays.
type BatchConsumer struct {
	reader  MessageReader
	bus     Dispatcher
	dedup   port.Deduplicator
	logger  *zap.Logger
	backoff time.Duration
}

func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

func NewBatchConsumer(reader MessageReader, bus Dispatcher, dedup port.Deduplicator, logger *zap.Logger) *BatchConsumer {
	return &BatchConsumer{
		reader:  reader,
		bus:     bus,
		dedup:   dedup,
		logger:  logger,
		backoff: time.Second,
	}
}

// Run consumes until ctx is cancelled.
func (c *BatchConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		// the reader moves on after a fetch, so a failed message is retried
		// here until it goes through
		for {
			err := c.handle(ctx, msg)
			if err == nil {
				break
			}
			c.logger.Error("batch event not handled, retrying",
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

func (c *BatchConsumer) Close() error {
	return c.reader.Close()
}

// handle returns an error only for failures worth retrying; malformed
// payloads and batches the domain refuses are logged and skipped.
func (c *BatchConsumer) handle(ctx context.Context, msg kafka.Message) error {
	carrier := propagation.MapCarrier{}
	for _, h := range msg.Headers {
		carrier[h.Key] = string(h.Value)
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)

	evt, err := decodeBatchCreated(msg.Value)
	if err != nil {
		c.logger.Warn("dropping malformed batch event",
			zap.ByteString("key", msg.Key),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return nil
	}

	id := fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	if c.dedup != nil {
		first, err := c.dedup.FirstSeen(ctx, id)
		if err != nil {
			return err
		}
		if !first {
			c.logger.Info("skipping redelivered batch event", zap.String("delivery", id))
			return nil
		}
	}

	// dispatched as the command so failures reach us instead of being
	// swallowed like event handler errors
	if _, err := c.bus.Handle(ctx, domain.CreateBatch(evt)); err != nil {
		if rejected(err) {
			c.logger.Warn("dropping rejected batch event",
				zap.String("ref", evt.Reference),
				zap.String("sku", evt.SKU),
				zap.String("delivery", id),
				zap.Error(err),
			)
			return nil
		}
		if c.dedup != nil {
			if ferr := c.dedup.Forget(ctx, id); ferr != nil {
				err = errors.Join(err, ferr)
			}
		}
		return err
	}

	c.logger.Info("batch received", zap.String("ref", evt.Reference), zap.String("sku", evt.SKU))
	return nil
}

// rejected reports whether the domain refused the batch, so handling it again
// cannot succeed.
func rejected(err error) bool {
	return errors.Is(err, domain.ErrDuplicateBatch) ||
		errors.Is(err, domain.ErrInvalidQuantity) ||
		errors.Is(err, domain.ErrSKUMismatch)
}

func decodeBatchCreated(value []byte) (domain.BatchCreated, error) {
	var p batchCreatedPayload
	if err := json.Unmarshal(value, &p); err != nil {
		return domain.BatchCreated{}, fmt.Errorf("decode: %w", err)
	}
	if p.Ref == "" || p.SKU == "" || p.Qty < 0 {
		return domain.BatchCreated{}, fmt.Errorf("incomplete batch %q for sku %q", p.Ref, p.SKU)
	}

	evt := domain.BatchCreated{Reference: p.Ref, SKU: p.SKU, Qty: p.Qty}
	if p.ETA != nil && *p.ETA != "" {
		eta, err := time.Parse(time.DateOnly, *p.ETA)
		if err != nil {
			return domain.BatchCreated{}, fmt.Errorf("eta: %w", err)
		}
		evt.ETA = &eta
	}
	return evt, nil
}
