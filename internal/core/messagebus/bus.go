package messagebus

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/allocation-service/internal/core/domain"
	"github.com/rl1809/allocation-service/internal/port"
)

var (
	ErrUnhandledCommand  = errors.New("no handler registered for command")
	ErrUnknownMessage    = errors.New("message is neither command nor event")
	ErrUnexpectedMessage = errors.New("unexpected message type")
)

// Bus dispatches messages to their handlers and drains the events those
// handlers commit. It holds no state between Handle calls.
type Bus struct {
	registry *Registry
	newUoW   port.UnitOfWorkFactory
	logger   *zap.Logger
	tracer   trace.Tracer
}

func New(registry *Registry, newUoW port.UnitOfWorkFactory, logger *zap.Logger) *Bus {
	return &Bus{
		registry: registry,
		newUoW:   newUoW,
		logger:   logger,
		tracer:   otel.Tracer("allocation-service/messagebus"),
	}
}

// Handle processes msg and every event it cascades into, FIFO. It returns the
// result of msg's own handler.
//
// A failing command stops the call: queued messages are dropped and the error
// is returned once the events the failing handler managed to commit have been
// dispatched. Event handler failures are logged and never returned.
func (b *Bus) Handle(ctx context.Context, msg domain.Message) (any, error) {
	uow := b.newUoW()
	logger := b.logger.With(
		zap.String("correlation_id", uuid.NewString()),
		zap.String("origin", msg.Name()),
	)

	var (
		result  any
		failure error
	)
	queue := []domain.Message{msg}
	for first := true; len(queue) > 0; first = false {
		next := queue[0]
		queue = queue[1:]

		switch m := next.(type) {
		case domain.Command:
			res, err := b.handleCommand(ctx, m, uow, logger)
			if first {
				result = res
			}
			if err != nil {
				failure = err
				queue = nil
			}
			queue = appendEvents(queue, uow.CollectNewEvents())
		case domain.Event:
			queue = b.handleEvent(ctx, m, uow, queue, logger)
		default:
			return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, next)
		}
	}

	if failure != nil {
		return nil, failure
	}
	return result, nil
}

func (b *Bus) handleCommand(ctx context.Context, cmd domain.Command, uow port.UnitOfWork, logger *zap.Logger) (any, error) {
	ctx, span := b.tracer.Start(ctx, "command "+cmd.Name(),
		trace.WithAttributes(attribute.String("message.kind", "command")))
	defer span.End()

	handler, ok := b.registry.command(cmd.Name())
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnhandledCommand, cmd.Name())
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	logger.Debug("handling command", zap.String("command", cmd.Name()))
	result, err := handler(ctx, cmd, uow)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("command failed", zap.String("command", cmd.Name()), zap.Error(err))
		return nil, err
	}
	return result, nil
}

func (b *Bus) handleEvent(ctx context.Context, evt domain.Event, uow port.UnitOfWork, queue []domain.Message, logger *zap.Logger) []domain.Message {
	ctx, span := b.tracer.Start(ctx, "event "+evt.Name(),
		trace.WithAttributes(attribute.String("message.kind", "event")))
	defer span.End()

	handlers := b.registry.eventHandlers(evt.Name())
	logger.Debug("handling event", zap.String("event", evt.Name()), zap.Int("handlers", len(handlers)))

	for i, handler := range handlers {
		if err := b.dispatchEvent(ctx, handler, evt, uow); err != nil {
			span.RecordError(err)
			logger.Error("event handler failed",
				zap.String("event", evt.Name()),
				zap.Int("handler", i),
				zap.Error(err),
			)
		}
		queue = appendEvents(queue, uow.CollectNewEvents())
	}
	return queue
}

// dispatchEvent turns a handler panic into an error so siblings still run.
func (b *Bus) dispatchEvent(ctx context.Context, handler EventHandler, evt domain.Event, uow port.UnitOfWork) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, evt, uow)
}

func appendEvents(queue []domain.Message, events []domain.Event) []domain.Message {
	for _, e := range events {
		queue = append(queue, e)
	}
	return queue
}
