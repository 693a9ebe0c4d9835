package messagebus

import (
	"context"
	"fmt"

	"github.com/rl1809/allocation-service/internal/core/domain"
	"github.com/rl1809/allocation-service/internal/port"
)

type CommandHandler func(ctx context.Context, cmd domain.Command, uow port.UnitOfWork) (any, error)

type EventHandler func(ctx context.Context, evt domain.Event, uow port.UnitOfWork) error

// Registry maps message names to handlers. It is filled once at startup and
// only read afterwards.
type Registry struct {
	commands map[string]CommandHandler
	events   map[string][]EventHandler
}

func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]CommandHandler),
		events:   make(map[string][]EventHandler),
	}
}

// OnCommand registers the single handler for command type C. Registering a
// second handler for the same command panics.
func OnCommand[C domain.Command, R any](r *Registry, h func(ctx context.Context, cmd C, uow port.UnitOfWork) (R, error)) {
	var zero C
	name := zero.Name()
	if _, exists := r.commands[name]; exists {
		panic(fmt.Sprintf("messagebus: duplicate handler for command %s", name))
	}
	r.commands[name] = func(ctx context.Context, cmd domain.Command, uow port.UnitOfWork) (any, error) {
		c, ok := cmd.(C)
		if !ok {
			return nil, fmt.Errorf("%w: %T registered as %s", ErrUnexpectedMessage, cmd, name)
		}
		return h(ctx, c, uow)
	}
}

// OnEvent appends a handler for event type E. Handlers run in registration
// order.
func OnEvent[E domain.Event](r *Registry, h func(ctx context.Context, evt E, uow port.UnitOfWork) error) {
	var zero E
	name := zero.Name()
	r.events[name] = append(r.events[name], func(ctx context.Context, evt domain.Event, uow port.UnitOfWork) error {
		e, ok := evt.(E)
		if !ok {
			return fmt.Errorf("%w: %T registered as %s", ErrUnexpectedMessage, evt, name)
		}
		return h(ctx, e, uow)
	})
}

func (r *Registry) command(name string) (CommandHandler, bool) {
	h, ok := r.commands[name]
	return h, ok
}

func (r *Registry) eventHandlers(name string) []EventHandler {
	return r.events[name]
}
