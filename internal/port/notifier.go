package port

import (
	"context"

	"github.com/rl1809/allocation-service/internal/core/domain"
)

type Notifier interface {
	Send(ctx context.Context, destination, message string) error
}

// EventPublisher hands events to other services.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}
