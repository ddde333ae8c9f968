package ports

import (
	"context"

	"github.com/layer-3/formguard/core"
)

// EventPublisher forwards lifecycle events out of process
type EventPublisher interface {
	PublishEvent(ctx context.Context, event core.Event) error
}

// ContactSink receives the validated contact record of an accepted submission
type ContactSink interface {
	AddContact(ctx context.Context, contact core.Contact) error
}
