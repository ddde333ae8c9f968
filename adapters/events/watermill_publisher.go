package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/formguard/core"
	"github.com/layer-3/formguard/eventbus"
	"go.uber.org/zap"
)

// DefaultTopicPrefix prefixes the per-type topics events are published to
const DefaultTopicPrefix = "formguard."

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
	prefix    string
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) *WatermillPublisher {
	return &WatermillPublisher{
		publisher: publisher,
		prefix:    DefaultTopicPrefix,
	}
}

// Topic returns the topic an event type is published to
func (p *WatermillPublisher) Topic(t core.EventType) string {
	return p.prefix + string(t)
}

// PublishEvent publishes a lifecycle event. Form values are never included.
func (p *WatermillPublisher) PublishEvent(ctx context.Context, event core.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	id := event.ID
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("type", string(event.Type))
	if event.Kind != "" {
		msg.Metadata.Set("kind", string(event.Kind))
	}
	if event.AttemptID != "" {
		msg.Metadata.Set("attempt_id", event.AttemptID)
	}

	if err := p.publisher.Publish(p.Topic(event.Type), msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// ContactTopic returns the topic accepted contacts are published to
func (p *WatermillPublisher) ContactTopic() string {
	return p.prefix + "contact"
}

// AddContact publishes the contact record of an accepted submission
func (p *WatermillPublisher) AddContact(ctx context.Context, contact core.Contact) error {
	payload, err := json.Marshal(contact)
	if err != nil {
		return fmt.Errorf("failed to marshal contact: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if err := p.publisher.Publish(p.ContactTopic(), msg); err != nil {
		return fmt.Errorf("failed to publish contact: %w", err)
	}
	return nil
}

// Forward subscribes the publisher to every event type on bus. Publish
// failures are logged by the bus and never reach the emitter.
func (p *WatermillPublisher) Forward(bus *eventbus.Bus, logger *zap.Logger) func() {
	if logger == nil {
		logger = zap.NewNop()
	}
	types := []core.EventType{core.EventSubmit, core.EventSuccess, core.EventError, core.EventSecurity}
	return bus.SubscribeMany(types, func(e core.Event) error {
		if err := p.PublishEvent(context.Background(), e); err != nil {
			logger.Debug("event forward failed", zap.String("id", e.ID), zap.Error(err))
			return err
		}
		return nil
	})
}
