package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/layer-3/formguard/core"
	"github.com/layer-3/formguard/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newPubSub(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, NewZapLogger(nil))
	t.Cleanup(func() { _ = pubSub.Close() })
	return pubSub
}

func receive(t *testing.T, messages <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-messages:
		msg.Ack()
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestPublishEvent(t *testing.T) {
	pubSub := newPubSub(t)
	pub := NewWatermillPublisher(pubSub)

	messages, err := pubSub.Subscribe(context.Background(), pub.Topic(core.EventSecurity))
	require.NoError(t, err)

	event := core.SecurityEvent(core.KindHoneypot, core.LevelWarn, "attempt-1")
	event.ID = watermill.NewUUID()
	event.Fields = map[string]string{"email": "a@example.com"}
	require.NoError(t, pub.PublishEvent(context.Background(), event))

	msg := receive(t, messages)
	assert.Equal(t, event.ID, msg.UUID)
	assert.Equal(t, "security", msg.Metadata.Get("type"))
	assert.Equal(t, "honeypot", msg.Metadata.Get("kind"))
	assert.Equal(t, "attempt-1", msg.Metadata.Get("attempt_id"))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &decoded))
	assert.Equal(t, "honeypot", decoded["kind"])
	assert.NotContains(t, string(msg.Payload), "a@example.com")
}

func TestForwardFromBus(t *testing.T) {
	pubSub := newPubSub(t)
	pub := NewWatermillPublisher(pubSub)
	bus := eventbus.New(nil)

	messages, err := pubSub.Subscribe(context.Background(), pub.Topic(core.EventSuccess))
	require.NoError(t, err)

	unsub := pub.Forward(bus, nil)
	defer unsub()

	bus.Emit(core.Event{Type: core.EventSuccess, AttemptID: "a-2"})
	msg := receive(t, messages)
	assert.Equal(t, "a-2", msg.Metadata.Get("attempt_id"))
}

type failingPublisher struct{}

func (failingPublisher) Publish(topic string, messages ...*message.Message) error {
	return assert.AnError
}

func (failingPublisher) Close() error { return nil }

func TestForwardFailureIsContained(t *testing.T) {
	logCore, logs := observer.New(zapcore.WarnLevel)
	bus := eventbus.New(zap.New(logCore))
	pub := NewWatermillPublisher(failingPublisher{})
	pub.Forward(bus, nil)

	delivered := false
	bus.Subscribe(core.EventError, func(core.Event) error { delivered = true; return nil })

	assert.NotPanics(t, func() { bus.Emit(core.Event{Type: core.EventError}) })
	assert.True(t, delivered)
	assert.Equal(t, 1, logs.FilterMessage("event handler failed").Len())
}

func TestZapLoggerWith(t *testing.T) {
	logCore, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLogger(zap.New(logCore)).With(watermill.LogFields{"topic": "t"})

	logger.Info("published", watermill.LogFields{"n": 1})
	logger.Error("failed", assert.AnError, nil)

	require.Equal(t, 2, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "published", entry.Message)
	assert.Equal(t, "t", entry.ContextMap()["topic"])
}

func TestAddContact(t *testing.T) {
	pubSub := newPubSub(t)
	pub := NewWatermillPublisher(pubSub)

	messages, err := pubSub.Subscribe(context.Background(), pub.ContactTopic())
	require.NoError(t, err)

	require.NoError(t, pub.AddContact(context.Background(), core.Contact{Email: "a@example.com", FirstName: "Ada"}))

	msg := receive(t, messages)
	assert.JSONEq(t, `{"email":"a@example.com","firstName":"Ada"}`, string(msg.Payload))
}
