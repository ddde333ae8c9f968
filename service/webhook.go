package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/layer-3/formguard/core"
	"github.com/layer-3/formguard/eventbus"
	"go.uber.org/zap"
)

// WebhookPayload is the body delivered to a webhook destination
type WebhookPayload struct {
	Event     core.EventType    `json:"event"`
	AttemptID string            `json:"attemptId,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data"`
	Result    any               `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// relayEnvelope wraps a payload for the webhook relay endpoint
type relayEnvelope struct {
	Destination string            `json:"destination"`
	Payload     WebhookPayload    `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// WebhookDispatcher delivers lifecycle events to external destinations.
// Deliveries run in the background and never influence the verdict.
type WebhookDispatcher struct {
	client   *http.Client
	relayURL string
	logger   *zap.Logger
	now      func() time.Time
	sleep    func(time.Duration)

	wg sync.WaitGroup
}

// NewWebhookDispatcher creates a dispatcher. When relayURL is set every
// delivery goes through the relay instead of directly to the destination.
func NewWebhookDispatcher(client *http.Client, relayURL string, logger *zap.Logger) *WebhookDispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookDispatcher{
		client:   client,
		relayURL: relayURL,
		logger:   logger,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// BuildPayload applies the target's field policy and assembles the body
func (d *WebhookDispatcher) BuildPayload(target core.WebhookTarget, eventType core.EventType, attemptID string, formData map[string]string, result any, err error) WebhookPayload {
	payload := WebhookPayload{
		Event:     eventType,
		AttemptID: attemptID,
		Timestamp: d.now(),
		Data:      target.Filter(formData),
		Result:    result,
	}
	if err != nil {
		payload.Error = err.Error()
		if rej, ok := core.AsRejection(err); ok {
			payload.Error = rej.UserMessage()
		}
	}
	return payload
}

// Dispatch delivers one event to target in the background
func (d *WebhookDispatcher) Dispatch(ctx context.Context, target core.WebhookTarget, eventType core.EventType, attemptID string, formData map[string]string, result any, err error) {
	payload := d.BuildPayload(target, eventType, attemptID, formData, result, err)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		// Delivery outlives the submission request
		deliverCtx := context.WithoutCancel(ctx)
		if derr := d.deliver(deliverCtx, target, payload); derr != nil {
			d.logger.Warn("webhook delivery failed",
				zap.String("target", target.Name),
				zap.String("event", string(eventType)),
				zap.String("attempt_id", attemptID),
				zap.Error(derr))
		}
	}()
}

// Wait blocks until every in-flight delivery has finished
func (d *WebhookDispatcher) Wait() {
	d.wg.Wait()
}

// Attach subscribes the dispatcher to submit, success and error events on
// bus and fans each one out to the targets subscribed to its type.
func (d *WebhookDispatcher) Attach(bus *eventbus.Bus, targets []core.WebhookTarget) func() {
	types := []core.EventType{core.EventSubmit, core.EventSuccess, core.EventError}
	return bus.SubscribeMany(types, func(e core.Event) error {
		var result any
		var err error
		if r, ok := e.Payload["result"]; ok {
			result = r
		}
		if msg, ok := e.Payload["message"].(string); ok && e.Type == core.EventError {
			err = errors.New(msg)
		}
		for _, t := range targets {
			if t.Subscribed(e.Type) {
				d.Dispatch(context.Background(), t, e.Type, e.AttemptID, e.Fields, result, err)
			}
		}
		return nil
	})
}

// deliver posts the payload with bounded linear retry: a fixed number of
// attempts separated by a fixed delay.
func (d *WebhookDispatcher) deliver(ctx context.Context, target core.WebhookTarget, payload WebhookPayload) error {
	url := target.URL
	var body []byte
	var err error
	headers := target.Headers

	if d.relayURL != "" {
		url = d.relayURL
		body, err = json.Marshal(relayEnvelope{Destination: target.URL, Payload: payload, Headers: target.Headers})
		headers = nil
	} else {
		body, err = json.Marshal(payload)
	}
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	attempts := target.Retry.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			d.sleep(target.Retry.Delay)
		}
		lastErr = d.post(ctx, url, headers, body)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
}

func (d *WebhookDispatcher) post(ctx context.Context, url string, headers map[string]string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("destination returned status %d", resp.StatusCode)
	}
	if d.relayURL == "" {
		return nil
	}

	// The relay answers 2xx once it made the call; the destination's own
	// result is in the body.
	var relayed RelayResponse
	if err := json.Unmarshal(raw, &relayed); err != nil {
		return fmt.Errorf("malformed relay response: %w", err)
	}
	if !relayed.Success {
		return fmt.Errorf("relayed destination returned status %d", relayed.StatusCode)
	}
	return nil
}
