// Package pubsub publishes found-job notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// sendFunc delivers one message and returns the server-assigned id.
type sendFunc func(ctx context.Context, msg *pubsub.Message) (string, error)

// Publisher publishes JSON payloads to a single topic. Trace context is
// carried in the message attributes.
type Publisher struct {
	send       sendFunc
	propagator propagation.TextMapPropagator
	close      func() error
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithPropagator overrides the global otel propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(pub *Publisher) {
		if p != nil {
			pub.propagator = p
		}
	}
}

// New connects to project and publishes to topicID.
func New(ctx context.Context, project, topicID string, opts ...Option) (*Publisher, error) {
	if project == "" || topicID == "" {
		return nil, fmt.Errorf("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	send := func(ctx context.Context, msg *pubsub.Message) (string, error) {
		return topic.Publish(ctx, msg).Get(ctx)
	}
	closeFn := func() error {
		topic.Stop()
		return client.Close()
	}
	return newPublisher(send, closeFn, opts...), nil
}

func newPublisher(send sendFunc, closeFn func() error, opts ...Option) *Publisher {
	p := &Publisher{send: send, propagator: otel.GetTextMapPropagator(), close: closeFn}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish marshals payload to JSON and publishes it. The topic argument is
// informational; the publisher is bound to one topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: map[string]string{}}
	if topic != "" {
		msg.Attributes["topic"] = topic
	}
	p.propagator.Inject(ctx, attributeCarrier(msg.Attributes))

	id, err := p.send(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and releases the client.
func (p *Publisher) Close() error {
	if p.close == nil {
		return nil
	}
	return p.close()
}

// attributeCarrier adapts message attributes to propagation.TextMapCarrier.
type attributeCarrier map[string]string

func (c attributeCarrier) Get(key string) string { return c[key] }

func (c attributeCarrier) Set(key, value string) { c[key] = value }

func (c attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
