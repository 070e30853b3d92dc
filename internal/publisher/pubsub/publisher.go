// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
)

// TopicResolver hands out topic handles by ID. *pubsub.Client satisfies it.
type TopicResolver interface {
	Topic(id string) *pubsub.Topic
}

// Publisher publishes JSON payloads. Logical topic names are mapped to
// Pub/Sub topic IDs through Routes; unmapped names use DefaultTopic.
type Publisher struct {
	client       TopicResolver
	defaultTopic string
	routes       map[string]string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// Config configures a Publisher.
type Config struct {
	DefaultTopic string
	Routes       map[string]string
}

// New creates a Publisher backed by client.
func New(client TopicResolver, cfg Config) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if cfg.DefaultTopic == "" && len(cfg.Routes) == 0 {
		return nil, errors.New("pubsub topic is required")
	}
	return &Publisher{
		client:       client,
		defaultTopic: cfg.DefaultTopic,
		routes:       cfg.Routes,
		topics:       make(map[string]*pubsub.Topic),
	}, nil
}

// TopicID resolves a logical topic name.
func (p *Publisher) TopicID(name string) string {
	if id, ok := p.routes[name]; ok && id != "" {
		return id
	}
	return p.defaultTopic
}

// Publish marshals the payload to JSON and publishes it, waiting for the
// server-assigned message ID.
func (p *Publisher) Publish(ctx context.Context, name string, payload any) (string, error) {
	id := p.TopicID(name)
	if id == "" {
		return "", fmt.Errorf("no pubsub topic configured for %q", name)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: map[string]string{"event_type": name}}
	otel.GetTextMapPropagator().Inject(ctx, Carrier(msg.Attributes))

	result := p.topic(id).Publish(ctx, msg)
	serverID, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return serverID, nil
}

// Close flushes and stops every topic handle opened by the publisher.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.topics {
		t.Stop()
		delete(p.topics, id)
	}
}

func (p *Publisher) topic(id string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[id]
	if !ok {
		t = p.client.Topic(id)
		p.topics[id] = t
	}
	return t
}

// Carrier adapts Pub/Sub message attributes to propagation.TextMapCarrier.
type Carrier map[string]string

// Get returns the value stored under key.
func (c Carrier) Get(key string) string {
	return c[key]
}

// Set stores value under key.
func (c Carrier) Set(key, value string) {
	c[key] = value
}

// Keys lists the stored keys.
func (c Carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
