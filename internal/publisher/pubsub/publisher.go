// Package pubsub announces saved records on Google Cloud Pub/Sub topics.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

// Publisher publishes JSON payloads, caching one *pubsub.Topic per name.
type Publisher struct {
	client *pubsub.Client
	owned  bool

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New wraps an existing client.
func New(client *pubsub.Client) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	return &Publisher{client: client, topics: make(map[string]*pubsub.Topic)}, nil
}

// Open creates a client for projectID. Close releases it.
func Open(ctx context.Context, projectID string, opts ...option.ClientOption) (*Publisher, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, fmt.Errorf("pubsub.project_id is required")
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p, err := New(client)
	if err != nil {
		return nil, err
	}
	p.owned = true
	return p, nil
}

// Publish marshals payload to JSON and waits for the server-assigned id.
// Records also carry plugin, session and label attributes for filtering.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if strings.TrimSpace(topic) == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data}
	if rec, ok := payload.(crawl.Record); ok {
		msg.Attributes = map[string]string{
			"plugin":     rec.Plugin,
			"session_id": rec.SessionID,
			"label":      string(rec.Label),
		}
	}

	id, err := p.topic(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

func (p *Publisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}

// Close flushes pending publishes and closes an owned client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for name, t := range p.topics {
		t.Stop()
		delete(p.topics, name)
	}
	p.mu.Unlock()
	if !p.owned {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
