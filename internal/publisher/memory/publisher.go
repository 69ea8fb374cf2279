// Package memory records published record notifications in process memory.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Message captures one publish call.
type Message struct {
	Topic   string
	Payload any
}

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	err      error
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish canceled: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, Message{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// FailWith makes subsequent publishes return err; nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Messages returns the recorded publishes for topic, or all of them when
// topic is empty.
func (p *Publisher) Messages(topic string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, 0, len(p.messages))
	for _, msg := range p.messages {
		if topic == "" || msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}
