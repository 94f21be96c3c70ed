// Package memory records published alert events in process.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/civic-ingest/internal/publisher"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	err      error
}

// Message captures one publish call.
type Message struct {
	Topic   string
	Payload any
}

var _ publisher.Publisher = (*Publisher)(nil)

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes every later Publish return err. Nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, Message{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// AlertEvents returns the recorded payloads that are alert events.
func (p *Publisher) AlertEvents() []publisher.AlertEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []publisher.AlertEvent
	for _, m := range p.messages {
		if ev, ok := m.Payload.(publisher.AlertEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}
