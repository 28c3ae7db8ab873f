// Package memory records archive notifications in process memory. It is the
// publisher used when no Pub/Sub topic is configured.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// DefaultLimit bounds the number of retained messages.
const DefaultLimit = 256

// Message captures one publish call.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher keeps the most recent messages, oldest first.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	limit    int
	total    int
}

// New returns a Publisher retaining up to limit messages; limit <= 0 uses
// DefaultLimit.
func New(limit int) *Publisher {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Publisher{limit: limit}
}

// Publish records the message and returns a sequential id.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total++
	msg := Message{ID: fmt.Sprintf("memory-%d", p.total), Topic: topic, Payload: payload}
	p.messages = append(p.messages, msg)
	if over := len(p.messages) - p.limit; over > 0 {
		p.messages = append([]Message(nil), p.messages[over:]...)
	}
	return msg.ID, nil
}

// Messages returns a copy of the retained messages.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Message(nil), p.messages...)
}

// Total reports how many messages were ever published.
func (p *Publisher) Total() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.total
}
