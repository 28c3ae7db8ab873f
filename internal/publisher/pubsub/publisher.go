// Package pubsub publishes archive notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
)

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
}

// New creates a Publisher for an existing topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Dial connects to projectID and publishes to topic, which may be a short
// name or a full "projects/<p>/topics/<t>" resource.
func Dial(ctx context.Context, projectID, topic string) (*Publisher, error) {
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(topic) == "" {
		return nil, errors.New("pubsub project id and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Publisher{client: client, publisher: client.Publisher(topic)}, nil
}

// Publish marshals the payload to JSON and waits for the server id. The
// topic argument is ignored: the publisher is bound to one topic.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.publisher == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: Attributes(payload)}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and releases the client.
func (p *Publisher) Close() error {
	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}

// Attributes exposes filterable fields of archive events as message
// attributes.
func Attributes(payload any) map[string]string {
	var evt imagine.ArchiveEvent
	switch v := payload.(type) {
	case imagine.ArchiveEvent:
		evt = v
	case *imagine.ArchiveEvent:
		if v == nil {
			return nil
		}
		evt = *v
	default:
		return nil
	}
	return map[string]string{
		"event":  "archive",
		"job_id": evt.JobID,
		"kind":   string(evt.Kind),
		"sha256": evt.SHA256,
	}
}
