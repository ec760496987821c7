// Package events fans committed audit events out to subscribers.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// AllTopics subscribes to every topic (NATS full wildcard).
const AllTopics = ">"

// Event is one published message.
type Event struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// Handler receives published events.
type Handler func(ctx context.Context, e Event)

// Bus publishes and subscribes to events.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(topic string, h Handler) (unsubscribe func(), err error)
	Close() error
}

// Topic joins a subject prefix and a suffix with a dot.
func Topic(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}
