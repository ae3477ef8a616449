// Package publisher defines the interface for announcing run completion.
package publisher

import "context"

// Publisher sends one payload to a topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// NoOp discards publishes.
type NoOp struct{}

// Publish does nothing.
func (NoOp) Publish(context.Context, string, any) (string, error) {
	return "", nil
}
