// Package channel moves prompt envelopes between the agent and the outside
// world. The core consumes the Channel interface; Relay is the production
// websocket implementation and Memory backs tests and the one-shot prompt
// command.
package channel

import (
	"context"

	"github.com/haasonsaas/warden/pkg/models"
)

// Channel is a duplex envelope stream. Inbound carries prompts addressed to
// the agent; Publish sends a response back toward the user device. The
// inbound channel is closed when the underlying transport shuts down.
type Channel interface {
	Inbound() <-chan models.Envelope
	Publish(ctx context.Context, env models.Envelope) error
	Close() error
}
