package channel

import (
	"context"
	"sync"

	"github.com/haasonsaas/warden/pkg/models"
)

// Memory is an in-process Channel. Deliver injects inbound envelopes;
// published envelopes are buffered and readable from Outbound.
type Memory struct {
	inbound  chan models.Envelope
	outbound chan models.Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMemory builds a Memory channel with the given buffer size per direction.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 16
	}
	return &Memory{
		inbound:  make(chan models.Envelope, buffer),
		outbound: make(chan models.Envelope, buffer),
		closed:   make(chan struct{}),
	}
}

func (m *Memory) Inbound() <-chan models.Envelope { return m.inbound }

// Outbound exposes published envelopes for the test or caller to consume.
func (m *Memory) Outbound() <-chan models.Envelope { return m.outbound }

// Deliver queues an inbound envelope as if it arrived from the relay.
// Deliver must not race Close; the inbound channel closes with the Memory.
func (m *Memory) Deliver(ctx context.Context, env models.Envelope) error {
	select {
	case <-m.closed:
		return ErrChannelClosed
	default:
	}
	select {
	case m.inbound <- env:
		return nil
	case <-m.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Publish(ctx context.Context, env models.Envelope) error {
	select {
	case <-m.closed:
		return ErrChannelClosed
	default:
	}
	select {
	case m.outbound <- env:
		return nil
	case <-m.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		close(m.inbound)
	})
	return nil
}
