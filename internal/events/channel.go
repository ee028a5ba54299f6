package events

import "github.com/cleanwave/pipeline/pkg/models"

// ChannelSubscriber buffers events on a channel and drops them when the
// buffer is full.
type ChannelSubscriber struct {
	ch chan models.Event
}

// NewChannelSubscriber creates a subscriber with the given buffer size.
func NewChannelSubscriber(buffer int) *ChannelSubscriber {
	return &ChannelSubscriber{ch: make(chan models.Event, buffer)}
}

func (c *ChannelSubscriber) Deliver(ev models.Event) error {
	select {
	case c.ch <- ev:
		return nil
	default:
		return ErrSubscriberFull
	}
}

// C returns the receive side of the buffer.
func (c *ChannelSubscriber) C() <-chan models.Event {
	return c.ch
}
