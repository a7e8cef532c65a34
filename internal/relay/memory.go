package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"collabtext/server/internal/logging"
)

// NewPubSub returns an in-process broker. Several MemoryRelays sharing one
// broker behave like instances sharing a Redis channel. Publish blocks until
// every subscriber has acked, which keeps delivery in publish order.
func NewPubSub() *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NopLogger{})
}

// MemoryRelay relays through a watermill GoChannel. It serves single-instance
// deployments and tests.
type MemoryRelay struct {
	pubsub *gochannel.GoChannel
	topic  string

	ready     chan struct{}
	readyOnce sync.Once
}

func NewMemoryRelay(pubsub *gochannel.GoChannel, topic string) *MemoryRelay {
	return &MemoryRelay{pubsub: pubsub, topic: topic, ready: make(chan struct{})}
}

func (r *MemoryRelay) Publish(_ context.Context, env Envelope) error {
	payload, err := encode(env)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := r.pubsub.Publish(r.topic, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrRelayUnavailable, err)
	}
	return nil
}

func (r *MemoryRelay) Ready() <-chan struct{} { return r.ready }

func (r *MemoryRelay) Run(ctx context.Context, h Handler) error {
	msgs, err := r.pubsub.Subscribe(ctx, r.topic)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRelayUnavailable, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })

	log := logging.Component("relay")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			env, err := decode(msg.Payload)
			if err != nil {
				log.Error().Err(err).Msg("dropping relay message")
				msg.Ack()
				continue
			}
			h(ctx, env)
			msg.Ack()
		}
	}
}

// Close is a no-op; the shared broker is closed by its owner.
func (r *MemoryRelay) Close() error { return nil }
