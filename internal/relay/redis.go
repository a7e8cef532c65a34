package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"collabtext/server/internal/logging"
)

// RedisRelay uses a Redis pub/sub channel as the shared broker.
type RedisRelay struct {
	rdb     redis.UniversalClient
	channel string

	ready     chan struct{}
	readyOnce sync.Once

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewRedisRelay(rdb redis.UniversalClient, channel string) *RedisRelay {
	return &RedisRelay{rdb: rdb, channel: channel, ready: make(chan struct{})}
}

func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	payload, err := encode(env)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrRelayUnavailable, err)
	}
	return nil
}

func (r *RedisRelay) Ready() <-chan struct{} { return r.ready }

// Run subscribes with exponential backoff and then consumes the channel.
// go-redis reconnects a live subscription on its own.
func (r *RedisRelay) Run(ctx context.Context, h Handler) error {
	log := logging.Component("relay")

	var sub *redis.PubSub
	connect := func() error {
		s := r.rdb.Subscribe(ctx, r.channel)
		if _, err := s.Receive(ctx); err != nil {
			_ = s.Close()
			return err
		}
		sub = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retryIn", wait).Str("channel", r.channel).Msg("relay subscribe failed")
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	if err := backoff.RetryNotify(connect, backoff.WithContext(bo, ctx), notify); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrRelayUnavailable, err)
	}

	r.mu.Lock()
	r.pubsub = sub
	r.mu.Unlock()
	defer sub.Close()

	r.readyOnce.Do(func() { close(r.ready) })
	log.Info().Str("channel", r.channel).Msg("subscribed to relay channel")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: subscription closed", ErrRelayUnavailable)
			}
			env, err := decode([]byte(msg.Payload))
			if err != nil {
				log.Error().Err(err).Msg("dropping relay message")
				continue
			}
			h(ctx, env)
		}
	}
}

func (r *RedisRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub == nil {
		return nil
	}
	err := r.pubsub.Close()
	r.pubsub = nil
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
