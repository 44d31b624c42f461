package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-dmchat/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	DefaultChannel = "dmchat:messages"

	pingTimeout = 3 * time.Second
)

// RedisRelay fans stored messages out to every server instance subscribed
// to the same Redis channel.
type RedisRelay struct {
	log     zerolog.Logger
	client  *redis.Client
	channel string
}

// NewRedisRelay connects to redisURL and verifies the connection.
func NewRedisRelay(logger zerolog.Logger, redisURL, channel string) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}

	if channel == "" {
		channel = DefaultChannel
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &RedisRelay{
		log:     logger,
		client:  client,
		channel: channel,
	}, nil
}

func (r *RedisRelay) Publish(ctx context.Context, msg types.Message) error {
	payload, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Subscribe calls handler for every message published on the relay channel
// until ctx is done or the subscription breaks. ready is called once the
// subscription is confirmed.
func (r *RedisRelay) Subscribe(ctx context.Context, handler func(types.Message), ready func()) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis: subscribe: %w", err)
	}
	r.log.Info().Str("channel", r.channel).Msg("subscribed to relay channel")
	ready()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return errors.New("redis: subscription closed")
			}

			msg, err := decodeMessage(m.Payload)
			if err != nil {
				r.log.Warn().Err(err).Msg("dropping malformed relay payload")
				continue
			}

			handler(msg)
		}
	}
}

func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}

func encodeMessage(msg types.Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode relay message: %w", err)
	}

	return payload, nil
}

func decodeMessage(payload string) (types.Message, error) {
	var msg types.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return types.Message{}, fmt.Errorf("decode relay message: %w", err)
	}

	if msg.Id <= 0 || msg.SenderId <= 0 || msg.ReceiverId <= 0 {
		return types.Message{}, fmt.Errorf("decode relay message: missing ids")
	}

	return msg, nil
}
