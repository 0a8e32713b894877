// Package redis relays group broadcasts over Redis pub/sub.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/relay"
	"github.com/redis/go-redis/v9"
)

type Client struct {
	cli     *redis.Client
	channel string
}

// New connects and pings. channel defaults to relay.Channel.
func New(ctx context.Context, url, channel string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if channel == "" {
		channel = relay.Channel
	}
	return &Client{cli: cli, channel: channel}, nil
}

func (c *Client) Publish(ctx context.Context, env relay.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redis relay marshal: %w", err)
	}
	if err := c.cli.Publish(ctx, c.channel, data).Err(); err != nil {
		return fmt.Errorf("redis relay publish: %w", err)
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, h relay.Handler) error {
	sub := c.cli.Subscribe(ctx, c.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis relay subscribe: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env relay.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Errorf("redis relay decode: %v", err)
				continue
			}
			h(env)
		}
	}
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Redis exposes the underlying client for startup health checks.
func (c *Client) Redis() *redis.Client { return c.cli }
