// Package nats relays group broadcasts over a NATS subject.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/relay"
	"github.com/nats-io/nats.go"
)

const pendingMsgs = 8192

type Client struct {
	nc      *nats.Conn
	subject string
}

func New(url, subject string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("livechat-api"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Errorf("nats relay disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infof("nats relay reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	if subject == "" {
		subject = relay.Channel
	}
	return &Client{nc: nc, subject: subject}, nil
}

func (c *Client) Publish(_ context.Context, env relay.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("nats relay marshal: %w", err)
	}
	if err := c.nc.Publish(c.subject, data); err != nil {
		return fmt.Errorf("nats relay publish: %w", err)
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, h relay.Handler) error {
	ch := make(chan *nats.Msg, pendingMsgs)
	sub, err := c.nc.ChanSubscribe(c.subject, ch)
	if err != nil {
		return fmt.Errorf("nats relay subscribe: %w", err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			logger.Errorf("nats relay unsubscribe: %v", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			var env relay.Envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				logger.Errorf("nats relay decode: %v", err)
				continue
			}
			h(env)
		}
	}
}

func (c *Client) Close() error {
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}
