// Package memory is an in-process relay. Every subscriber sees every envelope
// in publish order.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/livechat/internal/relay"
)

const queueSize = 1024

var ErrClosed = errors.New("relay closed")

type Client struct {
	mu     sync.RWMutex
	subs   map[int]chan relay.Envelope
	nextID int
	closed bool
}

func New() *Client {
	return &Client{subs: make(map[int]chan relay.Envelope)}
}

func (c *Client) Publish(ctx context.Context, env relay.Envelope) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	for _, ch := range c.subs {
		select {
		case ch <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, h relay.Handler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	id := c.nextID
	c.nextID++
	ch := make(chan relay.Envelope, queueSize)
	c.subs[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			h(env)
		}
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	return nil
}

// Subscribers reports the number of active subscriptions.
func (c *Client) Subscribers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}
