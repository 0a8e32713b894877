// Package relay carries group broadcasts between API processes so a message
// sent on one node reaches connections held by another.
// Implementations: redis.Client, nats.Client, memory.Client (single node and tests).
package relay

import (
	"context"
	"encoding/json"
)

// Channel is the subject/channel all nodes publish group events on.
const Channel = "livechat.groups"

// Envelope is one group broadcast. Origin identifies the publishing node so
// it can skip its own echo.
type Envelope struct {
	Origin string          `json:"origin"`
	Group  string          `json:"group"`
	Data   json.RawMessage `json:"data"`
}

type Handler func(Envelope)

type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe delivers envelopes to h in publish order until ctx is done.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}
