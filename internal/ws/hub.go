package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/metrics"
	"github.com/livechat/internal/relay"
)

const outboundQueue = 4096

var (
	ErrTooManyConnections = errors.New("ws: connection limit reached")
	ErrHubClosed          = errors.New("ws: hub closed")
)

// group is one broadcast destination. Its mutex orders sends so every
// member observes the same sequence.
type group struct {
	mu      sync.Mutex
	members map[string]Conn
}

// Hub tracks admitted connections and named groups ("conversation:<id>",
// "user:<id>"). Group sends only enqueue into each member's buffer; nothing
// under the hub or group locks touches the network.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]Conn
	groups   map[string]*group
	joined   map[string]map[string]struct{}
	maxConns int
	closed   bool

	relay    relay.Relay
	nodeID   string
	outbound chan relay.Envelope
	done     chan struct{}
}

// NewHub builds a hub. r may be nil for a single-node deployment.
func NewHub(maxConns int, r relay.Relay) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	h := &Hub{
		conns:    make(map[string]Conn),
		groups:   make(map[string]*group),
		joined:   make(map[string]map[string]struct{}),
		maxConns: maxConns,
		relay:    r,
		nodeID:   uuid.NewString(),
		done:     make(chan struct{}),
	}
	if r != nil {
		h.outbound = make(chan relay.Envelope, outboundQueue)
	}
	return h
}

// Run relays group traffic between nodes until ctx is cancelled, then
// closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	var wg sync.WaitGroup
	if h.relay != nil {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.publishLoop(ctx)
		}()
		go func() {
			defer wg.Done()
			if err := h.relay.Subscribe(ctx, h.receive); err != nil {
				logger.Errorf("ws relay subscribe: %v", err)
			}
		}()
	}
	<-ctx.Done()
	h.shutdown()
	wg.Wait()
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) shutdown() {
	// Collect under the lock, close outside it.
	h.mu.Lock()
	h.closed = true
	all := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.conns = make(map[string]Conn)
	h.groups = make(map[string]*group)
	h.joined = make(map[string]map[string]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		if w, ok := c.(interface{ Wait() }); ok {
			w.Wait()
		}
	}
}

// Admit counts c against the connection limit.
func (h *Hub) Admit(c Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if len(h.conns) >= h.maxConns {
		return ErrTooManyConnections
	}
	h.conns[c.ID()] = c
	metrics.IncWSActive(connKind(c))
	return nil
}

// Release removes c from the hub and every group it joined. Idempotent.
func (h *Hub) Release(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveAllLocked(c)
	if _, ok := h.conns[c.ID()]; ok {
		delete(h.conns, c.ID())
		metrics.DecWSActive(connKind(c))
	}
}

func (h *Hub) JoinGroup(c Conn, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	g, ok := h.groups[name]
	if !ok {
		g = &group{members: make(map[string]Conn)}
		h.groups[name] = g
	}
	g.mu.Lock()
	g.members[c.ID()] = c
	g.mu.Unlock()

	set, ok := h.joined[c.ID()]
	if !ok {
		set = make(map[string]struct{}, 2)
		h.joined[c.ID()] = set
	}
	set[name] = struct{}{}
}

func (h *Hub) LeaveGroup(c Conn, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, name)
	if set := h.joined[c.ID()]; len(set) == 0 {
		delete(h.joined, c.ID())
	}
}

// LeaveAll removes c from every group it joined.
func (h *Hub) LeaveAll(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveAllLocked(c)
}

func (h *Hub) leaveAllLocked(c Conn) {
	for name := range h.joined[c.ID()] {
		h.leaveLocked(c, name)
	}
	delete(h.joined, c.ID())
}

func (h *Hub) leaveLocked(c Conn, name string) {
	if set := h.joined[c.ID()]; set != nil {
		delete(set, name)
	}
	g, ok := h.groups[name]
	if !ok {
		return
	}
	g.mu.Lock()
	delete(g.members, c.ID())
	empty := len(g.members) == 0
	g.mu.Unlock()
	if empty {
		delete(h.groups, name)
	}
}

// Groups returns the groups c currently belongs to.
func (h *Hub) Groups(c Conn) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.joined[c.ID()]))
	for name := range h.joined[c.ID()] {
		out = append(out, name)
	}
	return out
}

// Members returns the number of local connections in a group.
func (h *Hub) Members(name string) int {
	h.mu.RLock()
	g, ok := h.groups[name]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Connections returns the number of admitted connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SendToGroup delivers msg to every local member of name and hands it to
// the relay for other nodes. Sends to one group are delivered in call order.
func (h *Hub) SendToGroup(ctx context.Context, name string, msg OutgoingMessage) {
	h.mu.RLock()
	g := h.groups[name]
	h.mu.RUnlock()

	var env *relay.Envelope
	if h.outbound != nil {
		data, err := json.Marshal(msg)
		if err != nil {
			logger.Errorf("ws relay marshal group=%s event=%s: %v", name, msg.Type, err)
		} else {
			env = &relay.Envelope{Origin: h.nodeID, Group: name, Data: data}
		}
	}

	if g == nil {
		h.forward(ctx, env)
		return
	}

	g.mu.Lock()
	slow := deliver(g, msg)
	// queued under the group lock so the relay sees the same order
	h.forward(ctx, env)
	g.mu.Unlock()

	h.evict(slow)
}

// SendToCaller delivers msg to c only.
func (h *Hub) SendToCaller(c Conn, msg OutgoingMessage) {
	if !c.Enqueue(msg) {
		h.evict([]Conn{c})
	}
}

func deliver(g *group, msg OutgoingMessage) []Conn {
	var slow []Conn
	for _, c := range g.members {
		if !c.Enqueue(msg) {
			slow = append(slow, c)
		}
	}
	return slow
}

func (h *Hub) evict(slow []Conn) {
	for _, c := range slow {
		logger.Errorf("ws send buffer full, closing slow client user=%s conn=%s", c.UserID(), c.ID())
		metrics.IncSlowConsumer()
		c.Close()
	}
}

func (h *Hub) forward(ctx context.Context, env *relay.Envelope) {
	if env == nil {
		return
	}
	select {
	case h.outbound <- *env:
	case <-ctx.Done():
		metrics.IncRelayError("cancelled")
	default:
		logger.Errorf("ws relay queue full, dropping group=%s", env.Group)
		metrics.IncRelayError("queue_full")
	}
}

func (h *Hub) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-h.outbound:
			if err := h.relay.Publish(ctx, env); err != nil {
				logger.Errorf("ws relay publish group=%s: %v", env.Group, err)
				metrics.IncRelayError("publish")
			}
		}
	}
}

// receive delivers an envelope published by another node.
func (h *Hub) receive(env relay.Envelope) {
	if env.Origin == h.nodeID {
		return
	}
	var wire struct {
		Type    EventType       `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(env.Data, &wire); err != nil {
		logger.Errorf("ws relay decode group=%s: %v", env.Group, err)
		return
	}
	h.mu.RLock()
	g := h.groups[env.Group]
	h.mu.RUnlock()
	if g == nil {
		return
	}
	g.mu.Lock()
	slow := deliver(g, OutgoingMessage{Type: wire.Type, Payload: wire.Payload})
	g.mu.Unlock()
	h.evict(slow)
}

func connKind(c Conn) string {
	if c.ConversationID() == "" {
		return "presence"
	}
	return "conversation"
}
