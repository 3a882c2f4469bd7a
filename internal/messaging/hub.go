package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"

	"strategos.gg/internal/protocol"
)

func init() {
	RegisterCode(ErrNoSuchRemote, protocol.ErrNoSuchRemote)
	RegisterCode(ErrNodeLeft, protocol.ErrNodeLeft)
	RegisterCode(ErrDuplicateRemote, protocol.ErrDuplicate)
	RegisterCode(ErrDuplicateNode, protocol.ErrDuplicate)
}

type remoteEntry struct {
	node    string
	handler RemoteHandler
}

// Hub routes messages between the nodes of one game. It lives in the server
// process; remote processes attach through the websocket transport.
type Hub struct {
	server string
	log    *log.Logger

	mu      sync.RWMutex
	nodes   map[string]*Endpoint
	order   []string
	remotes map[string]remoteEntry
	onLeave []func(node string)
}

func NewHub(serverNode string, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Hub{
		server:  serverNode,
		log:     logger,
		nodes:   make(map[string]*Endpoint),
		remotes: make(map[string]remoteEntry),
	}
}

func (h *Hub) ServerNode() string { return h.server }

// Join attaches a node and starts its inbox.
func (h *Hub) Join(node string) (*Endpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.nodes[node]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, node)
	}
	e := newEndpoint(h, node)
	h.nodes[node] = e
	h.order = append(h.order, node)
	go e.run()
	return e, nil
}

// Nodes returns the joined nodes in join order.
func (h *Hub) Nodes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.order...)
}

// OnNodeLeft registers fn to run after a node leaves.
func (h *Hub) OnNodeLeft(fn func(node string)) {
	h.mu.Lock()
	h.onLeave = append(h.onLeave, fn)
	h.mu.Unlock()
}

func (h *Hub) HasRemote(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.remotes[name]
	return ok
}

// RemoteOwner returns the node serving name.
func (h *Hub) RemoteOwner(name string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.remotes[name]
	return r.node, ok
}

// Remotes returns every registered remote name, sorted.
func (h *Hub) Remotes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.remotes))
	for k := range h.remotes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) leave(e *Endpoint) {
	h.mu.Lock()
	if h.nodes[e.node] != e {
		h.mu.Unlock()
		return
	}
	delete(h.nodes, e.node)
	for i, n := range h.order {
		if n == e.node {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	for name, r := range h.remotes {
		if r.node == e.node {
			delete(h.remotes, name)
		}
	}
	fns := append([]func(string){}, h.onLeave...)
	h.mu.Unlock()

	h.log.Printf("node left node=%s", e.node)
	for _, fn := range fns {
		fn(e.node)
	}
}

// broadcast fans msg out. The sender's own subscribers run synchronously
// unless skipSelf is set.
func (h *Hub) broadcast(from *Endpoint, msg Message, skipSelf bool) {
	h.mu.RLock()
	targets := make([]*Endpoint, 0, len(h.nodes))
	for _, n := range h.order {
		targets = append(targets, h.nodes[n])
	}
	h.mu.RUnlock()
	for _, e := range targets {
		if e == from {
			if !skipSelf {
				e.deliver(msg)
			}
			continue
		}
		e.enqueue(msg)
	}
}

func (h *Hub) register(e *Endpoint, name string, handler RemoteHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.remotes[name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateRemote, name)
	}
	h.remotes[name] = remoteEntry{node: e.node, handler: handler}
	return nil
}

func (h *Hub) unregister(e *Endpoint, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.remotes[name]
	if !ok || r.node != e.node {
		panic(fmt.Sprintf("messaging: node %s unregistering unknown remote %q", e.node, name))
	}
	delete(h.remotes, name)
}

func (h *Hub) call(ctx context.Context, from *Endpoint, c Call) (json.RawMessage, error) {
	h.mu.RLock()
	r, ok := h.remotes[c.Remote]
	h.mu.RUnlock()
	if !ok {
		return nil, &RemoteError{Remote: c.Remote, Method: c.Method, Code: protocol.ErrNoSuchRemote, Message: "no such remote", cause: ErrNoSuchRemote}
	}
	if r.node == from.node {
		return Invoke(ctx, r.handler, c)
	}

	type result struct {
		b   json.RawMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		b, err := Invoke(ctx, r.handler, c)
		done <- result{b, err}
	}()
	select {
	case res := <-done:
		return res.b, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invoke runs h and normalizes its failure into a *RemoteError.
func Invoke(ctx context.Context, h RemoteHandler, c Call) (json.RawMessage, error) {
	v, err := h(ctx, c)
	if err != nil {
		if re, ok := err.(*RemoteError); ok {
			return nil, re
		}
		return nil, &RemoteError{
			Remote:  c.Remote,
			Method:  c.Method,
			Code:    CodeOf(err, protocol.ErrRemoteFailed),
			Message: err.Error(),
			cause:   err,
		}
	}
	b, err := encode(v)
	if err != nil {
		return nil, fmt.Errorf("encode reply of %s.%s: %w", c.Remote, c.Method, err)
	}
	return b, nil
}
