package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type subscription struct {
	h Handler
}

// Endpoint is a node attached to a Hub.
type Endpoint struct {
	hub  *Hub
	node string

	mu     sync.Mutex
	subs   map[string][]*subscription
	queue  []Message
	signal chan struct{}
	closed bool
	done   chan struct{}
}

var _ Messenger = (*Endpoint)(nil)

func newEndpoint(h *Hub, node string) *Endpoint {
	return &Endpoint{
		hub:    h,
		node:   node,
		subs:   make(map[string][]*subscription),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (e *Endpoint) Hub() *Hub          { return e.hub }
func (e *Endpoint) Node() string       { return e.node }
func (e *Endpoint) ServerNode() string { return e.hub.server }

func (e *Endpoint) Subscribe(channel string, h Handler) func() {
	s := &subscription{h: h}
	e.mu.Lock()
	e.subs[channel] = append(e.subs[channel], s)
	e.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			list := e.subs[channel]
			for i, cur := range list {
				if cur == s {
					e.subs[channel] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

func (e *Endpoint) Broadcast(channel string, payload any) error {
	b, err := encode(payload)
	if err != nil {
		return fmt.Errorf("encode broadcast on %s: %w", channel, err)
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e.hub.broadcast(e, Message{Channel: channel, Sender: e.node, Payload: b}, false)
	return nil
}

// Publish broadcasts an already encoded message on behalf of this node
// without delivering it back to the node. The transport uses it for
// broadcasts made in a remote process, which delivered them locally already.
func (e *Endpoint) Publish(msg Message) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	msg.Sender = e.node
	e.hub.broadcast(e, msg, true)
	return nil
}

func (e *Endpoint) RegisterRemote(name string, h RemoteHandler) error {
	return e.hub.register(e, name, h)
}

func (e *Endpoint) UnregisterRemote(name string) {
	e.hub.unregister(e, name)
}

func (e *Endpoint) Call(ctx context.Context, remote, method string, payload any) (json.RawMessage, error) {
	b, err := encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode call %s.%s: %w", remote, method, err)
	}
	return e.hub.call(ctx, e, Call{Remote: remote, Method: method, Caller: e.node, Payload: b})
}

// Leave detaches the node: its remotes are unregistered and undelivered
// messages are dropped.
func (e *Endpoint) Leave() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.queue = nil
	close(e.done)
	e.mu.Unlock()
	e.hub.leave(e)
}

// Done is closed once the node has left.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

func (e *Endpoint) enqueue(msg Message) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, msg)
	e.mu.Unlock()
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *Endpoint) deliver(msg Message) {
	e.mu.Lock()
	subs := append([]*subscription(nil), e.subs[msg.Channel]...)
	e.mu.Unlock()
	for _, s := range subs {
		s.h(msg)
	}
}

func (e *Endpoint) run() {
	for {
		select {
		case <-e.done:
			return
		case <-e.signal:
		}
		for {
			e.mu.Lock()
			if e.closed || len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			msg := e.queue[0]
			e.queue[0] = Message{}
			e.queue = e.queue[1:]
			e.mu.Unlock()
			e.deliver(msg)
		}
	}
}
