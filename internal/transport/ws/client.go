package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"strategos.gg/internal/messaging"
	"strategos.gg/internal/protocol"
)

// ErrRejected wraps the close reason sent by a server that refused HELLO.
var ErrRejected = errors.New("connection rejected")

type Hello struct {
	Node     string
	Password string
	Observer bool
}

type subscriber struct{ h messaging.Handler }

// Client is the Messenger of a process connected to a remote server.
type Client struct {
	conn   *websocket.Conn
	node   string
	server string
	gameID string
	log    *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte

	nextID atomic.Uint64

	mu         sync.Mutex
	subs       map[string][]*subscriber
	subscribed map[string]bool
	remotes    map[string]messaging.RemoteHandler
	pending    map[uint64]chan protocol.ReplyMsg
	queue      []messaging.Message
	closed     bool
	err        error

	signal chan struct{}
	done   chan struct{}
}

var _ messaging.Messenger = (*Client)(nil)

// Dial connects to url and completes the HELLO/WELCOME handshake.
func Dial(ctx context.Context, url string, hello Hello, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if err := writeJSON(conn, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Node:            hello.Node,
		Password:        hello.Password,
		Observer:        hello.Observer,
	}); err != nil {
		conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, fmt.Errorf("%w: %s", ErrRejected, ce.Text)
		}
		return nil, fmt.Errorf("read WELCOME: %w", err)
	}
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &welcome); err != nil || welcome.Type != protocol.TypeWelcome {
		conn.Close()
		return nil, fmt.Errorf("%w: expected WELCOME", ErrRejected)
	}
	_ = conn.SetReadDeadline(time.Time{})

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:       conn,
		node:       welcome.Node,
		server:     welcome.ServerNode,
		gameID:     welcome.GameID,
		log:        logger,
		ctx:        cctx,
		cancel:     cancel,
		out:        make(chan []byte, 256),
		subs:       make(map[string][]*subscriber),
		subscribed: make(map[string]bool),
		remotes:    make(map[string]messaging.RemoteHandler),
		pending:    make(map[uint64]chan protocol.ReplyMsg),
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	go writeLoop(cctx, cancel, conn, c.out)
	go c.deliverLoop()
	go c.readLoop()
	return c, nil
}

func (c *Client) Node() string       { return c.node }
func (c *Client) ServerNode() string { return c.server }
func (c *Client) GameID() string     { return c.gameID }

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.cancel()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) Subscribe(channel string, h messaging.Handler) func() {
	s := &subscriber{h: h}
	c.mu.Lock()
	c.subs[channel] = append(c.subs[channel], s)
	first := !c.subscribed[channel]
	c.subscribed[channel] = true
	c.mu.Unlock()
	if first {
		c.send(protocol.SubscribeMsg{Type: protocol.TypeSubscribe, ProtocolVersion: protocol.Version, Channel: channel})
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			list := c.subs[channel]
			for i, cur := range list {
				if cur == s {
					c.subs[channel] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

func (c *Client) Broadcast(channel string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode broadcast on %s: %w", channel, err)
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return messaging.ErrClosed
	}
	c.deliver(messaging.Message{Channel: channel, Sender: c.node, Payload: b})
	c.send(protocol.NewBroadcast(channel, c.node, b))
	return nil
}

func (c *Client) RegisterRemote(name string, h messaging.RemoteHandler) error {
	c.mu.Lock()
	if _, dup := c.remotes[name]; dup {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", messaging.ErrDuplicateRemote, name)
	}
	c.remotes[name] = h
	c.mu.Unlock()

	_, err := c.request(context.Background(), messaging.Call{Remote: name, Method: "register"}, func(id uint64) any {
		return protocol.RemoteMsg{Type: protocol.TypeRegister, ProtocolVersion: protocol.Version, ID: id, Remote: name}
	})
	if err != nil {
		c.mu.Lock()
		delete(c.remotes, name)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) UnregisterRemote(name string) {
	c.mu.Lock()
	if _, ok := c.remotes[name]; !ok {
		c.mu.Unlock()
		panic(fmt.Sprintf("ws: node %s unregistering unknown remote %q", c.node, name))
	}
	delete(c.remotes, name)
	c.mu.Unlock()
	c.send(protocol.RemoteMsg{Type: protocol.TypeUnregister, ProtocolVersion: protocol.Version, ID: c.nextID.Add(1), Remote: name})
}

func (c *Client) Call(ctx context.Context, remote, method string, payload any) (json.RawMessage, error) {
	var b json.RawMessage
	if payload != nil {
		var err error
		if raw, ok := payload.(json.RawMessage); ok {
			b = raw
		} else if b, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("encode call %s.%s: %w", remote, method, err)
		}
	}
	call := messaging.Call{Remote: remote, Method: method, Caller: c.node, Payload: b}

	c.mu.Lock()
	h, local := c.remotes[remote]
	c.mu.Unlock()
	if local {
		return messaging.Invoke(ctx, h, call)
	}
	return c.request(ctx, call, func(id uint64) any {
		return protocol.CallMsg{
			Type:            protocol.TypeCall,
			ProtocolVersion: protocol.Version,
			ID:              id,
			Remote:          remote,
			Method:          method,
			Caller:          c.node,
			Payload:         b,
		}
	})
}

// request sends the frame built by frame and waits for its REPLY.
func (c *Client) request(ctx context.Context, call messaging.Call, frame func(id uint64) any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan protocol.ReplyMsg, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nodeLeft(call)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.send(frame(id))
	return awaitReply(ctx, c.ctx, ch, call, func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	})
}

func (c *Client) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.log.Printf("encode frame err=%v", err)
		return
	}
	select {
	case c.out <- b:
	case <-c.ctx.Done():
	}
}

func (c *Client) readLoop() {
	var err error
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
		var msg []byte
		_, msg, err = c.conn.ReadMessage()
		if err != nil {
			break
		}
		if herr := c.handle(msg); herr != nil {
			c.log.Printf("bad frame err=%v", herr)
		}
	}
	c.terminate(err)
}

func (c *Client) handle(msg []byte) error {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return err
	}
	switch base.Type {
	case protocol.TypeBroadcast:
		var b protocol.BroadcastMsg
		if err := json.Unmarshal(msg, &b); err != nil {
			return err
		}
		c.enqueue(messaging.Message{Channel: b.Channel, Sender: b.Sender, Payload: b.Payload})

	case protocol.TypeReply:
		var r protocol.ReplyMsg
		if err := json.Unmarshal(msg, &r); err != nil {
			return err
		}
		c.mu.Lock()
		ch := c.pending[r.ID]
		delete(c.pending, r.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- r
		}

	case protocol.TypeCall:
		var call protocol.CallMsg
		if err := json.Unmarshal(msg, &call); err != nil {
			return err
		}
		go c.serveCall(call)

	default:
		return fmt.Errorf("unexpected frame %s", base.Type)
	}
	return nil
}

func (c *Client) serveCall(m protocol.CallMsg) {
	c.mu.Lock()
	h, ok := c.remotes[m.Remote]
	c.mu.Unlock()
	if !ok {
		c.send(protocol.NewReply(m.ID, nil, &protocol.ErrorInfo{Code: protocol.ErrNoSuchRemote, Message: "no such remote " + m.Remote}))
		return
	}
	b, err := messaging.Invoke(c.ctx, h, messaging.Call{Remote: m.Remote, Method: m.Method, Caller: m.Caller, Payload: m.Payload})
	c.send(protocol.NewReply(m.ID, b, errorInfo(err)))
}

func (c *Client) enqueue(msg messaging.Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *Client) deliver(msg messaging.Message) {
	c.mu.Lock()
	subs := append([]*subscriber(nil), c.subs[msg.Channel]...)
	c.mu.Unlock()
	for _, s := range subs {
		s.h(msg)
	}
}

// deliverLoop runs subscribers in arrival order off the read goroutine, so
// a handler may make remote calls.
func (c *Client) deliverLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.signal:
		}
		for {
			c.mu.Lock()
			if c.closed || len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			msg := c.queue[0]
			c.queue[0] = messaging.Message{}
			c.queue = c.queue[1:]
			c.mu.Unlock()
			c.deliver(msg)
		}
	}
}

func (c *Client) terminate(err error) {
	c.cancel()
	_ = c.conn.Close()
	c.mu.Lock()
	c.closed = true
	c.queue = nil
	if c.err == nil {
		c.err = err
	}
	pending := c.pending
	c.pending = map[uint64]chan protocol.ReplyMsg{}
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	close(c.done)
}
