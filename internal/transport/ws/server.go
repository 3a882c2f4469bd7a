// Package ws carries the messaging layer over websockets. A Server attaches
// every connection to a messaging.Hub as one node; Dial returns the remote
// process's Messenger.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"strategos.gg/internal/messaging"
	"strategos.gg/internal/protocol"
)

const (
	writeWait     = 5 * time.Second
	readWait      = 90 * time.Second
	pingEvery     = 30 * time.Second
	handshakeWait = 5 * time.Second
)

type Options struct {
	// Password, when set, must match the HELLO password.
	Password string
	GameID   func() string
}

type Server struct {
	hub  *messaging.Hub
	opts Options
	log  *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(hub *messaging.Hub, opts Options, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		hub:  hub,
		opts: opts,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ep, hello, ok := s.handshake(conn)
		if !ok {
			return
		}
		s.log.Printf("node joined node=%s observer=%t remote=%s", hello.Node, hello.Observer, r.RemoteAddr)

		p := newPeer(conn, ep, s.log)
		p.serve()
	}
}

func (s *Server) handshake(conn *websocket.Conn) (*messaging.Endpoint, protocol.HelloMsg, bool) {
	var hello protocol.HelloMsg
	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, hello, false
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, protocol.ErrProtoBadRequest, "expected HELLO")
		return nil, hello, false
	}
	if err := json.Unmarshal(msg, &hello); err != nil || hello.Node == "" {
		closeWith(conn, protocol.ErrProtoBadRequest, "bad HELLO")
		return nil, hello, false
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, protocol.ErrProtoVersion, "bad protocol_version")
		return nil, hello, false
	}
	if s.opts.Password != "" && hello.Password != s.opts.Password {
		s.log.Printf("node denied node=%s reason=password", hello.Node)
		closeWith(conn, protocol.ErrDenied, "bad password")
		return nil, hello, false
	}

	ep, err := s.hub.Join(hello.Node)
	if err != nil {
		closeWith(conn, protocol.ErrDenied, err.Error())
		return nil, hello, false
	}
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		Node:            hello.Node,
		ServerNode:      s.hub.ServerNode(),
	}
	if s.opts.GameID != nil {
		welcome.GameID = s.opts.GameID()
	}
	if err := writeJSON(conn, welcome); err != nil {
		ep.Leave()
		return nil, hello, false
	}
	return ep, hello, true
}

// peer is the server half of one connection.
type peer struct {
	conn *websocket.Conn
	ep   *messaging.Endpoint
	log  *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan protocol.ReplyMsg
	subs    map[string]func()
}

func newPeer(conn *websocket.Conn, ep *messaging.Endpoint, logger *log.Logger) *peer {
	ctx, cancel := context.WithCancel(context.Background())
	return &peer{
		conn:    conn,
		ep:      ep,
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
		out:     make(chan []byte, 256),
		pending: make(map[uint64]chan protocol.ReplyMsg),
		subs:    make(map[string]func()),
	}
}

func (p *peer) serve() {
	go p.writeLoop(p.ctx, p.cancel, p.conn, p.out)
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_ = p.conn.SetReadDeadline(time.Now().Add(readWait))
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			break
		}
		if err := p.handle(msg); err != nil {
			p.log.Printf("bad frame node=%s err=%v", p.ep.Node(), err)
		}
	}

	p.cancel()
	p.mu.Lock()
	for _, unsub := range p.subs {
		unsub()
	}
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	p.ep.Leave()
}

func (p *peer) handle(msg []byte) error {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return err
	}
	if base.ProtocolVersion != protocol.Version {
		return fmt.Errorf("protocol_version %q", base.ProtocolVersion)
	}
	switch base.Type {
	case protocol.TypeSubscribe:
		var sub protocol.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			return err
		}
		p.subscribe(sub.Channel)

	case protocol.TypeBroadcast:
		var b protocol.BroadcastMsg
		if err := json.Unmarshal(msg, &b); err != nil {
			return err
		}
		return p.ep.Publish(messaging.Message{Channel: b.Channel, Payload: b.Payload})

	case protocol.TypeCall:
		var c protocol.CallMsg
		if err := json.Unmarshal(msg, &c); err != nil {
			return err
		}
		go p.forwardCall(c)

	case protocol.TypeReply:
		var r protocol.ReplyMsg
		if err := json.Unmarshal(msg, &r); err != nil {
			return err
		}
		p.mu.Lock()
		ch := p.pending[r.ID]
		delete(p.pending, r.ID)
		p.mu.Unlock()
		if ch != nil {
			ch <- r
		}

	case protocol.TypeRegister:
		var rm protocol.RemoteMsg
		if err := json.Unmarshal(msg, &rm); err != nil {
			return err
		}
		err := p.ep.RegisterRemote(rm.Remote, p.proxy)
		p.send(protocol.NewReply(rm.ID, nil, errorInfo(err)))

	case protocol.TypeUnregister:
		var rm protocol.RemoteMsg
		if err := json.Unmarshal(msg, &rm); err != nil {
			return err
		}
		var err error
		if owner, ok := p.ep.Hub().RemoteOwner(rm.Remote); !ok || owner != p.ep.Node() {
			err = fmt.Errorf("%w: %s", messaging.ErrNoSuchRemote, rm.Remote)
		} else {
			p.ep.UnregisterRemote(rm.Remote)
		}
		p.send(protocol.NewReply(rm.ID, nil, errorInfo(err)))

	default:
		return fmt.Errorf("unexpected frame %s", base.Type)
	}
	return nil
}

func (p *peer) subscribe(channel string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[channel]; ok || p.pending == nil {
		return
	}
	p.subs[channel] = p.ep.Subscribe(channel, func(m messaging.Message) {
		p.send(protocol.NewBroadcast(m.Channel, m.Sender, m.Payload))
	})
}

// forwardCall runs a call made by the remote process against the hub.
func (p *peer) forwardCall(c protocol.CallMsg) {
	b, err := p.ep.Call(p.ctx, c.Remote, c.Method, c.Payload)
	p.send(protocol.NewReply(c.ID, b, errorInfo(err)))
}

// proxy serves a hub call to a remote registered by the remote process.
func (p *peer) proxy(ctx context.Context, call messaging.Call) (any, error) {
	id := p.nextID.Add(1)
	ch := make(chan protocol.ReplyMsg, 1)
	p.mu.Lock()
	if p.pending == nil {
		p.mu.Unlock()
		return nil, messaging.ErrNodeLeft
	}
	p.pending[id] = ch
	p.mu.Unlock()

	p.send(protocol.CallMsg{
		Type:            protocol.TypeCall,
		ProtocolVersion: protocol.Version,
		ID:              id,
		Remote:          call.Remote,
		Method:          call.Method,
		Caller:          call.Caller,
		Payload:         call.Payload,
	})
	return awaitReply(ctx, p.ctx, ch, call, func() {
		p.mu.Lock()
		if p.pending != nil {
			delete(p.pending, id)
		}
		p.mu.Unlock()
	})
}

func (p *peer) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		p.log.Printf("encode frame node=%s err=%v", p.ep.Node(), err)
		return
	}
	select {
	case p.out <- b:
	case <-p.ctx.Done():
	}
}

func (p *peer) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out <-chan []byte) {
	writeLoop(ctx, cancel, conn, out)
}

// writeLoop owns all writes to conn.
func writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out <-chan []byte) {
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				cancel()
				_ = conn.Close()
				return
			}
		case b := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				cancel()
				_ = conn.Close()
				return
			}
		}
	}
}

// awaitReply waits for the REPLY to call. A closed ch means the connection
// dropped.
func awaitReply(ctx, connCtx context.Context, ch <-chan protocol.ReplyMsg, call messaging.Call, forget func()) (json.RawMessage, error) {
	select {
	case r, ok := <-ch:
		if !ok {
			return nil, nodeLeft(call)
		}
		if r.Error != nil {
			return nil, &messaging.RemoteError{Remote: call.Remote, Method: call.Method, Code: r.Error.Code, Message: r.Error.Message}
		}
		return r.Payload, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-connCtx.Done():
		forget()
		return nil, nodeLeft(call)
	}
}

func nodeLeft(call messaging.Call) error {
	return &messaging.RemoteError{Remote: call.Remote, Method: call.Method, Code: protocol.ErrNodeLeft, Message: "node left"}
}

func errorInfo(err error) *protocol.ErrorInfo {
	if err == nil {
		return nil
	}
	var re *messaging.RemoteError
	if errors.As(err, &re) {
		return &protocol.ErrorInfo{Code: re.Code, Message: re.Message}
	}
	return &protocol.ErrorInfo{Code: messaging.CodeOf(err, protocol.ErrInternal), Message: err.Error()}
}

func closeWith(conn *websocket.Conn, code, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code+": "+reason),
		time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
