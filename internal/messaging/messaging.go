// Package messaging is the reliable ordered channel between the nodes of a
// game: named broadcast channels plus addressable remotes.
//
// Broadcasts from a node reach every other node in send order. Subscribers on
// the sending node run synchronously inside Broadcast; other nodes receive
// through their inbox goroutine. Remote calls block the caller until the
// handler returns.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNoSuchRemote    = errors.New("no such remote")
	ErrDuplicateRemote = errors.New("remote already registered")
	ErrDuplicateNode   = errors.New("node already joined")
	ErrNodeLeft        = errors.New("node left")
	ErrClosed          = errors.New("messenger closed")
)

type Message struct {
	Channel string          `json:"channel"`
	Sender  string          `json:"sender"`
	Payload json.RawMessage `json:"payload"`
}

type Handler func(msg Message)

type Call struct {
	Remote  string          `json:"remote"`
	Method  string          `json:"method"`
	Caller  string          `json:"caller"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RemoteHandler serves calls to one registered remote. The returned value is
// JSON encoded for the caller.
type RemoteHandler func(ctx context.Context, call Call) (any, error)

// Messenger is one node's view of the channel.
type Messenger interface {
	Node() string
	ServerNode() string
	Subscribe(channel string, h Handler) (unsubscribe func())
	Broadcast(channel string, payload any) error
	RegisterRemote(name string, h RemoteHandler) error
	// UnregisterRemote panics when name is not registered by this node.
	UnregisterRemote(name string)
	Call(ctx context.Context, remote, method string, payload any) (json.RawMessage, error)
}

// RemoteError is how handler failures reach the caller. Code is one of the
// protocol error codes.
type RemoteError struct {
	Remote  string `json:"remote"`
	Method  string `json:"method"`
	Code    string `json:"code"`
	Message string `json:"message"`

	cause error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s.%s: %s (%s)", e.Remote, e.Method, e.Message, e.Code)
}

func (e *RemoteError) Unwrap() error { return e.cause }

// Is matches sentinels registered with RegisterCode by code, which survives a
// network hop where the cause does not.
func (e *RemoteError) Is(target error) bool {
	codesMu.RLock()
	code, ok := codes[target]
	codesMu.RUnlock()
	return ok && code == e.Code
}

var (
	codesMu sync.RWMutex
	codes   = map[error]string{}
)

// RegisterCode binds a sentinel error to a wire error code.
func RegisterCode(err error, code string) {
	codesMu.Lock()
	codes[err] = code
	codesMu.Unlock()
}

// CodeOf returns the wire code for err, defaulting to fallback.
func CodeOf(err error, fallback string) string {
	var re *RemoteError
	if errors.As(err, &re) && re.Code != "" {
		return re.Code
	}
	codesMu.RLock()
	defer codesMu.RUnlock()
	for sentinel, code := range codes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return fallback
}

func encode(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}
