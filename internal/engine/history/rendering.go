package history

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Rendering is display and audit data attached to an event child, e.g. the
// verified result of a dice roll.
type Rendering interface {
	RenderingKind() string
}

type renderingDecoder func(json.RawMessage) (Rendering, error)

var (
	renderingMu    sync.RWMutex
	renderingKinds = map[string]renderingDecoder{
		KindNote: func(b json.RawMessage) (Rendering, error) {
			var n Note
			err := json.Unmarshal(b, &n)
			return n, err
		},
	}
)

// RegisterRendering adds a rendering kind to the closed set understood by the
// network and save codecs. Registering a kind twice panics.
func RegisterRendering(kind string, decode func(json.RawMessage) (Rendering, error)) {
	renderingMu.Lock()
	defer renderingMu.Unlock()
	if _, dup := renderingKinds[kind]; dup {
		panic("history: rendering kind registered twice: " + kind)
	}
	renderingKinds[kind] = decode
}

// EncodeRendering returns the kind and JSON body of r. A nil rendering encodes
// as an empty kind.
func EncodeRendering(r Rendering) (string, json.RawMessage, error) {
	if r == nil {
		return "", nil, nil
	}
	renderingMu.RLock()
	_, ok := renderingKinds[r.RenderingKind()]
	renderingMu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("unregistered rendering kind %q", r.RenderingKind())
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "", nil, err
	}
	return r.RenderingKind(), b, nil
}

func DecodeRendering(kind string, body json.RawMessage) (Rendering, error) {
	if kind == "" {
		return nil, nil
	}
	renderingMu.RLock()
	dec, ok := renderingKinds[kind]
	renderingMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown rendering kind %q", kind)
	}
	return dec(body)
}

const KindNote = "note"

// Note is free text attached to an event child.
type Note struct {
	Text string `json:"text"`
}

func (Note) RenderingKind() string { return KindNote }
