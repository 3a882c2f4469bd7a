package data

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire and save form of a Change.
type Envelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

type decodeFunc func(json.RawMessage) (Change, error)

// changeKinds is the closed set of change kinds that may cross the network or
// appear in a save file.
var changeKinds map[string]decodeFunc

func init() {
	changeKinds = map[string]decodeFunc{
		KindAddUnits:    decodeInto[AddUnits],
		KindRemoveUnits: decodeInto[RemoveUnits],
		KindOwner:       decodeInto[ChangeOwner],
		KindResource:    decodeInto[ChangeResource],
		KindProperty:    decodeInto[SetProperty],
		KindWhoAmI:      decodeInto[ChangeWhoAmI],
		KindUnitsHit:    decodeInto[UnitsHit],
		KindComposite:   decodeComposite,
	}
}

func decodeInto[T any, PT interface {
	*T
	Change
}](body json.RawMessage) (Change, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return PT(&v), nil
}

func decodeComposite(body json.RawMessage) (Change, error) {
	var members []Envelope
	if err := json.Unmarshal(body, &members); err != nil {
		return nil, err
	}
	c := &CompositeChange{Changes: make([]Change, 0, len(members))}
	for i, m := range members {
		ch, err := FromEnvelope(m)
		if err != nil {
			return nil, fmt.Errorf("member %d: %w", i, err)
		}
		c.Changes = append(c.Changes, ch)
	}
	return c, nil
}

func ToEnvelope(c Change) (Envelope, error) {
	if c == nil {
		return Envelope{}, fmt.Errorf("nil change")
	}
	if _, ok := changeKinds[c.Kind()]; !ok {
		return Envelope{}, fmt.Errorf("unregistered change kind %q", c.Kind())
	}
	if cc, ok := c.(*CompositeChange); ok {
		members := make([]Envelope, 0, len(cc.Changes))
		for _, m := range cc.Changes {
			env, err := ToEnvelope(m)
			if err != nil {
				return Envelope{}, err
			}
			members = append(members, env)
		}
		b, err := json.Marshal(members)
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Kind: KindComposite, Body: b}, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: c.Kind(), Body: b}, nil
}

func FromEnvelope(env Envelope) (Change, error) {
	dec, ok := changeKinds[env.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown change kind %q", env.Kind)
	}
	c, err := dec(env.Body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	return c, nil
}

func EncodeChange(c Change) ([]byte, error) {
	env, err := ToEnvelope(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func DecodeChange(b []byte) (Change, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode change envelope: %w", err)
	}
	return FromEnvelope(env)
}
