package client

import (
	"context"
	"encoding/json"

	"strategos.gg/internal/engine/data"
	"strategos.gg/internal/engine/delegate"
	"strategos.gg/internal/engine/gamechan"
	"strategos.gg/internal/engine/random"
	"strategos.gg/internal/messaging"
)

// registerRemotes serves the step advancer of this node and the random peer
// of every local player the mapping routes here.
func (s *Game) registerRemotes() error {
	add := func(name string, h messaging.RemoteHandler) error {
		if err := s.m.RegisterRemote(name, h); err != nil {
			return err
		}
		s.mu.Lock()
		s.remotes = append(s.remotes, name)
		s.mu.Unlock()
		return nil
	}
	if err := add(gamechan.StepAdvancerRemote(s.m.Node()), s.serveStep); err != nil {
		return err
	}
	for _, name := range s.mapping.Players(s.m.Node()) {
		if _, ok := s.local[name]; !ok {
			s.log.Printf("mapped player has no local player object player=%s", name)
			continue
		}
		if err := add(gamechan.PlayerRandomRemote(name), serveRandom(random.NewRemoteRandom(s.src))); err != nil {
			return err
		}
	}
	return nil
}

func (s *Game) serveStep(ctx context.Context, call messaging.Call) (any, error) {
	if call.Method != gamechan.MethodStart {
		return nil, delegate.ErrNoSuchMethod
	}
	req, err := gamechan.Unmarshal[gamechan.StartStep](call.Payload)
	if err != nil {
		return nil, err
	}
	p, ok := s.local[req.Player]
	if !ok {
		return nil, gamechan.ErrNoSuchPlayer
	}
	if err := s.waitForStep(ctx, req.Step, req.Player); err != nil {
		return nil, err
	}
	st, _ := s.gd.CurrentStep()
	return nil, p.Start(ctx, &playerBridge{g: s, step: st}, req.Step)
}

func serveRandom(r *random.RemoteRandom) messaging.RemoteHandler {
	return func(ctx context.Context, call messaging.Call) (any, error) {
		switch call.Method {
		case gamechan.MethodGenerate:
			req, err := gamechan.Unmarshal[random.GenerateRequest](call.Payload)
			if err != nil {
				return nil, err
			}
			return r.Generate(ctx, req)
		case gamechan.MethodVerify:
			req, err := gamechan.Unmarshal[random.VerifyRequest](call.Payload)
			if err != nil {
				return nil, err
			}
			return nil, r.Verify(ctx, req)
		}
		return nil, delegate.ErrNoSuchMethod
	}
}

// playerBridge is what a local player sees while it plays a step handed over
// by the server. Delegate calls go to the server node.
type playerBridge struct {
	g    *Game
	step data.Step
}

func (b *playerBridge) Data() *data.GameData { return b.g.gd }
func (b *playerBridge) StepName() string     { return b.step.Name }

func (b *playerBridge) CallDelegate(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	return b.g.m.Call(ctx, gamechan.DelegateRemote(b.step.Delegate), method, payload)
}
