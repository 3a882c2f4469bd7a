package server

import (
	"context"
	"encoding/json"

	"strategos.gg/internal/engine/delegate"
	"strategos.gg/internal/engine/gamechan"
	"strategos.gg/internal/engine/random"
	"strategos.gg/internal/messaging"
)

func (s *Game) registerRemotes() error {
	add := func(name string, h messaging.RemoteHandler) error {
		if err := s.m.RegisterRemote(name, h); err != nil {
			return err
		}
		s.remotes = append(s.remotes, name)
		return nil
	}
	if err := add(gamechan.ServerRemote, s.serveServer); err != nil {
		return err
	}
	if err := add(gamechan.RandomStatsRemote, s.serveStats); err != nil {
		return err
	}
	for _, d := range s.delegates.All() {
		r, ok := d.(delegate.Remote)
		if !ok {
			continue
		}
		if err := add(gamechan.DelegateRemote(d.Name()), s.serveDelegate(r)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Game) unregisterRemotes() {
	for _, name := range s.remotes {
		s.m.UnregisterRemote(name)
	}
	s.remotes = nil
}

func (s *Game) serveServer(ctx context.Context, call messaging.Call) (any, error) {
	switch call.Method {
	case gamechan.MethodSavedGame:
		b, _, err := s.SavedGameBytes(ctx)
		if err != nil {
			return nil, err
		}
		return gamechan.SavedGame{Save: b}, nil
	case gamechan.MethodObserve:
		return nil, s.AddObserver(ctx, call.Caller)
	}
	return nil, delegate.ErrNoSuchMethod
}

func (s *Game) serveStats(context.Context, messaging.Call) (any, error) {
	return gamechan.StatsReport{Report: s.stats.Report(), Summaries: s.stats.Summaries()}, nil
}

// serveDelegate runs remote calls to a delegate as delegate executions, so
// they never overlap a step.
func (s *Game) serveDelegate(r delegate.Remote) messaging.RemoteHandler {
	return func(ctx context.Context, call messaging.Call) (any, error) {
		var out any
		err := s.gate.Inbound(ctx, func(ctx context.Context) error {
			v, err := r.HandleRemote(ctx, call.Method, call.Payload)
			out = v
			return err
		})
		return out, err
	}
}

// randomPeer picks the node of the current step's player as the second party
// of a verified draw. Draws for server side players have no peer.
func (s *Game) randomPeer() random.Peer {
	st, ok := s.gd.CurrentStep()
	if !ok || st.Player == "" {
		return nil
	}
	node, ok := s.mapping.Node(st.Player)
	if !ok || node == s.m.Node() {
		return nil
	}
	return &remotePeer{m: s.m, remote: gamechan.PlayerRandomRemote(st.Player)}
}

type remotePeer struct {
	m      messaging.Messenger
	remote string
}

func (p *remotePeer) Generate(ctx context.Context, req random.GenerateRequest) ([]int, error) {
	b, err := p.m.Call(ctx, p.remote, gamechan.MethodGenerate, req)
	if err != nil {
		return nil, err
	}
	var vals []int
	if err := json.Unmarshal(b, &vals); err != nil {
		return nil, err
	}
	return vals, nil
}

func (p *remotePeer) Verify(ctx context.Context, req random.VerifyRequest) error {
	_, err := p.m.Call(ctx, p.remote, gamechan.MethodVerify, req)
	return err
}
