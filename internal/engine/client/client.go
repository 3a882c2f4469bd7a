// Package client follows a game served by another node. It never originates
// changes: it installs the snapshot the server sends on join, then applies the
// game channel broadcasts in order and hands steps to its local players when
// the server asks.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"strategos.gg/internal/config"
	"strategos.gg/internal/engine/data"
	"strategos.gg/internal/engine/delegate"
	"strategos.gg/internal/engine/gamechan"
	"strategos.gg/internal/engine/history"
	"strategos.gg/internal/engine/player"
	"strategos.gg/internal/engine/random"
	"strategos.gg/internal/engine/savegame"
	"strategos.gg/internal/messaging"
)

var (
	ErrCannotJoin = errors.New("cannot join game")
	ErrShutDown   = errors.New("game shut down")
)

// ConsistencyError is a local copy that no longer follows the server. The
// session cannot continue after one.
type ConsistencyError struct {
	Step        string
	LocalRound  int
	ServerRound int
	Reason      string
}

func (e *ConsistencyError) Error() string {
	if e.ServerRound == 0 {
		return fmt.Sprintf("client out of sync at step %s round %d: %s", e.Step, e.LocalRound, e.Reason)
	}
	return fmt.Sprintf("client out of sync at step %s: local round %d, server round %d: %s",
		e.Step, e.LocalRound, e.ServerRound, e.Reason)
}

type Options struct {
	Config   config.Config
	Logger   *log.Logger
	Registry *delegate.Registry
	// Source feeds the peer half of verified draws; nil seeds one.
	Source random.Source
	// Fatal is called once on a consistency fault. nil logs and exits with
	// status 1.
	Fatal func(err error)
}

// Game is the local copy of a game served elsewhere.
type Game struct {
	cfg   config.Config
	log   *log.Logger
	m     messaging.Messenger
	reg   *delegate.Registry
	local map[string]player.Player
	src   random.Source
	fatal func(error)
	stats *random.Stats

	// applyMu serializes every write to the local copy: the install and
	// replay on join and each broadcast after it.
	applyMu   sync.Mutex
	installed bool
	seq       uint64
	pending   []gamechan.Event

	gd        *data.GameData
	hist      *history.History
	writer    *history.Writer
	delegates *delegate.Set
	mapping   *player.Mapping
	gameID    string

	mu        sync.Mutex
	stepCh    chan struct{}
	reason    string
	remotes   []string
	over      bool
	done      chan struct{}
	fatalOnce sync.Once

	unsubscribe func()
}

// Join asks the server of m for a snapshot and returns once it is installed.
// local are the players this node plays; the server's mapping decides which
// of them get steps.
func Join(ctx context.Context, m messaging.Messenger, local []player.Player, opts Options) (*Game, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.Registry == nil {
		return nil, errors.New("client: no delegate registry")
	}
	src := opts.Source
	if src == nil {
		var err error
		if src, err = random.NewSeededSource(); err != nil {
			return nil, err
		}
	}
	s := &Game{
		cfg:    opts.Config,
		log:    logger,
		m:      m,
		reg:    opts.Registry,
		local:  make(map[string]player.Player, len(local)),
		src:    src,
		fatal:  opts.Fatal,
		stats:  random.NewStats(),
		stepCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, p := range local {
		s.local[p.Name()] = p
	}
	if s.fatal == nil {
		s.fatal = func(err error) {
			logger.Printf("fatal err=%v", err)
			os.Exit(1)
		}
	}

	s.unsubscribe = m.Subscribe(gamechan.Channel, s.receive)
	waiting := gamechan.ObserverRemote(m.Node())
	if err := m.RegisterRemote(waiting, s.serveObserver); err != nil {
		s.unsubscribe()
		return nil, err
	}
	_, err := m.Call(ctx, gamechan.ServerRemote, gamechan.MethodObserve, nil)
	m.UnregisterRemote(waiting)
	if err != nil {
		s.Close()
		if r := s.rejection(); r != "" {
			return nil, fmt.Errorf("%w: %s", ErrCannotJoin, r)
		}
		return nil, fmt.Errorf("%w: %v", ErrCannotJoin, err)
	}
	s.applyMu.Lock()
	ok := s.installed
	s.applyMu.Unlock()
	if !ok {
		s.Close()
		return nil, fmt.Errorf("%w: no snapshot received", ErrCannotJoin)
	}
	if err := s.registerRemotes(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Game) rejection() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Game) Data() *data.GameData      { return s.gd }
func (s *Game) History() *history.History { return s.hist }
func (s *Game) Mapping() *player.Mapping  { return s.mapping }
func (s *Game) Delegates() *delegate.Set  { return s.delegates }
func (s *Game) Stats() *random.Stats      { return s.stats }
func (s *Game) GameID() string            { return s.gameID }

// Done is closed when the server shuts the game down.
func (s *Game) Done() <-chan struct{} { return s.done }

func (s *Game) IsGameOver() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.over
}

// Close detaches from the game without waiting for the server.
func (s *Game) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.mu.Lock()
	names := s.remotes
	s.remotes = nil
	s.mu.Unlock()
	for _, name := range names {
		s.m.UnregisterRemote(name)
	}
	s.stopPlayers()
}

func (s *Game) stopPlayers() {
	for _, p := range s.local {
		p.StopGame()
	}
}

// SaveGame fetches a snapshot from the server and writes it to path.
func (s *Game) SaveGame(ctx context.Context, path string) error {
	raw, err := s.m.Call(ctx, gamechan.ServerRemote, gamechan.MethodSavedGame, nil)
	if err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	sg, err := gamechan.Unmarshal[gamechan.SavedGame](raw)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sg.Save, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Game) serveObserver(_ context.Context, call messaging.Call) (any, error) {
	switch call.Method {
	case gamechan.MethodJoin:
		j, err := gamechan.Unmarshal[gamechan.Join](call.Payload)
		if err != nil {
			return nil, err
		}
		g, err := savegame.FromBytes(j.Save, s.reg)
		if err != nil {
			s.log.Printf("join snapshot err=%v", err)
			return nil, err
		}
		s.install(g, j)
		return nil, nil
	case gamechan.MethodCannotJoin:
		c, err := gamechan.Unmarshal[gamechan.CannotJoin](call.Payload)
		if err != nil {
			return nil, err
		}
		s.log.Printf("cannot join reason=%q", c.Reason)
		s.mu.Lock()
		s.reason = c.Reason
		s.mu.Unlock()
		return nil, nil
	}
	return nil, delegate.ErrNoSuchMethod
}

// install takes the snapshot and replays the broadcasts that overtook it.
func (s *Game) install(g *savegame.Game, j gamechan.Join) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	s.gd = g.Data
	s.hist = g.History
	if s.hist == nil {
		s.hist = history.New(s.gd)
	}
	s.writer = s.hist.Writer()
	s.delegates = g.Delegates
	s.mapping = player.NewMapping(j.Mapping)
	s.gameID = j.GameID
	s.seq = j.Seq
	s.installed = true
	u := s.gd.AcquireReadLock()
	s.stats.ImportHistory(s.hist)
	u.Unlock()

	pending := s.pending
	s.pending = nil
	for _, ev := range pending {
		s.applyLocked(ev)
	}
	s.log.Printf("joined game=%s seq=%d replayed=%d", j.GameID, j.Seq, len(pending))
}

func (s *Game) receive(msg messaging.Message) {
	if msg.Sender != s.m.ServerNode() {
		s.log.Printf("drop game event err=%v", fmt.Errorf("%w: sender %s", gamechan.ErrNotServer, msg.Sender))
		return
	}
	ev, err := gamechan.Decode(msg.Payload)
	if err != nil {
		s.log.Printf("drop game event err=%v", err)
		return
	}
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	if !s.installed {
		s.pending = append(s.pending, ev)
		return
	}
	s.applyLocked(ev)
}

func (s *Game) applyLocked(ev gamechan.Event) {
	if ev.Seq <= s.seq {
		return
	}
	s.seq = ev.Seq
	if err := ev.Apply(follower{s}); err != nil {
		s.log.Printf("apply game event seq=%d op=%s err=%v", ev.Seq, ev.Op, err)
	}
}

func (s *Game) fail(err error) {
	s.fatalOnce.Do(func() {
		s.log.Printf("consistency fault err=%v", err)
		s.Close()
		s.fatal(err)
	})
}

// follower mirrors the server's calls onto the local copy.
type follower struct{ s *Game }

func (f follower) GameDataChanged(c data.Change) {
	if err := f.s.gd.PerformChange(c); err != nil {
		st, _ := f.s.gd.CurrentStep()
		f.s.fail(&ConsistencyError{
			Step:       st.Name,
			LocalRound: f.s.gd.CurrentRound(),
			Reason:     "change rejected: " + err.Error(),
		})
		return
	}
	f.s.writer.AddChange(c)
}

func (f follower) StartHistoryEvent(text string, r history.Rendering) {
	f.s.writer.StartEvent(text)
	if r != nil {
		f.s.writer.SetRenderingData(r)
	}
}

func (f follower) AddChildToEvent(title string, r history.Rendering) {
	f.s.writer.AddChildToEvent(title, r)
	if res, ok := r.(*random.VerifiedResult); ok {
		f.s.stats.Add(res)
	}
}

func (f follower) SetRenderingData(r history.Rendering) { f.s.writer.SetRenderingData(r) }

func (f follower) StepChanged(sc gamechan.StepChange) {
	if err := f.s.resync(sc); err != nil {
		f.s.fail(err)
		return
	}
	f.s.notifyStep()
}

func (f follower) ShutDown() {
	s := f.s
	s.mu.Lock()
	if s.over {
		s.mu.Unlock()
		return
	}
	s.over = true
	close(s.done)
	s.notifyStepLocked()
	s.mu.Unlock()
	s.stopPlayers()
	s.log.Printf("game shut down game=%s", s.gameID)
}

func matches(st data.Step, sc gamechan.StepChange) bool {
	return st.Name == sc.StepName && st.Player == sc.Player && st.Delegate == sc.DelegateName
}

// resync moves the local sequence to the announced step. Every wrap opens a
// history round, as the server did when it wrapped. Already standing on the
// announced step in the announced round means the snapshot was taken after
// the server advanced, and nothing moves.
func (s *Game) resync(sc gamechan.StepChange) error {
	if s.gd.Sequence().Len() == 0 {
		return &ConsistencyError{Step: sc.StepName, ServerRound: sc.Round, Reason: "empty sequence"}
	}
	for {
		st, _ := s.gd.CurrentStep()
		round := s.gd.CurrentRound()
		if matches(st, sc) && round == sc.Round {
			break
		}
		if round > sc.Round {
			return &ConsistencyError{
				Step:        sc.StepName,
				LocalRound:  round,
				ServerRound: sc.Round,
				Reason:      "can not create more rounds than the server has",
			}
		}
		if s.gd.AdvanceSequence() {
			next := s.gd.CurrentRound()
			if next > sc.Round {
				return &ConsistencyError{
					Step:        sc.StepName,
					LocalRound:  next,
					ServerRound: sc.Round,
					Reason:      "can not create more rounds than the server has",
				}
			}
			s.writer.StartNextRound(next)
		}
	}

	u := s.gd.AcquireReadLock()
	recorded := sc.LoadedFromSavedGame && s.hist.LastStepIs(sc.StepName, sc.Player)
	u.Unlock()
	if !recorded {
		s.writer.StartNextStep(sc.StepName, sc.DelegateName, sc.Player, sc.DisplayName)
	}
	return nil
}

func (s *Game) notifyStep() {
	s.mu.Lock()
	s.notifyStepLocked()
	s.mu.Unlock()
}

func (s *Game) notifyStepLocked() {
	close(s.stepCh)
	s.stepCh = make(chan struct{})
}

// waitForStep returns once the local sequence stands on (stepName, player).
// The server may hand over a step before its broadcast arrives here; waiting
// longer than the warn timeout is logged and the wait goes on.
func (s *Game) waitForStep(ctx context.Context, stepName, owner string) error {
	warn := s.cfg.Timeouts.StepAdvancerWarn
	if warn <= 0 {
		warn = 30 * time.Second
	}
	started := time.Now()
	timer := time.NewTimer(warn)
	defer timer.Stop()
	for {
		s.mu.Lock()
		ch := s.stepCh
		over := s.over
		s.mu.Unlock()
		if over {
			return ErrShutDown
		}
		if st, ok := s.gd.CurrentStep(); ok && st.Name == stepName && st.Player == owner {
			return nil
		}
		select {
		case <-ch:
		case <-timer.C:
			st, _ := s.gd.CurrentStep()
			s.log.Printf("step advancer waited=%s step=%s local=%s", time.Since(started).Round(time.Second), stepName, st.Name)
			timer.Reset(warn)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
