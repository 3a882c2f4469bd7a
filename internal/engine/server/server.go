// Package server runs the authoritative copy of a game. One goroutine drives
// the step loop; every change it makes is applied locally, recorded in the
// history and broadcast on the game channel, in that order.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"strategos.gg/internal/config"
	"strategos.gg/internal/engine/autosave"
	"strategos.gg/internal/engine/data"
	"strategos.gg/internal/engine/delegate"
	"strategos.gg/internal/engine/gamechan"
	"strategos.gg/internal/engine/gate"
	"strategos.gg/internal/engine/history"
	"strategos.gg/internal/engine/player"
	"strategos.gg/internal/engine/random"
	"strategos.gg/internal/engine/savegame"
	"strategos.gg/internal/messaging"
	glog "strategos.gg/internal/persistence/log"
)

// Recorder receives the durable game records. The journal and the sqlite index
// both implement it.
type Recorder interface {
	Record(e glog.Entry) error
}

// Uploader copies written save files off the box.
type Uploader interface {
	Enqueue(localPath string)
}

type Options struct {
	Config config.Config
	Logger *log.Logger
	// Source overrides the seeded local random source.
	Source    random.Source
	Recorders []Recorder
	Mirror    Uploader
	// GameID defaults to a random uuid.
	GameID string
	// Exit ends the process; nil means os.Exit.
	Exit func(code int)
}

// Game is the server side of a running game.
type Game struct {
	cfg    config.Config
	log    *log.Logger
	m      messaging.Messenger
	id     string
	slots  autosave.Slots
	policy autosave.Policy

	gd        *data.GameData
	hist      *history.History
	writer    *history.Writer
	delegates *delegate.Set
	players   map[string]player.Player
	mapping   *player.Mapping

	gate   *gate.Gate
	bc     *gamechan.Broadcaster
	random random.Source
	stats  *random.Stats

	recorders []Recorder
	mirror    Uploader
	exit      func(int)

	// outMu orders local application of a change with its broadcast, and
	// keeps snapshots from landing between the two.
	outMu sync.Mutex

	restored    bool
	typesLoaded bool
	remotes     []string

	// stopCtx is cancelled by StopGame so a running loop unwinds.
	stopCtx context.Context
	stopAll context.CancelFunc

	stopMu     sync.Mutex
	stopped    bool
	stopWanted bool
	// seqResume is non-nil while the game sequence is stopped and is closed
	// by ResumeGameSequence.
	seqResume chan struct{}
	parked    atomic.Bool
	winner     string
	lastSave   string
	gameOver   atomic.Bool
}

// New prepares g to be served on m. Local players are mapped to the server
// node; mapping holds the players of the other nodes.
func New(m messaging.Messenger, g *savegame.Game, local []player.Player, mapping *player.Mapping, opts Options) (*Game, error) {
	if g == nil || g.Data == nil {
		return nil, errors.New("server: no game data")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if mapping == nil {
		mapping = player.NewMapping(nil)
	}
	if g.Delegates == nil {
		g.Delegates = delegate.NewSet()
	}
	if g.History == nil {
		g.History = history.New(g.Data)
	}
	for _, st := range g.Data.Sequence().Steps() {
		if _, ok := g.Delegates.Get(st.Delegate); !ok {
			return nil, fmt.Errorf("server: step %s: %w: %s", st.Name, delegate.ErrNoSuchDelegate, st.Delegate)
		}
	}

	src := opts.Source
	if src == nil {
		var err error
		if opts.Config.Seed != 0 {
			src = random.NewPlainSource(opts.Config.Seed)
		} else if src, err = random.NewSeededSource(); err != nil {
			return nil, err
		}
	}

	s := &Game{
		cfg:       opts.Config,
		log:       logger,
		m:         m,
		id:        opts.GameID,
		slots:     opts.Config.Slots(),
		policy:    opts.Config.Autosave,
		gd:        g.Data,
		hist:      g.History,
		writer:    g.History.Writer(),
		delegates: g.Delegates,
		players:   make(map[string]player.Player, len(local)),
		mapping:   mapping,
		gate:      gate.New(),
		bc:        gamechan.NewBroadcaster(m),
		stats:     random.NewStats(),
		recorders: opts.Recorders,
		mirror:    opts.Mirror,
		exit:      opts.Exit,
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.exit == nil {
		s.exit = os.Exit
	}
	s.random = random.NewCryptoSource(src, s.randomPeer)
	s.stopCtx, s.stopAll = context.WithCancel(context.Background())
	for _, p := range local {
		s.players[p.Name()] = p
		mapping.Set(p.Name(), m.Node())
	}

	u := s.gd.AcquireReadLock()
	s.restored = s.gd.PropertyBool(data.PropGameHasBeenSaved)
	s.stats.ImportHistory(s.hist)
	var mark *data.SetProperty
	if !s.restored {
		mark = data.NewSetProperty(s.gd, data.PropGameHasBeenSaved, "true")
	}
	u.Unlock()
	if mark != nil {
		// Set before any node has a copy, so it is neither broadcast nor
		// recorded in the history.
		if err := s.gd.PerformChange(mark); err != nil {
			return nil, err
		}
		if s.hist.Root().ChildCount() == 0 {
			s.writer.StartNextRound(s.gd.CurrentRound())
		}
	}

	if err := s.registerRemotes(); err != nil {
		s.unregisterRemotes()
		return nil, err
	}
	return s, nil
}

func (s *Game) GameID() string            { return s.id }
func (s *Game) Data() *data.GameData      { return s.gd }
func (s *Game) History() *history.History { return s.hist }
func (s *Game) Gate() *gate.Gate          { return s.gate }
func (s *Game) Stats() *random.Stats      { return s.stats }
func (s *Game) Mapping() *player.Mapping  { return s.mapping }
func (s *Game) Delegates() *delegate.Set  { return s.delegates }

// IsGameOver reports whether StopGame has been called.
func (s *Game) IsGameOver() bool { return s.gameOver.Load() }

// Winner returns the winner named by the delegate that ended the game.
func (s *Game) Winner() string {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	return s.winner
}

// LastSave returns the path of the last save file written.
func (s *Game) LastSave() string {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	return s.lastSave
}

// Run drives the game until it is over, ctx ends or a step fails.
func (s *Game) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unhook := context.AfterFunc(s.stopCtx, cancel)
	defer unhook()

	if err := s.startPersistentDelegates(ctx); err != nil {
		return s.loopError(err)
	}
	if s.restored {
		s.log.Printf("resuming restored step game=%s", s.id)
		if err := s.RunStep(ctx, true); err != nil {
			return s.loopError(err)
		}
	}
	for !s.IsGameOver() {
		if s.stopRequested() {
			s.StopGame()
			return nil
		}
		if err := s.waitForGameSequence(ctx); err != nil {
			return s.loopError(err)
		}
		if s.IsGameOver() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return s.loopError(err)
		}
		if err := s.RunStep(ctx, false); err != nil {
			return s.loopError(err)
		}
	}
	return nil
}

func (s *Game) loopError(err error) error {
	if s.IsGameOver() {
		return nil
	}
	return err
}

func (s *Game) startPersistentDelegates(ctx context.Context) error {
	for _, d := range s.delegates.All() {
		if _, ok := d.(delegate.Persistent); !ok {
			continue
		}
		b := s.bridge(data.Step{Name: d.Name(), Delegate: d.Name()})
		err := s.gate.Inbound(ctx, func(ctx context.Context) error { return d.Start(ctx, b) })
		if err != nil {
			return fmt.Errorf("start persistent delegate %s: %w", d.Name(), err)
		}
	}
	return nil
}

// RunStep runs the current step: optional autosave, start, the player's turn,
// end, and the advance to the next step. restored marks the step the game was
// saved in, which was already announced and recorded before the save.
func (s *Game) RunStep(ctx context.Context, restored bool) error {
	st, ok := s.gd.CurrentStep()
	if !ok {
		return errors.New("server: empty sequence")
	}
	if st.HasReachedMaxRunCount() {
		s.advance(st)
		return nil
	}
	if s.IsGameOver() || s.GameSequenceStopped() {
		return nil
	}
	d, ok := s.delegates.Get(st.Delegate)
	if !ok {
		return fmt.Errorf("step %s: %w: %s", st.Name, delegate.ErrNoSuchDelegate, st.Delegate)
	}

	if !restored && s.policy.BeforeStart(d.TypeID()) {
		s.autoSave(s.slots.BeforeStep(d.Name()))
	}
	if err := s.startStep(ctx, st, d, restored); err != nil {
		return fmt.Errorf("start step %s: %w", st.Name, err)
	}
	if !restored && s.policy.AfterStart(d.TypeID()) {
		s.autoSave(s.slots.BeforeStep(d.Name()))
	}
	if s.IsGameOver() {
		return nil
	}

	if err := s.waitForPlayerToFinishStep(ctx, st, d); err != nil {
		return fmt.Errorf("step %s player %s: %w", st.Name, st.Player, err)
	}
	if s.IsGameOver() {
		return nil
	}

	saveAfter := s.policy.AfterEnd(d.TypeID())
	if saveAfter && data.IsMoveStep(st.Name) {
		name := st.Name
		if s.cfg.Headless {
			name = autosave.StepName(name)
		}
		s.autoSave(s.slots.AfterStep(name))
	}
	if err := s.endStep(ctx, d); err != nil {
		return fmt.Errorf("end step %s: %w", st.Name, err)
	}
	if s.IsGameOver() {
		return nil
	}

	if round, wrapped := s.advance(st); wrapped {
		s.autoSave(s.slots.Round(round))
	}
	if saveAfter && !data.IsMoveStep(st.Name) {
		// Saved after the advance, so loading it does not run the delegate again.
		s.autoSave(s.slots.AfterStep(d.Name()))
	}
	return nil
}

func (s *Game) startStep(ctx context.Context, st data.Step, d delegate.Delegate, restored bool) error {
	b := s.bridge(st)
	s.notifyStepChanged(st, restored)
	s.addPlayerTypes(st)
	return s.gate.Inbound(ctx, func(ctx context.Context) error { return d.Start(ctx, b) })
}

func (s *Game) endStep(ctx context.Context, d delegate.Delegate) error {
	err := s.gate.Inbound(ctx, func(ctx context.Context) error { return d.End(ctx) })
	if err != nil {
		return err
	}
	s.gd.IncrementStepRunCount()
	return nil
}

// advance moves the sequence past prev. A round wrap opens a history round
// under the same lock, so no snapshot sees one without the other. The new
// round is never broadcast; clients derive it from the next step change.
func (s *Game) advance(prev data.Step) (round int, wrapped bool) {
	s.outMu.Lock()
	wrapped = s.gd.AdvanceSequence()
	round = s.gd.CurrentRound()
	if wrapped {
		s.writer.StartNextRound(round)
	}
	s.outMu.Unlock()
	s.disableEditModeForAI(prev)
	return round, wrapped
}

// disableEditModeForAI turns edit mode off when control passes to an AI.
func (s *Game) disableEditModeForAI(prev data.Step) {
	next, ok := s.gd.CurrentStep()
	if !ok || next.Player == "" || next.Player == prev.Player || !s.isAI(next.Player) {
		return
	}
	u := s.gd.AcquireReadLock()
	on := s.gd.PropertyBool(data.PropEditMode)
	var c *data.SetProperty
	if on {
		c = data.NewSetProperty(s.gd, data.PropEditMode, "false")
	}
	u.Unlock()
	if c == nil {
		return
	}
	s.historyWriter().StartEvent("Turning off Edit Mode when switching to AI player")
	if err := s.AddChange(c); err != nil {
		s.log.Printf("edit mode off err=%v", err)
	}
}

func (s *Game) isAI(name string) bool {
	if p, ok := s.players[name]; ok {
		return p.IsAI()
	}
	u := s.gd.AcquireReadLock()
	defer u.Unlock()
	p := s.gd.Player(name)
	return p != nil && p.IsAI()
}

// notifyStepChanged records st in the history and announces it. A restored
// step already has its history node unless the save was taken between the
// advance and the announcement.
func (s *Game) notifyStepChanged(st data.Step, restored bool) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	u := s.gd.AcquireReadLock()
	round := s.gd.Sequence().Round()
	recorded := restored && s.hist.LastStepIs(st.Name, st.Player)
	u.Unlock()
	if !recorded {
		s.writer.StartNextStep(st.Name, st.Delegate, st.Player, st.DisplayName)
	}
	if err := s.bc.StepChanged(gamechan.StepChange{
		StepName:            st.Name,
		DelegateName:        st.Delegate,
		Player:              st.Player,
		Round:               round,
		DisplayName:         st.DisplayName,
		LoadedFromSavedGame: restored,
	}); err != nil {
		s.log.Printf("step changed broadcast step=%s err=%v", st.Name, err)
	}
	s.record(glog.Entry{Kind: glog.KindStep, Round: round, Step: st.Name, Player: st.Player})
}

// addPlayerTypes writes, once per game, who plays every player and brings
// their WhoAmI in line with it.
func (s *Game) addPlayerTypes(st data.Step) {
	if s.typesLoaded || st.Player == "" {
		return
	}
	s.typesLoaded = true

	var lines []string
	comp := data.NewComposite()
	u := s.gd.AcquireReadLock()
	for _, name := range s.gd.PlayerNames() {
		label := "Human:Client"
		if p, ok := s.players[name]; ok {
			label = p.Label()
		}
		verb := "is"
		if len(name) > 0 && (name[len(name)-1] == 's' || name[len(name)-1] == 'S') {
			verb = "are"
		}
		lines = append(lines, fmt.Sprintf("%s %s now being played by: %s", name, verb, label))
		if p := s.gd.Player(name); p != nil && p.WhoAmI() != label {
			comp.Add(data.NewChangeWhoAmI(s.gd, name, label))
		}
	}
	u.Unlock()

	w := s.historyWriter()
	w.StartEvent("Game Loaded")
	for _, l := range lines {
		w.AddChildToEvent(l, nil)
	}
	if !comp.IsEmpty() {
		if err := s.AddChange(comp); err != nil {
			s.log.Printf("player types err=%v", err)
		}
	}
}

func (s *Game) waitForPlayerToFinishStep(ctx context.Context, st data.Step, d delegate.Delegate) error {
	if st.Player == "" || !d.RequiresUserInput() {
		return nil
	}
	if p, ok := s.players[st.Player]; ok {
		err := p.Start(ctx, &playerBridge{g: s, step: st}, st.Name)
		if errors.Is(err, player.ErrStopped) && s.IsGameOver() {
			return nil
		}
		return err
	}
	node, ok := s.mapping.Node(st.Player)
	if !ok {
		s.log.Printf("no player for step=%s player=%s", st.Name, st.Player)
		return nil
	}
	_, err := s.m.Call(ctx, gamechan.StepAdvancerRemote(node), gamechan.MethodStart, gamechan.StartStep{Step: st.Name, Player: st.Player})
	if err != nil && s.IsGameOver() {
		return nil
	}
	return err
}

func (s *Game) bridge(st data.Step) *delegate.DefaultBridge {
	return &delegate.DefaultBridge{
		GameData: s.gd,
		Changes:  s,
		Writer:   s.historyWriter(),
		Source:   s.random,
		Stats:    s.stats,
		Gate:     s.gate,
		Step:     st.Name,
		Owner:    st.Player,
		Stop:     s.requestStop,
		Pause:    s.StopGameSequence,
	}
}

// AddChange performs c, records it in the history and broadcasts it.
func (s *Game) AddChange(c data.Change) error {
	if c == nil {
		return nil
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if err := s.gd.PerformChange(c); err != nil {
		return err
	}
	s.writer.AddChange(c)
	return s.bc.GameDataChanged(c)
}

func (s *Game) historyWriter() delegate.HistoryWriter { return broadcastWriter{g: s} }

// broadcastWriter writes the server history and replicates every write.
type broadcastWriter struct{ g *Game }

func (w broadcastWriter) StartEvent(text string) {
	w.g.outMu.Lock()
	defer w.g.outMu.Unlock()
	w.g.writer.StartEvent(text)
	w.g.sent(w.g.bc.StartHistoryEvent(text, nil))
}

func (w broadcastWriter) AddChildToEvent(title string, r history.Rendering) {
	w.g.outMu.Lock()
	defer w.g.outMu.Unlock()
	w.g.writer.AddChildToEvent(title, r)
	w.g.sent(w.g.bc.AddChildToEvent(title, r))
	if res, ok := r.(*random.VerifiedResult); ok {
		w.g.record(glog.Entry{
			Kind:       glog.KindRoll,
			Round:      w.g.gd.CurrentRound(),
			Player:     res.Player,
			Annotation: res.Annotation,
			Values:     res.Values,
			Verified:   res.Verified,
		})
	}
}

func (w broadcastWriter) SetRenderingData(r history.Rendering) {
	w.g.outMu.Lock()
	defer w.g.outMu.Unlock()
	w.g.writer.SetRenderingData(r)
	w.g.sent(w.g.bc.SetRenderingData(r))
}

func (s *Game) sent(err error) {
	if err != nil {
		s.log.Printf("game broadcast err=%v", err)
	}
}

func (s *Game) record(e glog.Entry) {
	if len(s.recorders) == 0 {
		return
	}
	e.GameID = s.id
	if e.At == 0 {
		e.At = time.Now().UnixMilli()
	}
	for _, r := range s.recorders {
		if err := r.Record(e); err != nil {
			s.log.Printf("record kind=%s err=%v", e.Kind, err)
		}
	}
}

// playerBridge is what a local player sees while it plays a step.
type playerBridge struct {
	g    *Game
	step data.Step
}

func (b *playerBridge) Data() *data.GameData { return b.g.gd }
func (b *playerBridge) StepName() string     { return b.step.Name }

func (b *playerBridge) CallDelegate(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	return b.g.m.Call(ctx, gamechan.DelegateRemote(b.step.Delegate), method, payload)
}
