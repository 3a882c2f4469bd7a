package server

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"strategos.gg/internal/engine/gamechan"
	"strategos.gg/internal/engine/savegame"
	"strategos.gg/internal/persistence/archive"
	glog "strategos.gg/internal/persistence/log"
)

func (s *Game) requestStop(winner string) {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	s.stopWanted = true
	if winner != "" {
		s.winner = winner
	}
}

func (s *Game) stopRequested() bool {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	return s.stopWanted
}

// StopGameSequence halts the loop before the next step. Nothing else
// changes: remotes stay registered and observers may still join.
func (s *Game) StopGameSequence() {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.seqResume != nil || s.stopped {
		return
	}
	s.seqResume = make(chan struct{})
	s.log.Printf("game sequence stopped game=%s", s.id)
}

// ResumeGameSequence lets a loop halted by StopGameSequence run the next step.
func (s *Game) ResumeGameSequence() {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.seqResume == nil {
		return
	}
	close(s.seqResume)
	s.seqResume = nil
	s.log.Printf("game sequence resumed game=%s", s.id)
}

func (s *Game) GameSequenceStopped() bool {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	return s.seqResume != nil
}

// waitForGameSequence parks the loop while the sequence is stopped. StopGame
// cancels ctx through stopCtx, which releases it.
func (s *Game) waitForGameSequence(ctx context.Context) error {
	s.stopMu.Lock()
	resume := s.seqResume
	s.stopMu.Unlock()
	if resume == nil {
		return nil
	}
	s.parked.Store(true)
	defer s.parked.Store(false)
	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopGame ends the game. Later calls only log. Delegate execution is blocked
// before the remotes go away; when it cannot be blocked the process exits
// with status 1.
func (s *Game) StopGame() {
	s.stopMu.Lock()
	if s.stopped {
		s.stopMu.Unlock()
		s.log.Printf("stop game called twice game=%s", s.id)
		return
	}
	s.stopped = true
	winner := s.winner
	s.stopMu.Unlock()

	s.gameOver.Store(true)
	for _, p := range s.players {
		p.StopGame()
	}
	s.stopAll()

	resume, ok := s.blockForShutdown()
	if !ok {
		s.log.Printf("could not stop delegate execution game=%s, exiting", s.id)
		s.exit(1)
		return
	}
	s.gate.SetGameOver()
	s.sent(s.bc.ShutDown())
	s.unregisterRemotes()
	s.finish(winner)
	resume()

	s.log.Printf("game over game=%s winner=%q", s.id, winner)
	if s.cfg.Headless {
		s.exit(0)
	}
}

func (s *Game) blockForShutdown() (func(), bool) {
	attempts := s.cfg.Timeouts.ShutdownAttempts
	if attempts < 1 {
		attempts = 1
	}
	for i := 1; i <= attempts; i++ {
		resume, ok := s.gate.Block(context.Background(), s.cfg.Timeouts.ShutdownBlock)
		if ok {
			return resume, true
		}
		s.log.Printf("block delegate execution attempt=%d/%d timed out", i, attempts)
	}
	return nil, false
}

// finish writes the end of game record and archives a final save. Delegate
// execution is blocked.
func (s *Game) finish(winner string) {
	s.record(glog.Entry{Kind: glog.KindEnd, Round: s.gd.CurrentRound(), Winner: winner})
	if !s.cfg.Archive.Enabled {
		return
	}
	path := filepath.Join(s.cfg.SaveGamesDir, s.cfg.AutosavePrefix+"final_"+s.id+".tsvg")
	if err := s.writeSave(path); err != nil {
		s.log.Printf("final save path=%s err=%v", path, err)
		return
	}
	dst, err := archive.ArchiveGame(s.cfg.Archive.Dir, path, archive.Meta{
		GameID:    s.id,
		Winner:    winner,
		Players:   s.gd.PlayerNames(),
		DiceStats: s.stats.Report(),
	})
	if err != nil {
		s.log.Printf("archive game=%s err=%v", s.id, err)
		return
	}
	s.log.Printf("archived game=%s save=%s", s.id, dst)
}

// SaveGame blocks delegate execution and writes the game to path.
func (s *Game) SaveGame(path string) error {
	resume, ok := s.gate.Block(context.Background(), s.cfg.Timeouts.SaveBlock)
	if !ok {
		return fmt.Errorf("save %s: %w", path, gamechan.ErrBusy)
	}
	defer resume()
	return s.writeSave(path)
}

func (s *Game) snapshot() *savegame.Game {
	return &savegame.Game{Data: s.gd, History: s.hist, Delegates: s.delegates}
}

// writeSave writes the game with history and delegates. Delegate execution is
// blocked by the caller.
func (s *Game) writeSave(path string) error {
	s.outMu.Lock()
	err := savegame.WriteFile(path, s.snapshot(), savegame.Options{WithHistory: true, WithDelegates: true})
	s.outMu.Unlock()
	if err != nil {
		return err
	}
	st, _ := s.gd.CurrentStep()
	s.record(glog.Entry{Kind: glog.KindSave, Round: s.gd.CurrentRound(), Step: st.Name, Path: path})
	s.stopMu.Lock()
	s.lastSave = path
	s.stopMu.Unlock()
	if s.mirror != nil {
		s.mirror.Enqueue(path)
	}
	return nil
}

func (s *Game) autoSave(path string) {
	if err := s.SaveGame(path); err != nil {
		s.log.Printf("autosave path=%s err=%v", path, err)
	}
}

// SavedGameBytes serializes the game the way a joining node receives it,
// together with the sequence number of the last event it reflects.
func (s *Game) SavedGameBytes(ctx context.Context) ([]byte, uint64, error) {
	resume, ok := s.gate.Block(ctx, s.cfg.Timeouts.SaveBlock)
	if !ok {
		return nil, 0, gamechan.ErrBusy
	}
	defer resume()
	return s.capture()
}

func (s *Game) capture() ([]byte, uint64, error) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	b, err := savegame.ToBytes(s.snapshot())
	if err != nil {
		return nil, 0, err
	}
	return b, s.bc.Seq(), nil
}

// AddObserver sends node a snapshot of the running game. Delegate execution
// stays blocked until node has installed it or the join wait ran out; either
// failure is reported to node and the game carries on.
func (s *Game) AddObserver(ctx context.Context, node string) error {
	resume, ok := s.gate.Block(ctx, s.cfg.Timeouts.ObserverBlock)
	if !ok {
		s.cannotJoin(node, "Could not block delegate execution")
		return gamechan.ErrBusy
	}
	defer resume()

	save, seq, err := s.capture()
	if err != nil {
		s.cannotJoin(node, "Could not save game: "+err.Error())
		return err
	}
	join := gamechan.Join{Save: save, Mapping: s.mapping.Snapshot(), Seq: seq, GameID: s.id}

	jctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.ObserverJoinWait)
	defer cancel()
	if _, err := s.m.Call(jctx, gamechan.ObserverRemote(node), gamechan.MethodJoin, join); err != nil {
		reason := err.Error()
		if jctx.Err() != nil {
			reason = "Taking too long to join."
		}
		s.log.Printf("observer join failed node=%s err=%v", node, err)
		s.cannotJoin(node, reason)
		return err
	}
	s.log.Printf("observer joined node=%s seq=%d bytes=%d", node, seq, len(save))
	return nil
}

func (s *Game) cannotJoin(node, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.m.Call(ctx, gamechan.ObserverRemote(node), gamechan.MethodCannotJoin, gamechan.CannotJoin{Reason: reason}); err != nil {
		s.log.Printf("cannot join notify node=%s err=%v", node, err)
	}
}

// ConnectionLost saves the game when a node that plays a player goes away.
// It returns the save path, or "" when nothing was saved.
func (s *Game) ConnectionLost(node string) string {
	if s.IsGameOver() {
		return ""
	}
	players := s.mapping.Players(node)
	if len(players) == 0 {
		s.log.Printf("observer left node=%s", node)
		return ""
	}
	path := s.slots.ConnectionLost(time.Now())
	s.log.Printf("connection lost node=%s players=%v save=%s", node, players, path)
	if err := s.SaveGame(path); err != nil {
		s.log.Printf("connection lost save err=%v", err)
		return ""
	}
	return path
}
