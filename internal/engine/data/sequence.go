package data

import "strings"

// Step is one entry of the turn sequence.
type Step struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Delegate    string `json:"delegate"`
	// Player is empty for steps not bound to a player.
	Player string `json:"player,omitempty"`
	// MaxRunCount <= 0 means unlimited.
	MaxRunCount int `json:"max_run_count,omitempty"`
	RunCount    int `json:"run_count,omitempty"`
}

func (s *Step) HasReachedMaxRunCount() bool {
	return s.MaxRunCount > 0 && s.RunCount >= s.MaxRunCount
}

func (s *Step) IncrementRunCount() { s.RunCount++ }

// IsMoveStep reports whether name names a movement step ("germansCombatMove",
// "NonCombatMove", ...).
func IsMoveStep(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), "move")
}

// Sequence is the cyclic list of steps with its cursor. Rounds start at 1.
type Sequence struct {
	steps       []*Step
	index       int
	round       int
	roundOffset int
}

func NewSequence(steps ...Step) *Sequence {
	s := &Sequence{round: 1}
	for _, st := range steps {
		s.AddStep(st)
	}
	return s
}

func (s *Sequence) AddStep(st Step) {
	cp := st
	s.steps = append(s.steps, &cp)
}

func (s *Sequence) Len() int { return len(s.steps) }

func (s *Sequence) Steps() []Step {
	out := make([]Step, 0, len(s.steps))
	for _, st := range s.steps {
		out = append(out, *st)
	}
	return out
}

// Step returns the current step, nil for an empty sequence.
func (s *Sequence) Step() *Step {
	if len(s.steps) == 0 {
		return nil
	}
	return s.steps[s.index]
}

func (s *Sequence) StepAt(i int) *Step {
	if i < 0 || i >= len(s.steps) {
		return nil
	}
	return s.steps[i]
}

func (s *Sequence) Index() int { return s.index }
func (s *Sequence) Round() int { return s.round }

func (s *Sequence) RoundOffset() int     { return s.roundOffset }
func (s *Sequence) SetRoundOffset(n int) { s.roundOffset = n }

// DisplayRound is the round shown to players, shifted by the map's offset.
func (s *Sequence) DisplayRound() int { return s.round + s.roundOffset }

// TestWeAreOnLastStep reports whether the next call to Next wraps the round.
func (s *Sequence) TestWeAreOnLastStep() bool {
	return s.index+1 >= len(s.steps)
}

// Next advances the cursor. It returns true when it wrapped to step 0 and
// started a new round.
func (s *Sequence) Next() bool {
	if len(s.steps) == 0 {
		return false
	}
	s.index++
	if s.index >= len(s.steps) {
		s.index = 0
		s.round++
		return true
	}
	return false
}

// SetRoundAndStep seeks to the first step named stepName bound to player
// (any player when player is empty), scanning from step 0. It is a load-time
// resync: when nothing matches the cursor falls back to step 0 and false is
// returned so the caller can report the mismatch.
func (s *Sequence) SetRoundAndStep(round int, stepName, player string) bool {
	s.round = round
	for i, st := range s.steps {
		if st.Name != stepName {
			continue
		}
		if player == "" || st.Player == player {
			s.index = i
			return true
		}
	}
	s.index = 0
	return false
}

// setCursor restores an exact cursor; used when copying sequences.
func (s *Sequence) setCursor(index, round int) {
	if index < 0 || index >= len(s.steps) {
		index = 0
	}
	s.index = index
	s.round = round
}

// Clone returns a deep copy.
func (s *Sequence) Clone() *Sequence {
	out := &Sequence{round: s.round, roundOffset: s.roundOffset}
	for _, st := range s.steps {
		out.AddStep(*st)
	}
	out.setCursor(s.index, s.round)
	return out
}
