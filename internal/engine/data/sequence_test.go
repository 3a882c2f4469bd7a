package data

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequence_NextWrapsAfterN(t *testing.T) {
	for n := 1; n <= 5; n++ {
		s := NewSequence()
		for i := 0; i < n; i++ {
			s.AddStep(Step{Name: string(rune('a' + i)), Delegate: "d"})
		}
		start := s.Index()
		wraps := 0
		for i := 0; i < n; i++ {
			if s.TestWeAreOnLastStep() != (i == n-1) {
				t.Fatalf("n=%d i=%d: TestWeAreOnLastStep mismatch", n, i)
			}
			if s.Next() {
				wraps++
			}
		}
		assert.Equal(t, start, s.Index(), "n=%d", n)
		assert.Equal(t, 2, s.Round(), "n=%d", n)
		assert.Equal(t, 1, wraps, "n=%d", n)
	}
}

func TestSequence_SetRoundAndStep(t *testing.T) {
	s := NewSequence(Step{Name: "A", Delegate: "a"}, Step{Name: "B", Delegate: "b"})

	assert.True(t, s.SetRoundAndStep(1, "B", ""))
	assert.Equal(t, 1, s.Index())
	assert.Equal(t, 1, s.Round())

	assert.False(t, s.SetRoundAndStep(3, "Z", ""))
	assert.Equal(t, 0, s.Index())
	assert.Equal(t, 3, s.Round())
}

func TestSequence_SetRoundAndStepMatchesPlayer(t *testing.T) {
	s := NewSequence(
		Step{Name: "move", Delegate: "move", Player: "Red"},
		Step{Name: "move", Delegate: "move", Player: "Blue"},
	)
	assert.True(t, s.SetRoundAndStep(2, "move", "Blue"))
	assert.Equal(t, 1, s.Index())
	assert.True(t, s.SetRoundAndStep(2, "move", ""))
	assert.Equal(t, 0, s.Index())
}

func TestStep_MaxRunCount(t *testing.T) {
	st := Step{Name: "init", MaxRunCount: 1}
	assert.False(t, st.HasReachedMaxRunCount())
	st.IncrementRunCount()
	assert.True(t, st.HasReachedMaxRunCount())

	unlimited := Step{Name: "x"}
	unlimited.IncrementRunCount()
	assert.False(t, unlimited.HasReachedMaxRunCount())
}

func TestIsMoveStep(t *testing.T) {
	assert.True(t, IsMoveStep("redCombatMove"))
	assert.True(t, IsMoveStep("NonCombatMove"))
	assert.False(t, IsMoveStep("redBattle"))
}

func TestSequence_DisplayRound(t *testing.T) {
	s := NewSequence(Step{Name: "a"})
	s.SetRoundOffset(1940)
	assert.Equal(t, 1941, s.DisplayRound())
}
