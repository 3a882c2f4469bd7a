// Package autosave names the reused save slots and decides which step
// boundaries are saved.
package autosave

import (
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

const Extension = ".tsvg"

// IsSaveGame reports whether name looks like a save file: ".tsvg", the legacy
// ".svg", or ".tsvg.gz" as some browsers rename downloads.
func IsSaveGame(name string) bool {
	n := strings.ToLower(name)
	return strings.HasSuffix(n, ".tsvg") || strings.HasSuffix(n, ".svg") || strings.HasSuffix(n, ".tsvg.gz")
}

// Slots resolves autosave file names under Dir. Prefix separates the slots of
// several games sharing one directory.
type Slots struct {
	Dir    string
	Prefix string
}

func (s Slots) path(name string) string {
	return filepath.Join(s.Dir, s.Prefix+name+Extension)
}

func (s Slots) OddRound() string  { return s.path("autosave_round_odd") }
func (s Slots) EvenRound() string { return s.path("autosave_round_even") }

// Round alternates between the odd and even slot so a crash while writing one
// leaves the other intact.
func (s Slots) Round(round int) string {
	if round%2 == 0 {
		return s.EvenRound()
	}
	return s.OddRound()
}

func (s Slots) BeforeStep(name string) string { return s.path("autosaveBefore" + capitalize(name)) }
func (s Slots) AfterStep(name string) string  { return s.path("autosaveAfter" + capitalize(name)) }

func (s Slots) ConnectionLost(t time.Time) string {
	return s.path("connection_lost_on_" + t.Format("Jan_02_at_15_04_05"))
}

// StepName is the slot name of a move step with the player prefix removed, so
// "redCombatMove" and "blueCombatMove" share "CombatMove".
func StepName(step string) string {
	lower := strings.ToLower(step)
	for _, suffix := range []string{"noncombatmove", "combatmove"} {
		if strings.HasSuffix(lower, suffix) {
			return capitalize(step[len(step)-len(suffix):])
		}
	}
	return capitalize(step)
}

// capitalize upper-cases the first rune and camel-cases snake_case ids.
func capitalize(s string) string {
	var b strings.Builder
	up := true
	for _, r := range s {
		if r == '_' || r == '-' || r == ' ' {
			up = true
			continue
		}
		if up {
			r = unicode.ToUpper(r)
			up = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
