package random

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"strategos.gg/internal/engine/history"
)

// Summary aggregates the rolls of one player and dice type. Histogram is keyed
// by one based face.
type Summary struct {
	Player    string      `json:"player"`
	DiceType  string      `json:"dice_type"`
	Count     int         `json:"count"`
	Total     int         `json:"total"`
	Average   float64     `json:"average"`
	Histogram map[int]int `json:"histogram"`
}

// Stats collects dice statistics per player for fairness reporting.
type Stats struct {
	mu    sync.Mutex
	byKey map[[2]string]*Summary
}

func NewStats() *Stats {
	return &Stats{byKey: make(map[[2]string]*Summary)}
}

func (s *Stats) Add(r *VerifiedResult) {
	if r == nil {
		return
	}
	player := r.Player
	if player == "" {
		player = PlayerFromAnnotation(r.Annotation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := [2]string{player, r.DiceType}
	sum := s.byKey[k]
	if sum == nil {
		sum = &Summary{Player: player, DiceType: r.DiceType, Histogram: make(map[int]int)}
		s.byKey[k] = sum
	}
	for _, f := range r.Faces() {
		sum.Count++
		sum.Total += f
		sum.Histogram[f]++
	}
	if sum.Count > 0 {
		sum.Average = float64(sum.Total) / float64(sum.Count)
	}
}

func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey = make(map[[2]string]*Summary)
}

// ImportHistory re-derives the statistics from every dice rendering in the
// history. The caller holds the game data read lock.
func (s *Stats) ImportHistory(h *history.History) {
	s.Reset()
	h.Walk(func(n *history.Node) bool {
		if n.Kind() != history.KindEventChild {
			return true
		}
		if r, ok := n.Rendering().(*VerifiedResult); ok {
			s.Add(r)
		}
		return true
	})
}

// Summaries returns a copy sorted by player then dice type.
func (s *Stats) Summaries() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Summary, 0, len(s.byKey))
	for _, sum := range s.byKey {
		cp := *sum
		cp.Histogram = make(map[int]int, len(sum.Histogram))
		for k, v := range sum.Histogram {
			cp.Histogram[k] = v
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Player != out[j].Player {
			return out[i].Player < out[j].Player
		}
		return out[i].DiceType < out[j].DiceType
	})
	return out
}

// Report renders the summaries as a plain text table.
func (s *Stats) Report() string {
	var b strings.Builder
	for _, sum := range s.Summaries() {
		label := sum.Player
		if sum.DiceType != "" {
			label += " (" + sum.DiceType + ")"
		}
		fmt.Fprintf(&b, "%s: rolls=%d average=%.2f", label, sum.Count, sum.Average)
		faces := make([]int, 0, len(sum.Histogram))
		for f := range sum.Histogram {
			faces = append(faces, f)
		}
		sort.Ints(faces)
		for _, f := range faces {
			fmt.Fprintf(&b, " %d:%d", f, sum.Histogram[f])
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// PlayerFromAnnotation extracts the player name from annotations of the form
// "<player> roll ...".
func PlayerFromAnnotation(annotation string) string {
	if i := strings.Index(annotation, " roll"); i > 0 {
		return annotation[:i]
	}
	return ""
}
