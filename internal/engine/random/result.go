package random

import (
	"encoding/json"
	"fmt"
	"strings"

	"strategos.gg/internal/engine/history"
)

const RenderingKind = "dice"

// VerifiedResult is the record attached to the history for every draw made
// through a delegate bridge. Values are zero based.
type VerifiedResult struct {
	Player     string `json:"player,omitempty"`
	DiceType   string `json:"dice_type,omitempty"`
	Annotation string `json:"annotation"`
	Max        int    `json:"max"`
	Values     []int  `json:"values"`
	Commitment string `json:"commitment,omitempty"`
	Verified   bool   `json:"verified,omitempty"`
}

func NewVerifiedResult(player, diceType, annotation string, max int, d Draw) *VerifiedResult {
	return &VerifiedResult{
		Player:     player,
		DiceType:   diceType,
		Annotation: annotation,
		Max:        max,
		Values:     append([]int(nil), d.Values...),
		Commitment: d.Commitment,
		Verified:   d.Verified,
	}
}

func (*VerifiedResult) RenderingKind() string { return RenderingKind }

// Faces returns the values as one based die faces.
func (r *VerifiedResult) Faces() []int {
	out := make([]int, len(r.Values))
	for i, v := range r.Values {
		out[i] = v + 1
	}
	return out
}

func (r *VerifiedResult) String() string {
	parts := make([]string, len(r.Values))
	for i, v := range r.Faces() {
		parts[i] = fmt.Sprint(v)
	}
	return fmt.Sprintf("%s: %s", r.Annotation, strings.Join(parts, ","))
}

func init() {
	history.RegisterRendering(RenderingKind, func(b json.RawMessage) (history.Rendering, error) {
		var r VerifiedResult
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, err
		}
		return &r, nil
	})
}
