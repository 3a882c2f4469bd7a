package savegame

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"strategos.gg/internal/engine/data"
	"strategos.gg/internal/engine/history"
)

// Header is the JSON line in front of the gob body. It can be read without
// decoding the rest of the file.
type Header struct {
	Format        string `json:"format"`
	EngineVersion string `json:"engine_version"`
	GameName      string `json:"game_name"`
	Round         int    `json:"round"`
	Step          string `json:"step"`
	SavedAt       int64  `json:"saved_at"`
	WithHistory   bool   `json:"with_history"`
}

type DocumentV1 struct {
	Header Header

	Name      string
	DiceSides int

	Players     []PlayerV1
	Territories []TerritoryV1
	Properties  map[string]string
	Sequence    SequenceV1

	History *HistoryV1
}

type PlayerV1 struct {
	Name      string
	WhoAmI    string
	Resources map[string]int
}

type UnitV1 struct {
	ID    string
	Type  string
	Owner string
	Hits  int
}

type TerritoryV1 struct {
	Name      string
	Owner     string
	Neighbors []string
	Units     []UnitV1
}

type StepV1 struct {
	Name        string
	DisplayName string
	Delegate    string
	Player      string
	MaxRunCount int
	RunCount    int
}

// SequenceV1 stores the cursor as (round, step name, player); load seeks to it.
type SequenceV1 struct {
	Steps       []StepV1
	Round       int
	RoundOffset int
	StepName    string
	StepPlayer  string
}

type NodeV1 struct {
	Kind         int
	Title        string
	Round        int
	StepName     string
	DelegateName string
	Player       string
	DisplayName  string
	RunCount     int
	ChangeStart  int
	ChangeEnd    int

	RenderingKind string
	RenderingBody []byte

	Children []NodeV1
}

type ChangeV1 struct {
	Kind string
	Body []byte
}

type HistoryV1 struct {
	Root    NodeV1
	Changes []ChangeV1
	TipPath []int
}

// document copies gd into its persisted form. The caller holds the read lock.
func document(gd *data.GameData) DocumentV1 {
	doc := DocumentV1{
		Name:       gd.Name(),
		DiceSides:  gd.DiceSides(),
		Properties: gd.Properties(),
	}
	for _, p := range gd.Players() {
		doc.Players = append(doc.Players, PlayerV1{Name: p.Name(), WhoAmI: p.WhoAmI(), Resources: p.Resources()})
	}
	for _, t := range gd.Territories() {
		tv := TerritoryV1{Name: t.Name(), Owner: t.Owner(), Neighbors: t.Neighbors()}
		for _, u := range t.Units() {
			tv.Units = append(tv.Units, UnitV1{ID: u.ID.String(), Type: u.Type, Owner: u.Owner, Hits: u.Hits})
		}
		doc.Territories = append(doc.Territories, tv)
	}
	seq := gd.Sequence()
	doc.Sequence = SequenceV1{Round: seq.Round(), RoundOffset: seq.RoundOffset()}
	for _, st := range seq.Steps() {
		doc.Sequence.Steps = append(doc.Sequence.Steps, StepV1(st))
	}
	if st := seq.Step(); st != nil {
		doc.Sequence.StepName = st.Name
		doc.Sequence.StepPlayer = st.Player
	}
	return doc
}

// gameData rebuilds a GameData. It reports false when the saved step could not
// be found in the saved sequence.
func gameData(doc DocumentV1) (*data.GameData, bool, error) {
	gd := data.New(doc.Name)
	gd.SetDiceSides(doc.DiceSides)
	for _, p := range doc.Players {
		gd.AddPlayer(p.Name, p.WhoAmI, p.Resources)
	}
	for _, t := range doc.Territories {
		units := make([]data.Unit, 0, len(t.Units))
		for _, u := range t.Units {
			id, err := uuid.Parse(u.ID)
			if err != nil {
				return nil, false, fmt.Errorf("territory %s: unit id %q: %w", t.Name, u.ID, err)
			}
			units = append(units, data.Unit{ID: id, Type: u.Type, Owner: u.Owner, Hits: u.Hits})
		}
		gd.AddTerritory(t.Name, t.Owner, t.Neighbors, units)
	}
	for k, v := range doc.Properties {
		gd.SetInitialProperty(k, v)
	}
	seq := data.NewSequence()
	for _, st := range doc.Sequence.Steps {
		seq.AddStep(data.Step(st))
	}
	seq.SetRoundOffset(doc.Sequence.RoundOffset)
	gd.SetSequence(seq)
	round := doc.Sequence.Round
	if round < 1 {
		round = 1
	}
	found := gd.SeekSequence(round, doc.Sequence.StepName, doc.Sequence.StepPlayer)
	return gd, found || seq.Len() == 0, nil
}

func historyV1(rec history.Record) *HistoryV1 {
	out := &HistoryV1{Root: nodeV1(rec.Root), TipPath: rec.TipPath}
	for _, env := range rec.Changes {
		out.Changes = append(out.Changes, ChangeV1{Kind: env.Kind, Body: env.Body})
	}
	return out
}

func nodeV1(r history.NodeRecord) NodeV1 {
	n := NodeV1{
		Kind:          int(r.Kind),
		Title:         r.Title,
		Round:         r.Round,
		StepName:      r.StepName,
		DelegateName:  r.DelegateName,
		Player:        r.Player,
		DisplayName:   r.DisplayName,
		RunCount:      r.RunCount,
		ChangeStart:   r.ChangeStart,
		ChangeEnd:     r.ChangeEnd,
		RenderingKind: r.RenderingKind,
		RenderingBody: r.RenderingBody,
	}
	for _, c := range r.Children {
		n.Children = append(n.Children, nodeV1(c))
	}
	return n
}

func (h *HistoryV1) record() history.Record {
	rec := history.Record{Root: h.Root.record(), TipPath: h.TipPath}
	for _, c := range h.Changes {
		rec.Changes = append(rec.Changes, data.Envelope{Kind: c.Kind, Body: json.RawMessage(c.Body)})
	}
	return rec
}

func (n NodeV1) record() history.NodeRecord {
	r := history.NodeRecord{
		Kind:          history.Kind(n.Kind),
		Title:         n.Title,
		Round:         n.Round,
		StepName:      n.StepName,
		DelegateName:  n.DelegateName,
		Player:        n.Player,
		DisplayName:   n.DisplayName,
		RunCount:      n.RunCount,
		ChangeStart:   n.ChangeStart,
		ChangeEnd:     n.ChangeEnd,
		RenderingKind: n.RenderingKind,
		RenderingBody: n.RenderingBody,
	}
	for _, c := range n.Children {
		r.Children = append(r.Children, c.record())
	}
	return r
}
