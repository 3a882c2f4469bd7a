package history

import (
	"encoding/json"
	"fmt"

	"strategos.gg/internal/engine/data"
)

// NodeRecord is the persisted form of a node and its subtree.
type NodeRecord struct {
	Kind         Kind
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
	RenderingBody json.RawMessage

	Children []NodeRecord
}

// Record is a complete, self contained copy of a history.
type Record struct {
	Root    NodeRecord
	Changes []data.Envelope
	// TipPath lists child indexes from the root down to the writer's tip.
	TipPath []int
}

// Export copies the history into a Record. The caller must hold at least the
// game data read lock.
func (h *History) Export() (Record, error) {
	root, err := exportNode(h.root)
	if err != nil {
		return Record{}, err
	}
	rec := Record{Root: root, TipPath: pathTo(h.tip)}
	for i, c := range h.changes {
		env, err := data.ToEnvelope(c)
		if err != nil {
			return Record{}, fmt.Errorf("change %d: %w", i, err)
		}
		rec.Changes = append(rec.Changes, env)
	}
	return rec, nil
}

func exportNode(n *Node) (NodeRecord, error) {
	kind, body, err := EncodeRendering(n.rendering)
	if err != nil {
		return NodeRecord{}, err
	}
	out := NodeRecord{
		Kind:          n.kind,
		Title:         n.title,
		Round:         n.round,
		StepName:      n.stepName,
		DelegateName:  n.delegateName,
		Player:        n.player,
		DisplayName:   n.displayName,
		RunCount:      n.runCount,
		ChangeStart:   n.changeStart,
		ChangeEnd:     n.changeEnd,
		RenderingKind: kind,
		RenderingBody: body,
	}
	for _, c := range n.children {
		cr, err := exportNode(c)
		if err != nil {
			return NodeRecord{}, err
		}
		out.Children = append(out.Children, cr)
	}
	return out, nil
}

func pathTo(n *Node) []int {
	var path []int
	for cur := n; cur.parent != nil; cur = cur.parent {
		p := cur.parent
		for i, c := range p.children {
			if c == cur {
				path = append([]int{i}, path...)
				break
			}
		}
	}
	return path
}

// Restore replaces the contents of h with rec. The changes in rec are not
// performed; the game data is expected to already reflect all of them.
func (h *History) Restore(rec Record) error {
	if rec.Root.Kind != KindRoot {
		return fmt.Errorf("history record root has kind %s", rec.Root.Kind)
	}
	changes := make([]data.Change, 0, len(rec.Changes))
	for i, env := range rec.Changes {
		c, err := data.FromEnvelope(env)
		if err != nil {
			return fmt.Errorf("change %d: %w", i, err)
		}
		changes = append(changes, c)
	}
	root, err := importNode(rec.Root, len(changes))
	if err != nil {
		return err
	}
	tip := root
	for _, i := range rec.TipPath {
		if i < 0 || i >= len(tip.children) {
			return fmt.Errorf("history tip path %v out of range", rec.TipPath)
		}
		tip = tip.children[i]
	}
	if tip.kind == KindEventChild {
		tip = tip.parent
	}

	u := h.gd.AcquireWriteLock()
	defer u.Unlock()
	h.root = root
	h.changes = changes
	h.tip = tip
	h.position = len(changes)
	return nil
}

func importNode(r NodeRecord, changeCount int) (*Node, error) {
	if r.Kind < KindRoot || r.Kind > KindEventChild {
		return nil, fmt.Errorf("history node %q has unknown kind %d", r.Title, int(r.Kind))
	}
	if r.ChangeStart < 0 || r.ChangeStart > changeCount || r.ChangeEnd > changeCount {
		return nil, fmt.Errorf("history node %q covers changes [%d,%d) of %d", r.Title, r.ChangeStart, r.ChangeEnd, changeCount)
	}
	rend, err := DecodeRendering(r.RenderingKind, r.RenderingBody)
	if err != nil {
		return nil, err
	}
	n := &Node{
		kind:         r.Kind,
		title:        r.Title,
		round:        r.Round,
		stepName:     r.StepName,
		delegateName: r.DelegateName,
		player:       r.Player,
		displayName:  r.DisplayName,
		runCount:     r.RunCount,
		changeStart:  r.ChangeStart,
		changeEnd:    r.ChangeEnd,
		rendering:    rend,
	}
	for _, cr := range r.Children {
		c, err := importNode(cr, changeCount)
		if err != nil {
			return nil, err
		}
		n.add(c)
	}
	return n, nil
}
