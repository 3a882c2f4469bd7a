package history

import (
	"errors"
	"fmt"

	"strategos.gg/internal/engine/data"
)

var ErrNotAtHead = errors.New("history is positioned on an older node")

// History owns the tree and the ordered list of every change performed. It is
// guarded by the game data lock: writes hold the write lock, readers should
// hold the read lock.
type History struct {
	gd      *data.GameData
	root    *Node
	changes []data.Change

	// tip is the node new children are attached under.
	tip *Node
	// position is the number of changes the game data currently reflects.
	position int

	writer *Writer
}

func New(gd *data.GameData) *History {
	h := &History{gd: gd}
	h.reset()
	h.writer = &Writer{h: h}
	return h
}

func (h *History) reset() {
	h.root = &Node{kind: KindRoot, title: "Game History", changeEnd: -1}
	h.changes = nil
	h.tip = h.root
	h.position = 0
}

// Reset drops every node and change. Only load and clone paths use it.
func (h *History) Reset() {
	u := h.gd.AcquireWriteLock()
	defer u.Unlock()
	h.reset()
}

func (h *History) Writer() *Writer { return h.writer }
func (h *History) Root() *Node     { return h.root }
func (h *History) Tip() *Node      { return h.tip }

// Changes returns a copy of the change list.
func (h *History) Changes() []data.Change { return append([]data.Change(nil), h.changes...) }

func (h *History) ChangeCount() int { return len(h.changes) }

// LastNode is the deepest last descendant of the root.
func (h *History) LastNode() *Node {
	n := h.root
	for {
		c := n.lastChild()
		if c == nil {
			return n
		}
		n = c
	}
}

// LastStepIs reports whether the most recent step node is (stepName, player).
// The caller holds the game data read lock.
func (h *History) LastStepIs(stepName, player string) bool {
	for n := h.LastNode(); n != nil; n = n.parent {
		if n.kind == KindStep {
			return n.stepName == stepName && n.player == player
		}
	}
	return false
}

// Walk visits nodes depth first in insertion order until fn returns false.
func (h *History) Walk(fn func(*Node) bool) {
	walk(h.root, fn)
}

func walk(n *Node, fn func(*Node) bool) bool {
	if !fn(n) {
		return false
	}
	for _, c := range n.children {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}

// lastChange is the change index describing the game state "at" n.
func (h *History) lastChange(n *Node) int {
	idx := 0
	switch n.kind {
	case KindRoot:
		idx = 0
	case KindStep, KindEvent:
		idx = n.changeEnd
	case KindEventChild:
		idx = n.parent.changeEnd
	case KindRound:
		idx = n.changeStart
	}
	if idx < 0 || idx > len(h.changes) {
		idx = len(h.changes)
	}
	return idx
}

// Delta returns the change that moves the game state from node from to node
// to, or nil when both describe the same state.
func (h *History) Delta(from, to *Node) data.Change {
	return h.deltaIndex(h.lastChange(from), h.lastChange(to))
}

func (h *History) deltaIndex(first, last int) data.Change {
	if first == last {
		return nil
	}
	lo, hi := first, last
	if lo > hi {
		lo, hi = hi, lo
	}
	c := data.NewComposite(h.changes[lo:hi]...)
	if last >= first {
		return c
	}
	return c.Invert()
}

// GotoNode rewinds or replays the game data so it reflects the state at n.
// Writers may not append while the history is away from its head; call
// GotoNode(h.LastNode()) to return.
func (h *History) GotoNode(n *Node) error {
	u := h.gd.AcquireWriteLock()
	defer u.Unlock()
	target := h.lastChange(n)
	if n == h.LastNode() {
		target = len(h.changes)
	}
	delta := h.deltaIndex(h.position, target)
	if err := h.gd.PerformChangeLocked(delta); err != nil {
		return fmt.Errorf("goto %s: %w", n, err)
	}
	h.position = target
	return nil
}

// AtHead reports whether the game data reflects every recorded change.
func (h *History) AtHead() bool { return h.position == len(h.changes) }
