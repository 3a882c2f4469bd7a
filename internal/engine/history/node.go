// Package history records every change of a running game as a tree of
// rounds, steps, events and event children.
package history

import "fmt"

type Kind int

const (
	KindRoot Kind = iota
	KindRound
	KindStep
	KindEvent
	KindEventChild
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindRound:
		return "round"
	case KindStep:
		return "step"
	case KindEvent:
		return "event"
	case KindEventChild:
		return "event_child"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Node is one entry of the history tree. Round, Step and Event nodes cover a
// contiguous range of the history's change list, [changeStart, changeEnd);
// changeEnd is -1 while the node is still open.
type Node struct {
	kind   Kind
	title  string
	parent *Node

	children []*Node

	round        int
	stepName     string
	delegateName string
	player       string
	displayName  string
	runCount     int

	rendering Rendering

	changeStart int
	changeEnd   int
}

func (n *Node) Kind() Kind       { return n.kind }
func (n *Node) Title() string    { return n.title }
func (n *Node) Parent() *Node    { return n.parent }
func (n *Node) ChildCount() int  { return len(n.children) }
func (n *Node) Child(i int) *Node { return n.children[i] }

func (n *Node) Children() []*Node { return append([]*Node(nil), n.children...) }

func (n *Node) Round() int           { return n.round }
func (n *Node) StepName() string     { return n.stepName }
func (n *Node) DelegateName() string { return n.delegateName }
func (n *Node) Player() string       { return n.player }
func (n *Node) DisplayName() string  { return n.displayName }
func (n *Node) RunCount() int        { return n.runCount }

func (n *Node) Rendering() Rendering { return n.rendering }

// ChangeRange returns the change indexes the node covers; end is -1 while open.
func (n *Node) ChangeRange() (start, end int) { return n.changeStart, n.changeEnd }

func (n *Node) indexed() bool {
	return n.kind == KindRound || n.kind == KindStep || n.kind == KindEvent
}

func (n *Node) add(child *Node) {
	child.parent = n
	n.children = append(n.children, child)
}

func (n *Node) lastChild() *Node {
	if len(n.children) == 0 {
		return nil
	}
	return n.children[len(n.children)-1]
}

// ancestor returns the nearest node (n included) of kind k.
func (n *Node) ancestor(k Kind) *Node {
	for cur := n; cur != nil; cur = cur.parent {
		if cur.kind == k {
			return cur
		}
	}
	return nil
}

func (n *Node) String() string {
	switch n.kind {
	case KindRound:
		return fmt.Sprintf("Round %d", n.round)
	case KindStep:
		if n.displayName != "" {
			return n.displayName
		}
		return n.stepName
	default:
		return n.title
	}
}
