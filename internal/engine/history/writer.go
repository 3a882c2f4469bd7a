package history

import (
	"fmt"
	"strings"

	"strategos.gg/internal/engine/data"
)

// Writer appends to a History. The server uses it directly; clients drive the
// same calls from the game broadcasts they receive.
type Writer struct {
	h *History
}

func (w *Writer) lock() func() {
	u := w.h.gd.AcquireWriteLock()
	return u.Unlock
}

// closeCurrent ends the open event (and, when leaving a step, the step).
func (w *Writer) closeEvent() {
	h := w.h
	if h.tip.kind == KindEvent {
		h.tip.changeEnd = len(h.changes)
		h.tip = h.tip.parent
	}
}

func (w *Writer) closeStep() {
	w.closeEvent()
	h := w.h
	if h.tip.kind == KindStep {
		h.tip.changeEnd = len(h.changes)
		h.tip = h.tip.parent
	}
}

func (w *Writer) StartNextRound(round int) {
	defer w.lock()()
	h := w.h
	w.closeStep()
	if h.tip.kind == KindRound {
		h.tip.changeEnd = len(h.changes)
	}
	n := &Node{kind: KindRound, round: round, title: fmt.Sprintf("Round %d", round), changeStart: len(h.changes), changeEnd: -1}
	h.root.add(n)
	h.tip = n
}

func (w *Writer) StartNextStep(stepName, delegateName, player, displayName string) {
	defer w.lock()()
	h := w.h
	w.closeStep()
	parent := h.tip
	if parent.kind != KindRound {
		if r := parent.ancestor(KindRound); r != nil {
			parent = r
		} else {
			parent = h.root
		}
	}
	runCount := 1
	for _, c := range parent.children {
		if c.kind == KindStep && c.stepName == stepName && c.player == player {
			runCount++
		}
	}
	title := displayName
	if title == "" {
		title = stepName
	}
	n := &Node{
		kind:         KindStep,
		title:        title,
		stepName:     stepName,
		delegateName: delegateName,
		player:       player,
		displayName:  displayName,
		runCount:     runCount,
		changeStart:  len(h.changes),
		changeEnd:    -1,
	}
	parent.add(n)
	h.tip = n
}

// StartEvent opens a new event under the current step and makes it the tip.
func (w *Writer) StartEvent(text string) {
	defer w.lock()()
	w.startEventLocked(text)
}

func (w *Writer) startEventLocked(text string) {
	h := w.h
	w.closeEvent()
	n := &Node{kind: KindEvent, title: text, changeStart: len(h.changes), changeEnd: -1}
	h.tip.add(n)
	h.tip = n
}

// AddChildToEvent appends a child to the current event without moving the tip.
// Without an open event a filler event is started first.
func (w *Writer) AddChildToEvent(title string, r Rendering) {
	defer w.lock()()
	h := w.h
	if h.tip.kind != KindEvent {
		w.startEventLocked("Filler event for child: " + title)
	}
	h.tip.add(&Node{kind: KindEventChild, title: title, rendering: r})
}

// SetRenderingData attaches r to the current event's most recent child, or to
// a new child when the event has none.
func (w *Writer) SetRenderingData(r Rendering) {
	defer w.lock()()
	h := w.h
	if h.tip.kind != KindEvent {
		w.startEventLocked("Filler event for rendering data")
	}
	if last := h.tip.lastChild(); last != nil && last.kind == KindEventChild {
		last.rendering = r
		return
	}
	h.tip.add(&Node{kind: KindEventChild, title: h.tip.title, rendering: r})
}

// AddChange records a change the caller already performed on the game data.
func (w *Writer) AddChange(c data.Change) {
	if c == nil {
		return
	}
	defer w.lock()()
	h := w.h
	if h.position != len(h.changes) {
		panic(ErrNotAtHead.Error())
	}
	if h.tip.kind != KindEvent && h.tip.kind != KindStep {
		w.startEventLocked("Un-named event: " + describe(c))
	}
	h.changes = append(h.changes, c)
	h.position = len(h.changes)
}

func describe(c data.Change) string {
	if s, ok := c.(fmt.Stringer); ok {
		return s.String()
	}
	return strings.ReplaceAll(c.Kind(), "_", " ")
}
