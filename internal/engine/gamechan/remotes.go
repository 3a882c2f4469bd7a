package gamechan

import (
	"encoding/json"
	"errors"
	"fmt"

	"strategos.gg/internal/engine/gate"
	"strategos.gg/internal/engine/random"
	"strategos.gg/internal/messaging"
	"strategos.gg/internal/protocol"
)

// Remotes registered by the server node.
const (
	ServerRemote      = "server"
	RandomStatsRemote = "random_stats"
)

// Methods of ServerRemote.
const (
	MethodSavedGame = "saved_game"
	MethodObserve   = "observe"
)

// Methods of the per node and per player remotes.
const (
	MethodStart      = "start"
	MethodJoin       = "join"
	MethodCannotJoin = "cannot_join"
	MethodGenerate   = "generate"
	MethodVerify     = "verify"
	MethodReport     = "report"
)

var (
	// ErrBusy is returned when delegate execution could not be blocked in time.
	ErrBusy         = errors.New("could not block delegate execution")
	ErrBadPayload   = errors.New("bad payload")
	ErrNoSuchPlayer = errors.New("no such local player")
)

func init() {
	messaging.RegisterCode(ErrBusy, protocol.ErrBusy)
	messaging.RegisterCode(ErrBadPayload, protocol.ErrBadRequest)
	messaging.RegisterCode(ErrNoSuchPlayer, protocol.ErrNotYourTurn)
	messaging.RegisterCode(gate.ErrGameOver, protocol.ErrGameOver)
	messaging.RegisterCode(random.ErrInvalidRequest, protocol.ErrBadRequest)
	messaging.RegisterCode(random.ErrCommitmentMismatch, protocol.ErrStale)
	messaging.RegisterCode(random.ErrUnknownCommitment, protocol.ErrStale)
}

// DelegateRemote serves the remote methods of the named delegate.
func DelegateRemote(delegateName string) string { return "delegate." + delegateName }

// StepAdvancerRemote is how the server hands a step to a player on node.
func StepAdvancerRemote(node string) string { return "step_advancer." + node }

// ObserverRemote receives the game snapshot when node joins.
func ObserverRemote(node string) string { return "observer_waiting." + node }

// PlayerRandomRemote contributes the peer half of verified draws for player.
func PlayerRandomRemote(player string) string { return "player_random." + player }

type StartStep struct {
	Step   string `json:"step"`
	Player string `json:"player"`
}

// Join carries everything a node needs to follow a running game. Events with
// Seq up to and including Seq are already reflected in Save.
type Join struct {
	Save    []byte            `json:"save"`
	Mapping map[string]string `json:"mapping"`
	Seq     uint64            `json:"seq"`
	GameID  string            `json:"game_id,omitempty"`
}

type CannotJoin struct {
	Reason string `json:"reason"`
}

type SavedGame struct {
	Save []byte `json:"save"`
}

type StatsReport struct {
	Report    string           `json:"report"`
	Summaries []random.Summary `json:"summaries"`
}

// Unmarshal decodes a remote call payload, reporting ErrBadPayload.
func Unmarshal[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, fmt.Errorf("%w: empty", ErrBadPayload)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return v, nil
}
