package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"
	ErrDenied          = "E_DENIED"

	// Routing.
	ErrNoSuchRemote = "E_NO_SUCH_REMOTE"
	ErrNodeLeft     = "E_NODE_LEFT"
	ErrRemoteFailed = "E_REMOTE_FAILED"
	ErrDuplicate    = "E_DUPLICATE"

	// Engine.
	ErrGameOver      = "E_GAME_OVER"
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrNotYourTurn   = "E_NOT_YOUR_TURN"
	ErrInvalidTarget = "E_INVALID_TARGET"
	ErrNoResource    = "E_NO_RESOURCE"
	ErrStale         = "E_STALE"
	ErrBusy          = "E_BUSY"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrDenied:          {},
	ErrNoSuchRemote:    {},
	ErrNodeLeft:        {},
	ErrRemoteFailed:    {},
	ErrDuplicate:       {},
	ErrGameOver:        {},
	ErrBadRequest:      {},
	ErrNotYourTurn:     {},
	ErrInvalidTarget:   {},
	ErrNoResource:      {},
	ErrStale:           {},
	ErrBusy:            {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
