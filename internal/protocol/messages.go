package protocol

import "encoding/json"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Node            string `json:"node"`
	Password        string `json:"password,omitempty"`
	// Observer nodes never own players.
	Observer bool `json:"observer,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Node            string `json:"node"`
	ServerNode      string `json:"server_node"`
	GameID          string `json:"game_id,omitempty"`
}

// SUBSCRIBE (client -> server)
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Channel         string `json:"channel"`
}

// BROADCAST (both directions)
type BroadcastMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Channel         string          `json:"channel"`
	Sender          string          `json:"sender,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// CALL (both directions). IDs are scoped to the sending side.
type CallMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ID              uint64          `json:"id"`
	Remote          string          `json:"remote"`
	Method          string          `json:"method"`
	Caller          string          `json:"caller,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// REPLY answers the CALL with the same ID.
type ReplyMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ID              uint64          `json:"id"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Error           *ErrorInfo      `json:"error,omitempty"`
}

// REGISTER / UNREGISTER (client -> server) publish a remote served by the
// client. The server answers with a REPLY carrying the same ID.
type RemoteMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              uint64 `json:"id"`
	Remote          string `json:"remote"`
}

func NewBroadcast(channel, sender string, payload json.RawMessage) BroadcastMsg {
	return BroadcastMsg{Type: TypeBroadcast, ProtocolVersion: Version, Channel: channel, Sender: sender, Payload: payload}
}

func NewReply(id uint64, payload json.RawMessage, errInfo *ErrorInfo) ReplyMsg {
	return ReplyMsg{Type: TypeReply, ProtocolVersion: Version, ID: id, Payload: payload, Error: errInfo}
}
