package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"strategos.gg/internal/protocol"
)

func compile(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// validateValue round-trips v through JSON so the schema sees exactly what
// goes on the wire.
func validateValue(t *testing.T, s *jsonschema.Schema, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := s.Validate(doc); err != nil {
		t.Fatalf("validate %s: %v", b, err)
	}
}

func TestSchemas_ValidateFrames(t *testing.T) {
	validateValue(t, compile(t, "hello.schema.json"), protocol.HelloMsg{
		Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Node: "alice",
	})
	validateValue(t, compile(t, "welcome.schema.json"), protocol.WelcomeMsg{
		Type: protocol.TypeWelcome, ProtocolVersion: protocol.Version, Node: "alice", ServerNode: "host", GameID: "g1",
	})
	validateValue(t, compile(t, "broadcast.schema.json"),
		protocol.NewBroadcast("game.modified", "host", json.RawMessage(`{"op":"shut_down"}`)))
	validateValue(t, compile(t, "call.schema.json"), protocol.CallMsg{
		Type: protocol.TypeCall, ProtocolVersion: protocol.Version, ID: 7, Remote: "server", Method: "saved_game",
	})
	reply := compile(t, "reply.schema.json")
	validateValue(t, reply, protocol.NewReply(7, json.RawMessage(`"ok"`), nil))
	validateValue(t, reply, protocol.NewReply(8, nil, &protocol.ErrorInfo{Code: protocol.ErrNoSuchRemote, Message: "no such remote"}))
}

func TestSchemas_RejectMalformed(t *testing.T) {
	s := compile(t, "call.schema.json")
	var doc any
	_ = json.Unmarshal([]byte(`{"type":"CALL","protocol_version":"1.0","id":1,"remote":""}`), &doc)
	if err := s.Validate(doc); err == nil {
		t.Fatalf("expected missing method and empty remote to fail")
	}
}

func TestSchemas_GameEvent(t *testing.T) {
	s := compile(t, "game_event.schema.json")
	var doc any
	_ = json.Unmarshal([]byte(`{
	  "op":"step_changed",
	  "step":{"step_name":"redMove","delegate_name":"move","player":"Red","round":1,"display_name":"Red Move"}
	}`), &doc)
	if err := s.Validate(doc); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
