// Package protocol defines the JSON envelope spoken on every WebSocket
// endpoint: end-user chat, gateway relay, and board sync, plus the
// gateway client on the other side of the wire.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message type constants.
const (
	TypeAuth          = "auth"
	TypeAuthOK        = "auth_ok"
	TypeAuthError     = "auth_error"
	TypeChat          = "chat"
	TypeChatSend      = "chat.send"
	TypeChatReply     = "chat_reply"
	TypeHeartbeat     = "heartbeat"
	TypeHeartbeatAck  = "heartbeat_ack"
	TypeSystem        = "system"
	TypeError         = "error"
	TypeBoardState    = "board.state"
	TypeTaskCreated   = "task.created"
	TypeTaskUpdated   = "task.updated"
	TypeTaskDeleted   = "task.deleted"
	TypeTaskMove      = "task.move"
	TypeTaskCreate    = "task.create"
	TypeSuggestionNew = "suggestion.new"
)

// Close codes. 4xxx codes are application-defined; the rest are
// standard WebSocket status codes.
const (
	CloseNormal       = 1000
	CloseReplaced     = 1012
	CloseUnauthorized = 4001
	CloseNotFound     = 4004
)

// ReasonReplaced is the close reason sent on the old socket when a
// client reconnects and the pool swaps connections.
const ReasonReplaced = "replaced by new connection"

// ErrorCode is the code carried inside error frames (not a close code).
const ErrorCode = 4000

// Message is the wire envelope. Payload is kept as a generic map so
// unknown fields survive a decode/encode round trip.
type Message struct {
	Type      string         `json:"type"`
	ID        string         `json:"id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

var errMissingType = errors.New("message has no type")

// Decode parses a raw frame. Frames that are not JSON objects or that
// lack a type are rejected.
func Decode(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return nil, errMissingType
	}
	return &m, nil
}

// Encode serializes a message to its wire form.
func Encode(m *Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return b, nil
}

// AuthOK builds the handshake success frame.
func AuthOK(payload map[string]any) *Message {
	return &Message{Type: TypeAuthOK, Payload: payload}
}

// AuthError builds the handshake failure frame. The same reason text
// goes into the close frame that follows.
func AuthError(reason string) *Message {
	return &Message{Type: TypeAuthError, Payload: map[string]any{"reason": reason}}
}

// HeartbeatAck echoes the inbound heartbeat's id.
func HeartbeatAck(id string) *Message {
	return &Message{Type: TypeHeartbeatAck, ID: id}
}

// ErrorMsg builds an in-band error frame. The connection stays open;
// close codes are a separate concern.
func ErrorMsg(reason string) *Message {
	return &Message{Type: TypeError, Payload: map[string]any{"reason": reason, "code": ErrorCode}}
}

// SystemMsg builds a server-initiated notice.
func SystemMsg(text string, extra map[string]any) *Message {
	payload := map[string]any{"message": text}
	for k, v := range extra {
		payload[k] = v
	}
	return &Message{Type: TypeSystem, Payload: payload}
}

// UserToken extracts the JWT from an end-user auth message.
func UserToken(m *Message) string {
	return payloadString(m, "token")
}

// GatewayToken extracts the relay token from a gateway auth message.
func GatewayToken(m *Message) string {
	return payloadString(m, "relay_token")
}

func payloadString(m *Message, key string) string {
	if m == nil || m.Payload == nil {
		return ""
	}
	s, _ := m.Payload[key].(string)
	return s
}
