// Package signaling relays WebRTC negotiation and call control messages
// between connected users and keeps the call record in step with them.
package signaling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chatcall-backend/internal/domain"
)

// Type is the kind of a signaling message
type Type string

const (
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypeAccept       Type = "accept"
	TypeReject       Type = "reject"
	TypeEnd          Type = "end"
	TypeRingingAck   Type = "ringing-ack"

	// Room membership, sent by clients
	TypeJoinRoom  Type = "join-room"
	TypeLeaveRoom Type = "leave-room"

	// Server originated
	TypeUnavailable Type = "unavailable"
	TypePresence    Type = "presence"
	TypeError       Type = "error"
)

var clientTypes = map[Type]bool{
	TypeOffer:        true,
	TypeAnswer:       true,
	TypeICECandidate: true,
	TypeAccept:       true,
	TypeReject:       true,
	TypeEnd:          true,
	TypeRingingAck:   true,
	TypeJoinRoom:     true,
	TypeLeaveRoom:    true,
}

// IsControl reports whether t changes the call record
func (t Type) IsControl() bool {
	return t == TypeAccept || t == TypeReject || t == TypeEnd
}

// Message is the envelope exchanged over the signaling channel. Payload
// carries the SDP or ICE candidate untouched.
type Message struct {
	Type      Type              `json:"type"`
	CallID    uuid.UUID         `json:"callId,omitzero"`
	ChatID    uuid.UUID         `json:"chatId,omitzero"`
	From      uuid.UUID         `json:"from,omitzero"`
	To        uuid.UUID         `json:"to,omitzero"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Status    domain.CallStatus `json:"status,omitempty"`
	Users     []uuid.UUID       `json:"users,omitempty"`
	Error     *ErrorBody        `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ErrorBody describes why the server refused a message
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Decode parses a client frame and rejects server-only or unknown types
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid signaling message: %w", err)
	}
	if !clientTypes[msg.Type] {
		return nil, fmt.Errorf("unsupported signaling message type %q", msg.Type)
	}
	return &msg, nil
}

// Encode serializes msg for the wire
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
