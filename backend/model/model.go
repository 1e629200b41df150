package model

import (
	"bytes"
	"encoding/json"
)

// Message types recognized on inbound frames.
const (
	TypeCreateSession = "create-session"
	TypeJoinSession   = "join-session"
	TypeRelay         = "relay"
	TypeCloseSession  = "close-session"
)

// Message types sent by the relay.
const (
	TypeSessionCreated = "session-created"
	TypeSessionJoined  = "session-joined"
	TypePlayerJoined   = "player-joined"
	TypePlayerLeft     = "player-left"
	TypeSessionClosed  = "session-closed"
	TypeSessionError   = "session-error"
)

// Message is a single relay frame. Payload is never interpreted,
// only forwarded.
type Message struct {
	Type     string          `json:"type"`
	Code     string          `json:"code,omitempty"`
	PlayerID string          `json:"playerId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// HasObjectPayload reports whether the frame carries a structured
// (JSON object) payload. Anything else is treated as best-effort
// noise from the front end and dropped.
func (m Message) HasObjectPayload() bool {
	p := bytes.TrimSpace(m.Payload)
	return len(p) > 0 && p[0] == '{'
}

// Role of a connection within a session.
type Role int

const (
	RoleNone Role = iota
	RoleHost
	RoleParticipant
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleParticipant:
		return "participant"
	}
	return "none"
}

// Binding is the session-role state attached to a connection.
// The zero value means the connection has not joined anything.
type Binding struct {
	Role     Role
	Code     string
	PlayerID string // set for participants only
}

// Peer is one bidirectional message channel to a browser tab.
// The transport owns the connection lifetime; the relay core only
// sends, probes and force-terminates through this capability.
// Implementations must be comparable (pointer receivers) since
// peers key registry and session maps.
type Peer interface {
	// Send queues an outbound frame. It never blocks; a false
	// return means the peer is gone or its queue is full and the
	// frame was dropped.
	Send(msg Message) bool
	// Probe asks the transport to emit a keep-alive check. The
	// acknowledgment is reported out-of-band via the registry.
	Probe() bool
	// Terminate forcibly closes the underlying channel.
	Terminate()
}
