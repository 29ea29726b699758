// Package protocol defines the JSON-over-socket message protocol spoken
// between the agent's subsystems and the router. One message is one
// newline-terminated JSON object with keys from, to, type, and an
// optional polymorphic data payload.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Identity names one of the agent's subsystems. The router tracks exactly
// one live connection per identity.
type Identity string

const (
	// IdentityCore is the router itself; messages addressed to core are
	// intercepted rather than forwarded.
	IdentityCore Identity = "core"
	// IdentityRenderer is the interactive console renderer.
	IdentityRenderer Identity = "renderer"
	// IdentityLogger is the log shipper.
	IdentityLogger Identity = "logger"
	// IdentityBackground is the background engine driving the update and
	// invitation protocols.
	IdentityBackground Identity = "background"
)

// Validate checks if the identity is one the router knows.
func (id Identity) Validate() error {
	switch id {
	case IdentityCore, IdentityRenderer, IdentityLogger, IdentityBackground:
		return nil
	default:
		return fmt.Errorf("invalid subsystem identity: %s", id)
	}
}

// Kind represents the type of a protocol message.
type Kind string

const (
	// KindSubsystemInit registers a connection under an identity.
	KindSubsystemInit Kind = "subsystem_init"
	// KindSubsystemReady reports that a subsystem finished its setup.
	KindSubsystemReady Kind = "subsystem_ready"
	// KindSubsystemStart tells the background engine to begin its main loop.
	KindSubsystemStart Kind = "subsystem_start"
	// KindSubsystemStop asks a subsystem to wind down.
	KindSubsystemStop Kind = "subsystem_stop"
	// KindResponseOK acknowledges a core-addressed request.
	KindResponseOK Kind = "response_ok"
	// KindResponseError reports a core-addressed request failure.
	KindResponseError Kind = "response_error"
	// KindGetUserInput asks the decision channel for an outcome.
	KindGetUserInput Kind = "get_user_input"
	// KindUserResponse carries a decision back to the requester.
	KindUserResponse Kind = "user_response"
	// KindLogEntry carries one log record to the log shipper.
	KindLogEntry Kind = "log_entry"
	// KindRenderState carries a display update to the renderer.
	KindRenderState Kind = "render_state"
)

// Validate checks if the kind is one this build understands. Decoding does
// NOT call this: unknown kinds must round-trip so newer peers can talk to
// older agents.
func (k Kind) Validate() error {
	switch k {
	case KindSubsystemInit, KindSubsystemReady, KindSubsystemStart,
		KindSubsystemStop, KindResponseOK, KindResponseError,
		KindGetUserInput, KindUserResponse, KindLogEntry, KindRenderState:
		return nil
	default:
		return fmt.Errorf("unknown message kind: %s", k)
	}
}

// Message is one protocol frame. Immutable once constructed.
type Message struct {
	From Identity        `json:"from"`
	To   Identity        `json:"to"`
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DecisionChannel names one of the two pending-decision slots.
type DecisionChannel string

const (
	// ChannelUpdate carries TESTING-phase outcomes for the update engine.
	ChannelUpdate DecisionChannel = "update_response"
	// ChannelInvitation carries consent answers for the invitation engine.
	ChannelInvitation DecisionChannel = "invitation_response"
)

// UserInputRequest is the data payload of a get_user_input message.
type UserInputRequest struct {
	RequestID string          `json:"request_id"`
	Channel   DecisionChannel `json:"channel"`
	Prompt    string          `json:"prompt"`
	Options   []string        `json:"options,omitempty"`
}

// UserInputResponse is the data payload of a user_response message.
type UserInputResponse struct {
	RequestID string          `json:"request_id,omitempty"`
	Channel   DecisionChannel `json:"channel"`
	Value     string          `json:"value"`
}

// LogEntry is the data payload of a log_entry message.
type LogEntry struct {
	Level   string    `json:"level"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// RenderState is the data payload of a render_state message.
type RenderState struct {
	Revision  int    `json:"revision"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	StatusMsg string `json:"status_msg,omitempty"`
}

// NewMessage constructs a message, marshalling the payload if present.
func NewMessage(from, to Identity, kind Kind, payload interface{}) (Message, error) {
	msg := Message{From: from, To: to, Type: kind}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		msg.Data = data
	}
	return msg, nil
}

// ParseData parses a message payload into a specific type.
func ParseData(data json.RawMessage, target interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("message has no data payload")
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("parse data payload: %w", err)
	}
	return nil
}
