// Package ws defines the WebSocket message envelope and protocol actions.
package ws

import (
	"encoding/json"
	"time"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	MessageTypeRequest  MessageType = "request"
	MessageTypeResponse MessageType = "response"
	MessageTypeEvent    MessageType = "event"
	MessageTypeError    MessageType = "error"
)

// Client-initiated actions and their acknowledgements.
const (
	ActionSubscribe    = "subscribe"
	ActionSubscribed   = "subscribed"
	ActionUnsubscribe  = "unsubscribe"
	ActionUnsubscribed = "unsubscribed"
)

// Server-pushed event actions, delivered on the room of the agent they
// concern.
const (
	EventAgentCreated  = "agent:created"
	EventAgentMessage  = "agent:message"
	EventAgentComplete = "agent:complete"
	EventAgentError    = "agent:error"
)

// Error codes carried in error payloads.
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
	ErrorCodeInternal      = "INTERNAL_ERROR"
)

// Message is the envelope for all WebSocket traffic in both directions.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SubscribePayload is the body of subscribe/unsubscribe requests and their
// acknowledgements.
type SubscribePayload struct {
	AgentID string `json:"agentId"`
}

// ErrorPayload is the body of error responses.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NewResponse creates a response acknowledging the request with the given id.
func NewResponse(id, action string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      MessageTypeResponse,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewEvent creates a server push event.
func NewEvent(action string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      MessageTypeEvent,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewError creates an error message answering the request with the given id.
func NewError(id, action, code, message string) (*Message, error) {
	data, err := json.Marshal(ErrorPayload{Code: code, Message: message})
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      MessageTypeError,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ParsePayload parses the payload into the given struct.
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
