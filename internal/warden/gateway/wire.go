// Package gateway terminates client WebSocket sessions.
//
// Every session is authenticated before any other frame is processed, rate
// limited per client, and torn down with a meaningful close code. Frames the
// gateway does not handle itself (chat, agent operations) are delegated to
// the task router through the Handler interface.
package gateway

import (
	"encoding/json"
	"time"
)

// Frame types on the client wire protocol.
const (
	TypeAuth          = "auth"
	TypeAuthRequired  = "auth_required"
	TypeAuthSuccess   = "auth_success"
	TypeAuthFailed    = "auth_failed"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeChat          = "chat"
	TypeChatStream    = "chat_stream"
	TypeChatStreamEnd = "chat_stream_end"
	TypeAgentSpawn    = "agent.spawn"
	TypeAgentTerm     = "agent.terminate"
	TypeAgentTask     = "agent.task"
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypeResult        = "result"
	TypeError         = "error"
	TypeSystem        = "system"
)

// Error codes carried in error frames.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeAuth             = "AUTH_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeProvider         = "PROVIDER_ERROR"
	CodeRateLimit        = "RATE_LIMIT"
	CodeBudgetExceeded   = "BUDGET_EXCEEDED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeInternal         = "INTERNAL_ERROR"
)

// Close codes.
const (
	ClosePolicyViolation = 1008 // rate limit or auth
	CloseOverload        = 1013
	CloseGoingAway       = 1001 // shutdown
)

// Frame is one message on the client protocol.
type Frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthPayload is the payload of an auth frame.
type AuthPayload struct {
	Token string `json:"token"`
}

// SubscribePayload lists topics to subscribe or unsubscribe.
type SubscribePayload struct {
	Topics []string `json:"topics"`
}

// NewFrame builds a stamped frame with a JSON payload.
func NewFrame(frameType, id string, payload any) (Frame, error) {
	f := Frame{Type: frameType, ID: id, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, err
		}
		f.Payload = data
	}
	return f, nil
}

// ErrorFrame builds an error frame answering request id.
func ErrorFrame(id, code, message string) Frame {
	f, _ := NewFrame(TypeError, id, ErrorPayload{Code: code, Message: message})
	return f
}
