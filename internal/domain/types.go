package domain

// SessionState models the voice conversation lifecycle.
type SessionState string

const (
	SessionStateIdle                 SessionState = "idle"
	SessionStateRequestingPermission SessionState = "requesting_permission"
	SessionStateRequestingToken      SessionState = "requesting_token"
	SessionStateConnecting           SessionState = "connecting"
	SessionStateConnected            SessionState = "connected"
	SessionStateDisconnecting        SessionState = "disconnecting"
	SessionStateFailed               SessionState = "failed"
)

// Pending reports whether the state belongs to an in-flight start attempt.
func (s SessionState) Pending() bool {
	switch s {
	case SessionStateRequestingPermission, SessionStateRequestingToken, SessionStateConnecting:
		return true
	default:
		return false
	}
}

// CanStart reports whether a new attempt may begin from this state.
func (s SessionState) CanStart() bool {
	return s == SessionStateIdle || s == SessionStateFailed
}

// SpeakingIndicator tells who currently holds the conversational turn.
type SpeakingIndicator string

const (
	SpeakingIdle  SpeakingIndicator = "idle"
	SpeakingUser  SpeakingIndicator = "user"
	SpeakingAgent SpeakingIndicator = "agent"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// ConversationMessage is a transcript line produced during a session.
type ConversationMessage struct {
	Role      Role   `json:"role"`
	Text      string `json:"text"`
	Corrected bool   `json:"corrected,omitempty"`
}

// StreamEventType enumerates events emitted by a streaming session.
type StreamEventType string

const (
	StreamEventMessage    StreamEventType = "message"
	StreamEventSpeaking   StreamEventType = "speaking"
	StreamEventError      StreamEventType = "error"
	StreamEventDisconnect StreamEventType = "disconnect"
)

// StreamEvent is one lifecycle or content event from the remote session.
type StreamEvent struct {
	Type     StreamEventType      `json:"type"`
	Message  *ConversationMessage `json:"message,omitempty"`
	Speaking SpeakingIndicator    `json:"speaking,omitempty"`
	Detail   string               `json:"detail,omitempty"`
}

// Status summarizes the controller as seen by observers.
type Status struct {
	State     SessionState      `json:"state"`
	Speaking  SpeakingIndicator `json:"speaking"`
	Active    bool              `json:"active"`
	AgentID   string            `json:"agentId,omitempty"`
	AttemptID string            `json:"attemptId,omitempty"`
	Error     *SessionError     `json:"error,omitempty"`
}
