package domain

import "time"

type EventType string

const (
	EventLogin        EventType = "login"
	EventSignup       EventType = "signup"
	EventOAuthLogin   EventType = "oauth_login"
	EventRestored     EventType = "restored"
	EventSessionEnded EventType = "session_ended"
)

// Event describes a session lifecycle change. It never carries tokens.
type Event struct {
	Type   EventType `json:"type"`
	Reason string    `json:"reason,omitempty"`
	UserID string    `json:"user_id,omitempty"`
	At     time.Time `json:"at"`
}
