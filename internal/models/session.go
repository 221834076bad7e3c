package models

import "time"

// Message roles within a session transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Attachment is an opaque payload carried alongside a message. The backend
// stores it verbatim and never interprets the content.
type Attachment struct {
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
	Data string `json:"data,omitempty"` // base64
	Ref  string `json:"ref,omitempty"`  // storage key or URL
}

// Message is a single turn in a session transcript.
type Message struct {
	ID          string       `json:"id"`
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// SessionMetadata is the cheap listing row kept separate from the
// transcript so session lists never load message bodies.
type SessionMetadata struct {
	SessionID     string    `json:"session_id"`
	OwnerID       string    `json:"owner_id"`
	Title         string    `json:"title"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	MessageCount  int       `json:"message_count"`
	IsActive      bool      `json:"is_active"`
}

// Session is a full transcript plus its metadata.
type Session struct {
	Metadata SessionMetadata `json:"metadata"`
	Messages []Message       `json:"messages"`
}
