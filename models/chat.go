package models

import (
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatSession groups the messages a user exchanges with one character.
// Sessions are never deleted by the chat flow; they go quiet by disuse.
type ChatSession struct {
	SessionID     string     `gorm:"primaryKey;column:session_id" json:"session_id"`
	UserID        string     `gorm:"index;not null" json:"user_id"`
	CharacterID   string     `gorm:"index;not null" json:"character_id"`
	Title         string     `gorm:"not null" json:"title"`
	MessageCount  int        `gorm:"not null;default:0" json:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TableName specifies the table name for the ChatSession model.
func (ChatSession) TableName() string {
	return "chat_sessions"
}

// ChatMessage is one turn in a session. Append-only: a "clear chat" archives
// rows instead of deleting them, so history stays auditable while archived
// turns drop out of context assembly.
type ChatMessage struct {
	ID           string    `gorm:"primaryKey;column:id" json:"id"`
	SessionID    string    `gorm:"index;not null" json:"session_id"`
	UserID       string    `gorm:"index;not null" json:"user_id"`
	CharacterID  string    `gorm:"not null" json:"character_id"`
	MessageIndex int       `gorm:"not null" json:"message_index"`
	Role         string    `gorm:"type:varchar(20);not null" json:"role"`
	Content      string    `gorm:"type:text;not null" json:"content"`
	TokensUsed   int       `gorm:"not null;default:0" json:"tokens_used"`
	Model        string    `json:"model,omitempty"`
	UserLevel    string    `json:"user_level,omitempty"`
	ContextSize  int       `gorm:"not null;default:0" json:"context_size"`
	IsGreeting   bool      `gorm:"not null;default:false" json:"is_greeting"`
	IsArchived   bool      `gorm:"index;not null;default:false" json:"is_archived"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName specifies the table name for the ChatMessage model.
func (ChatMessage) TableName() string {
	return "chat_messages"
}

// ChatTurn is the role/content pair handed to the model. Context assembly
// produces these; nothing else about a stored message reaches the LLM.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
