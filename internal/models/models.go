package models

import (
	"errors"
	"strings"
	"time"
)

type MessageType string

const (
	MessageText  MessageType = "TEXT"
	MessageImage MessageType = "IMAGE"
	MessageVideo MessageType = "VIDEO"
)

var ErrEmptyMessage = errors.New("message needs content or media")
var ErrUnknownMessageType = errors.New("unknown message type")

type User struct {
	ID        string `gorm:"primaryKey;size:64"`
	Username  string `gorm:"size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Conversation always has exactly two ConversationMember rows.
type Conversation struct {
	ID            string    `gorm:"primaryKey;size:36"`
	LastMessageAt time.Time `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Members []ConversationMember `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
}

// ConversationMember carries the per-user view of a conversation. DeletedAt hides
// the conversation for that user only; ClearedAt hides history older than the
// deletion once the conversation becomes visible again.
type ConversationMember struct {
	ConversationID string `gorm:"primaryKey;size:36"`
	UserID         string `gorm:"primaryKey;size:64;index"`
	DeletedAt      *time.Time
	ClearedAt      *time.Time
	LastReadAt     *time.Time
	CreatedAt      time.Time
}

type Message struct {
	ID             string      `gorm:"primaryKey;size:36"`
	ConversationID string      `gorm:"index:idx_msg_conv_created,priority:1;size:36;not null"`
	SenderID       string      `gorm:"index;size:64;not null"`
	Content        string      `gorm:"type:text;not null;default:''"`
	Type           MessageType `gorm:"size:16;not null;default:'TEXT'"`
	MediaURL       *string     `gorm:"type:text"`
	CreatedAt      time.Time   `gorm:"index:idx_msg_conv_created,priority:2"`
}

// Validate checks the content/media invariant and the message type.
func (m *Message) Validate() error {
	if m.Type == "" {
		m.Type = MessageText
	}
	switch m.Type {
	case MessageText, MessageImage, MessageVideo:
	default:
		return ErrUnknownMessageType
	}
	if strings.TrimSpace(m.Content) == "" && (m.MediaURL == nil || *m.MediaURL == "") {
		return ErrEmptyMessage
	}
	return nil
}
