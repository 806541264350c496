// Package protocol defines the event names and payloads exchanged over the
// realtime channel, plus the REST shapes shared by server and client.
package protocol

import (
	"encoding/json"
	"time"
)

// Client -> server.
const (
	RegisterUser      = "register-user"
	JoinConversation  = "join-conversation"
	LeaveConversation = "leave-conversation"
	SendMessage       = "send-message"
	Typing            = "typing"
	StopTyping        = "stop-typing"
	MarkAsRead        = "mark-as-read"
)

// Server -> client.
const (
	ReceiveMessage   = "receive-message"
	UserTyping       = "user-typing"
	UserStopTyping   = "user-stop-typing"
	UserStatusChange = "user-status-change"
	MessageSent      = "message-sent"
	MessagesRead     = "messages-read"
)

// Envelope is the frame carried by the transport.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope.
func NewEnvelope(event string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Event: event}, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: b}, nil
}

// Encode returns the JSON frame for event/data.
func Encode(event string, data any) ([]byte, error) {
	env, err := NewEnvelope(event, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	MediaURL       *string   `json:"mediaUrl"`
	CreatedAt      time.Time `json:"createdAt"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Username       string `json:"username,omitempty"`
}

type ReadPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type StatusPayload struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

type SentAck struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Delivered      int    `json:"delivered"`
}

// ConversationSummary is one row of GET /messages.
type ConversationSummary struct {
	ID            string    `json:"id"`
	PeerID        string    `json:"peerId"`
	PeerUsername  string    `json:"peerUsername,omitempty"`
	LastMessage   *Message  `json:"lastMessage"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	UnreadCount   int       `json:"unreadCount"`
	IsOnline      bool      `json:"isOnline"`
}

type DeleteResult struct {
	ConversationDeleted bool   `json:"conversationDeleted"`
	Reason              string `json:"reason,omitempty"`
}

// NewMessage is the body of POST /messages/{id}/messages.
type NewMessage struct {
	Content  string  `json:"content"`
	Type     string  `json:"type,omitempty"`
	MediaURL *string `json:"mediaUrl,omitempty"`
}
