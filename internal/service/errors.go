package service

import "errors"

// Store errors. Handlers map them onto HTTP status codes with errors.Is.
var (
	ErrUserNotFound         = errors.New("user not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("not a participant of this conversation")
	ErrSelfConversation     = errors.New("cannot start a conversation with yourself")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotMessageOwner      = errors.New("only the sender can delete a message")
	ErrInvalidMessage       = errors.New("invalid message")
)
