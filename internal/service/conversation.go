package service

import (
	"context"
	"errors"
	"time"

	"github.com/FuturIsHere/Nox-Network-sub000/internal/models"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/protocol"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PresenceChecker reports whether a user currently has a live session.
type PresenceChecker interface {
	IsOnline(userID string) bool
}

type offlinePresence struct{}

func (offlinePresence) IsOnline(string) bool { return false }

// ConversationService owns two-party conversations and each member's view of them.
type ConversationService struct {
	db       *gorm.DB
	presence PresenceChecker
}

func NewConversationService(db *gorm.DB, presence PresenceChecker) *ConversationService {
	if presence == nil {
		presence = offlinePresence{}
	}
	return &ConversationService{db: db, presence: presence}
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func now() time.Time { return time.Now().UTC() }

// Start returns the conversation between caller and peer, creating it on first
// contact or restoring it for the caller if they had deleted it.
func (s *ConversationService) Start(ctx context.Context, callerID, peerID string) (*protocol.ConversationSummary, error) {
	if callerID == peerID {
		return nil, ErrSelfConversation
	}
	db := s.db.WithContext(ctx)
	var count int64
	if err := db.Model(&models.User{}).Where("id = ?", peerID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrUserNotFound
	}

	convID, err := s.findPair(ctx, callerID, peerID)
	if err != nil {
		return nil, err
	}
	if convID != "" {
		err := db.Model(&models.ConversationMember{}).
			Where("conversation_id = ? AND user_id = ? AND deleted_at IS NOT NULL", convID, callerID).
			Update("deleted_at", nil).Error
		if err != nil {
			return nil, err
		}
		return s.summary(ctx, callerID, convID)
	}

	ts := now()
	conv := models.Conversation{
		ID:            newID(),
		LastMessageAt: ts,
		Members: []models.ConversationMember{
			{UserID: callerID, CreatedAt: ts},
			{UserID: peerID, CreatedAt: ts},
		},
	}
	if err := db.Create(&conv).Error; err != nil {
		return nil, err
	}
	return s.summary(ctx, callerID, conv.ID)
}

func (s *ConversationService) findPair(ctx context.Context, a, b string) (string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Where("user_id IN ?", []string{a, b}).
		Group("conversation_id").
		Having("COUNT(*) = 2").
		Limit(1).
		Pluck("conversation_id", &ids).Error
	if err != nil || len(ids) == 0 {
		return "", err
	}
	return ids[0], nil
}

// Member returns the caller's membership row, distinguishing a missing
// conversation from one the caller does not belong to.
func (s *ConversationService) Member(ctx context.Context, callerID, convID string) (*models.ConversationMember, error) {
	db := s.db.WithContext(ctx)
	var conv models.Conversation
	if err := db.Select("id").First(&conv, "id = ?", convID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	var m models.ConversationMember
	if err := db.First(&m, "conversation_id = ? AND user_id = ?", convID, callerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotParticipant
		}
		return nil, err
	}
	return &m, nil
}

// List returns the caller's visible conversations, most recent activity first.
func (s *ConversationService) List(ctx context.Context, callerID string) ([]protocol.ConversationSummary, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Joins("JOIN conversations ON conversations.id = conversation_members.conversation_id").
		Where("conversation_members.user_id = ? AND conversation_members.deleted_at IS NULL", callerID).
		Order("conversations.last_message_at desc").
		Pluck("conversation_members.conversation_id", &ids).Error
	if err != nil {
		return nil, err
	}
	out := make([]protocol.ConversationSummary, 0, len(ids))
	for _, id := range ids {
		sum, err := s.summary(ctx, callerID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *sum)
	}
	return out, nil
}

func (s *ConversationService) summary(ctx context.Context, callerID, convID string) (*protocol.ConversationSummary, error) {
	db := s.db.WithContext(ctx)
	var conv models.Conversation
	if err := db.Preload("Members").First(&conv, "id = ?", convID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	var me, peer *models.ConversationMember
	for i := range conv.Members {
		if conv.Members[i].UserID == callerID {
			me = &conv.Members[i]
		} else {
			peer = &conv.Members[i]
		}
	}
	if me == nil || peer == nil {
		return nil, ErrNotParticipant
	}

	sum := &protocol.ConversationSummary{
		ID:            conv.ID,
		PeerID:        peer.UserID,
		LastMessageAt: conv.LastMessageAt,
		IsOnline:      s.presence.IsOnline(peer.UserID),
	}
	var u models.User
	if err := db.Select("id", "username").First(&u, "id = ?", peer.UserID).Error; err == nil {
		sum.PeerUsername = u.Username
	}

	q := visibleMessages(db, convID, me)
	var last models.Message
	err := q.Order("created_at desc, id desc").Limit(1).Find(&last).Error
	if err != nil {
		return nil, err
	}
	if last.ID != "" {
		m := toPayload(last)
		sum.LastMessage = &m
	}

	unread := visibleMessages(db, convID, me).Where("sender_id <> ?", callerID)
	if me.LastReadAt != nil {
		unread = unread.Where("created_at > ?", *me.LastReadAt)
	}
	var n int64
	if err := unread.Count(&n).Error; err != nil {
		return nil, err
	}
	sum.UnreadCount = int(n)
	return sum, nil
}

// visibleMessages scopes messages to what member can still see.
func visibleMessages(db *gorm.DB, convID string, member *models.ConversationMember) *gorm.DB {
	q := db.Model(&models.Message{}).Where("conversation_id = ?", convID)
	if member.ClearedAt != nil {
		q = q.Where("created_at > ?", *member.ClearedAt)
	}
	return q
}

// DeleteForUser hides the conversation and its current history for the caller
// only; the peer's view is unaffected.
func (s *ConversationService) DeleteForUser(ctx context.Context, callerID, convID string) error {
	if _, err := s.Member(ctx, callerID, convID); err != nil {
		return err
	}
	ts := now()
	return s.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", convID, callerID).
		Updates(map[string]any{"deleted_at": ts, "cleared_at": ts}).Error
}

// MarkRead moves the caller's read watermark to now.
func (s *ConversationService) MarkRead(ctx context.Context, callerID, convID string) error {
	if _, err := s.Member(ctx, callerID, convID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", convID, callerID).
		Update("last_read_at", now()).Error
}

// PeerIDs lists users that share at least one conversation with userID.
func (s *ConversationService) PeerIDs(ctx context.Context, userID string) ([]string, error) {
	sub := s.db.Model(&models.ConversationMember{}).Select("conversation_id").Where("user_id = ?", userID)
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Distinct("user_id").
		Where("conversation_id IN (?) AND user_id <> ?", sub, userID).
		Pluck("user_id", &ids).Error
	return ids, err
}

func toPayload(m models.Message) protocol.Message {
	return protocol.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Type:           string(m.Type),
		MediaURL:       m.MediaURL,
		CreatedAt:      m.CreatedAt,
	}
}
