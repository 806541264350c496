package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/FuturIsHere/Nox-Network-sub000/internal/metrics"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/models"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/protocol"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	ReasonLastMessageDeleted = "last_message_deleted"
)

// MediaRemover releases blobs referenced by deleted messages. The blob store
// itself lives outside this service.
type MediaRemover interface {
	Remove(ctx context.Context, url string) error
}

type logMediaRemover struct{}

func (logMediaRemover) Remove(_ context.Context, url string) error {
	log.Info().Str("media_url", url).Msg("media released")
	return nil
}

// MessageService persists messages and enforces participation.
type MessageService struct {
	db    *gorm.DB
	convs *ConversationService
	media MediaRemover
}

func NewMessageService(db *gorm.DB, convs *ConversationService, media MediaRemover) *MessageService {
	if media == nil {
		media = logMediaRemover{}
	}
	return &MessageService{db: db, convs: convs, media: media}
}

// List returns one page counted back from the newest visible message, in
// ascending order within the page.
func (s *MessageService) List(ctx context.Context, callerID, convID string, offset, limit int) ([]protocol.Message, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = DefaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	member, err := s.convs.Member(ctx, callerID, convID)
	if err != nil {
		return nil, err
	}

	var msgs []models.Message
	err = visibleMessages(s.db.WithContext(ctx), convID, member).
		Order("created_at desc, id desc").
		Offset(offset).
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}

	out := make([]protocol.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = toPayload(m)
	}
	return out, nil
}

// Create validates and persists a message. A new message makes the
// conversation visible again to both members.
func (s *MessageService) Create(ctx context.Context, callerID, convID string, in protocol.NewMessage) (*protocol.Message, error) {
	if _, err := s.convs.Member(ctx, callerID, convID); err != nil {
		return nil, err
	}
	msg := models.Message{
		ID:             newID(),
		ConversationID: convID,
		SenderID:       callerID,
		Content:        in.Content,
		Type:           models.MessageType(in.Type),
		MediaURL:       in.MediaURL,
		CreatedAt:      now(),
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Conversation{}).Where("id = ?", convID).
			Update("last_message_at", msg.CreatedAt).Error; err != nil {
			return err
		}
		return tx.Model(&models.ConversationMember{}).
			Where("conversation_id = ? AND deleted_at IS NOT NULL", convID).
			Update("deleted_at", nil).Error
	})
	if err != nil {
		return nil, err
	}
	metrics.MessagesCreatedTotal.Inc()
	out := toPayload(msg)
	return &out, nil
}

// Delete hard-deletes a message owned by the caller. When no message survives
// in the conversation the conversation itself is removed for both members.
func (s *MessageService) Delete(ctx context.Context, callerID, convID, msgID string) (*protocol.DeleteResult, error) {
	if _, err := s.convs.Member(ctx, callerID, convID); err != nil {
		return nil, err
	}
	var msg models.Message
	if err := s.db.WithContext(ctx).First(&msg, "id = ? AND conversation_id = ?", msgID, convID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	if msg.SenderID != callerID {
		return nil, ErrNotMessageOwner
	}

	result := &protocol.DeleteResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.Message{}, "id = ?", msg.ID).Error; err != nil {
			return err
		}
		var latest models.Message
		if err := tx.Where("conversation_id = ?", convID).Order("created_at desc, id desc").Limit(1).Find(&latest).Error; err != nil {
			return err
		}
		if latest.ID != "" {
			return tx.Model(&models.Conversation{}).Where("id = ?", convID).
				Update("last_message_at", latest.CreatedAt).Error
		}
		if err := tx.Delete(&models.ConversationMember{}, "conversation_id = ?", convID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.Conversation{}, "id = ?", convID).Error; err != nil {
			return err
		}
		result.ConversationDeleted = true
		result.Reason = ReasonLastMessageDeleted
		return nil
	})
	if err != nil {
		return nil, err
	}

	if msg.MediaURL != nil && *msg.MediaURL != "" {
		if err := s.media.Remove(ctx, *msg.MediaURL); err != nil {
			log.Warn().Err(err).Str("message_id", msg.ID).Msg("media cleanup failed")
		}
	}
	return result, nil
}
