package service

import (
	"errors"
	"time"

	"teamchat/internal/models"

	"gorm.io/gorm"
)

// ConversationService owns the canonical conversation identity: one row per
// unordered user pair, whichever side makes first contact.
type ConversationService struct {
	db *gorm.DB
}

func NewConversationService(db *gorm.DB) *ConversationService {
	return &ConversationService{db: db}
}

// FindOrCreate resolves the conversation between two users, creating it on
// first contact. The pair is canonicalized to (min,max) so both directions
// hit the same row. Concurrent first contact from both ends is settled by
// the unique pair index: a duplicate insert is retried as a lookup.
func (s *ConversationService) FindOrCreate(userA, userB uint) (*models.DirectConversation, error) {
	if userA == userB || userA == 0 || userB == 0 {
		return nil, ErrValidation
	}
	u1, u2 := userA, userB
	if u1 > u2 {
		u1, u2 = u2, u1
	}

	var conv models.DirectConversation
	err := s.db.Where("user1_id = ? AND user2_id = ?", u1, u2).First(&conv).Error
	if err == nil {
		return &conv, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var peers int64
	if err := s.db.Model(&models.User{}).Where("id IN ?", []uint{u1, u2}).Count(&peers).Error; err != nil {
		return nil, err
	}
	if peers != 2 {
		return nil, ErrValidation
	}

	conv = models.DirectConversation{User1ID: u1, User2ID: u2}
	if createErr := s.db.Create(&conv).Error; createErr != nil {
		// Lost the creation race; the other side's row is the canonical one.
		if err := s.db.Where("user1_id = ? AND user2_id = ?", u1, u2).First(&conv).Error; err != nil {
			return nil, createErr
		}
	}
	return &conv, nil
}

// CanAccess is true iff the user is one of the two participants.
func (s *ConversationService) CanAccess(conversationID, userID uint) (bool, error) {
	var conv models.DirectConversation
	if err := s.db.First(&conv, conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrConversationNotFound
		}
		return false, err
	}
	return conv.User1ID == userID || conv.User2ID == userID, nil
}

// ArchiveFor flips the caller's own archive flag; the other participant's
// view is untouched.
func (s *ConversationService) ArchiveFor(conversationID, userID uint, archived bool) error {
	var conv models.DirectConversation
	if err := s.db.First(&conv, conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	var column string
	switch userID {
	case conv.User1ID:
		column = "is_archived_by_user1"
	case conv.User2ID:
		column = "is_archived_by_user2"
	default:
		return ErrForbidden
	}
	return s.db.Model(&conv).Update(column, archived).Error
}

// ConversationDTO is one row of a user's conversation list.
type ConversationDTO struct {
	ID              uint    `json:"id"`
	PeerID          uint    `json:"peer_id"`
	PeerDisplayName string  `json:"peer_display_name"`
	LastMessageAt   *string `json:"last_message_at"`
	IsArchived      bool    `json:"is_archived"`
}

// ListForUser returns the user's conversations, most recently active first.
func (s *ConversationService) ListForUser(userID uint, limit int) ([]ConversationDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	var convs []models.DirectConversation
	if err := s.db.Where("user1_id = ? OR user2_id = ?", userID, userID).
		Order("last_message_at desc NULLS LAST").Limit(limit).Find(&convs).Error; err != nil {
		return nil, err
	}
	out := make([]ConversationDTO, 0, len(convs))
	for _, conv := range convs {
		peerID := conv.User1ID
		archived := conv.IsArchivedByUser2
		if peerID == userID {
			peerID = conv.User2ID
			archived = conv.IsArchivedByUser1
		}
		var peer models.User
		if err := s.db.First(&peer, peerID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		dto := ConversationDTO{
			ID:              conv.ID,
			PeerID:          peerID,
			PeerDisplayName: peer.DisplayName(),
			IsArchived:      archived,
		}
		if conv.LastMessageAt != nil {
			ts := conv.LastMessageAt.UTC().Format(time.RFC3339)
			dto.LastMessageAt = &ts
		}
		out = append(out, dto)
	}
	return out, nil
}
