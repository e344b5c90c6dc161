package service

import (
	"encoding/json"
	"errors"

	"teamchat/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ChannelService is the membership registry: channel creation, joining by
// id or invite code, leaving, and the authorization predicates the message
// store and the session protocol consult.
type ChannelService struct {
	db  *gorm.DB
	hub Broadcaster
}

func NewChannelService(db *gorm.DB, hub Broadcaster) *ChannelService {
	return &ChannelService{db: db, hub: hub}
}

// CreateChannelInput is the validated payload for a new channel.
type CreateChannelInput struct {
	Name        string
	Description string
	Topic       string
	IsPrivate   bool
	MaxMembers  int
}

// CreateChannel creates the channel and makes the creator its owner. Private
// channels get an invite code right away.
func (s *ChannelService) CreateChannel(in CreateChannelInput, creatorID uint) (*models.Channel, error) {
	if in.Name == "" || in.MaxMembers < 0 {
		return nil, ErrValidation
	}
	ch := models.Channel{
		Name:        in.Name,
		Description: in.Description,
		Topic:       in.Topic,
		IsPrivate:   in.IsPrivate,
		CreatedBy:   creatorID,
		MaxMembers:  in.MaxMembers,
	}
	if in.IsPrivate {
		code := uuid.NewString()
		ch.InviteCode = &code
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&ch).Error; err != nil {
			return err
		}
		m := models.ChannelMembership{ChannelID: ch.ID, UserID: creatorID, Role: models.RoleOwner}
		return tx.Create(&m).Error
	})
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// Join adds the user as a member. Private channels are never joinable by id;
// the invite code is the only way in. Fails with ErrAlreadyMember on a
// duplicate membership, ErrChannelArchived on archived channels and
// ErrChannelFull when max_members is reached. The (channel,user) unique index
// backs up the duplicate check under concurrent joins.
func (s *ChannelService) Join(channelID, userID uint) error {
	var ch models.Channel
	if err := s.db.First(&ch, channelID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrChannelNotFound
		}
		return err
	}
	if ch.IsPrivate {
		var member int64
		if err := s.db.Model(&models.ChannelMembership{}).
			Where("channel_id = ? AND user_id = ?", ch.ID, userID).
			Count(&member).Error; err != nil {
			return err
		}
		if member > 0 {
			return ErrAlreadyMember
		}
		return ErrForbidden
	}
	return s.join(&ch, userID)
}

// JoinByInvite resolves the channel by its invite code, then joins like Join.
func (s *ChannelService) JoinByInvite(inviteCode string, userID uint) (*models.Channel, error) {
	if inviteCode == "" {
		return nil, ErrInviteNotFound
	}
	var ch models.Channel
	if err := s.db.Where("invite_code = ?", inviteCode).First(&ch).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInviteNotFound
		}
		return nil, err
	}
	if err := s.join(&ch, userID); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *ChannelService) join(ch *models.Channel, userID uint) error {
	if ch.IsArchived {
		return ErrChannelArchived
	}
	var existing int64
	if err := s.db.Model(&models.ChannelMembership{}).
		Where("channel_id = ? AND user_id = ?", ch.ID, userID).
		Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return ErrAlreadyMember
	}
	if ch.MaxMembers > 0 {
		var count int64
		if err := s.db.Model(&models.ChannelMembership{}).
			Where("channel_id = ?", ch.ID).Count(&count).Error; err != nil {
			return err
		}
		if count >= int64(ch.MaxMembers) {
			return ErrChannelFull
		}
	}
	m := models.ChannelMembership{ChannelID: ch.ID, UserID: userID, Role: models.RoleMember}
	if err := s.db.Create(&m).Error; err != nil {
		return err
	}
	s.systemMessage(ch.ID, userID, "member_joined")
	return nil
}

// Leave removes the membership. The last owner or admin of a channel that
// still has other members cannot leave; they must promote someone or archive
// the channel first.
func (s *ChannelService) Leave(channelID, userID uint) error {
	var m models.ChannelMembership
	if err := s.db.Where("channel_id = ? AND user_id = ?", channelID, userID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotMember
		}
		return err
	}
	if m.Role == models.RoleOwner || m.Role == models.RoleAdmin {
		var privileged, total int64
		if err := s.db.Model(&models.ChannelMembership{}).
			Where("channel_id = ? AND role IN ?", channelID, []string{models.RoleOwner, models.RoleAdmin}).
			Count(&privileged).Error; err != nil {
			return err
		}
		if err := s.db.Model(&models.ChannelMembership{}).
			Where("channel_id = ?", channelID).Count(&total).Error; err != nil {
			return err
		}
		if privileged == 1 && total > 1 {
			return ErrLastOwner
		}
	}
	if err := s.db.Delete(&m).Error; err != nil {
		return err
	}
	s.systemMessage(channelID, userID, "member_left")
	return nil
}

// CanAccessChannel is true for public channels and for members of private
// ones.
func (s *ChannelService) CanAccessChannel(channelID, userID uint) (bool, error) {
	var ch models.Channel
	if err := s.db.First(&ch, channelID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrChannelNotFound
		}
		return false, err
	}
	if !ch.IsPrivate {
		return true, nil
	}
	var count int64
	if err := s.db.Model(&models.ChannelMembership{}).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// RoleOf returns the user's role in the channel, or "" for non-members.
func (s *ChannelService) RoleOf(channelID, userID uint) (string, error) {
	var m models.ChannelMembership
	err := s.db.Where("channel_id = ? AND user_id = ?", channelID, userID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return m.Role, nil
}

// SetArchived archives or unarchives a channel; owner/admin only. Archived
// channels reject new messages and joins but stay readable.
func (s *ChannelService) SetArchived(channelID, requesterID uint, archived bool) error {
	role, err := s.RoleOf(channelID, requesterID)
	if err != nil {
		return err
	}
	if role != models.RoleOwner && role != models.RoleAdmin {
		return ErrForbidden
	}
	res := s.db.Model(&models.Channel{}).Where("id = ?", channelID).Update("is_archived", archived)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// RegenerateInviteCode replaces the channel's invite code; owner/admin only.
func (s *ChannelService) RegenerateInviteCode(channelID, requesterID uint) (string, error) {
	role, err := s.RoleOf(channelID, requesterID)
	if err != nil {
		return "", err
	}
	if role != models.RoleOwner && role != models.RoleAdmin {
		return "", ErrForbidden
	}
	code := uuid.NewString()
	res := s.db.Model(&models.Channel{}).Where("id = ?", channelID).Update("invite_code", code)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return "", ErrChannelNotFound
	}
	return code, nil
}

// ChannelDTO is the public channel view.
type ChannelDTO struct {
	ID          uint   `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Topic       string `json:"topic"`
	IsPrivate   bool   `json:"is_private"`
	IsArchived  bool   `json:"is_archived"`
	MaxMembers  int    `json:"max_members"`
	Members     int64  `json:"members"`
}

// List returns up to limit channels visible to the user: all public ones
// plus the private ones they belong to.
func (s *ChannelService) List(userID uint, limit int) ([]ChannelDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	var channels []models.Channel
	sub := s.db.Model(&models.ChannelMembership{}).Select("channel_id").Where("user_id = ?", userID)
	if err := s.db.Where("is_private = ? OR id IN (?)", false, sub).
		Order("id desc").Limit(limit).Find(&channels).Error; err != nil {
		return nil, err
	}
	out := make([]ChannelDTO, 0, len(channels))
	for _, ch := range channels {
		var members int64
		if err := s.db.Model(&models.ChannelMembership{}).
			Where("channel_id = ?", ch.ID).Count(&members).Error; err != nil {
			return nil, err
		}
		out = append(out, ChannelDTO{
			ID:          ch.ID,
			Name:        ch.Name,
			Description: ch.Description,
			Topic:       ch.Topic,
			IsPrivate:   ch.IsPrivate,
			IsArchived:  ch.IsArchived,
			MaxMembers:  ch.MaxMembers,
			Members:     members,
		})
	}
	return out, nil
}

// Get loads one channel, subject to the access predicate.
func (s *ChannelService) Get(channelID, userID uint) (*models.Channel, error) {
	ok, err := s.CanAccessChannel(channelID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrForbidden
	}
	var ch models.Channel
	if err := s.db.First(&ch, channelID).Error; err != nil {
		return nil, err
	}
	return &ch, nil
}

// systemMessage records a membership change as a system message in the
// channel and broadcasts it. Failures are logged, not surfaced: the
// membership change itself has already committed.
func (s *ChannelService) systemMessage(channelID, actorID uint, action string) {
	meta, _ := json.Marshal(map[string]any{"action": action, "user_id": actorID})
	msg := models.Message{
		Kind:      models.MessageSystem,
		ChannelID: &channelID,
		Metadata:  string(meta),
	}
	if err := s.db.Create(&msg).Error; err != nil {
		log.Error().Err(err).Uint("channel_id", channelID).Str("action", action).Msg("system message")
		return
	}
	if s.hub != nil {
		s.hub.Publish(ChannelTopic(channelID), "message_created", messageDTO(&msg, nil))
	}
}
