package service

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"teamchat/internal/metrics"
	"teamchat/internal/models"

	"gorm.io/gorm"
)

// MessageService covers the message lifecycle: creation, threading, edit and
// soft delete, plus the authorization predicates for edit/delete.
type MessageService struct {
	db  *gorm.DB
	hub Broadcaster
}

func NewMessageService(db *gorm.DB, hub Broadcaster) *MessageService {
	return &MessageService{db: db, hub: hub}
}

// Target identifies exactly one of a channel or a direct conversation.
type Target struct {
	ChannelID      *uint
	ConversationID *uint
}

func (t Target) valid() bool {
	return (t.ChannelID != nil) != (t.ConversationID != nil)
}

// Topic is the broadcast topic for this target.
func (t Target) Topic() string {
	if t.ChannelID != nil {
		return ChannelTopic(*t.ChannelID)
	}
	return ConversationTopic(*t.ConversationID)
}

type AttachmentInput struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

type CreateInput struct {
	Target      Target
	UserID      uint
	Content     string
	ParentID    *uint
	Attachments []AttachmentInput
}

type AttachmentDTO struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// MessageDTO is the wire form of a message. Deleted messages keep their row
// for thread shape but are tombstoned: content and attachments are blanked.
type MessageDTO struct {
	ID             uint            `json:"id"`
	Kind           string          `json:"kind"`
	ChannelID      *uint           `json:"channel_id,omitempty"`
	ConversationID *uint           `json:"conversation_id,omitempty"`
	UserID         *uint           `json:"user_id,omitempty"`
	DisplayName    string          `json:"display_name,omitempty"`
	Content        string          `json:"content"`
	ParentID       *uint           `json:"parent_id,omitempty"`
	ReplyCount     int64           `json:"reply_count"`
	EditedAt       *time.Time      `json:"edited_at,omitempty"`
	IsDeleted      bool            `json:"is_deleted"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Attachments    []AttachmentDTO `json:"attachments,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func messageDTO(m *models.Message, author *models.User) MessageDTO {
	dto := MessageDTO{
		ID:             m.ID,
		Kind:           m.Kind,
		ChannelID:      m.ChannelID,
		ConversationID: m.DirectConversationID,
		UserID:         m.UserID,
		ParentID:       m.ParentMessageID,
		EditedAt:       m.EditedAt,
		IsDeleted:      m.IsDeleted,
		CreatedAt:      m.CreatedAt,
	}
	if author != nil {
		dto.DisplayName = author.DisplayName()
	}
	if m.Metadata != "" {
		dto.Metadata = json.RawMessage(m.Metadata)
	}
	if m.IsDeleted {
		return dto
	}
	dto.Content = m.Content
	for _, a := range m.Attachments {
		dto.Attachments = append(dto.Attachments, AttachmentDTO{URL: a.URL, ContentType: a.ContentType, Size: a.Size})
	}
	return dto
}

// Create validates and persists a user message, then broadcasts it to the
// target topic. Exactly one target must be set; channel targets reject
// archived channels before anything is written, so no broadcast leaks out.
func (s *MessageService) Create(in CreateInput) (*MessageDTO, error) {
	if !in.Target.valid() || in.UserID == 0 {
		return nil, ErrValidation
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, ErrValidation
	}

	if in.Target.ChannelID != nil {
		var ch models.Channel
		if err := s.db.First(&ch, *in.Target.ChannelID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrChannelNotFound
			}
			return nil, err
		}
		if ch.IsArchived {
			return nil, ErrChannelArchived
		}
	} else {
		var conv models.DirectConversation
		if err := s.db.First(&conv, *in.Target.ConversationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrConversationNotFound
			}
			return nil, err
		}
		if conv.User1ID != in.UserID && conv.User2ID != in.UserID {
			return nil, ErrForbidden
		}
	}

	if in.ParentID != nil {
		var parent models.Message
		if err := s.db.First(&parent, *in.ParentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrValidation
			}
			return nil, err
		}
		if !sameTarget(&parent, in.Target) {
			return nil, ErrValidation
		}
	}

	userID := in.UserID
	msg := models.Message{
		Content:              in.Content,
		Kind:                 models.MessageText,
		UserID:               &userID,
		ChannelID:            in.Target.ChannelID,
		DirectConversationID: in.Target.ConversationID,
		ParentMessageID:      in.ParentID,
	}
	for _, a := range in.Attachments {
		msg.Attachments = append(msg.Attachments, models.Attachment{URL: a.URL, ContentType: a.ContentType, Size: a.Size})
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		if in.Target.ConversationID != nil {
			return tx.Model(&models.DirectConversation{}).
				Where("id = ?", *in.Target.ConversationID).
				Update("last_message_at", time.Now()).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var author models.User
	if err := s.db.First(&author, in.UserID).Error; err != nil {
		return nil, err
	}
	metrics.MessagesTotal.Inc()
	dto := messageDTO(&msg, &author)
	if s.hub != nil {
		s.hub.Publish(in.Target.Topic(), "message_created", dto)
	}
	return &dto, nil
}

func sameTarget(m *models.Message, t Target) bool {
	if t.ChannelID != nil {
		return m.ChannelID != nil && *m.ChannelID == *t.ChannelID
	}
	return m.DirectConversationID != nil && *m.DirectConversationID == *t.ConversationID
}

// CanEdit is true only for the author of a non-system message.
func CanEdit(m *models.Message, editorID uint) bool {
	return m.Kind != models.MessageSystem && m.UserID != nil && *m.UserID == editorID
}

// Edit replaces the content and stamps edited_at. Only the author may edit;
// admins may not edit other people's messages.
func (s *MessageService) Edit(messageID, editorID uint, newContent string) (*MessageDTO, error) {
	if strings.TrimSpace(newContent) == "" {
		return nil, ErrValidation
	}
	var msg models.Message
	if err := s.db.Preload("Attachments").First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	if msg.IsDeleted {
		return nil, ErrMessageNotFound
	}
	if !CanEdit(&msg, editorID) {
		return nil, ErrForbidden
	}
	now := time.Now()
	if err := s.db.Model(&msg).Updates(map[string]any{"content": newContent, "edited_at": now}).Error; err != nil {
		return nil, err
	}
	msg.Content = newContent
	msg.EditedAt = &now

	var author models.User
	if err := s.db.First(&author, editorID).Error; err != nil {
		return nil, err
	}
	dto := messageDTO(&msg, &author)
	if s.hub != nil {
		s.hub.Publish(targetOf(&msg).Topic(), "message_updated", dto)
	}
	return &dto, nil
}

// canDelete reports whether the requester may delete the message: the author
// always can; in channels, owners and admins can as well. Direct
// conversation messages are author-only.
func (s *MessageService) canDelete(m *models.Message, requesterID uint) (bool, error) {
	if m.UserID != nil && *m.UserID == requesterID {
		return true, nil
	}
	if m.ChannelID == nil {
		return false, nil
	}
	var membership models.ChannelMembership
	err := s.db.Where("channel_id = ? AND user_id = ?", *m.ChannelID, requesterID).First(&membership).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return membership.Role == models.RoleOwner || membership.Role == models.RoleAdmin, nil
}

// Delete tombstones the message, preserving the row for thread shape.
func (s *MessageService) Delete(messageID, requesterID uint) error {
	var msg models.Message
	if err := s.db.First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMessageNotFound
		}
		return err
	}
	ok, err := s.canDelete(&msg, requesterID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	if err := s.db.Model(&msg).Update("is_deleted", true).Error; err != nil {
		return err
	}
	if s.hub != nil {
		s.hub.Publish(targetOf(&msg).Topic(), "message_deleted", map[string]any{"id": msg.ID})
	}
	return nil
}

func targetOf(m *models.Message) Target {
	return Target{ChannelID: m.ChannelID, ConversationID: m.DirectConversationID}
}

// ResolveTarget reports which channel or conversation holds the message, so
// callers can run the target's access predicate before reading through it.
func (s *MessageService) ResolveTarget(messageID uint) (Target, error) {
	var msg models.Message
	if err := s.db.First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Target{}, ErrMessageNotFound
		}
		return Target{}, err
	}
	return targetOf(&msg), nil
}

// List returns up to limit messages for the target, newest first, paginated
// by an exclusive upper-bound message id.
func (s *MessageService) List(t Target, limit int, beforeID uint) ([]MessageDTO, error) {
	if !t.valid() {
		return nil, ErrValidation
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.Preload("Attachments")
	if t.ChannelID != nil {
		q = q.Where("channel_id = ?", *t.ChannelID)
	} else {
		q = q.Where("direct_conversation_id = ?", *t.ConversationID)
	}
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var msgs []models.Message
	if err := q.Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}
	return s.toDTOs(msgs)
}

// Thread returns the replies to a parent message in insertion order.
func (s *MessageService) Thread(parentID uint) ([]MessageDTO, error) {
	var parent models.Message
	if err := s.db.First(&parent, parentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	var msgs []models.Message
	if err := s.db.Preload("Attachments").
		Where("parent_message_id = ?", parentID).
		Order("id asc").Find(&msgs).Error; err != nil {
		return nil, err
	}
	return s.toDTOs(msgs)
}

// toDTOs resolves display names in one batch and derives reply counts by
// counting children; counts are never stored.
func (s *MessageService) toDTOs(msgs []models.Message) ([]MessageDTO, error) {
	users, err := s.resolveAuthors(msgs)
	if err != nil {
		return nil, err
	}
	counts, err := s.replyCounts(msgs)
	if err != nil {
		return nil, err
	}
	out := make([]MessageDTO, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		var author *models.User
		if m.UserID != nil {
			if u, ok := users[*m.UserID]; ok {
				author = u
			}
		}
		dto := messageDTO(m, author)
		dto.ReplyCount = counts[m.ID]
		out = append(out, dto)
	}
	return out, nil
}

func (s *MessageService) resolveAuthors(msgs []models.Message) (map[uint]*models.User, error) {
	seen := make(map[uint]struct{}, len(msgs))
	ids := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if m.UserID == nil {
			continue
		}
		if _, ok := seen[*m.UserID]; ok {
			continue
		}
		seen[*m.UserID] = struct{}{}
		ids = append(ids, *m.UserID)
	}
	users := make(map[uint]*models.User, len(ids))
	if len(ids) > 0 {
		var rows []models.User
		if err := s.db.Where("id IN ?", ids).Find(&rows).Error; err != nil {
			return nil, err
		}
		for i := range rows {
			users[rows[i].ID] = &rows[i]
		}
	}
	return users, nil
}

func (s *MessageService) replyCounts(msgs []models.Message) (map[uint]int64, error) {
	if len(msgs) == 0 {
		return map[uint]int64{}, nil
	}
	ids := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	type row struct {
		ParentMessageID uint
		N               int64
	}
	var rows []row
	if err := s.db.Model(&models.Message{}).
		Select("parent_message_id, count(*) as n").
		Where("parent_message_id IN ?", ids).
		Group("parent_message_id").Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[uint]int64, len(rows))
	for _, r := range rows {
		counts[r.ParentMessageID] = r.N
	}
	return counts, nil
}
