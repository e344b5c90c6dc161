package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"teamchat/internal/service"
	"teamchat/internal/token"
	"teamchat/internal/upload"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler aggregates the HTTP handlers; services are injected.
type Handler struct {
	users         *service.UserService
	channels      *service.ChannelService
	conversations *service.ConversationService
	messages      *service.MessageService
	uploads       *upload.Service
}

func NewHandler(users *service.UserService, channels *service.ChannelService, conversations *service.ConversationService, messages *service.MessageService, uploads *upload.Service) *Handler {
	return &Handler{users: users, channels: channels, conversations: conversations, messages: messages, uploads: uploads}
}

// svcError maps domain errors to HTTP statuses. Unknown errors are logged
// and collapsed into a 500 with a generic message.
func svcError(c *gin.Context, err error, logMsg string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed"})
	case errors.Is(err, service.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, service.ErrChannelNotFound),
		errors.Is(err, service.ErrConversationNotFound),
		errors.Is(err, service.ErrMessageNotFound),
		errors.Is(err, service.ErrInviteNotFound),
		errors.Is(err, service.ErrNotMember):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, service.ErrUsernameTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
	case errors.Is(err, service.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "email taken"})
	case errors.Is(err, service.ErrAlreadyMember):
		c.JSON(http.StatusConflict, gin.H{"error": "already a member"})
	case errors.Is(err, service.ErrChannelFull):
		c.JSON(http.StatusConflict, gin.H{"error": "channel full"})
	case errors.Is(err, service.ErrChannelArchived):
		c.JSON(http.StatusConflict, gin.H{"error": "channel archived"})
	case errors.Is(err, service.ErrLastOwner):
		c.JSON(http.StatusConflict, gin.H{"error": "last privileged member cannot leave"})
	default:
		log.Error().Err(err).Msg(logMsg)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func issueOpts(c *gin.Context) token.IssueOptions {
	return token.IssueOptions{DeviceInfo: c.Request.UserAgent(), IP: c.ClientIP()}
}

func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username  string `json:"username"`
		Email     string `json:"email"`
		Password  string `json:"password"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	result, err := h.users.Register(req.Username, req.Email, req.Password, req.FirstName, req.LastName)
	if err != nil {
		svcError(c, err, "register")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.users.Login(req.Username, req.Password, issueOpts(c))
	if err != nil {
		svcError(c, err, "login")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user": gin.H{
			"id":           result.User.ID,
			"username":     result.User.Username,
			"display_name": result.User.DisplayName(),
		},
	})
}

func (h *Handler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	pair, err := h.users.Refresh(req.RefreshToken, issueOpts(c))
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

func (h *Handler) Logout(c *gin.Context) {
	authz := c.GetHeader("Authorization")
	raw := strings.TrimSpace(authz[len("Bearer "):])
	if err := h.users.Logout(raw); err != nil {
		svcError(c, err, "logout")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) LogoutAll(c *gin.Context) {
	if err := h.users.LogoutAll(token.GetUserID(c)); err != nil {
		svcError(c, err, "logout all")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) ChangePassword(c *gin.Context) {
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.OldPassword == "" || len(req.NewPassword) < 8 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.users.ChangePassword(token.GetUserID(c), req.OldPassword, req.NewPassword); err != nil {
		svcError(c, err, "change password")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) CreateChannel(c *gin.Context) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Topic       string `json:"topic"`
		IsPrivate   bool   `json:"is_private"`
		MaxMembers  int    `json:"max_members"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel name"})
		return
	}
	ch, err := h.channels.CreateChannel(service.CreateChannelInput{
		Name:        req.Name,
		Description: req.Description,
		Topic:       req.Topic,
		IsPrivate:   req.IsPrivate,
		MaxMembers:  req.MaxMembers,
	}, token.GetUserID(c))
	if err != nil {
		svcError(c, err, "create channel")
		return
	}
	resp := gin.H{"id": ch.ID, "name": ch.Name, "is_private": ch.IsPrivate}
	if ch.InviteCode != nil {
		resp["invite_code"] = *ch.InviteCode
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListChannels(c *gin.Context) {
	channels, err := h.channels.List(token.GetUserID(c), 100)
	if err != nil {
		svcError(c, err, "list channels")
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

func (h *Handler) GetChannel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ch, err := h.channels.Get(id, token.GetUserID(c))
	if err != nil {
		svcError(c, err, "get channel")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":          ch.ID,
		"name":        ch.Name,
		"description": ch.Description,
		"topic":       ch.Topic,
		"is_private":  ch.IsPrivate,
		"is_archived": ch.IsArchived,
		"max_members": ch.MaxMembers,
	})
}

func (h *Handler) JoinChannel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.channels.Join(id, token.GetUserID(c)); err != nil {
		svcError(c, err, "join channel")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) JoinByInvite(c *gin.Context) {
	var req struct {
		InviteCode string `json:"invite_code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.InviteCode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	ch, err := h.channels.JoinByInvite(req.InviteCode, token.GetUserID(c))
	if err != nil {
		svcError(c, err, "join by invite")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": ch.ID, "name": ch.Name})
}

func (h *Handler) LeaveChannel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.channels.Leave(id, token.GetUserID(c)); err != nil {
		svcError(c, err, "leave channel")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) ArchiveChannel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Archived *bool `json:"archived"`
	}
	archived := true
	if err := c.ShouldBindJSON(&req); err == nil && req.Archived != nil {
		archived = *req.Archived
	}
	if err := h.channels.SetArchived(id, token.GetUserID(c), archived); err != nil {
		svcError(c, err, "archive channel")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) RegenerateInvite(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	code, err := h.channels.RegenerateInviteCode(id, token.GetUserID(c))
	if err != nil {
		svcError(c, err, "regenerate invite")
		return
	}
	c.JSON(http.StatusOK, gin.H{"invite_code": code})
}

func (h *Handler) ListChannelMessages(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	allowed, err := h.channels.CanAccessChannel(id, token.GetUserID(c))
	if err != nil {
		svcError(c, err, "list channel messages")
		return
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	limit, beforeID := pageParams(c)
	msgs, err := h.messages.List(service.Target{ChannelID: &id}, limit, beforeID)
	if err != nil {
		svcError(c, err, "list channel messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) OpenConversation(c *gin.Context) {
	var req struct {
		UserID uint `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	conv, err := h.conversations.FindOrCreate(token.GetUserID(c), req.UserID)
	if err != nil {
		svcError(c, err, "open conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": conv.ID, "user1_id": conv.User1ID, "user2_id": conv.User2ID})
}

func (h *Handler) ListConversations(c *gin.Context) {
	convs, err := h.conversations.ListForUser(token.GetUserID(c), 100)
	if err != nil {
		svcError(c, err, "list conversations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (h *Handler) ArchiveConversation(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Archived *bool `json:"archived"`
	}
	archived := true
	if err := c.ShouldBindJSON(&req); err == nil && req.Archived != nil {
		archived = *req.Archived
	}
	if err := h.conversations.ArchiveFor(id, token.GetUserID(c), archived); err != nil {
		svcError(c, err, "archive conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) ListConversationMessages(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	allowed, err := h.conversations.CanAccess(id, token.GetUserID(c))
	if err != nil {
		svcError(c, err, "list conversation messages")
		return
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	limit, beforeID := pageParams(c)
	msgs, err := h.messages.List(service.Target{ConversationID: &id}, limit, beforeID)
	if err != nil {
		svcError(c, err, "list conversation messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) GetThread(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	target, err := h.messages.ResolveTarget(id)
	if err != nil {
		svcError(c, err, "get thread")
		return
	}
	var allowed bool
	if target.ChannelID != nil {
		allowed, err = h.channels.CanAccessChannel(*target.ChannelID, token.GetUserID(c))
	} else {
		allowed, err = h.conversations.CanAccess(*target.ConversationID, token.GetUserID(c))
	}
	if err != nil {
		svcError(c, err, "get thread")
		return
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	msgs, err := h.messages.Thread(id)
	if err != nil {
		svcError(c, err, "get thread")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) CreateUploadURL(c *gin.Context) {
	if h.uploads == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "uploads not configured"})
		return
	}
	var req struct {
		ContentType string `json:"content_type"`
	}
	_ = c.ShouldBindJSON(&req)
	key, url, err := h.uploads.PresignPut(c.Request.Context(), req.ContentType)
	if err != nil {
		log.Error().Err(err).Msg("presign upload")
		c.JSON(http.StatusBadGateway, gin.H{"error": "upload unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "url": url})
}

func pathID(c *gin.Context) (uint, bool) {
	v, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(v), true
}

func pageParams(c *gin.Context) (int, uint) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var beforeID uint
	if bid := c.Query("before_id"); bid != "" {
		if v, err := strconv.ParseUint(bid, 10, 32); err == nil {
			beforeID = uint(v)
		}
	}
	return limit, beforeID
}
