package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"teamchat/internal/metrics"
	"teamchat/internal/models"
	"teamchat/internal/service"
	"teamchat/internal/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Session states. A connection starts in connecting, moves to joined after a
// successful authorized join, and ends in terminated; no command is accepted
// after termination.
const (
	stateConnecting = iota
	stateJoined
	stateTerminated
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Deps wires the session protocol to the rest of the system.
type Deps struct {
	Hub           *Hub
	Presence      *Presence
	Tokens        *token.Manager
	DB            *gorm.DB
	Channels      *service.ChannelService
	Conversations *service.ConversationService
	Messages      *service.MessageService
	BacklogLimit  int
}

// Client is one realtime connection and its protocol state machine.
type Client struct {
	deps     Deps
	conn     *websocket.Conn
	send     chan []byte
	user     models.User
	state    int
	topic    string
	topicHub *TopicHub
	target   service.Target
}

// Command is an inbound frame. Type selects the operation; the remaining
// fields are per-command payload.
type Command struct {
	Type        string                    `json:"type"`
	Ref         string                    `json:"ref,omitempty"`
	Topic       string                    `json:"topic,omitempty"`
	Content     string                    `json:"content,omitempty"`
	MessageID   uint                      `json:"message_id,omitempty"`
	ParentID    *uint                     `json:"parent_id,omitempty"`
	BeforeID    uint                      `json:"before_id,omitempty"`
	Limit       int                       `json:"limit,omitempty"`
	IsTyping    bool                      `json:"is_typing,omitempty"`
	Archived    *bool                     `json:"archived,omitempty"`
	Meta        map[string]any            `json:"meta,omitempty"`
	Attachments []service.AttachmentInput `json:"attachments,omitempty"`
}

// Serve authenticates the connection with the token manager, upgrades it and
// runs the session state machine. Authentication happens here, at connection
// time; the later join only checks topic access for the already established
// user.
func Serve(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Query("token")
		if authz := c.GetHeader("Authorization"); raw == "" && len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
			raw = authz[7:]
		}
		if raw == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		t, err := d.Tokens.Verify(raw)
		if err != nil || t.Kind != models.TokenAccess {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		var user models.User
		if err := d.DB.First(&user, t.UserID).Error; err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := &Client{
			deps:  d,
			conn:  conn,
			send:  make(chan []byte, 256),
			user:  user,
			state: stateConnecting,
		}
		metrics.WsConnections.Inc()
		go client.writePump()
		client.readPump()
	}
}

func parseTopic(s string) (service.Target, error) {
	kind, idStr, ok := strings.Cut(s, ":")
	if !ok {
		return service.Target{}, errors.New("malformed topic")
	}
	id64, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil || id64 == 0 {
		return service.Target{}, errors.New("malformed topic")
	}
	id := uint(id64)
	switch kind {
	case "channel":
		return service.Target{ChannelID: &id}, nil
	case "dm":
		return service.Target{ConversationID: &id}, nil
	}
	return service.Target{}, errors.New("malformed topic")
}

func (c *Client) readPump() {
	defer c.terminate()
	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			// Protocol violation, not a recoverable command failure.
			return
		}
		if c.state == stateConnecting {
			if cmd.Type != "join" {
				c.reply(cmd.Ref, false, "unauthorized", nil)
				return
			}
			if !c.handleJoin(cmd) {
				return
			}
			continue
		}
		c.dispatch(cmd)
	}
}

// handleJoin authorizes the topic for the connection's user and, on success,
// registers presence, pushes the backlog and then the presence snapshot, in
// that order. Any failure terminates the session without leaking partial
// join state.
func (c *Client) handleJoin(cmd Command) bool {
	target, err := parseTopic(cmd.Topic)
	if err != nil {
		c.reply(cmd.Ref, false, "unauthorized", nil)
		return false
	}
	var allowed bool
	if target.ChannelID != nil {
		allowed, err = c.deps.Channels.CanAccessChannel(*target.ChannelID, c.user.ID)
	} else {
		allowed, err = c.deps.Conversations.CanAccess(*target.ConversationID, c.user.ID)
	}
	if err != nil || !allowed {
		c.reply(cmd.Ref, false, "unauthorized", nil)
		return false
	}

	c.target = target
	c.topic = target.Topic()
	c.topicHub = c.deps.Hub.Subscribe(c.topic, c)
	c.state = stateJoined

	c.deps.Presence.Track(c.topic, c, PresenceEntry{
		UserID:      c.user.ID,
		DisplayName: c.user.DisplayName(),
		Meta:        cmd.Meta,
	})

	backlog, err := c.deps.Messages.List(target, c.deps.BacklogLimit, 0)
	if err != nil {
		log.Error().Err(err).Str("topic", c.topic).Msg("backlog fetch")
		c.reply(cmd.Ref, false, "internal error", nil)
		return false
	}
	// Oldest first, so the client replays history in order.
	for i, j := 0, len(backlog)-1; i < j; i, j = i+1, j-1 {
		backlog[i], backlog[j] = backlog[j], backlog[i]
	}
	c.push("backlog", backlog)
	c.push("presence_state", c.deps.Presence.List(c.topic))
	c.reply(cmd.Ref, true, "", map[string]any{"topic": c.topic})
	return true
}

func (c *Client) dispatch(cmd Command) {
	switch cmd.Type {
	case "send_message":
		dto, err := c.deps.Messages.Create(service.CreateInput{
			Target:      c.target,
			UserID:      c.user.ID,
			Content:     cmd.Content,
			ParentID:    cmd.ParentID,
			Attachments: cmd.Attachments,
		})
		if err != nil {
			c.reply(cmd.Ref, false, errorCode(err), nil)
			return
		}
		c.reply(cmd.Ref, true, "", dto)
	case "edit_message":
		dto, err := c.deps.Messages.Edit(cmd.MessageID, c.user.ID, cmd.Content)
		if err != nil {
			c.reply(cmd.Ref, false, errorCode(err), nil)
			return
		}
		c.reply(cmd.Ref, true, "", dto)
	case "delete_message":
		if err := c.deps.Messages.Delete(cmd.MessageID, c.user.ID); err != nil {
			c.reply(cmd.Ref, false, errorCode(err), nil)
			return
		}
		c.reply(cmd.Ref, true, "", nil)
	case "typing":
		// Broadcast-only, never persisted; the sender is excluded.
		c.deps.Hub.PublishExcept(c.topic, "typing", map[string]any{
			"user_id":      c.user.ID,
			"display_name": c.user.DisplayName(),
			"is_typing":    cmd.IsTyping,
		}, c)
	case "load_more":
		msgs, err := c.deps.Messages.List(c.target, cmd.Limit, cmd.BeforeID)
		if err != nil {
			c.reply(cmd.Ref, false, errorCode(err), nil)
			return
		}
		c.reply(cmd.Ref, true, "", msgs)
	case "get_thread":
		if cmd.ParentID == nil {
			c.reply(cmd.Ref, false, "validation failed", nil)
			return
		}
		// The parent must live in the joined topic; a session never reads
		// across topics.
		target, err := c.deps.Messages.ResolveTarget(*cmd.ParentID)
		if err != nil {
			c.reply(cmd.Ref, false, errorCode(err), nil)
			return
		}
		if target.Topic() != c.topic {
			c.reply(cmd.Ref, false, "not found", nil)
			return
		}
		msgs, err := c.deps.Messages.Thread(*cmd.ParentID)
		if err != nil {
			c.reply(cmd.Ref, false, errorCode(err), nil)
			return
		}
		c.reply(cmd.Ref, true, "", msgs)
	case "archive":
		archived := true
		if cmd.Archived != nil {
			archived = *cmd.Archived
		}
		var err error
		if c.target.ConversationID != nil {
			err = c.deps.Conversations.ArchiveFor(*c.target.ConversationID, c.user.ID, archived)
		} else {
			err = c.deps.Channels.SetArchived(*c.target.ChannelID, c.user.ID, archived)
		}
		if err != nil {
			c.reply(cmd.Ref, false, errorCode(err), nil)
			return
		}
		c.reply(cmd.Ref, true, "", nil)
	default:
		c.reply(cmd.Ref, false, "unknown command", nil)
	}
}

// errorCode maps domain errors to the strings clients see. Everything
// unexpected collapses into a generic internal error.
func errorCode(err error) string {
	switch {
	case errors.Is(err, service.ErrValidation):
		return "validation failed"
	case errors.Is(err, service.ErrForbidden):
		return "forbidden"
	case errors.Is(err, service.ErrChannelArchived):
		return "channel archived"
	case errors.Is(err, service.ErrChannelNotFound),
		errors.Is(err, service.ErrConversationNotFound),
		errors.Is(err, service.ErrMessageNotFound):
		return "not found"
	default:
		log.Error().Err(err).Msg("ws command")
		return "internal error"
	}
}

func (c *Client) reply(ref string, ok bool, errCode string, data any) {
	b, err := json.Marshal(Event{Type: "reply", Ref: ref, OK: &ok, Error: errCode, Data: data})
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (c *Client) push(event string, data any) {
	b, err := json.Marshal(Event{Type: event, Data: data})
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

// terminate tears the session down: presence entry removed, subscription
// dropped, socket closed. Idempotent; runs on disconnect and on protocol
// violations alike.
func (c *Client) terminate() {
	if c.state == stateTerminated {
		return
	}
	joined := c.state == stateJoined
	c.state = stateTerminated
	if joined {
		c.deps.Presence.Untrack(c.topic, c.user.ID, c)
		// The hub may already have dropped this client and reclaimed the
		// topic; done unblocks the handover in that case.
		select {
		case c.topicHub.unregister <- c:
		case <-c.topicHub.done:
		}
	} else {
		close(c.send)
	}
	metrics.WsConnections.Dec()
	_ = c.conn.Close()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
