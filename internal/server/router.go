package server

import (
	"net/http"
	"time"

	"teamchat/internal/config"
	"teamchat/internal/metrics"
	"teamchat/internal/mw"
	"teamchat/internal/token"
	"teamchat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter wires middleware, the REST API and the websocket endpoint.
func SetupRouter(cfg config.Config, db *gorm.DB, tokens *token.Manager, h *Handler, wsDeps ws.Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.Refresh)

	authed := api.Group("")
	authed.Use(token.AuthMiddleware(tokens, db))

	authed.POST("/auth/logout", h.Logout)
	authed.POST("/auth/logout_all", h.LogoutAll)
	authed.POST("/auth/password", h.ChangePassword)

	authed.POST("/channels", h.CreateChannel)
	authed.GET("/channels", h.ListChannels)
	authed.GET("/channels/:id", h.GetChannel)
	authed.POST("/channels/:id/join", h.JoinChannel)
	authed.POST("/channels/join", h.JoinByInvite)
	authed.POST("/channels/:id/leave", h.LeaveChannel)
	authed.POST("/channels/:id/archive", h.ArchiveChannel)
	authed.POST("/channels/:id/invite_code", h.RegenerateInvite)
	authed.GET("/channels/:id/messages", h.ListChannelMessages)

	authed.POST("/conversations", h.OpenConversation)
	authed.GET("/conversations", h.ListConversations)
	authed.POST("/conversations/:id/archive", h.ArchiveConversation)
	authed.GET("/conversations/:id/messages", h.ListConversationMessages)

	authed.GET("/messages/:id/thread", h.GetThread)

	authed.POST("/uploads", h.CreateUploadURL)

	r.GET("/ws", ws.Serve(wsDeps))

	return r
}
