package main

import (
	"context"

	"teamchat/internal/config"
	"teamchat/internal/db"
	clog "teamchat/internal/log"
	"teamchat/internal/server"
	"teamchat/internal/service"
	"teamchat/internal/token"
	"teamchat/internal/upload"
	"teamchat/internal/ws"

	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	clog.Init(cfg.Env)

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	tokens := token.NewManager(gdb, cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	hub := ws.NewHub()
	presence := ws.NewPresence()

	channels := service.NewChannelService(gdb, hub)
	conversations := service.NewConversationService(gdb)
	messages := service.NewMessageService(gdb, hub)
	users := service.NewUserService(gdb, tokens)

	var uploads *upload.Service
	if cfg.S3Bucket != "" {
		uploads, err = upload.NewService(context.Background(), cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("upload service")
		}
		if ref := uploads.Refresher(); ref != nil {
			go ref.Run(context.Background())
		}
	}

	h := server.NewHandler(users, channels, conversations, messages, uploads)
	wsDeps := ws.Deps{
		Hub:           hub,
		Presence:      presence,
		Tokens:        tokens,
		DB:            gdb,
		Channels:      channels,
		Conversations: conversations,
		Messages:      messages,
		BacklogLimit:  cfg.BacklogLimit,
	}

	r := server.SetupRouter(cfg, gdb, tokens, h, wsDeps)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
