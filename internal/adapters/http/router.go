package http

import (
	"context"

	"github.com/dkeye/meetroom/internal/adapters/signal"
	"github.com/dkeye/meetroom/internal/app"
	"github.com/dkeye/meetroom/internal/config"
	"github.com/dkeye/meetroom/internal/storage"
	"github.com/dkeye/meetroom/internal/store"
	"github.com/dkeye/meetroom/internal/transcribe"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// Deps are the services behind the HTTP API.
type Deps struct {
	Signal      *signal.SignalWSController
	Hub         *app.Hub
	Store       *store.Store
	Storage     *storage.Local
	Transcriber *transcribe.Service
	// ICEServers lists the servers participants should use; host is the
	// request host without port.
	ICEServers func(host string) []config.ICEServer
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	sessionStore := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("MeetroomSessions", sessionStore))
	r.Use(ClientTokenMiddleware())

	a := &api{deps: deps}
	if deps.Storage != nil {
		r.GET("/files/:bucket/*path", a.download)
	}

	log.Info().Str("module", "adapters.http").Str("files", cfg.Storage.Root).Msg("router setup")

	g := r.Group("/api")

	g.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		deps.Signal.HandleSignal(ctx, c)
	})
	g.GET("/rooms", a.listRooms)
	g.GET("/ice-servers", a.iceServers)

	g.POST("/transcribe", a.transcribe)

	g.GET("/departments/:id/chat", a.departmentChat)
	g.POST("/departments/:id/chat", a.ensureDepartmentChat)
	g.GET("/chats/:id/messages", a.listMessages)
	g.POST("/chats/:id/messages", a.createMessage)

	g.PUT("/storage/:bucket/*path", a.upload)

	return r
}
