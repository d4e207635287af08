package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"metachat/messaging-service/internal/auth"
	"metachat/messaging-service/internal/metrics"
	"metachat/messaging-service/internal/service"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type RouterDeps struct {
	Chats          service.ChatService
	Verifier       auth.Verifier
	Store          Pinger
	Metrics        *metrics.Metrics
	Socket         gin.HandlerFunc
	AllowedOrigins []string
	Logger         *logrus.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(deps.Logger))
	router.Use(cors.New(corsConfig(deps.AllowedOrigins)))

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := deps.Store.Ping(ctx); err != nil {
			deps.Logger.WithError(err).Warn("Health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	if deps.Socket != nil {
		router.GET("/ws", deps.Socket)
	}

	chats := NewChatHandler(deps.Chats, deps.Logger)
	api := router.Group("/api/messages", Authenticate(deps.Verifier))
	{
		api.GET("/conversations", chats.ListConversations)
		api.POST("/conversations", chats.CreateConversation)
		api.GET("/conversations/:id/messages", chats.ListMessages)
		api.POST("/conversations/:id/messages", chats.SendMessage)
		api.PUT("/conversations/:id/read", chats.MarkRead)
		api.GET("/presence/:userId", chats.GetPresence)
	}

	return router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}

	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}

	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}
