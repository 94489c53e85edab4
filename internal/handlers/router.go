package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/rtm-calling/config"
	"github.com/mossy-p/rtm-calling/internal/auth"
	"github.com/mossy-p/rtm-calling/internal/fabric"
	"github.com/mossy-p/rtm-calling/internal/metrics"
	"github.com/mossy-p/rtm-calling/internal/middleware"
)

type Deps struct {
	Config  *config.Config
	Service *fabric.Service
	Signer  *auth.Signer
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// NewRouter wires the token issuer, the fabric gateway and the REST API.
func NewRouter(d Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(d.Log))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(d.Config.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(d.Metrics.Handler()))

	// Token issuer (public)
	router.POST("/getToken", IssueToken(d.Signer, d.Config.Auth, d.Metrics, d.Log))

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/channels/:channel/members", middleware.JWTAuth(d.Signer), ChannelMembers(d.Service, d.Log))
	}

	gw := NewGateway(d.Service, d.Metrics, d.Log, d.Config.Fabric)
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/rtm", gw.HandleRTM)
	}

	return router
}
