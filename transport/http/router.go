package http

import (
	"github.com/gin-gonic/gin"
	"github.com/layer-3/formguard/service"
	"go.uber.org/zap"
)

// maxBodyBytes bounds every request body accepted by the proxy
const maxBodyBytes = 64 << 10

// SetupRouter sets up the Gin router. Endpoints whose service is nil are not
// registered. Forwarded client addresses are only honored from
// trustedProxies; with none, the client is the socket peer.
func SetupRouter(proxy *service.VerificationProxy, relay *service.WebhookRelay, pipeline *service.Pipeline, trustedProxies []string, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.HandleMethodNotAllowed = true
	if err := router.SetTrustedProxies(trustedProxies); err != nil {
		logger.Error("invalid trusted proxies, forwarded headers ignored", zap.Strings("proxies", trustedProxies), zap.Error(err))
		_ = router.SetTrustedProxies(nil)
	}
	router.Use(RequestLogger(logger), Recovery(logger), MaxBodySize(maxBodyBytes))

	handlers := NewHandlers(proxy, relay, pipeline, logger)

	router.GET("/healthz", handlers.Health)

	api := router.Group("/api")
	{
		if proxy != nil {
			api.POST("/verify", handlers.Verify)
		}
		if relay != nil {
			api.POST("/webhook", handlers.Webhook)
		}
		if pipeline != nil {
			api.POST("/submit", handlers.Submit)
		}
	}

	return router
}
