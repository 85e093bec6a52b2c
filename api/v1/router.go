package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"go_certorch/api/v1/certificates"
	"go_certorch/api/v1/middleware"
	"go_certorch/api/v1/providers"
	"go_certorch/api/v1/webhooks"
	"go_certorch/internal/metrics"
)

// Service is everything the HTTP surface calls
type Service interface {
	certificates.Service
	providers.Lister
	webhooks.Receiver
}

// Deps carries what the router wires into handlers
type Deps struct {
	Service Service
	// Socket is mounted at /socket.io/ when set
	Socket  http.Handler
	Logger  *logrus.Entry
}

// SetupRouter sets up all API routes
func SetupRouter(r *gin.Engine, deps Deps) {
	r.Use(metrics.GinMiddleware())
	r.GET("/metrics", metrics.Handler())

	if deps.Socket != nil {
		r.Any("/socket.io/*any", gin.WrapH(deps.Socket))
	}

	v1 := r.Group("/api/v1")
	{
		// Health check
		v1.GET("/ping", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "pong"})
		})

		// Provider callbacks authenticate by signature, not by token
		webhookHandler := webhooks.NewHandler(deps.Service, deps.Logger)
		v1.POST("/webhooks/:provider", webhookHandler.Receive)

		protected := v1.Group("")
		protected.Use(middleware.AuthRequired())
		{
			certHandler := certificates.NewHandler(deps.Service)
			certs := protected.Group("/certificates")
			{
				certs.POST("", certHandler.Create)
				certs.GET("", certHandler.List)
				certs.GET("/:id", certHandler.Get)
				certs.GET("/:id/challenges", certHandler.Challenges)
				certs.POST("/:id/renew", certHandler.Renew)
				certs.POST("/:id/revoke", certHandler.Revoke)
			}

			providerHandler := providers.NewHandler(deps.Service)
			protected.GET("/providers", providerHandler.List)
		}
	}
}
