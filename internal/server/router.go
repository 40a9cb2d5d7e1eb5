package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/veltapay/sagaflow/internal/config"
	"github.com/veltapay/sagaflow/internal/handler"
	"github.com/veltapay/sagaflow/internal/server/middleware"
)

// SetupRouter wires the middleware stack and routes onto the engine.
func SetupRouter(r *gin.Engine, handlers *handler.Handlers, cfg *config.Config) *gin.Engine {
	r.Use(middleware.RequestLogger())
	r.Use(middleware.AccessLogger())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(cfg.CORS))

	registerRoutes(r, handlers)

	return r
}

func registerRoutes(r *gin.Engine, h *handler.Handlers) {
	registerCommonRoutes(r)

	r.POST("/transfers", h.Transfer.CreateTransfer)
	r.GET("/transfers/:id", h.Transfer.GetTransfer)
}

// registerCommonRoutes serves the probe endpoints. These stay outside the
// access log to keep it readable.
func registerCommonRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
}
