package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/wire"

	"github.com/veltapay/sagaflow/internal/config"
	"github.com/veltapay/sagaflow/internal/handler"
)

// NewGinEngine builds the engine in the configured mode with recovery
// installed; the rest of the middleware stack is added by SetupRouter.
func NewGinEngine(cfg *config.Config) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	if len(cfg.Server.TrustedProxies) > 0 {
		_ = engine.SetTrustedProxies(cfg.Server.TrustedProxies)
	} else {
		// Trust no proxy; ClientIP then reports the peer address.
		_ = engine.SetTrustedProxies(nil)
	}
	return engine
}

// NewHTTPServer assembles the configured router into an http.Server.
func NewHTTPServer(cfg *config.Config, engine *gin.Engine, handlers *handler.Handlers) *http.Server {
	router := SetupRouter(engine, handlers, cfg)
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}
}

// ProviderSet is the Wire provider set for the server layer
var ProviderSet = wire.NewSet(NewGinEngine, NewHTTPServer)
