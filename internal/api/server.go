// Package api exposes the engine's HTTP surface: the signal webhook,
// credential management, position history, and the websocket event
// stream consumed by the external dashboard.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"signal-core/internal/events"
	"signal-core/internal/keys"
	"signal-core/internal/monitor"
	"signal-core/internal/position"
	"signal-core/internal/signal"
)

// Server wires HTTP endpoints around the engine.
type Server struct {
	Router      *gin.Engine
	Bus         *events.Bus
	Engine      *signal.Engine
	Keys        *keys.Manager
	Positions   *position.Manager
	Stats       *monitor.Stats
	JWTSecret   string
	SignalToken string
	Meta        SystemMeta
}

// SystemMeta describes runtime status exposed to the dashboard.
type SystemMeta struct {
	Exchanges []string
	Version   string
}

// NewServer builds the router with the full middleware stack.
func NewServer(bus *events.Bus, engine *signal.Engine, km *keys.Manager, pm *position.Manager, stats *monitor.Stats, meta SystemMeta, jwtSecret, signalToken string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:      r,
		Bus:         bus,
		Engine:      engine,
		Keys:        km,
		Positions:   pm,
		Stats:       stats,
		JWTSecret:   jwtSecret,
		SignalToken: signalToken,
		Meta:        meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)

		// Webhook from the external signal source
		api.POST("/signal", SignalTokenMiddleware(s.SignalToken), s.postSignal)

		// Operator API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/positions", s.getPositions)
			protected.GET("/credentials", s.listCredentials)
			protected.POST("/credentials", s.createCredential)
			protected.DELETE("/credentials/:id", s.deactivateCredential)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	status := gin.H{
		"exchanges": s.Meta.Exchanges,
		"version":   s.Meta.Version,
	}
	if s.Stats != nil {
		status["monitor"] = s.Stats.Snapshot()
	}
	c.JSON(http.StatusOK, status)
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// Start runs the HTTP server on addr.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
