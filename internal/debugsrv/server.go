// Package debugsrv serves the pool's read-only operator endpoints: stats,
// worker and queue listings, and a live lifecycle-event tail over WebSocket.
// It binds only when an address is configured and never serves user traffic.
package debugsrv

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/alivehq/agentpool/internal/common/httpmw"
	"github.com/alivehq/agentpool/internal/common/logger"
	"github.com/alivehq/agentpool/internal/events/bus"
	"github.com/alivehq/agentpool/internal/pool"
)

// PoolReader is the slice of the pool the endpoints read. The debug server
// never mutates pool state.
type PoolReader interface {
	Stats() pool.Stats
	QueueStats() pool.QueueStats
	Workers() []pool.WorkerInfo
	WorkersFor(workspaceKey string) []pool.WorkerInfo
}

// Server is the debug HTTP server.
type Server struct {
	pool PoolReader
	bus  bus.EventBus
	log  *logger.Logger

	router   *gin.Engine
	srv      *http.Server
	upgrader websocket.Upgrader
}

// NewServer builds the debug server bound to addr. The event bus feeds the
// /debug/pool/events tail; a nil bus disables that endpoint.
func NewServer(addr string, p PoolReader, eventBus bus.EventBus, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		pool:   p,
		bus:    eventBus,
		log:    log.WithFields(zap.String("component", "debugsrv")),
		router: gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Operator-local endpoint; bind addr is the access control.
			},
		},
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.log, "debug"))
	s.router.Use(httpmw.OtelTracing("debug"))
	s.setupRoutes()

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router returns the HTTP handler, for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	dbg := s.router.Group("/debug/pool")
	{
		dbg.GET("", s.handleStats)
		dbg.GET("/workers", s.handleWorkers)
		dbg.GET("/queue", s.handleQueue)
		dbg.GET("/events", s.handleEvents)
	}
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.log.Info("debug server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
