// Package httpapi exposes the agent's control surface over HTTP. The
// listener binds a local unix socket, so there is no auth layer; socket
// file permissions are the access control.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/hostcrank/crank/internal/protocol"
	"github.com/hostcrank/crank/internal/server/allocator"
	"github.com/hostcrank/crank/internal/server/control"
	"github.com/hostcrank/crank/internal/server/control/events"
	"github.com/hostcrank/crank/internal/server/eventbus"
	"github.com/hostcrank/crank/internal/server/supervisor"
)

// Server wraps the gin router serving the control API.
type Server struct {
	manager *control.Manager
	bus     eventbus.Bus
	logger  *slog.Logger
	router  *gin.Engine
}

// New constructs the API server and registers its routes.
func New(manager *control.Manager, bus eventbus.Bus, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		manager: manager,
		bus:     bus,
		logger:  logger.With("component", "httpapi"),
		router:  router,
	}
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler backing the server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	v1 := s.router.Group("/api/v1")
	v1.POST("/command", s.handleCommand)
	s.router.GET("/ws/v1/events", s.handleEvents)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleCommand is the single dispatch endpoint. Every lifecycle operation
// arrives here as a protocol.Request and leaves as a protocol.Response.
func (s *Server) handleCommand(c *gin.Context) {
	var req protocol.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, protocol.Err(protocol.Request{}, protocol.KindProtocolError, "malformed request: "+err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, protocol.Err(req, protocol.KindProtocolError, err.Error()))
		return
	}

	resp, err := s.manager.Dispatch(c.Request.Context(), req)
	if err != nil {
		kind := kindFromError(err)
		s.logger.Warn("command failed", "command", req.Command, "guest", req.Guest, "kind", kind, "error", err)
		c.JSON(statusFromKind(kind), protocol.Err(req, kind, err.Error()))
		return
	}
	c.JSON(http.StatusOK, resp)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clients reach us through the unix socket; origin checks add nothing.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams guest lifecycle events over a websocket until the
// client goes away.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	sink := make(chan any, 64)
	unsubscribe, err := s.bus.Subscribe(events.TopicGuestEvents, sink)
	if err != nil {
		s.logger.Error("subscribe guest events", "error", err)
		return
	}
	defer unsubscribe()

	// The read pump exists only to notice the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case payload := <-sink:
			if err := conn.WriteJSON(payload); err != nil {
				return
			}
		}
	}
}

// kindFromError classifies domain errors into protocol error kinds.
func kindFromError(err error) protocol.ErrorKind {
	var conflict *allocator.ConflictError
	switch {
	case errors.Is(err, control.ErrGuestNotFound):
		return protocol.KindNotFound
	case errors.As(err, &conflict), errors.Is(err, supervisor.ErrConflict):
		return protocol.KindConflict
	case errors.Is(err, supervisor.ErrLaunch):
		return protocol.KindLaunchFailure
	case errors.Is(err, supervisor.ErrNotRunning):
		return protocol.KindNotFound
	default:
		return protocol.KindInternal
	}
}

func statusFromKind(kind protocol.ErrorKind) int {
	switch kind {
	case protocol.KindNotFound:
		return http.StatusNotFound
	case protocol.KindConflict:
		return http.StatusConflict
	case protocol.KindLaunchFailure:
		return http.StatusBadGateway
	case protocol.KindProtocolError:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		)
	}
}
