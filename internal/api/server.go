package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/monitor"
	"github.com/t77yq/fleet-orchestrator/internal/orchestrator"
	"github.com/t77yq/fleet-orchestrator/internal/transport"
)

const (
	maxPayloadBytes = 1 << 20
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = pongWait * 9 / 10
)

// Config defines the HTTP listener
type Config struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StreamBuffer    int           `mapstructure:"stream_buffer"`
}

// DefaultConfig returns the default HTTP configuration
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ShutdownTimeout: 10 * time.Second,
		StreamBuffer:    8,
	}
}

// StatusSource produces the current status snapshot
type StatusSource interface {
	Snapshot() model.StatusSnapshot
}

// Server exposes the action contract, the status stream and metrics over HTTP
type Server struct {
	logger      *zap.Logger
	config      Config
	handler     transport.ActionHandler
	status      StatusSource
	broadcaster *monitor.Broadcaster
	metrics     http.Handler
	router      *gin.Engine
	upgrader    websocket.Upgrader
}

// NewServer creates the HTTP server. metrics may be nil.
func NewServer(config Config, handler transport.ActionHandler, status StatusSource,
	broadcaster *monitor.Broadcaster, metrics http.Handler, logger *zap.Logger) *Server {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if config.StreamBuffer <= 0 {
		config.StreamBuffer = defaults.StreamBuffer
	}

	s := &Server{
		logger:      logger.Named("http-api"),
		config:      config,
		handler:     handler,
		status:      status,
		broadcaster: broadcaster,
		metrics:     metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.accessLog())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := router.Group("/v1")
	{
		v1.GET("/actions", s.listActions)
		v1.POST("/actions/:action", s.handleAction)
		v1.GET("/status", s.getStatus)
		v1.GET("/stream", s.streamStatus)
	}
	return router
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on an existing listener until ctx is done
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", zap.String("addr", listener.Addr().String()))
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	s.logger.Info("HTTP API stopped")
	return nil
}

func (s *Server) listActions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"actions": orchestrator.Actions()})
}

func (s *Server) handleAction(c *gin.Context) {
	action := c.Param("action")

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPayloadBytes))
	if err != nil {
		err = fmt.Errorf("%w: %v", orchestrator.ErrInvalidRequest, err)
		c.JSON(StatusCode(transport.Classify(err)), transport.NewEnvelope(nil, err))
		return
	}

	data, err := s.handler.HandleRaw(c.Request.Context(), action, payload)
	envelope := transport.NewEnvelope(data, err)
	c.JSON(StatusCode(envelope.Code), envelope)
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.status.Snapshot())
}

// streamStatus upgrades to a websocket and pushes every broadcast snapshot,
// starting with the current one
func (s *Server) streamStatus(c *gin.Context) {
	snapshots, unsubscribe, err := s.broadcaster.Subscribe(s.config.StreamBuffer)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, transport.NewEnvelope(nil, err))
		return
	}
	defer unsubscribe()

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade websocket", zap.Error(err))
		return
	}
	defer ws.Close()

	s.logger.Info("Stream client connected", zap.String("remote", c.Request.RemoteAddr))

	// Reads only serve control frames; any error means the client is gone
	gone := make(chan struct{})
	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.write(ws, s.status.Snapshot()); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			s.logger.Info("Stream client disconnected", zap.String("remote", c.Request.RemoteAddr))
			return
		case snap, ok := <-snapshots:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if err := s.write(ws, snap); err != nil {
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) write(ws *websocket.Conn, snap model.StatusSnapshot) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(snap); err != nil {
		s.logger.Debug("Failed to write snapshot", zap.Error(err))
		return err
	}
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request served",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

// StatusCode maps an envelope code to an HTTP status
func StatusCode(code transport.Code) int {
	switch code {
	case "":
		return http.StatusOK
	case transport.CodeInvalidRequest:
		return http.StatusBadRequest
	case transport.CodeUnknownAction, transport.CodeNotFound:
		return http.StatusNotFound
	case transport.CodeConflict:
		return http.StatusConflict
	case transport.CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
