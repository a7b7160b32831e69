package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/config"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/logger"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/models"
	"github.com/unicitynetwork/ntlm-auth-gateway/pkg/api"
)

// Server represents the HTTP gateway server of one worker process
type Server struct {
	config        *config.Config
	logger        *logger.Logger
	httpServer    *http.Server
	router        *gin.Engine
	state         WorkerState
	authenticator Authenticator
}

// WorkerState exposes the coordination state of the worker to the handlers
type WorkerState interface {
	Snapshot() models.WorkerIdentity
	Binding() *models.MachineAccountBinding
	LastHeartbeat() *models.HeartbeatRecord
}

// Authenticator relays NTLM exchanges to the directory using the given machine account
type Authenticator interface {
	Authenticate(ctx context.Context, account string, req *api.AuthRequest) (*api.AuthResponse, error)
	Expire(ctx context.Context, account string, req *api.ExpireRequest) (*api.ExpireResponse, error)
	ReportEvent(ctx context.Context, account string, event *api.EventReport) error
	Connection(ctx context.Context, account string) (*api.ConnectResponse, error)
	TestPassword(ctx context.Context, account string, req *api.TestPasswordRequest) (*api.ConnectResponse, error)
}

// NewServer creates a new gateway server. authenticator and metricsHandler may be nil.
func NewServer(cfg *config.Config, logger *logger.Logger, state WorkerState, authenticator Authenticator, metricsHandler http.Handler) *Server {
	// Configure Gin
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	server := &Server{
		config:        cfg,
		logger:        logger,
		router:        router,
		state:         state,
		authenticator: authenticator,
	}

	router.Use(server.accessLog())
	server.setupRoutes(metricsHandler)

	server.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return server
}

// setupRoutes sets up HTTP routes
func (s *Server) setupRoutes(metricsHandler http.Handler) {
	s.router.GET("/ping", s.handlePing)
	s.router.GET("/status", s.handleStatus)
	if metricsHandler != nil {
		s.router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	ntlm := s.router.Group("/ntlm")
	ntlm.POST("/auth", s.handleAuth)
	ntlm.POST("/expire", s.handleExpire)
	ntlm.GET("/connect", s.handleConnect)
	ntlm.POST("/connect", s.handleTestPassword)

	s.router.POST("/event/report", s.handleEventReport)
}

// Handler returns the router, used by tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on the listener inherited from the master until Stop is called
func (s *Server) Serve(listener net.Listener) error {
	s.logger.WithComponent("gateway").Info("Serving HTTP", "addr", listener.Addr().String())

	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.WithComponent("gateway").Info("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handlePing(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

// handleStatus reports the worker identity, 503 unless the worker is ready
func (s *Server) handleStatus(c *gin.Context) {
	identity := s.state.Snapshot()
	status := models.NewHealthStatus(identity)
	status.Heartbeat = s.state.LastHeartbeat()
	if binding := s.state.Binding(); binding != nil {
		status.AddDetail("leaseExpiry", binding.LeaseExpiry.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	}

	code := http.StatusOK
	if identity.State != models.WorkerReady {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
