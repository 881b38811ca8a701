package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netgamedist/internal/config"
	"github.com/energizer-project/netgamedist/internal/db"
	"github.com/energizer-project/netgamedist/internal/events"
	intnet "github.com/energizer-project/netgamedist/internal/network"
	"github.com/energizer-project/netgamedist/internal/session"
	"github.com/energizer-project/netgamedist/internal/util"
)

// Version is reported by the public endpoints.
const Version = "1.0.0"

// Server is the REST API server.
type Server struct {
	cfg     *config.Config
	bus     *events.EventBus
	session *session.Session

	// optional; endpoints that need a missing one answer 503
	monitor *session.Monitor
	access  *db.AccessStore
	history *db.HistoryStore
	logTail *util.LogTail

	httpServer *http.Server
	router     *gin.Engine
	ready      chan net.Addr
}

// Dependencies are the optional components served by the API.
type Dependencies struct {
	Monitor *session.Monitor
	Access  *db.AccessStore
	History *db.HistoryStore
	LogTail *util.LogTail
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, bus *events.EventBus, sess *session.Session) *Server {
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:     cfg,
		bus:     bus,
		session: sess,
		ready:   make(chan net.Addr, 1),
	}
}

// SetDependencies injects the optional components. It must be called
// before Start or Handler.
func (s *Server) SetDependencies(deps Dependencies) {
	s.monitor = deps.Monitor
	s.access = deps.Access
	s.history = deps.History
	s.logTail = deps.LogTail
}

// Handler returns the router, building it on first use.
func (s *Server) Handler() http.Handler {
	if s.router == nil {
		s.router = s.buildRouter()
	}
	return s.router
}

// Ready receives the bound address once Start is listening.
func (s *Server) Ready() <-chan net.Addr {
	return s.ready
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	network := s.cfg.GetNetwork()
	security := s.cfg.GetApplicationData().Security

	addr := net.JoinHostPort(network.ListenAddress, fmt.Sprint(network.APIPort))
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// the event stream holds its response open
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	if security.TLSEnabled {
		if err := util.EnsureSelfSignedCert(security.TLSCertFile, security.TLSKeyFile); err != nil {
			return fmt.Errorf("failed to prepare TLS certificate: %w", err)
		}
		cert, err := tls.LoadX509KeyPair(security.TLSCertFile, security.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
			CipherSuites: []uint16{
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			},
		}
	}

	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().
		Str("addr", ln.Addr().String()).
		Bool("tls", security.TLSEnabled).
		Msg("REST API server starting")
	s.ready <- ln.Addr()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if security.TLSEnabled {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	security := s.cfg.GetApplicationData().Security

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := security.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(security.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	var tokens TokenChecker
	if s.access != nil {
		tokens = s.access
	}
	auth := NewAuthMiddleware(tokens, s.cfg)
	router.Use(auth.IPWhitelist())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/session_info", s.handleSessionInfo)
	}

	protected := router.Group("/api")
	protected.Use(auth.RequireAuth())

	monitor := protected.Group("/monitor")
	monitor.Use(auth.RequirePermission(db.PermMonitor))
	{
		monitor.GET("/session", s.handleGetSession)
		monitor.GET("/clients", s.handleGetClients)
		monitor.GET("/clients/:index", s.handleGetClient)
		monitor.GET("/status/:selector", s.handleGetStatus)
		monitor.GET("/summary", s.handleGetSummary)
		monitor.GET("/sessions", s.handleGetSessions)
		monitor.GET("/samples", s.handleGetSamples)
		monitor.GET("/client_events", s.handleGetClientEvents)
		monitor.GET("/desyncs", s.handleGetDesyncs)
		monitor.GET("/alerts", s.handleGetAlerts)
		monitor.GET("/system", s.handleGetSystem)
		monitor.GET("/logs", s.handleGetLogs)
		monitor.GET("/stream", s.handleStream)
	}

	control := protected.Group("/control")
	control.Use(auth.RequirePermission(db.PermControl))
	{
		control.POST("/control", s.handleControl)
		control.POST("/clients/:index/disconnect", s.handleDisconnectClient)
		control.POST("/clients/:index/remove", s.handleRemoveClient)
		control.POST("/alerts/:id/ack", s.handleAckAlert)
	}

	configure := protected.Group("/configure")
	configure.Use(auth.RequirePermission(db.PermConfigure))
	{
		configure.GET("/config", s.handleGetConfig)
		configure.POST("/session", s.handleSetSession)
		configure.GET("/roles", s.handleGetRoles)
		configure.GET("/tokens", s.handleGetTokens)
		configure.POST("/tokens", s.handleCreateToken)
		configure.DELETE("/tokens/:name", s.handleRevokeToken)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}
