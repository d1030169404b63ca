package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/aeolun/parasitechat/pkg/auth"
	"github.com/aeolun/parasitechat/pkg/crypto"
	"github.com/aeolun/parasitechat/pkg/database"
	"github.com/aeolun/parasitechat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

// Server is the chat relay: one HTTP listener serving the socket gateway and the HTTP API
type Server struct {
	db         *database.DB
	keys       *crypto.Service
	history    *database.HistoryStore
	registry   *Registry
	router     *Router
	dispatcher *Dispatcher
	auth       *auth.Authenticator
	tools      ToolRunner
	metrics    *Metrics
	promReg    *prometheus.Registry
	config     ServerConfig

	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// ServerConfig holds server configuration
type ServerConfig struct {
	HTTPPort            int
	DatabasePath        string
	KeyDir              string
	ClientVersion       string
	HistoryLimit        int
	OutboundQueueSize   int
	MaxFrameBytes       int
	ActiveCheckInterval time.Duration
	SessionSecret       string
	CookieName          string
	EmptyRoomAge        time.Duration
	CleanupInterval     time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:            8080,
		DatabasePath:        "~/.parasitechat/parasitechat.db",
		KeyDir:              "~/.parasitechat/keys",
		ClientVersion:       "1.0.0",
		HistoryLimit:        database.DefaultHistoryLimit,
		OutboundQueueSize:   256,
		MaxFrameBytes:       protocol.DefaultMaxFrameSize,
		ActiveCheckInterval: 30 * time.Second,
		CookieName:          auth.DefaultCookieName,
		EmptyRoomAge:        30 * 24 * time.Hour,
		CleanupInterval:     time.Hour,
	}
}

// NewServer opens the database and wires the relay components around keys
func NewServer(config ServerConfig, keys *crypto.Service) (*Server, error) {
	if config.SessionSecret == "" {
		return nil, fmt.Errorf("auth.session_secret is not configured")
	}

	db, err := database.Open(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := NewMetrics(promReg)

	history := database.NewHistoryStore(db, keys, config.HistoryLimit)
	registry := NewRegistry(db, db, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		db:       db,
		keys:     keys,
		history:  history,
		registry: registry,
		router:   NewRouter(keys, history, db, registry, metrics),
		auth:     auth.NewAuthenticator([]byte(config.SessionSecret), config.CookieName),
		metrics:  metrics,
		promReg:  promReg,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
		shutdown: make(chan struct{}),
	}
	s.dispatcher = NewDispatcher(s.handlerTable(), config.MaxFrameBytes, registry, metrics)

	return s, nil
}

// SetToolRunner attaches the external tool catalogue
func (s *Server) SetToolRunner(tools ToolRunner) {
	s.tools = tools
}

// DB exposes the database for account provisioning tools
func (s *Server) DB() *database.DB {
	return s.db
}

// Handler returns the HTTP routes of the relay
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.HandleWebSocket)
	mux.HandleFunc("GET /health", s.HealthHandler)
	mux.Handle("GET /metrics", s.MetricsHandler())
	mux.HandleFunc("POST /api/messages", s.SendMessageHandler)
	return mux
}

// Start listens on the configured port and starts background loops
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.HTTPPort)

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = setSocketOptions(fd)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	listener, err := lc.Listen(s.ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(listener)
}

// Serve runs the relay on an existing listener
func (s *Server) Serve(listener net.Listener) error {
	s.listener = listener
	s.startTime = time.Now()
	logListenBacklog(listener.Addr().String())

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()

	s.wg.Add(1)
	go s.maintenanceLoop()

	s.wg.Add(1)
	go s.monitorListenOverflows()

	return nil
}

// Addr returns the listening address once started
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	close(s.shutdown)
	s.cancel()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		cancel()
	}

	// Hijacked websocket connections are not tracked by http.Server
	s.registry.CloseAll()

	s.wg.Wait()

	return s.db.Close()
}

// maintenanceLoop periodically deletes rooms nobody but the owner belongs to
func (s *Server) maintenanceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	s.cleanupEmptyRooms()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.cleanupEmptyRooms()
		}
	}
}

// cleanupEmptyRooms deletes eligible rooms and tells their owners
func (s *Server) cleanupEmptyRooms() int {
	cutoff := time.Now().Add(-s.config.EmptyRoomAge).UnixMilli()
	ids, err := s.db.ListEmptyRooms(s.ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("maintenance: list empty rooms")
		return 0
	}

	deleted := 0
	for _, id := range ids {
		room, err := s.db.GetRoom(s.ctx, id)
		if err != nil {
			continue
		}
		if err := s.db.DeleteRoom(s.ctx, id); err != nil {
			log.Error().Err(err).Str("room", id).Msg("maintenance: delete room")
			continue
		}
		deleted++
		s.notifyRoom([]string{room.OwnerID}, protocol.RoomData{Event: protocol.RoomDeleted, ID: room.ID, Name: room.Name})
	}

	if deleted > 0 {
		log.Info().Int("rooms", deleted).Msg("maintenance: deleted empty rooms")
	}
	return deleted
}
