package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/pester-relay/internal/config"
	"github.com/Tyrowin/pester-relay/internal/metrics"
	"github.com/Tyrowin/pester-relay/internal/relay"
)

// Server assembles the relay: one router and hub shared by the WebSocket
// endpoint and the optional TCP listener.
type Server struct {
	cfg      config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	router   *relay.Router
	hub      *Hub
	upgrader websocket.Upgrader
	handler  http.Handler
	http     *http.Server
	tcp      *TCPServer
	httpAddr net.Addr
	errs     chan error
	started  bool
	stopOnce sync.Once
}

// New wires the stores, router and hub described by cfg. Nothing listens
// until Start.
func New(cfg config.Config, logger *zap.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	router := relay.NewRouter(relay.Options{
		Sessions:      relay.NewSessionRegistry(),
		Channels:      relay.NewChannelDirectory(),
		Mailbox:       relay.NewMailbox(cfg.MailboxCapacity),
		Logger:        logger,
		Metrics:       m,
		Presence:      relay.PresenceMode(cfg.PresenceMode),
		MaxTextLength: cfg.MaxTextLength,
	})
	hub := NewHub(router, PeerSettings{
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit:      cfg.RateLimit,
		SendBufferSize: cfg.SendBufferSize,
	}, logger, m)

	s := &Server{
		cfg:      cfg,
		logger:   logger.Named("server"),
		metrics:  m,
		router:   router,
		hub:      hub,
		upgrader: newUpgrader(newOriginPolicy(cfg.AllowedOrigins, logger)),
		errs:     make(chan error, 2),
	}
	s.handler = s.SetupRoutes()
	s.http = CreateServer(cfg.Port, s.handler)
	return s
}

// Handler returns the HTTP handler, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the connection hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router returns the relay router.
func (s *Server) Router() *relay.Router {
	return s.router
}

// Start runs the hub and binds the HTTP listener and, when enabled, the TCP
// listener. Serving continues in the background; fatal serve errors are
// reported on Errors.
func (s *Server) Start() error {
	s.started = true
	go s.hub.Run()

	ln, err := net.Listen("tcp", s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", s.cfg.Port, err)
	}
	s.httpAddr = ln.Addr()

	if s.cfg.TCPEnabled {
		tcp, err := ListenTCP(s.cfg.TCPPort, s.hub, s.logger)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen tcp %s: %w", s.cfg.TCPPort, err)
		}
		s.tcp = tcp
		go func() {
			if err := tcp.Serve(); err != nil {
				s.errs <- fmt.Errorf("tcp transport: %w", err)
			}
		}()
	}

	go func() {
		if err := StartServer(s.http, ln, s.logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errs <- fmt.Errorf("http server: %w", err)
		}
	}()
	return nil
}

// Errors delivers listener failures after Start.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// HTTPAddr returns the bound HTTP address, or nil before Start.
func (s *Server) HTTPAddr() net.Addr {
	return s.httpAddr
}

// TCPAddr returns the bound TCP address, or nil when the transport is off.
func (s *Server) TCPAddr() net.Addr {
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// Shutdown stops both listeners, then closes every connection and waits for
// their pumps, bounded by the configured shutdown timeout.
func (s *Server) Shutdown() error {
	var errs []error
	s.stopOnce.Do(func() {
		if s.httpAddr != nil {
			if err := ShutdownServer(s.http, s.cfg.ShutdownTimeout, s.logger); err != nil {
				errs = append(errs, err)
			}
		}
		if s.tcp != nil {
			if err := s.tcp.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if !s.started {
			return
		}
		if err := s.hub.Shutdown(s.cfg.ShutdownTimeout); err != nil {
			errs = append(errs, err)
		}
		stats := s.router.Stats()
		s.logger.Info("relay stopped",
			zap.Int("sessions", stats.Sessions),
			zap.Int("channels", stats.Channels),
			zap.Int("buffered", stats.Buffered))
	})
	return errors.Join(errs...)
}
