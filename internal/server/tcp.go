package server

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TCPConn is the raw socket transport. Events travel as newline-delimited
// JSON in both directions.
type TCPConn struct {
	id       string
	conn     net.Conn
	send     chan []byte
	hub      *Hub
	addr     string
	mu       sync.Mutex
	closed   bool
	settings PeerSettings
	limiter  *frameLimiter
	logger   *zap.Logger
}

func newTCPConn(conn net.Conn, hub *Hub) *TCPConn {
	settings := hub.settings
	id := uuid.NewString()
	addr := conn.RemoteAddr().String()
	logger := hub.logger.With(zap.String("conn", id), zap.String("remote_addr", addr))

	return &TCPConn{
		id:       id,
		conn:     conn,
		send:     make(chan []byte, settings.SendBufferSize),
		hub:      hub,
		addr:     addr,
		settings: settings,
		limiter:  newFrameLimiter(settings.RateLimit, "tcp", logger, hub.metrics),
		logger:   logger,
	}
}

func (c *TCPConn) ID() string         { return c.id }
func (c *TCPConn) Kind() string       { return "tcp" }
func (c *TCPConn) remoteAddr() string { return c.addr }

// Send queues payload without blocking. A connection whose queue is full is
// closed and the payload refused.
func (c *TCPConn) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.logger.Warn("send buffer full; closing connection")
		c.closed = true
		close(c.send)
		return false
	}
}

// Close stops accepting events; the write pump flushes the queue and then
// closes the socket.
func (c *TCPConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *TCPConn) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("error closing connection", zap.Error(err))
	}
}

func (c *TCPConn) readPump() {
	defer func() {
		c.hub.detach(c)
		c.closeConnection()
	}()

	limit := int(c.settings.MaxMessageSize)
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, min(1024, limit)), limit)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !c.limiter.admit() {
			continue
		}
		c.hub.router.Handle(c, line)
	}

	switch err := scanner.Err(); {
	case err == nil:
		c.logger.Debug("connection closed by peer")
	case errors.Is(err, bufio.ErrTooLong):
		c.logger.Warn("message exceeded maximum size", zap.Int64("max_bytes", c.settings.MaxMessageSize))
	case isExpectedCloseError(err):
		c.logger.Debug("connection closed", zap.Error(err))
	default:
		c.logger.Warn("tcp read error", zap.Error(err))
	}
}

func (c *TCPConn) writePump() {
	defer c.closeConnection()

	w := bufio.NewWriter(c.conn)
	for payload := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			c.logger.Debug("error setting write deadline", zap.Error(err))
			return
		}
		if _, err := w.Write(payload); err != nil {
			c.logger.Debug("error writing message", zap.Error(err))
			return
		}
		if err := w.WriteByte('\n'); err != nil {
			c.logger.Debug("error writing newline", zap.Error(err))
			return
		}
		if len(c.send) > 0 {
			continue
		}
		if err := w.Flush(); err != nil {
			c.logger.Debug("error flushing writer", zap.Error(err))
			return
		}
	}
	if err := w.Flush(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("error flushing writer", zap.Error(err))
	}
}

// TCPServer accepts raw socket clients and attaches them to a hub.
type TCPServer struct {
	listener net.Listener
	hub      *Hub
	logger   *zap.Logger
	closing  atomic.Bool
}

// ListenTCP binds addr for the TCP transport.
func ListenTCP(addr string, hub *Hub, logger *zap.Logger) (*TCPServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TCPServer{listener: ln, hub: hub, logger: logger.Named("server.tcp")}, nil
}

// Addr returns the bound listener address.
func (s *TCPServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until Close is called. It returns nil after a
// Close and the accept error otherwise.
func (s *TCPServer) Serve() error {
	s.logger.Info("tcp transport listening", zap.String("addr", s.listener.Addr().String()))
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(pingPeriod)
		}
		if !s.hub.attach(newTCPConn(conn, s.hub)) {
			return nil
		}
	}
}

// Close stops accepting. Established connections are closed by the hub.
func (s *TCPServer) Close() error {
	s.closing.Store(true)
	return s.listener.Close()
}
