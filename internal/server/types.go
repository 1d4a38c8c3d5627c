package server

import (
	"strings"
	"time"

	"github.com/Tyrowin/pester-relay/internal/config"
	"github.com/Tyrowin/pester-relay/internal/relay"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// PeerSettings bounds each connection the hub accepts.
type PeerSettings struct {
	MaxMessageSize int64
	RateLimit      config.RateLimitConfig
	SendBufferSize int
}

func (s PeerSettings) withDefaults() PeerSettings {
	if s.MaxMessageSize <= 0 {
		s.MaxMessageSize = 4096
	}
	if s.SendBufferSize <= 0 {
		s.SendBufferSize = 256
	}
	return s
}

// peer is a connection driven by the hub: a relay transport plus the two
// pumps that move frames between the socket and the router.
type peer interface {
	relay.Transport
	readPump()
	writePump()
	closeConnection()
	remoteAddr() string
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
