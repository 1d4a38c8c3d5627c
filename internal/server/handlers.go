package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const methodNotAllowedMessage = "Method not allowed. WebSocket endpoint only accepts GET requests."

func newUpgrader(origins *originPolicy) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.check,
	}
}

// WebSocketHandler upgrades the request and attaches the new client to the
// hub, which starts its pumps.
func (s *Server) WebSocketHandler(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", c.Request.RemoteAddr),
			zap.Error(err))
		return
	}

	s.hub.attach(NewClient(conn, s.hub, c.Request.RemoteAddr))
}

// HealthHandler reports that the process is serving.
func HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func methodNotAllowedHandler(c *gin.Context) {
	c.String(http.StatusMethodNotAllowed, methodNotAllowedMessage)
}
