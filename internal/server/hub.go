package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/pester-relay/internal/metrics"
	"github.com/Tyrowin/pester-relay/internal/relay"
)

// Hub owns every live connection regardless of transport. It starts the
// pumps of newly attached peers, tells the router about connects and
// disconnects, and tears everything down on shutdown.
type Hub struct {
	router     *relay.Router
	settings   PeerSettings
	logger     *zap.Logger
	metrics    *metrics.Metrics
	peers      map[peer]bool
	register   chan peer
	unregister chan peer
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a hub feeding router. Call Run before attaching peers.
func NewHub(router *relay.Router, settings PeerSettings, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		router:     router,
		settings:   settings.withDefaults(),
		logger:     logger.Named("server.hub"),
		metrics:    m,
		peers:      make(map[peer]bool),
		register:   make(chan peer),
		unregister: make(chan peer),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Router returns the router peers are attached to.
func (h *Hub) Router() *relay.Router {
	return h.router
}

// PeerCount reports the number of attached connections.
func (h *Hub) PeerCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.peers)
}

// attach hands p to the hub. It returns false, after closing p's socket,
// when the hub is shutting down.
func (h *Hub) attach(p peer) bool {
	select {
	case h.register <- p:
		return true
	case <-h.ctx.Done():
		p.closeConnection()
		return false
	}
}

// detach is called by a peer's read pump when its socket is finished.
func (h *Hub) detach(p peer) {
	select {
	case h.unregister <- p:
	case <-h.done:
	}
}

// Run starts the hub's main event loop. It returns once Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownPeers()
			return

		case p := <-h.register:
			if p == nil {
				h.logger.Warn("received nil peer registration; skipping")
				continue
			}

			h.mutex.Lock()
			h.peers[p] = true
			peerCount := len(h.peers)
			h.mutex.Unlock()

			h.router.Connect(p)
			h.logger.Debug("peer attached",
				zap.String("conn", p.ID()),
				zap.String("transport", p.Kind()),
				zap.String("remote_addr", p.remoteAddr()),
				zap.Int("peers", peerCount))

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				p.writePump()
			}()
			go func() {
				defer h.wg.Done()
				p.readPump()
			}()

		case p := <-h.unregister:
			h.remove(p)
		}
	}
}

func (h *Hub) remove(p peer) {
	h.mutex.Lock()
	_, ok := h.peers[p]
	delete(h.peers, p)
	peerCount := len(h.peers)
	h.mutex.Unlock()
	if !ok {
		return
	}

	h.router.Disconnect(p)
	p.Close()
	h.logger.Debug("peer detached",
		zap.String("conn", p.ID()),
		zap.String("remote_addr", p.remoteAddr()),
		zap.Int("peers", peerCount))
}

// shutdownPeers disconnects every live peer from the router and closes its
// socket so both pumps exit.
func (h *Hub) shutdownPeers() {
	h.mutex.Lock()
	peers := make([]peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.peers = make(map[peer]bool)
	h.mutex.Unlock()

	for _, p := range peers {
		h.router.Disconnect(p)
		p.Close()
		p.closeConnection()
	}

	h.logger.Info("closed peer connections", zap.Int("count", len(peers)))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all peer connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
