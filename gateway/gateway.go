// Package gateway is the per-operator real-time channel. Operators submit
// devices and retry failed jobs over a WebSocket connection; the gateway
// registers devices, starts jobs and relays each job's progress events to
// the connection that started it, and to no other.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ruteri/device-provisioning-backend/interfaces"
	"github.com/ruteri/device-provisioning-backend/jobs"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// DefaultRegistryTimeout bounds a device registration.
	DefaultRegistryTimeout = 10 * time.Second
)

// ErrGatewayClosed is reported to operators connecting after Shutdown.
var ErrGatewayClosed = errors.New("gateway is shutting down")

// Scheduler starts provisioning jobs.
type Scheduler interface {
	Submit(spec jobs.Spec, sink jobs.Sink) (jobs.Job, error)
	Retry(jobID string, sink jobs.Sink) (jobs.Job, error)
}

type Config struct {
	// RegistryTimeout bounds each registry call.
	RegistryTimeout time.Duration

	// CheckOrigin is passed to the websocket upgrader; nil accepts same-origin requests only.
	CheckOrigin func(r *http.Request) bool
}

// Gateway upgrades HTTP requests to provisioning sessions.
type Gateway struct {
	cfg       Config
	catalog   interfaces.PeripheralCatalog
	registry  interfaces.DeviceRegistry
	scheduler Scheduler
	upgrader  websocket.Upgrader
	log       *slog.Logger

	mu       sync.Mutex
	closed   bool
	sessions map[string]*session
	wg       sync.WaitGroup
}

func New(cfg Config, catalog interfaces.PeripheralCatalog, registry interfaces.DeviceRegistry, scheduler Scheduler, log *slog.Logger) *Gateway {
	if cfg.RegistryTimeout <= 0 {
		cfg.RegistryTimeout = DefaultRegistryTimeout
	}
	return &Gateway{
		cfg:       cfg,
		catalog:   catalog,
		registry:  registry,
		scheduler: scheduler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		log:      log,
		sessions: make(map[string]*session),
	}
}

// ServeHTTP upgrades the request and serves the session until the peer
// disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.isClosed() {
		http.Error(w, ErrGatewayClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		g.log.Warn("Failed to upgrade connection", slog.String("remote_addr", r.RemoteAddr), "err", err)
		return
	}

	s := newSession(uuid.NewString(), conn, g)
	if !g.register(s) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ErrGatewayClosed.Error()),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	s.log.Info("Operator connected", slog.String("remote_addr", r.RemoteAddr))

	go func() {
		defer g.wg.Done()
		s.writeLoop()
	}()
	s.readLoop()

	g.mu.Lock()
	delete(g.sessions, s.id)
	g.mu.Unlock()
	s.log.Info("Operator disconnected")
}

// register adds s and counts its writer, unless the gateway is shutting down.
func (g *Gateway) register(s *session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.sessions[s.id] = s
	g.wg.Add(1)
	return true
}

func (g *Gateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Sessions returns the number of connected operators.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Shutdown disconnects every operator, refuses new connections and waits
// for the writers to stop. Jobs keep running; their remaining events are
// dropped.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	for _, s := range g.sessions {
		s.stop()
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
