// Package debugsrv exposes a loopback-only HTTP+WebSocket
// introspection server over the live object registry, connected
// Bluetooth devices, and stream states (SPEC_FULL.md ambient stack:
// test tooling / operability surface beyond spec.md's core scope).
package debugsrv

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const writeTimeout = 5 * time.Second

// ObjectSnapshot is one registry global's read-only view.
type ObjectSnapshot struct {
	ID         uint32            `json:"id"`
	Type       string            `json:"type"`
	Version    uint32            `json:"version"`
	Properties map[string]string `json:"properties"`
}

// DeviceSnapshot is one Bluetooth device's read-only view.
type DeviceSnapshot struct {
	Path              string `json:"path"`
	Address           string `json:"address"`
	Profiles          uint32 `json:"profiles"`
	ConnectedProfiles uint32 `json:"connected_profiles"`
	CurrentProfile    string `json:"current_profile"`
	SwitchingCodec    bool   `json:"switching_codec"`
}

// StreamSnapshot is one stream's read-only view.
type StreamSnapshot struct {
	ID    uint32 `json:"id"`
	State string `json:"state"`
}

// Event is pushed to every connected /debug/events subscriber.
type Event struct {
	Kind string `json:"kind"`
	Body any    `json:"body"`
}

// Server serves the introspection endpoints. Each accessor is
// supplied by the caller (Context, Bluetooth monitor, stream table)
// so this package has no compile-time dependency on them, matching
// the teacher's ws.Handler taking a *core.ChannelState rather than
// owning connection state itself.
type Server struct {
	log *slog.Logger

	objects   func() []ObjectSnapshot
	btDevices func() []DeviceSnapshot
	streams   func() []StreamSnapshot

	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers map[chan Event]struct{}
}

// New returns a Server; any accessor may be nil, in which case its
// endpoint returns a JSON null body.
func New(log *slog.Logger, objects func() []ObjectSnapshot, btDevices func() []DeviceSnapshot, streams func() []StreamSnapshot) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:         log,
		objects:     objects,
		btDevices:   btDevices,
		streams:     streams,
		upgrader:    websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }},
		subscribers: make(map[chan Event]struct{}),
	}
}

// Register binds the introspection routes on an Echo router.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/objects", s.handleObjects)
	e.GET("/bluetooth/devices", s.handleDevices)
	e.GET("/streams", s.handleStreams)
	e.GET("/debug/events", s.handleEvents)
}

func (s *Server) handleObjects(c echo.Context) error {
	var out []ObjectSnapshot
	if s.objects != nil {
		out = s.objects()
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleDevices(c echo.Context) error {
	var out []DeviceSnapshot
	if s.btDevices != nil {
		out = s.btDevices()
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleStreams(c echo.Context) error {
	var out []StreamSnapshot
	if s.streams != nil {
		out = s.streams()
	}
	return c.JSON(http.StatusOK, out)
}

// handleEvents upgrades to a websocket and streams every PublishEvent
// call until the client disconnects, mirroring the teacher's
// per-session send-loop in ws/handler.go.
func (s *Server) handleEvents(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Debug("debugsrv: websocket upgrade failed", "err", err)
		return err
	}
	defer conn.Close()

	ch := make(chan Event, 32)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
	}()

	go s.drainIncoming(conn)

	for ev := range ch {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			s.log.Debug("debugsrv: websocket write error", "err", err)
			return nil
		}
	}
	return nil
}

// drainIncoming discards any client-sent frames (this endpoint is
// push-only) until the connection closes, which unblocks the read
// side so the websocket library notices the disconnect.
func (s *Server) drainIncoming(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// PublishEvent fans an event out to every connected subscriber,
// dropping it for a subscriber whose buffer is full rather than
// blocking the publisher.
func (s *Server) PublishEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			s.log.Debug("debugsrv: dropping event for a slow subscriber", "kind", ev.Kind)
		}
	}
}

// Shutdown closes every subscriber channel so in-flight
// handleEvents calls return.
func (s *Server) Shutdown(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = make(map[chan Event]struct{})
}
