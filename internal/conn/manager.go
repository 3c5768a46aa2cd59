// Package conn owns the viewer's push connections: at most one
// conversation connection and one telemetry connection at any time.
package conn

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xiaot623/gridview/internal/metrics"
)

// Kind names a connection slot.
type Kind string

const (
	KindConversation Kind = "conversation"
	KindTelemetry    Kind = "telemetry"
)

// Target scopes a connection: a subject for conversations, an
// (owner, device) pair for telemetry.
type Target struct {
	SubjectID string
	OwnerID   string
	DeviceID  string
}

// ConversationTarget returns the target for a subject's conversation.
func ConversationTarget(subjectID string) Target {
	return Target{SubjectID: subjectID}
}

// TelemetryTarget returns the target for a device's telemetry stream.
func TelemetryTarget(ownerID, deviceID string) Target {
	return Target{OwnerID: ownerID, DeviceID: deviceID}
}

// Path returns the websocket service route for the target.
func (t Target) Path(kind Kind) string {
	if kind == KindTelemetry {
		return "/ws/" + url.PathEscape(t.OwnerID) + "/" + url.PathEscape(t.DeviceID)
	}
	return "/ws/chat/" + url.PathEscape(t.SubjectID)
}

func (t Target) String() string {
	if t.DeviceID != "" {
		return t.OwnerID + "/" + t.DeviceID
	}
	return t.SubjectID
}

// Handler receives each payload read from a connection. It is called
// from the connection's read goroutine, one payload at a time, and only
// while the connection still occupies its slot.
type Handler func(data []byte)

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// TransportError reports a connection that could not open or dropped.
type TransportError struct {
	Kind   Kind
	Target Target
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s connection to %s failed: %v", e.Kind, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Options configures a Manager.
type Options struct {
	BaseURL        string
	Header         http.Header
	Dialer         Dialer
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// OnTransportFailure is called when a connection fails to open or
	// drops. The slot is already empty when it runs.
	OnTransportFailure func(kind Kind, err error)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Connection is a single live push connection.
type Connection struct {
	ID     string
	Kind   Kind
	Target Target

	ws        *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
}

// Manager owns the connection slots of one viewer session.
type Manager struct {
	opts Options
	log  *slog.Logger

	// openMu serializes Open per kind so concurrent swaps leave exactly
	// one survivor.
	openMu map[Kind]*sync.Mutex

	mu    sync.Mutex
	slots map[Kind]*Connection
}

// NewManager creates a manager with empty slots.
func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts: opts,
		log:  logger.With("component", "conn"),
		openMu: map[Kind]*sync.Mutex{
			KindConversation: {},
			KindTelemetry:    {},
		},
		slots: make(map[Kind]*Connection),
	}
}

// Open closes any connection of kind, then dials a new one scoped to
// target. On failure the slot is left empty, OnTransportFailure fires
// and a *TransportError is returned. Nothing is retried.
func (m *Manager) Open(ctx context.Context, kind Kind, target Target, handler Handler) error {
	lock, ok := m.openMu[kind]
	if !ok {
		return fmt.Errorf("unknown connection kind %q", kind)
	}
	lock.Lock()
	defer lock.Unlock()

	m.Close(kind)

	endpoint := strings.TrimSuffix(m.opts.BaseURL, "/") + target.Path(kind)
	ws, _, err := m.opts.Dialer.DialContext(ctx, endpoint, m.opts.Header)
	if err != nil {
		terr := &TransportError{Kind: kind, Target: target, Err: err}
		m.reportFailure(terr)
		return terr
	}
	if m.opts.MaxMessageSize > 0 {
		ws.SetReadLimit(m.opts.MaxMessageSize)
	}

	c := &Connection{
		ID:     uuid.New().String(),
		Kind:   kind,
		Target: target,
		ws:     ws,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.slots[kind] = c
	m.mu.Unlock()
	m.opts.Metrics.ConnectionOpened(string(kind))

	go m.pingPump(c)
	go m.readPump(c, handler)

	m.log.Info("push connection opened", "kind", kind, "target", target.String(), "id", c.ID)
	return nil
}

// Close tears down the connection of kind, if any. Safe to call on an
// empty slot.
func (m *Manager) Close(kind Kind) {
	m.mu.Lock()
	c := m.slots[kind]
	delete(m.slots, kind)
	m.mu.Unlock()

	if c == nil {
		return
	}
	c.shutdown(m.opts.WriteTimeout)
	m.opts.Metrics.ConnectionClosed(string(kind))
	m.log.Info("push connection closed", "kind", kind, "target", c.Target.String(), "id", c.ID)
}

// CloseAll closes every slot.
func (m *Manager) CloseAll() {
	m.Close(KindConversation)
	m.Close(KindTelemetry)
}

// Active reports whether kind has a live connection.
func (m *Manager) Active(kind Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[kind] != nil
}

// Current returns the target of the live connection of kind.
func (m *Manager) Current(kind Kind) (Target, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.slots[kind]
	if c == nil {
		return Target{}, false
	}
	return c.Target, true
}

func (m *Manager) isCurrent(c *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[c.Kind] == c
}

// detach clears c from its slot if it still occupies it.
func (m *Manager) detach(c *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slots[c.Kind] != c {
		return false
	}
	delete(m.slots, c.Kind)
	return true
}

func (m *Manager) reportFailure(err *TransportError) {
	m.opts.Metrics.TransportFailure(string(err.Kind))
	m.log.Warn("push connection failed", "kind", err.Kind, "target", err.Target.String(), "error", err.Err)
	if m.opts.OnTransportFailure != nil {
		m.opts.OnTransportFailure(err.Kind, err)
	}
}

// readPump delivers payloads until the connection ends. A drop that was
// not requested through Close clears the slot and is reported.
func (m *Manager) readPump(c *Connection, handler Handler) {
	_ = c.ws.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if m.detach(c) {
				c.shutdown(m.opts.WriteTimeout)
				m.opts.Metrics.ConnectionClosed(string(c.Kind))
				m.reportFailure(&TransportError{Kind: c.Kind, Target: c.Target, Err: err})
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))

		if !m.isCurrent(c) {
			return
		}
		if handler != nil {
			handler(data)
		}
	}
}

// pingPump keeps the connection alive. Push connections carry no data
// frames from the viewer, so pings are the only writes besides close.
func (m *Manager) pingPump(c *Connection) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(m.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				m.log.Debug("ping failed", "kind", c.Kind, "id", c.ID, "error", err)
				return
			}
		}
	}
}

func (c *Connection) shutdown(writeTimeout time.Duration) {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		_ = c.ws.Close()
	})
}
