// Package console provides the local HTTP API over one viewer session.
package console

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaot623/gridview/internal/access"
	"github.com/xiaot623/gridview/internal/backend"
	"github.com/xiaot623/gridview/internal/chat"
	"github.com/xiaot623/gridview/internal/conn"
	"github.com/xiaot623/gridview/internal/discovery"
	"github.com/xiaot623/gridview/internal/domain"
	"github.com/xiaot623/gridview/internal/telemetry"
	"github.com/xiaot623/gridview/internal/view"
	"github.com/xiaot623/gridview/internal/viewer"
)

// Server is the local console HTTP server.
type Server struct {
	echo    *echo.Echo
	session *viewer.Session
	log     *slog.Logger

	// life bounds work that outlives a request, such as session polling.
	life context.Context
	stop context.CancelFunc
}

// NewServer creates a console for session. gatherer backs /metrics and
// may be nil.
func NewServer(session *viewer.Session, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "console")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))

	life, stop := context.WithCancel(context.Background())
	s := &Server{
		echo:    e,
		session: session,
		log:     logger,
		life:    life,
		stop:    stop,
	}

	e.GET("/health", s.handleHealth)
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	e.GET("/chat", s.handleTranscript)
	e.POST("/chat/open", s.handleOpenChat)
	e.POST("/chat/close", s.handleCloseChat)
	e.POST("/chat/send", s.handleSend)
	e.POST("/chat/request-operator", s.handleRequestOperator)
	e.GET("/alerts", s.handleAlerts)

	e.GET("/dashboard", s.handleDashboard)
	e.POST("/dashboard/start", s.handleStartDashboard)
	e.POST("/dashboard/stop", s.handleStopDashboard)
	e.POST("/dashboard/join", s.handleJoin)

	e.GET("/devices", s.handleDevices)
	e.GET("/telemetry", s.handleChart)
	e.POST("/telemetry/open", s.handleOpenDevice)
	e.POST("/telemetry/date", s.handleChangeDate)
	e.POST("/telemetry/close", s.handleCloseDevice)

	e.POST("/logout", s.handleLogout)

	return s
}

// Handler exposes the router, for httptest.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops background work and the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	return s.echo.Shutdown(ctx)
}

// HealthResponse reports the signed-in identity and its push connections.
type HealthResponse struct {
	Status      string                      `json:"status"`
	User        string                      `json:"user"`
	Role        domain.Role                 `json:"role"`
	Connections map[conn.Kind]ConnectionRow `json:"connections"`
}

// ConnectionRow describes one connection slot.
type ConnectionRow struct {
	Active bool   `json:"active"`
	Target string `json:"target,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	id := s.session.Identity()
	m := s.session.Manager()
	resp := HealthResponse{
		Status:      "healthy",
		User:        id.UserID,
		Role:        id.Role,
		Connections: make(map[conn.Kind]ConnectionRow, 2),
	}
	for _, kind := range []conn.Kind{conn.KindConversation, conn.KindTelemetry} {
		row := ConnectionRow{}
		if target, ok := m.Current(kind); ok {
			row = ConnectionRow{Active: true, Target: target.String()}
		}
		resp.Connections[kind] = row
	}
	return c.JSON(http.StatusOK, resp)
}

// fail maps core errors to HTTP statuses.
func (s *Server) fail(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	var cmdErr *backend.CommandError
	var transportErr *conn.TransportError
	switch {
	case errors.Is(err, access.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, viewer.ErrLoggedOut):
		status = http.StatusGone
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrNoTarget),
		errors.Is(err, telemetry.ErrNoView):
		status = http.StatusBadRequest
	case errors.As(err, &cmdErr), errors.As(err, &transportErr):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.log.Warn("request failed", "path", c.Path(), "error", err)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func ok(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// TranscriptResponse is the body of GET /chat.
type TranscriptResponse struct {
	Target  string       `json:"target"`
	Visible bool         `json:"visible"`
	Entries []view.Entry `json:"entries"`
}

func (s *Server) handleTranscript(c echo.Context) error {
	ch := s.session.Chat()
	return c.JSON(http.StatusOK, TranscriptResponse{
		Target:  ch.Target(),
		Visible: ch.Visible(),
		Entries: s.session.Views().Transcript.Entries(),
	})
}

func (s *Server) handleOpenChat(c echo.Context) error {
	if err := s.session.OpenChat(c.Request().Context()); err != nil {
		return s.fail(c, err)
	}
	return ok(c)
}

func (s *Server) handleCloseChat(c echo.Context) error {
	s.session.CloseChat()
	return ok(c)
}

// SendRequest is the body of POST /chat/send.
type SendRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSend(c echo.Context) error {
	var req SendRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := s.session.Send(c.Request().Context(), req.Text); err != nil {
		return s.fail(c, err)
	}
	return ok(c)
}

func (s *Server) handleRequestOperator(c echo.Context) error {
	if err := s.session.RequestOperator(c.Request().Context()); err != nil {
		return s.fail(c, err)
	}
	return ok(c)
}

func (s *Server) handleAlerts(c echo.Context) error {
	return c.JSON(http.StatusOK, s.session.Views().Alerts.Messages())
}

// DashboardRow is one ranked session on the operator dashboard.
type DashboardRow struct {
	domain.Session
	Urgency string `json:"urgency"`
}

// DashboardResponse is the body of GET /dashboard.
type DashboardResponse struct {
	Polling  bool           `json:"polling"`
	Sessions []DashboardRow `json:"sessions"`
	Error    string         `json:"error,omitempty"`
}

func (s *Server) handleDashboard(c echo.Context) error {
	board := s.session.Views().Board
	resp := DashboardResponse{
		Polling:  s.session.Poller().Running(),
		Sessions: []DashboardRow{},
	}
	for _, sess := range board.Sessions() {
		resp.Sessions = append(resp.Sessions, DashboardRow{Session: sess, Urgency: discovery.UrgencyOf(sess).String()})
	}
	if err := board.Err(); err != nil {
		resp.Error = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStartDashboard(c echo.Context) error {
	if err := s.session.StartDashboard(s.life); err != nil {
		return s.fail(c, err)
	}
	return ok(c)
}

func (s *Server) handleStopDashboard(c echo.Context) error {
	s.session.StopDashboard()
	return ok(c)
}

// JoinRequest is the body of POST /dashboard/join.
type JoinRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleJoin(c echo.Context) error {
	var req JoinRequest
	if err := c.Bind(&req); err != nil || req.UserID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
	}
	if err := s.session.Join(c.Request().Context(), req.UserID); err != nil {
		return s.fail(c, err)
	}
	return ok(c)
}

func (s *Server) handleDevices(c echo.Context) error {
	rows, err := s.session.Devices(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, rows)
}

func (s *Server) handleChart(c echo.Context) error {
	return c.JSON(http.StatusOK, s.session.Telemetry().State())
}

// OpenDeviceRequest is the body of POST /telemetry/open. An empty date
// means today.
type OpenDeviceRequest struct {
	OwnerID  string `json:"owner_id"`
	DeviceID string `json:"device_id"`
	Date     string `json:"date"`
}

func (s *Server) handleOpenDevice(c echo.Context) error {
	var req OpenDeviceRequest
	if err := c.Bind(&req); err != nil || req.DeviceID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "device_id is required"})
	}
	var date domain.Date
	if req.Date != "" {
		d, err := domain.ParseDate(req.Date)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		date = d
	}
	if err := s.session.OpenDevice(c.Request().Context(), req.OwnerID, req.DeviceID, date); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, s.session.Telemetry().State())
}

// ChangeDateRequest is the body of POST /telemetry/date.
type ChangeDateRequest struct {
	Date string `json:"date"`
}

func (s *Server) handleChangeDate(c echo.Context) error {
	var req ChangeDateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	date, err := domain.ParseDate(req.Date)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err := s.session.ChangeDate(c.Request().Context(), date); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, s.session.Telemetry().State())
}

func (s *Server) handleCloseDevice(c echo.Context) error {
	s.session.CloseDevice()
	return ok(c)
}

func (s *Server) handleLogout(c echo.Context) error {
	s.session.Logout()
	s.stop()
	return ok(c)
}
