// Package devstub is a local stand-in for the platform's external
// services: the chat service with its rule-based assistant, the
// monitoring service, the device catalog, the websocket fan-out and a
// token issuer. It backs end-to-end tests and local runs of the viewer.
package devstub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gridview/internal/domain"
	"github.com/xiaot623/gridview/internal/protocol"
)

type Options struct {
	Store *Store
	// Issuer, when set, enables /auth/token and requires a valid bearer
	// token on every service route.
	Issuer   *TokenIssuer
	Location *time.Location
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Server is the stub's HTTP and websocket surface.
type Server struct {
	echo   *echo.Echo
	hub    *Hub
	store  *Store
	issuer *TokenIssuer
	loc    *time.Location
	clock  clockwork.Clock
	log    *slog.Logger
}

func NewServer(opts Options) *Server {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "devstub")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "error", v.Error)
			return nil
		},
	}))

	s := &Server{
		echo:   e,
		hub:    NewHub(logger),
		store:  opts.Store,
		issuer: opts.Issuer,
		loc:    opts.Location,
		clock:  opts.Clock,
		log:    logger,
	}

	e.GET("/health", s.handleHealth)
	if s.issuer != nil {
		e.POST("/auth/token", s.handleIssueToken)
	}

	api := e.Group("", s.requireToken)
	api.POST("/chat/message", s.handleChatMessage)
	api.POST("/chat/request-admin", s.handleRequestAdmin)
	api.POST("/chat/join", s.handleJoin)
	api.GET("/chat/sessions", s.handleSessions)
	api.GET("/chat/history/:user_id", s.handleHistory)

	api.GET("/monitoring/history/:device_id", s.handleDailyHistory)
	api.POST("/monitoring/measurements", s.handleMeasurement)

	api.GET("/devices", s.handleListDevices)
	api.POST("/devices", s.handleCreateDevice)
	api.DELETE("/devices/:device_id", s.handleDeleteDevice)
	api.GET("/devices/user/:user_id", s.handleUserDevices)
	api.GET("/devices/user-mapping/:device_id", s.handleDeviceOwner)
	api.PUT("/devices/:device_id/owner", s.handleAssignDevice)

	e.GET("/ws/chat/:user_id", s.handleChatSocket)
	e.GET("/ws/:user_id/:device_id", s.handleDeviceSocket)

	return s
}

// Handler exposes the router, for httptest.
func (s *Server) Handler() http.Handler { return s.echo }

// Hub returns the push fan-out.
func (s *Server) Hub() *Hub { return s.hub }

// Run starts the hub loop; it returns when ctx is done.
func (s *Server) Run(ctx context.Context) { s.hub.Run(ctx) }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.issuer == nil {
			return next(c)
		}
		if _, err := s.issuer.Verify(c.Request().Header.Get("Authorization")); err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
		}
		return next(c)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "healthy",
		"connections": s.hub.ConnectionCount(),
	})
}

// TokenRequest is the body of POST /auth/token.
type TokenRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (s *Server) handleIssueToken(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil || req.UserID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
	}
	role := domain.RoleCustomer
	if req.Role == string(domain.RoleOperator) || req.Role == domain.ScopeAdmin {
		role = domain.RoleOperator
	}
	token, err := s.issuer.Issue(req.UserID, role, s.clock.Now())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}

// ChatPayload is the chat push payload, also used for the message command.
type ChatPayload struct {
	UserID string `json:"user_id"`
	Type   string `json:"type,omitempty"`
	Text   string `json:"text"`
	Sender string `json:"sender"`
}

func statusError(c echo.Context, msg string) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "error", "message": msg})
}

func (s *Server) publishChat(userID, sender, text string) {
	payload := ChatPayload{UserID: userID, Type: protocol.TypeChat, Text: text, Sender: sender}
	if err := s.hub.PublishJSON(chatTopic(userID), payload); err != nil {
		s.log.Warn("chat publish failed", "user", userID, "error", err)
	}
}

func (s *Server) handleChatMessage(c echo.Context) error {
	var req ChatPayload
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.UserID == "" || req.Text == "" {
		return statusError(c, "Missing user_id or text")
	}
	if req.Sender == "" {
		req.Sender = "user"
	}
	sender, ok := domain.ParseSender(req.Sender)
	if !ok {
		return statusError(c, "Invalid sender")
	}

	ctx := c.Request().Context()
	if err := s.store.AppendMessage(ctx, req.UserID, req.Sender, req.Text, s.clock.Now()); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	s.publishChat(req.UserID, req.Sender, req.Text)

	if sender == domain.SenderCustomer {
		joined, err := s.store.AdminJoined(ctx, req.UserID)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		if !joined {
			reply := Reply(req.Text)
			if err := s.store.AppendMessage(ctx, req.UserID, string(domain.SenderAssistant), reply, s.clock.Now()); err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
			}
			s.publishChat(req.UserID, string(domain.SenderAssistant), reply)
		}
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "sent"})
}

type subjectBody struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleRequestAdmin(c echo.Context) error {
	var req subjectBody
	if err := c.Bind(&req); err != nil || req.UserID == "" {
		return statusError(c, "Missing user_id")
	}
	ctx := c.Request().Context()
	now := s.clock.Now()
	if err := s.store.RequestAdmin(ctx, req.UserID, now); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if err := s.store.AppendSystemMessage(ctx, req.UserID, noticeAdminRequested, now); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	s.publishChat(req.UserID, string(domain.SenderSystem), noticeAdminRequested)
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleJoin(c echo.Context) error {
	var req subjectBody
	if err := c.Bind(&req); err != nil || req.UserID == "" {
		return statusError(c, "Missing user_id")
	}
	ctx := c.Request().Context()
	if err := s.store.JoinAdmin(ctx, req.UserID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return statusError(c, "Session not found")
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if err := s.store.AppendSystemMessage(ctx, req.UserID, noticeAdminJoined, s.clock.Now()); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	s.publishChat(req.UserID, string(domain.SenderSystem), noticeAdminJoined)
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessions(c echo.Context) error {
	sessions, err := s.store.ListSessions(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) handleHistory(c echo.Context) error {
	messages, err := s.store.History(c.Request().Context(), c.Param("user_id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, messages)
}

func (s *Server) handleDailyHistory(c echo.Context) error {
	date, err := domain.ParseDate(c.QueryParam("date"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	values, err := s.store.DailyConsumption(c.Request().Context(), c.Param("device_id"), date)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, values)
}

// handleMeasurement ingests one sample the way the monitoring service
// consumes the device queue: samples for a device not mapped to the
// sending user are dropped, accepted ones are stored and pushed.
func (s *Server) handleMeasurement(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	sample, err := protocol.ParseSample(body, s.loc)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	sample.Timestamp = sample.Timestamp.In(s.loc)

	ctx := c.Request().Context()
	device, owner, err := s.store.GetDevice(ctx, sample.DeviceID)
	if errors.Is(err, ErrNotFound) || (err == nil && owner != sample.OwnerID) {
		s.log.Info("measurement dropped, device not mapped to user", "device", sample.DeviceID, "user", sample.OwnerID)
		return c.JSON(http.StatusOK, map[string]any{"accepted": false})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	if err := s.store.RecordMeasurement(ctx, sample); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	payload := map[string]any{
		"device_id":         sample.DeviceID,
		"user_id":           sample.OwnerID,
		"timestamp":         sample.Timestamp.Format(measurementLayout),
		"measurement_value": sample.Value,
	}
	if err := s.hub.PublishJSON(deviceTopic(sample.DeviceID), payload); err != nil {
		s.log.Warn("measurement publish failed", "device", sample.DeviceID, "error", err)
	}

	if device.Consumption > 0 && sample.Value > float64(device.Consumption) {
		alert := map[string]string{
			"type":    protocol.TypeAlert,
			"message": fmt.Sprintf("Device %s exceeded its limit: %.2f > %d", device.Name, sample.Value, device.Consumption),
		}
		if err := s.hub.PublishJSON(chatTopic(owner), alert); err != nil {
			s.log.Warn("alert publish failed", "device", sample.DeviceID, "error", err)
		}
	}

	return c.JSON(http.StatusOK, map[string]any{"accepted": true})
}

func (s *Server) handleListDevices(c echo.Context) error {
	devices, err := s.store.ListDevices(c.Request().Context(), "")
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, devices)
}

func (s *Server) handleUserDevices(c echo.Context) error {
	devices, err := s.store.ListDevices(c.Request().Context(), c.Param("user_id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, devices)
}

func (s *Server) handleCreateDevice(c echo.Context) error {
	var d domain.Device
	if err := c.Bind(&d); err != nil || strings.TrimSpace(d.Name) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "name is required"})
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if err := s.store.CreateDevice(c.Request().Context(), d); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, d)
}

func (s *Server) handleDeleteDevice(c echo.Context) error {
	err := s.store.DeleteDevice(c.Request().Context(), c.Param("device_id"))
	if errors.Is(err, ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "device not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

// handleDeviceOwner answers with the bare owner id, or an empty body.
func (s *Server) handleDeviceOwner(c echo.Context) error {
	_, owner, err := s.store.GetDevice(c.Request().Context(), c.Param("device_id"))
	if errors.Is(err, ErrNotFound) {
		return c.String(http.StatusOK, "")
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.String(http.StatusOK, owner)
}

func (s *Server) handleAssignDevice(c echo.Context) error {
	var req subjectBody
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	err := s.store.AssignDevice(c.Request().Context(), c.Param("device_id"), req.UserID)
	if errors.Is(err, ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "device not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}
