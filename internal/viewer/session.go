// Package viewer assembles one viewer session: the connection manager,
// suppression table, conversation channel, session poller and telemetry
// aggregator owned by a single signed-in user.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/xiaot623/gridview/internal/access"
	"github.com/xiaot623/gridview/internal/auth"
	"github.com/xiaot623/gridview/internal/chat"
	"github.com/xiaot623/gridview/internal/config"
	"github.com/xiaot623/gridview/internal/conn"
	"github.com/xiaot623/gridview/internal/discovery"
	"github.com/xiaot623/gridview/internal/domain"
	"github.com/xiaot623/gridview/internal/metrics"
	"github.com/xiaot623/gridview/internal/ownership"
	"github.com/xiaot623/gridview/internal/suppress"
	"github.com/xiaot623/gridview/internal/telemetry"
	"github.com/xiaot623/gridview/internal/view"
)

var ErrLoggedOut = errors.New("session logged out")

// Backend is everything the session asks of the collaborators.
type Backend interface {
	chat.Commands
	discovery.Sessions
	telemetry.History
	ownership.Lookup
	UserDevices(ctx context.Context, userID string) ([]domain.Device, error)
	Devices(ctx context.Context) ([]domain.Device, error)
}

// Views are the render targets. Nil fields get fresh in-memory sinks.
type Views struct {
	Transcript *view.Transcript
	Alerts     *view.Alerts
	Board      *view.Board
	Chart      *view.Chart
}

type Options struct {
	Identity auth.Identity
	Config   *config.Config
	Backend  Backend
	Policy   *access.Engine
	Views    Views
	Clock    clockwork.Clock
	Dialer   conn.Dialer
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// DeviceRow is one line of a device table.
type DeviceRow struct {
	domain.Device
	OwnerID string `json:"owner_id"`
}

// Session is one signed-in viewer.
type Session struct {
	ID       string
	identity auth.Identity
	cfg      *config.Config
	loc      *time.Location
	clock    clockwork.Clock
	backend  Backend
	policy   *access.Engine
	views    Views
	log      *slog.Logger

	manager   *conn.Manager
	table     *suppress.Table
	chat      *chat.Channel
	poller    *discovery.Poller
	telemetry *telemetry.Aggregator
	resolver  *ownership.Resolver

	mu         sync.Mutex
	loggedOut  bool
	logoutOnce sync.Once
}

// New wires a session. Nothing is opened until a panel is shown.
func New(opts Options) (*Session, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Backend == nil {
		return nil, errors.New("viewer: backend is required")
	}
	if opts.Identity.UserID == "" {
		return nil, auth.ErrNoUserID
	}
	loc, err := opts.Config.Location()
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Policy == nil {
		opts.Policy, err = access.NewEngine(context.Background(), "")
		if err != nil {
			return nil, err
		}
	}
	if opts.Views.Transcript == nil {
		opts.Views.Transcript = view.NewTranscript(nil)
	}
	if opts.Views.Alerts == nil {
		opts.Views.Alerts = view.NewAlerts(nil)
	}
	if opts.Views.Board == nil {
		opts.Views.Board = view.NewBoard(nil)
	}
	if opts.Views.Chart == nil {
		opts.Views.Chart = view.NewChart(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.New().String()
	s := &Session{
		ID:       id,
		identity: opts.Identity,
		cfg:      opts.Config,
		loc:      loc,
		clock:    opts.Clock,
		backend:  opts.Backend,
		policy:   opts.Policy,
		views:    opts.Views,
		log:      logger.With("session", id, "user", opts.Identity.UserID, "role", string(opts.Identity.Role)),
	}

	header := http.Header{}
	if opts.Identity.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Identity.Token)
	}
	s.manager = conn.NewManager(conn.Options{
		BaseURL:            opts.Config.WSURL,
		Header:             header,
		Dialer:             opts.Dialer,
		PingInterval:       opts.Config.PingInterval(),
		WriteTimeout:       opts.Config.WriteTimeout(),
		ReadTimeout:        opts.Config.ReadTimeout(),
		MaxMessageSize:     int64(opts.Config.MaxMessageSize),
		OnTransportFailure: s.onTransportFailure,
		Logger:             s.log,
		Metrics:            opts.Metrics,
	})
	s.table = suppress.New(opts.Clock, opts.Config.EchoTTL())

	role := opts.Identity.Role
	s.chat = chat.New(chat.Options{
		Role:       role,
		SelfID:     opts.Identity.UserID,
		Conns:      s.manager,
		Table:      s.table,
		Commands:   opts.Backend,
		Transcript: opts.Views.Transcript,
		Alerts:     opts.Views.Alerts,
		Policy:     opts.Policy,
		Clock:      opts.Clock,
		Logger:     s.log,
		Metrics:    opts.Metrics,
	})
	s.poller = discovery.New(discovery.Options{
		Role:     role,
		Sessions: opts.Backend,
		Board:    opts.Views.Board,
		Chat:     s.chat,
		Policy:   opts.Policy,
		Clock:    opts.Clock,
		Interval: opts.Config.PollInterval(),
		Logger:   s.log,
		Metrics:  opts.Metrics,
	})
	s.telemetry = telemetry.New(telemetry.Options{
		Role:     role,
		Conns:    s.manager,
		History:  opts.Backend,
		Chart:    opts.Views.Chart,
		Policy:   opts.Policy,
		Location: loc,
		Logger:   s.log,
		Metrics:  opts.Metrics,
	})
	s.resolver = ownership.NewResolver(opts.Backend, opts.Config.OwnershipConcurrency, s.log)

	return s, nil
}

func (s *Session) Identity() auth.Identity { return s.identity }
func (s *Session) Views() Views { return s.views }
func (s *Session) Chat() *chat.Channel { return s.chat }
func (s *Session) Poller() *discovery.Poller { return s.poller }
func (s *Session) Telemetry() *telemetry.Aggregator { return s.telemetry }
func (s *Session) Manager() *conn.Manager { return s.manager }
func (s *Session) Location() *time.Location { return s.loc }

// Today is the current calendar day in the viewer's location.
func (s *Session) Today() domain.Date {
	return domain.DateOf(s.clock.Now(), s.loc)
}

// OpenChat shows the conversation panel.
func (s *Session) OpenChat(ctx context.Context) error {
	if err := s.live(); err != nil {
		return err
	}
	return loggedOutIf(s.chat.Show(ctx), chat.ErrClosed)
}

// CloseChat hides the conversation panel.
func (s *Session) CloseChat() { s.chat.Hide() }

func (s *Session) Send(ctx context.Context, text string) error {
	if err := s.live(); err != nil {
		return err
	}
	return s.chat.Send(ctx, text)
}

func (s *Session) RequestOperator(ctx context.Context) error {
	if err := s.live(); err != nil {
		return err
	}
	return s.chat.RequestOperator(ctx)
}

// StartDashboard starts session discovery. Operators only.
func (s *Session) StartDashboard(ctx context.Context) error {
	if err := s.live(); err != nil {
		return err
	}
	return loggedOutIf(s.poller.Start(ctx), discovery.ErrClosed)
}

// StopDashboard stops session discovery.
func (s *Session) StopDashboard() { s.poller.Stop() }

// Join takes over a customer's conversation.
func (s *Session) Join(ctx context.Context, subjectID string) error {
	if err := s.live(); err != nil {
		return err
	}
	return loggedOutIf(s.poller.Join(ctx, subjectID), chat.ErrClosed)
}

// OpenDevice shows the device detail chart. Customers always view their
// own devices; a zero date means today.
func (s *Session) OpenDevice(ctx context.Context, ownerID, deviceID string, date domain.Date) error {
	if err := s.live(); err != nil {
		return err
	}
	if s.identity.Role == domain.RoleCustomer || ownerID == "" {
		ownerID = s.identity.UserID
	}
	if date.IsZero() {
		date = s.Today()
	}
	return loggedOutIf(s.telemetry.OpenView(ctx, ownerID, deviceID, date), telemetry.ErrClosed)
}

func (s *Session) ChangeDate(ctx context.Context, date domain.Date) error {
	if err := s.live(); err != nil {
		return err
	}
	return s.telemetry.ChangeDate(ctx, date)
}

func (s *Session) CloseDevice() { s.telemetry.CloseView() }

// Devices lists the viewer's device table. Customers see their own
// devices; operators see the full catalog with owners resolved per
// device.
func (s *Session) Devices(ctx context.Context) ([]DeviceRow, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	if s.identity.Role == domain.RoleCustomer {
		devices, err := s.backend.UserDevices(ctx, s.identity.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to list devices: %w", err)
		}
		rows := make([]DeviceRow, len(devices))
		for i, d := range devices {
			rows[i] = DeviceRow{Device: d, OwnerID: s.identity.UserID}
		}
		return rows, nil
	}

	if err := s.policy.Check(ctx, s.identity.Role, access.ActionListAllDevices); err != nil {
		return nil, err
	}
	devices, err := s.backend.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}
	owners := s.resolver.Resolve(ctx, ids)
	rows := make([]DeviceRow, len(devices))
	for i, d := range devices {
		rows[i] = DeviceRow{Device: d, OwnerID: owners[i].OwnerID}
	}
	return rows, nil
}

// Logout stops polling, closes every connection and cancels pending
// suppression timers. Operations already in flight cannot reopen a
// connection afterwards. Safe to call more than once.
func (s *Session) Logout() {
	s.logoutOnce.Do(func() {
		s.mu.Lock()
		s.loggedOut = true
		s.mu.Unlock()

		s.poller.Close()
		s.chat.Close()
		s.telemetry.Close()
		s.manager.CloseAll()
		s.table.Close()
		s.log.Info("viewer logged out")
	})
}

// loggedOutIf reports err as ErrLoggedOut when a component refused
// because logout shut it down.
func loggedOutIf(err, closed error) error {
	if errors.Is(err, closed) {
		return ErrLoggedOut
	}
	return err
}

func (s *Session) live() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loggedOut {
		return ErrLoggedOut
	}
	return nil
}

func (s *Session) onTransportFailure(kind conn.Kind, err error) {
	switch kind {
	case conn.KindConversation:
		s.views.Alerts.Alert("Conversation connection lost: " + err.Error())
	case conn.KindTelemetry:
		s.views.Alerts.Alert("Live telemetry connection lost: " + err.Error())
	}
}
