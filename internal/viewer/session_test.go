package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gridview/internal/access"
	"github.com/xiaot623/gridview/internal/auth"
	"github.com/xiaot623/gridview/internal/backend"
	"github.com/xiaot623/gridview/internal/config"
	"github.com/xiaot623/gridview/internal/conn"
	"github.com/xiaot623/gridview/internal/devstub"
	"github.com/xiaot623/gridview/internal/devstub/stubtest"
	"github.com/xiaot623/gridview/internal/domain"
	"github.com/xiaot623/gridview/internal/view"
)

// callGate holds a backend call until released.
type callGate struct {
	entered chan struct{}
	release chan struct{}
}

func newCallGate() *callGate {
	return &callGate{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *callGate) wait() {
	if g == nil {
		return
	}
	g.entered <- struct{}{}
	<-g.release
}

// countingBackend counts session queries on top of the real client and
// can hold join and history calls.
type countingBackend struct {
	*backend.Client
	polls       atomic.Int32
	joinGate    *callGate
	historyGate *callGate
}

func (b *countingBackend) ListSessions(ctx context.Context) ([]domain.Session, error) {
	b.polls.Add(1)
	return b.Client.ListSessions(ctx)
}

func (b *countingBackend) JoinConversation(ctx context.Context, subjectID string) error {
	b.joinGate.wait()
	return b.Client.JoinConversation(ctx, subjectID)
}

func (b *countingBackend) HourlyHistory(ctx context.Context, deviceID string, date domain.Date) ([]domain.HourlyValue, error) {
	b.historyGate.wait()
	return b.Client.HourlyHistory(ctx, deviceID, date)
}

func testConfig(stub *stubtest.Stub) *config.Config {
	cfg := config.Default()
	cfg.WSURL = stub.WSURL()
	cfg.TimeZone = "UTC"
	return cfg
}

func newTestSession(t *testing.T, stub *stubtest.Stub, userID string, role domain.Role, c clockwork.Clock) (*Session, *countingBackend) {
	t.Helper()
	be := &countingBackend{Client: backend.NewClient(stub.Endpoints(), "", 5*time.Second)}
	s, err := New(Options{
		Identity: auth.Identity{UserID: userID, Role: role},
		Config:   testConfig(stub),
		Backend:  be,
		Clock:    c,
	})
	require.NoError(t, err)
	t.Cleanup(s.Logout)
	return s, be
}

func waitConnections(t *testing.T, stub *stubtest.Stub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return stub.Hub().ConnectionCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func entryTexts(entries []view.Entry) []string {
	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.Message.Text
	}
	return texts
}

func TestCustomerSendIsRenderedOnce(t *testing.T) {
	stub := stubtest.Start(t, devstub.Options{})
	s, _ := newTestSession(t, stub, "u1", domain.RoleCustomer, nil)
	ctx := context.Background()

	require.NoError(t, s.OpenChat(ctx))
	waitConnections(t, stub, 1)

	require.NoError(t, s.Send(ctx, "hello"))

	transcript := s.Views().Transcript
	require.Eventually(t, func() bool { return len(transcript.Entries()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return len(transcript.Entries()) > 2 }, 200*time.Millisecond, 20*time.Millisecond)

	entries := transcript.Entries()
	assert.True(t, entries[0].Self)
	assert.Equal(t, "hello", entries[0].Message.Text)
	assert.Equal(t, domain.SenderAssistant, entries[1].Message.Sender)
	assert.Equal(t, devstub.Reply("hello"), entries[1].Message.Text)
}

func TestOperatorJoinsFromDashboard(t *testing.T) {
	stub := stubtest.Start(t, devstub.Options{})
	ctx := context.Background()
	require.NoError(t, stub.Store.AppendMessage(ctx, "u1", "user", "anyone there?", time.Now()))
	require.NoError(t, stub.Store.RequestAdmin(ctx, "u1", time.Now()))

	fake := clockwork.NewFakeClockAt(time.Now())
	op, _ := newTestSession(t, stub, "op1", domain.RoleOperator, fake)

	require.NoError(t, op.StartDashboard(ctx))
	board := op.Views().Board
	require.Eventually(t, func() bool { return len(board.Sessions()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, board.Sessions()[0].AdminRequested)

	require.NoError(t, op.Join(ctx, "u1"))
	assert.Equal(t, "u1", op.Chat().Target())
	waitConnections(t, stub, 1)

	transcript := op.Views().Transcript
	history := transcript.Entries()
	require.NotEmpty(t, history)
	assert.True(t, history[0].History)
	assert.Equal(t, "anyone there?", history[0].Message.Text)
	before := len(history)

	require.NoError(t, op.Send(ctx, "on it"))
	customer := backend.NewClient(stub.Endpoints(), "", 5*time.Second)
	require.NoError(t, customer.SubmitMessage(ctx, "u1", "thanks", domain.SenderCustomer))

	require.Eventually(t, func() bool { return len(transcript.Entries()) == before+2 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return len(transcript.Entries()) > before+2 }, 200*time.Millisecond, 20*time.Millisecond)

	texts := entryTexts(transcript.Entries()[before:])
	assert.Equal(t, []string{"on it", "thanks"}, texts)
}

func TestCustomerCannotUseDashboard(t *testing.T) {
	stub := stubtest.Start(t, devstub.Options{})
	s, be := newTestSession(t, stub, "u1", domain.RoleCustomer, clockwork.NewFakeClockAt(time.Now()))

	assert.ErrorIs(t, s.StartDashboard(context.Background()), access.ErrForbidden)
	assert.ErrorIs(t, s.Join(context.Background(), "u2"), access.ErrForbidden)
	assert.Zero(t, be.polls.Load())
}

func TestLiveSampleMergesIntoChart(t *testing.T) {
	stub := stubtest.Start(t, devstub.Options{Location: time.UTC})
	ctx := context.Background()
	require.NoError(t, stub.Store.CreateDevice(ctx, domain.Device{ID: "d1", Name: "Heater", Consumption: 100}))
	require.NoError(t, stub.Store.AssignDevice(ctx, "d1", "u1"))

	now := time.Now().UTC()
	require.NoError(t, stub.Store.RecordMeasurement(ctx, domain.Sample{DeviceID: "d1", OwnerID: "u1", Timestamp: now, Value: 1.5}))

	s, _ := newTestSession(t, stub, "u1", domain.RoleCustomer, nil)
	require.NoError(t, s.OpenDevice(ctx, "someone-else", "d1", domain.Date{}))
	waitConnections(t, stub, 1)

	state := s.Telemetry().State()
	assert.Equal(t, "u1", state.OwnerID)
	assert.Equal(t, domain.DateOf(now, time.UTC).String(), state.Date)
	assert.Equal(t, 1.5, state.Buckets[now.Hour()])

	body, err := json.Marshal(map[string]any{
		"device_id": "d1",
		"user_id":   "u1",
		"timestamp": now.Format("2006-01-02 15:04:05"),
		"value":     0.25,
	})
	require.NoError(t, err)
	resp, err := http.Post(stub.URL()+"/monitoring/measurements", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	require.Eventually(t, func() bool { return s.Telemetry().Current() == 0.25 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.75, s.Telemetry().Buckets()[now.Hour()])
	assert.Equal(t, 1.75, s.Views().Chart.State().Buckets[now.Hour()])
}

func TestDeviceTableResolvesOwners(t *testing.T) {
	stub := stubtest.Start(t, devstub.Options{})
	ctx := context.Background()
	require.NoError(t, stub.Store.CreateDevice(ctx, domain.Device{ID: "d1", Name: "Boiler"}))
	require.NoError(t, stub.Store.CreateDevice(ctx, domain.Device{ID: "d2", Name: "Fridge"}))
	require.NoError(t, stub.Store.AssignDevice(ctx, "d1", "u1"))

	op, _ := newTestSession(t, stub, "op1", domain.RoleOperator, nil)
	rows, err := op.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "u1", rows[0].OwnerID)
	assert.Equal(t, domain.Unassigned, rows[1].OwnerID)

	customer, _ := newTestSession(t, stub, "u1", domain.RoleCustomer, nil)
	rows, err = customer.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "d1", rows[0].ID)
}

func TestLogoutStopsEverything(t *testing.T) {
	stub := stubtest.Start(t, devstub.Options{})
	ctx := context.Background()
	fake := clockwork.NewFakeClockAt(time.Now())
	op, be := newTestSession(t, stub, "op1", domain.RoleOperator, fake)

	require.NoError(t, op.StartDashboard(ctx))
	require.Eventually(t, func() bool { return be.polls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stub.Store.AppendMessage(ctx, "u1", "user", "hi", time.Now()))
	require.NoError(t, op.Join(ctx, "u1"))
	waitConnections(t, stub, 1)

	op.Logout()
	for i := 0; i < 5; i++ {
		fake.Advance(config.Default().PollInterval())
	}
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), be.polls.Load())
	assert.False(t, op.Poller().Running())
	assert.False(t, op.Manager().Active(conn.KindConversation))
	waitConnections(t, stub, 0)

	assert.ErrorIs(t, op.Send(ctx, "late"), ErrLoggedOut)
	assert.ErrorIs(t, op.StartDashboard(ctx), ErrLoggedOut)
	assert.NotPanics(t, op.Logout)
}

func TestTransportFailureRaisesAlert(t *testing.T) {
	stub := stubtest.Start(t, devstub.Options{})
	cfg := testConfig(stub)
	cfg.WSURL = "ws://127.0.0.1:1"

	s, err := New(Options{
		Identity: auth.Identity{UserID: "u1", Role: domain.RoleCustomer},
		Config:   cfg,
		Backend:  backend.NewClient(stub.Endpoints(), "", 5*time.Second),
	})
	require.NoError(t, err)
	defer s.Logout()

	assert.Error(t, s.OpenChat(context.Background()))
	alerts := s.Views().Alerts.Messages()
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0], "Conversation connection lost")
}

func TestLogoutDuringJoinLeavesNoConnection(t *testing.T) {
	stub := stubtest.Start(t, devstub.Options{})
	ctx := context.Background()
	require.NoError(t, stub.Store.AppendMessage(ctx, "u1", "user", "hi", time.Now()))

	op, be := newTestSession(t, stub, "op1", domain.RoleOperator, nil)
	be.joinGate = newCallGate()

	done := make(chan error, 1)
	go func() { done <- op.Join(ctx, "u1") }()
	<-be.joinGate.entered

	op.Logout()
	close(be.joinGate.release)

	assert.ErrorIs(t, <-done, ErrLoggedOut)
	assert.False(t, op.Manager().Active(conn.KindConversation))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, stub.Hub().ConnectionCount())
}

func TestLogoutDuringDeviceOpenLeavesNoConnection(t *testing.T) {
	stub := stubtest.Start(t, devstub.Options{})
	ctx := context.Background()
	require.NoError(t, stub.Store.CreateDevice(ctx, domain.Device{ID: "d1", Name: "Heater"}))
	require.NoError(t, stub.Store.AssignDevice(ctx, "d1", "u1"))

	s, be := newTestSession(t, stub, "u1", domain.RoleCustomer, nil)
	be.historyGate = newCallGate()

	done := make(chan error, 1)
	go func() { done <- s.OpenDevice(ctx, "", "d1", domain.Date{}) }()
	<-be.historyGate.entered

	s.Logout()
	close(be.historyGate.release)

	assert.ErrorIs(t, <-done, ErrLoggedOut)
	assert.False(t, s.Manager().Active(conn.KindTelemetry))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, stub.Hub().ConnectionCount())
}
