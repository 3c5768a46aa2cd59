package console

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gridview/internal/auth"
	"github.com/xiaot623/gridview/internal/backend"
	"github.com/xiaot623/gridview/internal/config"
	"github.com/xiaot623/gridview/internal/conn"
	"github.com/xiaot623/gridview/internal/devstub"
	"github.com/xiaot623/gridview/internal/devstub/stubtest"
	"github.com/xiaot623/gridview/internal/domain"
	"github.com/xiaot623/gridview/internal/metrics"
	"github.com/xiaot623/gridview/internal/view"
	"github.com/xiaot623/gridview/internal/viewer"
)

type testConsole struct {
	stub *stubtest.Stub
	http *httptest.Server
}

func newTestConsole(t *testing.T, userID string, role domain.Role) *testConsole {
	t.Helper()
	stub := stubtest.Start(t, devstub.Options{Location: time.UTC})

	cfg := config.Default()
	cfg.WSURL = stub.WSURL()
	cfg.TimeZone = "UTC"

	reg := prometheus.NewRegistry()
	session, err := viewer.New(viewer.Options{
		Identity: auth.Identity{UserID: userID, Role: role},
		Config:   cfg,
		Backend:  backend.NewClient(stub.Endpoints(), "", 5*time.Second),
		Metrics:  metrics.New(reg),
	})
	require.NoError(t, err)

	srv := NewServer(session, reg, nil)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		_ = srv.Shutdown(context.Background())
		session.Logout()
	})
	return &testConsole{stub: stub, http: hs}
}

func (c *testConsole) post(t *testing.T, path string, body any) (int, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(c.http.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (c *testConsole) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(c.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthReportsIdentity(t *testing.T) {
	c := newTestConsole(t, "u1", domain.RoleCustomer)

	var health HealthResponse
	assert.Equal(t, http.StatusOK, c.get(t, "/health", &health))
	assert.Equal(t, "u1", health.User)
	assert.Equal(t, domain.RoleCustomer, health.Role)
	assert.False(t, health.Connections[conn.KindConversation].Active)

	status, _ := c.post(t, "/chat/open", nil)
	require.Equal(t, http.StatusOK, status)
	c.get(t, "/health", &health)
	assert.Equal(t, ConnectionRow{Active: true, Target: "u1"}, health.Connections[conn.KindConversation])
	assert.False(t, health.Connections[conn.KindTelemetry].Active)
}

func TestChatFlow(t *testing.T) {
	c := newTestConsole(t, "u1", domain.RoleCustomer)

	status, _ := c.post(t, "/chat/open", nil)
	require.Equal(t, http.StatusOK, status)
	require.Eventually(t, func() bool { return c.stub.Hub().ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	status, _ = c.post(t, "/chat/send", SendRequest{Text: "help"})
	require.Equal(t, http.StatusOK, status)

	require.Eventually(t, func() bool {
		var tr TranscriptResponse
		c.get(t, "/chat", &tr)
		return len(tr.Entries) == 2
	}, 2*time.Second, 20*time.Millisecond)

	var tr TranscriptResponse
	c.get(t, "/chat", &tr)
	assert.Equal(t, "u1", tr.Target)
	assert.True(t, tr.Visible)
	assert.Equal(t, []string{"help", devstub.Reply("help")}, []string{tr.Entries[0].Message.Text, tr.Entries[1].Message.Text})

	status, body := c.post(t, "/chat/send", SendRequest{Text: "   "})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "empty")
}

func TestCustomerDashboardForbidden(t *testing.T) {
	c := newTestConsole(t, "u1", domain.RoleCustomer)

	status, _ := c.post(t, "/dashboard/start", nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = c.post(t, "/dashboard/join", JoinRequest{UserID: "u2"})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestOperatorDashboardOutlivesRequest(t *testing.T) {
	c := newTestConsole(t, "op1", domain.RoleOperator)
	ctx := context.Background()
	require.NoError(t, c.stub.Store.AppendMessage(ctx, "u1", "user", "hi", time.Now()))
	require.NoError(t, c.stub.Store.RequestAdmin(ctx, "u1", time.Now()))

	status, _ := c.post(t, "/dashboard/start", nil)
	require.Equal(t, http.StatusOK, status)

	var dash DashboardResponse
	require.Eventually(t, func() bool {
		c.get(t, "/dashboard", &dash)
		return len(dash.Sessions) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.True(t, dash.Polling)
	assert.Equal(t, "requested", dash.Sessions[0].Urgency)

	status, _ = c.post(t, "/dashboard/join", JoinRequest{UserID: "u1"})
	require.Equal(t, http.StatusOK, status)

	var tr TranscriptResponse
	c.get(t, "/chat", &tr)
	assert.Equal(t, "u1", tr.Target)

	status, _ = c.post(t, "/dashboard/join", JoinRequest{UserID: "ghost"})
	assert.Equal(t, http.StatusBadGateway, status)
}

func TestTelemetryEndpoints(t *testing.T) {
	c := newTestConsole(t, "op1", domain.RoleOperator)
	ctx := context.Background()
	require.NoError(t, c.stub.Store.CreateDevice(ctx, domain.Device{ID: "d1", Name: "Heater"}))
	require.NoError(t, c.stub.Store.AssignDevice(ctx, "d1", "u1"))
	require.NoError(t, c.stub.Store.RecordMeasurement(ctx, domain.Sample{
		DeviceID:  "d1",
		OwnerID:   "u1",
		Timestamp: time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC),
		Value:     2,
	}))

	var rows []viewer.DeviceRow
	assert.Equal(t, http.StatusOK, c.get(t, "/devices", &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "u1", rows[0].OwnerID)

	status, _ := c.post(t, "/telemetry/date", ChangeDateRequest{Date: "2024-05-01"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := c.post(t, "/telemetry/open", OpenDeviceRequest{OwnerID: "u1", DeviceID: "d1", Date: "2024-05-01"})
	require.Equal(t, http.StatusOK, status)
	var state view.ChartState
	require.NoError(t, json.Unmarshal(body, &state))
	assert.Equal(t, "2024-05-01", state.Date)
	assert.Equal(t, 2.0, state.Buckets[8])

	status, body = c.post(t, "/telemetry/date", ChangeDateRequest{Date: "2024-05-02"})
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &state))
	assert.Equal(t, "2024-05-02", state.Date)
	assert.Zero(t, state.Buckets[8])

	status, _ = c.post(t, "/telemetry/date", ChangeDateRequest{Date: "May 2"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestMetricsExposed(t *testing.T) {
	c := newTestConsole(t, "u1", domain.RoleCustomer)
	status, _ := c.post(t, "/chat/open", nil)
	require.Equal(t, http.StatusOK, status)

	resp, err := http.Get(c.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gridview_open_connections")
}

func TestLogoutEndsSession(t *testing.T) {
	c := newTestConsole(t, "u1", domain.RoleCustomer)

	status, _ := c.post(t, "/logout", nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = c.post(t, "/chat/send", SendRequest{Text: "hi"})
	assert.Equal(t, http.StatusGone, status)
}
