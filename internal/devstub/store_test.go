package devstub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gridview/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionsOrderedByActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendMessage(ctx, "u1", "user", "hi", base))
	require.NoError(t, s.AppendMessage(ctx, "u2", "user", "hello", base.Add(time.Minute)))
	require.NoError(t, s.AppendMessage(ctx, "u1", "assistant", "answer", base.Add(2*time.Minute)))
	require.NoError(t, s.RequestAdmin(ctx, "u2", base.Add(3*time.Minute)))

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	assert.Equal(t, "u1", sessions[0].UserID)
	assert.Equal(t, 2, sessions[0].MessageCount)
	assert.Equal(t, "answer", sessions[0].LastMessage)
	assert.Equal(t, "u2", sessions[1].UserID)
	assert.True(t, sessions[1].AdminRequested)
}

func TestSystemMessageKeepsActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendMessage(ctx, "u1", "user", "hi", at))
	require.NoError(t, s.AppendSystemMessage(ctx, "u1", noticeAdminRequested, at.Add(time.Hour)))

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, epoch(at), sessions[0].LastActive)

	history, err := s.History(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "system", history[1].Sender)
}

func TestJoinAdmin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.JoinAdmin(ctx, "ghost"), ErrNotFound)

	require.NoError(t, s.RequestAdmin(ctx, "u1", time.Now()))
	require.NoError(t, s.JoinAdmin(ctx, "u1"))

	joined, err := s.AdminJoined(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, joined)

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.False(t, sessions[0].AdminRequested)

	joined, err = s.AdminJoined(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, joined)
}

func TestDeviceOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDevice(ctx, domain.Device{ID: "d1", Name: "Heater", Consumption: 5}))
	require.NoError(t, s.CreateDevice(ctx, domain.Device{ID: "d2", Name: "Fridge", Consumption: 2}))
	require.NoError(t, s.AssignDevice(ctx, "d1", "u1"))
	assert.ErrorIs(t, s.AssignDevice(ctx, "missing", "u1"), ErrNotFound)

	_, owner, err := s.GetDevice(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "u1", owner)

	_, owner, err = s.GetDevice(ctx, "d2")
	require.NoError(t, err)
	assert.Empty(t, owner)

	all, err := s.ListDevices(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := s.ListDevices(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "d1", mine[0].ID)

	require.NoError(t, s.AssignDevice(ctx, "d1", ""))
	mine, err = s.ListDevices(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, mine)

	require.NoError(t, s.DeleteDevice(ctx, "d2"))
	_, _, err = s.GetDevice(ctx, "d2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDailyConsumptionGroupsByHour(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateDevice(ctx, domain.Device{ID: "d1", Name: "Heater"}))

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for _, sample := range []domain.Sample{
		{DeviceID: "d1", OwnerID: "u1", Timestamp: day.Add(3*time.Hour + 5*time.Minute), Value: 0.1},
		{DeviceID: "d1", OwnerID: "u1", Timestamp: day.Add(3*time.Hour + 50*time.Minute), Value: 0.2},
		{DeviceID: "d1", OwnerID: "u1", Timestamp: day.Add(23 * time.Hour), Value: 1.5},
		{DeviceID: "d1", OwnerID: "u1", Timestamp: day.Add(25 * time.Hour), Value: 9},
	} {
		require.NoError(t, s.RecordMeasurement(ctx, sample))
	}

	values, err := s.DailyConsumption(ctx, "d1", domain.Date{Year: 2024, Month: time.May, Day: 1})
	require.NoError(t, err)
	assert.Equal(t, []domain.HourlyValue{
		{Hour: 3, Value: 0.3},
		{Hour: 23, Value: 1.5},
	}, values)

	values, err = s.DailyConsumption(ctx, "d1", domain.Date{Year: 2024, Month: time.April, Day: 30})
	require.NoError(t, err)
	assert.Empty(t, values)
}
