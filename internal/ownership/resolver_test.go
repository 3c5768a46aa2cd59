package ownership

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xiaot623/gridview/internal/domain"
)

type lookupFunc func(ctx context.Context, deviceID string) (string, error)

func (f lookupFunc) DeviceOwner(ctx context.Context, deviceID string) (string, error) {
	return f(ctx, deviceID)
}

func TestResolveIsolatesFailures(t *testing.T) {
	lookup := lookupFunc(func(ctx context.Context, id string) (string, error) {
		switch id {
		case "d2":
			return "", errors.New("device service timeout")
		case "d3":
			return "", nil
		default:
			return "owner-" + id, nil
		}
	})

	got := NewResolver(lookup, 2, nil).Resolve(context.Background(), []string{"d1", "d2", "d3", "d4"})
	assert.Equal(t, []domain.DeviceOwnership{
		{DeviceID: "d1", OwnerID: "owner-d1"},
		{DeviceID: "d2", OwnerID: domain.Unassigned},
		{DeviceID: "d3", OwnerID: domain.Unassigned},
		{DeviceID: "d4", OwnerID: "owner-d4"},
	}, got)
}

func TestResolveBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	lookup := lookupFunc(func(ctx context.Context, id string) (string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return "o", nil
	})

	ids := make([]string, 20)
	for i := range ids {
		ids[i] = "d"
	}
	got := NewResolver(lookup, 3, nil).Resolve(context.Background(), ids)
	assert.Len(t, got, 20)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestResolveEmpty(t *testing.T) {
	got := NewResolver(lookupFunc(nil), 0, nil).Resolve(context.Background(), nil)
	assert.Empty(t, got)
}
