package suppress

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gridview/internal/domain"
)

func newTestTable() (*Table, *clockwork.FakeClock) {
	c := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(c, DefaultTTL), c
}

func waitTimers(t *testing.T, c *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.BlockUntilContext(ctx, n))
}

func TestRememberWithinWindow(t *testing.T) {
	table, c := newTestTable()
	table.Remember(domain.SenderCustomer, "hello")

	c.Advance(200 * time.Millisecond)
	assert.True(t, table.IsPending(domain.SenderCustomer, "hello"))
	assert.False(t, table.IsPending(domain.SenderOperator, "hello"))
	assert.False(t, table.IsPending(domain.SenderCustomer, "hello!"))
}

func TestExpiredEntryIsAbsentBeforePurge(t *testing.T) {
	c := clockwork.NewFakeClockAt(time.Unix(0, 0))
	table := New(c, time.Second)
	table.Remember(domain.SenderCustomer, "hello")

	// Stop the purge timer so only the lazy check can hide the entry.
	table.mu.Lock()
	for _, e := range table.entries {
		e.purge.Stop()
	}
	table.mu.Unlock()

	c.Advance(time.Second)
	assert.Equal(t, 1, table.Len())
	assert.False(t, table.IsPending(domain.SenderCustomer, "hello"))
	assert.Equal(t, 0, table.Len())
}

func TestEagerPurgeAfterTTL(t *testing.T) {
	table, c := newTestTable()
	table.Remember(domain.SenderOperator, "on my way")
	assert.Equal(t, 1, table.Len())

	c.Advance(3500 * time.Millisecond)
	assert.Eventually(t, func() bool { return table.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, table.IsPending(domain.SenderOperator, "on my way"))
}

func TestLookupDoesNotConsume(t *testing.T) {
	table, _ := newTestTable()
	table.Remember(domain.SenderCustomer, "ok")

	for i := 0; i < 3; i++ {
		assert.True(t, table.IsPending(domain.SenderCustomer, "ok"))
	}
}

func TestRememberAgainExtendsWindow(t *testing.T) {
	table, c := newTestTable()
	table.Remember(domain.SenderCustomer, "ping")
	c.Advance(2 * time.Second)
	table.Remember(domain.SenderCustomer, "ping")
	c.Advance(2 * time.Second)

	assert.True(t, table.IsPending(domain.SenderCustomer, "ping"))

	c.Advance(time.Second)
	assert.False(t, table.IsPending(domain.SenderCustomer, "ping"))
}

func TestCloseStopsTimers(t *testing.T) {
	table, c := newTestTable()
	table.Remember(domain.SenderCustomer, "a")
	table.Remember(domain.SenderCustomer, "b")
	waitTimers(t, c, 2)

	table.Close()
	waitTimers(t, c, 0)
	assert.Equal(t, 0, table.Len())

	table.Remember(domain.SenderCustomer, "c")
	assert.False(t, table.IsPending(domain.SenderCustomer, "c"))
}
