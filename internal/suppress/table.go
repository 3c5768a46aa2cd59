// Package suppress tracks messages the viewer just sent so their echo on
// the push channel can be recognized and hidden.
package suppress

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xiaot623/gridview/internal/domain"
)

// DefaultTTL is the suppression window used by the reference client.
const DefaultTTL = 3 * time.Second

type key struct {
	sender domain.Sender
	text   string
}

type entry struct {
	expiresAt time.Time
	purge     clockwork.Timer
}

// Table is a time-bounded set of (sender, text) fingerprints.
//
// A lookup never consumes an entry: every identical echo inside the
// window is suppressed, not only the first one.
type Table struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[key]*entry
	closed  bool
}

// New creates a table. A non-positive ttl falls back to DefaultTTL.
func New(c clockwork.Clock, ttl time.Duration) *Table {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Table{
		clock:   c,
		ttl:     ttl,
		entries: make(map[key]*entry),
	}
}

// TTL returns the suppression window.
func (t *Table) TTL() time.Duration { return t.ttl }

// Remember records a fingerprint valid until now+TTL. Remembering the
// same fingerprint again extends its window.
func (t *Table) Remember(sender domain.Sender, text string) {
	k := key{sender: sender, text: text}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	if old, ok := t.entries[k]; ok && old.purge != nil {
		old.purge.Stop()
	}

	e := &entry{expiresAt: t.clock.Now().Add(t.ttl)}
	e.purge = t.clock.AfterFunc(t.ttl, func() { t.purge(k, e) })
	t.entries[k] = e
}

// IsPending reports whether a live fingerprint for (sender, text) exists.
func (t *Table) IsPending(sender domain.Sender, text string) bool {
	k := key{sender: sender, text: text}
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[k]
	if !ok {
		return false
	}
	if !now.Before(e.expiresAt) {
		delete(t.entries, k)
		return false
	}
	return true
}

// Len returns the number of entries not yet purged, expired or not.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close cancels every pending purge timer and empties the table.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if e.purge != nil {
			e.purge.Stop()
		}
		delete(t.entries, k)
	}
	t.closed = true
}

func (t *Table) purge(k key, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// A later Remember may have replaced the entry.
	if cur, ok := t.entries[k]; ok && cur == e {
		delete(t.entries, k)
	}
}
