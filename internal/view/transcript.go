// Package view holds the in-memory render targets the sync core writes
// to. Presentation layers read snapshots or subscribe to changes.
package view

import (
	"sync"

	"github.com/xiaot623/gridview/internal/domain"
)

// Entry is one rendered transcript line.
type Entry struct {
	ID      int            `json:"id"`
	Message domain.Message `json:"message"`
	Self    bool           `json:"self"`
	History bool           `json:"history,omitempty"`
	Failed  bool           `json:"failed,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Transcript is the rendered conversation of the active target.
type Transcript struct {
	mu       sync.Mutex
	subject  string
	entries  []Entry
	nextID   int
	listener func(Entry)
}

// NewTranscript creates an empty transcript. listener, if set, is called
// for every appended or updated entry, outside the transcript lock.
func NewTranscript(listener func(Entry)) *Transcript {
	return &Transcript{listener: listener}
}

// Reset clears the transcript for a new conversation.
func (t *Transcript) Reset(subjectID string) {
	t.mu.Lock()
	t.subject = subjectID
	t.entries = nil
	t.mu.Unlock()
}

// Append renders e and returns its id.
func (t *Transcript) Append(e Entry) int {
	t.mu.Lock()
	t.nextID++
	e.ID = t.nextID
	t.entries = append(t.entries, e)
	t.mu.Unlock()

	t.notify(e)
	return e.ID
}

// MarkFailed flags an optimistically rendered entry whose send failed.
func (t *Transcript) MarkFailed(id int, err error) {
	t.mu.Lock()
	var updated *Entry
	for i := range t.entries {
		if t.entries[i].ID == id {
			t.entries[i].Failed = true
			if err != nil {
				t.entries[i].Error = err.Error()
			}
			e := t.entries[i]
			updated = &e
			break
		}
	}
	t.mu.Unlock()

	if updated != nil {
		t.notify(*updated)
	}
}

// Subject returns the conversation being shown.
func (t *Transcript) Subject() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subject
}

// Entries returns a copy of the rendered entries in arrival order.
func (t *Transcript) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}

func (t *Transcript) notify(e Entry) {
	if t.listener != nil {
		t.listener(e)
	}
}

// Alerts collects alert notifications.
type Alerts struct {
	mu       sync.Mutex
	messages []string
	listener func(string)
}

func NewAlerts(listener func(string)) *Alerts {
	return &Alerts{listener: listener}
}

func (a *Alerts) Alert(message string) {
	a.mu.Lock()
	a.messages = append(a.messages, message)
	a.mu.Unlock()
	if a.listener != nil {
		a.listener(message)
	}
}

func (a *Alerts) Messages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.messages...)
}
