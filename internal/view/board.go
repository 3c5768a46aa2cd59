package view

import (
	"sync"

	"github.com/xiaot623/gridview/internal/domain"
)

// Board is the operator's session list. Every render replaces it whole.
type Board struct {
	mu       sync.Mutex
	sessions []domain.Session
	err      error
	renders  int
	listener func([]domain.Session, error)
}

func NewBoard(listener func([]domain.Session, error)) *Board {
	return &Board{listener: listener}
}

// Render replaces the list and clears any error.
func (b *Board) Render(sessions []domain.Session) {
	b.mu.Lock()
	b.sessions = append([]domain.Session(nil), sessions...)
	b.err = nil
	b.renders++
	b.mu.Unlock()
	if b.listener != nil {
		b.listener(sessions, nil)
	}
}

// ShowError empties the list and records err.
func (b *Board) ShowError(err error) {
	b.mu.Lock()
	b.sessions = nil
	b.err = err
	b.renders++
	b.mu.Unlock()
	if b.listener != nil {
		b.listener(nil, err)
	}
}

func (b *Board) Sessions() []domain.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Session(nil), b.sessions...)
}

func (b *Board) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Renders counts Render and ShowError calls.
func (b *Board) Renders() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.renders
}
