// Package discovery polls the chat service for active conversations on
// the operator dashboard and lets the operator join one.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xiaot623/gridview/internal/access"
	"github.com/xiaot623/gridview/internal/domain"
	"github.com/xiaot623/gridview/internal/metrics"
)

// DefaultInterval is the session poll period.
const DefaultInterval = 3 * time.Second

// ErrClosed is returned by Start once the poller has been shut down.
var ErrClosed = errors.New("session poller closed")

// Sessions is the chat service's session surface.
type Sessions interface {
	ListSessions(ctx context.Context) ([]domain.Session, error)
	JoinConversation(ctx context.Context, subjectID string) error
}

// Board renders the session list.
type Board interface {
	Render(sessions []domain.Session)
	ShowError(err error)
}

// Switcher retargets the conversation panel.
type Switcher interface {
	SwitchTarget(ctx context.Context, subjectID string) error
}

// Policy gates role-restricted actions.
type Policy interface {
	Check(ctx context.Context, role domain.Role, action string) error
}

type Options struct {
	Role     domain.Role
	Sessions Sessions
	Board    Board
	Chat     Switcher
	Policy   Policy
	Clock    clockwork.Clock
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Poller queries the session list on a fixed interval while running.
type Poller struct {
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) *Poller {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		opts: opts,
		log:  logger.With("component", "discovery"),
	}
}

// Start queries immediately and then once per interval until Stop or
// ctx is done. Starting a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) error {
	if err := p.check(ctx, access.ActionListSessions); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.cancel != nil {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	ticker := p.opts.Clock.NewTicker(p.opts.Interval)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.loop(loopCtx, ticker, p.done)
	p.log.Info("session polling started", "interval", p.opts.Interval)
	return nil
}

// Stop ends polling and waits for the loop to exit. No query is issued
// after Stop returns.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.log.Info("session polling stopped")
}

// Close stops polling for good; later Start calls fail with ErrClosed.
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Stop()
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) loop(ctx context.Context, ticker clockwork.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.poll(ctx)
		}
	}
}

// Refresh runs one query outside the schedule.
func (p *Poller) Refresh(ctx context.Context) error {
	if err := p.check(ctx, access.ActionListSessions); err != nil {
		return err
	}
	return p.poll(ctx)
}

func (p *Poller) poll(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	sessions, err := p.opts.Sessions.ListSessions(ctx)
	if ctx.Err() != nil {
		// Torn down mid-query; the board belongs to the next owner.
		return ctx.Err()
	}
	p.opts.Metrics.SessionPoll(err)
	if err != nil {
		p.log.Warn("session query failed", "error", err)
		p.opts.Board.ShowError(err)
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	p.opts.Board.Render(Rank(sessions))
	return nil
}

// Join tells the chat service the operator is taking the conversation,
// then switches the conversation panel to it.
func (p *Poller) Join(ctx context.Context, subjectID string) error {
	if err := p.check(ctx, access.ActionJoin); err != nil {
		return err
	}
	err := p.opts.Sessions.JoinConversation(ctx, subjectID)
	p.opts.Metrics.Command("join", err)
	if err != nil {
		return fmt.Errorf("failed to join %s: %w", subjectID, err)
	}
	if err := p.opts.Chat.SwitchTarget(ctx, subjectID); err != nil {
		return fmt.Errorf("failed to switch to %s: %w", subjectID, err)
	}
	p.log.Info("joined conversation", "subject", subjectID)
	return nil
}

func (p *Poller) check(ctx context.Context, action string) error {
	if p.opts.Policy == nil {
		return nil
	}
	return p.opts.Policy.Check(ctx, p.opts.Role, action)
}
