// Package chat keeps the viewer's conversation panel in sync with the
// chat service: optimistic sends, echo suppression of the viewer's own
// pushes, alerts and history on target switch.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/xiaot623/gridview/internal/access"
	"github.com/xiaot623/gridview/internal/conn"
	"github.com/xiaot623/gridview/internal/domain"
	"github.com/xiaot623/gridview/internal/metrics"
	"github.com/xiaot623/gridview/internal/protocol"
	"github.com/xiaot623/gridview/internal/suppress"
	"github.com/xiaot623/gridview/internal/view"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrNoTarget     = errors.New("no conversation selected")
	// ErrClosed is returned once the channel has been shut down.
	ErrClosed = errors.New("conversation channel closed")
)

// Commands is the chat service's command and query surface.
type Commands interface {
	SubmitMessage(ctx context.Context, subjectID, text string, sender domain.Sender) error
	RequestOperator(ctx context.Context, subjectID string) error
	History(ctx context.Context, subjectID string) ([]domain.Message, error)
}

// Connections opens and closes the conversation push connection.
type Connections interface {
	Open(ctx context.Context, kind conn.Kind, target conn.Target, handler conn.Handler) error
	Close(kind conn.Kind)
}

// Transcript renders conversation entries.
type Transcript interface {
	Reset(subjectID string)
	Append(e view.Entry) int
	MarkFailed(id int, err error)
}

// Alerts receives alert notifications.
type Alerts interface {
	Alert(message string)
}

// Policy gates role-restricted actions.
type Policy interface {
	Check(ctx context.Context, role domain.Role, action string) error
}

// Options wires a Channel.
type Options struct {
	Role domain.Role
	// SelfID is the customer's own user id; it becomes the target.
	SelfID string

	Conns      Connections
	Table      *suppress.Table
	Commands   Commands
	Transcript Transcript
	Alerts     Alerts
	Policy     Policy
	Clock      clockwork.Clock
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Channel is the conversation panel of one viewer session.
type Channel struct {
	opts Options
	log  *slog.Logger

	// mu serializes sends, push rendering and target changes. History is
	// rendered while holding it, so pushes from a new connection queue
	// behind the history.
	mu            sync.Mutex
	target        string
	visible       bool
	historyLoaded bool
	closed        bool
	// gen identifies the connection pushes are accepted from.
	gen uint64
}

// New creates a channel. Customer channels target SelfID.
func New(opts Options) *Channel {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		opts: opts,
		log:  logger.With("component", "chat", "role", string(opts.Role)),
	}
	if opts.Role == domain.RoleCustomer {
		c.target = opts.SelfID
	}
	return c
}

// Target returns the active conversation subject, or "".
func (c *Channel) Target() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// Visible reports whether the panel is shown.
func (c *Channel) Visible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

// Send renders text as the viewer's own message, remembers it for echo
// suppression and submits it. A rejected submit leaves the entry
// rendered and marked failed.
func (c *Channel) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if err := c.check(ctx, access.ActionSend); err != nil {
		return err
	}

	sender := c.opts.Role.Sender()

	c.mu.Lock()
	target := c.target
	if target == "" {
		c.mu.Unlock()
		return ErrNoTarget
	}
	id := c.opts.Transcript.Append(view.Entry{
		Message: domain.Message{
			Sender:    sender,
			Text:      text,
			SubjectID: target,
			Timestamp: c.opts.Clock.Now(),
		},
		Self: true,
	})
	c.opts.Table.Remember(sender, text)
	c.mu.Unlock()

	err := c.opts.Commands.SubmitMessage(ctx, target, text, sender)
	c.opts.Metrics.Command("submit_message", err)
	if err != nil {
		c.opts.Transcript.MarkFailed(id, err)
		c.log.Warn("message submit failed", "subject", target, "error", err)
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// RequestOperator asks for a human operator to join the customer's
// conversation.
func (c *Channel) RequestOperator(ctx context.Context) error {
	if err := c.check(ctx, access.ActionRequestOperator); err != nil {
		return err
	}
	target := c.Target()
	if target == "" {
		return ErrNoTarget
	}
	err := c.opts.Commands.RequestOperator(ctx, target)
	c.opts.Metrics.Command("request_operator", err)
	if err != nil {
		return fmt.Errorf("failed to request operator: %w", err)
	}
	return nil
}

// Show makes the panel visible and opens the connection when a target
// is known. History is loaded the first time a target is shown.
func (c *Channel) Show(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.visible = true
	if c.target == "" {
		return nil
	}
	return c.connectLocked(ctx)
}

// Hide closes the connection; the target is kept.
func (c *Channel) Hide() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.visible = false
	c.gen++
	c.opts.Conns.Close(conn.KindConversation)
}

// Close hides the panel for good. It waits for an in-flight connect to
// finish, then closes its connection; later Show and SwitchTarget calls
// fail with ErrClosed.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.visible = false
	c.gen++
	c.opts.Conns.Close(conn.KindConversation)
}

// SwitchTarget points the panel at another conversation: the prior
// connection is closed, a new one is opened and the subject's history
// is rendered before any push from the new connection.
func (c *Channel) SwitchTarget(ctx context.Context, subjectID string) error {
	if subjectID == "" {
		return ErrNoTarget
	}
	if err := c.check(ctx, access.ActionJoin); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.opts.Conns.Close(conn.KindConversation)
	c.target = subjectID
	c.historyLoaded = false
	c.visible = true

	return c.connectLocked(ctx)
}

// connectLocked opens the push connection for the current target and
// renders history if it has not been loaded yet. c.mu must be held.
func (c *Channel) connectLocked(ctx context.Context) error {
	c.gen++
	gen := c.gen
	target := c.target

	if !c.historyLoaded {
		c.opts.Transcript.Reset(target)
	}

	openErr := c.opts.Conns.Open(ctx, conn.KindConversation, conn.ConversationTarget(target), func(data []byte) {
		c.handlePush(gen, data)
	})

	if !c.historyLoaded {
		if err := c.loadHistoryLocked(ctx, target); err != nil {
			return errors.Join(openErr, err)
		}
	}
	return openErr
}

func (c *Channel) loadHistoryLocked(ctx context.Context, target string) error {
	history, err := c.opts.Commands.History(ctx, target)
	if err != nil {
		c.log.Warn("history fetch failed", "subject", target, "error", err)
		return fmt.Errorf("failed to load history: %w", err)
	}
	for _, m := range history {
		c.opts.Transcript.Append(view.Entry{
			Message: m,
			Self:    c.opts.Role.Owns(m.Sender),
			History: true,
		})
	}
	c.historyLoaded = true
	return nil
}

func (c *Channel) handlePush(gen uint64, data []byte) {
	event, err := protocol.ParseConversation(data)
	if err != nil {
		c.opts.Metrics.Push(string(conn.KindConversation), metrics.OutcomeDropped)
		c.log.Warn("push payload dropped", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		c.opts.Metrics.Push(string(conn.KindConversation), metrics.OutcomeDiscarded)
		return
	}

	switch ev := event.(type) {
	case *protocol.AlertEvent:
		c.opts.Metrics.Push(string(conn.KindConversation), metrics.OutcomeAlert)
		if c.opts.Alerts != nil {
			c.opts.Alerts.Alert(ev.Message)
		}

	case *protocol.ChatEvent:
		if ev.Legacy {
			// Untagged text has no sender; it is always someone else's.
			c.render(domain.Message{Sender: domain.SenderSystem, Text: ev.Text, SubjectID: c.target}, false)
			return
		}
		if c.opts.Role.Owns(ev.Sender) && c.opts.Table.IsPending(ev.Sender, ev.Text) {
			c.opts.Metrics.Push(string(conn.KindConversation), metrics.OutcomeSuppressed)
			c.log.Debug("echo suppressed", "subject", c.target)
			return
		}
		subject := ev.SubjectID
		if subject == "" {
			subject = c.target
		}
		c.render(domain.Message{Sender: ev.Sender, Text: ev.Text, SubjectID: subject}, c.opts.Role.Owns(ev.Sender))
	}
}

func (c *Channel) render(m domain.Message, self bool) {
	m.Timestamp = c.opts.Clock.Now()
	c.opts.Transcript.Append(view.Entry{Message: m, Self: self})
	c.opts.Metrics.Push(string(conn.KindConversation), metrics.OutcomeRendered)
}

func (c *Channel) check(ctx context.Context, action string) error {
	if c.opts.Policy == nil {
		return nil
	}
	return c.opts.Policy.Check(ctx, c.opts.Role, action)
}
