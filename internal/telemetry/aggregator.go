// Package telemetry merges a device's daily hourly snapshot with its
// live sample stream into one 24-bucket chart.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xiaot623/gridview/internal/access"
	"github.com/xiaot623/gridview/internal/conn"
	"github.com/xiaot623/gridview/internal/domain"
	"github.com/xiaot623/gridview/internal/metrics"
	"github.com/xiaot623/gridview/internal/protocol"
	"github.com/xiaot623/gridview/internal/view"
)

// Hours is the number of buckets per day.
const Hours = view.HoursPerDay

var (
	ErrNoView = errors.New("no device view open")
	// ErrClosed is returned once the aggregator has been shut down.
	ErrClosed = errors.New("telemetry aggregator closed")

	// errStaleSnapshot marks a snapshot superseded by a newer reset
	// while it was fetched.
	errStaleSnapshot = errors.New("snapshot superseded")
)

// History is the monitoring service's aggregate query.
type History interface {
	HourlyHistory(ctx context.Context, deviceID string, date domain.Date) ([]domain.HourlyValue, error)
}

// Connections opens and closes the telemetry push connection.
type Connections interface {
	Open(ctx context.Context, kind conn.Kind, target conn.Target, handler conn.Handler) error
	Close(kind conn.Kind)
}

// Chart renders aggregator state.
type Chart interface {
	Render(s view.ChartState)
}

// Policy gates role-restricted actions.
type Policy interface {
	Check(ctx context.Context, role domain.Role, action string) error
}

type Options struct {
	Role     domain.Role
	Conns    Connections
	History  History
	Chart    Chart
	Policy   Policy
	Location *time.Location
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Aggregator holds the chart state of the device detail view.
type Aggregator struct {
	opts Options
	log  *slog.Logger

	// connMu orders opening and closing of the live connection so a
	// close is never overtaken by the open of a view it ended.
	connMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	open     bool
	ownerID  string
	deviceID string
	date     domain.Date
	buckets  [Hours]float64
	current  float64
	loading  bool
	lastErr  error
	// snapshotGen advances on every reset; a snapshot is applied only
	// if no reset happened while it was fetched.
	snapshotGen uint64
	// viewGen advances on OpenView and CloseView; samples delivered by a
	// connection from an older view are discarded.
	viewGen uint64
}

func New(opts Options) *Aggregator {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		opts: opts,
		log:  logger.With("component", "telemetry"),
	}
}

// OpenView shows device for date: buckets are reset and filled from the
// snapshot, then the live connection for (owner, device) is opened.
func (a *Aggregator) OpenView(ctx context.Context, ownerID, deviceID string, date domain.Date) error {
	if a.opts.Policy != nil {
		if err := a.opts.Policy.Check(ctx, a.opts.Role, access.ActionViewTelemetry); err != nil {
			return err
		}
	}
	if deviceID == "" {
		return fmt.Errorf("device id is required")
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.open = true
	a.ownerID = ownerID
	a.deviceID = deviceID
	a.viewGen++
	viewGen := a.viewGen
	gen := a.resetLocked(date)
	a.mu.Unlock()

	snapErr := a.loadSnapshot(ctx, gen, deviceID, date)
	if errors.Is(snapErr, errStaleSnapshot) {
		snapErr = nil
	}

	a.connMu.Lock()
	defer a.connMu.Unlock()

	a.mu.Lock()
	closed := a.closed
	current := a.open && viewGen == a.viewGen
	a.mu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case !current:
		a.log.Debug("view ended before live connection opened", "device", deviceID)
		return snapErr
	}

	target := conn.TelemetryTarget(ownerID, deviceID)
	openErr := a.opts.Conns.Open(ctx, conn.KindTelemetry, target, func(data []byte) {
		a.handleSample(viewGen, data)
	})
	if openErr != nil {
		a.log.Warn("live telemetry unavailable", "device", deviceID, "error", openErr)
	}
	return errors.Join(snapErr, openErr)
}

// ChangeDate switches the displayed date. Buckets are reset and
// refetched; the live connection is left as is.
func (a *Aggregator) ChangeDate(ctx context.Context, date domain.Date) error {
	a.mu.Lock()
	if !a.open {
		a.mu.Unlock()
		return ErrNoView
	}
	deviceID := a.deviceID
	gen := a.resetLocked(date)
	a.mu.Unlock()

	err := a.loadSnapshot(ctx, gen, deviceID, date)
	if errors.Is(err, errStaleSnapshot) {
		return nil
	}
	return err
}

// CloseView closes the live connection. The last buckets stay readable.
// An OpenView still fetching its snapshot will not open a connection.
func (a *Aggregator) CloseView() {
	a.mu.Lock()
	a.open = false
	a.viewGen++
	a.loading = false
	a.mu.Unlock()

	a.connMu.Lock()
	a.opts.Conns.Close(conn.KindTelemetry)
	a.connMu.Unlock()
}

// Close ends the current view and rejects later ones with ErrClosed.
func (a *Aggregator) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.CloseView()
}

// resetLocked zeroes the buckets for date and starts a new snapshot
// generation. a.mu must be held.
func (a *Aggregator) resetLocked(date domain.Date) uint64 {
	a.snapshotGen++
	a.date = date
	a.buckets = [Hours]float64{}
	a.current = 0
	a.loading = true
	a.lastErr = nil
	a.renderLocked()
	return a.snapshotGen
}

func (a *Aggregator) loadSnapshot(ctx context.Context, gen uint64, deviceID string, date domain.Date) error {
	values, err := a.opts.History.HourlyHistory(ctx, deviceID, date)

	a.mu.Lock()
	defer a.mu.Unlock()

	if gen != a.snapshotGen {
		a.log.Debug("stale snapshot discarded", "device", deviceID, "date", date.String())
		return errStaleSnapshot
	}
	a.loading = false
	if err != nil {
		a.lastErr = err
		a.renderLocked()
		a.log.Warn("snapshot query failed", "device", deviceID, "date", date.String(), "error", err)
		return fmt.Errorf("failed to load history for %s: %w", date, err)
	}

	// Hours the snapshot returns replace whatever live samples added
	// while it loaded; other hours keep those samples.
	for _, v := range values {
		if v.Hour < 0 || v.Hour >= Hours {
			continue
		}
		a.buckets[v.Hour] = v.Value
	}
	a.renderLocked()
	return nil
}

func (a *Aggregator) handleSample(viewGen uint64, data []byte) {
	sample, err := protocol.ParseSample(data, a.opts.Location)
	if err != nil {
		a.opts.Metrics.Push(string(conn.KindTelemetry), metrics.OutcomeDropped)
		if errors.Is(err, protocol.ErrMissingValue) {
			a.log.Debug("sample without value ignored")
			return
		}
		a.log.Warn("push payload dropped", "error", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.opts.Metrics.Push(string(conn.KindTelemetry), a.mergeLocked(viewGen, sample))
}

func (a *Aggregator) mergeLocked(viewGen uint64, s domain.Sample) string {
	switch {
	case !a.open || viewGen != a.viewGen:
		return metrics.OutcomeDiscarded
	case s.DeviceID != "" && s.DeviceID != a.deviceID:
		return metrics.OutcomeDiscarded
	}

	if domain.DateOf(s.Timestamp, a.opts.Location) != a.date {
		return metrics.OutcomeDiscarded
	}
	hour := s.Timestamp.In(a.opts.Location).Hour()
	a.buckets[hour] += s.Value
	a.current = s.Value
	a.renderLocked()
	return metrics.OutcomeMerged
}

// Buckets returns a copy of the hourly totals.
func (a *Aggregator) Buckets() [Hours]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buckets
}

// Current returns the value of the last merged sample.
func (a *Aggregator) Current() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// State returns what the chart currently shows.
func (a *Aggregator) State() view.ChartState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stateLocked()
}

// Open reports whether a device view is shown.
func (a *Aggregator) Open() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

func (a *Aggregator) stateLocked() view.ChartState {
	s := view.ChartState{
		DeviceID: a.deviceID,
		OwnerID:  a.ownerID,
		Buckets:  a.buckets,
		Current:  a.current,
		Loading:  a.loading,
	}
	if !a.date.IsZero() {
		s.Date = a.date.String()
	}
	if a.lastErr != nil {
		s.Error = a.lastErr.Error()
	}
	return s
}

func (a *Aggregator) renderLocked() {
	if a.opts.Chart != nil {
		a.opts.Chart.Render(a.stateLocked())
	}
}
