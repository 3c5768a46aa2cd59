package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/xiaot623/gridview/internal/discovery"
	"github.com/xiaot623/gridview/internal/domain"
	"github.com/xiaot623/gridview/internal/view"
	"github.com/xiaot623/gridview/internal/viewer"
)

// printer writes view updates to the terminal. Updates arrive from push
// goroutines, so writes are serialized.
type printer struct {
	mu        sync.Mutex
	out       io.Writer
	lastBoard string
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

// views returns render targets wired to the printer. Only the sinks a
// command shows are passed as true.
func (p *printer) views(transcript, board, chart bool) viewer.Views {
	v := viewer.Views{Alerts: view.NewAlerts(p.alert)}
	if transcript {
		v.Transcript = view.NewTranscript(p.entry)
	}
	if board {
		v.Board = view.NewBoard(p.board)
	}
	if chart {
		v.Chart = view.NewChart(p.chart)
	}
	return v
}

func (p *printer) entry(e view.Entry) {
	who := string(e.Message.Sender)
	if e.Self {
		who = "you"
	}
	switch {
	case e.Failed:
		p.printf("%s: %s  [not delivered: %s]\n", who, e.Message.Text, e.Error)
	case e.History:
		p.printf("  %s: %s\n", who, e.Message.Text)
	default:
		p.printf("%s: %s\n", who, e.Message.Text)
	}
}

func (p *printer) alert(msg string) {
	p.printf("! %s\n", msg)
}

// board reprints the session table only when a poll changed it.
func (p *printer) board(sessions []domain.Session, err error) {
	var b strings.Builder
	if err != nil {
		fmt.Fprintf(&b, "sessions unavailable: %v\n", err)
	} else {
		writeSessions(&b, sessions)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if b.String() == p.lastBoard {
		return
	}
	p.lastBoard = b.String()
	io.WriteString(p.out, p.lastBoard)
}

func writeSessions(w io.Writer, sessions []domain.Session) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tSTATE\tMESSAGES\tLAST ACTIVE\tLAST MESSAGE")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			s.SubjectID,
			discovery.UrgencyOf(s),
			s.MessageCount,
			s.LastActiveAt.Format("15:04:05"),
			truncate(s.LastMessage, 40))
	}
	tw.Flush()
}

func (p *printer) chart(s view.ChartState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	writeChart(p.out, s)
}

func writeChart(w io.Writer, s view.ChartState) {
	if s.Loading {
		fmt.Fprintf(w, "%s %s: loading...\n", s.DeviceID, s.Date)
		return
	}
	fmt.Fprintf(w, "%s %s  current %.3f kWh\n", s.DeviceID, s.Date, s.Current)
	if s.Error != "" {
		fmt.Fprintf(w, "  history unavailable: %s\n", s.Error)
	}

	peak := 0.0
	for _, v := range s.Buckets {
		peak = max(peak, v)
	}
	for hour, v := range s.Buckets {
		if v == 0 {
			continue
		}
		bar := 1
		if peak > 0 {
			bar = max(1, int(v/peak*40))
		}
		fmt.Fprintf(w, "  %02d:00 %8.3f %s\n", hour, v, strings.Repeat("#", bar))
	}
}

func writeDevices(w io.Writer, rows []viewer.DeviceRow) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tLIMIT\tOWNER")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.ID, r.Name, r.Consumption, r.OwnerID)
	}
	tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
