package discovery

import (
	"sort"

	"github.com/xiaot623/gridview/internal/domain"
)

// Urgency orders sessions for display. Higher is more urgent.
type Urgency int

const (
	UrgencyIdle Urgency = iota
	UrgencyJoined
	UrgencyRequested
)

func (u Urgency) String() string {
	switch u {
	case UrgencyRequested:
		return "requested"
	case UrgencyJoined:
		return "joined"
	default:
		return "idle"
	}
}

// UrgencyOf classifies a session. A request nobody has joined yet is
// the most urgent state.
func UrgencyOf(s domain.Session) Urgency {
	switch {
	case s.AdminRequested && !s.AdminJoined:
		return UrgencyRequested
	case s.AdminJoined:
		return UrgencyJoined
	default:
		return UrgencyIdle
	}
}

// Rank returns sessions sorted by urgency, then most recently active.
func Rank(sessions []domain.Session) []domain.Session {
	ranked := append([]domain.Session(nil), sessions...)
	sort.SliceStable(ranked, func(i, j int) bool {
		ui, uj := UrgencyOf(ranked[i]), UrgencyOf(ranked[j])
		if ui != uj {
			return ui > uj
		}
		return ranked[i].LastActiveAt.After(ranked[j].LastActiveAt)
	})
	return ranked
}
