package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xiaot623/gridview/internal/domain"
)

func TestUrgencyOf(t *testing.T) {
	assert.Equal(t, UrgencyRequested, UrgencyOf(domain.Session{AdminRequested: true}))
	assert.Equal(t, UrgencyJoined, UrgencyOf(domain.Session{AdminRequested: true, AdminJoined: true}))
	assert.Equal(t, UrgencyJoined, UrgencyOf(domain.Session{AdminJoined: true}))
	assert.Equal(t, UrgencyIdle, UrgencyOf(domain.Session{}))
	assert.Equal(t, "requested", UrgencyRequested.String())
}

func TestRank(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sessions := []domain.Session{
		{SubjectID: "idle-new", LastActiveAt: base.Add(5 * time.Minute)},
		{SubjectID: "joined", AdminRequested: true, AdminJoined: true, LastActiveAt: base},
		{SubjectID: "req-old", AdminRequested: true, LastActiveAt: base},
		{SubjectID: "req-new", AdminRequested: true, LastActiveAt: base.Add(time.Minute)},
		{SubjectID: "idle-old", LastActiveAt: base},
	}

	ranked := Rank(sessions)
	ids := make([]string, len(ranked))
	for i, s := range ranked {
		ids[i] = s.SubjectID
	}
	assert.Equal(t, []string{"req-new", "req-old", "joined", "idle-new", "idle-old"}, ids)
	assert.Equal(t, "idle-new", sessions[0].SubjectID)
}
