// Package round implements the orchestration engine that sequences a round:
// optional pre-search, N ordered participants, and a moderator summary.
package round

import (
	"sort"

	"github.com/roundtable-ai/roundtable-platform/internal/model"
)

// Status is the completion gate's verdict for one round.
type Status struct {
	AllComplete      bool
	CompletedIndexes []int
	StreamingIndexes []int
	ExpectedCount    int
	CompletedCount   int
}

// CompletionStatus decides whether every enabled participant has a complete
// message for the round. It is a pure function of its inputs: callable
// repeatedly and concurrently with identical results.
//
// A participant with no message yet is treated as streaming. AllComplete is
// the sole signal that may authorize moderator creation or credit zeroing;
// no timer or count heuristic substitutes for it.
//
// Index slices are ordered by participant priority, so StreamingIndexes[0]
// is always the next participant the round should run.
func CompletionStatus(messages []model.Message, participants []model.Participant, roundNumber int) Status {
	st := Status{}

	byIndex := make(map[int]*model.Message)
	for i := range messages {
		m := &messages[i]
		if m.Role != model.RoleAssistant || m.RoundNumber != roundNumber {
			continue
		}
		byIndex[m.ParticipantIndex] = m
	}

	roster := make([]model.Participant, len(participants))
	copy(roster, participants)
	sort.SliceStable(roster, func(i, j int) bool { return roster[i].Priority < roster[j].Priority })

	for _, p := range roster {
		if !p.Enabled {
			continue
		}
		st.ExpectedCount++
		m, ok := byIndex[p.Index]
		if ok && m.Complete() {
			st.CompletedIndexes = append(st.CompletedIndexes, p.Index)
			st.CompletedCount++
		} else {
			st.StreamingIndexes = append(st.StreamingIndexes, p.Index)
		}
	}

	st.AllComplete = st.ExpectedCount > 0 && st.CompletedCount == st.ExpectedCount
	return st
}

// ParticipantComplete reports whether the single participant at index has a
// complete message for the round.
func ParticipantComplete(messages []model.Message, index, roundNumber int) bool {
	for i := range messages {
		m := &messages[i]
		if m.Role == model.RoleAssistant && m.RoundNumber == roundNumber && m.ParticipantIndex == index {
			return m.Complete()
		}
	}
	return false
}
