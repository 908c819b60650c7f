package model

import (
	"fmt"
	"time"
)

// RecordStatus is the lifecycle of a pre-search or moderator record.
type RecordStatus string

const (
	StatusPending   RecordStatus = "pending"
	StatusStreaming RecordStatus = "streaming"
	StatusComplete  RecordStatus = "complete"
	StatusFailed    RecordStatus = "failed"
)

// Terminal reports whether the record will not change state again.
func (s RecordStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// PreSearch is the web-search artifact preceding participant execution.
// At most one exists per (thread, round).
type PreSearch struct {
	ThreadID    string       `json:"thread_id"`
	RoundNumber int          `json:"round_number"`
	Status      RecordStatus `json:"status"`
	Query       string       `json:"query,omitempty"`
	Summary     string       `json:"summary,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Analysis is the moderator summary record. At most one per (thread, round).
type Analysis struct {
	ThreadID    string       `json:"thread_id"`
	RoundNumber int          `json:"round_number"`
	Status      RecordStatus `json:"status"`
	Summary     string       `json:"summary,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// PhaseKind enumerates the legal states of a round.
type PhaseKind int

const (
	PhasePreSearch PhaseKind = iota
	PhaseParticipant
	PhaseModerator
	PhaseComplete
	PhaseFailed
)

// RoundPhase is the recomputed position of a round within its lifecycle.
type RoundPhase struct {
	Kind             PhaseKind
	ParticipantIndex int
}

func (p RoundPhase) String() string {
	switch p.Kind {
	case PhasePreSearch:
		return "presearch"
	case PhaseParticipant:
		return fmt.Sprintf("participant:%d", p.ParticipantIndex)
	case PhaseModerator:
		return "moderator"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RoundStatusResponse is the payload of GET /threads/{id}/rounds/{n}/status.
type RoundStatusResponse struct {
	Status string `json:"status"`
	Phase  string `json:"phase"`
}

// StatusString maps a phase to the coarse round status exposed over the API.
func (p RoundPhase) StatusString() string {
	switch p.Kind {
	case PhaseComplete:
		return "completed"
	case PhaseFailed:
		return "failed"
	case PhasePreSearch:
		return "pending"
	default:
		return "in_progress"
	}
}
