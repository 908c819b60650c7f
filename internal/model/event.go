package model

import (
	"time"
)

// EventType represents the type of round lifecycle event published for UIs.
type EventType string

const (
	EventRoundStarted        EventType = "round_started"
	EventPreSearchStarted    EventType = "presearch_started"
	EventPreSearchComplete   EventType = "presearch_complete"
	EventParticipantStarted  EventType = "participant_started"
	EventParticipantComplete EventType = "participant_complete"
	EventModeratorStarted    EventType = "moderator_started"
	EventRoundComplete       EventType = "round_complete"
	EventConfigChanged       EventType = "config_changed"
	EventError               EventType = "error"
)

// RoundEvent is a lifecycle event within a round, published to JetStream.
type RoundEvent struct {
	ID          string         `json:"id"`
	ThreadID    string         `json:"thread_id"`
	RoundNumber int            `json:"round_number"`
	Type        EventType      `json:"type"`
	Reason      string         `json:"reason,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Sequence    uint64         `json:"sequence,omitempty"`
}

// BoolChange records an old/new boolean in a changelog diff.
type BoolChange struct {
	Old bool `json:"old"`
	New bool `json:"new"`
}

// ModeChange records an old/new thread mode in a changelog diff.
type ModeChange struct {
	Old ThreadMode `json:"old"`
	New ThreadMode `json:"new"`
}

// ConfigDiff describes what a configuration change altered. It is generated
// strictly after the new config is persisted so it reflects persisted truth.
type ConfigDiff struct {
	WebSearch *BoolChange `json:"web_search,omitempty"`
	Mode      *ModeChange `json:"mode,omitempty"`
	Added     []string    `json:"added,omitempty"`
	Removed   []string    `json:"removed,omitempty"`
	Reordered bool        `json:"reordered,omitempty"`
}

// Empty reports whether the diff carries no change at all.
func (d ConfigDiff) Empty() bool {
	return d.WebSearch == nil && d.Mode == nil &&
		len(d.Added) == 0 && len(d.Removed) == 0 && !d.Reordered
}

// Changelog is the durable record of one applied configuration change,
// keyed by the round whose submission carried the delta.
type Changelog struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"thread_id"`
	RoundNumber int        `json:"round_number"`
	Diff        ConfigDiff `json:"diff"`
	CreatedAt   time.Time  `json:"created_at"`
}
