// Package model defines data structures for the roundtable platform.
package model

import (
	"sort"
	"time"
)

// ThreadMode selects the prompting style applied to every participant in a round.
type ThreadMode string

const (
	ModeDiscussion ThreadMode = "discussion"
	ModeDebate     ThreadMode = "debate"
	ModeBrainstorm ThreadMode = "brainstorm"
)

// Participant is one configured AI responder within a thread.
// Index is stable for the lifetime of a round even if the roster changes
// mid-round; roster changes apply from the next round.
type Participant struct {
	Index        int     `json:"index"`
	Name         string  `json:"name"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	Priority     int     `json:"priority"`
	Enabled      bool    `json:"enabled"`
}

// ThreadConfig is the round-shaping configuration carried by a thread.
type ThreadConfig struct {
	Mode             ThreadMode    `json:"mode"`
	WebSearchEnabled bool          `json:"web_search_enabled"`
	Participants     []Participant `json:"participants"`
}

// EnabledParticipants returns the enabled roster ordered by priority.
func (c ThreadConfig) EnabledParticipants() []Participant {
	var out []Participant
	for _, p := range c.Participants {
		if p.Enabled {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Thread represents a conversation thread owned by a user.
type Thread struct {
	ID        string       `json:"id"`
	UserID    string       `json:"user_id"`
	Title     string       `json:"title"`
	Config    ThreadConfig `json:"config"`
	Status    string       `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Deleted   bool         `json:"deleted,omitempty"`
}

// ConfigFlags are the per-thread blocking flags set while a config change is
// being sequenced. Both must be clear before pre-search or participant
// execution for the flagged round may proceed.
type ConfigFlags struct {
	ConfigChangeRoundNumber *int `json:"config_change_round_number"`
	IsWaitingForChangelog   bool `json:"is_waiting_for_changelog"`
}

// Clear reports whether execution is unblocked.
func (f ConfigFlags) Clear() bool {
	return f.ConfigChangeRoundNumber == nil && !f.IsWaitingForChangelog
}

// CreateThreadRequest is the request to create a new thread.
type CreateThreadRequest struct {
	Title  string       `json:"title"`
	Config ThreadConfig `json:"config"`
}

// UpdateThreadRequest is the PATCH body carrying a configuration delta.
// Nil fields mean "unchanged".
type UpdateThreadRequest struct {
	Title            *string        `json:"title,omitempty"`
	Mode             *ThreadMode    `json:"mode,omitempty"`
	WebSearchEnabled *bool          `json:"web_search_enabled,omitempty"`
	Participants     *[]Participant `json:"participants,omitempty"`
}

// ListThreadsResponse is the response for listing threads.
type ListThreadsResponse struct {
	Threads []Thread `json:"threads"`
	Total   int      `json:"total"`
	HasMore bool     `json:"has_more"`
}
