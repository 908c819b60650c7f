package model

import (
	"strings"
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleModerator Role = "moderator"
)

// PartState is the streaming state of one message part.
type PartState string

const (
	PartStreaming PartState = "streaming"
	PartDone      PartState = "done"
)

// MessagePart is one ordered chunk of message content.
type MessagePart struct {
	Index int       `json:"index"`
	State PartState `json:"state"`
	Text  string    `json:"text"`
}

// ModeratorIndex is the participant index recorded on user and moderator
// messages, which belong to no participant slot.
const ModeratorIndex = -1

// Message represents one message within a round.
type Message struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`

	Role             Role          `json:"role"`
	RoundNumber      int           `json:"-"`
	ParticipantIndex int           `json:"-"`
	Parts            []MessagePart `json:"parts"`
	FinishReason     string        `json:"finish_reason,omitempty"`

	// LLM metadata, assistant and moderator messages only.
	Model     *string `json:"model,omitempty"`
	TokensIn  *int    `json:"tokens_in,omitempty"`
	TokensOut *int    `json:"tokens_out,omitempty"`
	LatencyMs *int64  `json:"latency_ms,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Content concatenates the text of all parts in order.
func (m *Message) Content() string {
	var b strings.Builder
	for _, p := range m.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// Complete reports whether the message is terminally finished.
//
// A message is complete iff every part has state done AND it either has
// non-empty content or carries a finishReason; a finishReason with no
// content still signals stream termination (e.g. upstream error). A message
// with zero parts is never complete, and a message with any streaming part
// is never complete even when finishReason is set (part state wins).
func (m *Message) Complete() bool {
	if len(m.Parts) == 0 {
		return false
	}
	for _, p := range m.Parts {
		if p.State != PartDone {
			return false
		}
	}
	return m.Content() != "" || m.FinishReason != ""
}

// MessageMetadata is the round addressing exposed over the API.
type MessageMetadata struct {
	RoundNumber      int `json:"roundNumber"`
	ParticipantIndex int `json:"participantIndex"`
}

// MessageView is the API shape of a message: round addressing travels in a
// metadata envelope, not as top-level fields.
type MessageView struct {
	Message
	Metadata MessageMetadata `json:"metadata"`
}

// NewMessageView wraps a stored message for API delivery.
func NewMessageView(m Message) MessageView {
	return MessageView{
		Message: m,
		Metadata: MessageMetadata{
			RoundNumber:      m.RoundNumber,
			ParticipantIndex: m.ParticipantIndex,
		},
	}
}

// SubmitRoundRequest is the request that opens a new round. A submission may
// carry a configuration delta, which is sequenced before the round executes.
type SubmitRoundRequest struct {
	Content string               `json:"content"`
	Config  *UpdateThreadRequest `json:"config,omitempty"`
}

// ListMessagesResponse is the response for listing a thread's messages.
type ListMessagesResponse struct {
	Messages []MessageView `json:"messages"`
	Total    int           `json:"total"`
}
