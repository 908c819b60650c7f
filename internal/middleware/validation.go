package middleware

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roundtable-ai/roundtable-platform/internal/model"
)

const (
	maxTitleLength   = 200
	maxContentLength = 32_000
	maxParticipants  = 8
)

// ValidateThreadID validates a thread ID path parameter.
func ValidateThreadID(id string) error {
	if id == "" {
		return errors.New("thread id is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("thread id must be a valid UUID")
	}
	return nil
}

// ValidateTitle validates a thread title.
func ValidateTitle(title string) error {
	if len(title) > maxTitleLength {
		return fmt.Errorf("title must be at most %d characters", maxTitleLength)
	}
	return nil
}

// ValidateMessageContent validates user message content.
func ValidateMessageContent(content string) error {
	if content == "" {
		return errors.New("message content is required")
	}
	if len(content) > maxContentLength {
		return fmt.Errorf("message content must be at most %d characters", maxContentLength)
	}
	return nil
}

// ValidateParticipants validates a participant roster.
func ValidateParticipants(participants []model.Participant) error {
	if len(participants) == 0 {
		return errors.New("at least one participant is required")
	}
	if len(participants) > maxParticipants {
		return fmt.Errorf("at most %d participants are allowed", maxParticipants)
	}
	seen := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		if p.Name == "" {
			return errors.New("participant name is required")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate participant name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}
