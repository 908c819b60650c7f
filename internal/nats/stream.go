package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/roundtable-ai/roundtable-platform/internal/model"
)

const (
	// StreamName is the name of the rounds stream.
	StreamName = "ROUNDS"

	// SubjectPrefix is the prefix for all round subjects.
	SubjectPrefix = "round"
)

// StreamManager publishes round lifecycle events and changelog records to
// JetStream. The SQLite store is the source of truth; JetStream is the live
// fan-out consumed by connected UIs.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the rounds stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil // Stream already exists
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024, // 10GB
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Round lifecycle events and config changelogs",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// EventSubject returns the subject for a round event.
func EventSubject(threadID string, round int, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%d.event.%s", SubjectPrefix, threadID, round, eventType)
}

// ChangelogSubject returns the subject for a changelog record.
func ChangelogSubject(threadID string, round int) string {
	return fmt.Sprintf("%s.%s.%d.changelog", SubjectPrefix, threadID, round)
}

// ThreadFilter returns the filter subject for everything in a thread.
func ThreadFilter(threadID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, threadID)
}

// SubscribeThread delivers every event and changelog published for a thread
// after the given stream sequence. Pass 0 to receive the full history the
// stream still retains. Stop the returned ConsumeContext when done.
func (m *StreamManager) SubscribeThread(ctx context.Context, threadID string, afterSequence uint64, handler jetstream.MessageHandler) (jetstream.ConsumeContext, error) {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{ThreadFilter(threadID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if afterSequence > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = afterSequence + 1
	}

	cons, err := m.client.JetStream().OrderedConsumer(ctx, StreamName, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(handler)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return cc, nil
}

// PublishEvent publishes a round lifecycle event.
func (m *StreamManager) PublishEvent(ctx context.Context, event *model.RoundEvent) (uint64, error) {
	subject := EventSubject(event.ThreadID, event.RoundNumber, event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, subject, data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}

	return ack.Sequence, nil
}

// PublishChangelog publishes a config changelog record. The acknowledged
// publish is what "changelog durably available" means for the sequencer.
func (m *StreamManager) PublishChangelog(ctx context.Context, c *model.Changelog) (uint64, error) {
	subject := ChangelogSubject(c.ThreadID, c.RoundNumber)

	data, err := json.Marshal(c)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal changelog: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, subject, data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish changelog: %w", err)
	}

	return ack.Sequence, nil
}
