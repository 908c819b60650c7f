package round

import (
	"testing"

	"github.com/roundtable-ai/roundtable-platform/internal/model"
)

func roster(n int) []model.Participant {
	out := make([]model.Participant, n)
	for i := range out {
		out[i] = model.Participant{Index: i, Name: string(rune('A' + i)), Priority: i, Enabled: true}
	}
	return out
}

func assistantMsg(index, round int, parts []model.MessagePart, finishReason string) model.Message {
	return model.Message{
		Role:             model.RoleAssistant,
		RoundNumber:      round,
		ParticipantIndex: index,
		Parts:            parts,
		FinishReason:     finishReason,
	}
}

func TestCompletionStatus_AllDone(t *testing.T) {
	t.Parallel()

	msgs := []model.Message{
		assistantMsg(0, 1, []model.MessagePart{{Index: 0, State: model.PartDone, Text: "alpha"}}, "stop"),
		assistantMsg(1, 1, []model.MessagePart{{Index: 0, State: model.PartDone, Text: "beta"}}, "stop"),
	}

	st := CompletionStatus(msgs, roster(2), 1)
	if !st.AllComplete {
		t.Fatal("expected AllComplete")
	}
	if st.CompletedCount != 2 || st.ExpectedCount != 2 {
		t.Errorf("expected 2/2, got %d/%d", st.CompletedCount, st.ExpectedCount)
	}
}

func TestCompletionStatus_OrdersIndexesByPriority(t *testing.T) {
	t.Parallel()

	// Declaration order disagrees with priority order: the next participant
	// to run (StreamingIndexes[0]) must follow priority.
	participants := []model.Participant{
		{Index: 0, Name: "A", Priority: 2, Enabled: true},
		{Index: 1, Name: "B", Priority: 0, Enabled: true},
		{Index: 2, Name: "C", Priority: 1, Enabled: true},
	}
	msgs := []model.Message{
		assistantMsg(1, 1, []model.MessagePart{{Index: 0, State: model.PartDone, Text: "beta"}}, "stop"),
	}

	st := CompletionStatus(msgs, participants, 1)
	if len(st.StreamingIndexes) != 2 || st.StreamingIndexes[0] != 2 || st.StreamingIndexes[1] != 0 {
		t.Errorf("expected streaming indexes [2 0], got %v", st.StreamingIndexes)
	}
	if len(st.CompletedIndexes) != 1 || st.CompletedIndexes[0] != 1 {
		t.Errorf("expected completed indexes [1], got %v", st.CompletedIndexes)
	}
}

func TestCompletionStatus_StreamingPartBlocks(t *testing.T) {
	t.Parallel()

	// A streaming part means incomplete even when finishReason is already set.
	msgs := []model.Message{
		assistantMsg(0, 1, []model.MessagePart{{Index: 0, State: model.PartDone, Text: "alpha"}}, "stop"),
		assistantMsg(1, 1, []model.MessagePart{{Index: 0, State: model.PartStreaming, Text: "bet"}}, "stop"),
	}

	st := CompletionStatus(msgs, roster(2), 1)
	if st.AllComplete {
		t.Fatal("streaming part must block AllComplete")
	}
	if len(st.StreamingIndexes) != 1 || st.StreamingIndexes[0] != 1 {
		t.Errorf("expected streaming index [1], got %v", st.StreamingIndexes)
	}
}

func TestCompletionStatus_EmptyContentWithFinishReason(t *testing.T) {
	t.Parallel()

	// A failed participant has done parts, no content, and an error finish
	// reason. It still counts as complete so the round is not stranded.
	msgs := []model.Message{
		assistantMsg(0, 1, []model.MessagePart{{Index: 0, State: model.PartDone}}, "error"),
		assistantMsg(1, 1, []model.MessagePart{{Index: 0, State: model.PartDone, Text: "beta"}}, "stop"),
	}

	st := CompletionStatus(msgs, roster(2), 1)
	if !st.AllComplete {
		t.Fatal("empty content with finishReason must count as complete")
	}
}

func TestCompletionStatus_ZeroPartsNeverComplete(t *testing.T) {
	t.Parallel()

	msgs := []model.Message{
		assistantMsg(0, 1, nil, "stop"),
	}

	st := CompletionStatus(msgs, roster(1), 1)
	if st.AllComplete {
		t.Fatal("a message with zero parts must never be complete")
	}
}

func TestCompletionStatus_MissingMessageCountsAsStreaming(t *testing.T) {
	t.Parallel()

	msgs := []model.Message{
		assistantMsg(0, 1, []model.MessagePart{{Index: 0, State: model.PartDone, Text: "alpha"}}, "stop"),
	}

	st := CompletionStatus(msgs, roster(3), 1)
	if st.AllComplete {
		t.Fatal("missing messages must block AllComplete")
	}
	if len(st.StreamingIndexes) != 2 {
		t.Errorf("expected 2 streaming indexes, got %v", st.StreamingIndexes)
	}
}

func TestCompletionStatus_DisabledParticipantExcluded(t *testing.T) {
	t.Parallel()

	participants := roster(2)
	participants[1].Enabled = false

	msgs := []model.Message{
		assistantMsg(0, 1, []model.MessagePart{{Index: 0, State: model.PartDone, Text: "alpha"}}, "stop"),
	}

	st := CompletionStatus(msgs, participants, 1)
	if !st.AllComplete {
		t.Fatal("disabled participants must not be expected")
	}
	if st.ExpectedCount != 1 {
		t.Errorf("expected ExpectedCount 1, got %d", st.ExpectedCount)
	}
}

func TestCompletionStatus_EmptyRosterNeverComplete(t *testing.T) {
	t.Parallel()

	st := CompletionStatus(nil, nil, 1)
	if st.AllComplete {
		t.Fatal("a round with no expected participants must not report AllComplete")
	}
}

func TestCompletionStatus_IgnoresOtherRounds(t *testing.T) {
	t.Parallel()

	msgs := []model.Message{
		assistantMsg(0, 1, []model.MessagePart{{Index: 0, State: model.PartDone, Text: "old"}}, "stop"),
		assistantMsg(1, 1, []model.MessagePart{{Index: 0, State: model.PartDone, Text: "old"}}, "stop"),
		assistantMsg(0, 2, []model.MessagePart{{Index: 0, State: model.PartStreaming, Text: "new"}}, ""),
	}

	st := CompletionStatus(msgs, roster(2), 2)
	if st.AllComplete {
		t.Fatal("round 1 completion must not leak into round 2")
	}
	if st.CompletedCount != 0 {
		t.Errorf("expected 0 complete in round 2, got %d", st.CompletedCount)
	}
}

func TestParticipantComplete(t *testing.T) {
	t.Parallel()

	msgs := []model.Message{
		assistantMsg(0, 1, []model.MessagePart{{Index: 0, State: model.PartDone, Text: "alpha"}}, "stop"),
		assistantMsg(1, 1, []model.MessagePart{{Index: 0, State: model.PartStreaming}}, ""),
	}

	if !ParticipantComplete(msgs, 0, 1) {
		t.Error("participant 0 should be complete")
	}
	if ParticipantComplete(msgs, 1, 1) {
		t.Error("participant 1 should not be complete")
	}
	if ParticipantComplete(msgs, 2, 1) {
		t.Error("absent participant should not be complete")
	}
}
