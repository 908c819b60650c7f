package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/roundtable-ai/roundtable-platform/internal/middleware"
	natsclient "github.com/roundtable-ai/roundtable-platform/internal/nats"
	"github.com/roundtable-ai/roundtable-platform/internal/service"
	"github.com/roundtable-ai/roundtable-platform/pkg/logger"
	"github.com/roundtable-ai/roundtable-platform/pkg/metrics"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// StreamHandler handles the thread SSE endpoint: a replay of persisted
// messages followed by live round events from JetStream.
type StreamHandler struct {
	threads *service.ThreadService
	streams *natsclient.StreamManager
	logger  *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(threads *service.ThreadService, streams *natsclient.StreamManager, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		threads: threads,
		streams: streams,
		logger:  log,
	}
}

// replayCompleteEvent marks the boundary between replayed history and live
// events.
type replayCompleteEvent struct {
	MessageCount int `json:"message_count"`
}

// liveFrame is a JetStream message re-framed for SSE delivery.
type liveFrame struct {
	event    string
	sequence uint64
	data     json.RawMessage
}

// Stream handles GET /api/v1/threads/{id}/stream
// Supports ?after_sequence=N to resume live events from a JetStream sequence.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	threadID := chi.URLParam(r, "id")

	if err := middleware.ValidateThreadID(threadID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.threads.Get(ctx, userID, threadID); err != nil {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}

	var afterSequence uint64
	if seqStr := r.URL.Query().Get("after_sequence"); seqStr != "" {
		if seq, err := strconv.ParseUint(seqStr, 10, 64); err == nil {
			afterSequence = seq
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"thread_id": threadID,
	})

	// Replay every persisted message. Partial messages replay with their
	// streaming parts intact so the client can render the round in flight.
	history, err := h.threads.Messages(ctx, userID, threadID)
	if err != nil {
		h.logger.Errorw("failed to replay messages", "thread_id", threadID, "error", err)
		sendSSEEvent(w, flusher, "error", map[string]string{
			"code":    "replay_error",
			"message": "Failed to replay messages",
		})
		return
	}
	for i := range history.Messages {
		select {
		case <-ctx.Done():
			return
		default:
		}
		sendSSEEvent(w, flusher, "message", history.Messages[i])
	}

	sendSSEEvent(w, flusher, "replay_complete", &replayCompleteEvent{
		MessageCount: len(history.Messages),
	})

	// Live events flow through a channel so only this goroutine writes to
	// the connection.
	frames := make(chan liveFrame, 256)
	cc, err := h.streams.SubscribeThread(ctx, threadID, afterSequence, func(msg jetstream.Msg) {
		frame := liveFrame{
			event: subjectEventName(msg.Subject()),
			data:  json.RawMessage(msg.Data()),
		}
		if meta, err := msg.Metadata(); err == nil {
			frame.sequence = meta.Sequence.Stream
		}
		select {
		case frames <- frame:
		case <-ctx.Done():
		}
		msg.Ack()
	})
	if err != nil {
		h.logger.Errorw("failed to subscribe to thread events", "thread_id", threadID, "error", err)
		sendSSEEvent(w, flusher, "error", map[string]string{
			"code":    "subscribe_error",
			"message": "Failed to subscribe to live events",
		})
		return
	}
	defer cc.Stop()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Infow("SSE client disconnected", "thread_id", threadID)
			return

		case frame := <-frames:
			sendSSESequenced(w, flusher, frame)

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", map[string]time.Time{
				"timestamp": time.Now(),
			})
		}
	}
}

// subjectEventName extracts the SSE event name from a round subject:
// round.<thread>.<n>.event.<type> or round.<thread>.<n>.changelog.
func subjectEventName(subject string) string {
	parts := strings.Split(subject, ".")
	last := parts[len(parts)-1]
	if last == "" {
		return "event"
	}
	return last
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}

// sendSSESequenced carries the JetStream sequence as the SSE id so clients
// can resume with ?after_sequence.
func sendSSESequenced(w http.ResponseWriter, flusher http.Flusher, frame liveFrame) {
	fmt.Fprintf(w, "event: %s\n", frame.event)
	if frame.sequence > 0 {
		fmt.Fprintf(w, "id: %d\n", frame.sequence)
	}
	fmt.Fprintf(w, "data: %s\n\n", frame.data)
	flusher.Flush()
}
