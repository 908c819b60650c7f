package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roundtable-ai/roundtable-platform/internal/credit"
	"github.com/roundtable-ai/roundtable-platform/internal/middleware"
	"github.com/roundtable-ai/roundtable-platform/internal/model"
	"github.com/roundtable-ai/roundtable-platform/internal/service"
	"github.com/roundtable-ai/roundtable-platform/pkg/logger"
	"github.com/roundtable-ai/roundtable-platform/pkg/metrics"
)

// statusPollInterval is how often a live round connection re-reads the
// round's phase from persisted state.
const statusPollInterval = 500 * time.Millisecond

// tokenBuffer bounds the queue between the model stream and a slow client.
// A full buffer drops tokens for the live view only; the persisted message
// is unaffected.
const tokenBuffer = 1024

// RoundHandler handles round submission and status endpoints.
type RoundHandler struct {
	rounds *service.RoundService
	logger *logger.Logger
}

// NewRoundHandler creates a new round handler.
func NewRoundHandler(rounds *service.RoundService, log *logger.Logger) *RoundHandler {
	return &RoundHandler{rounds: rounds, logger: log}
}

// tokenFrame is a live token forwarded over SSE.
type tokenFrame struct {
	ParticipantIndex int    `json:"participant_index"`
	Index            int    `json:"index"`
	Token            string `json:"token"`
}

// Submit handles POST /api/v1/threads/{id}/rounds
// The response is an SSE stream of live tokens followed by a terminal round
// event. Disconnecting mid-stream never aborts the round: execution runs on
// a detached background context, and the client resumes via the status and
// messages endpoints.
func (h *RoundHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	plan := middleware.GetPlan(ctx)
	threadID := chi.URLParam(r, "id")

	if err := middleware.ValidateThreadID(threadID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SubmitRoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Config != nil && req.Config.Participants != nil {
		if err := middleware.ValidateParticipants(*req.Config.Participants); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	tokens := make(chan tokenFrame, tokenBuffer)
	sink := func(participantIndex int, token string, index int) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tokens <- tokenFrame{ParticipantIndex: participantIndex, Index: index, Token: token}:
			return nil
		default:
			// Slow client: drop the token rather than stall the round.
			return nil
		}
	}

	roundNumber, err := h.rounds.Submit(ctx, userID, plan, threadID, &req, sink)
	if err != nil {
		if errors.Is(err, credit.ErrInsufficientCredits) {
			writeInsufficientCredits(w)
			return
		}
		if errors.Is(err, service.ErrThreadNotFound) {
			writeError(w, http.StatusNotFound, "thread not found")
			return
		}
		h.logger.Errorw("failed to submit round", "thread_id", threadID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start round")
		return
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

	sendSSEEvent(w, flusher, "round_started", map[string]interface{}{
		"thread_id":    threadID,
		"round_number": roundNumber,
	})

	poll := time.NewTicker(statusPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Infow("round client disconnected", "thread_id", threadID, "round", roundNumber)
			return

		case frame := <-tokens:
			sendSSEEvent(w, flusher, "token", frame)

		case <-poll.C:
			status, err := h.rounds.Status(ctx, userID, threadID, roundNumber)
			if err != nil {
				continue
			}
			if status.Status != "completed" && status.Status != "failed" {
				continue
			}

			// Drain whatever arrived before the terminal poll.
			for drained := false; !drained; {
				select {
				case frame := <-tokens:
					sendSSEEvent(w, flusher, "token", frame)
				default:
					drained = true
				}
			}
			sendSSEEvent(w, flusher, "round_complete", status)
			return
		}
	}
}

// Status handles GET /api/v1/threads/{id}/rounds/{round}/status
func (h *RoundHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	threadID := chi.URLParam(r, "id")

	if err := middleware.ValidateThreadID(threadID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	roundNumber, err := strconv.Atoi(chi.URLParam(r, "round"))
	if err != nil || roundNumber < 0 {
		writeError(w, http.StatusBadRequest, "round must be a non-negative integer")
		return
	}

	status, err := h.rounds.Status(ctx, userID, threadID, roundNumber)
	if err != nil {
		if errors.Is(err, service.ErrThreadNotFound) {
			writeError(w, http.StatusNotFound, "thread not found")
			return
		}
		h.logger.Errorw("failed to compute round status", "thread_id", threadID, "round", roundNumber, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute round status")
		return
	}

	writeJSON(w, http.StatusOK, status)
}
