package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"livepoll/internal/domain/poll"
	"livepoll/internal/domain/vote"
	"livepoll/internal/platform/apperr"
)

type createPollRequest struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

type createPollResponse struct {
	Poll      *poll.Poll `json:"poll"`
	HostToken string     `json:"hostToken"`
}

type pollResultsResponse struct {
	Poll       *poll.Poll       `json:"poll"`
	Statistics *vote.Statistics `json:"statistics"`
}

// @Summary     Create a poll
// @Tags        polls
// @Accept      json
// @Produce     json
// @Param       request  body      createPollRequest  true  "Question and 2-5 options"
// @Success     201      {object}  createPollResponse
// @Failure     400      {object}  map[string]string  "invalid body"
// @Failure     429      {object}  map[string]string  "rate limited"
// @Failure     503      {object}  map[string]string  "temporarily unavailable"
// @Router      /api/v1/polls [post]
func (h *Handler) handleCreatePoll(w http.ResponseWriter, r *http.Request) {
	var req createPollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, apperr.BadRequest("INVALID_INPUT", "invalid body", err))
		return
	}

	p, err := h.pollSvc.Create(r.Context(), req.Question, req.Options)
	if err != nil {
		errorResponse(w, err)
		return
	}

	token, err := h.jwtMgr.GenerateHostToken(p.RoomCode, hostTokenTTL)
	if err != nil {
		errorResponse(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createPollResponse{Poll: p, HostToken: token})
}

// @Summary     Fetch a poll by room code
// @Tags        polls
// @Produce     json
// @Param       roomCode  path      string  true  "6-character room code"
// @Success     200       {object}  poll.Poll
// @Failure     404       {object}  map[string]string  "not found"
// @Router      /api/v1/polls/{roomCode} [get]
func (h *Handler) handleGetPoll(w http.ResponseWriter, r *http.Request) {
	p, err := h.pollSvc.Get(r.Context(), chi.URLParam(r, "roomCode"))
	if err != nil {
		errorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// @Summary     Current vote tallies for a poll
// @Tags        polls
// @Produce     json
// @Param       roomCode  path      string  true  "6-character room code"
// @Success     200       {object}  pollResultsResponse
// @Failure     404       {object}  map[string]string  "not found"
// @Failure     503       {object}  map[string]string  "temporarily unavailable"
// @Router      /api/v1/polls/{roomCode}/results [get]
func (h *Handler) handlePollResults(w http.ResponseWriter, r *http.Request) {
	p, err := h.pollSvc.Get(r.Context(), chi.URLParam(r, "roomCode"))
	if err != nil {
		errorResponse(w, err)
		return
	}

	stats, err := h.voteSvc.Statistics(r.Context(), p)
	if err != nil {
		errorResponse(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pollResultsResponse{Poll: p, Statistics: stats})
}
