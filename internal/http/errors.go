package api

import (
	"database/sql"
	"errors"
	"net/http"

	"livepoll/internal/domain/poll"
	"livepoll/internal/domain/vote"
	"livepoll/internal/platform/apperr"
	"livepoll/internal/resilience"
)

func errorResponse(w http.ResponseWriter, err error) {
	appErr := MapError(err)
	writeJSON(w, appErr.StatusCode(), map[string]string{
		"error":   appErr.Code,
		"message": appErr.Message,
	})
}

// MapError converts domain and infrastructure errors into the short
// code+message pairs clients may branch on. Raw internals never leak.
func MapError(err error) *apperr.AppError {
	if err == nil {
		return apperr.Internal("INTERNAL_ERROR", "internal server error", nil)
	}

	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	switch {
	case errors.Is(err, poll.ErrPollNotFound):
		return apperr.NotFound("POLL_NOT_FOUND", "poll not found", err)
	case errors.Is(err, poll.ErrParticipantNotFound):
		return apperr.NotFound("PARTICIPANT_NOT_FOUND", "participant not found", err)
	case errors.Is(err, poll.ErrInvalidTransition):
		return apperr.Conflict("INVALID_STATE_TRANSITION", "poll state can only advance forward", err)
	case errors.Is(err, poll.ErrInvalidState):
		return apperr.BadRequest("INVALID_STATE", "unknown poll state", err)
	case errors.Is(err, poll.ErrInvalidQuestion):
		return apperr.BadRequest("INVALID_INPUT", "question is required", err)
	case errors.Is(err, poll.ErrInvalidOptions):
		return apperr.BadRequest("INVALID_INPUT", "poll needs between 2 and 5 non-empty options", err)
	case errors.Is(err, poll.ErrNicknameTaken):
		return apperr.Conflict("NICKNAME_TAKEN", "nickname already taken in this room", err)
	case errors.Is(err, poll.ErrRoomFull):
		return apperr.Conflict("ROOM_FULL", "room is full", err)
	case errors.Is(err, vote.ErrPollNotOpen):
		return apperr.Conflict("POLL_NOT_OPEN", "poll is not open for voting", err)
	case errors.Is(err, vote.ErrInvalidOption):
		return apperr.BadRequest("INVALID_OPTION", "option index is out of range", err)
	case errors.Is(err, resilience.ErrCircuitOpen):
		return apperr.Unavailable("CIRCUIT_BREAKER_OPEN", "temporarily unavailable, retry shortly", err)
	case errors.Is(err, resilience.ErrTimeout):
		return apperr.Unavailable("ETIMEDOUT", "temporarily unavailable, retry shortly", err)
	case errors.Is(err, sql.ErrNoRows):
		return apperr.NotFound("NOT_FOUND", "resource not found", err)
	default:
		return apperr.Internal("INTERNAL_ERROR", http.StatusText(http.StatusInternalServerError), err)
	}
}
