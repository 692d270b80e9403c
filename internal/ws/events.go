package ws

import (
	"encoding/json"

	"livepoll/internal/domain/poll"
	"livepoll/internal/domain/vote"
)

// envelope frames every message in both directions: inbound requests,
// their acks, and room broadcasts.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const (
	eventJoin        = "join"
	eventSubmitVote  = "submit-vote"
	eventChangeState = "change-poll-state"
)

func ackEvent(event string) string {
	return event + ":ack"
}

type joinRequest struct {
	RoomCode string `json:"roomCode"`
	Nickname string `json:"nickname"`
}

type submitVoteRequest struct {
	RoomCode      string `json:"roomCode"`
	ParticipantID string `json:"participantId"`
	OptionIndex   int    `json:"optionIndex"`
}

type changeStateRequest struct {
	RoomCode  string `json:"roomCode"`
	NewState  string `json:"newState"`
	HostToken string `json:"hostToken,omitempty"`
}

type errorAck struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

type joinAck struct {
	Success       bool       `json:"success"`
	ParticipantID string     `json:"participantId"`
	Reconnected   bool       `json:"reconnected"`
	VoteIndex     *int       `json:"voteIndex,omitempty"`
	Poll          *poll.Poll `json:"poll"`
}

type submitVoteAck struct {
	Success        bool             `json:"success"`
	VoteStatistics *vote.Statistics `json:"voteStatistics"`
}

type changeStateAck struct {
	Success       bool       `json:"success"`
	Poll          *poll.Poll `json:"poll"`
	PreviousState string     `json:"previousState"`
}
