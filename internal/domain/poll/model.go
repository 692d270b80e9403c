package poll

import (
	"context"
	"errors"
	"time"
)

type State string

const (
	StateWaiting State = "waiting"
	StateOpen    State = "open"
	StateClosed  State = "closed"
)

// Next returns the only legal successor state. Poll state advances
// forward and never reopens: waiting -> open -> closed.
func (s State) Next() (State, bool) {
	switch s {
	case StateWaiting:
		return StateOpen, true
	case StateOpen:
		return StateClosed, true
	default:
		return "", false
	}
}

func ParseState(s string) (State, bool) {
	switch State(s) {
	case StateWaiting, StateOpen, StateClosed:
		return State(s), true
	}
	return "", false
}

type Poll struct {
	ID        int64     `json:"id"`
	RoomCode  string    `json:"roomCode"`
	Question  string    `json:"question"`
	Options   []string  `json:"options"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

type Participant struct {
	ID        string    `json:"id"`
	PollID    int64     `json:"pollId"`
	Nickname  string    `json:"nickname"`
	Connected bool      `json:"connected"`
	LastSeen  time.Time `json:"lastSeen"`
}

var (
	ErrPollNotFound        = errors.New("poll not found")
	ErrRoomCodeTaken       = errors.New("room code already in use")
	ErrInvalidTransition   = errors.New("poll state cannot go backwards or skip ahead")
	ErrInvalidQuestion     = errors.New("question is required")
	ErrInvalidOptions      = errors.New("poll needs between 2 and 5 non-empty options")
	ErrInvalidState        = errors.New("unknown poll state")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrNicknameTaken       = errors.New("nickname already taken in this room")
	ErrRoomFull            = errors.New("room is full")
)

type Repository interface {
	Create(ctx context.Context, p *Poll) error
	GetByRoomCode(ctx context.Context, roomCode string) (*Poll, error)
	UpdateState(ctx context.Context, roomCode string, state State) error
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	AddParticipant(ctx context.Context, pt *Participant) error
	FindParticipant(ctx context.Context, pollID int64, nickname string) (*Participant, error)
	ReconnectParticipant(ctx context.Context, participantID string) error
	MarkDisconnected(ctx context.Context, participantID string) error
	CountConnected(ctx context.Context, pollID int64) (int, error)
}
