package vote

import (
	"context"
	"errors"
	"time"
)

// Vote is keyed by participant: at most one row per participant, with
// upsert semantics. A new vote overwrites the prior option index, so the
// ledger never double-counts.
type Vote struct {
	ParticipantID string    `json:"participantId"`
	PollID        int64     `json:"pollId"`
	OptionIndex   int       `json:"optionIndex"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Statistics is the aggregate for one poll. Percentages are rounded to
// two decimals; an all-zero total yields all-zero percentages.
type Statistics struct {
	VoteCounts  []int     `json:"voteCounts"`
	Percentages []float64 `json:"percentages"`
	Total       int       `json:"totalVotes"`
}

var (
	ErrPollNotOpen   = errors.New("poll is not open for voting")
	ErrInvalidOption = errors.New("option index is out of range")
)

type Repository interface {
	Upsert(ctx context.Context, v *Vote) error
	Counts(ctx context.Context, pollID int64) (map[int]int, error)
	// VoteIndex returns the participant's current option, or nil when
	// they have not voted.
	VoteIndex(ctx context.Context, participantID string) (*int, error)
}
