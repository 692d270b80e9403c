package vote

import (
	"context"
	"log/slog"
	"math"
	"time"

	"livepoll/internal/broadcast"
	"livepoll/internal/domain/poll"
	"livepoll/internal/resilience"
	"livepoll/internal/session"
)

// PollSource is the slice of the poll repository the ledger needs.
type PollSource interface {
	GetByRoomCode(ctx context.Context, roomCode string) (*poll.Poll, error)
}

// Service is the vote ledger: one active vote per participant, with
// recomputed aggregates broadcast after every accepted ballot.
type Service struct {
	repo      Repository
	polls     PollSource
	sessions  *session.Directory
	guard     *resilience.Guard
	publisher broadcast.Publisher
	logger    *slog.Logger
}

func NewService(
	repo Repository,
	polls PollSource,
	sessions *session.Directory,
	guard *resilience.Guard,
	publisher broadcast.Publisher,
) *Service {
	return &Service{
		repo:      repo,
		polls:     polls,
		sessions:  sessions,
		guard:     guard,
		publisher: publisher,
		logger:    slog.Default(),
	}
}

// Submit records (or replaces) the participant's vote and returns the new
// aggregate. Two near-simultaneous votes from the same participant are
// last-write-wins; the overwritten row is what keeps the counts honest.
func (s *Service) Submit(ctx context.Context, roomCode, participantID string, optionIndex int) (*Statistics, error) {
	var p *poll.Poll
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		p, err = s.polls.GetByRoomCode(ctx, roomCode)
		return err
	})
	if err != nil {
		return nil, err
	}

	if p.State != poll.StateOpen {
		return nil, ErrPollNotOpen
	}
	if optionIndex < 0 || optionIndex >= len(p.Options) {
		return nil, ErrInvalidOption
	}

	v := &Vote{
		ParticipantID: participantID,
		PollID:        p.ID,
		OptionIndex:   optionIndex,
		UpdatedAt:     time.Now().UTC(),
	}
	err = s.guard.Do(ctx, func(ctx context.Context) error {
		return s.repo.Upsert(ctx, v)
	})
	if err != nil {
		return nil, err
	}

	stats, err := s.Statistics(ctx, p)
	if err != nil {
		return nil, err
	}

	// Session voteIndex is advisory for reconnect UX; losing the write
	// only costs a stale restore hint.
	if _, err := s.sessions.Update(ctx, participantID, func(sess *session.Session) {
		idx := optionIndex
		sess.VoteIndex = &idx
	}); err != nil {
		s.logger.Warn("session vote update degraded", "participant", participantID, "err", err)
	}

	s.publishUpdate(ctx, roomCode, stats)
	return stats, nil
}

// Statistics recomputes the aggregate for a poll from its vote rows.
func (s *Service) Statistics(ctx context.Context, p *poll.Poll) (*Statistics, error) {
	var counts map[int]int
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		counts, err = s.repo.Counts(ctx, p.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return computeStatistics(counts, len(p.Options)), nil
}

func (s *Service) publishUpdate(ctx context.Context, roomCode string, stats *Statistics) {
	ev, err := broadcast.NewEvent(broadcast.EventVoteUpdate, roomCode, broadcast.VoteUpdatePayload{
		Votes:       stats.VoteCounts,
		Percentages: stats.Percentages,
	})
	if err != nil {
		s.logger.Error("event marshal failed", "type", broadcast.EventVoteUpdate, "err", err)
		return
	}
	s.publisher.Publish(ctx, ev)
}

func computeStatistics(counts map[int]int, optionCount int) *Statistics {
	stats := &Statistics{
		VoteCounts:  make([]int, optionCount),
		Percentages: make([]float64, optionCount),
	}
	for idx, c := range counts {
		if idx < 0 || idx >= optionCount {
			continue
		}
		stats.VoteCounts[idx] = c
		stats.Total += c
	}
	if stats.Total == 0 {
		return stats
	}
	for i, c := range stats.VoteCounts {
		stats.Percentages[i] = math.Round(float64(c)/float64(stats.Total)*10000) / 100
	}
	return stats
}
