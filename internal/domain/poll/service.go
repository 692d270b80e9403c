package poll

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"livepoll/internal/broadcast"
	"livepoll/internal/resilience"
	"livepoll/internal/session"
)

const (
	MinOptions = 2
	MaxOptions = 5

	maxCodeAttempts = 5
)

// VoteSource recovers a participant's current vote when their cached
// session has expired but the relational row survives.
type VoteSource interface {
	VoteIndex(ctx context.Context, participantID string) (*int, error)
}

// Service is the poll state machine plus the join/reconnect protocol.
// All store and cache calls go through the resilience guards; domain
// events are published after the corresponding write commits.
type Service struct {
	repo      Repository
	votes     VoteSource
	sessions  *session.Directory
	guard     *resilience.Guard
	publisher broadcast.Publisher

	maxParticipants int
	logger          *slog.Logger
}

func NewService(
	repo Repository,
	votes VoteSource,
	sessions *session.Directory,
	guard *resilience.Guard,
	publisher broadcast.Publisher,
	maxParticipants int,
) *Service {
	return &Service{
		repo:            repo,
		votes:           votes,
		sessions:        sessions,
		guard:           guard,
		publisher:       publisher,
		maxParticipants: maxParticipants,
		logger:          slog.Default(),
	}
}

// Create validates the question and options, allocates a unique room
// code and persists the poll in the waiting state.
func (s *Service) Create(ctx context.Context, question string, options []string) (*Poll, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrInvalidQuestion
	}
	if len(options) < MinOptions || len(options) > MaxOptions {
		return nil, ErrInvalidOptions
	}
	cleaned := make([]string, len(options))
	for i, opt := range options {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			return nil, ErrInvalidOptions
		}
		cleaned[i] = opt
	}

	var lastErr error
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := NewRoomCode()
		if err != nil {
			return nil, err
		}

		p := &Poll{
			RoomCode: code,
			Question: question,
			Options:  cleaned,
			State:    StateWaiting,
		}

		err = s.guard.Do(ctx, func(ctx context.Context) error {
			return s.repo.Create(ctx, p)
		})
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrRoomCodeTaken) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *Service) Get(ctx context.Context, roomCode string) (*Poll, error) {
	var p *Poll
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		p, err = s.repo.GetByRoomCode(ctx, roomCode)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ChangeState advances the poll to target and returns the updated poll
// together with the previous state for audit and broadcast purposes.
// Only the immediate successor is accepted: no skipping, no reopening.
func (s *Service) ChangeState(ctx context.Context, roomCode string, target State) (*Poll, State, error) {
	if _, ok := ParseState(string(target)); !ok {
		return nil, "", ErrInvalidState
	}

	p, err := s.Get(ctx, roomCode)
	if err != nil {
		return nil, "", err
	}

	next, ok := p.State.Next()
	if !ok || next != target {
		return nil, "", ErrInvalidTransition
	}

	err = s.guard.Do(ctx, func(ctx context.Context) error {
		return s.repo.UpdateState(ctx, roomCode, target)
	})
	if err != nil {
		return nil, "", err
	}

	previous := p.State
	p.State = target

	s.publish(ctx, broadcast.EventPollStateChanged, roomCode, broadcast.StateChangePayload{
		NewState:      string(target),
		PreviousState: string(previous),
		Timestamp:     time.Now().UTC(),
	})

	return p, previous, nil
}

// JoinResult is the ack payload for a join: the resolved identity, the
// poll snapshot, and, on reconnect, the participant's standing vote so
// the client can restore its UI state.
type JoinResult struct {
	Participant *Participant
	Poll        *Poll
	Reconnected bool
	VoteIndex   *int
	Count       int
}

// Join resolves nickname+room to a participant identity. A nickname with
// a live session (or a surviving participant row) is re-identified, not
// re-created; otherwise a new participant is allocated. The session entry
// is written so any other instance can pick the connection up later.
func (s *Service) Join(ctx context.Context, roomCode, nickname, socketID string) (*JoinResult, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return nil, ErrParticipantNotFound
	}

	p, err := s.Get(ctx, roomCode)
	if err != nil {
		return nil, err
	}

	res := &JoinResult{Poll: p}

	sess, err := s.sessions.FindByNickname(ctx, roomCode, nickname)
	if err != nil {
		// Cache down: fall back to the relational store below.
		s.logger.Warn("session lookup degraded", "room", roomCode, "err", err)
		sess = nil
	}

	switch {
	case sess != nil:
		res.Reconnected = true
		res.VoteIndex = sess.VoteIndex
		res.Participant = &Participant{
			ID:        sess.ParticipantID,
			PollID:    p.ID,
			Nickname:  sess.Nickname,
			Connected: true,
			LastSeen:  time.Now().UTC(),
		}
		err = s.guard.Do(ctx, func(ctx context.Context) error {
			return s.repo.ReconnectParticipant(ctx, sess.ParticipantID)
		})
		if err != nil && !errors.Is(err, ErrParticipantNotFound) {
			return nil, err
		}

	default:
		existing, err := s.findParticipant(ctx, p.ID, nickname)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			// Session expired but the row survives: same identity, and
			// the standing vote is recovered from the ledger.
			res.Reconnected = true
			res.Participant = existing
			if idx, err := s.votes.VoteIndex(ctx, existing.ID); err == nil {
				res.VoteIndex = idx
			}
			err = s.guard.Do(ctx, func(ctx context.Context) error {
				return s.repo.ReconnectParticipant(ctx, existing.ID)
			})
			if err != nil {
				return nil, err
			}
		} else {
			if err := s.checkCapacity(ctx, p.ID); err != nil {
				return nil, err
			}
			pt := &Participant{
				ID:        uuid.NewString(),
				PollID:    p.ID,
				Nickname:  nickname,
				Connected: true,
				LastSeen:  time.Now().UTC(),
			}
			err = s.guard.Do(ctx, func(ctx context.Context) error {
				return s.repo.AddParticipant(ctx, pt)
			})
			if err != nil {
				return nil, err
			}
			res.Participant = pt
		}
	}

	s.storeSession(ctx, p, res, socketID)
	res.Count = s.connectedCount(ctx, p.ID)

	eventType := broadcast.EventParticipantJoined
	if res.Reconnected {
		eventType = broadcast.EventParticipantRejoined
	}
	s.publish(ctx, eventType, roomCode, broadcast.ParticipantPayload{
		Nickname:  res.Participant.Nickname,
		Count:     res.Count,
		Timestamp: time.Now().UTC(),
	})

	return res, nil
}

// Disconnect marks the participant disconnected without deleting them,
// so a returning client resumes its prior vote.
func (s *Service) Disconnect(ctx context.Context, participantID string) error {
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		return s.repo.MarkDisconnected(ctx, participantID)
	})
	if err != nil && !errors.Is(err, ErrParticipantNotFound) {
		return err
	}

	if _, err := s.sessions.Update(ctx, participantID, func(sess *session.Session) {
		sess.SocketID = ""
	}); err != nil {
		s.logger.Warn("session update degraded", "participant", participantID, "err", err)
	}
	return nil
}

// ReapExpired garbage-collects closed polls older than the cutoff,
// cascading their votes and participants.
func (s *Service) ReapExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		deleted, err = s.repo.DeleteClosedBefore(ctx, cutoff)
		return err
	})
	return deleted, err
}

func (s *Service) findParticipant(ctx context.Context, pollID int64, nickname string) (*Participant, error) {
	var pt *Participant
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		pt, err = s.repo.FindParticipant(ctx, pollID, nickname)
		if errors.Is(err, ErrParticipantNotFound) {
			pt = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return pt, nil
}

func (s *Service) checkCapacity(ctx context.Context, pollID int64) error {
	if s.maxParticipants <= 0 {
		return nil
	}
	count := s.connectedCount(ctx, pollID)
	if count >= s.maxParticipants {
		return ErrRoomFull
	}
	return nil
}

func (s *Service) connectedCount(ctx context.Context, pollID int64) int {
	var count int
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		count, err = s.repo.CountConnected(ctx, pollID)
		return err
	})
	if err != nil {
		s.logger.Warn("participant count degraded", "poll", pollID, "err", err)
		return 0
	}
	return count
}

func (s *Service) storeSession(ctx context.Context, p *Poll, res *JoinResult, socketID string) {
	err := s.sessions.Store(ctx, &session.Session{
		ParticipantID: res.Participant.ID,
		SocketID:      socketID,
		PollID:        p.ID,
		RoomCode:      p.RoomCode,
		Nickname:      res.Participant.Nickname,
		VoteIndex:     res.VoteIndex,
		LastSeen:      time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("session store degraded", "participant", res.Participant.ID, "err", err)
	}
}

func (s *Service) publish(ctx context.Context, typ broadcast.EventType, roomCode string, payload any) {
	ev, err := broadcast.NewEvent(typ, roomCode, payload)
	if err != nil {
		s.logger.Error("event marshal failed", "type", typ, "err", err)
		return
	}
	s.publisher.Publish(ctx, ev)
}
