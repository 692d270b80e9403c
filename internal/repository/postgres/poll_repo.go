package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"livepoll/internal/domain/poll"
)

type PollRepo struct {
	db *sql.DB
}

func NewPollRepo(db *sql.DB) *PollRepo {
	return &PollRepo{db: db}
}

func (r *PollRepo) Create(ctx context.Context, p *poll.Poll) error {
	opts, err := json.Marshal(p.Options)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO polls (room_code, question, options, state)
        VALUES ($1, $2, $3, $4)
        RETURNING id, created_at
    `
	err = r.db.QueryRowContext(ctx, query, p.RoomCode, p.Question, opts, p.State).
		Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return poll.ErrRoomCodeTaken
		}
		return err
	}
	return nil
}

func (r *PollRepo) GetByRoomCode(ctx context.Context, roomCode string) (*poll.Poll, error) {
	p := &poll.Poll{}
	var opts []byte
	err := r.db.QueryRowContext(ctx, `
        SELECT id, room_code, question, options, state, created_at
        FROM polls WHERE room_code = $1
    `, roomCode).Scan(&p.ID, &p.RoomCode, &p.Question, &opts, &p.State, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, poll.ErrPollNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(opts, &p.Options); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PollRepo) UpdateState(ctx context.Context, roomCode string, state poll.State) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE polls SET state = $1 WHERE room_code = $2`, state, roomCode)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return poll.ErrPollNotFound
	}
	return nil
}

// DeleteClosedBefore garbage-collects closed polls past the retention
// window. Participants and votes go with them via ON DELETE CASCADE.
func (r *PollRepo) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM polls WHERE state = 'closed' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PollRepo) AddParticipant(ctx context.Context, pt *poll.Participant) error {
	query := `
        INSERT INTO participants (id, poll_id, nickname, connected, last_seen)
        VALUES ($1, $2, $3, true, now())
        RETURNING last_seen
    `
	err := r.db.QueryRowContext(ctx, query, pt.ID, pt.PollID, pt.Nickname).Scan(&pt.LastSeen)
	if err != nil {
		if isUniqueViolation(err) {
			return poll.ErrNicknameTaken
		}
		return err
	}
	pt.Connected = true
	return nil
}

func (r *PollRepo) FindParticipant(ctx context.Context, pollID int64, nickname string) (*poll.Participant, error) {
	pt := &poll.Participant{}
	err := r.db.QueryRowContext(ctx, `
        SELECT id, poll_id, nickname, connected, last_seen
        FROM participants
        WHERE poll_id = $1 AND lower(nickname) = lower($2)
    `, pollID, nickname).Scan(&pt.ID, &pt.PollID, &pt.Nickname, &pt.Connected, &pt.LastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, poll.ErrParticipantNotFound
		}
		return nil, err
	}
	return pt, nil
}

func (r *PollRepo) ReconnectParticipant(ctx context.Context, participantID string) error {
	return r.touchParticipant(ctx, participantID, true)
}

func (r *PollRepo) MarkDisconnected(ctx context.Context, participantID string) error {
	return r.touchParticipant(ctx, participantID, false)
}

func (r *PollRepo) touchParticipant(ctx context.Context, participantID string, connected bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE participants SET connected = $1, last_seen = now() WHERE id = $2`,
		connected, participantID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return poll.ErrParticipantNotFound
	}
	return nil
}

func (r *PollRepo) CountConnected(ctx context.Context, pollID int64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM participants WHERE poll_id = $1 AND connected`, pollID).
		Scan(&count)
	return count, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
