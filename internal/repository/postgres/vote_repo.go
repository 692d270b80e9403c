package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"livepoll/internal/domain/poll"
	"livepoll/internal/domain/vote"
)

type VoteRepo struct {
	db *sql.DB
}

func NewVoteRepo(db *sql.DB) *VoteRepo {
	return &VoteRepo{db: db}
}

// Upsert records the participant's vote, overwriting any prior row.
// The primary key on participant_id is what enforces one active vote
// per participant; a changed vote decrements the old option implicitly.
func (r *VoteRepo) Upsert(ctx context.Context, v *vote.Vote) error {
	query := `
        INSERT INTO votes (participant_id, poll_id, option_index)
        VALUES ($1, $2, $3)
        ON CONFLICT (participant_id) DO UPDATE
        SET option_index = EXCLUDED.option_index,
            updated_at = now()
        RETURNING updated_at
    `
	err := r.db.QueryRowContext(ctx, query, v.ParticipantID, v.PollID, v.OptionIndex).
		Scan(&v.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return poll.ErrParticipantNotFound
		}
		return err
	}
	return nil
}

func (r *VoteRepo) Counts(ctx context.Context, pollID int64) (map[int]int, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT option_index, COUNT(*)
        FROM votes
        WHERE poll_id = $1
        GROUP BY option_index
    `, pollID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var idx, c int
		if err := rows.Scan(&idx, &c); err != nil {
			return nil, err
		}
		counts[idx] = c
	}
	return counts, rows.Err()
}

func (r *VoteRepo) VoteIndex(ctx context.Context, participantID string) (*int, error) {
	var idx int
	err := r.db.QueryRowContext(ctx,
		`SELECT option_index FROM votes WHERE participant_id = $1`, participantID).
		Scan(&idx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &idx, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}
