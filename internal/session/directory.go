package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"livepoll/internal/resilience"
)

// Session is a Session Directory entry: the cross-instance record of a
// participant's connection and vote metadata. Any instance may read or
// overwrite it, which is what lets a participant reconnect anywhere
// behind the load balancer.
type Session struct {
	ParticipantID string    `json:"participantId"`
	SocketID      string    `json:"socketId"`
	PollID        int64     `json:"pollId"`
	RoomCode      string    `json:"roomCode"`
	Nickname      string    `json:"nickname"`
	VoteIndex     *int      `json:"voteIndex"`
	LastSeen      time.Time `json:"lastSeen"`
}

const DefaultTTL = time.Hour

// Directory stores sessions in the shared cache with TTL expiry. A
// secondary index key maps roomCode+nickname to the participant ID so a
// rejoining client can be matched to its prior identity.
type Directory struct {
	rdb   redis.Cmdable
	guard *resilience.Guard
	ttl   time.Duration
}

func NewDirectory(rdb redis.Cmdable, guard *resilience.Guard, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Directory{rdb: rdb, guard: guard, ttl: ttl}
}

func sessionKey(participantID string) string {
	return "session:" + participantID
}

func indexKey(roomCode, nickname string) string {
	return "session:index:" + roomCode + ":" + strings.ToLower(nickname)
}

// Store writes the session and its nickname index, both with a fresh TTL.
func (d *Directory) Store(ctx context.Context, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return d.guard.Do(ctx, func(ctx context.Context) error {
		pipe := d.rdb.Pipeline()
		pipe.Set(ctx, sessionKey(s.ParticipantID), raw, d.ttl)
		pipe.Set(ctx, indexKey(s.RoomCode, s.Nickname), s.ParticipantID, d.ttl)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Get returns the session for a participant, or (nil, nil) on a miss.
// A miss is not an error: callers treat it as "no prior session". Reads
// refresh the TTL.
func (d *Directory) Get(ctx context.Context, participantID string) (*Session, error) {
	var raw string
	err := d.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		raw, err = d.rdb.Get(ctx, sessionKey(participantID)).Result()
		if errors.Is(err, redis.Nil) {
			raw = ""
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}

	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	_ = d.Refresh(ctx, &s)
	return &s, nil
}

// Update applies merge to the stored session and rewrites it with a fresh
// TTL. It reports false when no session exists: update is not a create.
func (d *Directory) Update(ctx context.Context, participantID string, merge func(*Session)) (bool, error) {
	s, err := d.Get(ctx, participantID)
	if err != nil {
		return false, err
	}
	if s == nil {
		return false, nil
	}

	merge(s)
	s.LastSeen = time.Now().UTC()
	if err := d.Store(ctx, s); err != nil {
		return false, err
	}
	return true, nil
}

// Refresh extends the TTL without altering data. Expired keys are left
// alone: refreshing a dead session is a no-op.
func (d *Directory) Refresh(ctx context.Context, s *Session) error {
	return d.guard.Do(ctx, func(ctx context.Context) error {
		pipe := d.rdb.Pipeline()
		pipe.Expire(ctx, sessionKey(s.ParticipantID), d.ttl)
		pipe.Expire(ctx, indexKey(s.RoomCode, s.Nickname), d.ttl)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// FindByNickname resolves roomCode+nickname to an existing session, or
// (nil, nil) when the nickname has no live session in that room.
func (d *Directory) FindByNickname(ctx context.Context, roomCode, nickname string) (*Session, error) {
	var participantID string
	err := d.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		participantID, err = d.rdb.Get(ctx, indexKey(roomCode, nickname)).Result()
		if errors.Is(err, redis.Nil) {
			participantID = ""
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if participantID == "" {
		return nil, nil
	}
	return d.Get(ctx, participantID)
}

// Delete removes a session and its index entry.
func (d *Directory) Delete(ctx context.Context, s *Session) error {
	return d.guard.Do(ctx, func(ctx context.Context) error {
		pipe := d.rdb.Pipeline()
		pipe.Del(ctx, sessionKey(s.ParticipantID))
		pipe.Del(ctx, indexKey(s.RoomCode, s.Nickname))
		_, err := pipe.Exec(ctx)
		return err
	})
}
