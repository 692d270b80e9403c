package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"livepoll/internal/resilience"
)

func newTestDirectory(t *testing.T) (*Directory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	breaker := resilience.NewBreaker("cache", resilience.BreakerConfig{ResetTimeout: time.Minute})
	guard := resilience.NewGuard(breaker, resilience.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond})
	return NewDirectory(client, guard, time.Hour), mr
}

func sampleSession() *Session {
	idx := 1
	return &Session{
		ParticipantID: "p-1",
		SocketID:      "sock-1",
		PollID:        7,
		RoomCode:      "ABC234",
		Nickname:      "Ada",
		VoteIndex:     &idx,
		LastSeen:      time.Now().UTC().Truncate(time.Second),
	}
}

func TestStoreAndGetAreIdempotent(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()

	require.NoError(t, d.Store(ctx, sampleSession()))

	first, err := d.Get(ctx, "p-1")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := d.Get(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, "sock-1", second.SocketID)
	require.NotNil(t, second.VoteIndex)
	require.Equal(t, 1, *second.VoteIndex)
}

func TestGetMissReturnsNilNotError(t *testing.T) {
	d, _ := newTestDirectory(t)

	s, err := d.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, s)
}

func TestUpdateIsNotACreate(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()

	ok, err := d.Update(ctx, "ghost", func(s *Session) { s.SocketID = "x" })
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, d.Store(ctx, sampleSession()))
	ok, err = d.Update(ctx, "p-1", func(s *Session) { s.SocketID = "sock-2" })
	require.NoError(t, err)
	require.True(t, ok)

	s, err := d.Get(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, "sock-2", s.SocketID)
	// Fields not touched by the merge survive.
	require.Equal(t, "Ada", s.Nickname)
}

func TestTTLExpiryAndRefresh(t *testing.T) {
	d, mr := newTestDirectory(t)
	ctx := context.Background()

	require.NoError(t, d.Store(ctx, sampleSession()))

	mr.FastForward(30 * time.Minute)
	s, err := d.Get(ctx, "p-1")
	require.NoError(t, err)
	require.NotNil(t, s)

	// The read refreshed the TTL, so another 45 minutes stays alive.
	mr.FastForward(45 * time.Minute)
	s, err = d.Get(ctx, "p-1")
	require.NoError(t, err)
	require.NotNil(t, s)

	// A full hour of silence expires the entry.
	mr.FastForward(61 * time.Minute)
	s, err = d.Get(ctx, "p-1")
	require.NoError(t, err)
	require.Nil(t, s)
}

func TestFindByNicknameIsCaseInsensitive(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()

	require.NoError(t, d.Store(ctx, sampleSession()))

	s, err := d.FindByNickname(ctx, "ABC234", "ada")
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Equal(t, "p-1", s.ParticipantID)

	s, err = d.FindByNickname(ctx, "ABC234", "grace")
	require.NoError(t, err)
	require.Nil(t, s)

	// Same nickname in a different room is a different identity.
	s, err = d.FindByNickname(ctx, "XYZ789", "ada")
	require.NoError(t, err)
	require.Nil(t, s)
}

func TestDeleteRemovesSessionAndIndex(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()

	sess := sampleSession()
	require.NoError(t, d.Store(ctx, sess))
	require.NoError(t, d.Delete(ctx, sess))

	s, err := d.Get(ctx, "p-1")
	require.NoError(t, err)
	require.Nil(t, s)

	s, err = d.FindByNickname(ctx, "ABC234", "Ada")
	require.NoError(t, err)
	require.Nil(t, s)
}
