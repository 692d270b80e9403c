package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"livepoll/internal/broadcast"
	"livepoll/internal/domain/poll"
	"livepoll/internal/domain/vote"
	jwtpkg "livepoll/internal/platform/jwt"
	"livepoll/internal/ratelimit"
	"livepoll/internal/resilience"
	"livepoll/internal/session"
)

type memoryPollRepo struct {
	mu           sync.Mutex
	polls        map[string]*poll.Poll
	participants map[string]*poll.Participant
	nextID       int64
}

func newMemoryPollRepo() *memoryPollRepo {
	return &memoryPollRepo{
		polls:        make(map[string]*poll.Poll),
		participants: make(map[string]*poll.Participant),
		nextID:       1,
	}
}

func (r *memoryPollRepo) Create(ctx context.Context, p *poll.Poll) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.polls[p.RoomCode]; ok {
		return poll.ErrRoomCodeTaken
	}
	p.ID = r.nextID
	r.nextID++
	p.CreatedAt = time.Now().UTC()
	clone := *p
	r.polls[p.RoomCode] = &clone
	return nil
}

func (r *memoryPollRepo) GetByRoomCode(ctx context.Context, roomCode string) (*poll.Poll, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.polls[roomCode]
	if !ok {
		return nil, poll.ErrPollNotFound
	}
	clone := *p
	return &clone, nil
}

func (r *memoryPollRepo) UpdateState(ctx context.Context, roomCode string, state poll.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.polls[roomCode]
	if !ok {
		return poll.ErrPollNotFound
	}
	p.State = state
	return nil
}

func (r *memoryPollRepo) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (r *memoryPollRepo) AddParticipant(ctx context.Context, pt *poll.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *pt
	r.participants[pt.ID] = &clone
	return nil
}

func (r *memoryPollRepo) FindParticipant(ctx context.Context, pollID int64, nickname string) (*poll.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pt := range r.participants {
		if pt.PollID == pollID && strings.EqualFold(pt.Nickname, nickname) {
			clone := *pt
			return &clone, nil
		}
	}
	return nil, poll.ErrParticipantNotFound
}

func (r *memoryPollRepo) ReconnectParticipant(ctx context.Context, participantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pt, ok := r.participants[participantID]
	if !ok {
		return poll.ErrParticipantNotFound
	}
	pt.Connected = true
	return nil
}

func (r *memoryPollRepo) MarkDisconnected(ctx context.Context, participantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pt, ok := r.participants[participantID]
	if !ok {
		return poll.ErrParticipantNotFound
	}
	pt.Connected = false
	return nil
}

func (r *memoryPollRepo) CountConnected(ctx context.Context, pollID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, pt := range r.participants {
		if pt.PollID == pollID && pt.Connected {
			count++
		}
	}
	return count, nil
}

type memoryVoteRepo struct {
	mu    sync.Mutex
	votes map[string]*vote.Vote
}

func newMemoryVoteRepo() *memoryVoteRepo {
	return &memoryVoteRepo{votes: make(map[string]*vote.Vote)}
}

func (r *memoryVoteRepo) Upsert(ctx context.Context, v *vote.Vote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *v
	r.votes[v.ParticipantID] = &clone
	return nil
}

func (r *memoryVoteRepo) Counts(ctx context.Context, pollID int64) (map[int]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[int]int)
	for _, v := range r.votes {
		if v.PollID == pollID {
			counts[v.OptionIndex]++
		}
	}
	return counts, nil
}

func (r *memoryVoteRepo) VoteIndex(ctx context.Context, participantID string) (*int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.votes[participantID]
	if !ok {
		return nil, nil
	}
	idx := v.OptionIndex
	return &idx, nil
}

// hubPublisher short-circuits the pub/sub fabric: events go straight to
// the local hub, which is all a single-instance test needs.
type hubPublisher struct {
	hub *broadcast.Hub
}

func (p *hubPublisher) Publish(ctx context.Context, ev broadcast.Event) {
	p.hub.Deliver(ev)
}

type socketFixture struct {
	server   *httptest.Server
	handler  *Handler
	hub      *broadcast.Hub
	polls    *poll.Service
	governor *ratelimit.Governor
	jwtMgr   *jwtpkg.Manager
}

func newSocketFixture(t *testing.T, requireHostToken bool) *socketFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	storeGuard := resilience.NewGuard(
		resilience.NewBreaker("store", resilience.BreakerConfig{ResetTimeout: time.Minute}),
		resilience.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond},
	)
	cacheGuard := resilience.NewGuard(
		resilience.NewBreaker("cache", resilience.BreakerConfig{ResetTimeout: time.Minute}),
		resilience.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond},
	)

	hub := broadcast.NewHub()
	pub := &hubPublisher{hub: hub}
	sessions := session.NewDirectory(client, cacheGuard, time.Hour)

	pollRepo := newMemoryPollRepo()
	voteRepo := newMemoryVoteRepo()

	pollSvc := poll.NewService(pollRepo, voteRepo, sessions, storeGuard, pub, 0)
	voteSvc := vote.NewService(voteRepo, pollRepo, sessions, storeGuard, pub)

	governor := ratelimit.NewGovernor(client, cacheGuard, nil)
	jwtMgr := jwtpkg.NewManager("test-secret", "")

	handler := NewHandler(hub, pollSvc, voteSvc, governor, jwtMgr, requireHostToken)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &socketFixture{
		server:   server,
		handler:  handler,
		hub:      hub,
		polls:    pollSvc,
		governor: governor,
		jwtMgr:   jwtMgr,
	}
}

func (f *socketFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(envelope{Event: event, Data: data})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// readUntil drains frames (broadcasts interleave with acks) until one
// matches the wanted event.
func readUntil(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for i := 0; i < 20; i++ {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)

		var env envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Event == event {
			return env.Data
		}
	}
	t.Fatalf("no %q frame received", event)
	return nil
}

func openPoll(t *testing.T, f *socketFixture) *poll.Poll {
	t.Helper()
	ctx := context.Background()
	p, err := f.polls.Create(ctx, "Tabs or spaces?", []string{"Tabs", "Spaces"})
	require.NoError(t, err)
	p, _, err = f.polls.ChangeState(ctx, p.RoomCode, poll.StateOpen)
	require.NoError(t, err)
	return p
}

func TestSocketJoinAndVote(t *testing.T) {
	f := newSocketFixture(t, false)
	p := openPoll(t, f)
	conn := f.dial(t)

	sendEvent(t, conn, eventJoin, joinRequest{RoomCode: p.RoomCode, Nickname: "ada"})

	var join joinAck
	require.NoError(t, json.Unmarshal(readUntil(t, conn, ackEvent(eventJoin)), &join))
	require.True(t, join.Success)
	require.NotEmpty(t, join.ParticipantID)
	require.False(t, join.Reconnected)
	require.Equal(t, p.RoomCode, join.Poll.RoomCode)

	sendEvent(t, conn, eventSubmitVote, submitVoteRequest{
		RoomCode:      p.RoomCode,
		ParticipantID: join.ParticipantID,
		OptionIndex:   0,
	})

	// The room broadcast is enqueued before the ack, so it arrives first.
	var update broadcast.VoteUpdatePayload
	require.NoError(t, json.Unmarshal(readUntil(t, conn, string(broadcast.EventVoteUpdate)), &update))
	require.Equal(t, []int{1, 0}, update.Votes)

	var ack submitVoteAck
	require.NoError(t, json.Unmarshal(readUntil(t, conn, ackEvent(eventSubmitVote)), &ack))
	require.True(t, ack.Success)
	require.Equal(t, []int{1, 0}, ack.VoteStatistics.VoteCounts)
	require.Equal(t, []float64{100, 0}, ack.VoteStatistics.Percentages)
}

func TestSocketJoinUnknownRoom(t *testing.T) {
	f := newSocketFixture(t, false)
	conn := f.dial(t)

	sendEvent(t, conn, eventJoin, joinRequest{RoomCode: "ZZZZZZ", Nickname: "ada"})

	var ack errorAck
	require.NoError(t, json.Unmarshal(readUntil(t, conn, ackEvent(eventJoin)), &ack))
	require.False(t, ack.Success)
	require.Equal(t, "POLL_NOT_FOUND", ack.Code)
}

func TestSocketStateChangeRequiresHostToken(t *testing.T) {
	f := newSocketFixture(t, true)
	ctx := context.Background()

	p, err := f.polls.Create(ctx, "Q", []string{"A", "B"})
	require.NoError(t, err)
	conn := f.dial(t)

	// No token.
	sendEvent(t, conn, eventChangeState, changeStateRequest{RoomCode: p.RoomCode, NewState: "open"})
	var denied errorAck
	require.NoError(t, json.Unmarshal(readUntil(t, conn, ackEvent(eventChangeState)), &denied))
	require.False(t, denied.Success)
	require.Equal(t, "FORBIDDEN", denied.Code)

	// Token scoped to a different room.
	wrongToken, err := f.jwtMgr.GenerateHostToken("OTHER1", time.Hour)
	require.NoError(t, err)
	sendEvent(t, conn, eventChangeState, changeStateRequest{
		RoomCode: p.RoomCode, NewState: "open", HostToken: wrongToken,
	})
	require.NoError(t, json.Unmarshal(readUntil(t, conn, ackEvent(eventChangeState)), &denied))
	require.Equal(t, "FORBIDDEN", denied.Code)

	token, err := f.jwtMgr.GenerateHostToken(p.RoomCode, time.Hour)
	require.NoError(t, err)
	sendEvent(t, conn, eventChangeState, changeStateRequest{
		RoomCode: p.RoomCode, NewState: "open", HostToken: token,
	})

	var ack changeStateAck
	require.NoError(t, json.Unmarshal(readUntil(t, conn, ackEvent(eventChangeState)), &ack))
	require.True(t, ack.Success)
	require.Equal(t, poll.StateOpen, ack.Poll.State)
	require.Equal(t, string(poll.StateWaiting), ack.PreviousState)
}

func TestSocketVoteRateLimited(t *testing.T) {
	f := newSocketFixture(t, false)
	f.governor.SetLimit(ratelimit.ClassVote, ratelimit.Limit{Max: 1, Window: time.Minute})

	p := openPoll(t, f)
	conn := f.dial(t)

	sendEvent(t, conn, eventJoin, joinRequest{RoomCode: p.RoomCode, Nickname: "ada"})
	var join joinAck
	require.NoError(t, json.Unmarshal(readUntil(t, conn, ackEvent(eventJoin)), &join))

	req := submitVoteRequest{RoomCode: p.RoomCode, ParticipantID: join.ParticipantID, OptionIndex: 0}
	sendEvent(t, conn, eventSubmitVote, req)
	var first submitVoteAck
	require.NoError(t, json.Unmarshal(readUntil(t, conn, ackEvent(eventSubmitVote)), &first))
	require.True(t, first.Success)

	sendEvent(t, conn, eventSubmitVote, req)
	var second errorAck
	require.NoError(t, json.Unmarshal(readUntil(t, conn, ackEvent(eventSubmitVote)), &second))
	require.False(t, second.Success)
	require.Equal(t, "RATE_LIMITED", second.Code)
}

func TestDeliverDuringTeardownIsDropped(t *testing.T) {
	f := newSocketFixture(t, false)

	ev, err := broadcast.NewEvent(broadcast.EventParticipantJoined, "ABC234",
		broadcast.ParticipantPayload{Nickname: "ada", Count: 1, Timestamp: time.Now()})
	require.NoError(t, err)

	// A cluster event can land from the fabric goroutine at any point of
	// a disconnect; it must degrade to a dropped frame, never a panic.
	for i := 0; i < 50; i++ {
		c := &client{
			handler:  f.handler,
			send:     make(chan []byte, sendBufferSize),
			done:     make(chan struct{}),
			socketID: "s1",
			roomCode: "ABC234",
		}
		f.hub.Join(c.roomCode, c.socketID, c)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				f.hub.Deliver(ev)
			}
		}()
		go func() {
			defer wg.Done()
			c.teardown()
		}()
		wg.Wait()

		require.False(t, c.Send(ev), "a detached client must drop deliveries")
		require.Equal(t, 0, f.hub.RoomSize(c.roomCode))
	}
}
