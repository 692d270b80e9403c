package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"livepoll/internal/broadcast"
	"livepoll/internal/domain/poll"
	"livepoll/internal/domain/vote"
	api "livepoll/internal/http"
	"livepoll/internal/metrics"
	"livepoll/internal/platform/apperr"
	jwtpkg "livepoll/internal/platform/jwt"
	"livepoll/internal/ratelimit"
)

// Handler upgrades connections and adapts the callback-style socket
// protocol onto the synchronous services: every inbound event gets a
// typed ack, and room broadcasts arrive through the hub.
type Handler struct {
	hub      *broadcast.Hub
	polls    *poll.Service
	votes    *vote.Service
	governor *ratelimit.Governor
	jwtMgr   *jwtpkg.Manager

	requireHostToken bool
	upgrader         websocket.Upgrader
	logger           *slog.Logger
}

func NewHandler(
	hub *broadcast.Hub,
	polls *poll.Service,
	votes *vote.Service,
	governor *ratelimit.Governor,
	jwtMgr *jwtpkg.Manager,
	requireHostToken bool,
) *Handler {
	return &Handler{
		hub:      hub,
		polls:    polls,
		votes:    votes,
		governor: governor,
		jwtMgr:   jwtMgr,

		requireHostToken: requireHostToken,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers connect from arbitrary origins; auth is handled
			// at the event level, not the handshake.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: slog.Default(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &client{
		handler:  h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		socketID: uuid.NewString(),
		ip:       clientIP(r),
	}

	metrics.AddWSConnection(1)
	go c.writePump()
	go c.readPump()
}

// dispatchTimeout bounds the service work behind a single inbound
// event; a stuck backend must not pin the reader goroutine forever.
const dispatchTimeout = 10 * time.Second

func (h *Handler) dispatch(c *client, env envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	switch env.Event {
	case eventJoin:
		h.handleJoin(ctx, c, env.Data)
	case eventSubmitVote:
		h.handleSubmitVote(ctx, c, env.Data)
	case eventChangeState:
		h.handleChangeState(ctx, c, env.Data)
	default:
		c.enqueue("error", errorAck{Error: "unknown event", Code: "INVALID_INPUT"})
	}
}

func (h *Handler) handleJoin(ctx context.Context, c *client, data json.RawMessage) {
	var req joinRequest
	if err := json.Unmarshal(data, &req); err != nil || req.RoomCode == "" || req.Nickname == "" {
		c.fail(eventJoin, apperr.BadRequest("INVALID_INPUT", "roomCode and nickname are required", err))
		return
	}

	// Attach to the room before joining so the client sees its own
	// participant-joined broadcast.
	if c.roomCode != "" {
		h.hub.Leave(c.roomCode, c.socketID)
		c.roomCode = ""
	}
	h.hub.Join(req.RoomCode, c.socketID, c)

	res, err := h.polls.Join(ctx, req.RoomCode, req.Nickname, c.socketID)
	if err != nil {
		h.hub.Leave(req.RoomCode, c.socketID)
		c.fail(eventJoin, err)
		return
	}

	c.roomCode = req.RoomCode
	c.participantID = res.Participant.ID

	c.enqueue(ackEvent(eventJoin), joinAck{
		Success:       true,
		ParticipantID: res.Participant.ID,
		Reconnected:   res.Reconnected,
		VoteIndex:     res.VoteIndex,
		Poll:          res.Poll,
	})
}

func (h *Handler) handleSubmitVote(ctx context.Context, c *client, data json.RawMessage) {
	var req submitVoteRequest
	if err := json.Unmarshal(data, &req); err != nil || req.RoomCode == "" || req.ParticipantID == "" {
		c.fail(eventSubmitVote, apperr.BadRequest("INVALID_INPUT", "roomCode and participantId are required", err))
		return
	}

	decision := h.governor.Allow(ctx, ratelimit.ClassVote, c.ip)
	if !decision.Allowed {
		c.fail(eventSubmitVote, apperr.TooManyRequests("RATE_LIMITED", "too many votes, slow down", nil))
		return
	}

	stats, err := h.votes.Submit(ctx, req.RoomCode, req.ParticipantID, req.OptionIndex)
	if err != nil {
		c.fail(eventSubmitVote, err)
		return
	}

	c.enqueue(ackEvent(eventSubmitVote), submitVoteAck{Success: true, VoteStatistics: stats})
}

func (h *Handler) handleChangeState(ctx context.Context, c *client, data json.RawMessage) {
	var req changeStateRequest
	if err := json.Unmarshal(data, &req); err != nil || req.RoomCode == "" || req.NewState == "" {
		c.fail(eventChangeState, apperr.BadRequest("INVALID_INPUT", "roomCode and newState are required", err))
		return
	}

	if err := h.authorizeHost(req.RoomCode, req.HostToken); err != nil {
		c.fail(eventChangeState, err)
		return
	}

	target, ok := poll.ParseState(req.NewState)
	if !ok {
		c.fail(eventChangeState, poll.ErrInvalidState)
		return
	}

	p, previous, err := h.polls.ChangeState(ctx, req.RoomCode, target)
	if err != nil {
		c.fail(eventChangeState, err)
		return
	}

	c.enqueue(ackEvent(eventChangeState), changeStateAck{
		Success:       true,
		Poll:          p,
		PreviousState: string(previous),
	})
}

// authorizeHost validates an optional host token. When the server
// requires one, state changes without a valid room-scoped token are
// rejected; otherwise a provided token is still checked.
func (h *Handler) authorizeHost(roomCode, token string) error {
	if token == "" {
		if h.requireHostToken {
			return apperr.Forbidden("FORBIDDEN", "host token required", nil)
		}
		return nil
	}

	claims, err := h.jwtMgr.Parse(token)
	if err != nil {
		return apperr.Forbidden("FORBIDDEN", "invalid host token", err)
	}
	if claims.RoomCode != roomCode || claims.Role != "host" {
		return apperr.Forbidden("FORBIDDEN", "host token does not match this room", nil)
	}
	return nil
}

func (c *client) fail(event string, err error) {
	appErr := api.MapError(err)
	c.enqueue(ackEvent(event), errorAck{Error: appErr.Message, Code: appErr.Code})
}

func clientIP(r *http.Request) string {
	if xfwd := r.Header.Get("X-Forwarded-For"); xfwd != "" {
		parts := strings.Split(xfwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
