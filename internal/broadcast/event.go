package broadcast

import (
	"context"
	"encoding/json"
	"time"
)

type EventType string

const (
	EventParticipantJoined   EventType = "participant-joined"
	EventParticipantRejoined EventType = "participant-rejoined"
	EventVoteUpdate          EventType = "vote-update"
	EventPollStateChanged    EventType = "poll-state-changed"
)

// Event is the envelope carried on a room's pub/sub channel. Payload is
// pre-marshaled so subscribers can forward it to clients without knowing
// the concrete shape.
type Event struct {
	Type     EventType       `json:"type"`
	RoomCode string          `json:"roomCode"`
	Payload  json.RawMessage `json:"payload"`
}

func NewEvent(t EventType, roomCode string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: t, RoomCode: roomCode, Payload: raw}, nil
}

type ParticipantPayload struct {
	Nickname  string    `json:"nickname"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

type VoteUpdatePayload struct {
	Votes       []int     `json:"votes"`
	Percentages []float64 `json:"percentages"`
}

type StateChangePayload struct {
	NewState      string    `json:"newState"`
	PreviousState string    `json:"previousState"`
	Timestamp     time.Time `json:"timestamp"`
}

// Publisher delivers a domain event to every subscriber of the event's
// room across all process instances. Delivery is at-least-once; when the
// pub/sub link is down events are dropped, not queued, because the
// relational store remains the source of truth.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}
