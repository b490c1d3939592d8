// Package broker is the group fan-out layer: sessions join named groups and
// receive every event published to them, locally or from other processes.
package broker

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
)

// Kind tags the payload carried by an Event.
type Kind string

const (
	KindChatMessage  Kind = "chat.message"
	KindChatDeletion Kind = "chat.deletion"
	KindPresence     Kind = "presence.update"
)

// GroupPresence receives every presence change.
const GroupPresence = "presence"

func RoomGroup(room string) string {
	return "chat_" + room
}

func UserGroup(userID int64) string {
	return "user_" + strconv.FormatInt(userID, 10)
}

// Event is what travels through a group. Payload is relayed to clients as-is.
type Event struct {
	Kind    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func NewEvent(kind Kind, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: kind, Payload: data}, nil
}

// Broker joins subscribers to groups and publishes events to them.
// Leave must tolerate groups the subscriber never joined.
type Broker interface {
	Join(ctx context.Context, group string, sub *Subscriber) error
	Leave(ctx context.Context, group string, sub *Subscriber) error
	Publish(ctx context.Context, group string, ev Event) error
}

// Subscriber is one inbox. The hub closes Events() when it evicts the
// subscriber for falling behind or when the hub stops.
type Subscriber struct {
	ID     string
	events chan Event

	// owned by the hub goroutine
	closed bool
}

func NewSubscriber(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Subscriber{
		ID:     uuid.New().String(),
		events: make(chan Event, bufSize),
	}
}

func (s *Subscriber) Events() <-chan Event {
	return s.events
}
