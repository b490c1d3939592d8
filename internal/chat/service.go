package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"division-chat/internal/auth"
	"division-chat/internal/broker"
	pkglog "division-chat/internal/log"
)

const DefaultHistoryLimit = 30

var ErrForbidden = errors.New("not permitted to delete this conversation")

// Service owns message persistence and the broadcasts that follow it.
type Service struct {
	store        MessageStore
	broker       broker.Broker
	historyLimit int
	now          func() time.Time
}

func NewService(store MessageStore, b broker.Broker, historyLimit int) *Service {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Service{
		store:        store,
		broker:       b,
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

// History returns the replay window for room, oldest first.
func (s *Service) History(ctx context.Context, room string) ([]*Message, error) {
	msgs, err := s.store.ListRecent(ctx, room, s.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("list history for %s: %w", room, err)
	}
	return msgs, nil
}

// Send persists text from sender and publishes it to the room group.
// Callers have already checked membership.
func (s *Service) Send(ctx context.Context, room string, sender auth.Identity, text string) (*Message, error) {
	msg := &Message{
		ConversationID: room,
		SenderID:       sender.UserID,
		SenderName:     sender.Email,
		Text:           text,
		CreatedAt:      s.now(),
	}
	if err := s.store.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}

	ev, err := broker.NewEvent(broker.KindChatMessage, msg.View())
	if err != nil {
		return nil, err
	}
	if err := s.broker.Publish(ctx, broker.RoomGroup(room), ev); err != nil {
		return nil, fmt.Errorf("publish message: %w", err)
	}
	return msg, nil
}

// DeleteHistory wipes room for a participant and tells the room and every
// participant's user group. Non-participants get ErrForbidden.
func (s *Service) DeleteHistory(ctx context.Context, room string, callerID int64) (int64, error) {
	if !IsMember(room, callerID) {
		return 0, ErrForbidden
	}

	deleted, err := s.store.DeleteByRoom(ctx, room)
	if err != nil {
		return 0, fmt.Errorf("delete history for %s: %w", room, err)
	}

	ev, err := broker.NewEvent(broker.KindChatDeletion, DeletionNotice{
		Event:   "chat_deleted",
		Room:    room,
		By:      callerID,
		Deleted: deleted,
	})
	if err != nil {
		return deleted, nil
	}

	groups := []string{broker.RoomGroup(room)}
	if participants, ok := Participants(room); ok {
		for _, id := range participants {
			groups = append(groups, broker.UserGroup(id))
		}
	}

	l := pkglog.Ctx(ctx)
	for _, g := range groups {
		if err := s.broker.Publish(ctx, g, ev); err != nil {
			l.Warn().Err(err).Str(pkglog.FieldGroup, g).Msg("deletion notice not published")
		}
	}
	return deleted, nil
}
