package presence

import (
	"context"

	"division-chat/internal/broker"
	pkglog "division-chat/internal/log"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Update is the payload of a presence.update event.
type Update struct {
	Event  string `json:"event"`
	UserID int64  `json:"user_id"`
	Status string `json:"status"`
}

type Service struct {
	store  Store
	broker broker.Broker
}

func NewService(store Store, b broker.Broker) *Service {
	return &Service{store: store, broker: b}
}

func (s *Service) MarkOnline(ctx context.Context, userID int64) error {
	if err := s.store.SetOnline(ctx, userID); err != nil {
		return err
	}
	s.announce(ctx, userID, StatusOnline)
	return nil
}

func (s *Service) MarkOffline(ctx context.Context, userID int64) error {
	if err := s.store.SetOffline(ctx, userID); err != nil {
		return err
	}
	s.announce(ctx, userID, StatusOffline)
	return nil
}

func (s *Service) IsOnline(ctx context.Context, userID int64) (bool, error) {
	return s.store.IsOnline(ctx, userID)
}

func (s *Service) OnlineUsers(ctx context.Context) ([]int64, error) {
	return s.store.OnlineUsers(ctx)
}

// announce tells the presence group and the user's own group. The store write
// has already happened, so publish failures are only logged.
func (s *Service) announce(ctx context.Context, userID int64, status string) {
	l := pkglog.Ctx(ctx)
	ev, err := broker.NewEvent(broker.KindPresence, Update{Event: "presence", UserID: userID, Status: status})
	if err != nil {
		l.Error().Err(err).Msg("failed to encode presence update")
		return
	}
	for _, g := range []string{broker.GroupPresence, broker.UserGroup(userID)} {
		if err := s.broker.Publish(ctx, g, ev); err != nil {
			l.Warn().Err(err).Str(pkglog.FieldGroup, g).Int64(pkglog.FieldUserID, userID).Msg("presence update not published")
		}
	}
}
