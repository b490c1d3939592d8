package chat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"division-chat/internal/auth"
	"division-chat/internal/broker"
	pkglog "division-chat/internal/log"
)

// Close codes sent to the client.
const (
	CloseAuthFailed = 4001
	CloseForbidden  = 4003
)

type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthorized
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthorized:
		return "authorized"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Authenticator resolves the token from the socket's query string.
type Authenticator interface {
	Authenticate(ctx context.Context, rawToken string) (auth.Identity, bool)
}

// Transport is the socket as the session sees it; ws.Client implements it.
type Transport interface {
	Start()
	Frames() <-chan []byte
	Send(msg []byte) bool
	Reject(code int, reason string)
	Close(code int, reason string)
}

// Session drives one chat socket from handshake to teardown.
type Session struct {
	room      string
	token     string
	transport Transport
	authn     Authenticator
	broker    broker.Broker
	chat      *Service
	inboxSize int

	mu       sync.Mutex
	state    State
	identity auth.Identity
	sub      *broker.Subscriber
	joined   []string
	logger   zerolog.Logger
}

func NewSession(room, token string, t Transport, authn Authenticator, b broker.Broker, chat *Service, inboxSize int) *Session {
	return &Session{
		room:      room,
		token:     token,
		transport: t,
		authn:     authn,
		broker:    b,
		chat:      chat,
		inboxSize: inboxSize,
		state:     StateConnecting,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.logger.Debug().Str("state", st.String()).Msg("session state")
}

// Run blocks until the connection is closed.
func (s *Session) Run(ctx context.Context) {
	s.logger = pkglog.Ctx(ctx).With().Str(pkglog.FieldRoom, s.room).Logger()

	s.setState(StateAuthenticating)
	id, ok := s.authn.Authenticate(ctx, s.token)
	if !ok {
		s.transport.Reject(CloseAuthFailed, "authentication failed")
		s.setState(StateClosed)
		return
	}
	s.identity = id
	s.logger = s.logger.With().Int64(pkglog.FieldUserID, id.UserID).Logger()

	s.setState(StateAuthorized)
	if !IsMember(s.room, id.UserID) {
		s.transport.Reject(CloseForbidden, "not authorized for this room")
		s.setState(StateClosed)
		return
	}

	s.sub = broker.NewSubscriber(s.inboxSize)
	for _, g := range []string{broker.RoomGroup(s.room), broker.UserGroup(id.UserID)} {
		if err := s.broker.Join(ctx, g, s.sub); err != nil {
			s.logger.Error().Err(err).Str(pkglog.FieldGroup, g).Msg("join failed")
			s.leaveGroups()
			s.transport.Reject(websocket.CloseInternalServerErr, "")
			s.setState(StateClosed)
			return
		}
		s.joined = append(s.joined, g)
	}

	s.transport.Start()
	s.setState(StateActive)
	code, reason := s.loop(ctx)

	s.setState(StateClosing)
	s.leaveGroups()
	s.transport.Close(code, reason)
	s.setState(StateClosed)
}

// loop replays history, then serves client frames and group events until one side ends.
func (s *Session) loop(ctx context.Context) (int, string) {
	history, err := s.chat.History(ctx, s.room)
	if err != nil {
		s.logger.Error().Err(err).Msg("history replay failed")
		return websocket.CloseInternalServerErr, ""
	}
	for _, msg := range history {
		data, _ := json.Marshal(msg.View())
		if !s.transport.Send(data) {
			return websocket.CloseTryAgainLater, "client too slow"
		}
	}

	frames := s.transport.Frames()
	events := s.sub.Events()
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return websocket.CloseNormalClosure, ""
			}
			if code, reason, stop := s.receive(ctx, frame); stop {
				return code, reason
			}

		case ev, ok := <-events:
			if !ok {
				return websocket.CloseGoingAway, "subscription closed"
			}
			if !s.dispatch(ev) {
				return websocket.CloseTryAgainLater, "client too slow"
			}

		case <-ctx.Done():
			return websocket.CloseGoingAway, ""
		}
	}
}

// receive handles one client frame. stop reports that the session must close.
func (s *Session) receive(ctx context.Context, frame []byte) (code int, reason string, stop bool) {
	var in WSMessage
	if err := json.Unmarshal(frame, &in); err != nil {
		return 0, "", false
	}
	text := strings.TrimSpace(in.Text)
	if text == "" || s.identity.UserID == 0 {
		return 0, "", false
	}

	if !IsMember(s.room, s.identity.UserID) {
		return CloseForbidden, "not authorized for this room", true
	}

	if _, err := s.chat.Send(ctx, s.room, s.identity, text); err != nil {
		s.logger.Error().Err(err).Msg("send failed")
		return websocket.CloseInternalServerErr, "", true
	}
	return 0, "", false
}

// dispatch relays a group event to the client. It reports false when the
// client cannot keep up.
func (s *Session) dispatch(ev broker.Event) bool {
	switch ev.Kind {
	case broker.KindChatMessage:
		return s.relay(ev)
	case broker.KindChatDeletion:
		s.logger.Debug().Msg("relaying history deletion")
		return s.relay(ev)
	case broker.KindPresence:
		return s.relay(ev)
	default:
		s.logger.Warn().Str("kind", string(ev.Kind)).Msg("dropping unknown event")
		return true
	}
}

func (s *Session) relay(ev broker.Event) bool {
	if len(ev.Payload) == 0 {
		return true
	}
	return s.transport.Send(ev.Payload)
}

func (s *Session) leaveGroups() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, g := range s.joined {
		if err := s.broker.Leave(ctx, g, s.sub); err != nil {
			s.logger.Warn().Err(err).Str(pkglog.FieldGroup, g).Msg("leave failed")
		}
	}
	s.joined = nil
}
