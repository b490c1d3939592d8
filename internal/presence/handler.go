package presence

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"division-chat/internal/auth"
	"division-chat/internal/broker"
	pkglog "division-chat/internal/log"
	myMiddleware "division-chat/internal/middleware"
	"division-chat/internal/ws"
)

// closeAuthFailed matches the chat socket's authentication close code.
const closeAuthFailed = 4001

type Authenticator interface {
	Authenticate(ctx context.Context, rawToken string) (auth.Identity, bool)
}

type Handler struct {
	service   *Service
	authn     Authenticator
	broker    broker.Broker
	wsCfg     ws.Config
	inboxSize int
}

func NewHandler(svc *Service, authn Authenticator, b broker.Broker, wsCfg ws.Config, inboxSize int) *Handler {
	return &Handler{
		service:   svc,
		authn:     authn,
		broker:    b,
		wsCfg:     wsCfg,
		inboxSize: inboxSize,
	}
}

type statusResponse struct {
	Status string `json:"status"`
}

type userStatusResponse struct {
	UserID int64 `json:"user_id"`
	Online bool  `json:"online"`
}

type onlineUsersResponse struct {
	OnlineUsers []int64 `json:"online_users"`
}

// MarkOnline handles POST /api/presence/online
func (h *Handler) MarkOnline(w http.ResponseWriter, r *http.Request) {
	h.mark(w, r, StatusOnline, h.service.MarkOnline)
}

// MarkOffline handles POST /api/presence/offline
func (h *Handler) MarkOffline(w http.ResponseWriter, r *http.Request) {
	h.mark(w, r, StatusOffline, h.service.MarkOffline)
}

func (h *Handler) mark(w http.ResponseWriter, r *http.Request, status string, apply func(context.Context, int64) error) {
	id, ok := myMiddleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
		return
	}

	if err := apply(r.Context(), id.UserID); err != nil {
		l := pkglog.Ctx(r.Context())
		l.Error().Err(err).Int64(pkglog.FieldUserID, id.UserID).Str("status", status).Msg("presence update failed")
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: status})
}

// OnlineUsers handles GET /api/presence/online
func (h *Handler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	ids, err := h.service.OnlineUsers(r.Context())
	if err != nil {
		l := pkglog.Ctx(r.Context())
		l.Error().Err(err).Msg("list online users failed")
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, onlineUsersResponse{OnlineUsers: ids})
}

// UserStatus handles GET /api/presence/{userID}
func (h *Handler) UserStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	online, err := h.service.IsOnline(r.Context(), userID)
	if err != nil {
		l := pkglog.Ctx(r.Context())
		l.Error().Err(err).Int64(pkglog.FieldUserID, userID).Msg("presence lookup failed")
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, userStatusResponse{UserID: userID, Online: online})
}

// ServeFeed handles GET /ws/presence/?token=... and streams every presence
// update to the socket until either side goes away.
func (h *Handler) ServeFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		l := pkglog.Ctx(r.Context())
		l.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := ws.NewClient(conn, h.wsCfg)

	ctx := r.Context()
	id, ok := h.authn.Authenticate(ctx, r.URL.Query().Get("token"))
	if !ok {
		client.Reject(closeAuthFailed, "authentication failed")
		return
	}
	l := pkglog.Ctx(ctx).With().Int64(pkglog.FieldUserID, id.UserID).Logger()

	sub := broker.NewSubscriber(h.inboxSize)
	if err := h.broker.Join(ctx, broker.GroupPresence, sub); err != nil {
		l.Error().Err(err).Msg("join presence group failed")
		client.Reject(websocket.CloseInternalServerErr, "")
		return
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.broker.Leave(leaveCtx, broker.GroupPresence, sub); err != nil {
			l.Warn().Err(err).Msg("leave presence group failed")
		}
	}()

	client.Start()
	code, reason := relayPresence(ctx, client, sub)
	client.Close(code, reason)
}

type feed interface {
	Frames() <-chan []byte
	Send(msg []byte) bool
}

// relayPresence forwards presence events until the client or the broker ends
// the feed. Client frames are read and discarded.
func relayPresence(ctx context.Context, f feed, sub *broker.Subscriber) (int, string) {
	frames := f.Frames()
	events := sub.Events()
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return websocket.CloseNormalClosure, ""
			}
		case ev, ok := <-events:
			if !ok {
				return websocket.CloseGoingAway, "subscription closed"
			}
			if ev.Kind != broker.KindPresence {
				continue
			}
			if !f.Send(ev.Payload) {
				return websocket.CloseTryAgainLater, "client too slow"
			}
		case <-ctx.Done():
			return websocket.CloseGoingAway, ""
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
