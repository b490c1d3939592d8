package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"division-chat/internal/auth"
	"division-chat/internal/broker"
	pkglog "division-chat/internal/log"
	myMiddleware "division-chat/internal/middleware"
	"division-chat/internal/user"
	"division-chat/internal/ws"
)

// UserLookup confirms a peer exists before a room is handed out.
type UserLookup interface {
	LookupIdentity(ctx context.Context, userID int64) (auth.Identity, error)
}

type Handler struct {
	service   *Service
	authn     Authenticator
	broker    broker.Broker
	users     UserLookup
	wsCfg     ws.Config
	inboxSize int
}

func NewHandler(svc *Service, authn Authenticator, b broker.Broker, users UserLookup, wsCfg ws.Config, inboxSize int) *Handler {
	return &Handler{
		service:   svc,
		authn:     authn,
		broker:    b,
		users:     users,
		wsCfg:     wsCfg,
		inboxSize: inboxSize,
	}
}

// ServeWs handles GET /ws/messages/{room}/?token=...
// The socket is accepted before authentication so the close codes reach the client.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	token := r.URL.Query().Get("token")

	conn, err := ws.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		l := pkglog.Ctx(r.Context())
		l.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := ws.NewClient(conn, h.wsCfg)
	NewSession(room, token, client, h.authn, h.broker, h.service, h.inboxSize).Run(r.Context())
}

// DeleteHistory handles DELETE /api/messages/{room}/
func (h *Handler) DeleteHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
		return
	}

	room := chi.URLParam(r, "room")
	deleted, err := h.service.DeleteHistory(r.Context(), room, id.UserID)
	switch {
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "Not permitted to delete this conversation.")
		return
	case err != nil:
		l := pkglog.Ctx(r.Context())
		l.Error().Err(err).Str(pkglog.FieldRoom, room).Msg("delete history failed")
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

type startConversationRequest struct {
	PeerID int64 `json:"peer_id"`
}

// StartConversation handles POST /api/conversations and returns the room key
// shared by the caller and the peer.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
		return
	}

	var req startConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID <= 0 {
		writeError(w, http.StatusBadRequest, "peer_id is required")
		return
	}
	if req.PeerID == id.UserID {
		writeError(w, http.StatusBadRequest, "cannot start a conversation with yourself")
		return
	}
	if _, err := h.users.LookupIdentity(r.Context(), req.PeerID); err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		l := pkglog.Ctx(r.Context())
		l.Error().Err(err).Msg("peer lookup failed")
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"room": DeriveRoomKey(id.UserID, req.PeerID)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
