package handler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/plaza/chat-service/internal/apperr"
	"github.com/plaza/chat-service/internal/identity"
	"github.com/plaza/chat-service/internal/logging"
	"github.com/plaza/chat-service/internal/protocol"
	"github.com/plaza/chat-service/internal/service"
	"github.com/plaza/chat-service/internal/session"
	"github.com/plaza/chat-service/internal/ws"
)

// eventTimeout bounds the store calls made for one socket event.
const eventTimeout = 10 * time.Second

// PresenceStore mirrors session lifecycle for cross-process presence.
// *session.Store implements it.
type PresenceStore interface {
	session.Presence
	Create(ctx context.Context, sessionID, address string) error
	Touch(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) error
}

// SocketHandler owns the session of every open socket and translates
// session results into protocol frames.
type SocketHandler struct {
	svc        *service.Service
	presence   PresenceStore
	dispatcher *ws.MessageDispatcher
	sessions   sync.Map // connection id -> *session.Session
	log        zerolog.Logger
}

// NewSocketHandler registers the chat event handlers. presence may be nil.
func NewSocketHandler(svc *service.Service, presence PresenceStore) *SocketHandler {
	h := &SocketHandler{
		svc:        svc,
		presence:   presence,
		dispatcher: ws.NewMessageDispatcher(),
		log:        logging.Component("socket"),
	}

	h.dispatcher.Register(protocol.TypeAuthenticate, h.withSession(h.handleAuthenticate))
	h.dispatcher.Register(protocol.TypeJoinChat, h.withSession(h.handleJoin))
	h.dispatcher.Register(protocol.TypeSendMessage, h.withSession(h.handleSend))
	h.dispatcher.Register(protocol.TypeDeleteMessage, h.withSession(h.handleDelete))
	h.dispatcher.Register(protocol.TypeBanUser, h.withSession(h.handleBan))
	return h
}

// Hooks returns the callbacks to construct the socket server with.
func (h *SocketHandler) Hooks() ws.Hooks {
	return ws.Hooks{
		OnConnect:    h.onConnect,
		OnMessage:    h.dispatcher.Dispatch,
		OnDisconnect: h.onDisconnect,
	}
}

// UpgradeRoute mounts srv on a gin route. The connection address is the
// one gin resolved against the engine's trusted proxies.
func UpgradeRoute(srv *ws.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		srv.Upgrade(c.Writer, c.Request, c.ClientIP())
	}
}

// Session returns the session of an open connection.
func (h *SocketHandler) Session(connID string) (*session.Session, bool) {
	v, ok := h.sessions.Load(connID)
	if !ok {
		return nil, false
	}
	return v.(*session.Session), true
}

func (h *SocketHandler) onConnect(conn *ws.Connection) {
	h.sessions.Store(conn.ID(), session.New(conn, conn.Address, h.svc, h.presence))

	if h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := h.presence.Create(ctx, conn.ID(), conn.Address); err != nil {
			h.log.Warn().Err(err).Str(logging.FieldSession, conn.ID()).Msg("presence create failed")
		}
	}
}

func (h *SocketHandler) onDisconnect(conn *ws.Connection) {
	if v, ok := h.sessions.LoadAndDelete(conn.ID()); ok {
		v.(*session.Session).Close()
	}

	if h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := h.presence.Delete(ctx, conn.ID()); err != nil {
			h.log.Warn().Err(err).Str(logging.FieldSession, conn.ID()).Msg("presence delete failed")
		}
	}
}

type sessionHandler func(ctx context.Context, conn *ws.Connection, sess *session.Session, msg interface{})

func (h *SocketHandler) withSession(fn sessionHandler) ws.MessageHandler {
	return func(conn *ws.Connection, msg interface{}) {
		sess, ok := h.Session(conn.ID())
		if !ok {
			h.dispatcher.SendError(conn, apperr.Code(apperr.ErrInvalidState), "session closed")
			return
		}

		logger := h.log.With().Str(logging.FieldSession, conn.ID()).Logger()
		ctx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), logger), eventTimeout)
		defer cancel()
		fn(ctx, conn, sess, msg)

		if h.presence != nil {
			if err := h.presence.Touch(ctx, conn.ID()); err != nil {
				logger.Debug().Err(err).Msg("presence touch failed")
			}
		}
	}
}

func (h *SocketHandler) handleAuthenticate(ctx context.Context, conn *ws.Connection, sess *session.Session, msg interface{}) {
	m := msg.(protocol.AuthenticateMsg)

	who, err := sess.Authenticate(ctx, m.Token)
	if errors.Is(err, apperr.ErrInvalidState) {
		h.sendFailure(ctx, conn, err)
		return
	}
	if err != nil {
		h.dispatcher.Send(conn, protocol.TypeAuthError, protocol.AuthErrorMsg{Message: authErrorText(err)})
	}

	h.dispatcher.Send(conn, protocol.TypeAuthenticated, protocol.AuthenticatedMsg{
		User:          who.User,
		AnonymousName: who.AnonymousName,
		CanModerate:   identity.HasModerationCapability(who),
	})
}

func authErrorText(err error) string {
	switch {
	case errors.Is(err, identity.ErrExpiredToken):
		return "token expired, continuing as anonymous"
	case errors.Is(err, identity.ErrInactiveUser), errors.Is(err, identity.ErrUnknownUser):
		return "account unavailable, continuing as anonymous"
	default:
		return "invalid token, continuing as anonymous"
	}
}

func (h *SocketHandler) handleJoin(ctx context.Context, conn *ws.Connection, sess *session.Session, _ interface{}) {
	room, err := sess.Join(ctx)
	if err != nil {
		h.sendFailure(ctx, conn, err)
		return
	}
	h.dispatcher.Send(conn, protocol.TypeJoinedChat, protocol.JoinedChatMsg{ChatID: room.ID, Name: room.Name})
}

func (h *SocketHandler) handleSend(ctx context.Context, conn *ws.Connection, sess *session.Session, msg interface{}) {
	m := msg.(protocol.SendMessageMsg)

	// The sender receives its own message through the room broadcast.
	if _, err := sess.Send(ctx, m.Content); err != nil {
		h.sendFailure(ctx, conn, err)
	}
}

func (h *SocketHandler) handleDelete(ctx context.Context, conn *ws.Connection, sess *session.Session, msg interface{}) {
	m := msg.(protocol.DeleteMessageMsg)

	if m.MessageID < 1 {
		h.dispatcher.SendError(conn, apperr.Code(apperr.ErrValidation), "messageId is required")
		return
	}
	if err := sess.DeleteMessage(ctx, m.MessageID); err != nil {
		h.sendFailure(ctx, conn, err)
	}
}

func (h *SocketHandler) handleBan(ctx context.Context, conn *ws.Connection, sess *session.Session, msg interface{}) {
	m := msg.(protocol.BanUserMsg)

	b, err := sess.Ban(ctx, service.BanRequest{
		UserID:          m.UserID,
		Address:         m.IP,
		MessageID:       m.MessageID,
		Scope:           m.Scope,
		Reason:          m.Reason,
		DurationMinutes: m.Duration,
	})
	if err != nil {
		h.sendFailure(ctx, conn, err)
		return
	}
	h.dispatcher.Send(conn, protocol.TypeBanIssued, protocol.BanIssuedMsg{Ban: *b})
}

// sendFailure reports err to the caller only. Bans and rate limits get
// their own event types; unknown errors are logged and sent generically.
func (h *SocketHandler) sendFailure(ctx context.Context, conn *ws.Connection, err error) {
	var banned *apperr.BannedError
	if errors.As(err, &banned) {
		frame, encErr := protocol.NewServerMessage(protocol.TypeBanned, protocol.BannedMsg{
			Message:   banned.Message(),
			Reason:    banned.Reason,
			ExpiresAt: banned.ExpiresAt,
		})
		if encErr != nil {
			h.log.Error().Err(encErr).Msg("encode banned frame")
			return
		}
		h.svc.Broadcaster().Notify(conn, frame)
		return
	}

	var limited *apperr.RateLimitError
	if errors.As(err, &limited) {
		h.dispatcher.Send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: limited.RetrySeconds()})
		return
	}

	if !apperr.IsClientError(err) {
		l := logging.Ctx(ctx)
		l.Error().Err(err).Msg("socket event failed")
		h.dispatcher.SendError(conn, apperr.Code(err), "internal error")
		return
	}
	h.dispatcher.SendError(conn, apperr.Code(err), err.Error())
}
