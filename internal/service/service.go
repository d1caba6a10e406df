// Package service implements the chat operations shared by the socket
// sessions and the HTTP fallback API: posting, history, moderation and room
// information for the configured room.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/plaza/chat-service/internal/apperr"
	"github.com/plaza/chat-service/internal/ban"
	"github.com/plaza/chat-service/internal/broadcast"
	"github.com/plaza/chat-service/internal/chat"
	"github.com/plaza/chat-service/internal/identity"
	"github.com/plaza/chat-service/internal/logging"
	"github.com/plaza/chat-service/internal/metrics"
	"github.com/plaza/chat-service/internal/moderation"
	"github.com/plaza/chat-service/internal/protocol"
	"github.com/plaza/chat-service/internal/ratelimit"
)

// Message sources, used as a metrics label.
const (
	SourceSocket = "socket"
	SourceHTTP   = "http"
)

// Limiter throttles message sends. *ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Decision, error)
}

// Presence reports cross-process room occupancy. *session.Store implements it.
type Presence interface {
	CountInRoom(ctx context.Context, roomID int64) (int64, error)
}

// Config is the room-level configuration.
type Config struct {
	RoomName string
	Rules    []string
	SendRule ratelimit.Rule
}

// Actor is the caller of an operation: who they are and where they connect
// from. SessionID is set for socket callers.
type Actor struct {
	Identity  identity.Identity
	Address   string
	SessionID string
}

func (a Actor) rateKey() string {
	switch {
	case a.SessionID != "":
		return "s:" + a.SessionID
	case a.Identity.User != nil:
		return "u:" + strconv.FormatInt(a.Identity.User.ID, 10)
	default:
		return "a:" + a.Address
	}
}

// BanRequest names a ban target directly by UserID and/or Address, or
// indirectly by the author of MessageID. Scope selects which side of the
// author is banned ("user" or "ip"); anonymous authors are always banned by
// address.
type BanRequest struct {
	UserID          int64
	Address         string
	MessageID       int64
	Scope           string
	Reason          string
	DurationMinutes int
}

// Info describes the room for the info endpoint.
type Info struct {
	Room          *chat.Room
	OnlineCount   int64
	MessageCount  int64
	LastMessageAt *time.Time
	Rules         []string
	CanModerate   bool
}

type Service struct {
	cfg      Config
	resolver *identity.Resolver
	users    identity.UserRepository
	bans     *ban.Enforcer
	store    *chat.Store
	bcast    *broadcast.Broadcaster
	limiter  Limiter
	presence Presence
	now      func() time.Time
	log      zerolog.Logger
}

type Option func(*Service)

func WithLimiter(l Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

func WithPresence(p Presence) Option {
	return func(s *Service) { s.presence = p }
}

// WithClock overrides the time used for ban checks and ban expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(cfg Config, resolver *identity.Resolver, users identity.UserRepository, bans *ban.Enforcer,
	store *chat.Store, bcast *broadcast.Broadcaster, opts ...Option) *Service {
	if cfg.SendRule.Limit == 0 {
		cfg.SendRule = ratelimit.RuleMessage
	}
	s := &Service{
		cfg:      cfg,
		resolver: resolver,
		users:    users,
		bans:     bans,
		store:    store,
		bcast:    bcast,
		now:      time.Now,
		log:      logging.Component("service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Broadcaster returns the broadcaster room members are registered with.
func (s *Service) Broadcaster() *broadcast.Broadcaster {
	return s.bcast
}

// Authenticate resolves an optional credential. The identity is always
// usable; a non-nil error explains a degrade to anonymous.
func (s *Service) Authenticate(ctx context.Context, token string) (identity.Identity, error) {
	return s.resolver.Resolve(ctx, token)
}

// Verify resolves a credential that must name an active registered user.
func (s *Service) Verify(ctx context.Context, token string) (*identity.User, error) {
	u, err := s.resolver.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("service: %v: %w", err, apperr.ErrUnauthenticated)
	}
	return u, nil
}

// Room returns the configured room, creating it on first use.
func (s *Service) Room(ctx context.Context) (*chat.Room, error) {
	return s.store.Room(ctx, s.cfg.RoomName)
}

// CheckBan returns a *apperr.BannedError when an active ban matches the
// actor in roomID.
func (s *Service) CheckBan(ctx context.Context, roomID int64, actor Actor) error {
	b, err := s.bans.IsBanned(ctx, roomID, actor.Identity, actor.Address, s.now())
	if err != nil {
		return err
	}
	if b != nil {
		return b.Err()
	}
	return nil
}

// PostMessage validates, persists and broadcasts a message from actor.
func (s *Service) PostMessage(ctx context.Context, actor Actor, content, source string) (*chat.Message, error) {
	start := time.Now()

	if s.limiter != nil {
		d, err := s.limiter.Allow(ctx, actor.rateKey(), s.cfg.SendRule)
		if err != nil {
			l := logging.Ctx(ctx)
			l.Warn().Err(err).Msg("service: rate limit check failed")
		}
		if !d.Allowed {
			metrics.MessagesTotal.WithLabelValues("rate_limited", source).Inc()
			return nil, &apperr.RateLimitError{RetryAfter: d.RetryAfter}
		}
	}

	room, err := s.Room(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.CheckBan(ctx, room.ID, actor); err != nil {
		if errors.Is(err, apperr.ErrBanned) {
			metrics.MessagesTotal.WithLabelValues("banned", source).Inc()
		}
		return nil, err
	}

	msg, err := s.store.Append(ctx, room.Name, content, chat.AuthorFrom(actor.Identity, actor.Address))
	if err != nil {
		if errors.Is(err, apperr.ErrValidation) {
			metrics.MessagesTotal.WithLabelValues("rejected", source).Inc()
		}
		return nil, err
	}

	s.publish(ctx, room.ID, protocol.TypeNewMessage, protocol.NewMessageMsg{Message: *msg})

	metrics.MessagesTotal.WithLabelValues("accepted", source).Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
	return msg, nil
}

// ListMessages returns one page of room history.
func (s *Service) ListMessages(ctx context.Context, cursor *int64, dir chat.Direction, limit int) (*chat.Page, error) {
	return s.store.ListPage(ctx, s.cfg.RoomName, cursor, dir, limit)
}

// DeleteMessage soft-deletes a message and broadcasts the retraction.
func (s *Service) DeleteMessage(ctx context.Context, actor Actor, messageID int64) error {
	if err := moderation.Authorize(actor.Identity); err != nil {
		return err
	}

	msg, err := s.store.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if err := s.store.SoftDelete(ctx, messageID); err != nil {
		return err
	}

	s.publish(ctx, msg.RoomID, protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{MessageID: messageID})
	metrics.ModerationActions.WithLabelValues("delete_message").Inc()

	l := logging.Ctx(ctx)
	l.Info().
		Str("moderator", actor.Identity.LogValue()).
		Int64("message_id", messageID).
		Msg("message deleted")
	return nil
}

// Ban issues a ban in the configured room. Already joined sessions of the
// target are not disconnected; the ban applies from their next join or send.
func (s *Service) Ban(ctx context.Context, actor Actor, req BanRequest) (*ban.Ban, error) {
	if err := moderation.Authorize(actor.Identity); err != nil {
		return nil, err
	}

	target, err := s.banTarget(ctx, req)
	if err != nil {
		return nil, err
	}

	if target.UserID != nil {
		u, err := s.users.FindByID(ctx, *target.UserID)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return nil, fmt.Errorf("service: ban target %d: %w", *target.UserID, apperr.ErrNotFound)
			}
			return nil, err
		}
		if err := moderation.CheckBanTarget(actor.Identity, u); err != nil {
			return nil, err
		}
	}

	room, err := s.Room(ctx)
	if err != nil {
		return nil, err
	}

	b, err := s.bans.IssueBan(ctx, ban.IssueRequest{
		RoomID:          room.ID,
		Target:          target,
		IssuedBy:        actor.Identity.UserID(),
		Reason:          req.Reason,
		DurationMinutes: req.DurationMinutes,
	}, s.now())
	if err != nil {
		return nil, err
	}

	action := "ban_user"
	if b.UserID == nil {
		action = "ban_ip"
	}
	metrics.ModerationActions.WithLabelValues(action).Inc()

	l := logging.Ctx(ctx)
	ev := l.Info().
		Str("moderator", actor.Identity.LogValue()).
		Int64("ban_id", b.ID).
		Int("duration_minutes", req.DurationMinutes)
	if b.UserID != nil {
		ev = ev.Int64("target_user", *b.UserID)
	}
	if b.Address != nil {
		ev = ev.Bool("target_address", true)
	}
	ev.Msg("ban issued")
	return b, nil
}

func (s *Service) banTarget(ctx context.Context, req BanRequest) (ban.Target, error) {
	var target ban.Target
	if req.UserID > 0 {
		id := req.UserID
		target.UserID = &id
	}
	if req.Address != "" {
		addr := req.Address
		target.Address = &addr
	}
	if req.MessageID == 0 {
		return target, nil
	}

	msg, err := s.store.Get(ctx, req.MessageID)
	if err != nil {
		return target, err
	}
	if req.Scope == protocol.ScopeAddress || msg.Author.IsAnonymous() {
		if msg.Author.Address == "" {
			return target, fmt.Errorf("service: message %d has no recorded address: %w", msg.ID, apperr.ErrValidation)
		}
		addr := msg.Author.Address
		target.Address = &addr
		return target, nil
	}
	id := msg.Author.UserID
	target.UserID = &id
	return target, nil
}

// Unban lifts a ban by id.
func (s *Service) Unban(ctx context.Context, actor Actor, banID int64) error {
	if err := moderation.Authorize(actor.Identity); err != nil {
		return err
	}
	if err := s.bans.Lift(ctx, banID, s.now()); err != nil {
		return err
	}
	metrics.ModerationActions.WithLabelValues("unban").Inc()
	l := logging.Ctx(ctx)
	l.Info().Str("moderator", actor.Identity.LogValue()).Int64("ban_id", banID).Msg("ban lifted")
	return nil
}

// ListBans returns the active bans of the configured room.
func (s *Service) ListBans(ctx context.Context, actor Actor) ([]ban.Ban, error) {
	if err := moderation.Authorize(actor.Identity); err != nil {
		return nil, err
	}
	room, err := s.Room(ctx)
	if err != nil {
		return nil, err
	}
	return s.bans.ListActive(ctx, room.ID, s.now())
}

// Info reports room statistics and whether actor may moderate.
func (s *Service) Info(ctx context.Context, actor Actor) (*Info, error) {
	room, st, err := s.store.Stats(ctx, s.cfg.RoomName)
	if err != nil {
		return nil, err
	}

	online := int64(s.bcast.Count(room.ID))
	if s.presence != nil {
		n, err := s.presence.CountInRoom(ctx, room.ID)
		if err != nil {
			l := logging.Ctx(ctx)
			l.Warn().Err(err).Msg("service: presence count failed, using local count")
		} else {
			online = n
		}
	}

	return &Info{
		Room:          room,
		OnlineCount:   online,
		MessageCount:  st.MessageCount,
		LastMessageAt: st.LastMessageAt,
		Rules:         s.cfg.Rules,
		CanModerate:   identity.HasModerationCapability(actor.Identity),
	}, nil
}

func (s *Service) publish(ctx context.Context, roomID int64, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		s.log.Error().Err(err).Str("type", msgType).Msg("encode event")
		return
	}
	s.bcast.Publish(ctx, roomID, data)
}
