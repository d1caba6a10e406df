// Package session implements the per-connection chat state machine and
// mirrors session state into Redis for cross-process presence.
//
//	Connected -> Authenticated -> Joined -> Closed
//	                  |              |
//	                  +--> Banned <--+   (a ban refused join or send)
//
// A banned session stays connected and may re-authenticate or retry the
// join once the ban expires or is lifted.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/plaza/chat-service/internal/apperr"
	"github.com/plaza/chat-service/internal/ban"
	"github.com/plaza/chat-service/internal/broadcast"
	"github.com/plaza/chat-service/internal/chat"
	"github.com/plaza/chat-service/internal/identity"
	"github.com/plaza/chat-service/internal/logging"
	"github.com/plaza/chat-service/internal/metrics"
	"github.com/plaza/chat-service/internal/service"
)

type State int

const (
	Connected State = iota
	Authenticated
	Joined
	Banned
	Closed
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	case Joined:
		return "joined"
	case Banned:
		return "banned"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Presence receives session state changes. *Store implements it.
type Presence interface {
	SetIdentity(ctx context.Context, sessionID, actor string, state State) error
	SetRoom(ctx context.Context, sessionID string, prevRoomID, roomID int64, state State) error
}

// presenceTimeout bounds mirror writes so a slow Redis never stalls events.
const presenceTimeout = 2 * time.Second

// Session is the state of one socket connection. Methods are safe for
// concurrent use; the socket layer already delivers a connection's events
// one at a time.
type Session struct {
	mu       sync.Mutex
	conn     broadcast.Subscriber
	address  string
	svc      *service.Service
	presence Presence
	log      zerolog.Logger

	state    State
	identity identity.Identity
	room     *chat.Room
}

// New creates a session in the Connected state. presence may be nil.
func New(conn broadcast.Subscriber, address string, svc *service.Service, presence Presence) *Session {
	return &Session{
		conn:     conn,
		address:  address,
		svc:      svc,
		presence: presence,
		log:      logging.Component("session").With().Str(logging.FieldSession, conn.ID()).Logger(),
		state:    Connected,
	}
}

func (s *Session) ID() string {
	return s.conn.ID()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Identity() identity.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) actor() service.Actor {
	return service.Actor{Identity: s.identity, Address: s.address, SessionID: s.conn.ID()}
}

// Authenticate resolves the credential and moves to Authenticated. A joined
// session keeps its room membership under the new identity. The returned
// error, when non-nil, explains why the credential was ignored; the session
// is authenticated as anonymous regardless.
func (s *Session) Authenticate(ctx context.Context, token string) (identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed {
		return identity.Identity{}, apperr.ErrInvalidState
	}

	who, authErr := s.svc.Authenticate(ctx, token)
	s.identity = who
	if s.state != Joined {
		s.state = Authenticated
	}
	s.log.Debug().
		Str("actor", who.LogValue()).
		Str("name", who.DisplayName()).
		Bool("registered", !who.IsAnonymous()).
		Msg("authenticated")

	s.mirror(func(ctx context.Context, p Presence) error {
		return p.SetIdentity(ctx, s.conn.ID(), who.LogValue(), s.state)
	})
	return who, authErr
}

// Join enters the configured room. A matching ban moves the session to
// Banned and returns a *apperr.BannedError. Joining again while joined
// returns the current room.
func (s *Session) Join(ctx context.Context) (*chat.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Joined:
		return s.room, nil
	case Authenticated, Banned:
	default:
		return nil, fmt.Errorf("session: join while %s: %w", s.state, apperr.ErrInvalidState)
	}

	room, err := s.svc.Room(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.svc.CheckBan(ctx, room.ID, s.actor()); err != nil {
		if errors.Is(err, apperr.ErrBanned) {
			s.state = Banned
			metrics.JoinsRejected.Inc()
			s.log.Info().Str("actor", s.identity.LogValue()).Msg("join refused: banned")
		}
		return nil, err
	}

	s.svc.Broadcaster().Join(room.ID, s.conn)
	s.room = room
	s.state = Joined

	s.mirror(func(ctx context.Context, p Presence) error {
		return p.SetRoom(ctx, s.conn.ID(), 0, room.ID, Joined)
	})
	return room, nil
}

// Send posts a message to the joined room. If an active ban now matches the
// sender, the session leaves the room and moves to Banned.
func (s *Session) Send(ctx context.Context, content string) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Joined {
		return nil, fmt.Errorf("session: send while %s: %w", s.state, apperr.ErrInvalidState)
	}

	msg, err := s.svc.PostMessage(ctx, s.actor(), content, service.SourceSocket)
	if err != nil {
		if errors.Is(err, apperr.ErrBanned) {
			s.leaveLocked(Banned)
		}
		return nil, err
	}
	return msg, nil
}

// DeleteMessage retracts a message. Requires moderation capability.
func (s *Session) DeleteMessage(ctx context.Context, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireIdentity(); err != nil {
		return err
	}
	return s.svc.DeleteMessage(ctx, s.actor(), messageID)
}

// Ban issues a ban. Requires moderation capability.
func (s *Session) Ban(ctx context.Context, req service.BanRequest) (*ban.Ban, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireIdentity(); err != nil {
		return nil, err
	}
	return s.svc.Ban(ctx, s.actor(), req)
}

// Close leaves the room. Further operations fail with ErrInvalidState.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed {
		return
	}
	s.svc.Broadcaster().LeaveAll(s.conn.ID())
	s.room = nil
	s.state = Closed
}

func (s *Session) requireIdentity() error {
	switch s.state {
	case Authenticated, Joined, Banned:
		return nil
	default:
		return fmt.Errorf("session: moderation while %s: %w", s.state, apperr.ErrInvalidState)
	}
}

func (s *Session) leaveLocked(next State) {
	if s.room == nil {
		s.state = next
		return
	}
	prev := s.room.ID
	s.svc.Broadcaster().Leave(prev, s.conn.ID())
	s.room = nil
	s.state = next

	s.mirror(func(ctx context.Context, p Presence) error {
		return p.SetRoom(ctx, s.conn.ID(), prev, 0, next)
	})
}

func (s *Session) mirror(fn func(ctx context.Context, p Presence) error) {
	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := fn(ctx, s.presence); err != nil {
		s.log.Warn().Err(err).Msg("presence update failed")
	}
}
