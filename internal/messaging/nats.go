// Package messaging wraps the NATS connection used to fan chat room events
// out across chat-service processes.
package messaging

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/plaza/chat-service/internal/logging"
)

// NATS subjects used by the chat service.
const (
	SubjectRoomPrefix = "chat.room." // + <room_id>
	SubjectRoomAll    = "chat.room.*"
)

// RoomSubject returns the subject carrying events for roomID.
func RoomSubject(roomID int64) string {
	return SubjectRoomPrefix + strconv.FormatInt(roomID, 10)
}

// ParseRoomSubject extracts the room id from a room subject.
func ParseRoomSubject(subject string) (int64, error) {
	rest, ok := strings.CutPrefix(subject, SubjectRoomPrefix)
	if !ok || rest == "" {
		return 0, fmt.Errorf("messaging: not a room subject: %q", subject)
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("messaging: bad room id in %q: %w", subject, err)
	}
	return id, nil
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  zerolog.Logger
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "chat-service",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS and returns a ready client. It fails if the
// initial connection fails; later disconnects are retried in the background.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	log := logging.Component("nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := log.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("async error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for subject and keeps the subscription for
// cleanup on Close.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[subject]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishRoom publishes an encoded event to the room's subject.
func (c *NATSClient) PublishRoom(roomID int64, data []byte) error {
	return c.Publish(RoomSubject(roomID), data)
}

// SubscribeRooms delivers events for every room to handler. Each process
// subscribes once and filters by its local room membership.
func (c *NATSClient) SubscribeRooms(handler func(roomID int64, data []byte)) error {
	return c.Subscribe(SubjectRoomAll, func(msg *nats.Msg) {
		roomID, err := ParseRoomSubject(msg.Subject)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping event")
			return
		}
		handler(roomID, msg.Data)
	})
}

// Unsubscribe removes the subscription for subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Connected reports whether the connection is currently usable.
func (c *NATSClient) Connected() bool {
	return c.conn.IsConnected()
}

// Close drains all subscriptions and closes the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("subject", subject).Msg("drain subscription")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("connection drain")
	}

	c.log.Info().Msg("client closed")
}
