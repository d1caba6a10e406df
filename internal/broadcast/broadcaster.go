// Package broadcast fans room events out to the sessions joined to a room.
// Membership is process-local; an optional Bus relays events between
// processes so every joined session receives each event exactly once.
package broadcast

import (
	"context"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/plaza/chat-service/internal/logging"
	"github.com/plaza/chat-service/internal/metrics"
)

// Subscriber receives encoded events. Deliver must not block for long; the
// socket connection implementation queues a single write.
type Subscriber interface {
	ID() string
	Deliver(data []byte) error
}

// Bus relays room events between processes. Events published through it are
// also delivered back to the publishing process.
type Bus interface {
	PublishRoom(roomID int64, data []byte) error
	SubscribeRooms(handler func(roomID int64, data []byte)) error
}

type Broadcaster struct {
	mu    sync.RWMutex
	rooms map[int64]map[string]Subscriber
	bus   Bus
	log   zerolog.Logger
}

func New() *Broadcaster {
	return &Broadcaster{
		rooms: make(map[int64]map[string]Subscriber),
		log:   logging.Component("broadcast"),
	}
}

// AttachBus switches the broadcaster to cross-process fan-out. It must be
// called before the first Publish.
func (b *Broadcaster) AttachBus(bus Bus) error {
	if err := bus.SubscribeRooms(b.deliverLocal); err != nil {
		return err
	}
	b.bus = bus
	return nil
}

// Join adds sub to roomID. Joining again replaces the earlier entry.
func (b *Broadcaster) Join(roomID int64, sub Subscriber) {
	b.mu.Lock()
	members, ok := b.rooms[roomID]
	if !ok {
		members = make(map[string]Subscriber)
		b.rooms[roomID] = members
	}
	members[sub.ID()] = sub
	n := len(members)
	b.mu.Unlock()

	metrics.RoomSessions.WithLabelValues(strconv.FormatInt(roomID, 10)).Set(float64(n))
}

// Leave removes the session from roomID.
func (b *Broadcaster) Leave(roomID int64, sessionID string) {
	b.mu.Lock()
	n := b.leaveLocked(roomID, sessionID)
	b.mu.Unlock()

	if n >= 0 {
		metrics.RoomSessions.WithLabelValues(strconv.FormatInt(roomID, 10)).Set(float64(n))
	}
}

// LeaveAll removes the session from every room it joined.
func (b *Broadcaster) LeaveAll(sessionID string) {
	counts := make(map[int64]int)

	b.mu.Lock()
	for roomID, members := range b.rooms {
		if _, ok := members[sessionID]; ok {
			counts[roomID] = b.leaveLocked(roomID, sessionID)
		}
	}
	b.mu.Unlock()

	for roomID, n := range counts {
		metrics.RoomSessions.WithLabelValues(strconv.FormatInt(roomID, 10)).Set(float64(n))
	}
}

// leaveLocked returns the remaining member count, or -1 if the session was
// not in the room.
func (b *Broadcaster) leaveLocked(roomID int64, sessionID string) int {
	members, ok := b.rooms[roomID]
	if !ok {
		return -1
	}
	if _, ok := members[sessionID]; !ok {
		return -1
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(b.rooms, roomID)
	}
	return len(members)
}

// Count returns the number of sessions joined to roomID on this process.
func (b *Broadcaster) Count(roomID int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[roomID])
}

// Publish sends an encoded event to every session in roomID. With a bus the
// event goes out only through the bus and is delivered locally when it comes
// back; if the bus publish fails, local sessions still receive it.
func (b *Broadcaster) Publish(ctx context.Context, roomID int64, data []byte) {
	if b.bus != nil {
		err := b.bus.PublishRoom(roomID, data)
		if err == nil {
			return
		}
		l := logging.Ctx(ctx)
		l.Error().Err(err).Int64(logging.FieldRoom, roomID).
			Msg("broadcast: bus publish failed, delivering locally only")
	}
	b.deliverLocal(roomID, data)
}

// Notify delivers an event to sub alone, bypassing room membership and the
// bus. Failures are logged and counted like room deliveries.
func (b *Broadcaster) Notify(sub Subscriber, data []byte) {
	b.deliver(sub, data)
}

func (b *Broadcaster) deliverLocal(roomID int64, data []byte) {
	b.mu.RLock()
	members := b.rooms[roomID]
	snapshot := make([]Subscriber, 0, len(members))
	for _, sub := range members {
		snapshot = append(snapshot, sub)
	}
	b.mu.RUnlock()

	for _, sub := range snapshot {
		b.deliver(sub, data)
	}
}

func (b *Broadcaster) deliver(sub Subscriber, data []byte) {
	if err := sub.Deliver(data); err != nil {
		metrics.Deliveries.WithLabelValues("error").Inc()
		b.log.Debug().Err(err).Str(logging.FieldSession, sub.ID()).Msg("delivery failed")
		return
	}
	metrics.Deliveries.WithLabelValues("ok").Inc()
}
