package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/plaza/chat-service/internal/metrics"
)

// sendQueueSize bounds the frames waiting for a connection's writer. Frames
// beyond it are dropped until the peer catches up.
const sendQueueSize = 256

var (
	ErrSendQueueFull = errors.New("ws: send queue full")
	ErrConnClosed    = errors.New("ws: connection closed")
)

// Connection is one upgraded client socket. It satisfies
// broadcast.Subscriber so sessions can register it with a room directly.
// Outbound text frames go through a per-connection queue drained by a
// writer goroutine, so a stalled peer only blocks its own writer.
type Connection struct {
	id           string
	Conn         net.Conn  // what frames are read from and written to
	Fd           int       // -1 off linux
	Address      string    // client address resolved at upgrade
	CreatedAt    time.Time // when the connection was established
	writeTimeout time.Duration
	onBroken     func(*Connection) // called once when a write fails

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	lastActive atomic.Int64 // unix nanos of the last frame received
	writeMu    sync.Mutex   // serializes frame writes with pings
	processing int32        // atomic flag: 0 = idle, 1 = being read by handleConn
}

func newConnection(id string, conn net.Conn, address string, writeTimeout time.Duration, onBroken func(*Connection)) *Connection {
	c := &Connection{
		id:           id,
		Conn:         conn,
		Fd:           socketFD(conn),
		Address:      address,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
		onBroken:     onBroken,
		send:         make(chan []byte, sendQueueSize),
		done:         make(chan struct{}),
	}
	c.touch()
	go c.writeLoop()
	return c
}

// ID returns the session id assigned at upgrade.
func (c *Connection) ID() string {
	return c.id
}

// LastActive returns when a frame was last received.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// WriteMessage queues a text frame. It never blocks: a full queue drops the
// frame and returns ErrSendQueueFull.
func (c *Connection) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		metrics.FramesDropped.Inc()
		return ErrSendQueueFull
	}
}

// Deliver implements broadcast.Subscriber.
func (c *Connection) Deliver(data []byte) error {
	return c.WriteMessage(data)
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.send:
			if err := c.writeFrame(ws.OpText, data); err != nil {
				// A partial frame leaves the stream unusable.
				if c.onBroken != nil {
					c.onBroken(c)
				} else {
					c.Close()
				}
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) writeFrame(op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	if op == ws.OpPing {
		return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
	}
	return wsutil.WriteServerMessage(c.Conn, op, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9) directly,
// bypassing the queue.
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.OpPing, nil)
}

// Close stops the writer and closes the underlying network connection.
// Queued frames are discarded.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry of live connections, indexed
// by session id and by the net.Conn the poller reports as ready.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove unregisters the connection and closes it. It reports false if the
// connection was already gone, so concurrent removals clean up once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// GetByConn returns the connection wrapping c, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
