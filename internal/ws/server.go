// Package ws upgrades HTTP requests to WebSocket connections, polls them for
// readable frames with epoll and hands complete text frames to a callback on
// a bounded worker pool.
package ws

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/plaza/chat-service/internal/logging"
	"github.com/plaza/chat-service/internal/metrics"
	"github.com/plaza/chat-service/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxFrameBytes  int64         // larger data frames close the connection
	ReadTimeout    time.Duration // timeout for reading one frame once readable
	WriteTimeout   time.Duration // timeout for each outbound frame
	Heartbeat      HeartbeatConfig
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameBytes:  8192,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Hooks connect the server to the application. OnMessage runs on a worker
// goroutine; a connection never has two OnMessage calls in flight.
type Hooks struct {
	OnConnect    func(c *Connection)
	OnMessage    func(c *Connection, data []byte)
	OnDisconnect func(c *Connection)
}

// Server owns the poller, the connection registry and the read workers. It
// does not listen itself; Upgrade is called from the HTTP router.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnectionManager
	hooks      Hooks
	workerPool chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time
	log        zerolog.Logger
}

func NewServer(config ServerConfig, hooks Hooks) *Server {
	if config.WorkerPoolSize < 1 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		hooks:      hooks,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
		log:        logging.Component("ws"),
	}
}

// Start creates the poller and starts the event loop and heartbeat in the
// background.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Info().
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("socket server started")
	return nil
}

// Upgrade upgrades the request, registers the connection and sends
// session_created. address is the client address resolved by the router.
func (s *Server) Upgrade(w http.ResponseWriter, r *http.Request, address string) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	readable, err := s.epoll.Add(raw)
	if err != nil {
		s.log.Error().Err(err).Msg("epoll add failed")
		raw.Close()
		return
	}

	c := newConnection(uuid.NewString(), readable, address, s.config.WriteTimeout, s.RemoveConnection)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.hooks.OnConnect != nil {
		s.hooks.OnConnect(c)
	}

	hello := protocol.MustServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: c.ID()})
	if err := c.WriteMessage(hello); err != nil {
		s.log.Debug().Err(err).Str(logging.FieldSession, c.ID()).Msg("send session_created failed")
	}

	s.log.Debug().Str(logging.FieldSession, c.ID()).Int("fd", c.Fd).Int("total", s.conns.Count()).Msg("connection opened")
}

// Health reports the connection count and uptime.
func (s *Server) Health() (connections int, uptime time.Duration) {
	return s.conns.Count(), time.Since(s.startedAt).Round(time.Second)
}

func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			s.log.Error().Err(err).Msg("epoll wait failed")
			continue
		}

		for _, conn := range conns {
			conn := conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a readable connection and runs OnMessage.
// The poller is resumed only after the handler returns, which keeps one
// handler in flight per connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may report the same fd to two workers.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}

	data, alive := s.readFrame(c, netConn)
	if alive && len(data) > 0 && s.hooks.OnMessage != nil {
		s.dispatch(c, data)
	}

	atomic.StoreInt32(&c.processing, 0)
	if alive {
		s.epoll.Resume(netConn)
	}
}

// readFrame returns the payload of the next data frame, or nil for control
// frames and stale readiness reports. alive is false once the connection has
// been removed. Control frames are consumed by wsutil.NextReader so a ping
// never blocks waiting for data.
func (s *Server) readFrame(c *Connection, netConn net.Conn) (data []byte, alive bool) {
	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer netConn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// No data after all; the heartbeat handles dead peers.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, true
		}
		s.RemoveConnection(c)
		return nil, false
	}

	c.touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
			return nil, false
		}
		return nil, true
	}

	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		s.log.Info().Str(logging.FieldSession, c.ID()).Int64("bytes", header.Length).Msg("frame too large")
		s.RemoveConnection(c)
		return nil, false
	}

	data = make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return nil, false
		}
	}
	return data, true
}

func (s *Server) dispatch(c *Connection, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str(logging.FieldSession, c.ID()).Msg("message handler panicked")
		}
	}()
	s.hooks.OnMessage(c, data)
}

// RemoveConnection unregisters, closes and reports a connection. Concurrent
// calls for the same connection clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID()) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect(c)
	}

	s.log.Debug().Str(logging.FieldSession, c.ID()).Int("total", s.conns.Count()).Msg("connection closed")
}

// Connections returns the registry for the heartbeat and tests.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the event loop and closes every connection.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() {
		s.log.Info().Int("connections", s.conns.Count()).Msg("socket server shutting down")
		close(s.done)

		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		if s.epoll != nil {
			_ = s.epoll.Close()
		}
	})
	return nil
}

// isEINTR reports an interrupted epoll_wait, expected during signal delivery.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
