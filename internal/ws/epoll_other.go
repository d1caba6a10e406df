//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll is the goroutine-per-connection fallback for platforms without
// epoll. Each connection gets a monitor that peeks for data without
// consuming it, reports the connection ready, then waits for Resume before
// peeking again so it never races the frame reader.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]chan struct{}
	readyCh chan net.Conn
	done    chan struct{}
	closed  bool
}

// peekConn routes reads through a bufio.Reader shared with the monitor.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekConn) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn. Frames must be read from the returned conn.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	pc := &peekConn{Conn: conn, r: bufio.NewReader(conn)}
	resume := make(chan struct{}, 1)

	e.mu.Lock()
	e.conns[pc] = resume
	e.mu.Unlock()

	go e.monitor(pc, resume)
	return pc, nil
}

func (e *Epoll) monitor(pc *peekConn, resume chan struct{}) {
	for {
		// Errors are reported as readiness too; the reader sees the failure.
		_, err := pc.r.Peek(1)

		select {
		case e.readyCh <- pc:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor look for the next frame once the previous one
// has been read.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	resume, ok := e.conns[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case resume <- struct{}{}:
	default:
	}
}

func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	resume, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(resume)
	}
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection ready at that moment.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.done)
	e.conns = make(map[net.Conn]chan struct{})
	return nil
}

func socketFD(net.Conn) int {
	return -1
}
