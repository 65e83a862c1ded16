//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll is the goroutine-per-connection fallback used on platforms without
// epoll. Each registered connection gets a monitor goroutine that peeks one
// byte through a buffered reader, reports the connection as ready and then
// waits for Resume before peeking again, so the monitor never reads while a
// worker is consuming a frame.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// peekConn routes reads through the monitor's buffered reader so peeked bytes
// are not lost.
type peekConn struct {
	net.Conn
	r      *bufio.Reader
	resume chan struct{}
	gone   chan struct{}
	once   sync.Once
}

func (c *peekConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// NewEpoll creates a new fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add wraps conn and starts its monitor. Callers must use the returned
// connection for all further I/O.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	pc := &peekConn{
		Conn:   conn,
		r:      bufio.NewReader(conn),
		resume: make(chan struct{}, 1),
		gone:   make(chan struct{}),
	}

	e.mu.Lock()
	e.conns[pc] = struct{}{}
	e.mu.Unlock()

	go e.monitor(pc)
	return pc, nil
}

func (e *Epoll) monitor(c *peekConn) {
	for {
		// A read error is reported as readiness too, so the server's read
		// path observes the closure.
		_, err := c.r.Peek(1)

		select {
		case e.readyCh <- c:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-c.resume:
		case <-c.gone:
			return
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor of conn look for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	if pc, ok := conn.(*peekConn); ok {
		select {
		case pc.resume <- struct{}{}:
		default:
		}
	}
}

// Remove unregisters conn and stops its monitor.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()

	if pc, ok := conn.(*peekConn); ok {
		pc.once.Do(func() { close(pc.gone) })
	}
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection that is ready without blocking further.
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

// Close shuts down the fallback poller and unblocks Wait.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]struct{})
	e.mu.Unlock()
	return nil
}
