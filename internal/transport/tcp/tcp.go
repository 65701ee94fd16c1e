// Package tcp carries the frontend protocol between an emulator host and the
// multiworld helper over loopback TCP.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"ootmw.dev/internal/coop"
	"ootmw.dev/internal/protocol"
)

const (
	readBufSize  = 4 * 1024
	inboxSize    = 256
	writeTimeout = 5 * time.Second
)

var ErrClosed = errors.New("tcp: transport closed")

// Set is a fan-out group of sockets. Sends go to every open socket; reads from
// all sockets are merged into one inbox tagged with the socket id. A Set
// obtained from Dial holds exactly one socket.
type Set struct {
	log *log.Logger
	ln  net.Listener

	mu     sync.Mutex
	conns  map[int]net.Conn
	nextID int
	closed bool

	inbox chan coop.Chunk
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func newSet(logger *log.Logger) *Set {
	if logger == nil {
		logger = log.New(log.Writer(), "[tcp] ", log.LstdFlags)
	}
	return &Set{
		log:   logger,
		conns: map[int]net.Conn{},
		inbox: make(chan coop.Chunk, inboxSize),
		done:  make(chan struct{}),
	}
}

// Dial connects to the helper at addr and sends the handshake byte.
func Dial(ctx context.Context, addr string, logger *log.Logger) (*Set, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	s := newSet(logger)
	if err := s.add(c); err != nil {
		_ = c.Close()
		return nil, err
	}
	return s, nil
}

// Listen accepts helper connections on addr until Close. Each accepted socket
// gets the handshake byte and joins the set.
func Listen(addr string, logger *log.Logger) (*Set, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	s := newSet(logger)
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listen address, or nil for a dialed set.
func (s *Set) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Len returns the number of open sockets.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Set) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Printf("accept: %v", err)
			}
			return
		}
		if err := s.add(c); err != nil {
			s.log.Printf("add %s: %v", c.RemoteAddr(), err)
			_ = c.Close()
		}
	}
}

func (s *Set) add(c net.Conn) error {
	_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.Write(protocol.Handshake()); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	id := s.nextID
	s.nextID++
	s.conns[id] = c
	s.mu.Unlock()

	s.log.Printf("socket %d connected: %s", id, c.RemoteAddr())
	s.wg.Add(1)
	go s.readLoop(id, c)
	return nil
}

func (s *Set) readLoop(id int, c net.Conn) {
	defer s.wg.Done()
	buf := make([]byte, readBufSize)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			if !s.push(coop.Chunk{Conn: id, Data: append([]byte(nil), buf[:n]...)}) {
				return
			}
		}
		if err != nil {
			s.mu.Lock()
			delete(s.conns, id)
			s.mu.Unlock()
			_ = c.Close()
			s.push(coop.Chunk{Conn: id, Closed: true})
			return
		}
	}
}

func (s *Set) push(ch coop.Chunk) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- ch:
		return true
	case <-s.done:
		return false
	}
}

// Send writes frame to every open socket and returns the first error.
func (s *Set) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	var first error
	for id, c := range s.conns {
		_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := c.Write(frame); err != nil && first == nil {
			first = fmt.Errorf("socket %d: %w", id, err)
		}
	}
	return first
}

// Recv returns every chunk read since the last call without blocking.
func (s *Set) Recv() ([]coop.Chunk, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	var out []coop.Chunk
	for {
		select {
		case ch := <-s.inbox:
			out = append(out, ch)
		default:
			return out, nil
		}
	}
}

func (s *Set) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting, closes every socket and waits for the readers.
func (s *Set) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		conns := s.conns
		s.conns = map[int]net.Conn{}
		s.mu.Unlock()

		close(s.done)
		if s.ln != nil {
			err = s.ln.Close()
		}
		for _, c := range conns {
			_ = c.Close()
		}
		s.wg.Wait()
	})
	return err
}

var _ coop.Transport = (*Set)(nil)
