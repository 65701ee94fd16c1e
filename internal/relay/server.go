package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"ootmw.dev/internal/protocol"
)

const (
	connReadBuf      = 4 * 1024
	connWriteTimeout = 5 * time.Second
)

// Server accepts frontend connections for one room.
type Server struct {
	room *Room
	log  *log.Logger
	ln   net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func Listen(room *Room, addr string, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = room.log
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("room %s: listen %s: %w", room.Name(), addr, err)
	}
	return &Server{room: room, log: logger, ln: ln, conns: map[net.Conn]struct{}{}}, nil
}

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-s.room.Done():
		}
		_ = s.Close()
	}()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if s.isClosed() {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		if !s.track(c) {
			_ = c.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(c)
			s.handleConn(ctx, c)
		}()
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := s.conns
	s.conns = map[net.Conn]struct{}{}
	s.mu.Unlock()

	err := s.ln.Close()
	for c := range conns {
		_ = c.Close()
	}
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.Close()
}

func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	remote := c.RemoteAddr().String()
	_ = c.SetWriteDeadline(time.Now().Add(connWriteTimeout))
	if _, err := c.Write(protocol.Handshake()); err != nil {
		s.log.Printf("room %s: handshake to %s: %v", s.room.Name(), remote, err)
		return
	}

	id, out, err := s.room.Join(ctx, remote)
	if err != nil {
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Writer goroutine. The room closes out when it drops the client.
	go func() {
		defer c.Close()
		for {
			select {
			case <-connCtx.Done():
				return
			case b, ok := <-out:
				if !ok {
					return
				}
				_ = c.SetWriteDeadline(time.Now().Add(connWriteTimeout))
				if _, err := c.Write(b); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Reader loop.
	reason := "connection closed"
	dec := protocol.NewClientDecoder()
	buf := make([]byte, connReadBuf)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			msgs, derr := dec.Feed(buf[:n])
			if len(msgs) > 0 {
				if err := s.room.Deliver(connCtx, id, msgs); err != nil {
					break
				}
			}
			if derr != nil {
				reason = derr.Error()
				s.log.Printf("room %s: client %d (%s): %v", s.room.Name(), id, remote, derr)
				break
			}
		}
		if err != nil {
			break
		}
	}
	s.room.Leave(id, reason)
}
