package tcp

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"ootmw.dev/internal/coop"
	"ootmw.dev/internal/protocol"
)

func recvUntil(t *testing.T, s *Set, pred func([]coop.Chunk) bool) []coop.Chunk {
	t.Helper()
	var all []coop.Chunk
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		chunks, err := s.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		all = append(all, chunks...)
		if pred(all) {
			return all
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out; got %d chunks", len(all))
	return nil
}

func readHandshake(t *testing.T, c net.Conn) {
	t.Helper()
	b := make([]byte, 1)
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(c, b); err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if b[0] != protocol.Version {
		t.Fatalf("handshake byte=%d", b[0])
	}
}

func TestListen_FanOut(t *testing.T) {
	s, err := Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()

	a, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer a.Close()
	b, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer b.Close()
	readHandshake(t, a)
	readHandshake(t, b)

	deadline := time.Now().Add(5 * time.Second)
	for s.Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Len() != 2 {
		t.Fatalf("sockets=%d", s.Len())
	}

	frame := protocol.Encode(protocol.PlayerIDChanged{World: 3})
	if err := s.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	for _, c := range []net.Conn{a, b} {
		got := make([]byte, len(frame))
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := io.ReadFull(c, got); err != nil || !bytes.Equal(got, frame) {
			t.Fatalf("broadcast: got % x err=%v", got, err)
		}
	}

	if _, err := a.Write([]byte{protocol.Version, protocol.TagGetItem}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = b.Close()
	chunks := recvUntil(t, s, func(cs []coop.Chunk) bool {
		var data, closed bool
		for _, c := range cs {
			data = data || len(c.Data) > 0
			closed = closed || c.Closed
		}
		return data && closed
	})
	var ids = map[bool]int{}
	for _, c := range chunks {
		ids[c.Closed] = c.Conn
	}
	if ids[true] == ids[false] {
		t.Fatalf("data and close must come from different sockets: %+v", chunks)
	}
}

func TestDial_HandshakeAndClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Dial(ctx, ln.Addr().String(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	peer := <-accepted
	defer peer.Close()
	readHandshake(t, peer)

	if _, err := peer.Write([]byte{protocol.Version}); err != nil {
		t.Fatalf("write: %v", err)
	}
	recvUntil(t, s, func(cs []coop.Chunk) bool { return len(cs) > 0 })

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Recv(); err != ErrClosed {
		t.Fatalf("Recv after close: %v", err)
	}
	if err := s.Send([]byte{0}); err != ErrClosed {
		t.Fatalf("Send after close: %v", err)
	}
}
