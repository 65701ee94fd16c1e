package relay

import (
	"bytes"
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"ootmw.dev/internal/persistence/snapshot"
	"ootmw.dev/internal/protocol"
)

type recordingSink struct{ ch chan Event }

func (s recordingSink) Publish(ev Event) {
	select {
	case s.ch <- ev:
	default:
	}
}

func startRoom(t *testing.T, opts RoomOptions) (*Room, *Server, context.CancelFunc) {
	t.Helper()
	room := NewRoom(RoomSpec{Name: "default", Listen: "127.0.0.1:0"}, opts)
	srv, err := Listen(room, "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = room.Run(ctx) }()
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-room.Done()
	})
	return room, srv, cancel
}

func dialFrontend(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	b := make([]byte, 1)
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(c, b); err != nil || b[0] != protocol.Version {
		t.Fatalf("handshake: % x err=%v", b, err)
	}
	if _, err := c.Write([]byte{protocol.Version}); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	return c
}

func writeMsgs(t *testing.T, c net.Conn, msgs ...protocol.ClientMessage) {
	t.Helper()
	var b []byte
	for _, m := range msgs {
		b = m.Append(b)
	}
	if _, err := c.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitStatus(t *testing.T, room *Room, pred func(RoomStatus) bool) RoomStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		st, err := room.Status(ctx)
		cancel()
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if pred(st) {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for room status")
	return RoomStatus{}
}

func playersLoaded(n int) func(RoomStatus) bool {
	return func(st RoomStatus) bool {
		loaded := 0
		for _, c := range st.Clients {
			if c.World != 0 {
				loaded++
			}
		}
		return loaded == n
	}
}

func TestServer_ItemDeliveredOverTCP(t *testing.T) {
	sink := recordingSink{ch: make(chan Event, 128)}
	room, srv, _ := startRoom(t, RoomOptions{Sink: sink})
	addr := srv.Addr().String()

	a := dialFrontend(t, addr)
	b := dialFrontend(t, addr)
	writeMsgs(t, a, protocol.PlayerIDChanged{World: 1})
	writeMsgs(t, b, protocol.PlayerIDChanged{World: 2})
	waitStatus(t, room, playersLoaded(2))

	writeMsgs(t, a, protocol.SendItem{Key: 0xabc, Kind: 0x4a, Target: 2})
	want := protocol.Encode(protocol.GetItem{Item: 0x4a})
	got := make([]byte, len(want))
	_ = b.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(b, got); err != nil || !bytes.Equal(got, want) {
		t.Fatalf("got % x err=%v want % x", got, err, want)
	}

	st := waitStatus(t, room, func(st RoomStatus) bool { return len(st.Queue(2)) == 1 })
	if it := st.Queue(2)[0]; it.Source != 1 || it.Key != 0xabc {
		t.Fatalf("queue item=%+v", it)
	}
	if m := room.Metrics(); m.ItemsQueued != 1 || m.Players != 2 {
		t.Fatalf("metrics=%+v", m)
	}

	var sawQueued bool
	for len(sink.ch) > 0 {
		if ev := <-sink.ch; ev.Kind == EventItemQueued && ev.Room == "default" && ev.Seq > 0 {
			sawQueued = true
		}
	}
	if !sawQueued {
		t.Fatalf("no item_queued event published")
	}
}

func TestServer_ProtocolErrorDropsConnection(t *testing.T) {
	room, srv, _ := startRoom(t, RoomOptions{})
	c := dialFrontend(t, srv.Addr().String())
	writeMsgs(t, c, protocol.PlayerIDChanged{World: 3})
	waitStatus(t, room, playersLoaded(1))

	if _, err := c.Write([]byte{0xee}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadAll(c); err != nil {
		t.Fatalf("expected clean EOF, got %v", err)
	}
	waitStatus(t, room, func(st RoomStatus) bool { return len(st.Clients) == 0 })
}

func TestServer_BadHandshakeDropsConnection(t *testing.T) {
	room, srv, _ := startRoom(t, RoomOptions{})
	c, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if _, err := c.Write([]byte{protocol.Version + 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	b, _ := io.ReadAll(c)
	if !bytes.Equal(b, []byte{protocol.Version}) {
		t.Fatalf("got % x; want only the relay handshake", b)
	}
	waitStatus(t, room, func(st RoomStatus) bool { return len(st.Clients) == 0 })
}

func TestRoom_SnapshotAndProgressiveRequests(t *testing.T) {
	snaps := make(chan snapshot.RoomSnapshotV1, 4)
	pendingPath := PendingPath(t.TempDir(), "default")
	room, srv, _ := startRoom(t, RoomOptions{SnapshotSink: snaps, PendingPath: pendingPath})
	c := dialFrontend(t, srv.Addr().String())
	writeMsgs(t, c, protocol.PlayerIDChanged{World: 1})
	waitStatus(t, room, playersLoaded(1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := room.SetProgressive(ctx, 1, 5); err != nil {
		t.Fatalf("SetProgressive: %v", err)
	}
	want := protocol.Encode(protocol.ProgressiveItems{World: 1, State: 5})
	got := make([]byte, len(want))
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(c, got); err != nil || !bytes.Equal(got, want) {
		t.Fatalf("got % x err=%v", got, err)
	}

	seq, err := room.RequestSnapshot(ctx)
	if err != nil {
		t.Fatalf("RequestSnapshot: %v", err)
	}
	snap := <-snaps
	if snap.Header.Seq != seq || len(snap.Progressive) != 1 || snap.Progressive[0].State != 5 {
		t.Fatalf("snapshot=%+v seq=%d", snap, seq)
	}
	if filepath.Base(pendingPath) != "pending.json" {
		t.Fatalf("pending path=%s", pendingPath)
	}
}
