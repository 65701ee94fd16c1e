package coop

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"ootmw.dev/internal/memory"
	"ootmw.dev/internal/protocol"
)

const (
	testRando     = 0x80400000
	testCoop      = 0x80410000
	testTracker   = 0x80420000
	testCosmetics = 0x80430000
)

type fakeTransport struct {
	sent    [][]byte
	in      []Chunk
	closed  bool
	sendErr error
}

func (f *fakeTransport) Send(frame []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return nil
}

func (f *fakeTransport) Recv() ([]Chunk, error) {
	in := f.in
	f.in = nil
	return in, nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

// take decodes and clears everything sent so far.
func (f *fakeTransport) take(t *testing.T) []protocol.ClientMessage {
	t.Helper()
	stream := append([]byte{protocol.Version}, bytes.Join(f.sent, nil)...)
	f.sent = nil
	msgs, err := protocol.NewClientDecoder().Feed(stream)
	if err != nil {
		t.Fatalf("decode sent frames: %v", err)
	}
	return msgs
}

type captureLogger struct{ lines []string }

func (l *captureLogger) Printf(format string, args ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *captureLogger) count(substr string) int {
	n := 0
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

type testGame struct {
	t   *testing.T
	mem *memory.Flat
}

// menuGameMode is a non-gameplay save game mode. The low byte of the game mode
// word is also the main game state read by the receive gate, so it stays 0.
const menuGameMode = 0x0300

// newTestGame lays out a loaded save in world 1 with a coop context of the
// given version, in gameplay mode and with the receive gate open.
func newTestGame(t *testing.T, version uint32, branch uint8) *testGame {
	t.Helper()
	rom := make([]byte, 0x40)
	rom[romBranchID] = branch
	g := &testGame{t: t, mem: memory.NewFlat(rom)}
	g.put(memory.RDRAM, saveMagic, zeldaMagic)
	g.u32(memory.RDRAM, randoContextPtr, testRando)
	g.u32(memory.SystemBus, testRando+randoCoopContext, testCoop)
	g.u32(memory.SystemBus, testCoop+coopVersion, version)
	g.u8(memory.SystemBus, testCoop+coopPlayerID, 1)
	g.u32(memory.RDRAM, stateLogo, 0x80000001)
	g.u8(memory.RDRAM, currentScene, 0x55)
	g.put(memory.SRAM, sramMagic, zeldaMagic)
	g.put(memory.SRAM, sramName, nameBytes(protocol.EncodeName("Link")))
	return g
}

func nameBytes(n protocol.Name) []byte { return n[:] }

func (g *testGame) put(space memory.Space, addr uint32, b []byte) {
	g.t.Helper()
	if err := g.mem.Write(space, addr, b); err != nil {
		g.t.Fatalf("write %s %#x: %v", space, addr, err)
	}
}

func (g *testGame) u8(space memory.Space, addr uint32, v uint8) { g.put(space, addr, []byte{v}) }

func (g *testGame) u16(space memory.Space, addr uint32, v uint16) {
	g.put(space, addr, binary.BigEndian.AppendUint16(nil, v))
}

func (g *testGame) u32(space memory.Space, addr uint32, v uint32) {
	g.put(space, addr, binary.BigEndian.AppendUint32(nil, v))
}

func (g *testGame) read(space memory.Space, addr uint32, n int) []byte {
	g.t.Helper()
	b, err := g.mem.Read(space, addr, n)
	if err != nil {
		g.t.Fatalf("read %s %#x: %v", space, addr, err)
	}
	return b
}

func (g *testGame) readU16(space memory.Space, addr uint32) uint16 {
	return binary.BigEndian.Uint16(g.read(space, addr, 2))
}

// consume plays the game's side of the incoming mailbox.
func (g *testGame) consume() (item, sender uint16, ok bool) {
	item = g.readU16(memory.SystemBus, testCoop+coopIncomingItem)
	if item == 0 {
		return 0, 0, false
	}
	sender = g.readU16(memory.SystemBus, testCoop+coopIncomingPlayer)
	count := g.readU16(memory.RDRAM, saveInternalCount)
	g.u16(memory.RDRAM, saveInternalCount, count+1)
	g.u16(memory.SystemBus, testCoop+coopIncomingItem, 0)
	return item, sender, true
}

func relayBytes(msgs ...protocol.ServerMessage) []byte {
	b := []byte{protocol.Version}
	for _, m := range msgs {
		b = m.Append(b)
	}
	return b
}

func mustFrame(t *testing.T, s *Session) {
	t.Helper()
	if err := s.OnFrame(); err != nil {
		t.Fatalf("OnFrame: %v", err)
	}
}

func TestNegotiate_VersionGating(t *testing.T) {
	cases := []struct {
		version uint32
		branch  uint8
		code    string
		want    Capabilities
	}{
		{version: 1, code: protocol.ErrRandoTooOld},
		{version: 2, want: Capabilities{Version: 2}},
		{version: 3, want: Capabilities{Version: 3, SendOwnItems: true}},
		{version: 4, want: Capabilities{Version: 4, SendOwnItems: true, FileHash: true}},
		{version: 5, want: Capabilities{Version: 5, SendOwnItems: true, FileHash: true, Progressive: true}},
		{version: 6, want: Capabilities{Version: 6, SendOwnItems: true, FileHash: true, Progressive: true}},
		{version: 7, branch: 0x45, want: Capabilities{Version: 7, SendOwnItems: true, FileHash: true, Progressive: true, Potsanity3: true}},
		{version: 7, branch: 0xfe, want: Capabilities{Version: 7, SendOwnItems: true, FileHash: true, Progressive: true, Potsanity3: true}},
		{version: 7, branch: 0x00, code: protocol.ErrRandoTooNew},
		{version: 8, code: protocol.ErrRandoTooNew},
	}
	for _, c := range cases {
		branchReads := 0
		got, err := Negotiate(c.version, func() uint8 { branchReads++; return c.branch })
		if protocol.CodeOf(err) != c.code {
			t.Fatalf("version %d branch %#x: err=%v want code %q", c.version, c.branch, err, c.code)
		}
		if c.code == "" && got != c.want {
			t.Fatalf("version %d: caps=%+v want=%+v", c.version, got, c.want)
		}
		if c.version != 7 && branchReads != 0 {
			t.Fatalf("version %d read the branch id", c.version)
		}
	}
}

func TestSession_IncompatibleVersionIsFatal(t *testing.T) {
	for _, v := range []uint32{1, 8} {
		g := newTestGame(t, v, 0)
		tr := &fakeTransport{}
		s := New(g.mem, tr, Options{})

		err := s.OnFrame()
		var fe *FatalError
		if !errors.As(err, &fe) {
			t.Fatalf("version %d: expected *FatalError, got %v", v, err)
		}
		if !strings.Contains(fe.Msg, "randomizer version too") || fe.Detail == "" {
			t.Fatalf("version %d: fatal=%+v", v, fe)
		}
		if s.State() != StateError || !tr.closed {
			t.Fatalf("version %d: state=%v closed=%v", v, s.State(), tr.closed)
		}
		if err2 := s.OnFrame(); err2 != err {
			t.Fatalf("failed session must keep returning the same error, got %v", err2)
		}
		if len(tr.sent) != 0 {
			t.Fatalf("nothing may be sent before the version check, got %d frames", len(tr.sent))
		}
	}
}

func TestSession_ProgressiveFeaturesByVersion(t *testing.T) {
	for v := uint32(2); v <= 7; v++ {
		g := newTestGame(t, v, 0x45)
		s := New(g.mem, &fakeTransport{}, Options{})
		mustFrame(t, s)

		sendOwn := g.read(memory.SystemBus, testCoop+coopSendOwnItems, 1)[0]
		progressive := g.read(memory.SystemBus, testCoop+coopProgressiveEnable, 1)[0]
		if (sendOwn == 1) != (v >= 3) {
			t.Fatalf("version %d: send own items flag=%d", v, sendOwn)
		}
		if (progressive == 1) != (v >= 5) {
			t.Fatalf("version %d: progressive flag=%d", v, progressive)
		}
	}
}

func TestSession_EndToEndDelivery(t *testing.T) {
	g := newTestGame(t, 6, 0)
	tr := &fakeTransport{}
	s := New(g.mem, tr, Options{})

	mustFrame(t, s)
	if s.State() != StateSynced {
		t.Fatalf("state=%v want synced", s.State())
	}
	if err := s.OnData(relayBytes(protocol.ItemQueue{Items: []uint16{0x05, protocol.TriforcePiece, 0x12}})); err != nil {
		t.Fatalf("OnData: %v", err)
	}

	type delivery struct{ item, sender uint16 }
	var got []delivery
	for i := 0; i < 10; i++ {
		mustFrame(t, s)
		// A second frame before the game consumes must not overwrite the mailbox.
		mustFrame(t, s)
		if item, sender, ok := g.consume(); ok {
			got = append(got, delivery{item, sender})
		}
	}
	want := []delivery{{0x05, 1}, {protocol.TriforcePiece, 2}, {0x12, 1}}
	if len(got) != len(want) {
		t.Fatalf("deliveries=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery %d=%+v want=%+v", i, got[i], want[i])
		}
	}
	if n := g.readU16(memory.RDRAM, saveInternalCount); n != 3 {
		t.Fatalf("internal count=%d", n)
	}
	if st := s.Stats(); st.ItemsDelivered != 3 || st.QueueLen != 3 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestSession_ReceiveGate(t *testing.T) {
	g := newTestGame(t, 6, 0)
	s := New(g.mem, &fakeTransport{}, Options{})
	if err := s.OnData(relayBytes(protocol.GetItem{Item: 0x44})); err != nil {
		t.Fatalf("OnData: %v", err)
	}

	g.u8(memory.RDRAM, currentScene, 0x2c)
	mustFrame(t, s)
	if _, _, ok := g.consume(); ok {
		t.Fatalf("item delivered inside a shop")
	}
	g.u8(memory.RDRAM, currentScene, 0x55)
	g.u8(memory.RDRAM, stateMenu, 1)
	mustFrame(t, s)
	if _, _, ok := g.consume(); ok {
		t.Fatalf("item delivered while a menu is open")
	}
	g.u8(memory.RDRAM, stateMenu, 0)
	mustFrame(t, s)
	if item, _, ok := g.consume(); !ok || item != 0x44 {
		t.Fatalf("item not delivered once the gate opened")
	}
}

func TestSenderFor(t *testing.T) {
	cases := []struct {
		item uint16
		me   uint8
		want uint8
	}{
		{protocol.TriforcePiece, 1, 2},
		{protocol.TriforcePiece, 2, 1},
		{protocol.TriforcePiece, 5, 1},
		{0x05, 1, 1},
		{0x05, 7, 7},
	}
	for _, c := range cases {
		if got := SenderFor(c.item, c.me); got != c.want {
			t.Fatalf("SenderFor(%#x, %d)=%d want=%d", c.item, c.me, got, c.want)
		}
	}
}

func TestSession_GapWarningFiresOnce(t *testing.T) {
	g := newTestGame(t, 6, 0)
	logger := &captureLogger{}
	s := New(g.mem, &fakeTransport{}, Options{Logger: logger})
	if err := s.OnData(relayBytes(protocol.ItemQueue{Items: []uint16{0x05}})); err != nil {
		t.Fatalf("OnData: %v", err)
	}
	g.u16(memory.RDRAM, saveInternalCount, 4)

	for i := 0; i < 99; i++ {
		mustFrame(t, s)
	}
	if n := logger.count("gap in received items"); n != 0 {
		t.Fatalf("warned after 99 polls: %d", n)
	}
	if s.State() != StateGapped {
		t.Fatalf("state=%v want gapped", s.State())
	}
	mustFrame(t, s)
	if n := logger.count("gap in received items"); n != 1 {
		t.Fatalf("warnings after 100 polls=%d want 1", n)
	}
	for i := 0; i < 50; i++ {
		mustFrame(t, s)
	}
	if n := logger.count("gap in received items"); n != 1 {
		t.Fatalf("warnings after 150 polls=%d want 1", n)
	}

	g.u16(memory.RDRAM, saveInternalCount, 1)
	mustFrame(t, s)
	if st := s.Stats(); st.GapCount != 0 || s.State() != StateSynced {
		t.Fatalf("gap not reset: count=%d state=%v", st.GapCount, s.State())
	}
}

func TestSession_NameTableRewriteIdempotent(t *testing.T) {
	g := newTestGame(t, 6, 0)
	s := New(g.mem, &fakeTransport{}, Options{})
	if err := s.OnData(relayBytes(
		protocol.PlayerName{World: 2, Name: protocol.EncodeName("Zelda")},
		protocol.ProgressiveItems{World: 2, State: 0xdeadbeef},
	)); err != nil {
		t.Fatalf("OnData: %v", err)
	}
	mustFrame(t, s)

	table := g.read(memory.SystemBus, testCoop+coopNameTable, 256*protocol.NameLen)
	if got := table[2*protocol.NameLen : 3*protocol.NameLen]; !bytes.Equal(got, nameBytes(protocol.EncodeName("Zelda"))) {
		t.Fatalf("world 2 name=% x", got)
	}
	if got := table[1*protocol.NameLen : 2*protocol.NameLen]; !bytes.Equal(got, nameBytes(protocol.EncodeName("Link"))) {
		t.Fatalf("own name=% x", got)
	}
	if got := table[3*protocol.NameLen : 4*protocol.NameLen]; !bytes.Equal(got, nameBytes(protocol.FallbackName(3))) {
		t.Fatalf("world 3 fallback=% x", got)
	}
	if got := g.read(memory.SystemBus, testCoop+coopProgressiveTable+2*4, 4); binary.BigEndian.Uint32(got) != 0xdeadbeef {
		t.Fatalf("progressive state=% x", got)
	}

	before := g.mem.ChangedBytes()
	mustFrame(t, s)
	if after := g.mem.ChangedBytes(); after != before {
		t.Fatalf("steady-state frame changed %d bytes", after-before)
	}

	g.u8(memory.SystemBus, testCoop+coopNameTable+2*protocol.NameLen, 0x00)
	before = g.mem.ChangedBytes()
	mustFrame(t, s)
	if after := g.mem.ChangedBytes(); after-before != 1 {
		t.Fatalf("repair changed %d bytes want 1", after-before)
	}
}

func TestSession_IdentityChanges(t *testing.T) {
	g := newTestGame(t, 4, 0)
	g.u32(memory.RDRAM, saveGameMode, menuGameMode)
	g.put(memory.SystemBus, testCoop+coopFileHash, []byte{1, 2, 3, 4, 5})
	tr := &fakeTransport{}
	s := New(g.mem, tr, Options{})

	mustFrame(t, s)
	msgs := tr.take(t)
	want := []protocol.ClientMessage{
		protocol.FileHashChanged{Hash: [5]byte{1, 2, 3, 4, 5}},
		protocol.PlayerIDChanged{World: 1},
		protocol.PlayerNameChanged{Name: protocol.EncodeName("Link")},
	}
	if fmt.Sprint(msgs) != fmt.Sprint(want) {
		t.Fatalf("first frame sent %v want %v", msgs, want)
	}

	mustFrame(t, s)
	if msgs := tr.take(t); len(msgs) != 0 {
		t.Fatalf("unchanged frame sent %v", msgs)
	}

	g.u8(memory.SystemBus, testCoop+coopPlayerID, 2)
	mustFrame(t, s)
	if msgs := tr.take(t); len(msgs) != 1 || msgs[0] != (protocol.PlayerIDChanged{World: 2}) {
		t.Fatalf("world change sent %v", msgs)
	}
	if id, ok := s.PlayerID(); !ok || id != 2 {
		t.Fatalf("player id=%d,%v", id, ok)
	}
	if s.PlayerName(2) != protocol.EncodeName("Link") {
		t.Fatalf("own name not recorded under the new world")
	}

	g.put(memory.RDRAM, saveMagic, []byte("XXXXXX"))
	mustFrame(t, s)
	msgs = tr.take(t)
	want = []protocol.ClientMessage{protocol.ResetPlayerID{}, protocol.PlayerNameChanged{Name: protocol.DefaultName}}
	if fmt.Sprint(msgs) != fmt.Sprint(want) {
		t.Fatalf("unload sent %v want %v", msgs, want)
	}
	if s.State() != StateNoGame {
		t.Fatalf("state=%v want no_game", s.State())
	}
}

func TestSession_OutgoingItem(t *testing.T) {
	g := newTestGame(t, 6, 0)
	tr := &fakeTransport{}
	s := New(g.mem, tr, Options{})
	mustFrame(t, s)
	tr.take(t)

	g.u32(memory.SystemBus, testCoop+coopOutgoingKey, 0x1234)
	g.u16(memory.SystemBus, testCoop+coopOutgoingItem, 0x55)
	g.u16(memory.SystemBus, testCoop+coopOutgoingPlayer, 3)
	mustFrame(t, s)
	msgs := tr.take(t)
	if len(msgs) != 1 || msgs[0] != (protocol.SendItem{Key: 0x1234, Kind: 0x55, Target: 3}) {
		t.Fatalf("sent %v", msgs)
	}
	if !bytes.Equal(g.read(memory.SystemBus, testCoop+coopOutgoingKey, 8), make([]byte, 8)) {
		t.Fatalf("mailbox not cleared")
	}

	g.u32(memory.SystemBus, testCoop+coopOutgoingKey, uint32(loopbackKey))
	g.u16(memory.SystemBus, testCoop+coopOutgoingItem, 0x55)
	g.u16(memory.SystemBus, testCoop+coopOutgoingPlayer, 1)
	mustFrame(t, s)
	if msgs := tr.take(t); len(msgs) != 0 {
		t.Fatalf("loopback echo forwarded: %v", msgs)
	}
	if !bytes.Equal(g.read(memory.SystemBus, testCoop+coopOutgoingKey, 8), make([]byte, 8)) {
		t.Fatalf("loopback mailbox not cleared")
	}
	if st := s.Stats(); st.ItemsSent != 1 || st.LoopbackSuppressed != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestSession_OutgoingItemWideKey(t *testing.T) {
	g := newTestGame(t, 7, 0x45)
	tr := &fakeTransport{}
	s := New(g.mem, tr, Options{})
	mustFrame(t, s)
	tr.take(t)

	g.u32(memory.SystemBus, testCoop+coopOutgoingKeyHi, 0x00000001)
	g.u32(memory.SystemBus, testCoop+coopOutgoingKeyLo, 0x00ff05ff)
	g.u16(memory.SystemBus, testCoop+coopOutgoingItem, 0x77)
	g.u8(memory.SystemBus, testCoop+coopOutgoingTarget, 2)
	mustFrame(t, s)
	msgs := tr.take(t)
	if len(msgs) != 1 || msgs[0] != (protocol.SendItem{Key: 0x1_00ff05ff, Kind: 0x77, Target: 2}) {
		t.Fatalf("sent %v", msgs)
	}
	if !bytes.Equal(g.read(memory.SystemBus, testCoop+coopOutgoingKeyHi, 8), make([]byte, 8)) {
		t.Fatalf("wide key not cleared")
	}
}

func TestSession_SaveDataOnFirstGameplayFrame(t *testing.T) {
	g := newTestGame(t, 6, 0)
	tr := &fakeTransport{}
	s := New(g.mem, tr, Options{})

	countSaves := func() int {
		n := 0
		for _, m := range tr.take(t) {
			if sd, ok := m.(protocol.SaveDataLoaded); ok {
				if len(sd.Data) != protocol.SaveDataSize || !bytes.Equal(sd.Data[0x1c:0x22], zeldaMagic) {
					t.Fatalf("save data payload len=%d", len(sd.Data))
				}
				n++
			}
		}
		return n
	}

	mustFrame(t, s)
	mustFrame(t, s)
	if n := countSaves(); n != 1 {
		t.Fatalf("save data sent %d times want 1", n)
	}
	g.u32(memory.RDRAM, saveGameMode, menuGameMode)
	mustFrame(t, s)
	if n := countSaves(); n != 0 {
		t.Fatalf("save data sent outside gameplay %d times", n)
	}
	g.u32(memory.RDRAM, saveGameMode, 0)
	mustFrame(t, s)
	if n := countSaves(); n != 1 {
		t.Fatalf("save data after re-entering gameplay sent %d times want 1", n)
	}
}

func TestSession_ProtocolErrorsAreFatal(t *testing.T) {
	g := newTestGame(t, 6, 0)
	tr := &fakeTransport{}
	s := New(g.mem, tr, Options{})
	err := s.OnData([]byte{protocol.Version + 1})
	if protocol.CodeOf(err) != protocol.ErrProtoVersion {
		t.Fatalf("expected version mismatch, got %v", err)
	}
	if s.State() != StateError || !tr.closed {
		t.Fatalf("state=%v closed=%v", s.State(), tr.closed)
	}

	tr = &fakeTransport{in: []Chunk{{Conn: 0, Data: []byte{protocol.Version}}, {Conn: 1, Closed: true}}}
	s = New(g.mem, tr, Options{})
	err = s.Poll()
	var fe *FatalError
	if !errors.As(err, &fe) || fe.Msg != "connection to multiworld app lost" {
		t.Fatalf("closed socket: %v", err)
	}
}

func TestSession_FanOutSocketsDecodeIndependently(t *testing.T) {
	g := newTestGame(t, 6, 0)
	q := relayBytes(protocol.ItemQueue{Items: []uint16{0x05, 0x06}})
	tr := &fakeTransport{in: []Chunk{
		{Conn: 0, Data: q[:5]},
		{Conn: 1, Data: relayBytes(protocol.PlayerName{World: 4, Name: protocol.EncodeName("Impa")})},
		{Conn: 0, Data: q[5:]},
	}}
	s := New(g.mem, tr, Options{})
	if err := s.Poll(); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := s.Queue(); len(got) != 2 || got[0] != 0x05 || got[1] != 0x06 {
		t.Fatalf("queue=%v", got)
	}
	if s.PlayerName(4) != protocol.EncodeName("Impa") {
		t.Fatalf("name from second socket not applied")
	}
}

func TestSession_SendFailureIsFatal(t *testing.T) {
	g := newTestGame(t, 6, 0)
	tr := &fakeTransport{sendErr: errors.New("broken pipe")}
	s := New(g.mem, tr, Options{})
	err := s.OnFrame()
	if protocol.CodeOf(err) != protocol.ErrClosed || s.State() != StateError {
		t.Fatalf("err=%v state=%v", err, s.State())
	}
}

func TestRun_StopsOnFatal(t *testing.T) {
	g := newTestGame(t, 8, 0)
	tr := &fakeTransport{}
	s := New(g.mem, tr, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ready := 0
	err := Run(ctx, s, RunOptions{RateHz: 200, Ready: func() bool { ready++; return ready > 2 }})
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("Run returned %v", err)
	}
	if st := s.Stats(); st.Frames != 1 {
		t.Fatalf("frames polled before ready: %d", st.Frames)
	}
}
