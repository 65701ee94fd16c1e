// Package coop is the emulator-side multiworld core. A Session polls game
// memory once per frame, reports identity, names, rewards and outgoing items
// to the relay and delivers the relay's item queue into the game one item at
// a time.
package coop

import (
	"errors"
	"fmt"

	"ootmw.dev/internal/memory"
	"ootmw.dev/internal/protocol"
)

// DefaultGapWarnThreshold is the number of consecutive polls with the game
// ahead of the relay queue after which a warning is logged.
const DefaultGapWarnThreshold = 100

type State int

const (
	StateNoGame State = iota
	StateNegotiating
	StateSynced
	StateGapped
	StateError
)

func (s State) String() string {
	switch s {
	case StateNoGame:
		return "no_game"
	case StateNegotiating:
		return "negotiating"
	case StateSynced:
		return "synced"
	case StateGapped:
		return "gapped"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Chunk is one inbound read from a transport. Conn identifies the socket
// within a fan-out set; each socket is decoded independently.
type Chunk struct {
	Conn   int
	Data   []byte
	Closed bool
}

// Transport carries frames between the session and the relay side.
// Recv must not block; it returns whatever arrived since the last call.
type Transport interface {
	Send(frame []byte) error
	Recv() ([]Chunk, error)
	Close() error
}

type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// FatalError ends a session. Msg is meant for the player; Detail carries the
// underlying error for logs.
type FatalError struct {
	Msg    string
	Detail string
	Err    error
}

func (e *FatalError) Error() string { return e.Msg }
func (e *FatalError) Unwrap() error { return e.Err }

type Options struct {
	Logger           Logger
	GapWarnThreshold int
}

// Stats are cumulative counters for host metrics.
type Stats struct {
	Frames             uint64
	MessagesIn         uint64
	FramesSent         uint64
	ItemsDelivered     uint64
	ItemsSent          uint64
	LoopbackSuppressed uint64
	GapWarnings        uint64
	GapCount           int
	QueueLen           int
}

// Session owns all mutable multiworld state of one emulator instance. It is
// not safe for concurrent use; the host calls OnFrame and Poll/OnData from a
// single goroutine.
type Session struct {
	mem  *memory.Access
	tr   Transport
	log  Logger
	opts Options

	decoders map[int]*protocol.ServerDecoder

	state State
	fatal *FatalError

	hasPlayer bool
	playerID  uint8
	hasName   bool
	name      protocol.Name
	hasHash   bool
	fileHash  [protocol.FileHashLen]byte

	names       [256]protocol.Name
	progressive [256]uint32
	queue       []uint16

	progressiveEnabled bool
	normalGameplay     bool
	gapCount           int

	stats Stats
}

func New(mem memory.Memory, tr Transport, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.GapWarnThreshold <= 0 {
		opts.GapWarnThreshold = DefaultGapWarnThreshold
	}
	s := &Session{
		mem:      memory.NewAccess(mem),
		tr:       tr,
		log:      opts.Logger,
		opts:     opts,
		decoders: map[int]*protocol.ServerDecoder{},
	}
	for w := range s.names {
		s.names[w] = protocol.FallbackName(uint8(w))
	}
	return s
}

func (s *Session) State() State { return s.state }

// Err returns the fatal error that ended the session, or nil.
func (s *Session) Err() error {
	if s.fatal == nil {
		return nil
	}
	return s.fatal
}

// PlayerID returns the local world id and whether it is known.
func (s *Session) PlayerID() (uint8, bool) { return s.playerID, s.hasPlayer }

// Queue returns a copy of the relay-confirmed item queue mirror.
func (s *Session) Queue() []uint16 { return append([]uint16(nil), s.queue...) }

func (s *Session) PlayerName(world uint8) protocol.Name { return s.names[world] }

func (s *Session) Stats() Stats {
	st := s.stats
	st.GapCount = s.gapCount
	st.QueueLen = len(s.queue)
	return st
}

// OnFrame runs one poll of game memory. It returns a *FatalError once the
// session has failed; the transport is closed by then.
func (s *Session) OnFrame() error {
	if s.fatal != nil {
		return s.fatal
	}
	s.stats.Frames++
	if err := s.frame(); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Session) frame() error {
	ctx, err := s.negotiate()
	if err != nil {
		return err
	}
	if ctx.ok {
		s.state = StateSynced
		if s.gapCount > 0 {
			s.state = StateGapped
		}
	}
	if err := s.syncPlayerID(ctx); err != nil {
		return err
	}
	if err := s.syncNames(ctx); err != nil {
		return err
	}
	if !ctx.ok || !s.hasPlayer {
		return nil
	}
	if ctx.gameplay {
		if err := s.reportDungeonRewards(ctx); err != nil {
			return err
		}
	}
	if err := s.detectOutgoing(ctx); err != nil {
		return err
	}
	s.reconcile(ctx)
	return nil
}

// OnData applies bytes read from the single relay socket.
func (s *Session) OnData(p []byte) error { return s.OnSocketData(0, p) }

// OnSocketData applies bytes read from socket conn of a fan-out set.
func (s *Session) OnSocketData(conn int, p []byte) error {
	if s.fatal != nil {
		return s.fatal
	}
	dec, ok := s.decoders[conn]
	if !ok {
		dec = protocol.NewServerDecoder()
		s.decoders[conn] = dec
	}
	msgs, err := dec.Feed(p)
	for _, m := range msgs {
		s.apply(m)
	}
	if err != nil {
		return s.fail(err)
	}
	return nil
}

// Poll drains the transport and applies everything it returned.
func (s *Session) Poll() error {
	if s.fatal != nil {
		return s.fatal
	}
	chunks, err := s.tr.Recv()
	for _, c := range chunks {
		if c.Closed {
			return s.fail(protocol.Errorf(protocol.ErrClosed, "socket %d closed", c.Conn))
		}
		if err := s.OnSocketData(c.Conn, c.Data); err != nil {
			return err
		}
	}
	if err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Session) apply(m protocol.ServerMessage) {
	s.stats.MessagesIn++
	switch m := m.(type) {
	case protocol.ItemQueue:
		s.queue = append(s.queue[:0:0], m.Items...)
	case protocol.GetItem:
		s.queue = append(s.queue, m.Item)
	case protocol.PlayerName:
		s.names[m.World] = m.Name
	case protocol.ProgressiveItems:
		s.progressive[m.World] = m.State
	}
}

func (s *Session) send(m protocol.ClientMessage) error {
	if err := s.tr.Send(protocol.Encode(m)); err != nil {
		return protocol.Errorf(protocol.ErrClosed, "send %T: %v", m, err)
	}
	s.stats.FramesSent++
	return nil
}

func (s *Session) fail(err error) error {
	if s.fatal != nil {
		return s.fatal
	}
	var fe *FatalError
	if !errors.As(err, &fe) {
		fe = &FatalError{Msg: fatalMessage(err), Detail: fmt.Sprintf("%+v", err), Err: err}
	}
	s.fatal = fe
	s.state = StateError
	s.decoders = nil
	if cerr := s.tr.Close(); cerr != nil {
		s.log.Printf("close transport: %v", cerr)
	}
	s.log.Printf("session failed: %s (%s)", fe.Msg, fe.Detail)
	return fe
}

func fatalMessage(err error) string {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		switch pe.Code {
		case protocol.ErrClosed:
			return "connection to multiworld app lost"
		case protocol.ErrRandoTooOld, protocol.ErrRandoTooNew:
			return pe.Msg
		case protocol.ErrProtoVersion:
			return "multiworld app speaks a different protocol version"
		}
	}
	return err.Error()
}
