package coop

import (
	"ootmw.dev/internal/memory"
	"ootmw.dev/internal/protocol"
)

// SenderFor returns the world credited as the sender of an item delivered to
// world me. Triforce pieces are credited to another world so the game counts
// them as received.
func SenderFor(item uint16, me uint8) uint8 {
	if item != protocol.TriforcePiece {
		return me
	}
	if me == 1 {
		return 2
	}
	return 1
}

// receiveGate reports whether the game can take an item this frame. Shops are
// excluded because buying and receiving at once softlocks.
func (s *Session) receiveGate() bool {
	a := s.mem
	logo := a.U32(memory.RDRAM, stateLogo)
	main := a.S8(memory.RDRAM, stateMain)
	menu := a.S8(memory.RDRAM, stateMenu)
	scene := a.U8(memory.RDRAM, currentScene)
	if a.Err() != nil {
		return false
	}
	if logo == logoStateBoot || logo == 0 || main == 1 || main == 2 || menu != 0 {
		return false
	}
	if scene >= 0x2c && scene <= 0x33 || scene == 0x42 || scene == 0x4b {
		return false
	}
	return true
}

// reconcile delivers at most one item from the relay queue into the incoming
// mailbox, using the game's own receive counter as the index.
func (s *Session) reconcile(ctx coopContext) {
	a := s.mem
	a.Reset()
	if !s.receiveGate() {
		return
	}
	if a.U16(memory.SystemBus, ctx.addr+coopIncomingItem) != 0 {
		return
	}
	internal := int(a.U16(memory.RDRAM, saveInternalCount))
	if a.Err() != nil {
		return
	}

	external := len(s.queue)
	switch {
	case internal < external:
		s.gapCount = 0
		item := s.queue[internal]
		a.WriteU16(memory.SystemBus, ctx.addr+coopIncomingPlayer, uint16(SenderFor(item, s.playerID)))
		a.WriteU16(memory.SystemBus, ctx.addr+coopIncomingItem, item)
		if err := a.Err(); err != nil {
			s.log.Printf("deliver item %#04x: %v", item, err)
			return
		}
		s.stats.ItemsDelivered++
		s.state = StateSynced
	case internal > external:
		s.gapCount++
		s.state = StateGapped
		if s.gapCount == s.opts.GapWarnThreshold {
			s.stats.GapWarnings++
			s.log.Printf("warning: gap in received items: internal count is %d but external queue has %d items", internal, external)
		}
	default:
		s.gapCount = 0
		s.state = StateSynced
	}
}
