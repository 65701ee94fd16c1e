package coop

import (
	"ootmw.dev/internal/memory"
	"ootmw.dev/internal/protocol"
)

// detectOutgoing forwards an item the game placed in the outgoing mailbox and
// clears the mailbox in the same frame.
func (s *Session) detectOutgoing(ctx coopContext) error {
	a := s.mem
	a.Reset()

	var hi, lo uint32
	if ctx.caps.Potsanity3 {
		hi = a.U32(memory.SystemBus, ctx.addr+coopOutgoingKeyHi)
		lo = a.U32(memory.SystemBus, ctx.addr+coopOutgoingKeyLo)
	} else {
		lo = a.U32(memory.SystemBus, ctx.addr+coopOutgoingKey)
	}
	if a.Err() != nil || hi == 0 && lo == 0 {
		return nil
	}
	kind := a.U16(memory.SystemBus, ctx.addr+coopOutgoingItem)
	target := a.U8(memory.SystemBus, ctx.addr+coopOutgoingTarget)
	if a.Err() != nil {
		return nil
	}

	key := uint64(hi)<<32 | uint64(lo)
	if key == loopbackKey {
		s.stats.LoopbackSuppressed++
	} else {
		if err := s.send(protocol.SendItem{Key: key, Kind: kind, Target: target}); err != nil {
			return err
		}
		s.stats.ItemsSent++
	}

	a.WriteU16(memory.SystemBus, ctx.addr+coopOutgoingItem, 0)
	a.WriteU16(memory.SystemBus, ctx.addr+coopOutgoingPlayer, 0)
	if ctx.caps.Potsanity3 {
		a.WriteU32(memory.SystemBus, ctx.addr+coopOutgoingKeyHi, 0)
		a.WriteU32(memory.SystemBus, ctx.addr+coopOutgoingKeyLo, 0)
	} else {
		a.WriteU32(memory.SystemBus, ctx.addr+coopOutgoingKey, 0)
	}
	if err := a.Err(); err != nil {
		s.log.Printf("clear outgoing mailbox: %v", err)
	}
	return nil
}
