package coop

import (
	"bytes"
	"encoding/binary"

	"ootmw.dev/internal/memory"
	"ootmw.dev/internal/protocol"
)

// syncPlayerID reports every change of the local world id. World 0 is not a
// valid world and counts as unknown.
func (s *Session) syncPlayerID(ctx coopContext) error {
	if !ctx.ok || ctx.playerID == 0 {
		if !s.hasPlayer {
			return nil
		}
		if err := s.send(protocol.ResetPlayerID{}); err != nil {
			return err
		}
		s.log.Printf("world %d unloaded", s.playerID)
		s.hasPlayer = false
		s.playerID = 0
		return nil
	}
	if s.hasPlayer && ctx.playerID == s.playerID {
		return nil
	}
	if err := s.send(protocol.PlayerIDChanged{World: ctx.playerID}); err != nil {
		return err
	}
	s.log.Printf("world %d loaded", ctx.playerID)
	s.hasPlayer = true
	s.playerID = ctx.playerID
	if s.hasName {
		s.names[s.playerID] = s.name
	}
	return nil
}

// syncNames reports the local player name and rewrites the in-game name and
// progressive tables. The game loses entries at random, so the tables are
// rewritten every frame rather than on change.
func (s *Session) syncNames(ctx coopContext) error {
	a := s.mem
	a.Reset()

	name := protocol.DefaultName
	saveValid := false
	if s.hasPlayer {
		magic := a.Bytes(memory.SRAM, sramMagic, len(zeldaMagic))
		if bytes.Equal(magic, zeldaMagic) {
			copy(name[:], a.Bytes(memory.SRAM, sramName, protocol.NameLen))
			saveValid = true
		}
		if a.Err() != nil {
			return nil
		}
	}

	if !s.hasName || name != s.name {
		if err := s.send(protocol.PlayerNameChanged{Name: name}); err != nil {
			return err
		}
		s.name = name
		s.hasName = true
		if s.hasPlayer {
			s.names[s.playerID] = name
		}
	}
	if saveValid && ctx.ok {
		s.writeTables(ctx)
	}
	return nil
}

func (s *Session) writeTables(ctx coopContext) {
	a := s.mem
	table := make([]byte, 0, len(s.names)*protocol.NameLen)
	for _, n := range s.names {
		table = append(table, n[:]...)
	}
	a.WriteBytes(memory.SystemBus, ctx.addr+coopNameTable, table)
	if !s.progressiveEnabled {
		return
	}
	prog := make([]byte, 0, len(s.progressive)*4)
	for _, v := range s.progressive {
		prog = binary.BigEndian.AppendUint32(prog, v)
	}
	a.WriteBytes(memory.SystemBus, ctx.addr+coopProgressiveTable, prog)
}
