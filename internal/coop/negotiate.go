package coop

import (
	"bytes"

	"ootmw.dev/internal/memory"
	"ootmw.dev/internal/protocol"
)

const (
	MinCoopVersion = 2
	MaxCoopVersion = 7
)

// potsanityBranches are the randomizer forks whose coop context version 7
// carries 64-bit override keys.
var potsanityBranches = map[uint8]bool{0x45: true, 0xfe: true}

// Capabilities are the features enabled by a coop context version.
type Capabilities struct {
	Version      uint32
	SendOwnItems bool
	FileHash     bool
	Progressive  bool
	Potsanity3   bool
}

// Negotiate maps a coop context version to its capabilities. branchID is only
// consulted for version 7.
func Negotiate(version uint32, branchID func() uint8) (Capabilities, error) {
	if version < MinCoopVersion {
		return Capabilities{}, protocol.Errorf(protocol.ErrRandoTooOld, "randomizer version too old (version 5.1.4 or higher required)")
	}
	tooNew := protocol.Errorf(protocol.ErrRandoTooNew, "randomizer version too new (version %d; please update the multiworld app)", version)
	if version > MaxCoopVersion {
		return Capabilities{}, tooNew
	}
	c := Capabilities{
		Version:      version,
		SendOwnItems: version >= 3,
		FileHash:     version >= 4,
		Progressive:  version >= 5,
	}
	if version == 7 {
		if !potsanityBranches[branchID()] {
			return Capabilities{}, tooNew
		}
		c.Potsanity3 = true
	}
	return c, nil
}

// coopContext is the result of resolving the pointer chain in one frame.
type coopContext struct {
	ok       bool
	addr     uint32
	rando    uint32
	caps     Capabilities
	playerID uint8
	gameplay bool
}

// negotiate resolves the coop context, applies the capability writes and
// sends file hash and save data when due. A non-nil error is fatal.
func (s *Session) negotiate() (coopContext, error) {
	var ctx coopContext
	a := s.mem
	a.Reset()

	magic := a.Bytes(memory.RDRAM, saveMagic, len(zeldaMagic))
	if a.Err() != nil || !bytes.Equal(magic, zeldaMagic) {
		return s.noGame(), nil
	}
	rando := a.U32(memory.RDRAM, randoContextPtr)
	if a.Err() != nil || !validPointer(rando) {
		return s.noGame(), nil
	}
	coop := a.U32(memory.SystemBus, rando+randoCoopContext)
	if a.Err() != nil || !validPointer(coop) {
		return s.noGame(), nil
	}

	s.state = StateNegotiating
	version := a.U32(memory.SystemBus, coop+coopVersion)
	if a.Err() != nil {
		s.normalGameplay = false
		return ctx, nil
	}
	caps, err := Negotiate(version, func() uint8 { return a.U8(memory.ROM, romBranchID) })
	if a.Err() != nil {
		s.normalGameplay = false
		return ctx, nil
	}
	if err != nil {
		return ctx, err
	}

	if caps.SendOwnItems {
		a.WriteU8(memory.SystemBus, coop+coopSendOwnItems, 1)
	}
	if caps.FileHash {
		var h [protocol.FileHashLen]byte
		copy(h[:], a.Bytes(memory.SystemBus, coop+coopFileHash, protocol.FileHashLen))
		if a.Err() == nil && (!s.hasHash || h != s.fileHash) {
			if err := s.send(protocol.FileHashChanged{Hash: h}); err != nil {
				return ctx, err
			}
			s.fileHash = h
			s.hasHash = true
		}
	}
	s.progressiveEnabled = caps.Progressive
	if caps.Progressive {
		a.WriteU8(memory.SystemBus, coop+coopProgressiveEnable, 1)
	}

	ctx = coopContext{ok: true, addr: coop, rando: rando, caps: caps}
	ctx.playerID = a.U8(memory.SystemBus, coop+coopPlayerID)
	ctx.gameplay = a.U32(memory.RDRAM, saveGameMode) == 0
	if a.Err() != nil {
		s.normalGameplay = false
		return coopContext{}, nil
	}
	if !ctx.gameplay {
		s.normalGameplay = false
		return ctx, nil
	}
	if !s.normalGameplay {
		save := a.Bytes(memory.RDRAM, saveContext, protocol.SaveDataSize)
		if a.Err() != nil {
			return ctx, nil
		}
		if err := s.send(protocol.SaveDataLoaded{Data: save}); err != nil {
			return ctx, err
		}
		s.normalGameplay = true
	}
	return ctx, nil
}

func (s *Session) noGame() coopContext {
	s.state = StateNoGame
	s.normalGameplay = false
	return coopContext{}
}
