package coop

import (
	"bytes"

	"ootmw.dev/internal/memory"
	"ootmw.dev/internal/protocol"
)

// Compass requirement modes of the dungeon info menu.
const (
	compassNotNeeded  = 0
	compassPerReward  = 1
	compassPerDungeon = 2
)

// reportDungeonRewards mirrors the dungeon reward locations shown on the
// pause screen to the relay while the player is looking at them.
func (s *Session) reportDungeonRewards(ctx coopContext) error {
	a := s.mem
	a.Reset()
	info, ok := s.readRewardInfo(ctx)
	if a.Err() != nil || !ok || !info.Any() {
		return nil
	}
	return s.send(info)
}

func (s *Session) readRewardInfo(ctx coopContext) (protocol.DungeonRewardInfo, bool) {
	a := s.mem
	info := protocol.NewDungeonRewardInfo()

	cosmetics := a.U32(memory.SystemBus, ctx.rando+randoCosmeticsContext)
	tracker := a.U32(memory.SystemBus, ctx.rando+randoTrackerContext)
	if tracker == 0 || a.Err() != nil {
		return info, false
	}
	if a.U32(memory.SystemBus, tracker+trackerVersion) < minTrackerVersion {
		return info, false
	}
	if a.U32(memory.SystemBus, tracker+trackerDungeonInfoEnable) == 0 {
		return info, false
	}
	if a.U16(memory.RDRAM, pauseState) != pauseStateOpen {
		return info, false
	}
	if a.U16(memory.RDRAM, pauseScreenIdx) != 0 {
		return info, false
	}
	if c := a.U16(memory.RDRAM, pauseChanging); c != 0 && c != 3 {
		return info, false
	}
	if c := a.S16(memory.RDRAM, pauseItemCursor); c == pauseSlotAdultTrade || c == pauseSlotChildTrade {
		return info, false
	}

	dpadEnabled := false
	if cosmetics != 0 && a.U32(memory.SystemBus, cosmetics+cosmeticsVersion) >= cosmeticsDpadMinVersion {
		dpadEnabled = a.U8(memory.SystemBus, cosmetics+cosmeticsDpadDungeonInfo) != 0
	}
	pad := a.U16(memory.RDRAM, padHeld)
	dDown := pad&padDDown != 0
	aHeld := pad&padA != 0
	if !(dpadEnabled && dDown) && !aHeld {
		return info, false
	}

	rewardEnabled := a.U32(memory.SystemBus, tracker+trackerRewardEnable) != 0
	needCompass := a.U32(memory.SystemBus, tracker+trackerRewardNeedCompass)
	needAltar := a.U32(memory.SystemBus, tracker+trackerRewardNeedAltar) != 0
	altar := a.U8(memory.RDRAM, saveAltarFlags)
	showStones := rewardEnabled && (!needAltar || altar&2 != 0)
	showMeds := rewardEnabled && (!needAltar || altar&1 != 0)
	me := ctx.playerID

	hasCompass := func(dungeon int) bool {
		return a.U8(memory.RDRAM, saveDungeonItems+uint32(dungeon))&2 != 0
	}
	trackedReward := func(dungeon int) uint8 {
		return a.U8(memory.SystemBus, tracker+trackerDungeonRewards+uint32(dungeon))
	}

	if aHeld && !(dDown && dpadEnabled) {
		// Summary menu: one entry per dungeon holding a reward.
		if a.U32(memory.SystemBus, tracker+trackerRewardSummaryEnable) == 0 {
			return info, false
		}
		for d := 0; d < protocol.DungeonCount; d++ {
			if needCompass != compassNotNeeded && !hasCompass(d) {
				continue
			}
			r := protocol.Reward(trackedReward(d))
			if int(r) >= protocol.RewardCount {
				continue
			}
			if r.IsStone() && !showStones || !r.IsStone() && !showMeds {
				continue
			}
			info.Set(r, me, protocol.HintAreaForDungeon(d))
		}
		return info, true
	}
	if !dDown {
		return info, false
	}

	// Per-reward menu: one row per reward, area rendered as text.
	for i, row := range rewardRows {
		if i < 3 && !showStones || i >= 3 && !showMeds {
			continue
		}
		display := true
		switch needCompass {
		case compassPerReward:
			for d := 0; d < 8; d++ {
				if trackedReward(d) == row {
					display = hasCompass(d)
					break
				}
			}
		case compassPerDungeon:
			if i != 3 {
				display = hasCompass(int(row))
			}
		}
		if !display {
			continue
		}
		text := a.Bytes(memory.SystemBus, tracker+trackerRewardText+trackerRewardTextStride*uint32(i), protocol.HintTextLen)
		if n := bytes.IndexByte(text, 0); n >= 0 {
			text = text[:n]
		}
		info.Set(protocol.Reward(row), me, protocol.ParseHintAreaText(string(text)))
	}
	return info, true
}
