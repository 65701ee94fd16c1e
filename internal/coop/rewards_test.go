package coop

import (
	"testing"

	"ootmw.dev/internal/memory"
	"ootmw.dev/internal/protocol"
)

// openDungeonInfo puts the game on the pause screen with a v4 tracker
// context that has every dungeon reward unknown.
func openDungeonInfo(t *testing.T) (*testGame, *fakeTransport, *Session) {
	t.Helper()
	g := newTestGame(t, 6, 0)
	g.u32(memory.SystemBus, testRando+randoTrackerContext, testTracker)
	g.u32(memory.SystemBus, testTracker+trackerVersion, 4)
	g.u32(memory.SystemBus, testTracker+trackerDungeonInfoEnable, 1)
	g.u32(memory.SystemBus, testTracker+trackerRewardEnable, 1)
	g.u32(memory.SystemBus, testTracker+trackerRewardSummaryEnable, 1)
	for d := 0; d < protocol.DungeonCount; d++ {
		g.u8(memory.SystemBus, testTracker+trackerDungeonRewards+uint32(d), 0xff)
	}
	g.u16(memory.RDRAM, pauseState, pauseStateOpen)

	tr := &fakeTransport{}
	s := New(g.mem, tr, Options{})
	return g, tr, s
}

func rewardMessages(t *testing.T, tr *fakeTransport) []protocol.DungeonRewardInfo {
	t.Helper()
	var out []protocol.DungeonRewardInfo
	for _, m := range tr.take(t) {
		if ri, ok := m.(protocol.DungeonRewardInfo); ok {
			out = append(out, ri)
		}
	}
	return out
}

func TestRewards_SummaryMenu(t *testing.T) {
	g, tr, s := openDungeonInfo(t)
	g.u8(memory.SystemBus, testTracker+trackerDungeonRewards+0, uint8(protocol.RewardKokiriEmerald))
	g.u8(memory.SystemBus, testTracker+trackerDungeonRewards+4, uint8(protocol.RewardFireMedallion))

	mustFrame(t, s)
	if got := rewardMessages(t, tr); len(got) != 0 {
		t.Fatalf("reported without a button held: %v", got)
	}

	g.u16(memory.RDRAM, padHeld, padA)
	mustFrame(t, s)
	got := rewardMessages(t, tr)
	if len(got) != 1 {
		t.Fatalf("reward messages=%d want 1", len(got))
	}
	ri := got[0]
	if l := ri.Locations[protocol.RewardKokiriEmerald]; l.World != 1 || l.Area != protocol.HintAreaDekuTree {
		t.Fatalf("emerald=%+v", l)
	}
	if l := ri.Locations[protocol.RewardFireMedallion]; l.World != 1 || l.Area != protocol.HintAreaFireTemple {
		t.Fatalf("fire=%+v", l)
	}
	if ri.Locations[protocol.RewardLightMedallion].Present() {
		t.Fatalf("light must be absent")
	}
}

func TestRewards_SummaryNeedsCompassAndAltar(t *testing.T) {
	g, tr, s := openDungeonInfo(t)
	g.u8(memory.SystemBus, testTracker+trackerDungeonRewards+0, uint8(protocol.RewardKokiriEmerald))
	g.u8(memory.SystemBus, testTracker+trackerDungeonRewards+4, uint8(protocol.RewardFireMedallion))
	g.u32(memory.SystemBus, testTracker+trackerRewardNeedCompass, compassPerReward)
	g.u32(memory.SystemBus, testTracker+trackerRewardNeedAltar, 1)
	g.u8(memory.RDRAM, saveAltarFlags, 2)
	g.u8(memory.RDRAM, saveDungeonItems+4, 2)
	g.u16(memory.RDRAM, padHeld, padA)

	mustFrame(t, s)
	if got := rewardMessages(t, tr); len(got) != 0 {
		t.Fatalf("stone without compass and medallion without altar must not report: %v", got)
	}

	g.u8(memory.RDRAM, saveDungeonItems+0, 2)
	mustFrame(t, s)
	got := rewardMessages(t, tr)
	if len(got) != 1 || !got[0].Locations[protocol.RewardKokiriEmerald].Present() || got[0].Locations[protocol.RewardFireMedallion].Present() {
		t.Fatalf("got %v", got)
	}
}

func TestRewards_PerRewardMenu(t *testing.T) {
	g, tr, s := openDungeonInfo(t)
	g.u32(memory.SystemBus, testRando+randoCosmeticsContext, testCosmetics)
	g.u32(memory.SystemBus, testCosmetics+cosmeticsVersion, cosmeticsDpadMinVersion)
	g.u8(memory.SystemBus, testCosmetics+cosmeticsDpadDungeonInfo, 1)
	g.put(memory.SystemBus, testTracker+trackerRewardText, []byte(protocol.HintAreaDekuTree.Text()))
	// Row 3 is the light medallion.
	g.put(memory.SystemBus, testTracker+trackerRewardText+3*trackerRewardTextStride, []byte(protocol.HintAreaTempleOfTime.Text()))
	g.u16(memory.RDRAM, padHeld, padDDown)

	mustFrame(t, s)
	got := rewardMessages(t, tr)
	if len(got) != 1 {
		t.Fatalf("reward messages=%d want 1", len(got))
	}
	if l := got[0].Locations[protocol.RewardKokiriEmerald]; l.Area != protocol.HintAreaDekuTree || l.World != 1 {
		t.Fatalf("emerald=%+v", l)
	}
	if l := got[0].Locations[protocol.RewardLightMedallion]; l.Area != protocol.HintAreaTempleOfTime {
		t.Fatalf("light=%+v", l)
	}
	if got[0].Locations[protocol.RewardGoronRuby].Present() {
		t.Fatalf("ruby has no rendered text and must be absent")
	}
}

func TestRewards_PerRewardMenuNeedsDungeonCompass(t *testing.T) {
	g, tr, s := openDungeonInfo(t)
	g.u32(memory.SystemBus, testRando+randoCosmeticsContext, testCosmetics)
	g.u32(memory.SystemBus, testCosmetics+cosmeticsVersion, cosmeticsDpadMinVersion)
	g.u8(memory.SystemBus, testCosmetics+cosmeticsDpadDungeonInfo, 1)
	g.u32(memory.SystemBus, testTracker+trackerRewardNeedCompass, compassPerDungeon)
	rowText := func(i int, area protocol.HintArea) {
		g.put(memory.SystemBus, testTracker+trackerRewardText+uint32(i)*trackerRewardTextStride, []byte(area.Text()))
	}
	// Rows 0, 3 and 4 are the emerald, the light medallion and the forest
	// medallion; the compass of dungeon rewardRows[i] gates row i.
	rowText(0, protocol.HintAreaDekuTree)
	rowText(3, protocol.HintAreaTempleOfTime)
	rowText(4, protocol.HintAreaForestTemple)
	g.u8(memory.RDRAM, saveDungeonItems+0, 2)
	g.u16(memory.RDRAM, padHeld, padDDown)

	mustFrame(t, s)
	got := rewardMessages(t, tr)
	if len(got) != 1 {
		t.Fatalf("reward messages=%d want 1", len(got))
	}
	if l := got[0].Locations[protocol.RewardKokiriEmerald]; l.Area != protocol.HintAreaDekuTree {
		t.Fatalf("emerald=%+v", l)
	}
	if l := got[0].Locations[protocol.RewardLightMedallion]; l.Area != protocol.HintAreaTempleOfTime {
		t.Fatalf("light row must show without a compass: %+v", l)
	}
	if got[0].Locations[protocol.RewardForestMedallion].Present() {
		t.Fatalf("forest row shown without the compass of dungeon %d", rewardRows[4])
	}

	g.u8(memory.RDRAM, saveDungeonItems+uint32(rewardRows[4]), 2)
	mustFrame(t, s)
	got = rewardMessages(t, tr)
	if len(got) != 1 {
		t.Fatalf("reward messages=%d want 1", len(got))
	}
	if l := got[0].Locations[protocol.RewardForestMedallion]; l.Area != protocol.HintAreaForestTemple || l.World != 1 {
		t.Fatalf("forest=%+v", l)
	}
}

func TestRewards_TradeSlotSuppresses(t *testing.T) {
	g, tr, s := openDungeonInfo(t)
	g.u8(memory.SystemBus, testTracker+trackerDungeonRewards+0, uint8(protocol.RewardKokiriEmerald))
	g.u16(memory.RDRAM, padHeld, padA)
	g.u16(memory.RDRAM, pauseItemCursor, pauseSlotChildTrade)
	mustFrame(t, s)
	if got := rewardMessages(t, tr); len(got) != 0 {
		t.Fatalf("reported on the trade slot: %v", got)
	}
}
