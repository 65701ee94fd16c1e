package protocol

// HintArea is a named region used to report where a dungeon reward is.
type HintArea int8

const HintAreaUnknown HintArea = -1

const (
	HintAreaRoot HintArea = iota
	HintAreaHyruleField
	HintAreaLonLonRanch
	HintAreaMarket
	HintAreaTempleOfTime
	HintAreaHyruleCastle
	HintAreaOutsideGanonsCastle
	HintAreaInsideGanonsCastle
	HintAreaKokiriForest
	HintAreaDekuTree
	HintAreaLostWoods
	HintAreaSacredForestMeadow
	HintAreaForestTemple
	HintAreaDeathMountainTrail
	HintAreaDodongosCavern
	HintAreaGoronCity
	HintAreaDeathMountainCrater
	HintAreaFireTemple
	HintAreaZoraRiver
	HintAreaZorasDomain
	HintAreaZorasFountain
	HintAreaJabuJabusBelly
	HintAreaIceCavern
	HintAreaLakeHylia
	HintAreaWaterTemple
	HintAreaKakarikoVillage
	HintAreaBottomOfTheWell
	HintAreaGraveyard
	HintAreaShadowTemple
	HintAreaGerudoValley
	HintAreaGerudoFortress
	HintAreaThievesHideout
	HintAreaGerudoTrainingGround
	HintAreaHauntedWasteland
	HintAreaDesertColossus
	HintAreaSpiritTemple

	hintAreaCount
)

// HintTextLen is the width of the rendered area label in the tracker context.
const HintTextLen = 22

// hintAreaText holds the rendered, space-padded labels indexed by HintArea.
var hintAreaText = [hintAreaCount]string{
	"Free                  ",
	"Hyrule Field          ",
	"Lon Lon Ranch         ",
	"Market                ",
	"Temple of Time        ",
	"Hyrule Castle         ",
	"Outside Ganon's Castle",
	"Inside Ganon's Castle ",
	"Kokiri Forest         ",
	"Deku Tree             ",
	"Lost Woods            ",
	"Sacred Forest Meadow  ",
	"Forest Temple         ",
	"Death Mountain Trail  ",
	"Dodongo's Cavern      ",
	"Goron City            ",
	"Death Mountain Crater ",
	"Fire Temple           ",
	"Zora's River          ",
	"Zora's Domain         ",
	"Zora's Fountain       ",
	"Jabu Jabu's Belly     ",
	"Ice Cavern            ",
	"Lake Hylia            ",
	"Water Temple          ",
	"Kakariko Village      ",
	"Bottom of the Well    ",
	"Graveyard             ",
	"Shadow Temple         ",
	"Gerudo Valley         ",
	"Gerudo's Fortress     ",
	"Thieves' Hideout      ",
	"Gerudo Training Ground",
	"Haunted Wasteland     ",
	"Desert Colossus       ",
	"Spirit Temple         ",
}

var hintAreaByText = func() map[string]HintArea {
	m := make(map[string]HintArea, len(hintAreaText))
	for i, s := range hintAreaText {
		m[s] = HintArea(i)
	}
	return m
}()

// ParseHintAreaText maps a rendered label to its area. The label must match
// exactly, padding included.
func ParseHintAreaText(text string) HintArea {
	if a, ok := hintAreaByText[text]; ok {
		return a
	}
	return HintAreaUnknown
}

// Text returns the rendered label, or "" for HintAreaUnknown.
func (a HintArea) Text() string {
	if a < 0 || a >= hintAreaCount {
		return ""
	}
	return hintAreaText[a]
}

func (a HintArea) String() string {
	if a == HintAreaUnknown {
		return "Unknown"
	}
	t := a.Text()
	for len(t) > 0 && t[len(t)-1] == ' ' {
		t = t[:len(t)-1]
	}
	if t == "" {
		return "Invalid"
	}
	return t
}

var dungeonHintAreas = [...]HintArea{
	HintAreaDekuTree,
	HintAreaDodongosCavern,
	HintAreaJabuJabusBelly,
	HintAreaForestTemple,
	HintAreaFireTemple,
	HintAreaWaterTemple,
	HintAreaSpiritTemple,
	HintAreaShadowTemple,
	HintAreaBottomOfTheWell,
	HintAreaIceCavern,
	HintAreaInsideGanonsCastle,
	HintAreaGerudoTrainingGround,
	HintAreaThievesHideout,
	HintAreaInsideGanonsCastle,
}

// DungeonCount is the number of dungeons tracked by the tracker context.
const DungeonCount = len(dungeonHintAreas)

// HintAreaForDungeon maps a tracker dungeon index to its area.
func HintAreaForDungeon(idx int) HintArea {
	if idx < 0 || idx >= len(dungeonHintAreas) {
		return HintAreaUnknown
	}
	return dungeonHintAreas[idx]
}
