package coop

// RDRAM (physical) addresses.
const (
	saveContext       = 0x11a5d0
	saveMagic         = saveContext + 0x1c
	saveInternalCount = saveContext + 0x90
	saveDungeonItems  = saveContext + 0xa8
	saveAltarFlags    = saveContext + 0xef8 + 55
	saveGameMode      = saveContext + 0x135c
	randoContextPtr   = 0x1c6e90 + 0x15d4
	pauseContext      = 0x1d8c00
	pauseState        = pauseContext + 0x1d4
	pauseChanging     = pauseContext + 0x1e4
	pauseScreenIdx    = pauseContext + 0x1e8
	pauseItemCursor   = pauseContext + 0x218
	padHeld           = 0x1c84b4
	stateLogo         = 0x11f200
	stateMain         = 0x11b92f
	stateMenu         = 0x1d8dd5
	currentScene      = 0x1c8545
)

// SRAM offsets of the first save slot.
const (
	sramSlot  = 0x20
	sramMagic = sramSlot + 0x1c
	sramName  = sramSlot + 0x24
)

// romBranchID identifies the randomizer fork that built the ROM.
const romBranchID = 0x1c

// Offsets into the rando context.
const (
	randoCoopContext      = 0x00
	randoCosmeticsContext = 0x04
	randoTrackerContext   = 0x0c
)

// Offsets into the coop context.
const (
	coopVersion           = 0x0000
	coopPlayerID          = 0x0004
	coopIncomingPlayer    = 0x0006
	coopIncomingItem      = 0x0008
	coopSendOwnItems      = 0x000a
	coopProgressiveEnable = 0x000b
	coopOutgoingKey       = 0x000c
	coopOutgoingItem      = 0x0010
	coopOutgoingPlayer    = 0x0012
	coopOutgoingTarget    = 0x0013
	coopNameTable         = 0x0014
	coopFileHash          = 0x0814
	coopProgressiveTable  = 0x081c
	coopOutgoingKeyHi     = 0x0c1c
	coopOutgoingKeyLo     = 0x0c20
)

// Offsets into the tracker context.
const (
	trackerVersion             = 0x00
	trackerDungeonInfoEnable   = 0x04
	trackerRewardEnable        = 0x10
	trackerRewardNeedCompass   = 0x14
	trackerRewardNeedAltar     = 0x18
	trackerRewardSummaryEnable = 0x1c
	trackerDungeonRewards      = 0x20
	trackerRewardText          = 0x54
	trackerRewardTextStride    = 0x17
)

const (
	cosmeticsVersion         = 0x00
	cosmeticsDpadDungeonInfo = 0x55
	cosmeticsDpadMinVersion  = 0x1f073fd9
	minTrackerVersion        = 4
)

const (
	pauseStateOpen      = 6
	pauseSlotAdultTrade = 0x16
	pauseSlotChildTrade = 0x17
	padDDown            = 0x0400
	padA                = 0x8000
	logoStateBoot       = 0x802c5880
)

var zeldaMagic = []byte("ZELDAZ")

// loopbackKey marks an outgoing mailbox entry that echoes an item delivered
// from the network.
const loopbackKey uint64 = 0xff05ff

// rewardRows is the pause menu row order of the dungeon rewards.
var rewardRows = [9]uint8{0, 1, 2, 8, 3, 4, 5, 7, 6}

func validPointer(p uint32) bool { return p >= 0x80000000 && p != 0xffffffff }
