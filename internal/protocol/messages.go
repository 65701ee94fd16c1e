package protocol

import (
	"encoding/binary"
	"fmt"
)

// ClientMessage is sent by the emulator side.
type ClientMessage interface {
	Tag() byte
	Append(dst []byte) []byte
}

// ServerMessage is sent by the relay.
type ServerMessage interface {
	Tag() byte
	Append(dst []byte) []byte
}

// Encode returns the wire frame of m.
func Encode(m interface{ Append([]byte) []byte }) []byte { return m.Append(nil) }

type PlayerIDChanged struct {
	World uint8
}

func (PlayerIDChanged) Tag() byte { return TagPlayerID }
func (m PlayerIDChanged) Append(dst []byte) []byte {
	return append(dst, TagPlayerID, m.World)
}

type PlayerNameChanged struct {
	Name Name
}

func (PlayerNameChanged) Tag() byte { return TagPlayerName }
func (m PlayerNameChanged) Append(dst []byte) []byte {
	dst = append(dst, TagPlayerName)
	return append(dst, m.Name[:]...)
}

// SendItem reports a check whose item belongs to another world. Key is the
// 64-bit override key; legacy payloads only populate the low half.
type SendItem struct {
	Key    uint64
	Kind   uint16
	Target uint8
}

func (SendItem) Tag() byte { return TagSendItem }
func (m SendItem) Append(dst []byte) []byte {
	dst = append(dst, TagSendItem)
	dst = binary.BigEndian.AppendUint64(dst, m.Key)
	dst = binary.BigEndian.AppendUint16(dst, m.Kind)
	return append(dst, m.Target)
}

type SaveDataLoaded struct {
	Data []byte
}

func (SaveDataLoaded) Tag() byte { return TagSaveData }

// Append writes exactly SaveDataSize bytes, zero-padding short data.
func (m SaveDataLoaded) Append(dst []byte) []byte {
	dst = append(dst, TagSaveData)
	n := len(m.Data)
	if n > SaveDataSize {
		n = SaveDataSize
	}
	dst = append(dst, m.Data[:n]...)
	for i := n; i < SaveDataSize; i++ {
		dst = append(dst, 0)
	}
	return dst
}

type FileHashChanged struct {
	Hash [FileHashLen]byte
}

func (FileHashChanged) Tag() byte { return TagFileHash }
func (m FileHashChanged) Append(dst []byte) []byte {
	dst = append(dst, TagFileHash)
	return append(dst, m.Hash[:]...)
}

type ResetPlayerID struct{}

func (ResetPlayerID) Tag() byte                { return TagResetPlayerID }
func (ResetPlayerID) Append(dst []byte) []byte { return append(dst, TagResetPlayerID) }

// Reward identifies a spiritual stone or medallion by its tracker code.
type Reward uint8

const (
	RewardKokiriEmerald Reward = iota
	RewardGoronRuby
	RewardZoraSapphire
	RewardForestMedallion
	RewardFireMedallion
	RewardWaterMedallion
	RewardSpiritMedallion
	RewardShadowMedallion
	RewardLightMedallion

	RewardCount = 9
)

// rewardWireOrder is the order of entries in a DungeonRewardInfo frame.
var rewardWireOrder = [RewardCount]Reward{
	RewardKokiriEmerald,
	RewardGoronRuby,
	RewardZoraSapphire,
	RewardLightMedallion,
	RewardForestMedallion,
	RewardFireMedallion,
	RewardWaterMedallion,
	RewardShadowMedallion,
	RewardSpiritMedallion,
}

func (r Reward) IsStone() bool { return r < RewardForestMedallion }

func (r Reward) String() string {
	switch r {
	case RewardKokiriEmerald:
		return "emerald"
	case RewardGoronRuby:
		return "ruby"
	case RewardZoraSapphire:
		return "sapphire"
	case RewardForestMedallion:
		return "forest"
	case RewardFireMedallion:
		return "fire"
	case RewardWaterMedallion:
		return "water"
	case RewardSpiritMedallion:
		return "spirit"
	case RewardShadowMedallion:
		return "shadow"
	case RewardLightMedallion:
		return "light"
	}
	return fmt.Sprintf("reward(%d)", uint8(r))
}

type RewardLocation struct {
	World uint8
	Area  HintArea
}

func (l RewardLocation) Present() bool { return l.World != 0 && l.Area != HintAreaUnknown }

// DungeonRewardInfo holds one location per reward, indexed by Reward.
type DungeonRewardInfo struct {
	Locations [RewardCount]RewardLocation
}

// NewDungeonRewardInfo returns a record with every reward absent.
func NewDungeonRewardInfo() DungeonRewardInfo {
	var m DungeonRewardInfo
	for i := range m.Locations {
		m.Locations[i].Area = HintAreaUnknown
	}
	return m
}

func (m *DungeonRewardInfo) Set(r Reward, world uint8, area HintArea) {
	if int(r) < RewardCount {
		m.Locations[r] = RewardLocation{World: world, Area: area}
	}
}

// Any reports whether at least one reward is present.
func (m DungeonRewardInfo) Any() bool {
	for _, l := range m.Locations {
		if l.Present() {
			return true
		}
	}
	return false
}

func (DungeonRewardInfo) Tag() byte { return TagDungeonRewardInfo }
func (m DungeonRewardInfo) Append(dst []byte) []byte {
	dst = append(dst, TagDungeonRewardInfo)
	for _, r := range rewardWireOrder {
		l := m.Locations[r]
		if l.Present() {
			dst = append(dst, 1, l.World, byte(l.Area))
		} else {
			dst = append(dst, 0)
		}
	}
	return dst
}

// ItemQueue replaces the receiver's entire queue mirror.
type ItemQueue struct {
	Items []uint16
}

func (ItemQueue) Tag() byte { return TagItemQueue }
func (m ItemQueue) Append(dst []byte) []byte {
	dst = append(dst, TagItemQueue)
	dst = binary.BigEndian.AppendUint64(dst, uint64(len(m.Items)))
	for _, it := range m.Items {
		dst = binary.BigEndian.AppendUint16(dst, it)
	}
	return dst
}

// GetItem appends one item to the receiver's queue mirror.
type GetItem struct {
	Item uint16
}

func (GetItem) Tag() byte { return TagGetItem }
func (m GetItem) Append(dst []byte) []byte {
	dst = append(dst, TagGetItem)
	return binary.BigEndian.AppendUint16(dst, m.Item)
}

type PlayerName struct {
	World uint8
	Name  Name
}

func (PlayerName) Tag() byte { return TagServerPlayerName }
func (m PlayerName) Append(dst []byte) []byte {
	dst = append(dst, TagServerPlayerName, m.World)
	return append(dst, m.Name[:]...)
}

type ProgressiveItems struct {
	World uint8
	State uint32
}

func (ProgressiveItems) Tag() byte { return TagProgressiveItems }
func (m ProgressiveItems) Append(dst []byte) []byte {
	dst = append(dst, TagProgressiveItems, m.World)
	return binary.BigEndian.AppendUint32(dst, m.State)
}
