package relay

import (
	"encoding/hex"
	"time"

	"ootmw.dev/internal/protocol"
)

// Event kinds. They are journaled, indexed and published on the feed.
const (
	EventClientConnected    = "client_connected"
	EventClientDisconnected = "client_disconnected"
	EventPlayerLoaded       = "player_loaded"
	EventPlayerUnloaded     = "player_unloaded"
	EventWorldTaken         = "world_taken"
	EventPlayerName         = "player_name"
	EventFileHash           = "file_hash"
	EventItemQueued         = "item_queued"
	EventItemPending        = "item_pending"
	EventSaveData           = "save_data"
	EventDungeonRewards     = "dungeon_rewards"
	EventProgressive        = "progressive"
	EventRoomCleared        = "room_cleared"
	EventClientError        = "client_error"
)

type Event struct {
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"ts"`
	Room   string    `json:"room"`
	Kind   string    `json:"kind"`
	Client int       `json:"client,omitempty"`
	World  uint8     `json:"world,omitempty"`

	Target    uint8  `json:"target,omitempty"`
	Key       uint64 `json:"key,omitempty"`
	Item      uint16 `json:"item,omitempty"`
	Delivered int    `json:"delivered,omitempty"`

	Name     string `json:"name,omitempty"`
	FileHash string `json:"file_hash,omitempty"`
	State    uint32 `json:"state,omitempty"`
	Size     int    `json:"size,omitempty"`

	Rewards []RewardEntry `json:"rewards,omitempty"`

	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

type RewardEntry struct {
	Reward string `json:"reward"`
	World  uint8  `json:"world"`
	Area   string `json:"area"`
}

// EventSink receives every room event. Publish must not block the room.
type EventSink interface {
	Publish(Event)
}

type MultiSink []EventSink

func (m MultiSink) Publish(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ev)
		}
	}
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

func hashString(h [protocol.FileHashLen]byte) string { return hex.EncodeToString(h[:]) }

func rewardEntries(ri protocol.DungeonRewardInfo) []RewardEntry {
	var out []RewardEntry
	for r, l := range ri.Locations {
		if !l.Present() {
			continue
		}
		out = append(out, RewardEntry{
			Reward: protocol.Reward(r).String(),
			World:  l.World,
			Area:   l.Area.String(),
		})
	}
	return out
}
