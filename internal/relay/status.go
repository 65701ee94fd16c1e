package relay

import (
	"encoding/hex"
	"fmt"
	"time"

	"ootmw.dev/internal/persistence/snapshot"
	"ootmw.dev/internal/protocol"
)

type RoomStatus struct {
	Name         string            `json:"name"`
	Listen       string            `json:"listen,omitempty"`
	Seq          uint64            `json:"seq"`
	FileHash     string            `json:"file_hash,omitempty"`
	LastSaved    time.Time         `json:"last_saved"`
	AutodeleteAt *time.Time        `json:"autodelete_at,omitempty"`
	Clients      []ClientStatus    `json:"clients"`
	Queues       []QueueStatus     `json:"queues"`
	Progressive  []ProgressiveInfo `json:"progressive"`
	Pending      []PendingItem     `json:"pending"`
}

type ClientStatus struct {
	ID       int    `json:"id"`
	Remote   string `json:"remote"`
	World    uint8  `json:"world,omitempty"`
	Name     string `json:"name"`
	FileHash string `json:"file_hash,omitempty"`
	SaveData bool   `json:"save_data"`
}

// QueueStatus is one world's queue; world 0 is the shared base queue.
type QueueStatus struct {
	World uint8  `json:"world"`
	Name  string `json:"name,omitempty"`
	Items []Item `json:"items"`
}

type ProgressiveInfo struct {
	World uint8  `json:"world"`
	State uint32 `json:"state"`
}

func (s *roomState) status() RoomStatus {
	st := RoomStatus{
		Name:        s.name,
		LastSaved:   s.lastSaved.UTC(),
		Clients:     []ClientStatus{},
		Queues:      []QueueStatus{{World: 0, Items: cloneItems(s.base)}},
		Progressive: []ProgressiveInfo{},
		Pending:     append([]PendingItem{}, s.pending...),
	}
	if s.hasHash {
		st.FileHash = hashString(s.hash)
	}
	if s.autodeleteAfter > 0 {
		at := s.autodeleteAt().UTC()
		st.AutodeleteAt = &at
	}
	for _, id := range s.clientIDs() {
		c := s.clients[id]
		cs := ClientStatus{ID: c.id, Remote: c.remote, Name: c.name.String(), SaveData: len(c.saveData) > 0}
		if c.loaded {
			cs.World = c.world
		}
		if c.hasHash {
			cs.FileHash = hashString(c.hash)
		}
		st.Clients = append(st.Clients, cs)
	}
	for _, w := range sortedWorlds(s.queues) {
		st.Queues = append(st.Queues, QueueStatus{World: w, Name: s.displayName(w), Items: cloneItems(s.queues[w])})
	}
	for _, w := range sortedWorlds(s.progressive) {
		st.Progressive = append(st.Progressive, ProgressiveInfo{World: w, State: s.progressive[w]})
	}
	if st.Queues[0].Items == nil {
		st.Queues[0].Items = []Item{}
	}
	return st
}

func (s *roomState) displayName(world uint8) string {
	if n, ok := s.names[world]; ok {
		return protocol.DisplayName(world, n).String()
	}
	return protocol.FallbackName(world).String()
}

// Queue returns world's effective queue from a status document.
func (st RoomStatus) Queue(world uint8) []Item {
	var base []Item
	for _, q := range st.Queues {
		if q.World == world && world != 0 {
			return q.Items
		}
		if q.World == 0 {
			base = q.Items
		}
	}
	return base
}

func toSnapshotItems(q []Item) []snapshot.ItemV1 {
	out := make([]snapshot.ItemV1, len(q))
	for i, it := range q {
		out[i] = snapshot.ItemV1{Source: it.Source, Key: it.Key, Kind: it.Kind}
	}
	return out
}

func fromSnapshotItems(q []snapshot.ItemV1) []Item {
	out := make([]Item, len(q))
	for i, it := range q {
		out[i] = Item{Source: it.Source, Key: it.Key, Kind: it.Kind}
	}
	return out
}

func (s *roomState) exportSnapshot(seq uint64) snapshot.RoomSnapshotV1 {
	now := s.now()
	snap := snapshot.RoomSnapshotV1{
		Header:       snapshot.Header{Version: snapshot.Version, Room: s.name, Seq: seq, SavedAt: now.UnixMilli()},
		LastSavedMS:  s.lastSaved.UnixMilli(),
		BaseQueue:    toSnapshotItems(s.base),
		PlayerQueues: []snapshot.PlayerQueueV1{},
	}
	if s.hasHash {
		snap.FileHash = append([]byte(nil), s.hash[:]...)
	}
	for _, w := range sortedWorlds(s.queues) {
		snap.PlayerQueues = append(snap.PlayerQueues, snapshot.PlayerQueueV1{World: w, Items: toSnapshotItems(s.queues[w])})
	}
	for _, w := range sortedWorlds(s.names) {
		snap.Players = append(snap.Players, snapshot.PlayerV1{World: w, Name: s.names[w]})
	}
	for _, w := range sortedWorlds(s.progressive) {
		snap.Progressive = append(snap.Progressive, snapshot.ProgressiveV1{World: w, State: s.progressive[w]})
	}
	return snap
}

// importSnapshot replaces the durable state. Connected clients are kept.
func (s *roomState) importSnapshot(snap snapshot.RoomSnapshotV1) error {
	if snap.Header.Room != "" && snap.Header.Room != s.name {
		return fmt.Errorf("snapshot is for room %q, not %q", snap.Header.Room, s.name)
	}
	s.hasHash = false
	s.hash = [protocol.FileHashLen]byte{}
	if len(snap.FileHash) != 0 {
		if len(snap.FileHash) != protocol.FileHashLen {
			return fmt.Errorf("snapshot file hash %s has wrong length", hex.EncodeToString(snap.FileHash))
		}
		s.hasHash = true
		copy(s.hash[:], snap.FileHash)
	}
	s.base = fromSnapshotItems(snap.BaseQueue)
	s.queues = map[uint8][]Item{}
	for _, q := range snap.PlayerQueues {
		if q.World == 0 {
			return fmt.Errorf("snapshot has a queue for world 0")
		}
		s.queues[q.World] = fromSnapshotItems(q.Items)
	}
	s.names = map[uint8]protocol.Name{}
	for _, p := range snap.Players {
		s.names[p.World] = protocol.Name(p.Name)
	}
	s.progressive = map[uint8]uint32{}
	for _, p := range snap.Progressive {
		s.progressive[p.World] = p.State
	}
	if snap.LastSavedMS != 0 {
		s.lastSaved = time.UnixMilli(snap.LastSavedMS)
	}
	s.dirty = true
	return nil
}

// RoomRecord is the durable row a Store keeps per room.
type RoomRecord struct {
	Name            string
	FileHash        string
	BaseQueue       []Item
	PlayerQueues    map[uint8][]Item
	Names           map[uint8]string
	LastSaved       time.Time
	AutodeleteAfter time.Duration
}

// Store persists room records. Calls must not block the room.
type Store interface {
	SaveRoom(RoomRecord)
	DeleteRoom(name string)
}

func (s *roomState) record() RoomRecord {
	r := RoomRecord{
		Name:            s.name,
		BaseQueue:       cloneItems(s.base),
		PlayerQueues:    make(map[uint8][]Item, len(s.queues)),
		Names:           make(map[uint8]string, len(s.names)),
		LastSaved:       s.lastSaved,
		AutodeleteAfter: s.autodeleteAfter,
	}
	if s.hasHash {
		r.FileHash = hashString(s.hash)
	}
	for w, q := range s.queues {
		r.PlayerQueues[w] = cloneItems(q)
	}
	for w, n := range s.names {
		r.Names[w] = n.String()
	}
	return r
}
