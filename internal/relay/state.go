package relay

import (
	"log"
	"sort"
	"time"

	"ootmw.dev/internal/protocol"
)

type Item struct {
	Source uint8  `json:"source"`
	Key    uint64 `json:"key"`
	Kind   uint16 `json:"kind"`
}

func containsItem(q []Item, source uint8, key uint64) bool {
	for _, it := range q {
		if it.Source == source && it.Key == key {
			return true
		}
	}
	return false
}

func cloneItems(q []Item) []Item { return append([]Item(nil), q...) }

type client struct {
	id     int
	remote string
	out    chan []byte
	closed bool

	loaded bool
	world  uint8
	// want is the last world the client asked for, kept when the claim was
	// rejected so its items can be parked under the right source.
	want uint8

	name     protocol.Name
	hasHash  bool
	hash     [protocol.FileHashLen]byte
	saveData []byte
}

// roomState holds one room's queues and connected clients. It is owned by
// the Room goroutine; nothing in here locks.
type roomState struct {
	name            string
	autodeleteAfter time.Duration
	now             func() time.Time
	emit            func(Event)
	log             *log.Logger

	hasHash     bool
	hash        [protocol.FileHashLen]byte
	base        []Item
	queues      map[uint8][]Item
	names       map[uint8]protocol.Name
	progressive map[uint8]uint32
	lastSaved   time.Time
	pending     []PendingItem

	clients map[int]*client
	drops   []int

	dirty        bool
	pendingDirty bool
}

func newRoomState(name string, autodeleteAfter time.Duration, now func() time.Time, emit func(Event), logger *log.Logger) *roomState {
	if now == nil {
		now = time.Now
	}
	if emit == nil {
		emit = func(Event) {}
	}
	return &roomState{
		name:            name,
		autodeleteAfter: autodeleteAfter,
		now:             now,
		emit:            emit,
		log:             logger,
		queues:          map[uint8][]Item{},
		names:           map[uint8]protocol.Name{},
		progressive:     map[uint8]uint32{},
		lastSaved:       now(),
		clients:         map[int]*client{},
	}
}

func (s *roomState) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf("room %s: "+format, append([]any{s.name}, args...)...)
	}
}

// queueFor returns the items world is owed: its own queue, or the shared
// base queue when nothing was ever sent to it directly.
func (s *roomState) queueFor(world uint8) []Item {
	if q, ok := s.queues[world]; ok {
		return q
	}
	return s.base
}

func (s *roomState) write(c *client, m protocol.ServerMessage) {
	if c.closed {
		return
	}
	select {
	case c.out <- protocol.Encode(m):
	default:
		c.closed = true
		s.drops = append(s.drops, c.id)
		s.logf("client %d send queue full; disconnecting", c.id)
	}
}

func (s *roomState) writeAll(m protocol.ServerMessage) {
	for _, id := range s.clientIDs() {
		s.write(s.clients[id], m)
	}
}

func (s *roomState) clientIDs() []int {
	ids := make([]int, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (s *roomState) clientForWorld(world uint8) *client {
	for _, id := range s.clientIDs() {
		if c := s.clients[id]; c.loaded && c.world == world {
			return c
		}
	}
	return nil
}

func (s *roomState) addClient(id int, remote string, out chan []byte) {
	s.clients[id] = &client{
		id:     id,
		remote: remote,
		out:    out,
		name:   protocol.DefaultName,
	}
	s.emit(Event{Kind: EventClientConnected, Client: id, Name: remote})
}

// removeClient drops a client and closes its send channel, which ends the
// connection's writer.
func (s *roomState) removeClient(id int, reason string) {
	c, ok := s.clients[id]
	if !ok {
		return
	}
	delete(s.clients, id)
	close(c.out)
	if c.loaded {
		s.emit(Event{Kind: EventPlayerUnloaded, Client: id, World: c.world})
	}
	s.emit(Event{Kind: EventClientDisconnected, Client: id, World: c.world, Error: reason})
}

// flushDrops removes clients whose send queue overflowed.
func (s *roomState) flushDrops() {
	for len(s.drops) > 0 {
		drops := s.drops
		s.drops = nil
		for _, id := range drops {
			s.removeClient(id, "send queue full")
		}
	}
}

func (s *roomState) clientError(c *client, err error) {
	s.logf("client %d: %v", c.id, err)
	s.emit(Event{Kind: EventClientError, Client: c.id, World: c.world, Code: protocol.CodeOf(err), Error: err.Error()})
}

func (s *roomState) handle(id int, m protocol.ClientMessage) {
	c, ok := s.clients[id]
	if !ok {
		return
	}
	switch m := m.(type) {
	case protocol.PlayerIDChanged:
		if m.World == 0 {
			s.unloadPlayer(c)
			return
		}
		s.loadPlayer(c, m.World)
	case protocol.ResetPlayerID:
		c.want = 0
		s.unloadPlayer(c)
	case protocol.PlayerNameChanged:
		c.name = m.Name
		if c.loaded {
			s.setPlayerName(c)
		}
	case protocol.FileHashChanged:
		c.hasHash = true
		c.hash = m.Hash
		if c.loaded {
			if err := s.setFileHash(c); err != nil {
				s.clientError(c, err)
			}
		}
	case protocol.SendItem:
		s.queueItem(c, m.Key, m.Kind, m.Target)
	case protocol.SaveDataLoaded:
		c.saveData = append(c.saveData[:0], m.Data...)
		s.emit(Event{Kind: EventSaveData, Client: c.id, World: c.world, Size: len(m.Data)})
	case protocol.DungeonRewardInfo:
		s.emit(Event{Kind: EventDungeonRewards, Client: c.id, World: c.world, Rewards: rewardEntries(m)})
	}
}

// loadPlayer claims world for c. A world held by another client is refused.
func (s *roomState) loadPlayer(c *client, world uint8) bool {
	c.want = world
	if other := s.clientForWorld(world); other != nil && other != c {
		err := protocol.Errorf(protocol.ErrWorldTaken, "world %d is already taken by client %d", world, other.id)
		s.logf("client %d: %v", c.id, err)
		s.emit(Event{Kind: EventWorldTaken, Client: c.id, World: world, Code: err.Code, Error: err.Error()})
		return false
	}
	if c.loaded {
		if c.world == world {
			return true
		}
		s.emit(Event{Kind: EventPlayerUnloaded, Client: c.id, World: c.world})
	}
	c.loaded = true
	c.world = world
	s.emit(Event{Kind: EventPlayerLoaded, Client: c.id, World: world, Name: c.name.String()})

	if q := s.queueFor(world); len(q) > 0 {
		kinds := make([]uint16, len(q))
		for i, it := range q {
			kinds[i] = it.Kind
		}
		s.write(c, protocol.ItemQueue{Items: kinds})
	}
	for _, w := range sortedWorlds(s.names) {
		if w == world {
			continue
		}
		s.write(c, protocol.PlayerName{World: w, Name: protocol.DisplayName(w, s.names[w])})
	}
	for _, w := range sortedWorlds(s.progressive) {
		s.write(c, protocol.ProgressiveItems{World: w, State: s.progressive[w]})
	}

	if !c.name.IsDefault() {
		s.setPlayerName(c)
	}
	if c.hasHash {
		if err := s.setFileHash(c); err != nil {
			s.clientError(c, err)
		}
	}
	s.flushPending()
	return true
}

func (s *roomState) unloadPlayer(c *client) {
	if !c.loaded {
		return
	}
	c.loaded = false
	s.emit(Event{Kind: EventPlayerUnloaded, Client: c.id, World: c.world})
	c.world = 0
}

func (s *roomState) setPlayerName(c *client) {
	s.names[c.world] = c.name
	s.dirty = true
	s.writeAll(protocol.PlayerName{World: c.world, Name: protocol.DisplayName(c.world, c.name)})
	s.emit(Event{Kind: EventPlayerName, Client: c.id, World: c.world, Name: c.name.String()})
}

func (s *roomState) setFileHash(c *client) error {
	if s.hasHash && s.hash != c.hash {
		return protocol.Errorf(protocol.ErrFileHash, "this room is for a different seed (room %s, player %s)", hashString(s.hash), hashString(c.hash))
	}
	s.emit(Event{Kind: EventFileHash, Client: c.id, World: c.world, FileHash: hashString(c.hash)})
	return nil
}

func (s *roomState) queueItem(c *client, key uint64, kind uint16, target uint8) {
	if target == 0 {
		s.clientError(c, protocol.Errorf(protocol.ErrProtoBadRequest, "item %#x sent to world 0", kind))
		return
	}
	p := PendingItem{Key: key, Kind: kind, Target: target, QueuedAt: s.now().UTC()}
	if c.hasHash {
		p.FileHash = hashString(c.hash)
	}
	if !c.loaded {
		if c.want == 0 {
			s.clientError(c, protocol.Errorf(protocol.ErrNoSourceWorld, "please claim a world before sending items"))
			return
		}
		p.Source = c.want
		p.Reason = protocol.ErrNoSourceWorld
		s.addPending(c, p)
		return
	}
	if c.hasHash {
		if !s.hasHash {
			s.hasHash = true
			s.hash = c.hash
			s.dirty = true
		} else if s.hash != c.hash {
			p.Source = c.world
			p.Reason = protocol.ErrFileHash
			s.clientError(c, protocol.Errorf(protocol.ErrFileHash, "this room is for a different seed"))
			s.addPending(c, p)
			return
		}
	}
	s.queueItemInner(c.world, key, kind, target)
}

func (s *roomState) queueItemInner(source uint8, key uint64, kind uint16, target uint8) bool {
	it := Item{Source: source, Key: key, Kind: kind}
	delivered := 0
	switch {
	case kind == protocol.TriforcePiece:
		if containsItem(s.base, source, key) {
			return false
		}
		// The sender must not get this piece back through the base queue.
		if _, ok := s.queues[source]; !ok {
			s.queues[source] = cloneItems(s.base)
		}
		s.base = append(s.base, it)
		for w, q := range s.queues {
			if w != source {
				s.queues[w] = append(q, it)
			}
		}
		for _, id := range s.clientIDs() {
			if c := s.clients[id]; c.loaded && c.world != source {
				s.write(c, protocol.GetItem{Item: kind})
				delivered++
			}
		}
	case source == target:
		return false
	default:
		q, ok := s.queues[target]
		if !ok {
			q = cloneItems(s.base)
		}
		if containsItem(q, source, key) {
			return false
		}
		s.queues[target] = append(q, it)
		if c := s.clientForWorld(target); c != nil {
			s.write(c, protocol.GetItem{Item: kind})
			delivered++
		}
	}
	s.lastSaved = s.now()
	s.dirty = true
	s.emit(Event{Kind: EventItemQueued, World: source, Target: target, Key: key, Item: kind, Delivered: delivered})
	return true
}

func (s *roomState) addPending(c *client, p PendingItem) {
	for _, q := range s.pending {
		if q.Source == p.Source && q.Key == p.Key && q.Target == p.Target {
			return
		}
	}
	s.pending = append(s.pending, p)
	s.pendingDirty = true
	s.emit(Event{Kind: EventItemPending, Client: c.id, World: p.Source, Target: p.Target, Key: p.Key, Item: p.Kind, Code: p.Reason})
}

// flushPending queues every parked item whose source world is loaded and
// whose file hash agrees with the room.
func (s *roomState) flushPending() {
	if len(s.pending) == 0 {
		return
	}
	keep := s.pending[:0]
	for _, p := range s.pending {
		src := s.clientForWorld(p.Source)
		if src == nil || !s.pendingReady(p) {
			keep = append(keep, p)
			continue
		}
		if p.FileHash != "" && !s.hasHash && src.hasHash && hashString(src.hash) == p.FileHash {
			s.hasHash = true
			s.hash = src.hash
			s.dirty = true
		}
		s.queueItemInner(p.Source, p.Key, p.Kind, p.Target)
		s.pendingDirty = true
	}
	for i := len(keep); i < len(s.pending); i++ {
		s.pending[i] = PendingItem{}
	}
	s.pending = keep
}

func (s *roomState) pendingReady(p PendingItem) bool {
	if p.FileHash == "" || !s.hasHash {
		return true
	}
	return p.FileHash == hashString(s.hash)
}

func (s *roomState) setProgressive(world uint8, state uint32) error {
	if world == 0 {
		return protocol.Errorf(protocol.ErrProtoBadRequest, "world must be 1..255")
	}
	s.progressive[world] = state
	s.dirty = true
	s.writeAll(protocol.ProgressiveItems{World: world, State: state})
	s.emit(Event{Kind: EventProgressive, World: world, State: state})
	return nil
}

func (s *roomState) autodeleteAt() time.Time {
	return s.lastSaved.Add(s.autodeleteAfter)
}

// autodeleteDue reports whether the room has been idle past its autodelete
// window with nobody connected and something left to clear.
func (s *roomState) autodeleteDue(now time.Time) bool {
	if s.autodeleteAfter <= 0 || len(s.clients) > 0 {
		return false
	}
	if len(s.base) == 0 && len(s.queues) == 0 && !s.hasHash && len(s.progressive) == 0 && len(s.names) == 0 {
		return false
	}
	return !now.Before(s.autodeleteAt())
}

// clear forgets the room's seed: queues, hash, names and progressive state.
// Parked items survive and flush once their sender reconnects.
func (s *roomState) clear(reason string) {
	s.base = nil
	s.queues = map[uint8][]Item{}
	s.names = map[uint8]protocol.Name{}
	s.progressive = map[uint8]uint32{}
	s.hasHash = false
	s.hash = [protocol.FileHashLen]byte{}
	s.lastSaved = s.now()
	s.dirty = true
	s.emit(Event{Kind: EventRoomCleared, Error: reason})
}

func sortedWorlds[V any](m map[uint8]V) []uint8 {
	out := make([]uint8, 0, len(m))
	for w := range m {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
