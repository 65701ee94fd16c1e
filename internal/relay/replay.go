package relay

import (
	"encoding/hex"
	"fmt"
	"time"

	"ootmw.dev/internal/persistence/snapshot"
	"ootmw.dev/internal/protocol"
)

// ReplayStats counts what a Replayer did with the events it was given.
// Skipped events changed nothing on replay, e.g. an item the rebuilt queue
// already held.
type ReplayStats struct {
	From    uint64 `json:"from_seq"`
	To      uint64 `json:"to_seq"`
	Applied int    `json:"applied"`
	Skipped int    `json:"skipped"`
	Ignored int    `json:"ignored"`
	Gaps    int    `json:"gaps"`
}

// Replayer rebuilds a room's durable state from a snapshot and the journal
// events recorded after it. Only events that change durable state are
// applied; connection events are counted as ignored.
type Replayer struct {
	st     *roomState
	seq    uint64
	at     time.Time
	hashes map[uint8][protocol.FileHashLen]byte
	stats  ReplayStats
}

func NewReplayer(snap snapshot.RoomSnapshotV1) (*Replayer, error) {
	rp := &Replayer{
		seq:    snap.Header.Seq,
		at:     time.UnixMilli(snap.Header.SavedAt),
		hashes: map[uint8][protocol.FileHashLen]byte{},
		stats:  ReplayStats{From: snap.Header.Seq, To: snap.Header.Seq},
	}
	rp.st = newRoomState(snap.Header.Room, 0, func() time.Time { return rp.at }, nil, nil)
	if err := rp.st.importSnapshot(snap); err != nil {
		return nil, err
	}
	return rp, nil
}

// Seq is the sequence number of the last event applied.
func (rp *Replayer) Seq() uint64 { return rp.seq }

func (rp *Replayer) Stats() ReplayStats { return rp.stats }

// Apply replays one event. Events at or before the current seq are already
// part of the state and are ignored; a jump in seq is counted as a gap.
func (rp *Replayer) Apply(ev Event) error {
	if ev.Seq <= rp.seq {
		return nil
	}
	if ev.Room != "" && rp.st.name != "" && ev.Room != rp.st.name {
		return fmt.Errorf("event %d is for room %q, not %q", ev.Seq, ev.Room, rp.st.name)
	}
	if ev.Seq != rp.seq+1 {
		rp.stats.Gaps++
	}
	rp.seq = ev.Seq
	rp.stats.To = ev.Seq
	if !ev.Time.IsZero() {
		rp.at = ev.Time
	}

	s := rp.st
	switch ev.Kind {
	case EventFileHash:
		b, err := hex.DecodeString(ev.FileHash)
		if err != nil || len(b) != protocol.FileHashLen {
			return fmt.Errorf("event %d: bad file hash %q", ev.Seq, ev.FileHash)
		}
		var h [protocol.FileHashLen]byte
		copy(h[:], b)
		rp.hashes[ev.World] = h
		rp.stats.Applied++
	case EventItemQueued:
		// The room adopts the sender's hash on its first item.
		if h, ok := rp.hashes[ev.World]; ok && !s.hasHash {
			s.hasHash = true
			s.hash = h
		}
		if s.queueItemInner(ev.World, ev.Key, ev.Item, ev.Target) {
			rp.stats.Applied++
		} else {
			rp.stats.Skipped++
		}
	case EventPlayerName:
		if ev.World == 0 {
			rp.stats.Skipped++
			return nil
		}
		s.names[ev.World] = protocol.EncodeName(ev.Name)
		rp.stats.Applied++
	case EventProgressive:
		if err := s.setProgressive(ev.World, ev.State); err != nil {
			return fmt.Errorf("event %d: %w", ev.Seq, err)
		}
		rp.stats.Applied++
	case EventRoomCleared:
		s.clear(ev.Error)
		rp.stats.Applied++
	default:
		rp.stats.Ignored++
	}
	return nil
}

// Snapshot exports the rebuilt state at the current seq.
func (rp *Replayer) Snapshot() snapshot.RoomSnapshotV1 {
	return rp.st.exportSnapshot(rp.seq)
}
