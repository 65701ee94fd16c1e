// Package feedproto defines the JSON messages of the relay tracker feed.
package feedproto

import (
	"encoding/json"
	"fmt"

	"ootmw.dev/internal/relay"
)

// Version is the feed protocol version (separate from the frontend wire protocol).
const Version = "1.0"

const (
	TypeHello = "HELLO"
	TypeEvent = "EVENT"
)

type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Room            string `json:"room"`
}

// HelloMsg is the first message on a feed connection.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Room            string `json:"room"`
	Seq             uint64 `json:"seq"`
	FileHash        string `json:"file_hash,omitempty"`

	Players     []PlayerInfo            `json:"players"`
	Queues      []QueueInfo             `json:"queues"`
	Progressive []relay.ProgressiveInfo `json:"progressive"`
	Pending     int                     `json:"pending"`
}

type PlayerInfo struct {
	World  uint8  `json:"world"`
	Name   string `json:"name"`
	Client int    `json:"client,omitempty"`
}

// QueueInfo is a queue length; world 0 is the base queue.
type QueueInfo struct {
	World uint8 `json:"world"`
	Len   int   `json:"len"`
}

type EventMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Room            string      `json:"room"`
	Event           relay.Event `json:"event"`
}

// NewHello summarizes a room status for a new subscriber. Players are the
// loaded worlds plus every world that has reported a name.
func NewHello(st relay.RoomStatus) HelloMsg {
	h := HelloMsg{
		Type:            TypeHello,
		ProtocolVersion: Version,
		Room:            st.Name,
		Seq:             st.Seq,
		FileHash:        st.FileHash,
		Players:         []PlayerInfo{},
		Queues:          make([]QueueInfo, 0, len(st.Queues)),
		Progressive:     st.Progressive,
		Pending:         len(st.Pending),
	}
	if h.Progressive == nil {
		h.Progressive = []relay.ProgressiveInfo{}
	}
	seen := map[uint8]int{}
	for _, c := range st.Clients {
		if c.World == 0 {
			continue
		}
		seen[c.World] = len(h.Players)
		h.Players = append(h.Players, PlayerInfo{World: c.World, Name: c.Name, Client: c.ID})
	}
	for _, q := range st.Queues {
		h.Queues = append(h.Queues, QueueInfo{World: q.World, Len: len(q.Items)})
		if q.World == 0 || q.Name == "" {
			continue
		}
		if _, ok := seen[q.World]; !ok {
			seen[q.World] = len(h.Players)
			h.Players = append(h.Players, PlayerInfo{World: q.World, Name: q.Name})
		}
	}
	return h
}

func NewEvent(ev relay.Event) EventMsg {
	return EventMsg{Type: TypeEvent, ProtocolVersion: Version, Room: ev.Room, Event: ev}
}

// DecodeBase reads the envelope and checks the protocol version.
func DecodeBase(b []byte) (BaseMessage, error) {
	var base BaseMessage
	if err := json.Unmarshal(b, &base); err != nil {
		return base, err
	}
	if base.ProtocolVersion != Version {
		return base, fmt.Errorf("feed: protocol_version %q (want %q)", base.ProtocolVersion, Version)
	}
	return base, nil
}
