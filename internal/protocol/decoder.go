package protocol

import (
	"encoding/binary"
	"math"
)

// ServerDecoder decodes the relay -> client stream. It is resumable: Feed may
// be called with arbitrary fragments and returns every message completed so
// far, keeping partial trailing bytes and the pending item count for the next
// call. The first byte of the stream must be the peer's handshake.
//
// An ItemQueue is returned once all of its items have arrived. After a fatal
// error the decoder stays failed.
type ServerDecoder struct {
	buf        []byte
	handshaken bool
	remaining  uint32
	inQueue    bool
	items      []uint16
	err        error
}

func NewServerDecoder() *ServerDecoder { return &ServerDecoder{} }

// Handshaken reports whether the peer's version byte has been accepted.
func (d *ServerDecoder) Handshaken() bool { return d.handshaken }

// Buffered returns the number of undecoded bytes held.
func (d *ServerDecoder) Buffered() int { return len(d.buf) }

// Remaining returns how many item codes are still expected.
func (d *ServerDecoder) Remaining() uint32 { return d.remaining }

func (d *ServerDecoder) Feed(p []byte) ([]ServerMessage, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, p...)
	if !d.handshake() {
		return nil, d.err
	}

	var out []ServerMessage
loop:
	for {
		if d.remaining > 0 {
			if len(d.buf) < 2 {
				break
			}
			it := binary.BigEndian.Uint16(d.buf)
			d.buf = d.buf[2:]
			d.remaining--
			if !d.inQueue {
				out = append(out, GetItem{Item: it})
				continue
			}
			d.items = append(d.items, it)
			if d.remaining == 0 {
				out = append(out, ItemQueue{Items: d.items})
				d.items = nil
				d.inQueue = false
			}
			continue
		}
		if len(d.buf) == 0 {
			break
		}
		switch tag := d.buf[0]; tag {
		case TagItemQueue:
			if len(d.buf) < 9 {
				break loop
			}
			count := binary.BigEndian.Uint64(d.buf[1:9])
			if count > math.MaxUint32 {
				d.err = Errorf(ErrProtoItemCount, "more than %d items (count=%d)", uint32(math.MaxUint32), count)
				return out, d.err
			}
			d.buf = d.buf[9:]
			d.remaining = uint32(count)
			if count == 0 {
				out = append(out, ItemQueue{Items: []uint16{}})
				continue
			}
			d.inQueue = true
			d.items = make([]uint16, 0, minInt(int(count), 4096))
		case TagGetItem:
			d.buf = d.buf[1:]
			d.remaining = 1
			d.inQueue = false
		case TagServerPlayerName:
			if len(d.buf) < 2+NameLen {
				break loop
			}
			m := PlayerName{World: d.buf[1]}
			copy(m.Name[:], d.buf[2:2+NameLen])
			d.buf = d.buf[2+NameLen:]
			out = append(out, m)
		case TagProgressiveItems:
			if len(d.buf) < 6 {
				break loop
			}
			out = append(out, ProgressiveItems{World: d.buf[1], State: binary.BigEndian.Uint32(d.buf[2:6])})
			d.buf = d.buf[6:]
		default:
			d.err = Errorf(ErrProtoUnknownTag, "unknown server command %d", tag)
			return out, d.err
		}
	}
	d.compact()
	return out, nil
}

func (d *ServerDecoder) handshake() bool {
	if d.handshaken {
		return true
	}
	if len(d.buf) == 0 {
		return false
	}
	if err := CheckHandshake(d.buf[0]); err != nil {
		d.err = err
		return false
	}
	d.handshaken = true
	d.buf = d.buf[1:]
	return true
}

func (d *ServerDecoder) compact() {
	if len(d.buf) == 0 {
		d.buf = nil
	}
}

// ClientDecoder decodes the client -> relay stream with the same resumable
// contract as ServerDecoder.
type ClientDecoder struct {
	buf        []byte
	handshaken bool
	err        error
}

func NewClientDecoder() *ClientDecoder { return &ClientDecoder{} }

func (d *ClientDecoder) Handshaken() bool { return d.handshaken }

func (d *ClientDecoder) Buffered() int { return len(d.buf) }

func (d *ClientDecoder) Feed(p []byte) ([]ClientMessage, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, p...)
	if !d.handshaken {
		if len(d.buf) == 0 {
			return nil, nil
		}
		if err := CheckHandshake(d.buf[0]); err != nil {
			d.err = err
			return nil, err
		}
		d.handshaken = true
		d.buf = d.buf[1:]
	}

	var out []ClientMessage
	for len(d.buf) > 0 {
		m, n, err := decodeClient(d.buf)
		if err != nil {
			d.err = err
			return out, err
		}
		if n == 0 {
			break
		}
		out = append(out, m)
		d.buf = d.buf[n:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out, nil
}

// decodeClient decodes one message from b. n == 0 means more bytes are needed.
func decodeClient(b []byte) (m ClientMessage, n int, err error) {
	switch tag := b[0]; tag {
	case TagPlayerID:
		if len(b) < 2 {
			return nil, 0, nil
		}
		return PlayerIDChanged{World: b[1]}, 2, nil
	case TagPlayerName:
		if len(b) < 1+NameLen {
			return nil, 0, nil
		}
		var msg PlayerNameChanged
		copy(msg.Name[:], b[1:1+NameLen])
		return msg, 1 + NameLen, nil
	case TagSendItem:
		if len(b) < 12 {
			return nil, 0, nil
		}
		return SendItem{
			Key:    binary.BigEndian.Uint64(b[1:9]),
			Kind:   binary.BigEndian.Uint16(b[9:11]),
			Target: b[11],
		}, 12, nil
	case TagSaveData:
		if len(b) < 1+SaveDataSize {
			return nil, 0, nil
		}
		data := make([]byte, SaveDataSize)
		copy(data, b[1:1+SaveDataSize])
		return SaveDataLoaded{Data: data}, 1 + SaveDataSize, nil
	case TagFileHash:
		if len(b) < 1+FileHashLen {
			return nil, 0, nil
		}
		var msg FileHashChanged
		copy(msg.Hash[:], b[1:1+FileHashLen])
		return msg, 1 + FileHashLen, nil
	case TagResetPlayerID:
		return ResetPlayerID{}, 1, nil
	case TagDungeonRewardInfo:
		return decodeRewardInfo(b)
	default:
		return nil, 0, Errorf(ErrProtoUnknownTag, "unknown client command %d", tag)
	}
}

func decodeRewardInfo(b []byte) (ClientMessage, int, error) {
	msg := NewDungeonRewardInfo()
	off := 1
	for _, r := range rewardWireOrder {
		if len(b) <= off {
			return nil, 0, nil
		}
		switch b[off] {
		case 0:
			off++
		case 1:
			if len(b) < off+3 {
				return nil, 0, nil
			}
			msg.Locations[r] = RewardLocation{World: b[off+1], Area: HintArea(int8(b[off+2]))}
			off += 3
		default:
			return nil, 0, Errorf(ErrProtoMalformed, "dungeon reward entry flag %d", b[off])
		}
	}
	return msg, off, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
