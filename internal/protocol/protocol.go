// Package protocol implements the binary frontend protocol spoken between an
// emulator-side session and the relay over a loopback TCP connection.
//
// Every message starts with a one-byte tag; the rest of the layout is fixed by
// the tag. Tags are directional: client (emulator) tags and server (relay) tags
// are separate namespaces. Multi-byte integers are big-endian.
package protocol

// Version is exchanged as the single handshake byte by both peers.
const Version uint8 = 6

// DefaultPort is the well-known loopback port.
const DefaultPort = 24818

// Client -> relay tags.
const (
	TagPlayerID byte = iota
	TagPlayerName
	TagSendItem
	TagSaveData
	TagFileHash
	TagResetPlayerID
	TagDungeonRewardInfo
)

// Relay -> client tags.
const (
	TagItemQueue byte = iota
	TagGetItem
	TagServerPlayerName
	TagProgressiveItems
)

const (
	NameLen     = 8
	FileHashLen = 5
	// SaveDataSize is the size of the save context blob copied out of RDRAM.
	SaveDataSize = 0x1450
)

// TriforcePiece is the item kind shared by all worlds. Deliveries of it are
// attributed to a fixed counterpart instead of the real sender.
const TriforcePiece uint16 = 0x00ca

// Handshake returns the handshake frame for the local side.
func Handshake() []byte { return []byte{Version} }

// CheckHandshake validates the peer's handshake byte.
func CheckHandshake(b byte) error {
	if b != Version {
		return Errorf(ErrProtoVersion, "version mismatch: peer=%d local=%d", b, Version)
	}
	return nil
}
