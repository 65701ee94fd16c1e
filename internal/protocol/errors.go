package protocol

import (
	"errors"
	"fmt"
)

const (
	// Wire-level failures. Fatal for the connection.
	ErrProtoVersion    = "E_PROTO_VERSION"
	ErrProtoUnknownTag = "E_PROTO_UNKNOWN_TAG"
	ErrProtoItemCount  = "E_PROTO_ITEM_COUNT"
	ErrProtoMalformed  = "E_PROTO_MALFORMED"
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Room routing/state.
	ErrRoomNotFound  = "E_ROOM_NOT_FOUND"
	ErrWorldTaken    = "E_WORLD_TAKEN"
	ErrNoSourceWorld = "E_NO_SOURCE_WORLD"
	ErrFileHash      = "E_FILE_HASH"

	// Game compatibility.
	ErrRandoTooOld = "E_RANDO_TOO_OLD"
	ErrRandoTooNew = "E_RANDO_TOO_NEW"

	ErrClosed   = "E_CLOSED"
	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoVersion:    {},
	ErrProtoUnknownTag: {},
	ErrProtoItemCount:  {},
	ErrProtoMalformed:  {},
	ErrProtoBadRequest: {},
	ErrRoomNotFound:    {},
	ErrWorldTaken:      {},
	ErrNoSourceWorld:   {},
	ErrFileHash:        {},
	ErrRandoTooOld:     {},
	ErrRandoTooNew:     {},
	ErrClosed:          {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Error is a coded protocol or room error.
type Error struct {
	Code string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code
	}
	return e.Code + ": " + e.Msg
}

func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsFatal reports whether err must tear down the connection it came from.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case ErrProtoVersion, ErrProtoUnknownTag, ErrProtoItemCount, ErrProtoMalformed, ErrClosed:
		return true
	}
	return false
}
