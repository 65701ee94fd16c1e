package protocol

import (
	"fmt"
	"testing"
)

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoVersion,
		ErrProtoUnknownTag,
		ErrProtoItemCount,
		ErrProtoMalformed,
		ErrProtoBadRequest,
		ErrRoomNotFound,
		ErrWorldTaken,
		ErrNoSourceWorld,
		ErrFileHash,
		ErrRandoTooOld,
		ErrRandoTooNew,
		ErrClosed,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestCodeOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("conn 3: %w", Errorf(ErrProtoUnknownTag, "tag=%d", 9))
	if got := CodeOf(err); got != ErrProtoUnknownTag {
		t.Fatalf("CodeOf=%q want=%q", got, ErrProtoUnknownTag)
	}
	if !IsFatal(err) {
		t.Fatalf("unknown tag must be fatal")
	}
	if IsFatal(Errorf(ErrFileHash, "x")) {
		t.Fatalf("file hash mismatch is not a connection-fatal error")
	}
	if CodeOf(fmt.Errorf("plain")) != "" {
		t.Fatalf("plain errors have no code")
	}
}
