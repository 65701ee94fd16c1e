package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"ootmw.dev/internal/persistence/snapshot"
)

type RoomArchiveMeta struct {
	Room      string `json:"room"`
	Seq       uint64 `json:"seq"`
	Snapshot  string `json:"snapshot"`
	Reason    string `json:"reason"`
	Items     int    `json:"items"`
	Worlds    int    `json:"worlds"`
	CreatedAt string `json:"created_at"`
}

// ArchiveRoomSnapshot copies a room's final snapshot into
// `roomDir/archives/<unix>_<seq>/` next to a meta.json. It is used when a
// room is cleared so the state survives the reset.
func ArchiveRoomSnapshot(roomDir, snapshotPath string, snap snapshot.RoomSnapshotV1, reason string, now time.Time) (string, error) {
	if snapshotPath == "" {
		return "", fmt.Errorf("archive: empty snapshot path")
	}
	archiveDir := filepath.Join(roomDir, "archives", fmt.Sprintf("%d_%d", now.UTC().Unix(), snap.Header.Seq))
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", err
	}

	dst := filepath.Join(archiveDir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return "", err
	}

	meta := RoomArchiveMeta{
		Room:      snap.Header.Room,
		Seq:       snap.Header.Seq,
		Snapshot:  filepath.Base(dst),
		Reason:    reason,
		Items:     snap.ItemCount(),
		Worlds:    len(snap.PlayerQueues),
		CreatedAt: now.UTC().Format(time.RFC3339Nano),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(archiveDir, "meta.json"), b, 0o644)
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
