package relay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const pendingVersion = 1

// PendingItem is a SendItem the room could not queue yet, either because
// the sender's world was not loaded or because its file hash disagreed with
// the room's.
type PendingItem struct {
	Source   uint8     `json:"source"`
	Key      uint64    `json:"key"`
	Kind     uint16    `json:"kind"`
	Target   uint8     `json:"target"`
	FileHash string    `json:"file_hash,omitempty"`
	Reason   string    `json:"reason"`
	QueuedAt time.Time `json:"queued_at"`
}

type pendingFile struct {
	Version int           `json:"version"`
	Items   []PendingItem `json:"items"`
}

func PendingPath(dataDir, room string) string {
	return filepath.Join(dataDir, "rooms", room, "pending.json")
}

// LoadPending reads a pending file. A missing file is an empty list.
func LoadPending(path string) ([]PendingItem, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var f pendingFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse pending file: %w", err)
	}
	if f.Version != pendingVersion {
		return nil, fmt.Errorf("pending file version %d not supported", f.Version)
	}
	return f.Items, nil
}

func SavePending(path string, items []PendingItem) error {
	if path == "" {
		return nil
	}
	if items == nil {
		items = []PendingItem{}
	}
	b, err := json.MarshalIndent(pendingFile{Version: pendingVersion, Items: items}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, b)
}

func writeFileAtomic(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
