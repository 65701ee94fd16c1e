package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	Room    string `json:"room"`
	Seq     uint64 `json:"seq"`
	SavedAt int64  `json:"saved_at_unix_ms"`
}

// RoomSnapshotV1 is the durable state of one relay room. Client connections
// are not part of it; players reconnect and reclaim their worlds.
type RoomSnapshotV1 struct {
	Header Header `json:"header"`

	FileHash    []byte `json:"file_hash,omitempty"`
	LastSavedMS int64  `json:"last_saved_unix_ms"`

	BaseQueue    []ItemV1        `json:"base_queue"`
	PlayerQueues []PlayerQueueV1 `json:"player_queues"`
	Players      []PlayerV1      `json:"players,omitempty"`
	Progressive  []ProgressiveV1 `json:"progressive,omitempty"`
}

type ItemV1 struct {
	Source uint8  `json:"source"`
	Key    uint64 `json:"key"`
	Kind   uint16 `json:"kind"`
}

type PlayerQueueV1 struct {
	World uint8    `json:"world"`
	Items []ItemV1 `json:"items"`
}

// PlayerV1 is the last name a world reported.
type PlayerV1 struct {
	World uint8   `json:"world"`
	Name  [8]byte `json:"name"`
}

type ProgressiveV1 struct {
	World uint8  `json:"world"`
	State uint32 `json:"state"`
}

// ItemCount is the number of queued items across all queues.
func (s RoomSnapshotV1) ItemCount() int {
	n := len(s.BaseQueue)
	for _, q := range s.PlayerQueues {
		n += len(q.Items)
	}
	return n
}

func FileName(seq uint64) string { return fmt.Sprintf("%d.snap.zst", seq) }

func WriteSnapshot(path string, snap RoomSnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap RoomSnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (RoomSnapshotV1, error) {
	var snap RoomSnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// Latest returns the path of the highest-sequence snapshot in dir, or "".
func Latest(dir string) string {
	all := List(dir)
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1]
}

// List returns the snapshot paths in dir ordered by sequence.
func List(dir string) []string {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	type entry struct {
		seq  uint64
		path string
	}
	var out []entry
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, entry{seq: seq, path: filepath.Join(dir, name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	paths := make([]string, len(out))
	for i, e := range out {
		paths[i] = e.path
	}
	return paths
}

// Prune removes all but the newest keep snapshots in dir.
func Prune(dir string, keep int) (removed int, err error) {
	if keep <= 0 {
		return 0, nil
	}
	all := List(dir)
	for len(all) > keep {
		if err := os.Remove(all[0]); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
		all = all[1:]
	}
	return removed, nil
}
