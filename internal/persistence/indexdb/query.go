package indexdb

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DefaultPath is where the relay keeps its index under the data directory.
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, "index", "relay.sqlite")
}

// Reader runs queries against an index written by SQLiteIndex.
type Reader struct {
	db *sql.DB
}

func OpenReader(path string) (*Reader, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error { return r.db.Close() }

type RoomRow struct {
	Name              string `json:"name"`
	FileHash          string `json:"file_hash,omitempty"`
	LastSavedMS       int64  `json:"last_saved_ms"`
	AutodeleteAfterMS int64  `json:"autodelete_after_ms"`
	Items             int    `json:"items"`
	Players           int    `json:"players"`
	UpdatedAt         string `json:"updated_at"`
}

func (r *Reader) Rooms() ([]RoomRow, error) {
	rows, err := r.db.Query(`SELECT r.name,r.file_hash,r.last_saved_ms,r.autodelete_after_ms,r.updated_at,
		(SELECT COUNT(*) FROM queue_items q WHERE q.room=r.name),
		(SELECT COUNT(*) FROM players p WHERE p.room=r.name)
		FROM rooms r ORDER BY r.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RoomRow
	for rows.Next() {
		var rr RoomRow
		if err := rows.Scan(&rr.Name, &rr.FileHash, &rr.LastSavedMS, &rr.AutodeleteAfterMS, &rr.UpdatedAt, &rr.Items, &rr.Players); err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

type QueueRow struct {
	World  uint8  `json:"world"`
	Pos    int    `json:"pos"`
	Source uint8  `json:"source"`
	Key    uint64 `json:"key"`
	Kind   uint16 `json:"kind"`
}

// Queue returns the indexed queue of one world; world 0 is the base queue.
func (r *Reader) Queue(room string, world uint8) ([]QueueRow, error) {
	rows, err := r.db.Query(`SELECT world,pos,source,key,kind FROM queue_items WHERE room=? AND world=? ORDER BY pos`, room, int(world))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueueRow
	for rows.Next() {
		var (
			q      QueueRow
			w, src int
			key    int64
			kind   int
		)
		if err := rows.Scan(&w, &q.Pos, &src, &key, &kind); err != nil {
			return nil, err
		}
		q.World, q.Source, q.Key, q.Kind = uint8(w), uint8(src), uint64(key), uint16(kind)
		out = append(out, q)
	}
	return out, rows.Err()
}

type PlayerRow struct {
	World uint8  `json:"world"`
	Name  string `json:"name"`
}

func (r *Reader) Players(room string) ([]PlayerRow, error) {
	rows, err := r.db.Query(`SELECT world,name FROM players WHERE room=? ORDER BY world`, room)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PlayerRow
	for rows.Next() {
		var (
			p PlayerRow
			w int
		)
		if err := rows.Scan(&w, &p.Name); err != nil {
			return nil, err
		}
		p.World = uint8(w)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Events returns raw event JSON for a room in seq order, after sinceSeq.
// An empty kind matches every kind.
func (r *Reader) Events(room, kind string, sinceSeq uint64, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT raw_json FROM events WHERE room=? AND seq>? ORDER BY seq LIMIT ?`
	args := []any{room, int64(sinceSeq), limit}
	if kind != "" {
		q = `SELECT raw_json FROM events WHERE room=? AND kind=? AND seq>? ORDER BY seq LIMIT ?`
		args = []any{room, kind, int64(sinceSeq), limit}
	}
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, rows.Err()
}

type SnapshotRow struct {
	Room     string `json:"room"`
	Seq      uint64 `json:"seq"`
	Path     string `json:"path"`
	SavedAt  int64  `json:"saved_at_ms"`
	FileHash string `json:"file_hash,omitempty"`
	Items    int    `json:"items"`
	Players  int    `json:"players"`
}

func (r *Reader) Snapshots(room string, limit int) ([]SnapshotRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(`SELECT room,seq,path,saved_at_ms,file_hash,items,players FROM snapshots WHERE room=? ORDER BY seq DESC LIMIT ?`, room, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRow
	for rows.Next() {
		var (
			s   SnapshotRow
			seq int64
		)
		if err := rows.Scan(&s.Room, &seq, &s.Path, &s.SavedAt, &s.FileHash, &s.Items, &s.Players); err != nil {
			return nil, err
		}
		s.Seq = uint64(seq)
		out = append(out, s)
	}
	return out, rows.Err()
}
