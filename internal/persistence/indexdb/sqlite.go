package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"ootmw.dev/internal/persistence/snapshot"
	"ootmw.dev/internal/relay"
)

const schemaVersion = "1"

// SQLiteIndex is a secondary, queryable index of relay rooms. Writes are
// queued and applied by one goroutine; snapshots and the event journal stay
// the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropEvent    atomic.Uint64
	dropRoom     atomic.Uint64
	dropSnapshot atomic.Uint64
	dropArchive  atomic.Uint64
}

type reqKind int

const (
	reqEvent reqKind = iota + 1
	reqSaveRoom
	reqDeleteRoom
	reqSnapshot
	reqArchive
)

type req struct {
	kind reqKind

	event    relay.Event
	room     relay.RoomRecord
	name     string
	snapshot snapshotRow
	archive  archiveRow
}

type snapshotRow struct {
	Room     string
	Seq      uint64
	Path     string
	SavedAt  int64
	FileHash string
	Items    int
	Players  int
}

type archiveRow struct {
	Room       string
	Seq        uint64
	Path       string
	Reason     string
	RecordedAt string
}

type Stats struct {
	QueueDepth        int
	QueueCapacity     int
	DropEventTotal    uint64
	DropRoomTotal     uint64
	DropSnapshotTotal uint64
	DropArchiveTotal  uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS rooms (
			name TEXT PRIMARY KEY,
			file_hash TEXT NOT NULL,
			last_saved_ms INTEGER NOT NULL,
			autodelete_after_ms INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS queue_items (
			room TEXT NOT NULL,
			world INTEGER NOT NULL,
			pos INTEGER NOT NULL,
			source INTEGER NOT NULL,
			key INTEGER NOT NULL,
			kind INTEGER NOT NULL,
			PRIMARY KEY (room, world, pos)
		);`,
		`CREATE TABLE IF NOT EXISTS players (
			room TEXT NOT NULL,
			world INTEGER NOT NULL,
			name TEXT NOT NULL,
			PRIMARY KEY (room, world)
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			room TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts TEXT NOT NULL,
			kind TEXT NOT NULL,
			client INTEGER NOT NULL,
			world INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (room, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_room_kind ON events(room, kind, seq);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			room TEXT NOT NULL,
			seq INTEGER NOT NULL,
			path TEXT NOT NULL,
			saved_at_ms INTEGER NOT NULL,
			file_hash TEXT NOT NULL,
			items INTEGER NOT NULL,
			players INTEGER NOT NULL,
			PRIMARY KEY (room, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS archives (
			room TEXT NOT NULL,
			seq INTEGER NOT NULL,
			path TEXT NOT NULL,
			reason TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (room, seq, path)
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','` + schemaVersion + `');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropEventTotal:    s.dropEvent.Load(),
		DropRoomTotal:     s.dropRoom.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		DropArchiveTotal:  s.dropArchive.Load(),
	}
}

func (s *SQLiteIndex) enqueue(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		// The index is best effort; never stall a room.
		switch r.kind {
		case reqEvent:
			s.dropEvent.Add(1)
		case reqSaveRoom, reqDeleteRoom:
			s.dropRoom.Add(1)
		case reqSnapshot:
			s.dropSnapshot.Add(1)
		case reqArchive:
			s.dropArchive.Add(1)
		}
	}
}

// Publish indexes a room event.
func (s *SQLiteIndex) Publish(ev relay.Event) {
	s.enqueue(req{kind: reqEvent, event: ev})
}

// SaveRoom replaces the indexed queues and names of a room.
func (s *SQLiteIndex) SaveRoom(rec relay.RoomRecord) {
	s.enqueue(req{kind: reqSaveRoom, room: rec})
}

func (s *SQLiteIndex) DeleteRoom(name string) {
	s.enqueue(req{kind: reqDeleteRoom, name: name})
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.RoomSnapshotV1) {
	r := snapshotRow{
		Room:     snap.Header.Room,
		Seq:      snap.Header.Seq,
		Path:     path,
		SavedAt:  snap.Header.SavedAt,
		FileHash: fmt.Sprintf("%x", snap.FileHash),
		Items:    snap.ItemCount(),
		Players:  len(snap.Players),
	}
	s.enqueue(req{kind: reqSnapshot, snapshot: r})
}

func (s *SQLiteIndex) RecordArchive(room string, seq uint64, archivedPath, reason string) {
	if room == "" || archivedPath == "" {
		return
	}
	r := archiveRow{
		Room:       room,
		Seq:        seq,
		Path:       archivedPath,
		Reason:     reason,
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	s.enqueue(req{kind: reqArchive, archive: r})
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertEvent, _ := s.db.Prepare(`INSERT OR REPLACE INTO events(room,seq,ts,kind,client,world,raw_json) VALUES(?,?,?,?,?,?,?)`)
	upsertRoom, _ := s.db.Prepare(`INSERT OR REPLACE INTO rooms(name,file_hash,last_saved_ms,autodelete_after_ms,updated_at) VALUES(?,?,?,?,?)`)
	clearQueue, _ := s.db.Prepare(`DELETE FROM queue_items WHERE room=?`)
	insertItem, _ := s.db.Prepare(`INSERT OR REPLACE INTO queue_items(room,world,pos,source,key,kind) VALUES(?,?,?,?,?,?)`)
	clearPlayers, _ := s.db.Prepare(`DELETE FROM players WHERE room=?`)
	insertPlayer, _ := s.db.Prepare(`INSERT OR REPLACE INTO players(room,world,name) VALUES(?,?,?)`)
	deleteRoom, _ := s.db.Prepare(`DELETE FROM rooms WHERE name=?`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(room,seq,path,saved_at_ms,file_hash,items,players) VALUES(?,?,?,?,?,?,?)`)
	insertArchive, _ := s.db.Prepare(`INSERT OR REPLACE INTO archives(room,seq,path,reason,recorded_at) VALUES(?,?,?,?,?)`)
	stmts := []*sql.Stmt{insertEvent, upsertRoom, clearQueue, insertItem, clearPlayers, insertPlayer, deleteRoom, insertSnapshot, insertArchive}
	defer func() {
		for _, st := range stmts {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil || tx == nil {
			return false
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqEvent:
			ev := r.event
			raw, _ := json.Marshal(ev)
			exec(insertEvent, ev.Room, int64(ev.Seq), ev.Time.UTC().Format(time.RFC3339Nano), ev.Kind, ev.Client, int(ev.World), string(raw))

		case reqSaveRoom:
			rec := r.room
			if !exec(upsertRoom, rec.Name, rec.FileHash, unixMilli(rec.LastSaved), rec.AutodeleteAfter.Milliseconds(), time.Now().UTC().Format(time.RFC3339Nano)) {
				continue
			}
			if !exec(clearQueue, rec.Name) || !exec(clearPlayers, rec.Name) {
				continue
			}
			ok := true
			for i, it := range rec.BaseQueue {
				if ok = exec(insertItem, rec.Name, 0, i, int(it.Source), int64(it.Key), int(it.Kind)); !ok {
					break
				}
			}
			for w, q := range rec.PlayerQueues {
				for i, it := range q {
					if !ok {
						break
					}
					ok = exec(insertItem, rec.Name, int(w), i, int(it.Source), int64(it.Key), int(it.Kind))
				}
			}
			for w, name := range rec.Names {
				if !ok {
					break
				}
				ok = exec(insertPlayer, rec.Name, int(w), name)
			}

		case reqDeleteRoom:
			_ = exec(clearQueue, r.name) && exec(clearPlayers, r.name) && exec(deleteRoom, r.name)

		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, sn.Room, int64(sn.Seq), sn.Path, sn.SavedAt, sn.FileHash, sn.Items, sn.Players)

		case reqArchive:
			ar := r.archive
			exec(insertArchive, ar.Room, int64(ar.Seq), ar.Path, ar.Reason, ar.RecordedAt)
		}
		flushIfNeeded()
	}

	commit()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

var (
	_ relay.EventSink = (*SQLiteIndex)(nil)
	_ relay.Store     = (*SQLiteIndex)(nil)
)
