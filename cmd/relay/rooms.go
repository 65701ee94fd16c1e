package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"ootmw.dev/internal/persistence/archive"
	"ootmw.dev/internal/persistence/indexdb"
	persistlog "ootmw.dev/internal/persistence/log"
	"ootmw.dev/internal/persistence/snapshot"
	"ootmw.dev/internal/relay"
	"ootmw.dev/internal/transport/feed"
)

type relayRuntime struct {
	cfg relay.Config
	log *log.Logger
	idx *indexdb.SQLiteIndex
	hub *feed.Hub

	rooms  []*roomRuntime
	byName map[string]*roomRuntime
	wg     sync.WaitGroup
}

type roomRuntime struct {
	spec    relay.RoomSpec
	dir     string
	room    *relay.Room
	server  *relay.Server
	journal *persistlog.EventJournal
	snapCh  chan snapshot.RoomSnapshotV1

	snapWrites atomic.Uint64
}

func roomDir(dataDir, name string) string { return filepath.Join(dataDir, "rooms", name) }
func snapshotDir(dir string) string       { return filepath.Join(dir, "snapshots") }

// openRoom wires a room to its journal, index and feed, resumes it from the
// latest snapshot and pending file, and binds its frontend listener.
func (rt *relayRuntime) openRoom(spec relay.RoomSpec) (*roomRuntime, error) {
	dir := roomDir(rt.cfg.DataDir, spec.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	rr := &roomRuntime{
		spec:    spec,
		dir:     dir,
		journal: persistlog.NewEventJournal(dir, rt.log),
		snapCh:  make(chan snapshot.RoomSnapshotV1, 2),
	}

	sinks := relay.MultiSink{rr.journal}
	var store relay.Store
	if rt.idx != nil {
		sinks = append(sinks, rt.idx)
		store = rt.idx
	}
	if rt.hub != nil {
		sinks = append(sinks, rt.hub)
	}

	rr.room = relay.NewRoom(spec, relay.RoomOptions{
		Logger:          rt.log,
		Sink:            sinks,
		Store:           store,
		PendingPath:     relay.PendingPath(rt.cfg.DataDir, spec.Name),
		SnapshotSink:    rr.snapCh,
		SnapshotEvery:   rt.cfg.SnapshotEvery,
		Archive:         func(snap snapshot.RoomSnapshotV1, reason string) { rt.archive(rr, snap, reason) },
		AutodeleteAfter: spec.AutodeleteAfter,
		ClientQueue:     rt.cfg.ClientQueue,
	})

	if path := snapshot.Latest(snapshotDir(dir)); path != "" {
		snap, err := snapshot.ReadSnapshot(path)
		if err != nil {
			return nil, fmt.Errorf("read snapshot: %w", err)
		}
		if err := rr.room.ImportSnapshot(snap); err != nil {
			return nil, fmt.Errorf("import snapshot %s: %w", filepath.Base(path), err)
		}
		rt.log.Printf("room %s: resumed from snapshot=%s seq=%d items=%d", spec.Name, filepath.Base(path), snap.Header.Seq, snap.ItemCount())
	}
	if err := rr.room.LoadPending(); err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}

	srv, err := relay.Listen(rr.room, spec.Listen, rt.log)
	if err != nil {
		return nil, err
	}
	rr.server = srv
	return rr, nil
}

func (rt *relayRuntime) add(rr *roomRuntime) {
	rt.rooms = append(rt.rooms, rr)
	rt.byName[rr.spec.Name] = rr
	if rt.hub != nil {
		rt.hub.AddRoom(rr.spec.Name, rr.room)
	}
}

func (rt *relayRuntime) start(ctx context.Context, rr *roomRuntime) {
	rt.wg.Add(3)
	go func() {
		defer rt.wg.Done()
		if err := rr.room.Run(ctx); err != nil && err != context.Canceled {
			rt.log.Printf("room %s stopped: %v", rr.spec.Name, err)
		}
	}()
	go func() {
		defer rt.wg.Done()
		rt.log.Printf("room %s: frontends on %s", rr.spec.Name, rr.server.Addr())
		if err := rr.server.Serve(ctx); err != nil {
			rt.log.Printf("room %s: serve: %v", rr.spec.Name, err)
		}
	}()
	go func() {
		defer rt.wg.Done()
		rt.snapshotWriter(ctx, rr)
	}()
}

// snapshotWriter persists snapshots pushed by the room. On shutdown it drains
// whatever the room pushed last.
func (rt *relayRuntime) snapshotWriter(ctx context.Context, rr *roomRuntime) {
	for {
		select {
		case snap := <-rr.snapCh:
			rt.writeSnapshot(rr, snap)
		case <-ctx.Done():
			<-rr.room.Done()
			for {
				select {
				case snap := <-rr.snapCh:
					rt.writeSnapshot(rr, snap)
				default:
					return
				}
			}
		}
	}
}

func (rt *relayRuntime) writeSnapshot(rr *roomRuntime, snap snapshot.RoomSnapshotV1) (string, error) {
	path := filepath.Join(snapshotDir(rr.dir), snapshot.FileName(snap.Header.Seq))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		rt.log.Printf("room %s: snapshot write: %v", rr.spec.Name, err)
		return "", err
	}
	rr.snapWrites.Add(1)
	if rt.idx != nil {
		rt.idx.RecordSnapshot(path, snap)
	}
	if rt.cfg.SnapshotKeep > 0 {
		if _, err := snapshot.Prune(snapshotDir(rr.dir), rt.cfg.SnapshotKeep); err != nil {
			rt.log.Printf("room %s: snapshot prune: %v", rr.spec.Name, err)
		}
	}
	return path, nil
}

// archive runs on the room goroutine just before the room is cleared.
func (rt *relayRuntime) archive(rr *roomRuntime, snap snapshot.RoomSnapshotV1, reason string) {
	path, err := rt.writeSnapshot(rr, snap)
	if err != nil {
		return
	}
	archived, err := archive.ArchiveRoomSnapshot(rr.dir, path, snap, reason, time.Now())
	if err != nil {
		rt.log.Printf("room %s: archive snapshot: %v", rr.spec.Name, err)
		return
	}
	rt.log.Printf("room %s: archived seq=%d reason=%s to %s", rr.spec.Name, snap.Header.Seq, reason, archived)
	if rt.idx != nil {
		rt.idx.RecordArchive(rr.spec.Name, snap.Header.Seq, archived, reason)
	}
}

func (rt *relayRuntime) wait() { rt.wg.Wait() }

func (rt *relayRuntime) closeJournals() {
	for _, rr := range rt.rooms {
		_ = rr.journal.Close()
	}
}
