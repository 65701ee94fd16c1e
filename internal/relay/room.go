// Package relay hosts multiworld rooms. Each room owns the item queues of
// one seed and serves any number of frontend connections; all room state is
// mutated by a single goroutine.
package relay

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"ootmw.dev/internal/persistence/snapshot"
	"ootmw.dev/internal/protocol"
)

var ErrRoomStopped = errors.New("relay: room stopped")

const defaultHousekeepEvery = time.Minute

type RoomOptions struct {
	Logger *log.Logger
	Sink   EventSink
	Store  Store

	// PendingPath is where parked items are kept; empty disables the file.
	PendingPath string

	// SnapshotSink receives periodic and requested snapshots.
	SnapshotSink  chan<- snapshot.RoomSnapshotV1
	SnapshotEvery time.Duration

	// Archive receives the final snapshot of a room before it is cleared.
	Archive func(snap snapshot.RoomSnapshotV1, reason string)

	AutodeleteAfter time.Duration
	HousekeepEvery  time.Duration
	ClientQueue     int
	Now             func() time.Time
}

type RoomMetrics struct {
	Clients        int64  `json:"clients"`
	Players        int64  `json:"players"`
	ItemsQueued    uint64 `json:"items_queued"`
	ItemsPending   int64  `json:"items_pending"`
	Events         uint64 `json:"events"`
	ClientErrors   uint64 `json:"client_errors"`
	Snapshots      uint64 `json:"snapshots"`
	SnapshotDrops  uint64 `json:"snapshot_drops"`
	RoomsCleared   uint64 `json:"rooms_cleared"`
	InboxDepth     int    `json:"inbox_depth"`
	LastEventSeq   uint64 `json:"last_event_seq"`
	LastSnapshotAt int64  `json:"last_snapshot_unix_ms"`
}

type joinReq struct {
	remote string
	resp   chan joinResp
}

type joinResp struct {
	id  int
	out <-chan []byte
}

type leaveReq struct {
	id     int
	reason string
}

type inboundMsg struct {
	id   int
	msgs []protocol.ClientMessage
}

type progressiveReq struct {
	world uint8
	state uint32
	resp  chan error
}

type Room struct {
	spec RoomSpec
	opts RoomOptions
	log  *log.Logger
	sink EventSink

	st  *roomState
	seq uint64

	join        chan joinReq
	leave       chan leaveReq
	inbox       chan inboundMsg
	statusReq   chan chan RoomStatus
	progressive chan progressiveReq
	snapReq     chan chan snapshot.RoomSnapshotV1

	nextClient int
	lastSnap   uint64

	clients      atomic.Int64
	players      atomic.Int64
	pendingN     atomic.Int64
	itemsQueued  atomic.Uint64
	events       atomic.Uint64
	clientErrors atomic.Uint64
	snapshots    atomic.Uint64
	snapDrops    atomic.Uint64
	cleared      atomic.Uint64
	lastSeq      atomic.Uint64
	lastSnapAt   atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewRoom(spec RoomSpec, opts RoomOptions) *Room {
	if opts.Logger == nil {
		opts.Logger = log.New(log.Writer(), "[relay] ", log.LstdFlags)
	}
	if opts.Sink == nil {
		opts.Sink = nopSink{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ClientQueue <= 0 {
		opts.ClientQueue = 256
	}
	if opts.HousekeepEvery <= 0 {
		opts.HousekeepEvery = defaultHousekeepEvery
	}
	if opts.AutodeleteAfter == 0 {
		opts.AutodeleteAfter = spec.AutodeleteAfter
	}
	r := &Room{
		spec:        spec,
		opts:        opts,
		log:         opts.Logger,
		sink:        opts.Sink,
		join:        make(chan joinReq, 16),
		leave:       make(chan leaveReq, 64),
		inbox:       make(chan inboundMsg, 1024),
		statusReq:   make(chan chan RoomStatus),
		progressive: make(chan progressiveReq),
		snapReq:     make(chan chan snapshot.RoomSnapshotV1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	r.st = newRoomState(spec.Name, opts.AutodeleteAfter, opts.Now, r.publish, opts.Logger)
	return r
}

func (r *Room) Name() string   { return r.spec.Name }
func (r *Room) Listen() string { return r.spec.Listen }

// ImportSnapshot restores durable state. Call it before Run.
func (r *Room) ImportSnapshot(snap snapshot.RoomSnapshotV1) error {
	if err := r.st.importSnapshot(snap); err != nil {
		return err
	}
	r.seq = snap.Header.Seq
	r.lastSnap = snap.Header.Seq
	r.lastSeq.Store(r.seq)
	r.st.dirty = false
	return nil
}

// LoadPending restores parked items from the pending file. Call it before Run.
func (r *Room) LoadPending() error {
	items, err := LoadPending(r.opts.PendingPath)
	if err != nil {
		return err
	}
	r.st.pending = items
	r.pendingN.Store(int64(len(items)))
	return nil
}

func (r *Room) publish(ev Event) {
	r.seq++
	ev.Seq = r.seq
	ev.Room = r.spec.Name
	if ev.Time.IsZero() {
		ev.Time = r.opts.Now().UTC()
	}
	r.lastSeq.Store(r.seq)
	r.events.Add(1)
	switch ev.Kind {
	case EventItemQueued:
		r.itemsQueued.Add(1)
	case EventClientError, EventWorldTaken:
		r.clientErrors.Add(1)
	case EventRoomCleared:
		r.cleared.Add(1)
	}
	r.sink.Publish(ev)
}

func (r *Room) Run(ctx context.Context) error {
	defer close(r.done)
	housekeep := time.NewTicker(r.opts.HousekeepEvery)
	defer housekeep.Stop()

	var snapC <-chan time.Time
	if r.opts.SnapshotEvery > 0 && r.opts.SnapshotSink != nil {
		t := time.NewTicker(r.opts.SnapshotEvery)
		defer t.Stop()
		snapC = t.C
	}
	defer r.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return nil
		case req := <-r.join:
			r.handleJoin(req)
		case req := <-r.leave:
			r.st.removeClient(req.id, req.reason)
		case in := <-r.inbox:
			for _, m := range in.msgs {
				r.st.handle(in.id, m)
			}
		case resp := <-r.statusReq:
			resp <- r.status()
		case req := <-r.progressive:
			req.resp <- r.st.setProgressive(req.world, req.state)
		case resp := <-r.snapReq:
			resp <- r.exportSnapshot()
		case <-snapC:
			if r.seq != r.lastSnap {
				r.pushSnapshot(r.exportSnapshot())
			}
		case <-housekeep.C:
			r.housekeep()
		}
		r.afterOp()
	}
}

// Stop ends Run and disconnects every client.
func (r *Room) Stop() { r.stopOnce.Do(func() { close(r.stop) }) }

// Done is closed once Run has returned.
func (r *Room) Done() <-chan struct{} { return r.done }

func (r *Room) shutdown() {
	for _, id := range r.st.clientIDs() {
		r.st.removeClient(id, "relay shutting down")
	}
	r.afterOp()
	if r.opts.SnapshotSink != nil && r.seq != r.lastSnap {
		r.pushSnapshot(r.exportSnapshot())
	}
}

func (r *Room) handleJoin(req joinReq) {
	r.nextClient++
	id := r.nextClient
	out := make(chan []byte, r.opts.ClientQueue)
	r.st.addClient(id, req.remote, out)
	req.resp <- joinResp{id: id, out: out}
}

func (r *Room) afterOp() {
	r.st.flushDrops()
	if r.st.dirty {
		r.st.dirty = false
		if r.opts.Store != nil {
			r.opts.Store.SaveRoom(r.st.record())
		}
	}
	if r.st.pendingDirty {
		r.st.pendingDirty = false
		if err := SavePending(r.opts.PendingPath, r.st.pending); err != nil {
			r.log.Printf("room %s: save pending: %v", r.spec.Name, err)
		}
	}
	var players int64
	for _, c := range r.st.clients {
		if c.loaded {
			players++
		}
	}
	r.clients.Store(int64(len(r.st.clients)))
	r.players.Store(players)
	r.pendingN.Store(int64(len(r.st.pending)))
}

func (r *Room) housekeep() {
	now := r.opts.Now()
	if !r.st.autodeleteDue(now) {
		return
	}
	r.log.Printf("room %s: idle since %s; clearing", r.spec.Name, r.st.lastSaved.UTC().Format(time.RFC3339))
	if r.opts.Archive != nil {
		r.opts.Archive(r.exportSnapshot(), "autodelete")
	}
	r.st.clear("autodelete")
	r.st.dirty = false
	if r.opts.Store != nil {
		r.opts.Store.DeleteRoom(r.spec.Name)
	}
	// The cleared state supersedes the archived one on disk.
	if r.opts.SnapshotSink != nil {
		r.pushSnapshot(r.exportSnapshot())
	}
}

func (r *Room) exportSnapshot() snapshot.RoomSnapshotV1 {
	r.lastSnap = r.seq
	return r.st.exportSnapshot(r.seq)
}

func (r *Room) pushSnapshot(snap snapshot.RoomSnapshotV1) {
	select {
	case r.opts.SnapshotSink <- snap:
		r.snapshots.Add(1)
		r.lastSnapAt.Store(snap.Header.SavedAt)
	default:
		r.snapDrops.Add(1)
		r.log.Printf("room %s: snapshot sink full; dropped seq=%d", r.spec.Name, snap.Header.Seq)
	}
}

func (r *Room) status() RoomStatus {
	st := r.st.status()
	st.Listen = r.spec.Listen
	st.Seq = r.seq
	return st
}

// Join registers a new connection and returns its id and send channel. The
// channel is closed when the room drops the client.
func (r *Room) Join(ctx context.Context, remote string) (int, <-chan []byte, error) {
	resp := make(chan joinResp, 1)
	select {
	case r.join <- joinReq{remote: remote, resp: resp}:
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-r.done:
		return 0, nil, ErrRoomStopped
	}
	select {
	case jr := <-resp:
		return jr.id, jr.out, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-r.done:
		return 0, nil, ErrRoomStopped
	}
}

func (r *Room) Leave(id int, reason string) {
	select {
	case r.leave <- leaveReq{id: id, reason: reason}:
	case <-r.done:
	}
}

// Deliver hands decoded frontend messages to the room in order.
func (r *Room) Deliver(ctx context.Context, id int, msgs []protocol.ClientMessage) error {
	select {
	case r.inbox <- inboundMsg{id: id, msgs: msgs}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrRoomStopped
	}
}

func (r *Room) Status(ctx context.Context) (RoomStatus, error) {
	resp := make(chan RoomStatus, 1)
	select {
	case r.statusReq <- resp:
	case <-ctx.Done():
		return RoomStatus{}, ctx.Err()
	case <-r.done:
		return RoomStatus{}, ErrRoomStopped
	}
	select {
	case st := <-resp:
		return st, nil
	case <-ctx.Done():
		return RoomStatus{}, ctx.Err()
	}
}

// SetProgressive updates a world's progressive item state and broadcasts it.
func (r *Room) SetProgressive(ctx context.Context, world uint8, state uint32) error {
	resp := make(chan error, 1)
	select {
	case r.progressive <- progressiveReq{world: world, state: state, resp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrRoomStopped
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot exports the current durable state.
func (r *Room) Snapshot(ctx context.Context) (snapshot.RoomSnapshotV1, error) {
	resp := make(chan snapshot.RoomSnapshotV1, 1)
	select {
	case r.snapReq <- resp:
	case <-ctx.Done():
		return snapshot.RoomSnapshotV1{}, ctx.Err()
	case <-r.done:
		return snapshot.RoomSnapshotV1{}, ErrRoomStopped
	}
	select {
	case snap := <-resp:
		return snap, nil
	case <-ctx.Done():
		return snapshot.RoomSnapshotV1{}, ctx.Err()
	}
}

// RequestSnapshot exports a snapshot and hands it to the snapshot sink.
func (r *Room) RequestSnapshot(ctx context.Context) (uint64, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	if r.opts.SnapshotSink == nil {
		return snap.Header.Seq, errors.New("relay: no snapshot sink")
	}
	select {
	case r.opts.SnapshotSink <- snap:
		r.snapshots.Add(1)
		r.lastSnapAt.Store(snap.Header.SavedAt)
		return snap.Header.Seq, nil
	case <-ctx.Done():
		return snap.Header.Seq, ctx.Err()
	}
}

func (r *Room) Metrics() RoomMetrics {
	return RoomMetrics{
		Clients:        r.clients.Load(),
		Players:        r.players.Load(),
		ItemsQueued:    r.itemsQueued.Load(),
		ItemsPending:   r.pendingN.Load(),
		Events:         r.events.Load(),
		ClientErrors:   r.clientErrors.Load(),
		Snapshots:      r.snapshots.Load(),
		SnapshotDrops:  r.snapDrops.Load(),
		RoomsCleared:   r.cleared.Load(),
		InboxDepth:     len(r.inbox),
		LastEventSeq:   r.lastSeq.Load(),
		LastSnapshotAt: r.lastSnapAt.Load(),
	}
}
