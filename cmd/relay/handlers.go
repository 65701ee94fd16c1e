package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ootmw.dev/internal/relay"
)

type roomState struct {
	relay.RoomStatus
	Metrics relay.RoomMetrics `json:"metrics"`
}

type stateResponse struct {
	Rooms []roomState `json:"rooms"`
}

func (rt *relayRuntime) registerHandlers(mux *http.ServeMux, enableAdmin bool) {
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", rt.handleMetrics)

	if enableAdmin {
		mux.HandleFunc("/admin/v1/state", rt.handleState)
		mux.HandleFunc("/admin/v1/snapshot", rt.handleSnapshot)
		mux.HandleFunc("/admin/v1/rooms/", rt.handleRoomAdmin)
	} else {
		rt.log.Printf("admin endpoints disabled (OOTMW_ENABLE_ADMIN_HTTP=false)")
	}
	if rt.hub != nil {
		mux.HandleFunc("/v1/feed", rt.hub.Handler())
	}
}

func (rt *relayRuntime) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	// Minimal Prometheus exposition format.
	type gauge struct {
		name, help, kind string
		value            func(m relay.RoomMetrics) uint64
	}
	series := []gauge{
		{"ootmw_room_clients", "Connected frontends.", "gauge", func(m relay.RoomMetrics) uint64 { return uint64(m.Clients) }},
		{"ootmw_room_players", "Frontends with a loaded world.", "gauge", func(m relay.RoomMetrics) uint64 { return uint64(m.Players) }},
		{"ootmw_room_items_pending", "Items parked until their source world loads.", "gauge", func(m relay.RoomMetrics) uint64 { return uint64(m.ItemsPending) }},
		{"ootmw_room_inbox_depth", "Room inbox backlog.", "gauge", func(m relay.RoomMetrics) uint64 { return uint64(m.InboxDepth) }},
		{"ootmw_room_event_seq", "Last room event sequence number.", "gauge", func(m relay.RoomMetrics) uint64 { return m.LastEventSeq }},
		{"ootmw_room_items_queued_total", "Items queued since start.", "counter", func(m relay.RoomMetrics) uint64 { return m.ItemsQueued }},
		{"ootmw_room_events_total", "Room events published since start.", "counter", func(m relay.RoomMetrics) uint64 { return m.Events }},
		{"ootmw_room_client_errors_total", "Requests rejected with an error.", "counter", func(m relay.RoomMetrics) uint64 { return m.ClientErrors }},
		{"ootmw_room_snapshots_total", "Snapshots handed to the writer.", "counter", func(m relay.RoomMetrics) uint64 { return m.Snapshots }},
		{"ootmw_room_snapshot_drops_total", "Snapshots dropped because the writer was busy.", "counter", func(m relay.RoomMetrics) uint64 { return m.SnapshotDrops }},
		{"ootmw_room_cleared_total", "Times the room was cleared by autodelete.", "counter", func(m relay.RoomMetrics) uint64 { return m.RoomsCleared }},
	}
	metrics := make([]relay.RoomMetrics, len(rt.rooms))
	for i, rr := range rt.rooms {
		metrics[i] = rr.room.Metrics()
	}
	for _, g := range series {
		fmt.Fprintf(rw, "# HELP %s %s\n", g.name, g.help)
		fmt.Fprintf(rw, "# TYPE %s %s\n", g.name, g.kind)
		for i, rr := range rt.rooms {
			fmt.Fprintf(rw, "%s{room=%q} %d\n", g.name, rr.spec.Name, g.value(metrics[i]))
		}
	}

	fmt.Fprintf(rw, "# HELP ootmw_room_snapshot_writes_total Snapshot files written.\n")
	fmt.Fprintf(rw, "# TYPE ootmw_room_snapshot_writes_total counter\n")
	for _, rr := range rt.rooms {
		fmt.Fprintf(rw, "ootmw_room_snapshot_writes_total{room=%q} %d\n", rr.spec.Name, rr.snapWrites.Load())
	}

	fmt.Fprintf(rw, "# HELP ootmw_journal_errors_total Event journal write failures.\n")
	fmt.Fprintf(rw, "# TYPE ootmw_journal_errors_total counter\n")
	for _, rr := range rt.rooms {
		fmt.Fprintf(rw, "ootmw_journal_errors_total{room=%q} %d\n", rr.spec.Name, rr.journal.Errors())
	}

	if rt.hub != nil {
		fmt.Fprintf(rw, "# HELP ootmw_feed_subscribers Connected feed subscribers.\n")
		fmt.Fprintf(rw, "# TYPE ootmw_feed_subscribers gauge\n")
		fmt.Fprintf(rw, "ootmw_feed_subscribers %d\n", rt.hub.Subscribers())
		fmt.Fprintf(rw, "# HELP ootmw_feed_sent_total Feed messages queued to subscribers.\n")
		fmt.Fprintf(rw, "# TYPE ootmw_feed_sent_total counter\n")
		fmt.Fprintf(rw, "ootmw_feed_sent_total %d\n", rt.hub.Sent())
		fmt.Fprintf(rw, "# HELP ootmw_feed_dropped_total Feed subscribers dropped as slow.\n")
		fmt.Fprintf(rw, "# TYPE ootmw_feed_dropped_total counter\n")
		fmt.Fprintf(rw, "ootmw_feed_dropped_total %d\n", rt.hub.Drops())
	}

	if rt.idx != nil {
		st := rt.idx.Stats()
		fmt.Fprintf(rw, "# HELP ootmw_index_queue_depth SQLite index writer backlog.\n")
		fmt.Fprintf(rw, "# TYPE ootmw_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "ootmw_index_queue_depth %d\n", st.QueueDepth)
		fmt.Fprintf(rw, "# HELP ootmw_index_dropped_total SQLite index writes dropped.\n")
		fmt.Fprintf(rw, "# TYPE ootmw_index_dropped_total counter\n")
		fmt.Fprintf(rw, "ootmw_index_dropped_total{kind=%q} %d\n", "event", st.DropEventTotal)
		fmt.Fprintf(rw, "ootmw_index_dropped_total{kind=%q} %d\n", "room", st.DropRoomTotal)
		fmt.Fprintf(rw, "ootmw_index_dropped_total{kind=%q} %d\n", "snapshot", st.DropSnapshotTotal)
		fmt.Fprintf(rw, "ootmw_index_dropped_total{kind=%q} %d\n", "archive", st.DropArchiveTotal)
	}
}

func (rt *relayRuntime) handleState(rw http.ResponseWriter, r *http.Request) {
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	want := strings.TrimSpace(r.URL.Query().Get("room"))
	resp := stateResponse{Rooms: []roomState{}}
	for _, rr := range rt.rooms {
		if want != "" && rr.spec.Name != want {
			continue
		}
		st, err := rr.room.Status(ctx)
		if err != nil {
			writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "room": rr.spec.Name, "error": err.Error()})
			return
		}
		resp.Rooms = append(resp.Rooms, roomState{RoomStatus: st, Metrics: rr.room.Metrics()})
	}
	if want != "" && len(resp.Rooms) == 0 {
		writeJSON(rw, http.StatusNotFound, map[string]any{"ok": false, "error": "unknown room"})
		return
	}
	writeJSON(rw, http.StatusOK, resp)
}

// handleSnapshot requests a snapshot of one room (?room=) or of every room.
func (rt *relayRuntime) handleSnapshot(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	want := strings.TrimSpace(r.URL.Query().Get("room"))
	seqs := map[string]uint64{}
	for _, rr := range rt.rooms {
		if want != "" && rr.spec.Name != want {
			continue
		}
		seq, err := rr.room.RequestSnapshot(ctx)
		if err != nil {
			writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "room": rr.spec.Name, "seq": seq, "error": err.Error()})
			return
		}
		seqs[rr.spec.Name] = seq
	}
	if want != "" && len(seqs) == 0 {
		writeJSON(rw, http.StatusNotFound, map[string]any{"ok": false, "error": "unknown room"})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "seq": seqs})
}

// handleRoomAdmin serves POST /admin/v1/rooms/{room}/progressive?world=N&state=S.
func (rt *relayRuntime) handleRoomAdmin(rw http.ResponseWriter, r *http.Request) {
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/admin/v1/rooms/")
	name, action, _ := strings.Cut(rest, "/")
	rr := rt.byName[name]
	if rr == nil {
		writeJSON(rw, http.StatusNotFound, map[string]any{"ok": false, "error": "unknown room"})
		return
	}
	if action != "progressive" {
		http.NotFound(rw, r)
		return
	}
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	world, err := strconv.ParseUint(q.Get("world"), 10, 8)
	if err != nil || world == 0 {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "world must be 1..255"})
		return
	}
	state, err := strconv.ParseUint(q.Get("state"), 0, 32)
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "state must be a u32"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := rr.room.SetProgressive(ctx, uint8(world), uint32(state)); err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "room": name, "world": world, "state": state})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
