package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"ootmw.dev/internal/persistence/indexdb"
	"ootmw.dev/internal/persistence/snapshot"
	"ootmw.dev/internal/relay"
	"ootmw.dev/internal/transport/feed"
)

func newTestRuntime(t *testing.T) (*relayRuntime, *httptest.Server) {
	t.Helper()
	cfg, err := relay.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.DataDir = t.TempDir()
	cfg.Rooms = []relay.RoomSpec{{Name: "default", Listen: "127.0.0.1:0"}}

	idx, err := indexdb.OpenSQLite(indexdb.DefaultPath(cfg.DataDir))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	logger := log.New(io.Discard, "", 0)
	hub := feed.NewHub(feed.Options{LoopbackOnly: true, Logger: logger})
	rt := &relayRuntime{cfg: cfg, log: logger, idx: idx, hub: hub, byName: map[string]*roomRuntime{}}
	for _, spec := range cfg.Rooms {
		rr, err := rt.openRoom(spec)
		if err != nil {
			t.Fatalf("openRoom: %v", err)
		}
		rt.add(rr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	for _, rr := range rt.rooms {
		rt.start(ctx, rr)
	}
	mux := http.NewServeMux()
	rt.registerHandlers(mux, true)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		rt.wait()
		hub.Close()
		rt.closeJournals()
		_ = idx.Close()
	})
	return rt, srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func post(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestHandlers_HealthAndMetrics(t *testing.T) {
	_, srv := newTestRuntime(t)

	if code, body := get(t, srv.URL+"/healthz"); code != 200 || body != "ok" {
		t.Fatalf("healthz=%d %q", code, body)
	}
	code, body := get(t, srv.URL+"/metrics")
	if code != 200 {
		t.Fatalf("metrics status=%d", code)
	}
	for _, want := range []string{
		"# TYPE ootmw_room_clients gauge",
		`ootmw_room_clients{room="default"} 0`,
		`ootmw_room_items_queued_total{room="default"} 0`,
		"ootmw_feed_subscribers 0",
		`ootmw_index_dropped_total{kind="event"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestHandlers_StateMatchesSchema(t *testing.T) {
	_, srv := newTestRuntime(t)

	code, body := get(t, srv.URL+"/admin/v1/state")
	if code != 200 {
		t.Fatalf("state=%d %s", code, body)
	}
	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	sch, err := jsonschema.Compile(filepath.Join("..", "..", "schemas", "admin", "state.schema.json"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := sch.Validate(doc); err != nil {
		t.Fatalf("validate: %v\n%s", err, body)
	}

	var resp stateResponse
	_ = json.Unmarshal([]byte(body), &resp)
	if len(resp.Rooms) != 1 || resp.Rooms[0].Name != "default" || !strings.HasPrefix(resp.Rooms[0].Listen, "127.0.0.1:") {
		t.Fatalf("rooms=%+v", resp.Rooms)
	}

	if code, _ := get(t, srv.URL+"/admin/v1/state?room=nope"); code != http.StatusNotFound {
		t.Fatalf("unknown room status=%d", code)
	}
}

func TestHandlers_ProgressiveValidation(t *testing.T) {
	_, srv := newTestRuntime(t)

	cases := []struct {
		path string
		want int
	}{
		{"/admin/v1/rooms/default/progressive?world=0&state=1", http.StatusBadRequest},
		{"/admin/v1/rooms/default/progressive?world=300&state=1", http.StatusBadRequest},
		{"/admin/v1/rooms/default/progressive?world=2&state=x", http.StatusBadRequest},
		{"/admin/v1/rooms/missing/progressive?world=2&state=1", http.StatusNotFound},
		{"/admin/v1/rooms/default/other", http.StatusNotFound},
		{"/admin/v1/rooms/default/progressive?world=2&state=0x10", http.StatusOK},
	}
	for _, tc := range cases {
		if code, body := post(t, srv.URL+tc.path); code != tc.want {
			t.Fatalf("POST %s = %d (%s), want %d", tc.path, code, body, tc.want)
		}
	}
	if code, _ := get(t, srv.URL+"/admin/v1/rooms/default/progressive?world=2&state=1"); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET progressive status=%d", code)
	}
}

func TestHandlers_SnapshotWritesFile(t *testing.T) {
	rt, srv := newTestRuntime(t)

	if code, _ := get(t, srv.URL+"/admin/v1/snapshot"); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET snapshot status=%d", code)
	}
	// Give the room some state so the snapshot is not empty.
	if code, body := post(t, srv.URL+"/admin/v1/rooms/default/progressive?world=3&state=9"); code != 200 {
		t.Fatalf("progressive=%d %s", code, body)
	}
	code, body := post(t, srv.URL+"/admin/v1/snapshot?room=default")
	if code != 200 {
		t.Fatalf("snapshot=%d %s", code, body)
	}
	var resp struct {
		OK  bool              `json:"ok"`
		Seq map[string]uint64 `json:"seq"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil || !resp.OK {
		t.Fatalf("resp=%s err=%v", body, err)
	}

	dir := snapshotDir(rt.byName["default"].dir)
	deadline := time.Now().Add(5 * time.Second)
	for snapshot.Latest(dir) == "" {
		if time.Now().After(deadline) {
			t.Fatalf("no snapshot written to %s", dir)
		}
		time.Sleep(10 * time.Millisecond)
	}
	snap, err := snapshot.ReadSnapshot(snapshot.Latest(dir))
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if snap.Header.Room != "default" || snap.Header.Seq != resp.Seq["default"] || len(snap.Progressive) != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	if !isLoopbackRemote("127.0.0.1:80") || !isLoopbackRemote("[::1]:80") || isLoopbackRemote("192.168.1.2:80") {
		t.Fatalf("loopback detection mismatch")
	}
}
