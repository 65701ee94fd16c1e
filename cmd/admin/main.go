package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	persistlog "ootmw.dev/internal/persistence/log"
	"ootmw.dev/internal/persistence/snapshot"
	"ootmw.dev/internal/protocol"
	"ootmw.dev/internal/relay"
)

const usage = `usage: admin <command> [flags]

commands:
  rooms        list indexed rooms (sqlite)
  queue        print a room's queue for one world (sqlite)
  events       print indexed events (sqlite)
  snapshots    list recorded snapshots (sqlite)
  state        GET /admin/v1/state
  snapshot     POST /admin/v1/snapshot
  progressive  POST /admin/v1/rooms/{room}/progressive
  journal      dump a room's zstd JSONL event journal
  inspect      print a snapshot file
  watch        stream a room's tracker feed`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "rooms":
		roomsCmd(args)
	case "queue":
		queueCmd(args)
	case "events":
		eventsCmd(args)
	case "snapshots":
		snapshotsCmd(args)
	case "state":
		stateCmd(args)
	case "snapshot":
		snapshotCmd(args)
	case "progressive":
		progressiveCmd(args)
	case "journal":
		journalCmd(args)
	case "inspect":
		inspectCmd(args)
	case "watch":
		watchCmd(args)
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", os.Args[1])
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

func journalCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	room := fs.String("room", "default", "room name")
	kind := fs.String("kind", "", "only events of this kind")
	world := fs.Uint("world", 0, "only events involving this world (source or target)")
	_ = fs.Parse(args)

	dir := persistlog.JournalDir(filepath.Join(*dataDir, "rooms", *room))
	files, err := persistlog.Files(dir, "events")
	if err != nil {
		fmt.Fprintln(os.Stderr, "read journal:", err)
		os.Exit(1)
	}
	n := 0
	for _, path := range files {
		err := persistlog.ReadEvents(path, func(ev relay.Event) bool {
			if !matchEvent(ev, strings.TrimSpace(*kind), uint8(*world)) {
				return true
			}
			printJSON(ev)
			n++
			return true
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
	}
	fmt.Fprintf(os.Stderr, "%d events from %d files\n", n, len(files))
}

func matchEvent(ev relay.Event, kind string, world uint8) bool {
	if kind != "" && ev.Kind != kind {
		return false
	}
	if world != 0 && ev.World != world && ev.Target != world {
		return false
	}
	return true
}

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	room := fs.String("room", "default", "room name (used when -snapshot is empty)")
	snapPath := fs.String("snapshot", "", "snapshot path (defaults to the room's latest)")
	full := fs.Bool("full", false, "print the whole snapshot instead of a summary")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		path = snapshot.Latest(filepath.Join(*dataDir, "rooms", *room, "snapshots"))
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "no snapshot found; provide -snapshot or run the relay until it writes one")
		os.Exit(2)
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	if *full {
		printJSON(snap)
		return
	}
	printJSON(summarize(path, snap))
}

type snapshotSummary struct {
	Path        string           `json:"path"`
	Room        string           `json:"room"`
	Seq         uint64           `json:"seq"`
	SavedAt     int64            `json:"saved_at_unix_ms"`
	FileHash    string           `json:"file_hash,omitempty"`
	Items       int              `json:"items"`
	BaseQueue   int              `json:"base_queue"`
	Queues      map[uint8]int    `json:"queues"`
	Players     map[uint8]string `json:"players"`
	Progressive map[uint8]uint32 `json:"progressive,omitempty"`
}

func summarize(path string, snap snapshot.RoomSnapshotV1) snapshotSummary {
	s := snapshotSummary{
		Path:      path,
		Room:      snap.Header.Room,
		Seq:       snap.Header.Seq,
		SavedAt:   snap.Header.SavedAt,
		Items:     snap.ItemCount(),
		BaseQueue: len(snap.BaseQueue),
		Queues:    map[uint8]int{},
		Players:   map[uint8]string{},
	}
	if len(snap.FileHash) > 0 {
		s.FileHash = fmt.Sprintf("%x", snap.FileHash)
	}
	for _, q := range snap.PlayerQueues {
		s.Queues[q.World] = len(q.Items)
	}
	for _, p := range snap.Players {
		s.Players[p.World] = protocol.DisplayName(p.World, protocol.Name(p.Name)).String()
	}
	if len(snap.Progressive) > 0 {
		s.Progressive = map[uint8]uint32{}
		for _, p := range snap.Progressive {
			s.Progressive[p.World] = p.State
		}
	}
	return s
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
