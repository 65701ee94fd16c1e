package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"ootmw.dev/internal/persistence/indexdb"
)

// openIndex registers the shared -data/-db flags and returns a function that
// opens the index once the flag set has been parsed.
func openIndex(fs *flag.FlagSet) func() *indexdb.Reader {
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite index path (defaults to <data>/index/relay.sqlite)")
	return func() *indexdb.Reader {
		path := strings.TrimSpace(*dbPath)
		if path == "" {
			path = indexdb.DefaultPath(*dataDir)
		}
		if _, err := os.Stat(path); err != nil {
			fmt.Fprintln(os.Stderr, "index:", err)
			os.Exit(2)
		}
		r, err := indexdb.OpenReader(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "open:", err)
			os.Exit(1)
		}
		return r
	}
}

func roomsCmd(args []string) {
	fs := flag.NewFlagSet("rooms", flag.ExitOnError)
	open := openIndex(fs)
	_ = fs.Parse(args)

	r := open()
	defer r.Close()
	rows, err := r.Rooms()
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, row := range rows {
		printJSON(row)
	}
}

func queueCmd(args []string) {
	fs := flag.NewFlagSet("queue", flag.ExitOnError)
	open := openIndex(fs)
	room := fs.String("room", "default", "room name")
	world := fs.Uint("world", 0, "world id (0 prints the base queue)")
	_ = fs.Parse(args)
	if *world > 255 {
		fmt.Fprintln(os.Stderr, "world must be 0..255")
		os.Exit(2)
	}

	r := open()
	defer r.Close()
	rows, err := r.Queue(*room, uint8(*world))
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, row := range rows {
		printJSON(row)
	}
	fmt.Fprintf(os.Stderr, "%d items\n", len(rows))
}

func eventsCmd(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	open := openIndex(fs)
	room := fs.String("room", "default", "room name")
	kind := fs.String("kind", "", "only events of this kind")
	since := fs.Uint64("since", 0, "only events with seq greater than this")
	limit := fs.Int("limit", 100, "result limit")
	_ = fs.Parse(args)
	if *limit <= 0 {
		*limit = 100
	}

	r := open()
	defer r.Close()
	rows, err := r.Events(*room, strings.TrimSpace(*kind), *since, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	// Rows are already JSON.
	for _, raw := range rows {
		fmt.Println(raw)
	}
}

func snapshotsCmd(args []string) {
	fs := flag.NewFlagSet("snapshots", flag.ExitOnError)
	open := openIndex(fs)
	room := fs.String("room", "default", "room name")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)
	if *limit <= 0 {
		*limit = 20
	}

	r := open()
	defer r.Close()
	rows, err := r.Snapshots(strings.TrimSpace(*room), *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, row := range rows {
		printJSON(row)
	}
}
