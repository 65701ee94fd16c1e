package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	persistlog "ootmw.dev/internal/persistence/log"
	"ootmw.dev/internal/persistence/snapshot"
	"ootmw.dev/internal/relay"
)

func main() {
	var (
		dataDir   = flag.String("data", "./data", "runtime data directory")
		room      = flag.String("room", "default", "room name")
		snapPath  = flag.String("snapshot", "", "starting snapshot (optional; empty starts from an empty room)")
		eventsDir = flag.String("events", "", "journal dir containing events-*.jsonl.zst (defaults to the room's)")
		verify    = flag.String("verify", "", "snapshot to compare the rebuilt state against; replay stops at its seq")
		toSeq     = flag.Uint64("to_seq", 0, "stop after this seq (inclusive, optional)")
		outPath   = flag.String("out", "", "write the rebuilt snapshot here (optional)")
	)
	flag.Parse()

	roomDir := filepath.Join(*dataDir, "rooms", *room)
	start := snapshot.RoomSnapshotV1{Header: snapshot.Header{Version: snapshot.Version, Room: *room}}
	if p := strings.TrimSpace(*snapPath); p != "" {
		snap, err := snapshot.ReadSnapshot(p)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		start = snap
	}
	fmt.Printf("start room=%s seq=%d items=%d players=%d\n", start.Header.Room, start.Header.Seq, start.ItemCount(), len(start.Players))

	var want *snapshot.RoomSnapshotV1
	if p := strings.TrimSpace(*verify); p != "" {
		snap, err := snapshot.ReadSnapshot(p)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read verify snapshot:", err)
			os.Exit(1)
		}
		if snap.Header.Seq < start.Header.Seq {
			fmt.Fprintf(os.Stderr, "verify snapshot seq=%d is before the start seq=%d\n", snap.Header.Seq, start.Header.Seq)
			os.Exit(2)
		}
		want = &snap
		if *toSeq == 0 || *toSeq > snap.Header.Seq {
			*toSeq = snap.Header.Seq
		}
	}

	rp, err := relay.NewReplayer(start)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replayer:", err)
		os.Exit(1)
	}

	dir := strings.TrimSpace(*eventsDir)
	if dir == "" {
		dir = persistlog.JournalDir(roomDir)
	}
	files, err := persistlog.Files(dir, "events")
	if err != nil {
		fmt.Fprintln(os.Stderr, "list events:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no events files found in", dir)
		os.Exit(1)
	}
	if err := replayFiles(rp, files, *toSeq); err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}

	st := rp.Stats()
	got := rp.Snapshot()
	fmt.Printf("replayed seq %d..%d applied=%d skipped=%d ignored=%d gaps=%d items=%d\n",
		st.From, st.To, st.Applied, st.Skipped, st.Ignored, st.Gaps, got.ItemCount())

	if p := strings.TrimSpace(*outPath); p != "" {
		if err := snapshot.WriteSnapshot(p, got); err != nil {
			fmt.Fprintln(os.Stderr, "write snapshot:", err)
			os.Exit(1)
		}
		fmt.Println("wrote", p)
	}

	if want == nil {
		return
	}
	if rp.Seq() != want.Header.Seq {
		fmt.Fprintf(os.Stderr, "journal ends at seq=%d, verify snapshot is at seq=%d\n", rp.Seq(), want.Header.Seq)
		os.Exit(1)
	}
	if diffs := snapshot.Diff(got, *want); len(diffs) > 0 {
		for _, d := range diffs {
			fmt.Println("mismatch:", d)
		}
		os.Exit(1)
	}
	fmt.Printf("replay ok: state matches snapshot seq=%d\n", want.Header.Seq)
}

// replayFiles applies journal events in file order up to toSeq (0 = all).
func replayFiles(rp *relay.Replayer, files []string, toSeq uint64) error {
	for _, path := range files {
		var applyErr error
		done := false
		err := persistlog.ReadEvents(path, func(ev relay.Event) bool {
			if toSeq != 0 && ev.Seq > toSeq {
				done = true
				return false
			}
			if err := rp.Apply(ev); err != nil {
				applyErr = fmt.Errorf("%s: %w", filepath.Base(path), err)
				return false
			}
			return true
		})
		if applyErr != nil {
			return applyErr
		}
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}
