package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ootmw.dev/internal/coop"
	"ootmw.dev/internal/memory"
	"ootmw.dev/internal/memory/romimage"
	"ootmw.dev/internal/transport/tcp"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run owns the session lifetime so deferred cleanup happens before exit.
func run(args []string) int {
	fs := flag.NewFlagSet("headless", flag.ContinueOnError)
	var (
		mode       = fs.String("mode", "dial", "dial: connect to the helper; listen: accept helper sockets")
		addr       = fs.String("addr", "127.0.0.1:24818", "helper (dial) or listen address")
		romPath    = fs.String("rom", "", "ROM image (.z64/.n64/.v64, optionally in .zip/.7z/.rar/.gz/.zst)")
		ramPath    = fs.String("ram", "", "RDRAM image to load before the first frame")
		sramPath   = fs.String("sram", "", "SRAM image to load before the first frame")
		dumpPath   = fs.String("dump_ram", "", "write RDRAM here on exit")
		rate       = fs.Int("rate", coop.DefaultFrameRate, "frames per second")
		gapWarn    = fs.Int("gap_warn", coop.DefaultGapWarnThreshold, "warn after this many unresolved queue gaps")
		dialTO     = fs.Duration("handshake_timeout", 10*time.Second, "dial timeout in dial mode")
		statsEvery = fs.Duration("stats_every", 30*time.Second, "log session stats at this interval (0 disables)")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := log.New(os.Stdout, "[headless] ", log.LstdFlags|log.Lmicroseconds)

	mem, err := loadMemory(*romPath, *ramPath, *sramPath, logger)
	if err != nil {
		logger.Printf("memory: %v", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	tr, ready, err := openTransport(ctx, *mode, *addr, *dialTO, logger)
	if err != nil {
		logger.Printf("transport: %v", err)
		return 1
	}
	defer tr.Close()

	sess := coop.New(mem, tr, coop.Options{Logger: logger, GapWarnThreshold: *gapWarn})
	rep := newReporter(logger, *statsEvery)
	err = coop.Run(ctx, sess, coop.RunOptions{RateHz: *rate, Ready: ready, AfterFrame: rep.afterFrame})
	rep.final(sess)

	if p := strings.TrimSpace(*dumpPath); p != "" {
		if werr := os.WriteFile(p, mem.DumpRDRAM(), 0o644); werr != nil {
			logger.Printf("dump rdram: %v", werr)
		} else {
			logger.Printf("rdram written to %s", p)
		}
	}

	var fatal *coop.FatalError
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	case errors.As(err, &fatal):
		logger.Printf("session ended: %s (%s)", fatal.Msg, fatal.Detail)
	default:
		logger.Printf("session ended: %v", err)
	}
	return 1
}

func loadMemory(romPath, ramPath, sramPath string, logger *log.Logger) (*memory.Flat, error) {
	var rom []byte
	if p := strings.TrimSpace(romPath); p != "" {
		data, name, err := romimage.Load(p)
		if err != nil {
			return nil, err
		}
		logger.Printf("rom %s (%d bytes)", name, len(data))
		rom = data
	}
	mem := memory.NewFlat(rom)
	if p := strings.TrimSpace(ramPath); p != "" {
		img, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := mem.LoadRDRAM(img); err != nil {
			return nil, err
		}
	}
	if p := strings.TrimSpace(sramPath); p != "" {
		img, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := mem.LoadSRAM(img); err != nil {
			return nil, err
		}
	}
	return mem, nil
}

// openTransport returns the socket set and the frame gate. In listen mode
// frames are held until the helper has connected.
func openTransport(ctx context.Context, mode, addr string, dialTimeout time.Duration, logger *log.Logger) (*tcp.Set, func() bool, error) {
	switch mode {
	case "dial":
		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		set, err := tcp.Dial(dctx, addr, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Printf("connected to %s", addr)
		return set, nil, nil
	case "listen":
		set, err := tcp.Listen(addr, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Printf("waiting for the helper on %s", set.Addr())
		return set, func() bool { return set.Len() > 0 }, nil
	default:
		return nil, nil, errors.New("mode must be dial or listen")
	}
}

// reporter logs session state transitions and periodic stats.
type reporter struct {
	log   *log.Logger
	every time.Duration

	last     coop.State
	lastStat time.Time
	now      func() time.Time
}

func newReporter(logger *log.Logger, every time.Duration) *reporter {
	return &reporter{log: logger, every: every, now: time.Now, lastStat: time.Now()}
}

func (r *reporter) afterFrame(s *coop.Session) {
	if st := s.State(); st != r.last {
		if id, ok := s.PlayerID(); ok {
			r.log.Printf("state %s -> %s (world %d)", r.last, st, id)
		} else {
			r.log.Printf("state %s -> %s", r.last, st)
		}
		r.last = st
	}
	if r.every > 0 && r.now().Sub(r.lastStat) >= r.every {
		r.lastStat = r.now()
		r.logStats(s)
	}
}

func (r *reporter) final(s *coop.Session) {
	r.logStats(s)
}

func (r *reporter) logStats(s *coop.Session) {
	st := s.Stats()
	r.log.Printf("frames=%d in=%d sent=%d delivered=%d items_sent=%d loopback=%d queue=%d gaps=%d",
		st.Frames, st.MessagesIn, st.FramesSent, st.ItemsDelivered, st.ItemsSent, st.LoopbackSuppressed, st.QueueLen, st.GapCount)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
