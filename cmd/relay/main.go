package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"ootmw.dev/internal/persistence/indexdb"
	"ootmw.dev/internal/relay"
	"ootmw.dev/internal/transport/feed"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/relay.yaml", "relay config path")
		dataDir    = flag.String("data", "", "runtime data directory (overrides data_dir)")
		addr       = flag.String("addr", "", "http listen address (overrides http_addr)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite room index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[relay] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := relay.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if v := strings.TrimSpace(*dataDir); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(*addr); v != "" {
		cfg.HTTPAddr = v
	}

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(indexdb.DefaultPath(cfg.DataDir))
		if err != nil {
			logger.Fatalf("open index db: %v", err)
		}
		defer idx.Close()
	}

	var hub *feed.Hub
	if cfg.Feed.Enabled {
		hub = feed.NewHub(feed.Options{LoopbackOnly: cfg.Feed.LoopbackOnly, Queue: cfg.Feed.Queue, Logger: logger})
		defer hub.Close()
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt := &relayRuntime{cfg: cfg, log: logger, idx: idx, hub: hub, byName: map[string]*roomRuntime{}}
	for _, spec := range cfg.Rooms {
		rr, err := rt.openRoom(spec)
		if err != nil {
			logger.Fatalf("room %s: %v", spec.Name, err)
		}
		rt.add(rr)
	}
	defer rt.closeJournals()
	for _, rr := range rt.rooms {
		rt.start(ctx, rr)
	}

	mux := http.NewServeMux()
	rt.registerHandlers(mux, envBool("OOTMW_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()))
	if envBool("OOTMW_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("http listening on %s (%d rooms)", cfg.HTTPAddr, len(rt.rooms))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	cancel()
	rt.wait()
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

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
