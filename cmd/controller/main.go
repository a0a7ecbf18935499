package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"quiltmesh/pkg/api"
	"quiltmesh/pkg/controller"
	"quiltmesh/pkg/logx"
	"quiltmesh/pkg/store"
	"quiltmesh/pkg/version"
)

func main() {
	// Best-effort .env loading; explicit flags take precedence.
	_ = godotenv.Load()

	defaultListen := os.Getenv("LISTEN_ADDR")
	if defaultListen == "" {
		defaultListen = ":8080"
	}
	defaultDBPath := os.Getenv("DB_PATH")

	listen := flag.String("listen", defaultListen, "listen address (env LISTEN_ADDR)")
	dbPath := flag.String("db-path", defaultDBPath, "sqlite database path; empty keeps the registry in memory (env DB_PATH)")
	storeType := flag.String("store", "", "store backend: memory|sqlite|mysql|consul (default: sqlite when --db-path is set, else memory)")
	consulAddr := flag.String("consul-addr", "127.0.0.1:8500", "consul address (when --store=consul)")
	lockKey := flag.String("lock-key", "quiltmesh/locks/leader", "consul lock key for leader election (when --store=consul)")
	reaperInterval := flag.Duration("reaper-interval", controller.DefaultReaperInterval, "how often the heartbeat reaper sweeps")
	heartbeatTimeout := flag.Duration("heartbeat-timeout", controller.DefaultHeartbeatTimeout, "how long a node may go without a heartbeat before it is marked down")
	logLevel := flag.String("log-level", "info", "log level: debug|info|warn|error")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("quiltmesh-controller version=%s\n", version.Build)
		return
	}
	if err := logx.SetLevel(*logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "controller: %v\n", err)
		os.Exit(2)
	}
	if *storeType == "" {
		if *dbPath != "" {
			*storeType = "sqlite"
		} else {
			*storeType = "memory"
		}
	}

	var nodeStore store.NodeStore
	switch *storeType {
	case "memory":
		nodeStore = store.NewMemoryStore()
	case "sqlite":
		if *dbPath == "" {
			fmt.Fprintln(os.Stderr, "controller: --store=sqlite requires --db-path")
			os.Exit(2)
		}
		st, err := store.OpenSQLite(*dbPath)
		if err != nil {
			log.Fatalf("controller: open sqlite store: %v", err)
		}
		defer st.Close()
		nodeStore = st
	case "mysql":
		st, err := store.OpenMySQL()
		if err != nil {
			log.Fatalf("controller: open mysql store: %v", err)
		}
		nodeStore = st
	case "consul":
		st, err := store.OpenConsul(*consulAddr)
		if err != nil {
			log.Fatalf("controller: open consul store: %v", err)
		}
		nodeStore = st
	default:
		fmt.Fprintf(os.Stderr, "controller: unsupported store type: %s\n", *storeType)
		os.Exit(2)
	}

	svc, err := controller.New(nodeStore, *heartbeatTimeout)
	if err != nil {
		log.Fatalf("controller: init service: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// With a Consul-backed store, a Controller can run as an
	// active/standby pair; only the elected leader runs the reaper so a
	// standby never flips node status from a stale view.
	if lg, ok := nodeStore.(interface {
		LeaderGuard(context.Context, string, time.Duration, func(context.Context))
	}); ok {
		go lg.LeaderGuard(ctx, *lockKey, 15*time.Second, func(lctx context.Context) {
			logx.Infof("controller: leader lock %s acquired, starting reaper", *lockKey)
			controller.RunReaper(lctx, svc, *reaperInterval)
		})
	} else {
		go controller.RunReaper(ctx, svc, *reaperInterval)
	}

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, svc)

	srv := &http.Server{
		Addr:              *listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logx.Infof("controller: listening on %s (store=%s)", *listen, *storeType)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		log.Fatalf("controller: server error: %v", err)
	case <-ctx.Done():
		logx.Infof("controller: shutdown signal received")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			logx.Warnf("controller: shutdown: %v", err)
		}
	}
}
