package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"quiltmesh/pkg/logx"
	"quiltmesh/pkg/runtime"
	"quiltmesh/pkg/runtimerpc"
	"quiltmesh/pkg/version"
)

func main() {
	// Best-effort .env loading; explicit flags take precedence.
	_ = godotenv.Load()

	defaultAddr := os.Getenv("RUNTIME_ADDR")
	if defaultAddr == "" {
		defaultAddr = runtimerpc.DefaultAddr
	}

	grpcAddr := flag.String("grpc-addr", defaultAddr, "RPC listen address, loopback-only in default deployments (env RUNTIME_ADDR)")
	logLevel := flag.String("log-level", "info", "log level: debug|info|warn|error")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("quiltmesh-runtime version=%s\n", version.Build)
		return
	}
	if err := logx.SetLevel(*logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "runtime: %v\n", err)
		os.Exit(2)
	}

	svc := runtime.NewService(runtime.NewKernelMutator())
	svc.ReconcileFromKernel()

	srv, err := runtimerpc.Listen(*grpcAddr, svc)
	if err != nil {
		log.Fatalf("runtime: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logx.Infof("runtime: listening on %s", srv.Addr())
		errCh <- srv.Serve()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("runtime: server error: %v", err)
	case <-sigCh:
		logx.Infof("runtime: shutdown signal received")
		_ = srv.Close()
	}
}
