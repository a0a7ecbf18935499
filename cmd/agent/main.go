package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"quiltmesh/pkg/agent"
	"quiltmesh/pkg/control"
	"quiltmesh/pkg/logx"
	"quiltmesh/pkg/runtimerpc"
	"quiltmesh/pkg/version"
)

func main() {
	// Best-effort .env loading; explicit flags take precedence.
	_ = godotenv.Load()

	defaultControlPlane := os.Getenv("CONTROL_PLANE_ADDR")
	if defaultControlPlane == "" {
		defaultControlPlane = "http://127.0.0.1:8080"
	}
	defaultHostIP := os.Getenv("HOST_IP")
	defaultRuntimeAddr := os.Getenv("RUNTIME_ADDR")
	if defaultRuntimeAddr == "" {
		defaultRuntimeAddr = runtimerpc.DefaultAddr
	}

	controlPlane := flag.String("control-plane", defaultControlPlane, "controller base URL (env CONTROL_PLANE_ADDR)")
	hostIP := flag.String("host-ip", defaultHostIP, "this node's tunnel endpoint address, required (env HOST_IP)")
	hostname := flag.String("hostname", "", "hostname reported at registration (defaults to system hostname)")
	runtimeAddr := flag.String("runtime-addr", defaultRuntimeAddr, "local runtime RPC address (env RUNTIME_ADDR)")
	peerSync := flag.Duration("peer-sync-interval", agent.DefaultPeerSyncInterval, "reconciliation loop period")
	heartbeat := flag.Duration("heartbeat-interval", agent.DefaultHeartbeatInterval, "heartbeat period")
	deregister := flag.Bool("deregister-on-shutdown", false, "deregister and tear down routes/FDB entries on clean shutdown")
	logLevel := flag.String("log-level", "info", "log level: debug|info|warn|error")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("quiltmesh-agent version=%s\n", version.Build)
		return
	}
	if err := logx.SetLevel(*logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(2)
	}
	if *controlPlane == "" {
		fmt.Fprintln(os.Stderr, "agent: --control-plane is required (or env CONTROL_PLANE_ADDR)")
		os.Exit(2)
	}
	if *hostIP == "" {
		fmt.Fprintln(os.Stderr, "agent: --host-ip is required (or env HOST_IP)")
		os.Exit(2)
	}
	if ip := net.ParseIP(*hostIP); ip == nil || ip.To4() == nil {
		fmt.Fprintf(os.Stderr, "agent: --host-ip %q is not a valid IPv4 address\n", *hostIP)
		os.Exit(2)
	}
	if *hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			log.Fatalf("agent: resolve hostname: %v", err)
		}
		*hostname = h
	}

	cfg := agent.Config{
		Hostname:             *hostname,
		HostIP:               *hostIP,
		CPUCores:             runtime.NumCPU(),
		RAMMB:                totalRAMMB(),
		PeerSyncInterval:     *peerSync,
		HeartbeatInterval:    *heartbeat,
		DeregisterOnShutdown: *deregister,
	}
	logx.Infof("agent: version=%s hostname=%s host_ip=%s cpu_cores=%d ram_mb=%d",
		version.Build, cfg.Hostname, cfg.HostIP, cfg.CPUCores, cfg.RAMMB)

	a := agent.New(cfg,
		control.New(*controlPlane),
		runtimerpc.NewClient(*runtimeAddr),
		agent.NewOverlay(),
	)

	if err := a.Start(); err != nil {
		log.Fatalf("agent: startup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logx.Infof("agent: running (peer-sync=%s heartbeat=%s)", *peerSync, *heartbeat)
	a.Run(ctx)
	logx.Infof("agent: shutdown complete")
}

// totalRAMMB reads MemTotal from /proc/meminfo. Best effort: reports 0 on
// platforms without it, and the Controller treats the hint as opaque.
func totalRAMMB() int64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb / 1024
	}
	return 0
}
