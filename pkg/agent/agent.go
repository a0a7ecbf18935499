package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quiltmesh/pkg/control"
	"quiltmesh/pkg/logx"
	"quiltmesh/pkg/model"
)

const (
	// DefaultPeerSyncInterval is the reconciliation loop period.
	DefaultPeerSyncInterval = 5 * time.Second
	// DefaultHeartbeatInterval is the heartbeat task period.
	DefaultHeartbeatInterval = 10 * time.Second
)

// ControlClient is the Agent's view of the Controller. *control.Client
// satisfies it; tests substitute fakes.
type ControlClient interface {
	Register(hostname, hostIP string, cpuCores int, ramMB int64) (nodeID, subnet string, err error)
	Heartbeat(nodeID string) error
	ListNodes() ([]model.Node, error)
	Deregister(nodeID string) error
}

// RuntimeClient is the Agent's view of the local Runtime's RPC surface.
// A (false, reason, nil) return is an in-band refusal; a non-nil error is
// a transport failure, retried next cycle.
type RuntimeClient interface {
	ConfigureNodeSubnet(subnet string) (bool, string, error)
	InjectRoute(destination, viaInterface string) (bool, string, error)
	RemoveRoute(destination string) (bool, string, error)
}

// Peer is one live remote node as tracked by the reconciler.
type Peer struct {
	NodeID string
	HostIP string
	Subnet string
}

// Config carries the Agent's identity and cadence settings.
type Config struct {
	Hostname string
	HostIP   string
	CPUCores int
	RAMMB    int64

	PeerSyncInterval  time.Duration
	HeartbeatInterval time.Duration

	// DeregisterOnShutdown makes the Agent deregister and tear down its
	// routes and FDB entries on clean shutdown. Off by default: the
	// intended failure mode is that a restarted Agent rebuilds from
	// Controller state while the overlay keeps working.
	DeregisterOnShutdown bool
}

// Agent reconciles the local kernel's overlay state against the
// Controller's view of live peers. All mutating entry points (SyncOnce,
// reRegister, Shutdown) serialize on mu, so cycle N's effects are committed
// before cycle N+1 begins even with the heartbeat task running alongside.
type Agent struct {
	cfg     Config
	control ControlClient
	runtime RuntimeClient
	overlay Overlay

	mu      sync.Mutex
	nodeID  string
	subnet  string
	current map[string]Peer
}

// New wires an Agent. Zero intervals fall back to the defaults.
func New(cfg Config, ctl ControlClient, rt RuntimeClient, ov Overlay) *Agent {
	if cfg.PeerSyncInterval <= 0 {
		cfg.PeerSyncInterval = DefaultPeerSyncInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Agent{
		cfg:     cfg,
		control: ctl,
		runtime: rt,
		overlay: ov,
		current: make(map[string]Peer),
	}
}

// Start runs the startup sequence: register with the Controller, bring up
// the VXLAN device, and hand the assigned subnet to the local Runtime. A
// VXLAN parameter mismatch is returned as-is and must be treated as fatal
// by the caller.
func (a *Agent) Start() error {
	nodeID, subnet, err := a.control.Register(a.cfg.Hostname, a.cfg.HostIP, a.cfg.CPUCores, a.cfg.RAMMB)
	if err != nil {
		return fmt.Errorf("register with controller: %w", err)
	}
	a.mu.Lock()
	a.nodeID = nodeID
	a.subnet = subnet
	a.mu.Unlock()
	logx.Infof("agent: registered as node_id=%s subnet=%s", nodeID, subnet)

	if err := a.overlay.EnsureLink(); err != nil {
		return fmt.Errorf("bring up %s: %w", VXLANInterface, err)
	}

	ok, errMsg, err := a.runtime.ConfigureNodeSubnet(subnet)
	if err != nil {
		return fmt.Errorf("configure runtime subnet: %w", err)
	}
	if !ok {
		return fmt.Errorf("runtime rejected subnet %s: %s", subnet, errMsg)
	}
	logx.Infof("agent: runtime configured for subnet %s", subnet)
	return nil
}

// Run drives the reconciliation loop and heartbeat task until ctx is
// cancelled, then performs the opt-in shutdown cleanup.
func (a *Agent) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx)
	}()

	ticker := time.NewTicker(a.cfg.PeerSyncInterval)
	defer ticker.Stop()

	// First cycle runs immediately so a fresh Agent converges without
	// waiting out a full interval.
	if err := a.SyncOnce(); err != nil {
		logx.Warnf("agent: peer sync failed: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			if a.cfg.DeregisterOnShutdown {
				a.Shutdown()
			}
			return
		case <-ticker.C:
			if err := a.SyncOnce(); err != nil {
				logx.Warnf("agent: peer sync failed: %v", err)
			}
		}
	}
}

// SyncOnce performs one reconciliation cycle: list, diff, mutate. Routes
// and FDB entries for the entire desired set are re-issued every cycle,
// so kernel state an operator removed by hand reconverges within one
// period.
func (a *Agent) SyncOnce() error {
	nodes, err := a.control.ListNodes()
	if err != nil {
		// Keep the overlay running on the last view.
		return fmt.Errorf("list nodes: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	desired := make(map[string]Peer)
	for _, n := range nodes {
		if n.NodeID == a.nodeID || n.Status != model.StatusUp {
			continue
		}
		desired[n.HostIP] = Peer{NodeID: n.NodeID, HostIP: n.HostIP, Subnet: n.Subnet}
	}

	for hostIP, p := range desired {
		if _, known := a.current[hostIP]; !known {
			logx.Infof("agent: new peer host_ip=%s subnet=%s", hostIP, p.Subnet)
		}
		if !a.installPeer(p) {
			// Leave current unchanged for this element; next cycle retries.
			continue
		}
		a.current[hostIP] = p
	}

	for hostIP, p := range a.current {
		if _, keep := desired[hostIP]; keep {
			continue
		}
		logx.Infof("agent: peer departed host_ip=%s subnet=%s", hostIP, p.Subnet)
		if !a.removePeer(p) {
			continue
		}
		delete(a.current, hostIP)
	}
	return nil
}

// installPeer issues the FDB entry and route for one peer. Both calls are
// idempotent at their respective layers, so this doubles as the per-cycle
// self-healing pass.
func (a *Agent) installPeer(p Peer) bool {
	if err := a.overlay.AddPeer(p.HostIP); err != nil {
		logx.Warnf("agent: add FDB entry for %s failed: %v", p.HostIP, err)
		return false
	}
	ok, errMsg, err := a.runtime.InjectRoute(p.Subnet, VXLANInterface)
	if err != nil {
		logx.Warnf("agent: inject route %s failed: %v", p.Subnet, err)
		return false
	}
	if !ok {
		logx.Warnf("agent: runtime refused route %s: %s", p.Subnet, errMsg)
		return false
	}
	return true
}

// removePeer tears one peer down. The route is removed before the FDB
// entry so there is no window where traffic is still encapsulated toward a
// peer that will not deliver it.
func (a *Agent) removePeer(p Peer) bool {
	ok, errMsg, err := a.runtime.RemoveRoute(p.Subnet)
	if err != nil {
		logx.Warnf("agent: remove route %s failed: %v", p.Subnet, err)
		return false
	}
	if !ok {
		logx.Warnf("agent: runtime refused route removal %s: %s", p.Subnet, errMsg)
		return false
	}
	if err := a.overlay.RemovePeer(p.HostIP); err != nil {
		logx.Warnf("agent: remove FDB entry for %s failed: %v", p.HostIP, err)
		return false
	}
	return true
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			nodeID := a.nodeID
			a.mu.Unlock()

			err := a.control.Heartbeat(nodeID)
			if err == nil {
				continue
			}
			if errors.Is(err, control.ErrUnknownNode) {
				logx.Warnf("agent: controller no longer knows node %s, re-registering", nodeID)
				if rerr := a.reRegister(); rerr != nil {
					logx.Warnf("agent: re-registration failed: %v", rerr)
				}
				continue
			}
			logx.Warnf("agent: heartbeat failed: %v", err)
		}
	}
}

// reRegister re-runs the startup sequence after the Controller forgot this
// node. A changed subnet assignment means every installed route belongs to
// the old identity: the Runtime is reconfigured and the peer set torn down
// so the next cycle rebuilds it against the new assignment.
func (a *Agent) reRegister() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	nodeID, subnet, err := a.control.Register(a.cfg.Hostname, a.cfg.HostIP, a.cfg.CPUCores, a.cfg.RAMMB)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	oldSubnet := a.subnet
	a.nodeID = nodeID
	a.subnet = subnet
	logx.Infof("agent: re-registered as node_id=%s subnet=%s", nodeID, subnet)

	if err := a.overlay.EnsureLink(); err != nil {
		return fmt.Errorf("bring up %s: %w", VXLANInterface, err)
	}

	if subnet == oldSubnet {
		return nil
	}

	ok, errMsg, err := a.runtime.ConfigureNodeSubnet(subnet)
	if err != nil {
		return fmt.Errorf("configure runtime subnet: %w", err)
	}
	if !ok {
		return fmt.Errorf("runtime rejected subnet %s: %s", subnet, errMsg)
	}

	for hostIP, p := range a.current {
		if a.removePeer(p) {
			delete(a.current, hostIP)
		}
	}
	return nil
}

// Shutdown deregisters from the Controller and removes every tracked route
// and FDB entry. Only invoked when DeregisterOnShutdown is set; failures
// are logged, not returned, since the process is exiting either way.
func (a *Agent) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()

	logx.Infof("agent: deregistering node %s", a.nodeID)
	if err := a.control.Deregister(a.nodeID); err != nil {
		logx.Warnf("agent: deregister failed (controller may be down): %v", err)
	}
	for hostIP, p := range a.current {
		if a.removePeer(p) {
			delete(a.current, hostIP)
		}
	}
}

// Peers snapshots the reconciler's current peer set, keyed by host IP.
func (a *Agent) Peers() map[string]Peer {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]Peer, len(a.current))
	for k, v := range a.current {
		out[k] = v
	}
	return out
}

// NodeID returns the Controller-assigned identity after Start.
func (a *Agent) NodeID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodeID
}

// Subnet returns the assigned /24 after Start.
func (a *Agent) Subnet() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.subnet
}
