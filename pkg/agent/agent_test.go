package agent

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"quiltmesh/pkg/control"
	"quiltmesh/pkg/model"
)

type fakeControl struct {
	mu           sync.Mutex
	nodes        []model.Node
	registered   int
	nextNodeID   string
	nextSubnet   string
	hbErr        error
	listErr      error
	deregistered []string
}

func (f *fakeControl) Register(hostname, hostIP string, cpu int, ram int64) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered++
	return f.nextNodeID, f.nextSubnet, nil
}

func (f *fakeControl) Heartbeat(nodeID string) error { return f.hbErr }

func (f *fakeControl) ListNodes() ([]model.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]model.Node(nil), f.nodes...), nil
}

func (f *fakeControl) Deregister(nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, nodeID)
	return nil
}

// opLog records the interleaving of runtime and overlay calls so ordering
// constraints can be asserted.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) record(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, fmt.Sprintf(format, args...))
}

func (l *opLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

type fakeRuntime struct {
	log        *opLog
	mu         sync.Mutex
	configured string
	routes     map[string]string
	injectErr  error
	removeErr  error
	refuseAll  bool
}

func newFakeRuntime(log *opLog) *fakeRuntime {
	return &fakeRuntime{log: log, routes: map[string]string{}}
}

func (f *fakeRuntime) ConfigureNodeSubnet(subnet string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configured = subnet
	f.log.record("configure %s", subnet)
	return true, "", nil
}

func (f *fakeRuntime) InjectRoute(destination, viaInterface string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.injectErr != nil {
		return false, "", f.injectErr
	}
	if f.refuseAll {
		return false, "refused", nil
	}
	f.routes[destination] = viaInterface
	f.log.record("inject %s", destination)
	return true, "", nil
}

func (f *fakeRuntime) RemoveRoute(destination string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return false, "", f.removeErr
	}
	delete(f.routes, destination)
	f.log.record("remove-route %s", destination)
	return true, "", nil
}

type fakeOverlay struct {
	log    *opLog
	mu     sync.Mutex
	peers  map[string]bool
	ensure int
	addErr error
}

func newFakeOverlay(log *opLog) *fakeOverlay {
	return &fakeOverlay{log: log, peers: map[string]bool{}}
}

func (f *fakeOverlay) EnsureLink() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensure++
	return nil
}

func (f *fakeOverlay) AddPeer(hostIP string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.peers[hostIP] = true
	f.log.record("fdb-add %s", hostIP)
	return nil
}

func (f *fakeOverlay) RemovePeer(hostIP string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.peers, hostIP)
	f.log.record("fdb-del %s", hostIP)
	return nil
}

func upNode(id, hostIP, subnet string) model.Node {
	return model.Node{NodeID: id, HostIP: hostIP, Subnet: subnet, Status: model.StatusUp}
}

func newTestAgent(ctl *fakeControl) (*Agent, *fakeRuntime, *fakeOverlay, *opLog) {
	log := &opLog{}
	rt := newFakeRuntime(log)
	ov := newFakeOverlay(log)
	a := New(Config{Hostname: "n1", HostIP: "192.168.1.10"}, ctl, rt, ov)
	return a, rt, ov, log
}

func TestStartRegistersAndConfigures(t *testing.T) {
	ctl := &fakeControl{nextNodeID: "id-1", nextSubnet: "10.42.1.0/24"}
	a, rt, ov, _ := newTestAgent(ctl)

	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if a.NodeID() != "id-1" || a.Subnet() != "10.42.1.0/24" {
		t.Fatalf("unexpected identity: %s %s", a.NodeID(), a.Subnet())
	}
	if ov.ensure != 1 {
		t.Fatalf("expected one EnsureLink, got %d", ov.ensure)
	}
	if rt.configured != "10.42.1.0/24" {
		t.Fatalf("runtime not configured: %q", rt.configured)
	}
}

func TestSyncConvergesInOneCycle(t *testing.T) {
	ctl := &fakeControl{nextNodeID: "id-1", nextSubnet: "10.42.1.0/24"}
	ctl.nodes = []model.Node{
		upNode("id-1", "192.168.1.10", "10.42.1.0/24"), // self
		upNode("id-2", "192.168.1.11", "10.42.2.0/24"),
		{NodeID: "id-3", HostIP: "192.168.1.12", Subnet: "10.42.3.0/24", Status: model.StatusDown},
	}
	a, rt, ov, _ := newTestAgent(ctl)
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := a.SyncOnce(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	peers := a.Peers()
	if len(peers) != 1 {
		t.Fatalf("expected exactly one peer, got %v", peers)
	}
	if rt.routes["10.42.2.0/24"] != VXLANInterface {
		t.Fatalf("peer route not installed: %v", rt.routes)
	}
	if _, ok := rt.routes["10.42.3.0/24"]; ok {
		t.Fatalf("route to down node must not be installed")
	}
	if _, ok := rt.routes["10.42.1.0/24"]; ok {
		t.Fatalf("route to self must not be installed")
	}
	if !ov.peers["192.168.1.11"] {
		t.Fatalf("FDB entry for peer missing: %v", ov.peers)
	}
}

func TestSyncReissuesDesiredEveryCycle(t *testing.T) {
	ctl := &fakeControl{nextNodeID: "id-1", nextSubnet: "10.42.1.0/24"}
	ctl.nodes = []model.Node{upNode("id-2", "192.168.1.11", "10.42.2.0/24")}
	a, rt, _, _ := newTestAgent(ctl)
	_ = a.Start()
	_ = a.SyncOnce()

	// Simulate an operator deleting the route out from under the agent.
	rt.mu.Lock()
	delete(rt.routes, "10.42.2.0/24")
	rt.mu.Unlock()

	if err := a.SyncOnce(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if rt.routes["10.42.2.0/24"] != VXLANInterface {
		t.Fatalf("expected route re-issued on next cycle: %v", rt.routes)
	}
}

func TestRemoveRoutePrecedesFDBDeletion(t *testing.T) {
	ctl := &fakeControl{nextNodeID: "id-1", nextSubnet: "10.42.1.0/24"}
	ctl.nodes = []model.Node{upNode("id-2", "192.168.1.11", "10.42.2.0/24")}
	a, _, _, log := newTestAgent(ctl)
	_ = a.Start()
	_ = a.SyncOnce()

	ctl.mu.Lock()
	ctl.nodes = nil
	ctl.mu.Unlock()
	if err := a.SyncOnce(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	var routeAt, fdbAt int
	for i, op := range log.list() {
		switch op {
		case "remove-route 10.42.2.0/24":
			routeAt = i
		case "fdb-del 192.168.1.11":
			fdbAt = i
		}
	}
	if routeAt == 0 && fdbAt == 0 {
		t.Fatalf("teardown ops not recorded: %v", log.list())
	}
	if routeAt > fdbAt {
		t.Fatalf("RemoveRoute must precede FDB deletion: %v", log.list())
	}
	if len(a.Peers()) != 0 {
		t.Fatalf("peer should be dropped from current: %v", a.Peers())
	}
}

func TestTransportFailureLeavesCurrentUnchanged(t *testing.T) {
	ctl := &fakeControl{nextNodeID: "id-1", nextSubnet: "10.42.1.0/24"}
	ctl.nodes = []model.Node{upNode("id-2", "192.168.1.11", "10.42.2.0/24")}
	a, rt, _, _ := newTestAgent(ctl)
	_ = a.Start()

	rt.injectErr = errors.New("connection refused")
	if err := a.SyncOnce(); err != nil {
		t.Fatalf("sync itself should not fail on per-peer errors: %v", err)
	}
	if len(a.Peers()) != 0 {
		t.Fatalf("failed peer must not enter current: %v", a.Peers())
	}

	// Runtime comes back; the next cycle retries and converges.
	rt.injectErr = nil
	if err := a.SyncOnce(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(a.Peers()) != 1 {
		t.Fatalf("expected peer after retry: %v", a.Peers())
	}
}

func TestListFailureKeepsLastView(t *testing.T) {
	ctl := &fakeControl{nextNodeID: "id-1", nextSubnet: "10.42.1.0/24"}
	ctl.nodes = []model.Node{upNode("id-2", "192.168.1.11", "10.42.2.0/24")}
	a, rt, _, _ := newTestAgent(ctl)
	_ = a.Start()
	_ = a.SyncOnce()

	ctl.mu.Lock()
	ctl.listErr = errors.New("controller unreachable")
	ctl.mu.Unlock()

	if err := a.SyncOnce(); err == nil {
		t.Fatalf("expected list error surfaced")
	}
	if len(a.Peers()) != 1 || rt.routes["10.42.2.0/24"] != VXLANInterface {
		t.Fatalf("overlay must keep working on the last view")
	}
}

func TestReRegisterWithNewSubnetReplumbs(t *testing.T) {
	ctl := &fakeControl{nextNodeID: "id-1", nextSubnet: "10.42.1.0/24"}
	ctl.nodes = []model.Node{upNode("id-2", "192.168.1.11", "10.42.2.0/24")}
	a, rt, ov, _ := newTestAgent(ctl)
	_ = a.Start()
	_ = a.SyncOnce()

	// Controller lost its state and hands out a different assignment.
	ctl.mu.Lock()
	ctl.nextNodeID = "id-9"
	ctl.nextSubnet = "10.42.7.0/24"
	ctl.mu.Unlock()

	if err := a.reRegister(); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if a.NodeID() != "id-9" || a.Subnet() != "10.42.7.0/24" {
		t.Fatalf("identity not updated: %s %s", a.NodeID(), a.Subnet())
	}
	if rt.configured != "10.42.7.0/24" {
		t.Fatalf("runtime not reconfigured: %q", rt.configured)
	}
	if len(a.Peers()) != 0 {
		t.Fatalf("existing peers must be treated as removed: %v", a.Peers())
	}
	if _, ok := rt.routes["10.42.2.0/24"]; ok {
		t.Fatalf("stale peer route must be removed: %v", rt.routes)
	}
	if ov.peers["192.168.1.11"] {
		t.Fatalf("stale FDB entry must be removed: %v", ov.peers)
	}
	if ov.ensure != 2 {
		t.Fatalf("expected EnsureLink re-run on re-registration, got %d", ov.ensure)
	}
}

func TestReRegisterSameSubnetKeepsRoutes(t *testing.T) {
	ctl := &fakeControl{nextNodeID: "id-1", nextSubnet: "10.42.1.0/24"}
	ctl.nodes = []model.Node{upNode("id-2", "192.168.1.11", "10.42.2.0/24")}
	a, rt, _, _ := newTestAgent(ctl)
	_ = a.Start()
	_ = a.SyncOnce()

	ctl.mu.Lock()
	ctl.nextNodeID = "id-9"
	ctl.mu.Unlock()

	if err := a.reRegister(); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if a.NodeID() != "id-9" {
		t.Fatalf("node id not updated")
	}
	if rt.routes["10.42.2.0/24"] != VXLANInterface {
		t.Fatalf("same-subnet re-registration must not drop routes")
	}
}

func TestShutdownDeregistersAndCleansUp(t *testing.T) {
	ctl := &fakeControl{nextNodeID: "id-1", nextSubnet: "10.42.1.0/24"}
	ctl.nodes = []model.Node{upNode("id-2", "192.168.1.11", "10.42.2.0/24")}
	a, rt, ov, _ := newTestAgent(ctl)
	_ = a.Start()
	_ = a.SyncOnce()

	a.Shutdown()

	if len(ctl.deregistered) != 1 || ctl.deregistered[0] != "id-1" {
		t.Fatalf("expected deregistration of id-1: %v", ctl.deregistered)
	}
	if len(rt.routes) != 0 || len(ov.peers) != 0 {
		t.Fatalf("expected routes and FDB entries removed: %v %v", rt.routes, ov.peers)
	}
}

var _ ControlClient = (*control.Client)(nil)
