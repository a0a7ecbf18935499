// Package controller implements the Controller's business logic: the node
// registry, the subnet allocator, and the heartbeat reaper, held behind a
// read-preferring exclusive lock so HTTP handlers stay thin adapters.
package controller

import (
	"fmt"
	"sync"
	"time"

	"quiltmesh/pkg/apierr"
	"quiltmesh/pkg/ipam"
	"quiltmesh/pkg/logx"
	"quiltmesh/pkg/model"
	"quiltmesh/pkg/store"

	"github.com/google/uuid"
)

const (
	// DefaultReaperInterval is how often the heartbeat reaper sweeps for
	// stale nodes.
	DefaultReaperInterval = 10 * time.Second
	// DefaultHeartbeatTimeout is how long a node may go without a
	// heartbeat before the reaper marks it down.
	DefaultHeartbeatTimeout = 30 * time.Second
)

// nowFunc is overridable in tests.
var nowFunc = func() int64 { return time.Now().Unix() }

// Service is the single source of truth for cluster membership and the
// only allocator of /24s. All mutating operations run under mu, which is
// the single critical section the allocator's atomicity guarantee depends
// on.
type Service struct {
	mu               sync.RWMutex
	store            store.NodeStore
	alloc            *ipam.Allocator
	heartbeatTimeout int64
}

// New constructs a Service, seeding the allocator from whatever rows are
// already present in st (e.g. a restarted Controller reading its
// --db-path file).
func New(st store.NodeStore, heartbeatTimeout time.Duration) (*Service, error) {
	inUse, err := st.AllocatedIndices()
	if err != nil {
		return nil, fmt.Errorf("seed allocator: %w", err)
	}
	return &Service{
		store:            st,
		alloc:            ipam.Restore(inUse),
		heartbeatTimeout: int64(heartbeatTimeout.Seconds()),
	}, nil
}

// Register adds a host to the registry. A live row with a matching
// host_ip is returned unchanged (registration is idempotent on host_ip);
// a previously-down row's subnet is carried forward under a freshly
// generated node_id rather than released, so that peers holding routes to
// that subnet are not forced to drop and reacquire them the moment the
// host comes back. Only a host_ip never seen before gets a fresh
// allocation.
func (s *Service) Register(hostname, hostIP string, cpuCores int, ramMB int64) (model.Node, error) {
	if hostIP == "" {
		return model.Node{}, apierr.BadRequestf("host_ip is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowFunc()

	existing, ok, err := s.store.GetByHostIP(hostIP)
	if err != nil {
		return model.Node{}, apierr.Internalf("lookup by host_ip", err)
	}

	if ok && model.IsUp(existing.LastHeartbeat, now, s.heartbeatTimeout) && existing.Status == model.StatusUp {
		return existing, nil
	}

	var subnet string
	if ok {
		// Reclaim the previously-down host's subnet under a new node_id.
		subnet = existing.Subnet
		if idx, err := ipam.IndexOfSubnet(subnet); err == nil {
			s.alloc.Reserve(idx)
		}
		if err := s.store.Delete(existing.NodeID); err != nil {
			return model.Node{}, apierr.Internalf("delete stale row", err)
		}
	} else {
		idx, err := s.alloc.Allocate()
		if err != nil {
			return model.Node{}, apierr.ErrExhaustedSubnets
		}
		subnet = ipam.SubnetForIndex(idx)
	}

	n := model.Node{
		NodeID:        uuid.NewString(),
		Hostname:      hostname,
		HostIP:        hostIP,
		Subnet:        subnet,
		Status:        model.StatusUp,
		RegisteredAt:  now,
		LastHeartbeat: now,
		CPUCores:      cpuCores,
		RAMMB:         ramMB,
	}
	if err := s.store.Insert(n); err != nil {
		return model.Node{}, apierr.Internalf("insert node", err)
	}
	return n, nil
}

// Heartbeat refreshes a node's liveness and flips it back to up.
func (s *Service) Heartbeat(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok, err := s.store.GetByID(nodeID)
	if err != nil {
		return apierr.Internalf("lookup node", err)
	}
	if !ok {
		return apierr.ErrUnknownNode
	}
	n.LastHeartbeat = nowFunc()
	n.Status = model.StatusUp
	if err := s.store.Update(n); err != nil {
		return apierr.Internalf("update heartbeat", err)
	}
	return nil
}

// ListNodes returns every row ordered by registration time, computing
// status live against the configured heartbeat timeout rather than
// trusting whatever the reaper last wrote (the reaper is a liveness
// optimization, not the source of truth for any single read).
func (s *Service) ListNodes() ([]model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes, err := s.store.List()
	if err != nil {
		return nil, apierr.Internalf("list nodes", err)
	}
	now := nowFunc()
	for i := range nodes {
		if nodes[i].Status == model.StatusUp && !model.IsUp(nodes[i].LastHeartbeat, now, s.heartbeatTimeout) {
			nodes[i].Status = model.StatusDown
		}
	}
	return nodes, nil
}

// Deregister removes the node's row and returns its subnet to the
// allocator.
func (s *Service) Deregister(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok, err := s.store.GetByID(nodeID)
	if err != nil {
		return apierr.Internalf("lookup node", err)
	}
	if !ok {
		return apierr.ErrUnknownNode
	}
	if idx, err := ipam.IndexOfSubnet(n.Subnet); err == nil {
		s.alloc.Release(idx)
	}
	if err := s.store.Delete(nodeID); err != nil {
		return apierr.Internalf("delete node", err)
	}
	return nil
}

// ReapOnce marks every node whose heartbeat has aged past the configured
// timeout as down. It does not release subnets.
func (s *Service) ReapOnce() (reaped int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes, err := s.store.List()
	if err != nil {
		logx.Warnf("controller: reaper list failed: %v", err)
		return 0
	}
	now := nowFunc()
	for _, n := range nodes {
		if n.Status == model.StatusUp && !model.IsUp(n.LastHeartbeat, now, s.heartbeatTimeout) {
			n.Status = model.StatusDown
			if err := s.store.Update(n); err != nil {
				logx.Warnf("controller: reaper update %s failed: %v", n.NodeID, err)
				continue
			}
			reaped++
		}
	}
	return reaped
}
