package store

import (
	"sort"
	"sync"

	"quiltmesh/pkg/ipam"
	"quiltmesh/pkg/model"
)

// MemoryStore is a process-local NodeStore, the Controller's default when
// no --db-path is configured for persistence beyond process lifetime.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]model.Node
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[string]model.Node)}
}

func (m *MemoryStore) Insert(n model.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.NodeID] = n
	return nil
}

func (m *MemoryStore) GetByHostIP(hostIP string) (model.Node, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.nodes {
		if n.HostIP == hostIP {
			return n, true, nil
		}
	}
	return model.Node{}, false, nil
}

func (m *MemoryStore) GetByID(nodeID string) (model.Node, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[nodeID]
	return n, ok, nil
}

func (m *MemoryStore) List() ([]model.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt < out[j].RegisteredAt })
	return out, nil
}

func (m *MemoryStore) Update(n model.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.NodeID] = n
	return nil
}

func (m *MemoryStore) Delete(nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, nodeID)
	return nil
}

func (m *MemoryStore) AllocatedIndices() ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int, 0, len(m.nodes))
	for _, n := range m.nodes {
		if idx, err := ipam.IndexOfSubnet(n.Subnet); err == nil {
			out = append(out, idx)
		}
	}
	return out, nil
}
