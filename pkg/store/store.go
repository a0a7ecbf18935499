// Package store defines the Controller's persistence boundary and ships a
// handful of backends: an in-memory default, a sqlite-backed default for
// --db-path, and optional MySQL/Consul backends for operators who already
// run that infrastructure.
package store

import "quiltmesh/pkg/model"

// NodeStore is the persistence layer backing the Controller's node
// registry. Implementations need not be transactional across methods; the
// Controller serializes registration and heartbeat handling itself.
type NodeStore interface {
	// Insert persists a brand new node row.
	Insert(n model.Node) error
	// GetByHostIP returns the row with the given host_ip, if any.
	GetByHostIP(hostIP string) (model.Node, bool, error)
	// GetByID returns the row with the given node_id, if any.
	GetByID(nodeID string) (model.Node, bool, error)
	// List returns every row, ordered by registered_at ascending.
	List() ([]model.Node, error)
	// Update persists an updated copy of a row addressed by node_id (used
	// for heartbeats and status flips).
	Update(n model.Node) error
	// Delete removes a row entirely (used by Deregister, and by
	// re-registration of a down host before its new row is inserted).
	Delete(nodeID string) error
	// AllocatedIndices returns every /24 index currently held by a row in
	// the store, used to seed the subnet allocator at startup.
	AllocatedIndices() ([]int, error)
}

// NewMemory constructs the default in-memory NodeStore.
func NewMemory() NodeStore {
	return NewMemoryStore()
}
