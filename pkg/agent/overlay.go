// Package agent implements the per-node overlay agent: it registers with
// the Controller, keeps the local VXLAN device plumbed, and runs the
// reconciliation loop that converges kernel FDB and route state onto the
// Controller's view of live peers.
package agent

// VXLAN device parameters shared by every node in the mesh. The device is
// created with learning disabled and no multicast group; peer reachability
// comes entirely from the catch-all FDB entries the reconciler installs.
const (
	VXLANInterface = "vxlan100"
	VXLANVNI       = 100
	VXLANPort      = 4789

	// BridgeInterface is attached as the VXLAN device's master when it
	// exists; its absence is logged and tolerated.
	BridgeInterface = "quilt0"
)

// Overlay is the seam between the reconciler and the kernel's VXLAN
// device, letting the loop be tested without privilege.
type Overlay interface {
	// EnsureLink creates the VXLAN device if absent and brings it up. An
	// existing device with matching VNI and port is kept; mismatching
	// parameters are an error the caller must treat as fatal.
	EnsureLink() error
	// AddPeer installs the all-zero-MAC FDB entry pointing at hostIP.
	// Adding an entry that already exists is success.
	AddPeer(hostIP string) error
	// RemovePeer deletes the FDB entry for hostIP. Removing a missing
	// entry is success.
	RemovePeer(hostIP string) error
}
