//go:build !linux

package agent

import "quiltmesh/pkg/logx"

// stubOverlay is the non-Linux development stand-in: it logs calls and
// never touches kernel state. Not for production use.
type stubOverlay struct{}

// NewOverlay returns the development stub.
func NewOverlay() Overlay {
	logx.Warnf("agent: built without Linux netlink support; VXLAN/FDB operations are stubbed")
	return stubOverlay{}
}

func (stubOverlay) EnsureLink() error {
	logx.Infof("agent: STUB ensure link %s (vni=%d port=%d)", VXLANInterface, VXLANVNI, VXLANPort)
	return nil
}

func (stubOverlay) AddPeer(hostIP string) error {
	logx.Infof("agent: STUB add FDB entry for %s", hostIP)
	return nil
}

func (stubOverlay) RemovePeer(hostIP string) error {
	logx.Infof("agent: STUB remove FDB entry for %s", hostIP)
	return nil
}
