//go:build !linux

package runtime

import (
	"net"

	"quiltmesh/pkg/logx"
)

// stubMutator is the non-Linux development stand-in: it logs calls and
// tracks nothing in the kernel, and must not be used in production.
type stubMutator struct{}

// NewKernelMutator returns the development stub. It does not touch any
// real kernel state.
func NewKernelMutator() KernelMutator {
	logx.Warnf("runtime: built without Linux netlink support; route mutations are stubbed")
	return stubMutator{}
}

func (stubMutator) AddRoute(destination *net.IPNet, viaInterface string) error {
	logx.Infof("runtime: STUB add route %s dev %s", destination, viaInterface)
	return nil
}

func (stubMutator) DelRoute(destination *net.IPNet) error {
	logx.Infof("runtime: STUB del route %s", destination)
	return nil
}

func (stubMutator) ReconcileFromKernel(scope *net.IPNet) (map[string]string, error) {
	return map[string]string{}, nil
}
