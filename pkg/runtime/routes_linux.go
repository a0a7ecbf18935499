//go:build linux

package runtime

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/vishvananda/netlink"
)

// linuxMutator is the production KernelMutator: real rtnetlink calls.
type linuxMutator struct{}

// NewKernelMutator returns the Linux netlink-backed mutator.
func NewKernelMutator() KernelMutator { return linuxMutator{} }

func (linuxMutator) AddRoute(destination *net.IPNet, viaInterface string) error {
	link, err := netlink.LinkByName(viaInterface)
	if err != nil {
		return fmt.Errorf("interface %q not found: %w", viaInterface, err)
	}

	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       destination,
		Scope:     netlink.SCOPE_LINK,
	}
	if err := netlink.RouteAdd(route); err != nil {
		if errors.Is(err, syscall.EEXIST) {
			return ErrRouteExists
		}
		return fmt.Errorf("netlink route add: %w", err)
	}
	return nil
}

func (linuxMutator) DelRoute(destination *net.IPNet) error {
	route := &netlink.Route{Dst: destination}
	if err := netlink.RouteDel(route); err != nil {
		if errors.Is(err, syscall.ESRCH) || errors.Is(err, syscall.ENOENT) {
			return ErrRouteNotFound
		}
		return fmt.Errorf("netlink route del: %w", err)
	}
	return nil
}

func (linuxMutator) ReconcileFromKernel(scope *net.IPNet) (map[string]string, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("netlink route list: %w", err)
	}
	out := make(map[string]string)
	for _, r := range routes {
		if r.Dst == nil || !scope.Contains(r.Dst.IP) {
			continue
		}
		link, err := netlink.LinkByIndex(r.LinkIndex)
		if err != nil {
			continue
		}
		out[r.Dst.String()] = link.Attrs().Name
	}
	return out, nil
}
