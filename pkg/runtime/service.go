package runtime

import (
	"fmt"
	"net"
	"sync"

	"quiltmesh/pkg/logx"
)

// Service owns the Runtime's mutable state: the IPAM scope handed down by
// the Agent, the set of container IPs allocated within it, and the
// installed route set. It implements runtimerpc.Handler; every non-fatal
// kernel or validation failure is converted into a (false, reason) pair so
// the Agent's loop stays simple.
type Service struct {
	mu        sync.Mutex
	scope     *net.IPNet
	allocated map[string]struct{}

	routes *routeTable
	kernel KernelMutator
}

// NewService builds a Service over the given kernel mutator with no IPAM
// scope configured and an empty installed route set.
func NewService(kernel KernelMutator) *Service {
	return &Service{
		allocated: make(map[string]struct{}),
		routes:    newRouteTable(),
		kernel:    kernel,
	}
}

// ReconcileFromKernel seeds the installed route set from the kernel's
// routes within the umbrella /16. Called once at startup so a restarted
// Runtime reports routes it installed in a previous life; the Agent
// re-issues every cycle either way, so a failure here is logged and
// tolerated.
func (s *Service) ReconcileFromKernel() {
	existing, err := s.kernel.ReconcileFromKernel(umbrella)
	if err != nil {
		logx.Warnf("runtime: kernel reconciliation failed, starting with empty route set: %v", err)
		return
	}
	s.routes.replace(existing)
	if len(existing) > 0 {
		logx.Infof("runtime: recovered %d route(s) from kernel state", len(existing))
	}
}

// ConfigureNodeSubnet atomically replaces the IPAM scope and clears the
// allocated-IP set. Rejects anything that is not a /24 inside the umbrella.
func (s *Service) ConfigureNodeSubnet(subnet string) (bool, string) {
	n, err := validateSubnet(subnet)
	if err != nil {
		logx.Warnf("runtime: rejecting subnet %q: %v", subnet, err)
		return false, err.Error()
	}

	s.mu.Lock()
	s.scope = n
	s.allocated = make(map[string]struct{})
	s.mu.Unlock()

	logx.Infof("runtime: IPAM scope set to %s", n.String())
	return true, ""
}

// Scope returns the configured IPAM scope, or nil when unconfigured.
func (s *Service) Scope() *net.IPNet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// InjectRoute installs destination dev viaInterface with scope link.
// Add-existing is success; an existing route via a different interface is
// refused rather than replaced.
func (s *Service) InjectRoute(destination, viaInterface string) (bool, string) {
	dst, err := validateDestination(destination)
	if err != nil {
		return false, err.Error()
	}
	if viaInterface == "" {
		return false, "via_interface is required"
	}

	key := dst.String()
	if tracked, ok := s.routes.get(key); ok && tracked != viaInterface {
		return false, fmt.Sprintf("route exists via different interface (%s)", tracked)
	}

	switch err := s.kernel.AddRoute(dst, viaInterface); {
	case err == nil:
		logx.Infof("runtime: installed route %s dev %s", key, viaInterface)
	case err == ErrRouteExists:
		logx.Debugf("runtime: route %s already present, treating as success", key)
	case err == ErrRouteViaDifferentInterface:
		return false, err.Error()
	default:
		logx.Warnf("runtime: route add %s failed: %v", key, err)
		return false, err.Error()
	}

	s.routes.set(key, viaInterface)
	return true, ""
}

// RemoveRoute deletes the kernel route for the exact destination.
// Remove-missing is success.
func (s *Service) RemoveRoute(destination string) (bool, string) {
	dst, err := validateDestination(destination)
	if err != nil {
		return false, err.Error()
	}

	key := dst.String()
	switch err := s.kernel.DelRoute(dst); {
	case err == nil:
		logx.Infof("runtime: removed route %s", key)
	case err == ErrRouteNotFound:
		logx.Debugf("runtime: route %s already absent, treating as success", key)
	default:
		logx.Warnf("runtime: route del %s failed: %v", key, err)
		return false, err.Error()
	}

	s.routes.delete(key)
	return true, ""
}

// InstalledRoutes snapshots the installed route set for observability.
func (s *Service) InstalledRoutes() map[string]string {
	return s.routes.snapshot()
}
