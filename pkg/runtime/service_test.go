package runtime

import (
	"errors"
	"net"
	"strings"
	"testing"
)

// fakeKernel records mutations and can be primed to report idempotency
// conditions or hard failures.
type fakeKernel struct {
	routes   map[string]string
	addCalls int
	delCalls int
	addErr   error
	delErr   error
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{routes: map[string]string{}}
}

func (f *fakeKernel) AddRoute(dst *net.IPNet, via string) error {
	f.addCalls++
	if f.addErr != nil {
		return f.addErr
	}
	if _, ok := f.routes[dst.String()]; ok {
		return ErrRouteExists
	}
	f.routes[dst.String()] = via
	return nil
}

func (f *fakeKernel) DelRoute(dst *net.IPNet) error {
	f.delCalls++
	if f.delErr != nil {
		return f.delErr
	}
	if _, ok := f.routes[dst.String()]; !ok {
		return ErrRouteNotFound
	}
	delete(f.routes, dst.String())
	return nil
}

func (f *fakeKernel) ReconcileFromKernel(scope *net.IPNet) (map[string]string, error) {
	out := make(map[string]string)
	for dst, via := range f.routes {
		_, n, err := net.ParseCIDR(dst)
		if err != nil || !scope.Contains(n.IP) {
			continue
		}
		out[dst] = via
	}
	return out, nil
}

func TestConfigureNodeSubnetValidation(t *testing.T) {
	svc := NewService(newFakeKernel())

	cases := []struct {
		subnet  string
		wantErr string
	}{
		{"10.42.1.0/16", "must be /24"},
		{"10.43.1.0/24", "outside umbrella 10.42.0.0/16"},
		{"not-a-cidr", "invalid CIDR"},
		{"2001:db8::/24", "must be IPv4"},
	}
	for _, c := range cases {
		ok, errMsg := svc.ConfigureNodeSubnet(c.subnet)
		if ok {
			t.Fatalf("expected rejection of %q", c.subnet)
		}
		if !strings.Contains(errMsg, c.wantErr) {
			t.Fatalf("subnet %q: expected error containing %q, got %q", c.subnet, c.wantErr, errMsg)
		}
	}

	ok, errMsg := svc.ConfigureNodeSubnet("10.42.1.0/24")
	if !ok || errMsg != "" {
		t.Fatalf("expected success for valid subnet, got ok=%v err=%q", ok, errMsg)
	}
	if got := svc.Scope().String(); got != "10.42.1.0/24" {
		t.Fatalf("unexpected scope: %s", got)
	}
}

func TestConfigureNodeSubnetClearsAllocations(t *testing.T) {
	svc := NewService(newFakeKernel())
	svc.ConfigureNodeSubnet("10.42.1.0/24")
	svc.allocated["10.42.1.5"] = struct{}{}

	svc.ConfigureNodeSubnet("10.42.2.0/24")
	if len(svc.allocated) != 0 {
		t.Fatalf("expected allocated set cleared on reconfiguration")
	}
}

func TestInjectRouteIsIdempotent(t *testing.T) {
	k := newFakeKernel()
	svc := NewService(k)

	ok, errMsg := svc.InjectRoute("10.42.2.0/24", "vxlan100")
	if !ok || errMsg != "" {
		t.Fatalf("first inject: ok=%v err=%q", ok, errMsg)
	}
	ok, errMsg = svc.InjectRoute("10.42.2.0/24", "vxlan100")
	if !ok || errMsg != "" {
		t.Fatalf("second inject should be idempotent success: ok=%v err=%q", ok, errMsg)
	}
	if len(k.routes) != 1 {
		t.Fatalf("kernel should hold exactly one route, has %d", len(k.routes))
	}
	if svc.InstalledRoutes()["10.42.2.0/24"] != "vxlan100" {
		t.Fatalf("installed set not tracked: %v", svc.InstalledRoutes())
	}
}

func TestInjectRouteRefusesDifferentInterface(t *testing.T) {
	svc := NewService(newFakeKernel())
	svc.InjectRoute("10.42.2.0/24", "vxlan100")

	ok, errMsg := svc.InjectRoute("10.42.2.0/24", "eth0")
	if ok {
		t.Fatalf("expected refusal to replace route via different interface")
	}
	if !strings.Contains(errMsg, "different interface") {
		t.Fatalf("unexpected error: %q", errMsg)
	}
}

func TestInjectRouteValidation(t *testing.T) {
	svc := NewService(newFakeKernel())

	if ok, _ := svc.InjectRoute("nonsense", "vxlan100"); ok {
		t.Fatalf("expected rejection of malformed destination")
	}
	if ok, errMsg := svc.InjectRoute("10.42.2.0/24", ""); ok || !strings.Contains(errMsg, "via_interface") {
		t.Fatalf("expected rejection of empty interface, got ok=%v err=%q", ok, errMsg)
	}
}

func TestInjectRouteKernelFailureIsCarriedInBand(t *testing.T) {
	k := newFakeKernel()
	k.addErr = errors.New("interface \"vxlan100\" not found")
	svc := NewService(k)

	ok, errMsg := svc.InjectRoute("10.42.2.0/24", "vxlan100")
	if ok || errMsg == "" {
		t.Fatalf("expected in-band failure, got ok=%v err=%q", ok, errMsg)
	}
	if _, tracked := svc.InstalledRoutes()["10.42.2.0/24"]; tracked {
		t.Fatalf("failed inject must not be tracked")
	}
}

func TestRemoveRouteIsIdempotent(t *testing.T) {
	k := newFakeKernel()
	svc := NewService(k)
	svc.InjectRoute("10.42.2.0/24", "vxlan100")

	ok, errMsg := svc.RemoveRoute("10.42.2.0/24")
	if !ok || errMsg != "" {
		t.Fatalf("remove: ok=%v err=%q", ok, errMsg)
	}
	ok, errMsg = svc.RemoveRoute("10.42.2.0/24")
	if !ok || errMsg != "" {
		t.Fatalf("remove of missing route should succeed: ok=%v err=%q", ok, errMsg)
	}
	if len(svc.InstalledRoutes()) != 0 {
		t.Fatalf("installed set should be empty: %v", svc.InstalledRoutes())
	}
}

func TestReconcileFromKernelSeedsInstalledSet(t *testing.T) {
	k := newFakeKernel()
	k.routes["10.42.3.0/24"] = "vxlan100"
	k.routes["192.168.0.0/24"] = "eth0" // outside umbrella, ignored

	svc := NewService(k)
	svc.ReconcileFromKernel()

	installed := svc.InstalledRoutes()
	if len(installed) != 1 || installed["10.42.3.0/24"] != "vxlan100" {
		t.Fatalf("unexpected recovered routes: %v", installed)
	}
}
