// Package runtime implements the Runtime subsystem: a netlink-bound kernel
// mutator exposing ConfigureNodeSubnet, InjectRoute, and RemoveRoute behind
// an idempotent RPC boundary.
package runtime

import (
	"fmt"
	"net"
)

// umbrella is the /16 every ConfigureNodeSubnet argument must fall within;
// it also bounds the kernel routes recovered at startup.
var umbrella = mustParseCIDR("10.42.0.0/16")

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// validateSubnet checks a ConfigureNodeSubnet argument: well-formed IPv4
// CIDR, prefix length 24, network address within 10.42.0.0/16.
func validateSubnet(subnet string) (*net.IPNet, error) {
	ip, n, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR: %w", err)
	}
	if ip.To4() == nil {
		return nil, fmt.Errorf("must be IPv4")
	}
	ones, bits := n.Mask.Size()
	if bits != 32 || ones != 24 {
		return nil, fmt.Errorf("must be /24")
	}
	if !umbrella.Contains(n.IP) {
		return nil, fmt.Errorf("outside umbrella %s", umbrella.String())
	}
	return n, nil
}

// validateDestination checks an InjectRoute or RemoveRoute destination;
// unlike ConfigureNodeSubnet it does not require /24, only a well-formed
// IPv4 CIDR.
func validateDestination(destination string) (*net.IPNet, error) {
	ip, n, err := net.ParseCIDR(destination)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR: %w", err)
	}
	if ip.To4() == nil {
		return nil, fmt.Errorf("must be IPv4")
	}
	return n, nil
}
